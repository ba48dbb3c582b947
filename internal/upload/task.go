// Package upload sequences policy, grant negotiation, storage transfer and
// confirmation for each file, and runs batches of files as a session.
package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gostones/fundupload/internal"
	"github.com/gostones/fundupload/internal/apperr"
	"github.com/gostones/fundupload/internal/grant"
	"github.com/gostones/fundupload/internal/logging"
	"github.com/gostones/fundupload/internal/origin"
	"github.com/gostones/fundupload/internal/policy"
	"github.com/gostones/fundupload/internal/transfer"
)

var (
	ErrNotPending    = errors.New("task is not pending")
	ErrNotFailed     = errors.New("task has not failed")
	ErrNotRetryable  = errors.New("task failed validation and cannot be retried")
	ErrTaskCancelled = errors.New("task was cancelled")
	ErrNotFinished   = errors.New("task has not finished")
)

// Negotiator obtains a write grant.
type Negotiator interface {
	RequestGrant(ctx context.Context, cred origin.Credential, in origin.GrantInput) (*grant.Grant, error)
}

// Transferrer writes bytes to storage.
type Transferrer interface {
	Transfer(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error
}

// Confirmer reports a finished transfer to the origin server.
type Confirmer interface {
	Confirm(ctx context.Context, cred origin.Credential, key string, category policy.Category, metadata map[string]string) (*origin.Confirmation, error)
}

// Pipeline holds the collaborators every task of a session shares.
type Pipeline struct {
	Negotiator Negotiator
	Transfer   Transferrer
	Handshake  Confirmer
	Retry      RetryPolicy
	Log        zerolog.Logger

	// Validate defaults to policy.Validate.
	Validate func(size int64, contentType string, c policy.Category) error
	// OnOrphan is called with the key of an object that reached storage but
	// was never confirmed because the task was dropped.
	OnOrphan func(key string, c policy.Category)
}

func (p *Pipeline) validate(size int64, contentType string, c policy.Category) error {
	if p.Validate != nil {
		return p.Validate(size, contentType, c)
	}
	return policy.Validate(size, contentType, c)
}

// Result is a confirmed upload.
type Result struct {
	PublicURL string
	Key       string
	Metadata  map[string]interface{}
}

// Snapshot is a consistent copy of a task's observable state.
type Snapshot struct {
	ID       string
	File     FileDescriptor
	Category policy.Category
	Status   Status
	Progress float64
	Attempts int
	Err      error
	Result   *Result
}

// Task is the per-file state machine. Its state is mutated only by its own
// driver; other goroutines read it through Snapshot.
type Task struct {
	id       string
	file     FileDescriptor
	category policy.Category
	metadata map[string]string
	cred     origin.Credential
	p        *Pipeline
	log      zerolog.Logger
	notify   func()

	mu       sync.Mutex
	status   Status
	resumeAt Status
	progress float64
	attempts int
	lastErr  error
	result   *Result
	key      string
	checksum string
	cancel   context.CancelFunc
	dropped  bool
	running  bool
}

// NewTask creates a pending task. metadata is forwarded to the grant and
// confirmation requests.
func NewTask(p *Pipeline, cred origin.Credential, file FileDescriptor, c policy.Category, metadata map[string]string) *Task {
	id := uuid.NewString()
	return &Task{
		id:       id,
		file:     file,
		category: c,
		metadata: metadata,
		cred:     cred,
		p:        p,
		log: logging.Component(p.Log, "task").With().
			Str(logging.FieldTaskID, id).
			Str(logging.FieldCategory, string(c)).
			Str(logging.FieldFile, file.Name).
			Logger(),
		status:   Pending,
		resumeAt: Validating,
	}
}

func (t *Task) ID() string { return t.id }

// Snapshot returns the current state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:       t.id,
		File:     t.file,
		Category: t.category,
		Status:   t.status,
		Progress: t.progress,
		Attempts: t.attempts,
		Err:      t.lastErr,
	}
	if t.result != nil {
		r := *t.result
		s.Result = &r
	}
	return s
}

// Run drives a pending task to a terminal state and returns its error, if
// any. Automatic retries follow the pipeline's RetryPolicy.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.dropped {
		t.mu.Unlock()
		return ErrTaskCancelled
	}
	if t.running || t.status != Pending {
		t.mu.Unlock()
		return ErrNotPending
	}
	t.running = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	defer func() {
		cancel()
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	start := time.Now()
	t.p.Retry.do(ctx, func() error { return t.drive(ctx) })

	s := t.Snapshot()
	ev := t.log.Info()
	if s.Err != nil {
		ev = t.log.Warn().Err(s.Err)
	}
	ev.Str(logging.FieldStatus, s.Status.String()).
		Int("attempts", s.Attempts).
		Dur("elapsed", time.Since(start)).
		Msg("upload finished")
	return s.Err
}

// Retry re-runs a failed task. It resumes at Confirming when only the
// handshake failed and at RequestingGrant otherwise; validation failures
// cannot be retried.
func (t *Task) Retry(ctx context.Context) error {
	t.mu.Lock()
	if t.dropped {
		t.mu.Unlock()
		return ErrTaskCancelled
	}
	if t.running || t.status != Failed {
		t.mu.Unlock()
		return ErrNotFailed
	}
	if t.resumeAt <= Validating {
		t.mu.Unlock()
		return ErrNotRetryable
	}
	t.status = Pending
	t.mu.Unlock()
	t.emit()

	return t.Run(ctx)
}

// Cancel drops the task. An in-flight transfer is aborted and no
// confirmation is sent afterwards.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.dropped = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.status == Pending || t.status == Failed {
		t.status = Cancelled
	}
	t.mu.Unlock()
	t.emit()
}

// drive runs one pass from the resume point.
func (t *Task) drive(ctx context.Context) error {
	t.mu.Lock()
	from := t.resumeAt
	t.attempts++
	t.lastErr = nil
	t.mu.Unlock()

	if from <= Validating {
		t.setStatus(Validating)
		if err := t.p.validate(t.file.Size, t.file.ContentType, t.category); err != nil {
			return t.fail(err, Validating)
		}
		if t.file.Handle == nil && t.file.Size > 0 {
			return t.fail(apperr.InvalidPayload(t.file.Name+" has no readable handle"), Validating)
		}
		if t.file.Handle != nil {
			if _, hex, err := internal.MD5SumAt(t.file.Handle, t.file.Size); err == nil {
				t.mu.Lock()
				t.checksum = hex
				t.mu.Unlock()
			} else {
				t.log.Warn().Err(err).Msg("checksum skipped")
			}
		}
		from = RequestingGrant
	}

	if from <= Transferring {
		t.setStatus(RequestingGrant)
		t.resetProgress()
		g, err := t.p.Negotiator.RequestGrant(ctx, t.cred, origin.GrantInput{
			Category:     t.category,
			ContentType:  t.file.ContentType,
			OriginalName: t.file.Name,
			Metadata:     t.metadata,
		})
		if err != nil {
			return t.fail(err, RequestingGrant)
		}

		t.setStatus(Transferring)
		err = t.p.Transfer.Transfer(ctx, g, transfer.Payload{
			Name:        t.file.Name,
			ContentType: t.file.ContentType,
			Size:        t.file.Size,
			Handle:      t.file.Handle,
		}, t.onBytes)
		if err != nil {
			return t.fail(err, RequestingGrant)
		}

		t.mu.Lock()
		t.key = g.Key
		t.progress = 100
		t.mu.Unlock()
		t.emit()

		if ctx.Err() != nil {
			t.orphaned(g.Key)
			return t.fail(apperr.Cancelled("confirmation"), Confirming)
		}
	}

	t.setStatus(Confirming)
	t.mu.Lock()
	key := t.key
	t.mu.Unlock()

	conf, err := t.p.Handshake.Confirm(ctx, t.cred, key, t.category, t.confirmMetadata())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindCancelled {
			t.orphaned(key)
		}
		return t.fail(err, Confirming)
	}

	t.mu.Lock()
	t.status = Completed
	t.resumeAt = Completed
	t.progress = 100
	t.result = &Result{
		PublicURL: conf.PublicURL,
		Key:       conf.Key,
		Metadata:  conf.Metadata,
	}
	t.mu.Unlock()
	t.emit()
	return nil
}

func (t *Task) confirmMetadata() map[string]string {
	m := make(map[string]string, len(t.metadata)+2)
	for k, v := range t.metadata {
		m[k] = v
	}
	m["originalName"] = t.file.Name
	t.mu.Lock()
	if t.checksum != "" {
		m["md5"] = t.checksum
	}
	t.mu.Unlock()
	return m
}

// fail records err and the step a retry re-enters at. Cancellation is
// terminal regardless of step.
func (t *Task) fail(err error, resumeAt Status) error {
	if _, ok := apperr.As(err); !ok {
		err = apperr.Network(resumeAt.String(), err)
	}
	t.mu.Lock()
	t.lastErr = err
	t.resumeAt = resumeAt
	if t.dropped || apperr.KindOf(err) == apperr.KindCancelled {
		t.status = Cancelled
	} else {
		t.status = Failed
	}
	t.mu.Unlock()
	t.emit()
	return err
}

func (t *Task) orphaned(key string) {
	t.log.Warn().
		Str(logging.FieldKey, key).
		Msg("object stored but not confirmed, needs server-side reconciliation")
	if t.p.OnOrphan != nil {
		t.p.OnOrphan(key, t.category)
	}
}

func (t *Task) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
	t.emit()
}

func (t *Task) resetProgress() {
	t.mu.Lock()
	t.progress = 0
	t.mu.Unlock()
}

// onBytes turns byte counts into a non-decreasing percentage.
func (t *Task) onBytes(sent, total int64) {
	if total <= 0 {
		return
	}
	pct := float64(sent) * 100 / float64(total)
	if pct > 100 {
		pct = 100
	}
	t.mu.Lock()
	if pct <= t.progress {
		t.mu.Unlock()
		return
	}
	t.progress = pct
	t.mu.Unlock()
	t.emit()
}

func (t *Task) emit() {
	if t.notify != nil {
		t.notify()
	}
}
