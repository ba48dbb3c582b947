package upload

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gostones/fundupload/internal/logging"
	"github.com/gostones/fundupload/internal/origin"
	"github.com/gostones/fundupload/internal/policy"
)

// DefaultConcurrency bounds simultaneous transfers when no limit is set.
const DefaultConcurrency = 4

// Submission is one file handed to a session.
type Submission struct {
	File     FileDescriptor
	Category policy.Category
	Metadata map[string]string
}

// FileResult is the outcome of one submitted file, in submission order.
type FileResult struct {
	TaskID   string
	Success  bool
	Result   *Result
	Err      error
	File     FileDescriptor
	Category policy.Category
}

// Session owns a batch of tasks and combines their progress.
type Session struct {
	p           *Pipeline
	cred        origin.Credential
	concurrency int
	onProgress  func(float64)
	log         zerolog.Logger

	// emitMu keeps progress callbacks in the order aggregates were computed.
	emitMu sync.Mutex

	mu        sync.Mutex
	tasks     []*Task
	aggregate float64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithConcurrency bounds the number of tasks running at once.
func WithConcurrency(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithProgress registers a callback that receives the aggregate percentage
// after every task event. Calls are serialized; fn must not modify the
// session.
func WithProgress(fn func(float64)) SessionOption {
	return func(s *Session) { s.onProgress = fn }
}

// NewSession creates an empty session.
func NewSession(p *Pipeline, cred origin.Credential, opts ...SessionOption) *Session {
	s := &Session{
		p:           p,
		cred:        cred,
		concurrency: DefaultConcurrency,
		log:         logging.Component(p.Log, "session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates one pending task per file, in order.
func (s *Session) Submit(files ...Submission) []*Task {
	out := make([]*Task, 0, len(files))
	for _, f := range files {
		t := NewTask(s.p, s.cred, f.File, f.Category, f.Metadata)
		t.notify = s.recompute
		out = append(out, t)
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, out...)
	s.mu.Unlock()
	s.recompute()
	return out
}

// Tasks returns the session's tasks in submission order.
func (s *Session) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Task(nil), s.tasks...)
}

// Remove cancels and drops a task.
func (s *Session) Remove(id string) bool {
	s.mu.Lock()
	var removed *Task
	for i, t := range s.tasks {
		if t.id == id {
			removed = t
			s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if removed == nil {
		return false
	}
	removed.Cancel()
	s.recompute()
	return true
}

// Run drives every pending task, at most concurrency at a time, and returns
// the per-file results once all of them are terminal. A failed task never
// stops its siblings.
func (s *Session) Run(ctx context.Context) []FileResult {
	var pending []*Task
	for _, t := range s.Tasks() {
		if t.Snapshot().Status == Pending {
			pending = append(pending, t)
		}
	}
	s.runAll(ctx, pending, func(ctx context.Context, t *Task) error { return t.Run(ctx) })
	return s.Results()
}

// RetryFailed retries every failed task that can be retried and returns the
// refreshed results.
func (s *Session) RetryFailed(ctx context.Context) []FileResult {
	var failed []*Task
	for _, t := range s.Tasks() {
		snap := t.Snapshot()
		if snap.Status == Failed {
			failed = append(failed, t)
		}
	}
	s.runAll(ctx, failed, func(ctx context.Context, t *Task) error { return t.Retry(ctx) })
	return s.Results()
}

func (s *Session) runAll(ctx context.Context, tasks []*Task, fn func(context.Context, *Task) error) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := fn(ctx, t); err != nil {
				s.log.Debug().Str(logging.FieldTaskID, t.id).Err(err).Msg("task did not complete")
			}
			return nil
		})
	}
	g.Wait()
}

// Results reports every task in submission order.
func (s *Session) Results() []FileResult {
	tasks := s.Tasks()
	out := make([]FileResult, len(tasks))
	for i, t := range tasks {
		snap := t.Snapshot()
		r := FileResult{
			TaskID:   snap.ID,
			File:     snap.File,
			Category: snap.Category,
		}
		switch {
		case snap.Status == Completed:
			r.Success = true
			r.Result = snap.Result
		case snap.Err != nil:
			r.Err = snap.Err
		case snap.Status == Cancelled:
			r.Err = ErrTaskCancelled
		default:
			r.Err = ErrNotFinished
		}
		out[i] = r
	}
	return out
}

// Progress returns the aggregate percentage.
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregate
}

// recompute derives the aggregate from task snapshots: a completed task
// counts as one unit, any other task as its own progress fraction.
func (s *Session) recompute() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	var sum float64
	for _, t := range s.tasks {
		snap := t.Snapshot()
		if snap.Status == Completed {
			sum++
		} else {
			sum += snap.Progress / 100
		}
	}
	agg := 0.0
	if n := len(s.tasks); n > 0 {
		agg = sum / float64(n) * 100
	}
	s.aggregate = agg
	fn := s.onProgress
	s.mu.Unlock()

	if fn != nil {
		fn(agg)
	}
}
