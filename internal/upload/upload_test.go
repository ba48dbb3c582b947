package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostones/fundupload/internal/apperr"
	"github.com/gostones/fundupload/internal/grant"
	"github.com/gostones/fundupload/internal/origin"
	"github.com/gostones/fundupload/internal/policy"
	"github.com/gostones/fundupload/internal/transfer"
)

type fakeOrigin struct {
	mu          sync.Mutex
	grants      int
	confirms    int
	grantInputs []origin.GrantInput
	grantKeys   []string
	confirmKeys []string
	confirmMeta []map[string]string
	confirmErrs []error
	grantErr    error
}

func (f *fakeOrigin) RequestGrant(ctx context.Context, cred origin.Credential, in origin.GrantInput) (*grant.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	f.grantInputs = append(f.grantInputs, in)
	if f.grantErr != nil {
		return nil, f.grantErr
	}
	rule, _ := policy.Lookup(in.Category)
	key := fmt.Sprintf("%s/%d-%s", rule.Namespace, f.grants, in.OriginalName)
	f.grantKeys = append(f.grantKeys, key)
	return &grant.Grant{
		Key:       key,
		Target:    "https://storage.example.com/" + key,
		Method:    grant.Direct{},
		PublicURL: "https://storage.example.com/" + key,
	}, nil
}

func (f *fakeOrigin) Confirm(ctx context.Context, cred origin.Credential, key string, c policy.Category, metadata map[string]string) (*origin.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	f.confirmKeys = append(f.confirmKeys, key)
	f.confirmMeta = append(f.confirmMeta, metadata)
	if len(f.confirmErrs) > 0 {
		err := f.confirmErrs[0]
		f.confirmErrs = f.confirmErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &origin.Confirmation{
		PublicURL: "https://cdn.example.com/" + key,
		Key:       key,
		Metadata:  map[string]interface{}{"category": string(c)},
	}, nil
}

func (f *fakeOrigin) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants, f.confirms
}

type fakeStorage struct {
	mu          sync.Mutex
	calls       int
	inflight    int
	maxInflight int
	fn          func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error
}

func (f *fakeStorage) Transfer(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
	f.mu.Lock()
	f.calls++
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	fn := f.fn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, g, p, progress)
	}
	if progress != nil {
		progress(p.Size/2, p.Size)
		progress(p.Size, p.Size)
	}
	return nil
}

func (f *fakeStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newPipeline(o *fakeOrigin, s *fakeStorage) *Pipeline {
	return &Pipeline{
		Negotiator: o,
		Transfer:   s,
		Handshake:  o,
		Log:        zerolog.Nop(),
	}
}

func png(name string, size int64) FileDescriptor {
	return FileDescriptor{
		Name:        name,
		Size:        size,
		ContentType: "image/png",
		Handle:      bytes.NewReader(make([]byte, size)),
	}
}

func TestTaskCompletes(t *testing.T) {
	o, s := &fakeOrigin{}, &fakeStorage{}
	task := NewTask(newPipeline(o, s), "tok", png("me.png", 2*policy.MiB), policy.ProfilePicture, map[string]string{"userId": "7"})

	require.NoError(t, task.Run(context.Background()))

	snap := task.Snapshot()
	assert.Equal(t, Completed, snap.Status)
	assert.Equal(t, float64(100), snap.Progress)
	assert.Equal(t, 1, snap.Attempts)
	require.NotNil(t, snap.Result)

	u, err := url.Parse(snap.Result.PublicURL)
	require.NoError(t, err)
	assert.NotEmpty(t, u.Scheme)
	assert.NotEmpty(t, u.Host)

	require.Len(t, o.grantInputs, 1)
	assert.Equal(t, "image/png", o.grantInputs[0].ContentType)
	assert.Equal(t, "me.png", o.grantInputs[0].OriginalName)
	assert.Equal(t, policy.ProfilePicture, o.grantInputs[0].Category)

	require.Len(t, o.confirmKeys, 1)
	assert.Equal(t, o.grantKeys[0], o.confirmKeys[0])
	assert.Equal(t, o.grantKeys[0], snap.Result.Key)
	assert.Equal(t, "7", o.confirmMeta[0]["userId"])
	assert.Equal(t, "me.png", o.confirmMeta[0]["originalName"])
	assert.Len(t, o.confirmMeta[0]["md5"], 32)
	assert.Equal(t, 1, s.count())
}

func TestTaskValidationMakesNoNetworkCall(t *testing.T) {
	tests := []struct {
		name string
		file FileDescriptor
		kind apperr.Kind
	}{
		{"too large", FileDescriptor{Name: "big.png", Size: 20 * policy.MiB, ContentType: "image/png"}, apperr.KindTooLarge},
		{"unsupported type", FileDescriptor{Name: "a.gif", Size: 10, ContentType: "image/gif"}, apperr.KindUnsupportedType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			o, s := &fakeOrigin{}, &fakeStorage{}
			task := NewTask(newPipeline(o, s), "tok", tc.file, policy.ProfilePicture, nil)

			err := task.Run(context.Background())
			assert.Equal(t, tc.kind, apperr.KindOf(err))

			grants, confirms := o.counts()
			assert.Equal(t, 0, grants)
			assert.Equal(t, 0, confirms)
			assert.Equal(t, 0, s.count())
			assert.Equal(t, Failed, task.Snapshot().Status)

			assert.ErrorIs(t, task.Retry(context.Background()), ErrNotRetryable)
		})
	}
}

func TestRetryAfterConfirmationFailureSkipsTransfer(t *testing.T) {
	o := &fakeOrigin{confirmErrs: []error{apperr.ConfirmationFailed(502, "bad gateway")}}
	s := &fakeStorage{}
	task := NewTask(newPipeline(o, s), "tok", png("cover.png", 1024), policy.CampaignCover, nil)

	err := task.Run(context.Background())
	assert.Equal(t, apperr.KindConfirmationFailed, apperr.KindOf(err))
	snap := task.Snapshot()
	assert.Equal(t, Failed, snap.Status)
	assert.Equal(t, float64(100), snap.Progress)

	require.NoError(t, task.Retry(context.Background()))

	grants, confirms := o.counts()
	assert.Equal(t, 1, s.count())
	assert.Equal(t, 1, grants)
	assert.Equal(t, 2, confirms)
	assert.Equal(t, o.confirmKeys[0], o.confirmKeys[1])
	assert.Equal(t, Completed, task.Snapshot().Status)
	assert.Equal(t, 2, task.Snapshot().Attempts)
}

func TestRetryAfterTransferRejectedRequestsFreshGrant(t *testing.T) {
	o := &fakeOrigin{}
	calls := 0
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		calls++
		if calls == 1 {
			progress(p.Size/4, p.Size)
			return apperr.TransferRejected(403, g.Target)
		}
		progress(p.Size, p.Size)
		return nil
	}}
	task := NewTask(newPipeline(o, s), "tok", png("doc.png", 4096), policy.DocumentPassport, nil)

	err := task.Run(context.Background())
	assert.Equal(t, apperr.KindTransferRejected, apperr.KindOf(err))
	assert.Equal(t, float64(25), task.Snapshot().Progress)

	require.NoError(t, task.Retry(context.Background()))
	grants, confirms := o.counts()
	assert.Equal(t, 2, grants)
	assert.Equal(t, 1, confirms)
	assert.NotEqual(t, o.grantKeys[0], o.grantKeys[1])
	assert.Equal(t, o.grantKeys[1], o.confirmKeys[0])
}

func TestRetryRequiresFailedTask(t *testing.T) {
	task := NewTask(newPipeline(&fakeOrigin{}, &fakeStorage{}), "tok", png("a.png", 10), policy.CampaignImage, nil)
	assert.ErrorIs(t, task.Retry(context.Background()), ErrNotFailed)

	require.NoError(t, task.Run(context.Background()))
	assert.ErrorIs(t, task.Run(context.Background()), ErrNotPending)
	assert.ErrorIs(t, task.Retry(context.Background()), ErrNotFailed)
}

func TestAutomaticRetryPolicy(t *testing.T) {
	o := &fakeOrigin{}
	calls := 0
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		calls++
		if calls == 1 {
			return apperr.Network("transfer", io.ErrUnexpectedEOF)
		}
		return nil
	}}
	p := newPipeline(o, s)
	var retried []uint
	p.Retry = RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxJitter:      time.Millisecond,
		OnRetry:        func(n uint, err error) { retried = append(retried, n) },
	}

	task := NewTask(p, "tok", png("a.png", 100), policy.CampaignImage, nil)
	require.NoError(t, task.Run(context.Background()))

	assert.Equal(t, 2, task.Snapshot().Attempts)
	assert.Equal(t, 2, s.count())
	grants, _ := o.counts()
	assert.Equal(t, 2, grants)
	assert.Len(t, retried, 1)
}

func TestAutomaticRetrySkipsRejectedTransfer(t *testing.T) {
	o := &fakeOrigin{}
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		return apperr.TransferRejected(403, g.Target)
	}}
	p := newPipeline(o, s)
	p.Retry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	task := NewTask(p, "tok", png("a.png", 100), policy.CampaignImage, nil)
	err := task.Run(context.Background())
	assert.Equal(t, apperr.KindTransferRejected, apperr.KindOf(err))
	assert.Equal(t, 1, s.count())
	assert.Equal(t, 1, task.Snapshot().Attempts)
}

func TestCancelDuringTransfer(t *testing.T) {
	o := &fakeOrigin{}
	started := make(chan struct{})
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		close(started)
		<-ctx.Done()
		return apperr.Cancelled("transfer")
	}}
	task := NewTask(newPipeline(o, s), "tok", png("a.png", 100), policy.CampaignImage, nil)

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	<-started
	task.Cancel()

	err := <-done
	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
	assert.Equal(t, Cancelled, task.Snapshot().Status)
	_, confirms := o.counts()
	assert.Equal(t, 0, confirms)
	assert.ErrorIs(t, task.Retry(context.Background()), ErrTaskCancelled)
}

func TestCancelAfterTransferReportsOrphan(t *testing.T) {
	o := &fakeOrigin{}
	var task *Task
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		task.Cancel()
		return nil
	}}
	p := newPipeline(o, s)
	var orphans []string
	p.OnOrphan = func(key string, c policy.Category) { orphans = append(orphans, key) }

	task = NewTask(p, "tok", png("a.png", 100), policy.CampaignImage, nil)
	err := task.Run(context.Background())

	assert.Equal(t, apperr.KindCancelled, apperr.KindOf(err))
	_, confirms := o.counts()
	assert.Equal(t, 0, confirms)
	require.Len(t, orphans, 1)
	assert.Equal(t, o.grantKeys[0], orphans[0])
}

func TestTaskProgressNeverDecreases(t *testing.T) {
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		for _, sent := range []int64{10, 50, 30, 80, 100} {
			progress(sent, 100)
		}
		return nil
	}}
	var seen []float64
	sess := NewSession(newPipeline(&fakeOrigin{}, s), "tok", WithProgress(func(p float64) { seen = append(seen, p) }))
	sess.Submit(Submission{File: png("a.png", 100), Category: policy.CampaignImage})
	sess.Run(context.Background())

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, float64(100), seen[len(seen)-1])
}

func TestSessionAggregate(t *testing.T) {
	sess := NewSession(newPipeline(&fakeOrigin{}, &fakeStorage{}), "tok")
	tasks := sess.Submit(
		Submission{File: png("a.png", 10), Category: policy.CampaignImage},
		Submission{File: png("b.png", 10), Category: policy.CampaignImage},
		Submission{File: png("c.png", 10), Category: policy.CampaignImage},
	)
	assert.Equal(t, float64(0), sess.Progress())

	set := func(t *Task, s Status, p float64) {
		t.mu.Lock()
		t.status = s
		t.progress = p
		t.mu.Unlock()
	}
	set(tasks[0], Completed, 100)
	set(tasks[1], Transferring, 50)
	set(tasks[2], RequestingGrant, 0)
	sess.recompute()

	assert.Equal(t, 50.0, sess.Progress())
}

func TestSessionPartialFailureIsolation(t *testing.T) {
	o := &fakeOrigin{}
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		if p.Name == "two.png" {
			return apperr.TransferRejected(403, g.Target)
		}
		progress(p.Size, p.Size)
		return nil
	}}
	sess := NewSession(newPipeline(o, s), "tok")
	names := []string{"one.png", "two.png", "three.png"}
	for _, n := range names {
		sess.Submit(Submission{File: png(n, 64), Category: policy.CampaignImage})
	}

	results := sess.Run(context.Background())
	require.Len(t, results, 3)

	var failures []int
	for i, r := range results {
		assert.Equal(t, names[i], r.File.Name)
		if !r.Success {
			failures = append(failures, i)
		}
	}
	assert.Equal(t, []int{1}, failures)
	assert.Equal(t, apperr.KindTransferRejected, apperr.KindOf(results[1].Err))
	assert.True(t, results[0].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, Completed, sess.Tasks()[0].Snapshot().Status)
	assert.Equal(t, Completed, sess.Tasks()[2].Snapshot().Status)
	assert.NotEmpty(t, results[0].Result.PublicURL)
	assert.Nil(t, results[1].Result)
}

func TestSessionRetryFailed(t *testing.T) {
	o := &fakeOrigin{confirmErrs: []error{nil, apperr.ConfirmationFailed(503, "unavailable")}}
	s := &fakeStorage{}
	sess := NewSession(newPipeline(o, s), "tok", WithConcurrency(1))
	sess.Submit(
		Submission{File: png("a.png", 8), Category: policy.CampaignImage},
		Submission{File: png("b.png", 8), Category: policy.CampaignImage},
	)

	results := sess.Run(context.Background())
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)

	results = sess.RetryFailed(context.Background())
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.Equal(t, 2, s.count())
	assert.Equal(t, 100.0, sess.Progress())
}

func TestSessionBoundedConcurrency(t *testing.T) {
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}}
	sess := NewSession(newPipeline(&fakeOrigin{}, s), "tok", WithConcurrency(2))
	for i := 0; i < 6; i++ {
		sess.Submit(Submission{File: png(fmt.Sprintf("%d.png", i), 16), Category: policy.CampaignImage})
	}

	results := sess.Run(context.Background())
	for _, r := range results {
		assert.True(t, r.Success)
	}
	assert.Equal(t, 6, s.count())
	assert.LessOrEqual(t, s.maxInflight, 2)
}

func TestSessionRemove(t *testing.T) {
	sess := NewSession(newPipeline(&fakeOrigin{}, &fakeStorage{}), "tok")
	tasks := sess.Submit(
		Submission{File: png("a.png", 8), Category: policy.CampaignImage},
		Submission{File: png("b.png", 8), Category: policy.CampaignImage},
	)

	assert.True(t, sess.Remove(tasks[0].ID()))
	assert.False(t, sess.Remove(tasks[0].ID()))
	assert.Equal(t, Cancelled, tasks[0].Snapshot().Status)

	results := sess.Run(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "b.png", results[0].File.Name)
	assert.True(t, results[0].Success)
}

func TestOpenFile(t *testing.T) {
	data := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 100)...)
	fp := filepath.Join(t.TempDir(), "avatar.png")
	require.NoError(t, os.WriteFile(fp, data, 0o600))

	desc, f, err := OpenFile(fp)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "avatar.png", desc.Name)
	assert.Equal(t, int64(len(data)), desc.Size)
	assert.Equal(t, "image/png", desc.ContentType)

	_, _, err = OpenFile(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "RequestingGrant", RequestingGrant.String())
	assert.Equal(t, "Unknown", Status(42).String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Confirming.Terminal())
}

func TestGrantDeniedStopsBeforeTransfer(t *testing.T) {
	o := &fakeOrigin{grantErr: apperr.GrantDenied(403, "quota exceeded")}
	s := &fakeStorage{}
	task := NewTask(newPipeline(o, s), "tok", png("a.png", 10), policy.CampaignImage, nil)

	err := task.Run(context.Background())
	assert.Equal(t, apperr.KindGrantDenied, apperr.KindOf(err))
	assert.Equal(t, 0, s.count())
	_, confirms := o.counts()
	assert.Equal(t, 0, confirms)

	o.mu.Lock()
	o.grantErr = nil
	o.mu.Unlock()
	require.NoError(t, task.Retry(context.Background()))
	assert.Equal(t, 1, s.count())
}

func TestRunWhileRunning(t *testing.T) {
	o := &fakeOrigin{}
	started := make(chan struct{})
	release := make(chan struct{})
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		close(started)
		<-release
		return nil
	}}
	task := NewTask(newPipeline(o, s), "tok", png("a.png", 100), policy.CampaignImage, nil)

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	<-started

	assert.ErrorIs(t, task.Run(context.Background()), ErrNotPending)
	close(release)
	require.NoError(t, <-done)

	grants, _ := o.counts()
	assert.Equal(t, 1, grants)
	assert.Equal(t, 1, s.count())
}

func TestRetryDuringAutomaticBackoff(t *testing.T) {
	o := &fakeOrigin{}
	calls := 0
	s := &fakeStorage{fn: func(ctx context.Context, g *grant.Grant, p transfer.Payload, progress transfer.ProgressFunc) error {
		calls++
		if calls == 1 {
			return apperr.Network("transfer", io.ErrUnexpectedEOF)
		}
		return nil
	}}
	p := newPipeline(o, s)
	backoff := make(chan struct{})
	p.Retry = RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		OnRetry:        func(uint, error) { close(backoff) },
	}
	task := NewTask(p, "tok", png("a.png", 100), policy.CampaignImage, nil)

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	<-backoff

	assert.Equal(t, Failed, task.Snapshot().Status)
	assert.ErrorIs(t, task.Retry(context.Background()), ErrNotFailed)
	require.NoError(t, <-done)
	assert.Equal(t, 2, s.count())
}

func TestMissingHandleFailsValidation(t *testing.T) {
	o := &fakeOrigin{}
	s := &fakeStorage{}
	sess := NewSession(newPipeline(o, s), "tok")
	sess.Submit(
		Submission{File: FileDescriptor{Name: "ghost.png", Size: 10, ContentType: "image/png"}, Category: policy.CampaignImage},
		Submission{File: png("b.png", 10), Category: policy.CampaignImage},
	)

	results := sess.Run(context.Background())
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, apperr.KindInvalidPayload, apperr.KindOf(results[0].Err))
	assert.True(t, results[1].Success)

	grants, _ := o.counts()
	assert.Equal(t, 1, grants)
	assert.Equal(t, 1, s.count())
	assert.ErrorIs(t, sess.Tasks()[0].Retry(context.Background()), ErrNotRetryable)
}
