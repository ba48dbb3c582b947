package upload

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/gostones/fundupload/internal/apperr"
)

// RetryPolicy drives automatic retries of retryable failures. With
// MaxAttempts of 0 or 1 every retry is left to the caller.
type RetryPolicy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxJitter      time.Duration
	// OnRetry is called before each automatic re-attempt.
	OnRetry func(attempt uint, err error)
}

func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	if p.MaxAttempts <= 1 {
		return fn()
	}
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(p.MaxAttempts),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(apperr.IsRetryable),
		retry.LastErrorOnly(true),
	}
	if p.InitialBackoff > 0 {
		opts = append(opts, retry.Delay(p.InitialBackoff))
	}
	if p.MaxBackoff > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxBackoff))
	}
	if p.MaxJitter > 0 {
		opts = append(opts, retry.MaxJitter(p.MaxJitter))
	}
	if p.OnRetry != nil {
		opts = append(opts, retry.OnRetry(p.OnRetry))
	}
	return retry.Do(fn, opts...)
}
