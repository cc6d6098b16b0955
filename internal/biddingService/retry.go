package bidding

import (
	"context"
	"time"

	"crop-auction/internal/biddingerrors"
	"crop-auction/utils"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds how hard a ledger write is retried after lost races
// or storage faults
type RetryConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// LockTimeout caps each attempt, including the wait for the auction lock
	LockTimeout time.Duration
}

// DefaultRetryConfig returns five attempts between 50ms and 1s apart
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:       5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		LockTimeout:    5 * time.Second,
	}
}

// withRetry runs fn until it succeeds, returns a non-transient error or
// the attempts run out
func (s *BiddingService) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := s.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialBackoff
	b.MaxInterval = s.retry.MaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx := ctx
		if s.retry.LockTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.retry.LockTimeout)
			defer cancel()
		}

		err := fn(attemptCtx)
		if err == nil || biddingerrors.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		utils.Warn("Transient ledger error, retrying", map[string]any{
			"operation": op,
			"attempt":   attempt,
			"wait":      wait.String(),
			"error":     err.Error(),
		})
	}

	return backoff.RetryNotify(operation, policy, notify)
}
