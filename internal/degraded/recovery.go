package degraded

import (
	"context"
	"time"
)

// ValidateFunc checks one credential against its provider. nil means the credential works.
type ValidateFunc func(ctx context.Context) error

// runRecovery retries validate on a Fibonacci schedule derived from initial and capped at max.
// It returns true as soon as validate succeeds and false when the schedule is exhausted
// or ctx is done.
func runRecovery(ctx context.Context, validate ValidateFunc, initial, max, attemptTimeout time.Duration) bool {
	if initial <= 0 || max < initial {
		return false
	}
	for _, d := range fibDelays(initial, max) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := validate(attemptCtx)
		cancel()
		if err == nil {
			return true
		}
	}
	return false
}

// fibDelays returns initial multiplied by 1, 2, 3, 5, 8, ... while the product stays within max.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 {
		return nil
	}
	var out []time.Duration
	for a, b := int64(1), int64(2); ; a, b = b, a+b {
		d := time.Duration(a) * initial
		if d > max {
			return out
		}
		out = append(out, d)
	}
}
