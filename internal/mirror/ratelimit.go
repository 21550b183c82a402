package mirror

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mirrorbot/internal/platform"
)

// retryRateLimited runs op, sleeping exactly the platform-signaled
// duration and reissuing the identical call whenever the platform asks
// for a pause. There is no cap on the number of pauses; only context
// cancellation gives up. Every other failure is returned to the caller
// untouched so degradation stays the caller's decision.
func retryRateLimited[T any](ctx context.Context, log zerolog.Logger, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		var rl *platform.RateLimitError
		if errors.As(err, &rl) {
			wait := rl.RetryAfter
			if wait < time.Second {
				wait = time.Second
			}
			log.Warn().Dur("wait", wait).Msg("rate limited, pausing before retry")
			return v, backoff.RetryAfter(int(wait / time.Second))
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)),
		backoff.WithMaxElapsedTime(0),
	)
}
