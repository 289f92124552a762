package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithRetry retries a failed call up to maxRetries times with doubling
// backoff. Only use it for idempotent services: a retried frame traversal
// under replace may mutate twice.
func WithRetry(maxRetries int, backoff time.Duration, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err
				var nf *ErrServiceNotFound
				if ctx.Err() != nil || errors.As(err, &nf) {
					return nil, lastErr
				}
				if attempt == maxRetries {
					break
				}
				wait := backoff * (1 << uint(attempt))
				if logger != nil {
					logger.WarnContext(ctx, "connectivity: retrying call",
						"attempt", attempt+1, "max_retries", maxRetries,
						"backoff_ms", wait.Milliseconds(), "error", err)
				}
				select {
				case <-ctx.Done():
					return nil, lastErr
				case <-time.After(wait):
				}
			}
			return nil, lastErr
		}
	}
}
