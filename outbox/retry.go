package outbox

import (
	"context"
	"math"
	"time"

	"github.com/DioGolang/GoStore/pkg/logger"
)

// DispatchFunc hands one claimed event to the broker.
type DispatchFunc func(ctx context.Context, evt *Event) error

// WithExponentialBackoff retries transient publish failures before the
// event is marked failed.
func WithExponentialBackoff(
	log logger.Logger,
	maxRetries int,
	baseWait time.Duration,
	next DispatchFunc,
) DispatchFunc {
	return func(ctx context.Context, evt *Event) error {
		var err error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			err = next(ctx, evt)
			if err == nil {
				return nil
			}
			if attempt < maxRetries {
				wait := baseWait * time.Duration(math.Pow(2, float64(attempt)))

				log.Warn(ctx, "Transient publish failure, retrying...",
					logger.String("event_id", evt.ID.String()),
					logger.Int("attempt", attempt+1),
					logger.String("wait", wait.String()),
					logger.WithError(err),
				)

				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					if !timer.Stop() {
						<-timer.C
					}
					return ctx.Err()
				}
			}
		}

		log.Error(ctx, "Max retries reached, giving up.",
			logger.String("event_id", evt.ID.String()),
			logger.WithError(err),
		)
		return err
	}
}
