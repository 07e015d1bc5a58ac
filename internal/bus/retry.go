package bus

import (
	"context"
	"time"

	"github.com/milvaion/milvaion/internal/domain"
)

// Retry runs op up to attempts times, retrying only errors the domain marks
// transient. Permanent errors return immediately; the caller decides between
// dropping and dead-lettering.
func Retry(ctx context.Context, attempts int, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || !domain.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return err
}
