package shepherd

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned by Poll when the condition never held.
var ErrPollTimeout = errors.New("poll timed out")

// Poll calls check until it reports done, returns an error, the timeout
// elapses or ctx is cancelled. check runs immediately, then once per
// interval. A timeout of zero means no deadline beyond ctx.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return pollErr(err)
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return pollErr(ctx.Err())
		case <-ticker.C:
		}
	}
}

func pollErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrPollTimeout
	}
	return err
}
