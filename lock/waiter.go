package lock

import (
	"context"
	"time"
)

// attemptFunc runs one atomic acquisition attempt. On failure it reports the
// remaining lease of the current holder when the store knows it (zero or
// negative otherwise).
type attemptFunc func(ctx context.Context) (acquired bool, remaining time.Duration, err error)

// awaitAcquire is the wait coordinator shared by every blocking primitive.
// It retries attempt until success, an exhausted wait budget (wait >= 0) or
// cancellation. The ordering is mandatory: subscribe first, then re-check,
// then block — a release published between check and subscribe would
// otherwise be lost. Each block is bounded by the shortest of the remaining
// lease, the retry interval and the caller's deadline, so a lost wake only
// delays the waiter by one poll.
func (c *Coordinator) awaitAcquire(ctx context.Context, channel string, wait time.Duration, attempt attemptFunc) (bool, error) {
	acquired, remaining, err := attempt(ctx)
	if err != nil {
		return false, err
	}
	if acquired {
		return true, nil
	}

	var deadline time.Time
	if wait >= 0 {
		deadline = time.Now().Add(wait)
	}

	ch, err := c.bus.Subscribe(ctx, channel)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = c.bus.Unsubscribe(context.Background(), channel, ch)
	}()

	for {
		acquired, remaining, err = attempt(ctx)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}

		sleep := c.opts.RetryInterval
		if remaining > 0 && remaining < sleep {
			sleep = remaining
		}
		if wait >= 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return false, nil
			}
			if left < sleep {
				sleep = left
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		}
	}
}
