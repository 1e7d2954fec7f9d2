package lock

import (
	"context"
	"sync/atomic"
	"time"

	lserrors "github.com/lockstep-io/lockstep/errors"
	"github.com/lockstep-io/lockstep/metrics"
)

// Latch is a one-shot distributed countdown latch. The record is a bare
// counter that only moves down; once it reaches zero it stays zero and every
// current and future waiter is released. A missing record counts as open.
type Latch struct {
	c    *Coordinator
	name string

	// opened memoizes a locally observed zero so later awaits skip the
	// remote check; the record itself is terminal, never deleted.
	opened atomic.Bool
}

// Name returns the user-supplied resource name.
func (l *Latch) Name() string { return l.name }

// TrySetCount initializes the count. It reports false when the latch already
// has a record, including a terminal zero one; a latch is single use. A
// negative count would make the latch permanently closed, so it is rejected
// with ErrInvalidCount.
func (l *Latch) TrySetCount(ctx context.Context, count int) (bool, error) {
	if count < 0 {
		return false, lserrors.ErrInvalidCount
	}
	res, err := l.c.exec.Run(ctx, "latch.set_count", latchSetCountScript,
		[]string{latchKey(l.name)}, count)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// CountDown decrements the count by one, a no-op at zero. Reaching exactly
// zero publishes a single wake that releases all waiters.
func (l *Latch) CountDown(ctx context.Context) error {
	res, err := l.c.exec.Run(ctx, "latch.count_down", latchCountDownScript,
		[]string{latchKey(l.name)})
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	if n == 1 {
		l.opened.Store(true)
		metrics.WakeupCounter.Inc()
		return l.c.bus.Publish(ctx, latchChannel(l.name))
	}
	return nil
}

// Count returns the remaining count, zero for a missing or open record.
func (l *Latch) Count(ctx context.Context) (int64, error) {
	res, err := l.c.exec.Run(ctx, "latch.count", latchCountScript,
		[]string{latchKey(l.name)})
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// Await blocks until the count reaches zero or ctx is cancelled.
func (l *Latch) Await(ctx context.Context) error {
	_, err := l.await(ctx, -1)
	return err
}

// TryAwait waits up to wait for the count to reach zero, returning false on
// timeout.
func (l *Latch) TryAwait(ctx context.Context, wait time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	return l.await(ctx, wait)
}

func (l *Latch) await(ctx context.Context, wait time.Duration) (bool, error) {
	if l.opened.Load() {
		return true, nil
	}
	attempt := func(ctx context.Context) (bool, time.Duration, error) {
		n, err := l.Count(ctx)
		if err != nil {
			return false, 0, err
		}
		return n == 0, 0, nil
	}
	open, err := l.c.awaitAcquire(ctx, latchChannel(l.name), wait, attempt)
	if open {
		l.opened.Store(true)
	}
	return open, err
}
