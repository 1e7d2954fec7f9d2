package lock

import (
	"context"
	"time"

	lserrors "github.com/lockstep-io/lockstep/errors"
	"github.com/lockstep-io/lockstep/metrics"
)

// Semaphore is a distributed counting semaphore. The record keeps the total
// permit count next to each holder's held permits; the acquisition script
// only grants a request when the unheld remainder covers it. Permits are not
// leased — they stay held until released or the record is force deleted.
type Semaphore struct {
	c    *Coordinator
	name string
}

// Name returns the user-supplied resource name.
func (s *Semaphore) Name() string { return s.name }

// TrySetPermits initializes the total permit count. It reports false without
// touching anything when the semaphore is already initialized.
func (s *Semaphore) TrySetPermits(ctx context.Context, permits int) (bool, error) {
	res, err := s.c.exec.Run(ctx, "semaphore.set_permits", semaphoreSetPermitsScript,
		[]string{semaphoreKey(s.name)}, permits)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Acquire blocks until permits permits are held by id or ctx is cancelled.
func (s *Semaphore) Acquire(ctx context.Context, id Identity, permits int) error {
	_, err := s.acquire(ctx, id, permits, -1)
	return err
}

// TryAcquire waits up to wait for permits permits, returning false on
// timeout.
func (s *Semaphore) TryAcquire(ctx context.Context, id Identity, permits int, wait time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	return s.acquire(ctx, id, permits, wait)
}

func (s *Semaphore) acquire(ctx context.Context, id Identity, permits int, wait time.Duration) (bool, error) {
	field := id.String()

	attempt := func(ctx context.Context) (bool, time.Duration, error) {
		res, err := s.c.exec.Run(ctx, "semaphore.acquire", semaphoreAcquireScript,
			[]string{semaphoreKey(s.name)}, permits, field)
		if err != nil {
			return false, 0, err
		}
		if res == nil {
			return true, 0, nil
		}
		// Available count, not a lease: the next wake decides, so only the
		// retry interval bounds the wait.
		return false, 0, nil
	}

	acquired, err := s.c.awaitAcquire(ctx, semaphoreChannel(s.name), wait, attempt)
	if acquired {
		metrics.AcquireCounter.Inc()
	}
	return acquired, err
}

// Release gives permits permits back and wakes every waiter: each waiter
// needs its own count, so all of them re-check and a small request cannot be
// starved behind a large one. It returns ErrNotHeld when id holds fewer than
// permits.
func (s *Semaphore) Release(ctx context.Context, id Identity, permits int) error {
	res, err := s.c.exec.Run(ctx, "semaphore.release", semaphoreReleaseScript,
		[]string{semaphoreKey(s.name)}, permits, id.String())
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	if n == -1 {
		return lserrors.ErrNotHeld
	}
	metrics.ReleaseCounter.Inc()
	metrics.WakeupCounter.Inc()
	return s.c.bus.Publish(ctx, semaphoreChannel(s.name))
}

// AvailablePermits returns total minus the sum of held permits.
func (s *Semaphore) AvailablePermits(ctx context.Context) (int64, error) {
	res, err := s.c.exec.Run(ctx, "semaphore.available", semaphoreAvailableScript,
		[]string{semaphoreKey(s.name)})
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}
