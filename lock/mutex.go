package lock

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/lockstep-io/lockstep/errors"
	"github.com/lockstep-io/lockstep/metrics"
)

const cleanupTimeout = 5 * time.Second

// Mutex is a reentrant distributed exclusive lock. The remote record maps the
// holder identity to its hold count and expires with the lease; a fair Mutex
// additionally keeps a FIFO queue of waiter tokens and grants the lock in
// arrival order.
type Mutex struct {
	c    *Coordinator
	name string
	fair bool
}

// Name returns the user-supplied resource name.
func (m *Mutex) Name() string { return m.name }

// Acquire blocks until the lock is held by id or ctx is cancelled.
func (m *Mutex) Acquire(ctx context.Context, id Identity) error {
	_, err := m.acquire(ctx, id, -1)
	return err
}

// TryAcquire waits up to wait for the lock. It returns false on timeout,
// which is an expected outcome, not an error.
func (m *Mutex) TryAcquire(ctx context.Context, id Identity, wait time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	return m.acquire(ctx, id, wait)
}

func (m *Mutex) acquire(ctx context.Context, id Identity, wait time.Duration) (bool, error) {
	key := lockKey(m.name)
	field := id.String()
	lease := m.c.opts.LeaseDuration.Milliseconds()

	var token string
	if m.fair {
		token = uuid.NewString()
	}

	attempt := func(ctx context.Context) (bool, time.Duration, error) {
		var (
			res interface{}
			err error
		)
		if m.fair {
			now := time.Now().UnixMilli()
			res, err = m.c.exec.Run(ctx, "lock.fair_acquire", fairAcquireScript,
				[]string{key, queueKey(m.name), timeoutKey(m.name)},
				lease, field, token, now, now+lease)
		} else {
			res, err = m.c.exec.Run(ctx, "lock.acquire", acquireScript,
				[]string{key}, lease, field)
		}
		if err != nil {
			return false, 0, err
		}
		if res == nil {
			return true, 0, nil
		}
		ttl, _ := res.(int64)
		return false, time.Duration(ttl) * time.Millisecond, nil
	}

	acquired, err := m.c.awaitAcquire(ctx, lockChannel(m.name), wait, attempt)
	if m.fair && !acquired {
		m.withdraw(token)
	}
	if acquired {
		m.c.registerRenewal(key, field)
		metrics.AcquireCounter.Inc()
	}
	return acquired, err
}

// withdraw removes this waiter's token after a timeout or cancellation and
// nudges the new head of the queue.
func (m *Mutex) withdraw(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	_, _ = m.c.exec.Run(ctx, "lock.remove_waiter", removeWaiterScript,
		[]string{queueKey(m.name), timeoutKey(m.name)}, token)
	_ = m.c.bus.Publish(ctx, lockChannel(m.name))
}

// Release decrements the hold count and, on reaching zero, deletes the
// record, stops lease renewal and publishes exactly one wake. It returns
// ErrNotHeld when id is not the current holder.
func (m *Mutex) Release(ctx context.Context, id Identity) error {
	key := lockKey(m.name)
	field := id.String()
	res, err := m.c.exec.Run(ctx, "lock.release", releaseScript,
		[]string{key}, field, m.c.opts.LeaseDuration.Milliseconds())
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	switch n {
	case -1:
		return lserrors.ErrNotHeld
	case 1:
		m.c.cancelRenewal(key, field)
		metrics.ReleaseCounter.Inc()
		metrics.WakeupCounter.Inc()
		return m.c.bus.Publish(ctx, lockChannel(m.name))
	default:
		metrics.ReleaseCounter.Inc()
		return nil
	}
}

// ForceUnlock unconditionally clears the record regardless of holder and
// wakes all waiters. The evicted holder's watchdog notices on its next
// renewal and drops out. It reports whether a record existed.
func (m *Mutex) ForceUnlock(ctx context.Context) (bool, error) {
	res, err := m.c.exec.Run(ctx, "lock.force_unlock", forceUnlockScript,
		[]string{lockKey(m.name)})
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	if n == 0 {
		return false, nil
	}
	metrics.WakeupCounter.Inc()
	return true, m.c.bus.Publish(ctx, lockChannel(m.name))
}

// IsLocked reports whether any identity currently holds the lock.
func (m *Mutex) IsLocked(ctx context.Context) (bool, error) {
	n, err := m.c.exec.Client().Exists(ctx, lockKey(m.name)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsHeldBy reports whether id currently holds the lock.
func (m *Mutex) IsHeldBy(ctx context.Context, id Identity) (bool, error) {
	return m.c.exec.Client().HExists(ctx, lockKey(m.name), id.String()).Result()
}

// HoldCount returns id's reentrant hold count, zero when not held.
func (m *Mutex) HoldCount(ctx context.Context, id Identity) (int64, error) {
	n, err := m.c.exec.Client().HGet(ctx, lockKey(m.name), id.String()).Int64()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Renew extends the lease once, reporting whether id still held the lock.
// The watchdog calls the same transition on its own schedule.
func (m *Mutex) Renew(ctx context.Context, id Identity) (bool, error) {
	return m.c.renew(ctx, lockKey(m.name), id.String())
}
