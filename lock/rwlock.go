package lock

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/lockstep-io/lockstep/errors"
	"github.com/lockstep-io/lockstep/metrics"
)

// RWLock is a distributed read-write lock. Any number of reentrant read
// holds coexist while no writer holds, and one reentrant writer excludes all
// readers; the record's mode field makes the exclusivity atomic. Upgrade and
// downgrade between modes are not supported.
type RWLock struct {
	c    *Coordinator
	name string
}

// Name returns the user-supplied resource name.
func (rw *RWLock) Name() string { return rw.name }

// ReadLock returns the shared face of the lock.
func (rw *RWLock) ReadLock() *ReadLock { return &ReadLock{rw: rw} }

// WriteLock returns the exclusive face of the lock.
func (rw *RWLock) WriteLock() *WriteLock { return &WriteLock{rw: rw} }

// Mode returns "read", "write" or "" when unlocked.
func (rw *RWLock) Mode(ctx context.Context) (string, error) {
	mode, err := rw.c.exec.Client().HGet(ctx, rwKey(rw.name), "mode").Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return mode, nil
}

func (rw *RWLock) acquire(ctx context.Context, wait time.Duration, op string, script *redis.Script, prefix, field string) (bool, error) {
	key := rwKey(rw.name)
	lease := rw.c.opts.LeaseDuration.Milliseconds()

	attempt := func(ctx context.Context) (bool, time.Duration, error) {
		res, err := rw.c.exec.Run(ctx, op, script, []string{key}, lease, field)
		if err != nil {
			return false, 0, err
		}
		if res == nil {
			return true, 0, nil
		}
		ttl, _ := res.(int64)
		return false, time.Duration(ttl) * time.Millisecond, nil
	}

	acquired, err := rw.c.awaitAcquire(ctx, rwChannel(rw.name), wait, attempt)
	if acquired {
		// The record stores the holder under the mode-prefixed field, and
		// renewScript checks exactly that field; registering anything else
		// would fail its holder check on the first tick.
		rw.c.registerRenewal(key, prefix+field)
		metrics.AcquireCounter.Inc()
	}
	return acquired, err
}

func (rw *RWLock) release(ctx context.Context, op string, script *redis.Script, field string) error {
	key := rwKey(rw.name)
	res, err := rw.c.exec.Run(ctx, op, script, []string{key},
		field, rw.c.opts.LeaseDuration.Milliseconds())
	if err != nil {
		return err
	}
	n, _ := res.(int64)
	switch n {
	case -1:
		return lserrors.ErrNotHeld
	case 1:
		rw.c.cancelRenewal(key, "r:"+field)
		rw.c.cancelRenewal(key, "w:"+field)
		metrics.ReleaseCounter.Inc()
		metrics.WakeupCounter.Inc()
		return rw.c.bus.Publish(ctx, rwChannel(rw.name))
	case 2:
		rw.c.cancelRenewal(key, "r:"+field)
		metrics.ReleaseCounter.Inc()
		return nil
	default:
		metrics.ReleaseCounter.Inc()
		return nil
	}
}

// ForceUnlock unconditionally clears the record in either mode and wakes all
// waiters. It reports whether a record existed.
func (rw *RWLock) ForceUnlock(ctx context.Context) (bool, error) {
	res, err := rw.c.exec.Run(ctx, "rwlock.force_unlock", forceUnlockScript,
		[]string{rwKey(rw.name)})
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	if n == 0 {
		return false, nil
	}
	metrics.WakeupCounter.Inc()
	return true, rw.c.bus.Publish(ctx, rwChannel(rw.name))
}

// ReadLock is the shared face of an RWLock. Acquisition succeeds while no
// writer holds; releasing the last read hold overall wakes waiting writers.
type ReadLock struct {
	rw *RWLock
}

// Acquire blocks until the read lock is held by id or ctx is cancelled.
func (r *ReadLock) Acquire(ctx context.Context, id Identity) error {
	_, err := r.rw.acquire(ctx, -1, "rwlock.read_acquire", readAcquireScript, "r:", id.String())
	return err
}

// TryAcquire waits up to wait for the read lock, returning false on timeout.
func (r *ReadLock) TryAcquire(ctx context.Context, id Identity, wait time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	return r.rw.acquire(ctx, wait, "rwlock.read_acquire", readAcquireScript, "r:", id.String())
}

// Release drops one read hold of id.
func (r *ReadLock) Release(ctx context.Context, id Identity) error {
	return r.rw.release(ctx, "rwlock.read_release", readReleaseScript, id.String())
}

// IsHeldBy reports whether id holds the read lock.
func (r *ReadLock) IsHeldBy(ctx context.Context, id Identity) (bool, error) {
	return r.rw.c.exec.Client().HExists(ctx, rwKey(r.rw.name), "r:"+id.String()).Result()
}

// Renew extends the lease once, reporting whether id still held a read hold.
func (r *ReadLock) Renew(ctx context.Context, id Identity) (bool, error) {
	return r.rw.c.renew(ctx, rwKey(r.rw.name), "r:"+id.String())
}

// WriteLock is the exclusive face of an RWLock. Acquisition succeeds only
// while no reader and no other writer holds.
type WriteLock struct {
	rw *RWLock
}

// Acquire blocks until the write lock is held by id or ctx is cancelled.
func (w *WriteLock) Acquire(ctx context.Context, id Identity) error {
	_, err := w.rw.acquire(ctx, -1, "rwlock.write_acquire", writeAcquireScript, "w:", id.String())
	return err
}

// TryAcquire waits up to wait for the write lock, returning false on timeout.
func (w *WriteLock) TryAcquire(ctx context.Context, id Identity, wait time.Duration) (bool, error) {
	if wait < 0 {
		wait = 0
	}
	return w.rw.acquire(ctx, wait, "rwlock.write_acquire", writeAcquireScript, "w:", id.String())
}

// Release drops one write hold of id; releasing the last one wakes both
// waiting readers and the next writer.
func (w *WriteLock) Release(ctx context.Context, id Identity) error {
	return w.rw.release(ctx, "rwlock.write_release", writeReleaseScript, id.String())
}

// IsHeldBy reports whether id holds the write lock.
func (w *WriteLock) IsHeldBy(ctx context.Context, id Identity) (bool, error) {
	return w.rw.c.exec.Client().HExists(ctx, rwKey(w.rw.name), "w:"+id.String()).Result()
}

// Renew extends the lease once, reporting whether id still held the write
// lock.
func (w *WriteLock) Renew(ctx context.Context, id Identity) (bool, error) {
	return w.rw.c.renew(ctx, rwKey(w.rw.name), "w:"+id.String())
}
