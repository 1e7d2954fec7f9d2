package lock

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/lockstep-io/lockstep/errors"
	"github.com/lockstep-io/lockstep/notify"
)

func newCoordinator(t *testing.T, opts Options) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, _ := coordinatorFor(t, mr, nil, opts)
	return c, mr
}

// coordinatorFor attaches an extra coordinator to an existing store, so tests
// can model several independent processes sharing one wake bus.
func coordinatorFor(t *testing.T, mr *miniredis.Miniredis, bus notify.Bus, opts Options) (*Coordinator, notify.Bus) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if bus == nil {
		bus = notify.NewInMemoryBus()
	}
	if opts.LeaseDuration == 0 {
		opts.LeaseDuration = 2 * time.Second
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	c, err := NewCoordinator(client, bus, opts)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c, bus
}

func TestNewCoordinatorRejectsNegativeDurations(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	for _, opts := range []Options{
		{LeaseDuration: -time.Second},
		{RetryInterval: -time.Second},
	} {
		if _, err := NewCoordinator(client, nil, opts); !stdErrors.Is(err, lserrors.ErrInvalidLease) {
			t.Fatalf("opts %+v: expected ErrInvalidLease, got %v", opts, err)
		}
	}

	// Zero still means "use the defaults".
	c, err := NewCoordinator(client, nil, Options{})
	if err != nil {
		t.Fatalf("zero-value options: %v", err)
	}
	defer c.Close()
	if c.opts.LeaseDuration != DefaultLeaseDuration || c.opts.RetryInterval != DefaultRetryInterval {
		t.Fatalf("defaults not applied: %+v", c.opts)
	}
}

func TestMutexMutualExclusion(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	ctx := context.Background()
	m := c.Mutex("job-x")
	a, b := c.NewIdentity(), c.NewIdentity()

	if ok, err := m.TryAcquire(ctx, a, 0); err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}
	if ok, err := m.TryAcquire(ctx, b, 0); err != nil || ok {
		t.Fatalf("expected b to fail while a holds: ok=%v err=%v", ok, err)
	}
	if held, err := m.IsHeldBy(ctx, a); err != nil || !held {
		t.Fatalf("IsHeldBy a: held=%v err=%v", held, err)
	}
	if held, err := m.IsHeldBy(ctx, b); err != nil || held {
		t.Fatalf("IsHeldBy b: held=%v err=%v", held, err)
	}
	if err := m.Release(ctx, a); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := m.TryAcquire(ctx, b, 0); err != nil || !ok {
		t.Fatalf("acquire b after release: ok=%v err=%v", ok, err)
	}
}

func TestMutexReentrancy(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	ctx := context.Background()
	m := c.Mutex("job-x")
	id := c.NewIdentity()

	for i := 1; i <= 3; i++ {
		if ok, err := m.TryAcquire(ctx, id, 0); err != nil || !ok {
			t.Fatalf("acquire %d: ok=%v err=%v", i, ok, err)
		}
		if n, err := m.HoldCount(ctx, id); err != nil || n != int64(i) {
			t.Fatalf("hold count = %d (err %v), want %d", n, err, i)
		}
	}
	for i := 2; i >= 0; i-- {
		if err := m.Release(ctx, id); err != nil {
			t.Fatalf("release: %v", err)
		}
		if n, err := m.HoldCount(ctx, id); err != nil || n != int64(i) {
			t.Fatalf("hold count = %d (err %v), want %d", n, err, i)
		}
	}
	if locked, err := m.IsLocked(ctx); err != nil || locked {
		t.Fatalf("record not removed at count zero: locked=%v err=%v", locked, err)
	}
}

func TestMutexReleaseByNonHolder(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	ctx := context.Background()
	m := c.Mutex("job-x")
	a, b := c.NewIdentity(), c.NewIdentity()

	if ok, _ := m.TryAcquire(ctx, a, 0); !ok {
		t.Fatal("acquire a failed")
	}
	if err := m.Release(ctx, b); !stdErrors.Is(err, lserrors.ErrNotHeld) {
		t.Fatalf("expected ErrNotHeld, got %v", err)
	}
	// a still holds
	if held, _ := m.IsHeldBy(ctx, a); !held {
		t.Fatal("failed release must not disturb the holder")
	}
}

func TestMutexWakeOnRelease(t *testing.T) {
	c, _ := newCoordinator(t, Options{LeaseDuration: time.Minute, RetryInterval: time.Minute})
	ctx := context.Background()
	m := c.Mutex("job-x")
	a, b := c.NewIdentity(), c.NewIdentity()

	if ok, _ := m.TryAcquire(ctx, a, 0); !ok {
		t.Fatal("acquire a failed")
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Acquire(ctx, b)
	}()

	time.Sleep(50 * time.Millisecond) // let b block
	if err := m.Release(ctx, a); err != nil {
		t.Fatalf("release: %v", err)
	}

	// RetryInterval is a minute, so only the wake can unblock b promptly.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("acquire b: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestMutexTryAcquireTimeout(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	ctx := context.Background()
	m := c.Mutex("job-x")
	a, b := c.NewIdentity(), c.NewIdentity()

	if ok, _ := m.TryAcquire(ctx, a, 0); !ok {
		t.Fatal("acquire a failed")
	}
	start := time.Now()
	ok, err := m.TryAcquire(ctx, b, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("tryacquire: %v", err)
	}
	if ok {
		t.Fatal("expected timeout")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Fatalf("wait not bounded by timeout: %v", elapsed)
	}
}

func TestMutexAcquireCancellation(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	m := c.Mutex("job-x")
	a, b := c.NewIdentity(), c.NewIdentity()

	if ok, _ := m.TryAcquire(context.Background(), a, 0); !ok {
		t.Fatal("acquire a failed")
	}
	cctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Acquire(cctx, b); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestMutexForceUnlock(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	ctx := context.Background()
	m := c.Mutex("job-x")
	a := c.NewIdentity()

	if ok, _ := m.TryAcquire(ctx, a, 0); !ok {
		t.Fatal("acquire failed")
	}
	existed, err := m.ForceUnlock(ctx)
	if err != nil || !existed {
		t.Fatalf("force unlock: existed=%v err=%v", existed, err)
	}
	if locked, _ := m.IsLocked(ctx); locked {
		t.Fatal("still locked after force unlock")
	}
	existed, err = m.ForceUnlock(ctx)
	if err != nil || existed {
		t.Fatalf("second force unlock: existed=%v err=%v", existed, err)
	}
}

func TestMutexCrashRecoveryViaLeaseExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := notify.NewInMemoryBus()
	procA, _ := coordinatorFor(t, mr, bus, Options{LeaseDuration: 2 * time.Second})
	procB, _ := coordinatorFor(t, mr, bus, Options{LeaseDuration: 2 * time.Second})
	ctx := context.Background()

	a := procA.NewIdentity()
	if ok, err := procA.Mutex("job-x").TryAcquire(ctx, a, 0); err != nil || !ok {
		t.Fatalf("acquire a: ok=%v err=%v", ok, err)
	}

	// Holder process dies: renewal stops, the record expires on its own.
	procA.Close()
	mr.FastForward(3 * time.Second)

	b := procB.NewIdentity()
	ok, err := procB.Mutex("job-x").TryAcquire(ctx, b, 5*time.Second)
	if err != nil {
		t.Fatalf("tryacquire b: %v", err)
	}
	if !ok {
		t.Fatal("lock not recoverable after holder crash and lease expiry")
	}
}

func TestMutexWatchdogRegistration(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	ctx := context.Background()
	m := c.Mutex("job-x")
	id := c.NewIdentity()

	if ok, _ := m.TryAcquire(ctx, id, 0); !ok {
		t.Fatal("acquire failed")
	}
	if !c.Watchdog().Registered(lockKey("job-x") + "/" + id.String()) {
		t.Fatal("no renewal registration after acquire")
	}
	if err := m.Release(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if c.Watchdog().Registered(lockKey("job-x") + "/" + id.String()) {
		t.Fatal("registration kept after release")
	}
}

func TestMutexRenew(t *testing.T) {
	c, _ := newCoordinator(t, Options{})
	ctx := context.Background()
	m := c.Mutex("job-x")
	a, b := c.NewIdentity(), c.NewIdentity()

	if ok, _ := m.TryAcquire(ctx, a, 0); !ok {
		t.Fatal("acquire failed")
	}
	if ok, err := m.Renew(ctx, a); err != nil || !ok {
		t.Fatalf("renew by holder: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Renew(ctx, b); err != nil || ok {
		t.Fatalf("renew by non-holder must fail: ok=%v err=%v", ok, err)
	}
}
