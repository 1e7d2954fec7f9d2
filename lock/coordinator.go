package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	lserrors "github.com/lockstep-io/lockstep/errors"
	"github.com/lockstep-io/lockstep/executor"
	"github.com/lockstep-io/lockstep/notify"
	"github.com/lockstep-io/lockstep/watchdog"
)

const (
	// DefaultLeaseDuration is the expiry window written by acquisitions and
	// extended by each watchdog renewal.
	DefaultLeaseDuration = 30 * time.Second
	// DefaultRetryInterval bounds how long a waiter sleeps without a wake
	// before polling the record again.
	DefaultRetryInterval = time.Second
)

// Options configures lease and wait behavior for all primitives created by a
// Coordinator.
type Options struct {
	// LeaseDuration is the initial and renewed expiry window of renewable
	// records. Defaults to DefaultLeaseDuration.
	LeaseDuration time.Duration
	// RetryInterval is the poll fallback cadence that closes the
	// missed-wakeup window. Defaults to DefaultRetryInterval.
	RetryInterval time.Duration
}

// Identity names one logical task in one process. Only the identity that
// acquired a resource may release or renew it, and reentrancy is scoped to
// it. Identities are explicit values; nothing is inferred from the calling
// goroutine.
type Identity struct {
	Node string
	Task uint64
}

// String returns the holder field stored in the remote record.
func (id Identity) String() string {
	return fmt.Sprintf("%s:%d", id.Node, id.Task)
}

// Coordinator is the shared context for all primitives of one process: the
// script executor, the notification bus and the watchdog registration map.
type Coordinator struct {
	exec *executor.Executor
	bus  notify.Bus
	dog  *watchdog.Watchdog
	opts Options

	node    string
	taskSeq atomic.Uint64
}

// NewCoordinator returns a Coordinator over the given Redis client. A nil bus
// falls back to an in-process bus, which is only useful for tests and
// single-process coordination. Zero durations in opts take the defaults;
// negative ones are rejected with ErrInvalidLease.
func NewCoordinator(client *redis.Client, bus notify.Bus, opts Options) (*Coordinator, error) {
	if opts.LeaseDuration < 0 || opts.RetryInterval < 0 {
		return nil, lserrors.ErrInvalidLease
	}
	if bus == nil {
		bus = notify.NewInMemoryBus()
	}
	if opts.LeaseDuration == 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	return &Coordinator{
		exec: executor.New(client),
		bus:  bus,
		dog:  watchdog.New(),
		opts: opts,
		node: uuid.NewString(),
	}, nil
}

// NewIdentity returns a fresh holder identity scoped to this process.
func (c *Coordinator) NewIdentity() Identity {
	return Identity{Node: c.node, Task: c.taskSeq.Add(1)}
}

// Watchdog exposes the registration map, mainly for tests and shutdown hooks.
func (c *Coordinator) Watchdog() *watchdog.Watchdog {
	return c.dog
}

// Close stops all lease renewal for this process. Held locks are not
// released; they expire on their own once the lease runs out.
func (c *Coordinator) Close() {
	c.dog.Close()
}

// Mutex returns the named non-fair exclusive lock.
func (c *Coordinator) Mutex(name string) *Mutex {
	return &Mutex{c: c, name: name}
}

// FairMutex returns the named exclusive lock granting acquisition in strict
// waiter arrival order.
func (c *Coordinator) FairMutex(name string) *Mutex {
	return &Mutex{c: c, name: name, fair: true}
}

// RWLock returns the named read-write lock.
func (c *Coordinator) RWLock(name string) *RWLock {
	return &RWLock{c: c, name: name}
}

// Semaphore returns the named counting semaphore.
func (c *Coordinator) Semaphore(name string) *Semaphore {
	return &Semaphore{c: c, name: name}
}

// Latch returns the named one-shot countdown latch.
func (c *Coordinator) Latch(name string) *Latch {
	return &Latch{c: c, name: name}
}

// renewInterval is how often the watchdog extends a lease, a third of the
// lease so two renewals can fail before the record expires.
func (c *Coordinator) renewInterval() time.Duration {
	return c.opts.LeaseDuration / 3
}

// registerRenewal puts key under watchdog care, extending its expiry while
// field is still present in the record.
func (c *Coordinator) registerRenewal(key, field string) {
	_, _ = c.dog.Register(key+"/"+field, c.renewInterval(), func(ctx context.Context) (bool, error) {
		return c.renew(ctx, key, field)
	})
}

func (c *Coordinator) cancelRenewal(key, field string) {
	c.dog.Cancel(key + "/" + field)
}

func (c *Coordinator) renew(ctx context.Context, key, field string) (bool, error) {
	res, err := c.exec.Run(ctx, "renew", renewScript, []string{key},
		c.opts.LeaseDuration.Milliseconds(), field)
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
