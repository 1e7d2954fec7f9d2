package lock

import (
	"context"
	"time"
)

// Capability interfaces shared by the primitives. Each state machine
// implements the set that applies to it rather than inheriting a common base;
// fairness is a flag on Mutex, not a separate type.

// Acquirable blocks until the resource is held by id.
type Acquirable interface {
	Acquire(ctx context.Context, id Identity) error
}

// TimedAcquirable reports false instead of blocking past wait.
type TimedAcquirable interface {
	TryAcquire(ctx context.Context, id Identity, wait time.Duration) (bool, error)
}

// Releasable gives the resource back; it fails with ErrNotHeld when id does
// not hold it.
type Releasable interface {
	Release(ctx context.Context, id Identity) error
}

// Renewable extends the lease of a held resource once, reporting whether id
// still held it.
type Renewable interface {
	Renew(ctx context.Context, id Identity) (bool, error)
}

var (
	_ Acquirable      = (*Mutex)(nil)
	_ TimedAcquirable = (*Mutex)(nil)
	_ Releasable      = (*Mutex)(nil)
	_ Renewable       = (*Mutex)(nil)

	_ Acquirable      = (*ReadLock)(nil)
	_ TimedAcquirable = (*ReadLock)(nil)
	_ Releasable      = (*ReadLock)(nil)
	_ Renewable       = (*ReadLock)(nil)

	_ Acquirable      = (*WriteLock)(nil)
	_ TimedAcquirable = (*WriteLock)(nil)
	_ Releasable      = (*WriteLock)(nil)
	_ Renewable       = (*WriteLock)(nil)
)
