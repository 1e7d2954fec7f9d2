// Package lock implements distributed coordination primitives on top of a
// shared Redis store: reentrant exclusive locks (fair and non-fair),
// read-write locks, counting semaphores and one-shot countdown latches.
//
// All remote state transitions run as atomic Lua scripts, so the store is the
// single source of truth and no process can observe a torn record. Blocked
// callers subscribe to a per-resource notification channel before re-checking
// state, then wait no longer than the shorter of the caller deadline, the
// retry interval and the remaining lease of the current holder — a lost wake
// message delays a waiter, it never deadlocks one. Locks are leased: a
// watchdog renews the expiry while the holder is alive, and a crashed holder
// is recovered from automatically once its lease runs out.
package lock
