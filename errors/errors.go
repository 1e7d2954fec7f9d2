// Package errors defines the sentinel errors shared by all lockstep packages.
package errors

import "errors"

var (
	// ErrTransport wraps failures reaching the store or the notification
	// channel. Callers see it on acquire/release attempts; the watchdog
	// swallows it and drops the registration instead.
	ErrTransport = errors.New("lockstep: transport failure")

	// ErrNotHeld is returned when a release or renewal is attempted by an
	// identity that does not hold the resource.
	ErrNotHeld = errors.New("lockstep: resource not held by this identity")

	// ErrConnectionClosed signals a closed pub/sub connection.
	ErrConnectionClosed = errors.New("lockstep: connection closed")

	// ErrInvalidLease is returned when a coordinator is configured with a
	// negative lease or retry duration. Zero means "use the default".
	ErrInvalidLease = errors.New("lockstep: lease and retry durations must not be negative")

	// ErrInvalidCount is returned when a latch is initialized with a
	// negative count.
	ErrInvalidCount = errors.New("lockstep: latch count must not be negative")
)
