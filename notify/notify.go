// Package notify provides the per-resource publish/subscribe channel used to
// wake blocked waiters when a lock, semaphore or latch changes state. Delivery
// is at-most-once and non-blocking; waiters pair it with a bounded poll so a
// dropped wake only delays, never deadlocks.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is the notification channel abstraction. A release publishes a wake
// message to a named channel; waiters subscribe before checking lock state.
type Bus interface {
	Publish(ctx context.Context, channel string) error
	Subscribe(ctx context.Context, channel string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, channel string, ch chan struct{}) error
}

// Metrics reports publish/delivery counts for a Bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus, used for tests and
// single-process coordination.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Every subscriber is offered the wake;
// slow subscribers are skipped rather than blocked on.
func (b *InMemoryBus) Publish(ctx context.Context, channel string) error {
	b.mu.Lock()
	chans := append([]chan struct{}(nil), b.subs[channel]...)
	b.mu.Unlock()
	atomic.AddUint64(&b.published, 1)
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch chan struct{}) error {
	b.mu.Lock()
	subs := b.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[channel] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
