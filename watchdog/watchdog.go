// Package watchdog keeps leases on held resources alive. Each registration
// runs a background task that periodically extends the record's expiry as long
// as this process still holds it; a holder that stops renewing loses the
// resource once the lease runs out, so a crashed process never deadlocks
// other participants.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/lockstep-io/lockstep/metrics"
)

// RenewFunc extends the lease of one resource. It returns false when the
// record no longer belongs to this process (expired, reassigned or force
// unlocked) and an error on transport failure. Either outcome drops the
// registration.
type RenewFunc func(ctx context.Context) (bool, error)

type task struct {
	id     string
	ticker *time.Ticker
	stop   chan struct{}
}

// Watchdog owns the registration map for this process. The map is touched by
// acquire, release and the renewal tasks themselves, guarded by one mutex.
type Watchdog struct {
	renewTimeout time.Duration

	mu    sync.Mutex
	tasks map[string]*task
}

// New returns an empty Watchdog.
func New() *Watchdog {
	return &Watchdog{
		renewTimeout: 5 * time.Second,
		tasks:        make(map[string]*task),
	}
}

// Register starts lease renewal for key at the given interval. Registering a
// key twice replaces the previous task; the resource is renewable by only one
// task at a time.
func (w *Watchdog) Register(key string, interval time.Duration, renew RenewFunc) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	t := &task{
		id:     id,
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}

	w.mu.Lock()
	if prev, ok := w.tasks[key]; ok {
		prev.ticker.Stop()
		close(prev.stop)
	} else {
		metrics.WatchdogGauge.Inc()
	}
	w.tasks[key] = t
	w.mu.Unlock()

	go w.run(key, t, renew)
	return id, nil
}

func (w *Watchdog) run(key string, t *task, renew RenewFunc) {
	for {
		select {
		case <-t.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.renewTimeout)
			ok, err := renew(ctx)
			cancel()
			if err != nil {
				slog.Warn("lockstep: lease renewal failed, dropping registration",
					"key", key, "registration", t.id, "error", err)
				w.drop(key, t)
				return
			}
			if !ok {
				slog.Warn("lockstep: lease no longer held, dropping registration",
					"key", key, "registration", t.id)
				w.drop(key, t)
				return
			}
			metrics.RenewalCounter.Inc()
		case <-t.stop:
			return
		}
	}
}

// drop removes a task that failed to renew. The task stops itself, so only
// the map entry and gauge need cleaning here.
func (w *Watchdog) drop(key string, t *task) {
	w.mu.Lock()
	if cur, ok := w.tasks[key]; ok && cur == t {
		delete(w.tasks, key)
		metrics.WatchdogGauge.Dec()
	}
	w.mu.Unlock()
	t.ticker.Stop()
}

// Cancel stops renewal for key, typically on release or force unlock.
func (w *Watchdog) Cancel(key string) {
	w.mu.Lock()
	t, ok := w.tasks[key]
	if ok {
		delete(w.tasks, key)
		metrics.WatchdogGauge.Dec()
	}
	w.mu.Unlock()
	if ok {
		t.ticker.Stop()
		close(t.stop)
	}
}

// Registered reports whether key currently has a renewal task.
func (w *Watchdog) Registered(key string) bool {
	w.mu.Lock()
	_, ok := w.tasks[key]
	w.mu.Unlock()
	return ok
}

// Close stops every renewal task, used at process shutdown.
func (w *Watchdog) Close() {
	w.mu.Lock()
	for key, t := range w.tasks {
		t.ticker.Stop()
		close(t.stop)
		delete(w.tasks, key)
		metrics.WatchdogGauge.Dec()
	}
	w.mu.Unlock()
}
