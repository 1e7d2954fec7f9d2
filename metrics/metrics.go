// Package metrics exposes Prometheus collectors for lockstep coordination
// activity.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful acquisitions across all primitives.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_acquire_total",
		Help: "Total number of successful acquisitions",
	})
	// ReleaseCounter tracks releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_release_total",
		Help: "Total number of releases",
	})
	// RenewalCounter tracks successful lease renewals by the watchdog.
	RenewalCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_renewals_total",
		Help: "Total number of successful lease renewals",
	})
	// WakeupCounter tracks wake messages published on release.
	WakeupCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockstep_wakeups_total",
		Help: "Total number of wake notifications published",
	})
	// WatchdogGauge reports the number of active renewal registrations.
	WatchdogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lockstep_watchdog_tasks",
		Help: "Current number of active lease renewal tasks",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers lockstep core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, RenewalCounter, WakeupCounter, WatchdogGauge)
}
