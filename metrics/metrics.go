// Package metrics provides Prometheus metrics for the kprobe engine.
//
// All metrics are counters: dispatch runs in trap context and may only
// perform atomic adds, never allocate or take locks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kprobe"

// Trap kinds for the traps_total counter.
const (
	TrapBreakpoint = "breakpoint"
	TrapDebug      = "debug"
	TrapFault      = "fault"
)

// Metrics holds the engine's Prometheus metrics.
type Metrics struct {
	// Installs counts successful probe installations.
	Installs prometheus.Counter
	// Uninstalls counts successful probe removals.
	Uninstalls prometheus.Counter
	// Traps counts claimed traps by kind.
	Traps *prometheus.CounterVec
	// UnclaimedTraps counts traps forwarded to the ordinary debug path
	// because no probe was registered at the trapping address.
	UnclaimedTraps prometheus.Counter
	// UnhandledFaults counts faults with no registered fault handler,
	// which propagate as fatal.
	UnhandledFaults prometheus.Counter
}

// New creates the engine metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Installs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Total number of probes installed.",
		}),
		Uninstalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uninstalls_total",
			Help:      "Total number of probes removed.",
		}),
		Traps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traps_total",
			Help:      "Total number of traps claimed by the dispatcher, by kind.",
		}, []string{"kind"}),
		UnclaimedTraps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unclaimed_traps_total",
			Help:      "Total number of traps with no probe registered at the address.",
		}),
		UnhandledFaults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unhandled_faults_total",
			Help:      "Total number of faults with no registered fault handler.",
		}),
	}
}
