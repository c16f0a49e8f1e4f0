package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exposed at GET /metrics (§4.3
// "Metrics"). Each Dispatcher owns its own Registry (rather than registering
// into the global default) so that constructing more than one Dispatcher in
// the same process — as the test suite does — never panics on a duplicate
// registration.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveBuilds      prometheus.Gauge
	BuildsCompleted   prometheus.Counter
	BuildsFailed      *prometheus.CounterVec
	PreviewPortsInUse prometheus.Gauge
	ReaperTicks       prometheus.Counter
}

// NewMetrics creates and registers the Dispatcher's metric collectors into a
// fresh Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ActiveBuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "build_dispatcher_active_builds",
			Help: "Number of builds currently tracked in the Active Build registry.",
		}),
		BuildsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "build_dispatcher_builds_completed_total",
			Help: "Total number of builds whose worker exited cleanly.",
		}),
		BuildsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "build_dispatcher_builds_failed_total",
			Help: "Total number of builds marked failed, labeled by reason.",
		}, []string{"reason"}),
		PreviewPortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "build_dispatcher_preview_ports_in_use",
			Help: "Number of preview ports currently allocated to a running dev server.",
		}),
		ReaperTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "build_dispatcher_reaper_ticks_total",
			Help: "Total number of reaper ticks executed.",
		}),
	}

	reg.MustRegister(m.ActiveBuilds, m.BuildsCompleted, m.BuildsFailed, m.PreviewPortsInUse, m.ReaperTicks)
	return m
}
