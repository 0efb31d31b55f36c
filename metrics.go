package perftramp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	trampolines   prometheus.Counter
	arenas        prometheus.Counter
	arenaBytes    prometheus.Gauge
	allocFailures prometheus.Counter

	viaTrampoline prometheus.Counter
	fallback      prometheus.Counter
}

// newMetrics registers with reg. A nil reg leaves the metrics unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	dispatches := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "perftramp_dispatches_total",
		Help: "Total number of interpreted activations seen by the interceptor.",
	}, []string{"path"})

	return &metrics{
		trampolines: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "perftramp_trampolines_created_total",
			Help: "Total number of trampolines assigned to functions.",
		}),
		arenas: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "perftramp_arenas_mapped_total",
			Help: "Total number of executable code arenas mapped.",
		}),
		arenaBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "perftramp_arena_bytes",
			Help: "Bytes currently mapped for code arenas.",
		}),
		allocFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "perftramp_allocation_failures_total",
			Help: "Total number of failed code arena allocations.",
		}),
		viaTrampoline: dispatches.WithLabelValues("trampoline"),
		fallback:      dispatches.WithLabelValues("fallback"),
	}
}
