package watchdog

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ncclwatch"

// Metrics counts what the watchdog observed. Each Watchdog owns its own set
// so several can run in one process; Register exposes one of them.
type Metrics struct {
	Recorded  prometheus.Counter
	Retired   prometheus.Counter
	Timeouts  prometheus.Counter
	Errors    *prometheus.CounterVec
	Aborts    prometheus.Counter
	Dumps     *prometheus.CounterVec
	Pending   prometheus.Gauge
	TickTimes prometheus.Histogram
}

// NewMetrics creates an unregistered metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		Recorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "works_enqueued_total",
			Help:      "Collectives handed to the watchdog.",
		}),
		Retired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "works_completed_total",
			Help:      "Collectives observed completing.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "timeouts_total",
			Help:      "Collectives that exceeded their timeout.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "async_errors_total",
			Help:      "Asynchronous communicator errors, by result.",
		}, []string{"result"}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "aborts_total",
			Help:      "Communicators aborted by the watchdog.",
		}),
		Dumps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "dumps_total",
			Help:      "Debug info dumps, by outcome.",
		}, []string{"outcome"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "works_pending",
			Help:      "Collectives enqueued and not yet completed.",
		}),
		TickTimes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one watchdog pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Register adds the metric set to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Recorded, m.Retired, m.Timeouts, m.Errors, m.Aborts, m.Dumps, m.Pending, m.TickTimes,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
