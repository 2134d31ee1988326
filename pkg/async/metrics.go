package async

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// queueMetrics exports per-level depth, rejection/drop counts, and wait time.
// All fields are always non-nil; construction with a nil registerer produces
// unregistered collectors so callers never branch.
type queueMetrics struct {
	depth      *prometheus.GaugeVec
	rejections prometheus.Counter
	drops      prometheus.Counter
	waitTime   prometheus.Histogram
}

func newQueueMetrics(reg prometheus.Registerer) *queueMetrics {
	m := &queueMetrics{
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "querypilot_queue_depth",
			Help: "Queued items per priority level.",
		}, []string{"priority"}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querypilot_queue_rejections_total",
			Help: "Puts rejected because the queue was at capacity.",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "querypilot_queue_drops_total",
			Help: "Items evicted by the drop-oldest backpressure policy.",
		}),
		waitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "querypilot_queue_wait_seconds",
			Help:    "Time items spent queued before delivery.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.depth, m.rejections, m.drops, m.waitTime)
	}
	return m
}

func (m *queueMetrics) setDepth(pri Priority, n int) {
	m.depth.WithLabelValues(pri.String()).Set(float64(n))
}

func (m *queueMetrics) observeWait(d time.Duration) {
	m.waitTime.Observe(d.Seconds())
}

// executorMetrics tracks per-operation call counts, failures, durations, and
// the maximum concurrency observed.
type executorMetrics struct {
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func newExecutorMetrics(reg prometheus.Registerer) *executorMetrics {
	m := &executorMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querypilot_executor_calls_total",
			Help: "Operations submitted to the bounded executor.",
		}, []string{"op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querypilot_executor_failures_total",
			Help: "Operations that returned an error.",
		}, []string{"op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "querypilot_executor_duration_seconds",
			Help:    "Operation run time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "querypilot_executor_in_flight",
			Help: "Operations currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.failures, m.duration, m.inFlight)
	}
	return m
}
