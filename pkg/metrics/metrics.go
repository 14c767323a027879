package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ProbeEventsDropped counts file-open events lost because a perf
	// buffer consumer fell behind the kernel producer.
	ProbeEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgebit_probe_events_dropped_total",
			Help: "File-open events dropped due to a full perf buffer",
		},
	)

	// ProbeUsingRingBuffer reports 1 when the ring buffer transport is
	// active and 0 when the perf buffer fallback is in use.
	ProbeUsingRingBuffer = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgebit_probe_using_ring_buffer",
			Help: "1 if the BPF ring buffer transport is active, 0 if using the perf buffer fallback",
		},
	)

	// AttributionEventsTotal counts file opens attributed to a workload,
	// by workload kind.
	AttributionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgebit_attribution_events_total",
			Help: "File-open events attributed to a workload",
		},
		[]string{"workload_kind"},
	)

	// AttributionEventsDeduped counts opens suppressed by the
	// recent-reported cache.
	AttributionEventsDeduped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgebit_attribution_events_deduped_total",
			Help: "File-open events suppressed because they were reported recently",
		},
	)

	// ControlPlaneFlushesTotal counts ReportInUse calls, by whether they
	// carried files or were pure heartbeats.
	ControlPlaneFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgebit_controlplane_flushes_total",
			Help: "ReportInUse calls made to the control plane",
		},
		[]string{"kind"},
	)

	// ControlPlaneRPCFailures counts failed control-plane RPC calls, by
	// method.
	ControlPlaneRPCFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgebit_controlplane_rpc_failures_total",
			Help: "Failed control-plane RPC calls",
		},
		[]string{"method"},
	)

	// ContainersTracked reports how many containers currently have a
	// workload.
	ContainersTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "edgebit_containers_tracked",
			Help: "Number of containers currently tracked",
		},
	)
)

func init() {
	prometheus.MustRegister(ProbeEventsDropped)
	prometheus.MustRegister(ProbeUsingRingBuffer)
	prometheus.MustRegister(AttributionEventsTotal)
	prometheus.MustRegister(AttributionEventsDeduped)
	prometheus.MustRegister(ControlPlaneFlushesTotal)
	prometheus.MustRegister(ControlPlaneRPCFailures)
	prometheus.MustRegister(ContainersTracked)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time since NewTimer into a
// labeled histogram vector's child matching labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since NewTimer without recording it.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
