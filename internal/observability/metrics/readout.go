package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rocdaq/readout/internal/readout"
)

// DiagnosticsSource supplies per-channel snapshots at scrape time.
type DiagnosticsSource interface {
	Diagnostics() []readout.Diagnostics
}

// ReadoutMetrics contains Prometheus metrics for the acquisition data path.
// Per-channel values are read from the channels' diagnostics when scraped,
// so the data path never touches a Prometheus collector.
type ReadoutMetrics struct {
	registry *prometheus.Registry

	mu     sync.RWMutex
	source DiagnosticsSource

	// lifecycle metrics
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	errors     *prometheus.CounterVec

	// channel metrics, collected from diagnostics
	nodesDesc        *prometheus.Desc
	stallsDesc       *prometheus.Desc
	overflowsDesc    *prometheus.Desc
	doubleFreesDesc  *prometheus.Desc
	badEventsDesc    *prometheus.Desc
	publishedDesc    *prometheus.Desc
	consumedDesc     *prometheus.Desc
	deferralsDesc    *prometheus.Desc
	ackDeferredDesc  *prometheus.Desc
	maxDeferredDesc  *prometheus.Desc
	nodeCapacityDesc *prometheus.Desc

	// collectors is a slice of all vector collectors for easier iteration
	collectors []prometheus.Collector
}

// NewReadoutMetrics creates and registers readout metrics.
func NewReadoutMetrics(registry *prometheus.Registry) (*ReadoutMetrics, error) {
	m := &ReadoutMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *ReadoutMetrics) initMetrics() {
	m.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readout_operations_total",
			Help: "Total number of lifecycle and control operations by status",
		},
		[]string{"operation", "status"},
	)

	m.durations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "readout_operation_duration_seconds",
			Help:    "Time taken by lifecycle operations such as the end-of-run drain",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"operation"},
	)

	m.errors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "readout_errors_total",
			Help: "Total number of errors by operation and category",
		},
		[]string{"operation", "category"},
	)

	m.collectors = []prometheus.Collector{m.operations, m.durations, m.errors}

	channel := []string{"channel"}
	m.nodesDesc = prometheus.NewDesc("readout_channel_nodes",
		"Buffer nodes per channel by location", []string{"channel", "state"}, nil)
	m.stallsDesc = prometheus.NewDesc("readout_channel_stalls_total",
		"Triggers that found the input pool exhausted", channel, nil)
	m.overflowsDesc = prometheus.NewDesc("readout_channel_overflows_total",
		"Events truncated because the fill routine exceeded node capacity", channel, nil)
	m.doubleFreesDesc = prometheus.NewDesc("readout_channel_double_frees_total",
		"Detected double releases and corrupt linkage", channel, nil)
	m.badEventsDesc = prometheus.NewDesc("readout_channel_bad_events_total",
		"Events published with a hardware read failure", channel, nil)
	m.publishedDesc = prometheus.NewDesc("readout_channel_published_total",
		"Events published to the output queue", channel, nil)
	m.consumedDesc = prometheus.NewDesc("readout_channel_consumed_total",
		"Events dequeued by the consumer", channel, nil)
	m.deferralsDesc = prometheus.NewDesc("readout_channel_ack_deferrals_total",
		"Times acknowledgment was deferred", channel, nil)
	m.ackDeferredDesc = prometheus.NewDesc("readout_channel_ack_deferred",
		"1 while acknowledgment is deferred", channel, nil)
	m.maxDeferredDesc = prometheus.NewDesc("readout_channel_ack_max_deferred_seconds",
		"Longest time acknowledgment stayed deferred in this run", channel, nil)
	m.nodeCapacityDesc = prometheus.NewDesc("readout_channel_node_bytes",
		"Configured node capacity in bytes", channel, nil)
}

// SetSource sets the provider of channel diagnostics. A nil source stops
// channel metrics from being reported.
func (m *ReadoutMetrics) SetSource(source DiagnosticsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = source
}

// Describe implements the Collector interface
func (m *ReadoutMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
	for _, d := range []*prometheus.Desc{
		m.nodesDesc, m.stallsDesc, m.overflowsDesc, m.doubleFreesDesc, m.badEventsDesc,
		m.publishedDesc, m.consumedDesc, m.deferralsDesc, m.ackDeferredDesc,
		m.maxDeferredDesc, m.nodeCapacityDesc,
	} {
		ch <- d
	}
}

// Collect implements the Collector interface
func (m *ReadoutMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}

	m.mu.RLock()
	source := m.source
	m.mu.RUnlock()
	if source == nil {
		return
	}

	diags := source.Diagnostics()
	for i := range diags {
		m.collectChannel(ch, &diags[i])
	}
}

func (m *ReadoutMetrics) collectChannel(ch chan<- prometheus.Metric, d *readout.Diagnostics) {
	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), d.Channel)
	}

	gauge(m.nodesDesc, float64(d.Free), d.Channel, "free")
	gauge(m.nodesDesc, float64(d.InUse), d.Channel, "in_use")
	gauge(m.nodesDesc, float64(d.Queued), d.Channel, "queued")
	gauge(m.nodeCapacityDesc, float64(d.NodeBytes), d.Channel)

	deferred := 0.0
	if d.AckState == readout.AckDeferred {
		deferred = 1
	}
	gauge(m.ackDeferredDesc, deferred, d.Channel)
	gauge(m.maxDeferredDesc, d.MaxDeferred.Seconds(), d.Channel)

	counter(m.stallsDesc, d.Stalls)
	counter(m.overflowsDesc, d.Overflows)
	counter(m.doubleFreesDesc, d.DoubleFrees)
	counter(m.badEventsDesc, d.BadEvents)
	counter(m.publishedDesc, d.Published)
	counter(m.consumedDesc, d.Consumed)
	counter(m.deferralsDesc, d.Deferrals)
}

// RecordOperation implements Recorder.
func (m *ReadoutMetrics) RecordOperation(operation, status string) {
	m.operations.WithLabelValues(operation, status).Inc()
}

// RecordDuration implements Recorder.
func (m *ReadoutMetrics) RecordDuration(operation string, seconds float64) {
	m.durations.WithLabelValues(operation).Observe(seconds)
}

// RecordError implements Recorder.
func (m *ReadoutMetrics) RecordError(operation, errorType string) {
	m.errors.WithLabelValues(operation, errorType).Inc()
}
