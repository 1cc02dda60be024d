package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains Prometheus metrics for the run status publisher.
type MQTTMetrics struct {
	ConnectionStatus  prometheus.Gauge
	MessagesDelivered prometheus.Counter
	Errors            prometheus.Counter
	MessageSize       prometheus.Histogram
	PublishLatency    prometheus.Histogram
	registry          *prometheus.Registry
}

// NewMQTTMetrics creates and registers MQTT metrics.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register MQTT metrics: %w", err)
	}
	return m, nil
}

func (m *MQTTMetrics) initMetrics() {
	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "readout_mqtt_connection_status",
		Help: "Current MQTT connection status (1 for connected, 0 for disconnected)",
	})
	m.MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readout_mqtt_messages_delivered_total",
		Help: "Total number of status messages delivered",
	})
	m.Errors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "readout_mqtt_errors_total",
		Help: "Total number of MQTT errors encountered",
	})
	m.MessageSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "readout_mqtt_message_size_bytes",
		Help:    "Size of status messages in bytes",
		Buckets: prometheus.ExponentialBuckets(64, 2, 10),
	})
	m.PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "readout_mqtt_publish_latency_seconds",
		Help:    "Latency of MQTT publish operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
}

// UpdateConnectionStatus sets the connection gauge.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.ConnectionStatus.Set(1)
		return
	}
	m.ConnectionStatus.Set(0)
}

// ObservePublish records one publish attempt.
func (m *MQTTMetrics) ObservePublish(sizeBytes int, latencySeconds float64, err error) {
	if err != nil {
		m.Errors.Inc()
		return
	}
	m.MessagesDelivered.Inc()
	m.MessageSize.Observe(float64(sizeBytes))
	m.PublishLatency.Observe(latencySeconds)
}

// Describe implements the prometheus.Collector interface.
func (m *MQTTMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.ConnectionStatus.Describe(ch)
	m.MessagesDelivered.Describe(ch)
	m.Errors.Describe(ch)
	m.MessageSize.Describe(ch)
	m.PublishLatency.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *MQTTMetrics) Collect(ch chan<- prometheus.Metric) {
	m.ConnectionStatus.Collect(ch)
	m.MessagesDelivered.Collect(ch)
	m.Errors.Collect(ch)
	m.MessageSize.Collect(ch)
	m.PublishLatency.Collect(ch)
}
