// Package metrics provides Prometheus metrics for metro-ping.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metro_ping"

// Metrics contains all Prometheus metrics for the echo session.
type Metrics struct {
	// Send path
	PacketsSent prometheus.Counter
	SendErrors  prometheus.Counter

	// Receive path
	RepliesReceived  prometheus.Counter
	Duplicates       prometheus.Counter
	MalformedDropped prometheus.Counter
	StaleDropped     prometheus.Counter
	ForeignDropped   prometheus.Counter
	Timeouts         prometheus.Counter

	// Latency
	RTTSeconds prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered on the default
// registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry. Tests use this to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total number of echo requests transmitted",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of failed echo request transmissions",
		}),
		RepliesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Total number of matched echo replies",
		}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Total number of duplicate replies for an already matched sequence",
		}),
		MalformedDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_dropped_total",
			Help:      "Total number of datagrams dropped because decoding failed",
		}),
		StaleDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_dropped_total",
			Help:      "Total number of replies dropped for arriving after the reply deadline",
		}),
		ForeignDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "foreign_dropped_total",
			Help:      "Total number of datagrams dropped for type, identifier or sequence mismatch",
		}),
		Timeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Total number of echo requests that received no reply in time",
		}),
		RTTSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Round-trip time of matched echo replies",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}
}
