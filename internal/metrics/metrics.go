package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the namespace every metric is registered under.
const Namespace = "diffsync"

func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

func NewHistogramWithBuckets(name, subsystem, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets}, labels)
}

const (
	websocketSubsystem = "websocket"
	syncSubsystem      = "sync"
	relaySubsystem     = "relay"
)

var (
	Connections = NewGauge(
		"connections",
		websocketSubsystem,
		"Number of open websocket connections",
		[]string{},
	)

	Messages = NewCounter(
		"messages_total",
		websocketSubsystem,
		"Messages received by type",
		[]string{"type"},
	)

	Patches = NewCounter(
		"patches_total",
		syncSubsystem,
		"Patch messages processed by outcome",
		[]string{"outcome"},
	)

	Resyncs = NewCounter(
		"resyncs_total",
		syncSubsystem,
		"Sessions reseeded after a conflict or checksum mismatch",
		[]string{"reason"},
	)

	patchDuration = NewHistogramWithBuckets(
		"patch_duration_seconds",
		syncSubsystem,
		"Time spent applying a patch message",
		[]string{"outcome"},
		prometheus.ExponentialBuckets(0.0005, 2, 14),
	)

	RelayEvents = NewCounter(
		"events_total",
		relaySubsystem,
		"Relay events by direction",
		[]string{"direction"},
	)
)

// ReportPatch records the outcome and duration of one patch message.
func ReportPatch(outcome string, elapsed time.Duration) {
	Patches.WithLabelValues(outcome).Inc()
	patchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
