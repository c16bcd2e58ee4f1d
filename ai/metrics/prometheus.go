// Package metrics provides Prometheus metrics export for the chat engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter registers and exposes the engine's Prometheus metrics.
type Exporter struct {
	registry *prometheus.Registry

	// Generation metrics
	generations    *prometheus.CounterVec
	streamLatency  *prometheus.HistogramVec
	tokensUsed     *prometheus.CounterVec
	generationCost *prometheus.CounterVec

	// Room metrics
	roomConnections prometheus.Gauge
	roomsActive     prometheus.Gauge
	framesSent      *prometheus.CounterVec

	// Storage metrics
	eventsAppended  *prometheus.CounterVec
	replaySkipped   prometheus.Counter
	compactorEvents *prometheus.CounterVec
	blobsSaved      *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use; a new one is created when nil.
	Registry *prometheus.Registry

	// LatencyBuckets for stream latency histograms, in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}
}

// NewExporter creates an exporter and registers every metric.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "animachat",
			Subsystem: "ai",
			Name:      "generations_total",
			Help:      "Total generations by provider, model and outcome",
		},
		[]string{"provider", "model", "status"},
	)
	e.streamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "animachat",
			Subsystem: "ai",
			Name:      "stream_latency_seconds",
			Help:      "Wall-clock duration of upstream streams",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"provider", "model"},
	)
	e.tokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "animachat",
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Token usage by provider, model and direction",
		},
		[]string{"provider", "model", "direction"},
	)
	e.generationCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "animachat",
			Subsystem: "ai",
			Name:      "generation_cost_total",
			Help:      "Accumulated generation cost by currency",
		},
		[]string{"currency"},
	)

	e.roomConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "animachat",
		Subsystem: "rooms",
		Name:      "connections",
		Help:      "Registered websocket connections",
	})
	e.roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "animachat",
		Subsystem: "rooms",
		Name:      "active",
		Help:      "Rooms with at least one member",
	})
	e.framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "animachat",
			Subsystem: "rooms",
			Name:      "frames_sent_total",
			Help:      "Broadcast frames by type",
		},
		[]string{"type"},
	)

	e.eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "animachat",
			Subsystem: "store",
			Name:      "events_appended_total",
			Help:      "Events appended by kind",
		},
		[]string{"kind"},
	)
	e.replaySkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "animachat",
		Subsystem: "store",
		Name:      "replay_skipped_lines_total",
		Help:      "Malformed lines skipped during replay",
	})
	e.compactorEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "animachat",
			Subsystem: "store",
			Name:      "compactor_removed_events_total",
			Help:      "Events removed by the compactor, by kind",
		},
		[]string{"kind"},
	)
	e.blobsSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "animachat",
			Subsystem: "store",
			Name:      "blobs_saved_total",
			Help:      "Blob saves by outcome (stored or deduplicated)",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(
		e.generations, e.streamLatency, e.tokensUsed, e.generationCost,
		e.roomConnections, e.roomsActive, e.framesSent,
		e.eventsAppended, e.replaySkipped, e.compactorEvents, e.blobsSaved,
	)
	return e
}

// Handler returns the HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ObserveGeneration records one finished generation.
func (e *Exporter) ObserveGeneration(provider, model string, failed bool, seconds float64, inputTokens, outputTokens int, cost float64, currency string) {
	status := "ok"
	if failed {
		status = "failed"
	}
	e.generations.WithLabelValues(provider, model, status).Inc()
	e.streamLatency.WithLabelValues(provider, model).Observe(seconds)
	e.tokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	e.tokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	if cost > 0 {
		e.generationCost.WithLabelValues(currency).Add(cost)
	}
}

// SetRoomGauges updates the room occupancy gauges.
func (e *Exporter) SetRoomGauges(connections, rooms int) {
	e.roomConnections.Set(float64(connections))
	e.roomsActive.Set(float64(rooms))
}

// ObserveFrame counts one broadcast frame.
func (e *Exporter) ObserveFrame(frameType string) {
	e.framesSent.WithLabelValues(frameType).Inc()
}

// ObserveAppend counts one appended event.
func (e *Exporter) ObserveAppend(kind string) {
	e.eventsAppended.WithLabelValues(kind).Inc()
}

// ObserveReplaySkipped counts malformed lines skipped during replay.
func (e *Exporter) ObserveReplaySkipped(n int) {
	e.replaySkipped.Add(float64(n))
}

// ObserveCompaction records the compactor's per-kind removals.
func (e *Exporter) ObserveCompaction(removedByKind map[string]int) {
	for kind, n := range removedByKind {
		e.compactorEvents.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveBlobSave counts one blob save.
func (e *Exporter) ObserveBlobSave(deduplicated bool) {
	outcome := "stored"
	if deduplicated {
		outcome = "deduplicated"
	}
	e.blobsSaved.WithLabelValues(outcome).Inc()
}
