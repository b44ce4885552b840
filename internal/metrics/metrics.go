// Package metrics provides Prometheus instrumentation for the Parley chat
// server. It exposes gauges for live connection counts, counters for frame
// and fanout throughput, and a histogram for fanout latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live socket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of live socket connections",
	})

	// FramesIn counts inbound frames accepted by the dispatcher.
	FramesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_frames_in_total",
		Help: "Total inbound socket frames accepted",
	})

	// FramesDropped counts inbound frames discarded (malformed, unknown
	// type, or rate limited).
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_frames_dropped_total",
		Help: "Total inbound socket frames discarded",
	})

	// FanoutDeliveries counts events delivered to individual recipients.
	FanoutDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_fanout_deliveries_total",
		Help: "Total events delivered to individual recipients",
	})

	// FanoutDrops counts per-recipient sends abandoned on write failure.
	FanoutDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_fanout_drops_total",
		Help: "Total per-recipient sends dropped on write failure",
	})

	// EventsPublished counts push events published by the REST layer after
	// successful persistence.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_published_total",
		Help: "Total push events published after persistence",
	}, []string{"type"})

	// FanoutLatency records the duration of one chat fanout call.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_fanout_latency_seconds",
		Help:    "Duration of a single chat fanout call",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		FramesIn,
		FramesDropped,
		FanoutDeliveries,
		FanoutDrops,
		EventsPublished,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
