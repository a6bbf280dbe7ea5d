// Package metrics registers the server's Prometheus collectors with the
// default registry, served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roomchat"

func counter(subsystem, name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

// HTTP
var (
	HTTPRequestsTotal = counterVec("http", "requests_total",
		"HTTP requests by route pattern and status.", "method", "route", "status")

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route pattern.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"method", "route"})

	RateLimitHits   = counterVec("http", "rate_limited_total", "Requests rejected by a route limit.", "limit")
	BlockedRequests = counterVec("http", "blocked_total", "Requests rejected from blocked IPs.", "reason")
)

// Writes
var (
	UsersSignedUp = counter("auth", "signups_total", "Accounts created.")
	MessageWrites = counterVec("messages", "writes_total", "Message inserts, updates and deletes.", "op")
	RecordWrites  = counterVec("records", "writes_total", "Demo resource writes.", "resource", "op")
	SearchQueries = counter("messages", "searches_total", "Message search queries.")
)

// Realtime
var (
	ChangeEventsPublished = counterVec("realtime", "changes_published_total", "Change events handed to the broker.", "op")

	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "realtime", Name: "connections",
		Help: "Open realtime websocket connections.",
	})

	PresenceOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "realtime", Name: "presence_online",
		Help: "Keys tracked per presence channel.",
	}, []string{"channel"})
)
