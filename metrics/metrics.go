// Package metrics exposes Prometheus instrumentation for the marketplace:
// chain event counters, auction outcomes, worker bidding activity, and
// collaboration round latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChainEvents counts emitted chain events by type.
	ChainEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "chain",
		Name:      "events_total",
		Help:      "Chain events emitted, by event type.",
	}, []string{"type"})

	// AuctionsFinalized counts auction finalizations by outcome.
	AuctionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "chain",
		Name:      "auctions_finalized_total",
		Help:      "Auction finalizations, by outcome (winner, empty, cancelled).",
	}, []string{"outcome"})

	// BidsSubmitted counts worker bid submissions by result.
	BidsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "worker",
		Name:      "bids_submitted_total",
		Help:      "Bids submitted by workers, by result (accepted, rejected).",
	}, []string{"result"})

	// TasksExecuted counts worker task executions by result.
	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "worker",
		Name:      "tasks_executed_total",
		Help:      "Tasks executed by workers, by result (completed, failed).",
	}, []string{"result"})

	// WorkerEpsilon tracks each worker's current exploration rate.
	WorkerEpsilon = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "agora",
		Subsystem: "worker",
		Name:      "epsilon",
		Help:      "Current exploration rate per worker.",
	}, []string{"agent"})

	// CollaborationRounds observes completed collaboration round counts.
	CollaborationRounds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agora",
		Subsystem: "orchestrator",
		Name:      "rounds",
		Help:      "Rounds completed per collaboration.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	// LLMLatency observes LLM completion latency in seconds.
	LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agora",
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "LLM completion latency.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// APIRequests counts HTTP API requests by route and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP API requests, by route and status code.",
	}, []string{"route", "status"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
