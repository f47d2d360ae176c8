// Package metrics exposes the delivery pipeline's Prometheus collectors.
//
// Every Registry owns a private prometheus.Registry so several bounded
// contexts (or tests) in one process never collide on metric names.
// All methods are nil-safe: components built without metrics take a nil
// *Registry and skip recording.
//
// # Metric families
//
//	epochcqrs_inbox_enqueued_total{type,label}
//	epochcqrs_inbox_delivered_total{type,label}
//	epochcqrs_inbox_duplicates_total{type}
//	epochcqrs_inbox_failures_total{type}
//	epochcqrs_inbox_dead_letters_total{type}
//	epochcqrs_inbox_purged_total
//	epochcqrs_inbox_pending{shard}
//	epochcqrs_delivery_latency_seconds{type}
//	epochcqrs_dispatch_outcomes_total{type,outcome}
//	epochcqrs_shard_claims_total{result}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "epochcqrs"

// Registry holds all EpochCQRS application metrics.
type Registry struct {
	reg *prometheus.Registry

	enqueued   *prometheus.CounterVec
	delivered  *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	failures   *prometheus.CounterVec
	dead       *prometheus.CounterVec
	purged     prometheus.Counter
	pending    *prometheus.GaugeVec
	latency    *prometheus.HistogramVec
	outcomes   *prometheus.CounterVec
	claims     *prometheus.CounterVec
}

// New returns a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Registry{
		reg: reg,
		enqueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "enqueued_total",
			Help: "Inbox records written, by entity type and label.",
		}, []string{"type", "label"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "delivered_total",
			Help: "Messages dispatched to an endpoint, by entity type and label.",
		}, []string{"type", "label"}),
		duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "duplicates_total",
			Help: "Inbox records discarded as duplicates.",
		}, []string{"type"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "failures_total",
			Help: "Delivery attempts that failed and were left for retry.",
		}, []string{"type"}),
		dead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "dead_letters_total",
			Help: "Inbox records moved to dead-letter state.",
		}, []string{"type"}),
		purged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "purged_total",
			Help: "Delivered inbox records removed after the dedup window.",
		}),
		pending: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "inbox", Name: "pending",
			Help: "Pending inbox records seen at the start of the last shard pass.",
		}, []string{"shard"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "latency_seconds",
			Help: "Time from inbox write to dispatch.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5, 10,
			},
		}, []string{"type"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "outcomes_total",
			Help: "Endpoint dispatch results, by entity type and outcome.",
		}, []string{"type", "outcome"}),
		claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "shard", Name: "claims_total",
			Help: "Shard claim attempts, by result (acquired, busy, error).",
		}, []string{"result"}),
	}
}

func (r *Registry) Enqueued(typeURL, label string) {
	if r == nil {
		return
	}
	r.enqueued.WithLabelValues(typeURL, label).Inc()
}

// Delivered records a dispatch and its latency since the inbox write.
func (r *Registry) Delivered(typeURL, label string, since time.Duration) {
	if r == nil {
		return
	}
	r.delivered.WithLabelValues(typeURL, label).Inc()
	r.latency.WithLabelValues(typeURL).Observe(since.Seconds())
}

func (r *Registry) Duplicate(typeURL string) {
	if r == nil {
		return
	}
	r.duplicates.WithLabelValues(typeURL).Inc()
}

func (r *Registry) Failed(typeURL string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(typeURL).Inc()
}

func (r *Registry) DeadLettered(typeURL string) {
	if r == nil {
		return
	}
	r.dead.WithLabelValues(typeURL).Inc()
}

func (r *Registry) Purged(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.purged.Add(float64(n))
}

func (r *Registry) SetPending(shard, n int) {
	if r == nil {
		return
	}
	r.pending.WithLabelValues(strconv.Itoa(shard)).Set(float64(n))
}

func (r *Registry) Outcome(typeURL, outcome string) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(typeURL, outcome).Inc()
}

// Claim records a shard claim attempt: "acquired", "busy" or "error".
func (r *Registry) Claim(result string) {
	if r == nil {
		return
	}
	r.claims.WithLabelValues(result).Inc()
}

// Gatherer exposes the underlying registry, e.g. for testutil.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns an http.Handler rendering all metrics in the Prometheus
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
