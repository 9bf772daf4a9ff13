// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetalert"

var (
	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_transitions_total",
		Help:      "Alert lifecycle transitions by kind.",
	}, []string{"transition"})

	EvaluationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluation_errors_total",
		Help:      "Rule/device evaluations skipped because of an error.",
	}, []string{"reason"})

	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_tick_seconds",
		Help:      "Duration of a full evaluation tick.",
		Buckets:   prometheus.DefBuckets,
	})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_jobs_enqueued_total",
		Help:      "Routing outcomes per lifecycle event: enqueued, duplicate or throttled.",
	}, []string{"event", "outcome"})

	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_jobs_claimed_total",
		Help:      "Jobs claimed by dispatcher workers.",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Delivery attempts by channel type and result.",
	}, []string{"channel_type", "result"})

	DeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_latency_seconds",
		Help:      "Outbound send latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"channel_type"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Jobs moved to the dead-letter store.",
	}, []string{"reason"})

	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Escalation level advances.",
	})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Tenant actions denied by the rate limiter.",
	}, []string{"action"})
)
