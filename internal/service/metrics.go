package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchPassesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "dispatch_passes_total",
			Help:      "Dispatch passes by outcome.",
		},
		[]string{"outcome"}, // completed, locked, error
	)

	messagesDispatchedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "messages_dispatched_total",
			Help:      "Messages handed to the task queue.",
		},
	)

	messagesResetCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "messages_reset_total",
			Help:      "Messages moved back to pending by maintenance.",
		},
		[]string{"from"}, // processing, failed
	)

	sendResultsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "send_results_total",
			Help:      "Outcome of each send attempt.",
		},
		[]string{"result"}, // sent, rejected, client_error, retryable, over_limit, skipped
	)

	messagesFailedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "messaging",
			Name:      "messages_failed_total",
			Help:      "Messages moved to failed.",
		},
		[]string{"reason"}, // over_limit, rejected, client_error, exhausted
	)

	webhookDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "messaging",
			Name:      "webhook_request_duration_seconds",
			Help:      "Duration of webhook send calls.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
