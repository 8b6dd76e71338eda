// Package metrics registers the Prometheus collectors for the settlement
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's collectors so they can be registered once
// and threaded explicitly into the orchestrator.
type Metrics struct {
	RunsTotal           *prometheus.CounterVec
	RunDuration         prometheus.Histogram
	ChallengesProcessed *prometheus.CounterVec
	ParticipantsSettled prometheus.Counter
	TxSubmitted         prometheus.Counter
	UnknownRatioSkips   prometheus.Counter
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settler_run_duration_seconds",
			Help:    "Wall time of a full pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ChallengesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_challenges_processed_total",
			Help: "Challenges handled per run, by outcome.",
		}, []string{"outcome"}),
		ParticipantsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settler_participants_settled_total",
			Help: "Participants whose results were declared on the ledger.",
		}),
		TxSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settler_transactions_submitted_total",
			Help: "Declaration transactions broadcast to the ledger.",
		}),
		UnknownRatioSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settler_unknown_ratio_skips_total",
			Help: "Challenges skipped by the unknown-ratio outage guard.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ChallengesProcessed,
		m.ParticipantsSettled,
		m.TxSubmitted,
		m.UnknownRatioSkips,
	)
	return m
}

// NewNop creates unregistered collectors for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
