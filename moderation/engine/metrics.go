package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "convoease_submission_duration_sec",
	Help: "Total duration of moderating a single submission",
}, []string{"kind"})

var submissionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convoease_submissions",
	Help: "Number of submissions processed, by kind and outcome",
}, []string{"kind", "outcome"})

var submissionPanicCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "convoease_submission_panics",
	Help: "Number of submissions where moderation panicked (and was accepted fail-open)",
})

var sideEffectErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convoease_side_effect_errors",
	Help: "Number of failed best-effort side effects, by type",
}, []string{"type"})

var notificationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convoease_notifications",
	Help: "Number of flagged-content notifications sent, by status",
}, []string{"status"})
