package judge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var validateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "convoease_judge_duration_sec",
	Help: "Duration of remote judge calls",
})

var validateCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convoease_validations",
	Help: "Number of validations, by outcome",
}, []string{"outcome"})

var breakerStateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convoease_judge_breaker_transitions",
	Help: "Number of judge circuit breaker state transitions, by new state",
}, []string{"state"})
