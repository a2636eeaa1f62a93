package normalize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var normalizeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "convoease_normalize_duration_sec",
	Help: "Duration of media normalization (captioning, transcription), by content kind",
}, []string{"kind"})

var normalizeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convoease_normalize_failures",
	Help: "Number of media normalization calls which failed, by content kind",
}, []string{"kind"})
