package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var inferenceAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "convoease_inference_api_duration_sec",
	Help: "Duration of inference API calls, by capability",
}, []string{"capability"})

var inferenceAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "convoease_inference_api_count",
	Help: "Number of inference API calls, by capability and HTTP status code",
}, []string{"capability", "status"})
