package judge

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Wraps a Judge with a circuit breaker. While the breaker is open, calls fail immediately and the Validator falls open.
type BreakerJudge struct {
	inner Judge
	cb    *gobreaker.CircuitBreaker
}

var _ Judge = (*BreakerJudge)(nil)

type BreakerConfig struct {
	// Number of consecutive failures which trips the breaker
	MaxFailures uint32
	// How long the breaker stays open before letting a trial request through
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func NewBreakerJudge(inner Judge, config BreakerConfig) *BreakerJudge {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := config.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := config.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:        "judge",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			breakerStateChanges.WithLabelValues(to.String()).Inc()
		},
	}
	return &BreakerJudge{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *BreakerJudge) Judge(ctx context.Context, req Request) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Judge(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerJudge) State() string {
	return b.cb.State().String()
}
