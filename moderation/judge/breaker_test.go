package judge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestBreakerJudge(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mj := &mockJudge{err: errors.New("connection refused")}
	bj := NewBreakerJudge(mj, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := bj.Judge(ctx, NewRequest("rules", "message", "hi"))
		assert.Error(err)
	}
	assert.Equal(gobreaker.StateOpen.String(), bj.State())

	// open breaker fails fast, without reaching the inner judge
	_, err := bj.Judge(ctx, NewRequest("rules", "message", "hi"))
	assert.True(errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(int64(2), mj.calls.Load())

	// and the validator still falls open
	v := Validator{Judge: bj}
	res := v.Validate(ctx, "hi", mustRules(t, "rules"), "message")
	assert.True(res.Accepted)
	assert.True(res.Degraded())
}

func TestBreakerJudgePassthrough(t *testing.T) {
	assert := assert.New(t)

	bj := NewBreakerJudge(&mockJudge{}, BreakerConfig{})
	out, err := bj.Judge(context.Background(), NewRequest("rules", "message", "hi"))
	assert.NoError(err)
	assert.Contains(out, `"accepted": true`)
	assert.Equal(gobreaker.StateClosed.String(), bj.State())
}
