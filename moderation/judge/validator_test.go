package judge

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/convoease/convoease/moderation/cachestore"
	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/ruleset"

	"github.com/stretchr/testify/assert"
)

// deterministic judge: rejects anything mentioning "% off" or "shop", counting calls
type mockJudge struct {
	calls    atomic.Int64
	lastReq  Request
	response string
	err      error
	delay    time.Duration
}

func (m *mockJudge) Judge(ctx context.Context, req Request) (string, error) {
	m.calls.Add(1)
	m.lastReq = req
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	if m.response != "" {
		return m.response, nil
	}
	lower := strings.ToLower(req.Content)
	if strings.Contains(lower, "% off") || strings.Contains(lower, "shop") {
		return `{"accepted": false, "reason": "promotional content is not allowed", "confidence": 0.95}`, nil
	}
	return `{"accepted": true, "reason": "complies with the rules", "confidence": 0.9}`, nil
}

func mustRules(t *testing.T, text string) ruleset.RuleSet {
	rs, err := ruleset.New(text)
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestValidateNoJudge(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	v := Validator{}
	for _, text := range []string{"hello", "Check out my shop, 50% off!", ""} {
		res := v.Validate(ctx, text, mustRules(t, "no promotional content"), "message")
		assert.True(res.Accepted)
		assert.Equal(0.0, res.Confidence)
		assert.True(res.Degraded())
		assert.Equal(ReasonNotConfigured, res.Reason)
	}

	// no judge takes precedence over empty rules
	res := v.Validate(ctx, "hello", mustRules(t, ""), "message")
	assert.Equal(ReasonNotConfigured, res.Reason)
	assert.Equal(0.0, res.Confidence)
}

func TestValidateEmptyRules(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mj := &mockJudge{}
	v := Validator{Judge: mj}
	for _, text := range []string{"hello", "Check out my shop, 50% off!"} {
		res := v.Validate(ctx, text, mustRules(t, "   "), "message")
		assert.True(res.Accepted)
		assert.Equal(1.0, res.Confidence)
		assert.Equal(ReasonNoRules, res.Reason)
	}
	assert.Equal(int64(0), mj.calls.Load())
}

func TestValidatePromotional(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mj := &mockJudge{}
	v := Validator{Judge: mj}
	rs := mustRules(t, "no promotional content")

	res := v.Validate(ctx, "Check out my shop, 50% off!", rs, "message")
	assert.False(res.Accepted)
	assert.Equal("promotional content is not allowed", res.Reason)
	assert.Equal(0.95, res.Confidence)
	assert.Equal(rs.Revision, res.Revision)

	// request carries rules, label, and content
	assert.Equal("no promotional content", mj.lastReq.Rules)
	assert.Equal("message", mj.lastReq.Label)
	assert.Contains(mj.lastReq.Instruction, `"accepted"`)
	assert.Contains(mj.lastReq.Prompt(), "Message content to validate")

	res = v.Validate(ctx, "what time is the lecture?", rs, "message")
	assert.True(res.Accepted)
	assert.False(res.Degraded())
}

func TestValidateDegraded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	rs := mustRules(t, "be kind")

	mj := &mockJudge{err: errors.New("upstream 503")}
	v := Validator{Judge: mj}
	res := v.Validate(ctx, "hi", rs, "message")
	assert.True(res.Accepted)
	assert.Equal(0.0, res.Confidence)
	assert.True(strings.HasPrefix(res.Reason, ReasonCallFailed))
	assert.Contains(res.Reason, "upstream 503")

	mj = &mockJudge{response: "INVALID"}
	v = Validator{Judge: mj}
	res = v.Validate(ctx, "hi", rs, "message")
	assert.True(res.Accepted)
	assert.Equal(0.0, res.Confidence)
	assert.True(strings.HasPrefix(res.Reason, ReasonMalformed))

	mj = &mockJudge{delay: time.Second}
	v = Validator{Judge: mj, Timeout: 10 * time.Millisecond}
	res = v.Validate(ctx, "hi", rs, "message")
	assert.True(res.Accepted)
	assert.Equal(0.0, res.Confidence)
	assert.Contains(res.Reason, context.DeadlineExceeded.Error())
}

func TestValidateIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	rs := mustRules(t, "no promotional content")

	mj := &mockJudge{}
	v := Validator{Judge: mj}
	first := v.Validate(ctx, "Check out my shop, 50% off!", rs, "message")
	second := v.Validate(ctx, "Check out my shop, 50% off!", rs, "message")
	assert.Equal(first, second)
	assert.Equal(int64(2), mj.calls.Load())
}

func TestValidateCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	rs := mustRules(t, "no promotional content")

	mj := &mockJudge{}
	v := Validator{Judge: mj, Cache: cachestore.NewMemCacheStore[Verdict](100, time.Hour)}
	first := v.Validate(ctx, "Check out my shop, 50% off!", rs, "message")
	second := v.Validate(ctx, "Check out my shop, 50% off!", rs, "message")
	assert.Equal(first, second)
	assert.Equal(int64(1), mj.calls.Load())

	// different label is a different judgment
	v.Validate(ctx, "Check out my shop, 50% off!", rs, "image caption")
	assert.Equal(int64(2), mj.calls.Load())

	// cached verdicts carry the revision of the current rule set
	rs2 := ruleset.RuleSet{Text: rs.Text, Revision: 7}
	third := v.Validate(ctx, "Check out my shop, 50% off!", rs2, "message")
	assert.Equal(int64(2), mj.calls.Load())
	assert.Equal(int64(7), third.Revision)
	assert.Equal(first.Accepted, third.Accepted)

	// degraded results are not cached
	mj.err = errors.New("down")
	res := v.Validate(ctx, "new text", rs, "message")
	assert.True(res.Degraded())
	mj.err = nil
	res = v.Validate(ctx, "new text", rs, "message")
	assert.False(res.Degraded())
}

func TestValidateCacheInvalidEntry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	rs := mustRules(t, "no promotional content")

	cache := cachestore.NewMemCacheStore[Verdict](100, time.Hour)
	key := verdictCacheKey(rs.Text, "message", "hello")
	assert.NoError(cache.Set(ctx, key, Verdict{Accepted: false, Reason: "stale", Confidence: 0.0}))

	mj := &mockJudge{}
	v := Validator{Judge: mj, Cache: cache}
	res := v.Validate(ctx, "hello", rs, "message")
	assert.True(res.Accepted)
	assert.Equal(int64(1), mj.calls.Load())

	// replaced by the fresh verdict
	cached, ok, err := cache.Get(ctx, key)
	assert.NoError(err)
	assert.True(ok)
	assert.True(cached.Accepted)
	assert.GreaterOrEqual(cached.Confidence, MinJudgedConfidence)
}

func TestLabelFor(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("message", LabelFor(content.KindText))
	assert.Equal("image caption", LabelFor(content.KindImage))
	assert.Equal("audio transcript", LabelFor(content.KindAudio))
}
