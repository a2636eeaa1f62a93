package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/convoease/convoease/moderation/cachestore"
	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/countstore"
	"github.com/convoease/convoease/moderation/flagstore"
	"github.com/convoease/convoease/moderation/judge"
	"github.com/convoease/convoease/moderation/normalize"
)

// Deterministic judge for tests and local development: rejects anything which looks promotional.
type MockJudge struct {
	mu       sync.Mutex
	Requests []judge.Request
	// if set, every call fails with this error
	Err error
}

var _ judge.Judge = (*MockJudge)(nil)

func (m *MockJudge) Judge(ctx context.Context, req judge.Request) (string, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	lower := strings.ToLower(req.Content)
	for _, term := range []string{"% off", "shop", "discount", "coupon"} {
		if strings.Contains(lower, term) {
			return `{"accepted": false, "reason": "promotional content is not allowed", "confidence": 0.95}`, nil
		}
	}
	return `{"accepted": true, "reason": "complies with the group rules", "confidence": 0.9}`, nil
}

func (m *MockJudge) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

func (m *MockJudge) LastRequest() judge.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return judge.Request{}
	}
	return m.Requests[len(m.Requests)-1]
}

// Returns a fixed caption (or error) regardless of input
type MockCaptioner struct {
	Text string
	Err  error
}

func (m *MockCaptioner) Caption(ctx context.Context, image []byte, format, instruction string) (string, error) {
	return m.Text, m.Err
}

// Returns a fixed transcript (or error) regardless of input
type MockTranscriber struct {
	Text string
	Err  error
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return m.Text, m.Err
}

// Engine wired to mock capabilities and in-memory stores. The captioner describes a discount flyer, so image submissions are flagged under promotional rules; the transcriber returns silence.
func EngineTestFixture() Engine {
	cache := cachestore.NewMemCacheStore[judge.Verdict](100, time.Hour)
	return Engine{
		Logger: slog.Default(),
		Validator: &judge.Validator{
			Judge:   &MockJudge{},
			Cache:   cache,
			Timeout: 5 * time.Second,
		},
		Normalizer: &normalize.Normalizer{
			Captioner:   &MockCaptioner{Text: "A flyer advertising a 50% off discount at a local shop."},
			Transcriber: &MockTranscriber{Text: ""},
			Timeout:     5 * time.Second,
		},
		Counters: countstore.NewMemCountStore(),
		Flags:    flagstore.NewMemFlagStore(),
	}
}

// Records every notification it receives
type MockNotifier struct {
	mu    sync.Mutex
	Items []content.Item
}

func (m *MockNotifier) SendFlagged(ctx context.Context, conv string, item content.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Items = append(m.Items, item)
	return nil
}

func (m *MockNotifier) Sent() []content.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]content.Item(nil), m.Items...)
}
