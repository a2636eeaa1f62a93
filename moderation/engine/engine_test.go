package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/convoease/convoease/moderation/archive"
	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/moderation/countstore"
	"github.com/convoease/convoease/moderation/judge"
	"github.com/convoease/convoease/moderation/normalize"
	"github.com/convoease/convoease/util/cliutil"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func outcomeCount(t *testing.T, kind, outcome string) float64 {
	var m = &dto.Metric{}
	if err := submissionCount.WithLabelValues(kind, outcome).Write(m); err != nil {
		t.Fatal(err)
	}
	return m.Counter.GetValue()
}

func mustConversation(t *testing.T, rules string) *Conversation {
	conv, err := NewConversation("conv-test", rules)
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func TestEnginePromotionalFlagged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	conv := mustConversation(t, "No promotional content")

	ok, err := eng.Submit(ctx, conv, TextSubmission("alice", "Hello everyone!"))
	assert.NoError(err)
	assert.True(ok.Result.Accepted)

	item, err := eng.Submit(ctx, conv, TextSubmission("bob", "Check out my shop, 50% off!"))
	assert.NoError(err)
	assert.False(item.Result.Accepted)
	assert.Equal("promotional content is not allowed", item.Result.Reason)
	assert.Equal(int64(2), item.ID)
	assert.Nil(item.Payload)

	delivered := conv.Ledger.Delivered()
	flagged := conv.Ledger.Flagged()
	assert.Equal(1, len(delivered))
	assert.Equal("Hello everyone!", delivered[0].Surrogate)
	assert.Equal(1, len(flagged))
	assert.Equal(item.ID, flagged[0].ID)

	// side effects
	flags, err := eng.Flags.Get(ctx, "bob")
	assert.NoError(err)
	assert.Equal([]string{"flagged-text"}, flags)
	n, err := eng.SenderFlagCount(ctx, "bob")
	assert.NoError(err)
	assert.Equal(1, n)
	tallies, err := eng.Tallies(ctx, countstore.PeriodTotal)
	assert.NoError(err)
	assert.Equal(countstore.Tally{Submissions: 2, Flagged: 1, FlaggedSenders: 1}, tallies[content.KindText])
	assert.Equal(countstore.Tally{}, tallies[content.KindAudio])

	removed, err := eng.ClearSenderFlags(ctx, "bob")
	assert.NoError(err)
	assert.Equal([]string{"flagged-text"}, removed)
	flags, err = eng.Flags.Get(ctx, "bob")
	assert.NoError(err)
	assert.Empty(flags)
	// rejection history is kept
	n, err = eng.SenderFlagCount(ctx, "bob")
	assert.NoError(err)
	assert.Equal(1, n)
}

func TestEngineEmptyRules(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	conv := mustConversation(t, "")

	item, err := eng.Submit(ctx, conv, TextSubmission("bob", "Check out my shop, 50% off!"))
	assert.NoError(err)
	assert.True(item.Result.Accepted)
	assert.Equal(1.0, item.Result.Confidence)
	assert.Equal(judge.ReasonNoRules, item.Result.Reason)
	assert.Equal(1, len(conv.Ledger.Delivered()))
	assert.Equal(0, eng.Validator.Judge.(*MockJudge).Calls())
}

func TestEngineNoJudge(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := Engine{}
	conv := mustConversation(t, "No promotional content")

	item, err := eng.Submit(ctx, conv, TextSubmission("", "Check out my shop, 50% off!"))
	assert.NoError(err)
	assert.True(item.Result.Accepted)
	assert.True(item.Result.Degraded())
	assert.Equal(judge.ReasonNotConfigured, item.Result.Reason)
	assert.Equal(AnonymousSender, item.Sender)

	// media without capabilities gets a placeholder surrogate
	img, err := eng.Submit(ctx, conv, Submission{Kind: content.KindImage, Payload: []byte{0x89, 'P', 'N', 'G'}, Format: "PNG"})
	assert.NoError(err)
	assert.Equal(normalize.CaptionUnavailable, img.Surrogate)
	assert.Equal("png", img.Format)
	assert.Equal(2, len(conv.Ledger.Delivered()))
}

func TestEngineSilentAudio(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	conv := mustConversation(t, "No promotional content")

	item, err := eng.Submit(ctx, conv, Submission{Sender: "carol", Kind: content.KindAudio, Payload: []byte("RIFF....WAVE"), Format: "wav"})
	assert.NoError(err)
	assert.Equal(normalize.NoSpeechSentinel, item.Surrogate)
	assert.True(item.Result.Accepted)

	req := eng.Validator.Judge.(*MockJudge).LastRequest()
	assert.Equal(normalize.NoSpeechSentinel, req.Content)
	assert.Equal("audio transcript", req.Label)
}

func TestEngineImageCaptionFlagged(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	notifier := &MockNotifier{}
	eng.Notifier = notifier
	conv := mustConversation(t, "No promotional content")

	item, err := eng.Submit(ctx, conv, Submission{Sender: "dave", Kind: content.KindImage, Payload: []byte("fake-jpeg-bytes"), Format: "jpg"})
	assert.NoError(err)
	assert.False(item.Result.Accepted)
	assert.Contains(item.Surrogate, "discount")
	assert.Equal("image caption", eng.Validator.Judge.(*MockJudge).LastRequest().Label)

	_, ok := conv.Ledger.Payload(item.ID)
	assert.False(ok)

	sent := notifier.Sent()
	assert.Equal(1, len(sent))
	assert.Nil(sent[0].Payload)
	assert.Equal(item.ID, sent[0].ID)
}

func TestEngineNormalizerFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	eng.Normalizer.Transcriber = &MockTranscriber{Err: errors.New("upstream 503")}
	conv := mustConversation(t, "No promotional content")

	item, err := eng.Submit(ctx, conv, Submission{Sender: "erin", Kind: content.KindAudio, Payload: []byte("ID3"), Format: "mp3"})
	assert.NoError(err)
	assert.Equal(normalize.FailurePrefix+"upstream 503", item.Surrogate)
	// the failure text itself was judged
	assert.Equal(item.Surrogate, eng.Validator.Judge.(*MockJudge).LastRequest().Content)
	assert.True(item.Result.Accepted)
}

func TestEngineJudgeFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	eng.Validator.Judge = &MockJudge{Err: errors.New("connection reset")}
	conv := mustConversation(t, "No promotional content")

	item, err := eng.Submit(ctx, conv, TextSubmission("frank", "Check out my shop, 50% off!"))
	assert.NoError(err)
	assert.True(item.Result.Accepted)
	assert.Equal(0.0, item.Result.Confidence)
	assert.Contains(item.Result.Reason, "judge call failed")
	assert.Contains(item.Result.Reason, "connection reset")
	assert.Equal(1, len(conv.Ledger.Delivered()))
	assert.Empty(conv.Ledger.Flagged())

	tl, err := eng.Counters.Tally(ctx, content.KindText, countstore.PeriodTotal)
	assert.NoError(err)
	assert.Equal(1, tl.Degraded)
}

func TestEngineJudgeTimeout(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	eng.Validator.Timeout = 10 * time.Millisecond
	eng.Validator.Judge = judge.JudgeFunc(func(ctx context.Context, req judge.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	conv := mustConversation(t, "No promotional content")

	item, err := eng.Submit(ctx, conv, TextSubmission("gina", "hello"))
	assert.NoError(err)
	assert.True(item.Result.Accepted)
	assert.True(item.Result.Degraded())
	assert.Contains(item.Result.Reason, "deadline exceeded")
	assert.Equal(1, len(conv.Ledger.Delivered()))
}

func TestEnginePanicRecovered(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	eng.Validator.Judge = judge.JudgeFunc(func(ctx context.Context, req judge.Request) (string, error) {
		panic("boom")
	})
	conv := mustConversation(t, "No promotional content")

	item, err := eng.Submit(ctx, conv, TextSubmission("hank", "hello"))
	assert.NoError(err)
	assert.True(item.Result.Accepted)
	assert.True(item.Result.Degraded())
	assert.Contains(item.Result.Reason, "boom")
	assert.Equal("hello", item.Surrogate)
	assert.Equal(1, len(conv.Ledger.Delivered()))
}

func TestEngineIdempotent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	mj := eng.Validator.Judge.(*MockJudge)
	conv := mustConversation(t, "No promotional content")

	a, err := eng.Submit(ctx, conv, TextSubmission("ivy", "Visit my shop today"))
	assert.NoError(err)
	b, err := eng.Submit(ctx, conv, TextSubmission("ivy", "Visit my shop today"))
	assert.NoError(err)
	assert.Equal(a.Result, b.Result)
	assert.NotEqual(a.ID, b.ID)
	// second verdict came from the cache
	assert.Equal(1, mj.Calls())
}

func TestEngineRevisionSnapshot(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	conv := mustConversation(t, "No promotional content")

	// rules change while the judge call is in flight
	eng.Validator.Judge = judge.JudgeFunc(func(ctx context.Context, req judge.Request) (string, error) {
		if _, err := conv.Rules.Update("Anything goes"); err != nil {
			return "", err
		}
		assert.Equal("No promotional content", req.Rules)
		return `{"accepted": true, "reason": "fine", "confidence": 0.8}`, nil
	})

	item, err := eng.Submit(ctx, conv, TextSubmission("jack", "hello"))
	assert.NoError(err)
	assert.Equal(int64(1), item.Result.Revision)
	assert.Equal(int64(2), conv.Rules.Current().Revision)
}

func TestEngineInvalidSubmission(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	conv := mustConversation(t, "No promotional content")

	_, err := eng.Submit(ctx, conv, TextSubmission("kim", "   "))
	assert.ErrorIs(err, ErrInvalidSubmission)
	_, err = eng.Submit(ctx, conv, Submission{Kind: content.KindImage, Payload: []byte("x"), Format: "bmp"})
	assert.ErrorIs(err, ErrInvalidSubmission)
	_, err = eng.Submit(ctx, nil, TextSubmission("kim", "hi"))
	assert.ErrorIs(err, ErrNilConversation)

	assert.Empty(conv.Ledger.Delivered())
	assert.Empty(conv.Ledger.Flagged())
	assert.Equal(int64(1), conv.Ledger.NextID())
	assert.Equal(0, eng.Validator.Judge.(*MockJudge).Calls())
}

func TestEngineArchive(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	arc, err := archive.New(db)
	if err != nil {
		t.Fatal(err)
	}
	eng := EngineTestFixture()
	eng.Archive = arc
	conv := mustConversation(t, "No promotional content")

	_, err = eng.Submit(ctx, conv, TextSubmission("liam", "good morning"))
	assert.NoError(err)
	_, err = eng.Submit(ctx, conv, TextSubmission("liam", "20% off at my shop"))
	assert.NoError(err)

	rows, err := arc.List(ctx, conv.ID, 0)
	assert.NoError(err)
	assert.Equal(2, len(rows))
	assert.True(rows[0].Accepted)
	assert.False(rows[1].Accepted)
	assert.Equal(int64(1), rows[1].Revision)
}

func TestEngineArchiveAcrossClear(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	arc, err := archive.New(db)
	if err != nil {
		t.Fatal(err)
	}
	eng := EngineTestFixture()
	eng.Archive = arc
	conv := mustConversation(t, "No promotional content")

	first, err := eng.Submit(ctx, conv, TextSubmission("liam", "good morning"))
	assert.NoError(err)
	conv.Ledger.Clear()
	second, err := eng.Submit(ctx, conv, TextSubmission("liam", "hello again"))
	assert.NoError(err)

	// ids restart after a clear, generations don't
	assert.Equal(first.ID, second.ID)
	assert.NotEqual(first.Generation, second.Generation)

	rows, err := arc.List(ctx, conv.ID, 0)
	assert.NoError(err)
	assert.Equal(2, len(rows))
	assert.Equal("good morning", rows[0].Surrogate)
	assert.Equal("hello again", rows[1].Surrogate)
}

func TestEngineConcurrentSubmissions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	conv := mustConversation(t, "No promotional content")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				text := fmt.Sprintf("message %d from %d", i, g)
				if i%4 == 0 {
					text = fmt.Sprintf("shop sale %d-%d", g, i)
				}
				_, err := eng.Submit(ctx, conv, TextSubmission(fmt.Sprintf("user%d", g), text))
				assert.NoError(err)
			}
		}(g)
	}
	wg.Wait()

	delivered := conv.Ledger.Delivered()
	flagged := conv.Ledger.Flagged()
	assert.Equal(80, len(delivered)+len(flagged))
	assert.Equal(24, len(flagged))
	seen := make(map[int64]bool)
	for _, it := range append(delivered, flagged...) {
		assert.False(seen[it.ID])
		seen[it.ID] = true
	}
	assert.Equal(70.0, conv.Ledger.Stats().ApprovalRate)
}

func TestEngineStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	eng := EngineTestFixture()
	conv := mustConversation(t, "No promotional content")
	deliveredBefore := outcomeCount(t, "text", "delivered")
	flaggedBefore := outcomeCount(t, "text", "flagged")

	for _, text := range []string{"hi", "how are you", "see you later", "50% off everything"} {
		_, err := eng.Submit(ctx, conv, TextSubmission("mia", text))
		assert.NoError(err)
	}
	st := conv.Ledger.Stats()
	assert.Equal(3, st.Delivered)
	assert.Equal(1, st.Flagged)
	assert.Equal(75.0, st.ApprovalRate)
	assert.Equal(3.0, outcomeCount(t, "text", "delivered")-deliveredBefore)
	assert.Equal(1.0, outcomeCount(t, "text", "flagged")-flaggedBefore)

	conv.Ledger.Clear()
	assert.Empty(conv.Ledger.Delivered())
	assert.Empty(conv.Ledger.Flagged())
	item, err := eng.Submit(ctx, conv, TextSubmission("mia", "back again"))
	assert.NoError(err)
	assert.Equal(int64(1), item.ID)
}
