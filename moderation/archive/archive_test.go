package archive

import (
	"context"
	"testing"
	"time"

	"github.com/convoease/convoease/moderation/content"
	"github.com/convoease/convoease/util/cliutil"

	"github.com/stretchr/testify/assert"
)

func testArchive(t *testing.T) *Archive {
	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	a, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestArchiveSaveList(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	a := testArchive(t)

	now := time.Now()
	items := []content.Item{
		{ID: 1, Sender: "alice", Kind: content.KindText, Payload: []byte("hi"), Surrogate: "hi", CreatedAt: now,
			Result: content.Result{Accepted: true, Reason: "ok", Confidence: 0.9, Revision: 1}},
		{ID: 2, Sender: "bob", Kind: content.KindImage, Format: "png", Payload: []byte{0x89}, Surrogate: "a coupon", CreatedAt: now.Add(time.Second),
			Result: content.Result{Accepted: false, Reason: "promotional", Confidence: 0.95, Revision: 1}},
	}
	for _, it := range items {
		assert.NoError(a.Save(ctx, "conv-a", it))
	}
	assert.NoError(a.Save(ctx, "conv-b", items[0]))

	// same (conversation, generation, item) twice is rejected
	assert.Error(a.Save(ctx, "conv-a", items[0]))

	// but an ID reused after the ledger was cleared is a new row
	again := items[0]
	again.Generation = 2
	again.Surrogate = "hi again"
	assert.NoError(a.Save(ctx, "conv-a", again))

	out, err := a.List(ctx, "conv-a", 0)
	assert.NoError(err)
	assert.Equal(3, len(out))
	assert.Equal(int64(1), out[0].ItemID)
	assert.Equal("hi again", out[2].Surrogate)
	assert.Equal(int64(2), out[2].Generation)
	assert.Equal("text", out[0].Kind)
	assert.Equal("image", out[1].Kind)
	assert.Equal("png", out[1].Format)
	assert.False(out[1].Accepted)
	assert.Equal(0.95, out[1].Confidence)

	out, err = a.List(ctx, "conv-a", 1)
	assert.NoError(err)
	assert.Equal(1, len(out))

	flagged, err := a.ListFlaggedBySender(ctx, "bob", 10)
	assert.NoError(err)
	assert.Equal(1, len(flagged))
	assert.Equal("a coupon", flagged[0].Surrogate)
	flagged, err = a.ListFlaggedBySender(ctx, "alice", 10)
	assert.NoError(err)
	assert.Empty(flagged)

	n, err := a.Purge(ctx, "conv-a")
	assert.NoError(err)
	assert.Equal(int64(3), n)
	out, err = a.List(ctx, "conv-a", 0)
	assert.NoError(err)
	assert.Empty(out)
	out, err = a.List(ctx, "conv-b", 0)
	assert.NoError(err)
	assert.Equal(1, len(out))
}
