package flagstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testFlagStoreBasics(t *testing.T, fs FlagStore) {
	assert := assert.New(t)
	ctx := context.Background()

	l, err := fs.Get(ctx, "alice")
	assert.NoError(err)
	assert.Empty(l)

	assert.NoError(fs.Add(ctx, "alice", []string{"flagged-text", "flagged-image"}))
	assert.NoError(fs.Add(ctx, "alice", []string{"flagged-text", "flagged-audio"}))
	l, err = fs.Get(ctx, "alice")
	assert.NoError(err)
	assert.Equal([]string{"flagged-audio", "flagged-image", "flagged-text"}, l)

	assert.NoError(fs.Remove(ctx, "alice", []string{"flagged-audio", "flagged-image", "unknown"}))
	l, err = fs.Get(ctx, "alice")
	assert.NoError(err)
	assert.Equal([]string{"flagged-text"}, l)
	assert.NoError(fs.Remove(ctx, "alice", []string{"flagged-text"}))

	l, err = fs.Get(ctx, "alice")
	assert.NoError(err)
	assert.Empty(l)
}

func TestMemFlagStoreBasics(t *testing.T) {
	testFlagStoreBasics(t, NewMemFlagStore())
}
