package util

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("short", Truncate("short", 10))
	assert.Equal("exact", Truncate("exact", 5))
	assert.Equal("abc...", Truncate("abcdef", 3))
	assert.Equal("...", Truncate("abc", 0))

	// "é" is two bytes; cutting at 3 would split the second one
	out := Truncate("éé", 3)
	assert.True(utf8.ValidString(out))
	assert.Equal("é...", out)

	long := strings.Repeat("日本語", 50)
	for n := 0; n < 20; n++ {
		out := Truncate(long, n)
		assert.True(utf8.ValidString(out), "max=%d", n)
		assert.LessOrEqual(len(out), n+3)
	}
}
