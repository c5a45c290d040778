package truncate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_NoTruncationNeeded(t *testing.T) {
	r := Apply("hello", 100, Head)
	assert.False(t, r.Truncated)
	assert.Equal(t, "hello", r.Output)
	assert.Equal(t, 5, r.OriginalBytes)
}

func TestApply_Head(t *testing.T) {
	r := Apply("0123456789", 4, Head)
	require.True(t, r.Truncated)
	assert.Equal(t, "0123", r.Output)
}

func TestApply_Tail(t *testing.T) {
	r := Apply("0123456789", 4, Tail)
	require.True(t, r.Truncated)
	assert.Equal(t, "6789", r.Output)
}

func TestApply_HeadAndTail(t *testing.T) {
	r := Apply("0123456789", 4, HeadAndTail)
	require.True(t, r.Truncated)
	assert.Equal(t, "0189", r.Output)
}

func TestApply_NeverSplitsRune(t *testing.T) {
	s := strings.Repeat("a", 10) + "日本語"
	// "日" starts at byte 10 and is 3 bytes wide. Ask for a budget that
	// lands mid-rune and confirm the output is still valid UTF-8.
	r := Apply(s, 11, Head)
	assert.True(t, strings.HasPrefix(s, r.Output))
	for i, rv := range r.Output {
		_ = i
		_ = rv
	}
	assert.LessOrEqual(t, len(r.Output), 11)
	assert.Equal(t, "aaaaaaaaaa", r.Output)
}

func TestApply_TailNeverSplitsRune(t *testing.T) {
	s := "日本語" + strings.Repeat("b", 10)
	r := Apply(s, 11, Tail)
	assert.True(t, strings.HasSuffix(s, r.Output))
	assert.LessOrEqual(t, len(r.Output), 11)
	assert.Equal(t, strings.Repeat("b", 10), r.Output)
}

func TestApply_ZeroBudget(t *testing.T) {
	r := Apply("abc", 0, Head)
	assert.False(t, r.Truncated)
	assert.Equal(t, "abc", r.Output)
}
