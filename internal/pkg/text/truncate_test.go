package text

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab...", Truncate("abcd", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", -1))
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	msg := "Emir iletilemedi: yetersiz bakiye işlem günü"
	got := Truncate(msg, 20)
	assert.True(t, utf8.ValidString(got), "truncated text must stay valid UTF-8: %q", got)
	assert.Equal(t, string([]rune(msg)[:20])+"...", got)
}
