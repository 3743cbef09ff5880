// ABOUTME: Tests for grapheme-aware message splitting
// ABOUTME: Pins boundary behavior at the length limit and cut preferences

package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLength_CountsGraphemesNotBytes(t *testing.T) {
	assert.Equal(t, 0, Length(""))
	assert.Equal(t, 5, Length("hello"))
	assert.Equal(t, 1, Length("é"))
	assert.Equal(t, 1, Length("🇯🇵"), "a flag is one grapheme")
	assert.Equal(t, 1, Length("👨‍👩‍👧"), "a ZWJ family is one grapheme")
}

func TestSplit_TextAtTheLimitStaysWhole(t *testing.T) {
	text := strings.Repeat("a", MaxMessageLength)

	chunks := Split(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestSplit_OneGraphemeOverBecomesTwo(t *testing.T) {
	text := strings.Repeat("a", MaxMessageLength+1)

	chunks := Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for i, chunk := range chunks {
		assert.LessOrEqual(t, Length(chunk), MaxMessageLength, "chunk %d too long", i)
	}
}

func TestSplit_Text2050BecomesThreeChunks(t *testing.T) {
	text := strings.Repeat("a", 2050)

	chunks := Split(text)
	require.Len(t, chunks, 3)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for i, chunk := range chunks {
		assert.LessOrEqual(t, Length(chunk), MaxMessageLength, "chunk %d too long", i)
	}
}

func TestSplit_PrefersParagraphBreak(t *testing.T) {
	text := strings.Repeat("a", 500) + "\n\n" + strings.Repeat("b", 600)

	chunks := Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 500)+"\n\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 600), chunks[1])
}

func TestSplit_ParagraphWinsOverLaterSentence(t *testing.T) {
	// Break kinds rank by strength, not position: an early blank line
	// beats a later sentence end inside the same window.
	text := strings.Repeat("a", 200) + "\n\n" + strings.Repeat("b", 300) + ". " + strings.Repeat("c", 600)

	chunks := Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, strings.Repeat("a", 200)+"\n\n", chunks[0])
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_FallsBackToSentenceBreak(t *testing.T) {
	text := strings.Repeat("a", 500) + ". " + strings.Repeat("b", 600)

	chunks := Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 500)+". ", chunks[0])
	assert.Equal(t, strings.Repeat("b", 600), chunks[1])
}

func TestSplit_SentenceBreakAcceptsNewlineSeparator(t *testing.T) {
	text := strings.Repeat("a", 500) + "!\n" + strings.Repeat("b", 600)

	chunks := Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 500)+"!\n", chunks[0])
}

func TestSplit_FallsBackToWordBreak(t *testing.T) {
	text := strings.Repeat("a", 500) + " " + strings.Repeat("b", 600)

	chunks := Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 500)+" ", chunks[0])
	assert.Equal(t, strings.Repeat("b", 600), chunks[1])
}

func TestSplit_UnbrokenTextCutsAtTheWindow(t *testing.T) {
	text := strings.Repeat("x", 1500)

	chunks := Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, MaxMessageLength, Length(chunks[0]))
	assert.Equal(t, 500, Length(chunks[1]))
}

func TestSplit_NeverTearsAGrapheme(t *testing.T) {
	// 1200 flags, 8 bytes each; a byte-oriented cut would shear one.
	text := strings.Repeat("🇩🇪", 1200)

	chunks := Split(text)
	require.Len(t, chunks, 2)
	assert.Equal(t, MaxMessageLength, Length(chunks[0]))
	assert.Equal(t, 200, Length(chunks[1]))
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestSplit_ConcatenationIsByteIdentical(t *testing.T) {
	texts := []string{
		strings.Repeat("word boundary test ", 120),
		strings.Repeat("Sentences end here. ", 100),
		strings.Repeat("para\n\nbreak ", 200),
		strings.Repeat("αβγδε", 500),
	}
	for _, text := range texts {
		chunks := Split(text)
		assert.Equal(t, text, strings.Join(chunks, ""))
		for i, chunk := range chunks {
			assert.LessOrEqual(t, Length(chunk), MaxMessageLength, "chunk %d too long", i)
			assert.NotEmpty(t, chunk)
		}
	}
}
