// ABOUTME: Splits over-long message text into sibling chunks
// ABOUTME: Grapheme-safe cuts preferring paragraph > sentence > word breaks

package message

import (
	"strings"

	"github.com/rivo/uniseg"
)

// MaxMessageLength is the longest text a single message may carry,
// counted in grapheme clusters. Longer input is split into siblings.
const MaxMessageLength = 1000

// Length counts the grapheme clusters in text. A flag emoji or a
// combining sequence counts as one, whatever its byte length.
func Length(text string) int {
	return uniseg.GraphemeClusterCount(text)
}

// Split breaks text into chunks of at most MaxMessageLength grapheme
// clusters. The chunks concatenate back to text byte for byte. Within
// each window the cut lands on the last break of the strongest kind
// available: a paragraph break, then a sentence end, then a word gap,
// then a bare grapheme boundary.
func Split(text string) []string {
	if Length(text) <= MaxMessageLength {
		return []string{text}
	}

	var chunks []string
	rest := text
	for Length(rest) > MaxMessageLength {
		cut := splitPoint(rest)
		chunks = append(chunks, rest[:cut])
		rest = rest[cut:]
	}
	return append(chunks, rest)
}

// splitPoint returns the byte offset to cut s at. It never exceeds the
// MaxMessageLength grapheme window and always makes progress.
func splitPoint(s string) int {
	w := windowEnd(s)
	window := s[:w]

	// Paragraph break: the blank line stays with the leading chunk.
	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return idx + 2
	}

	// Sentence end: punctuation followed by a separator, cut after the
	// separator. ASCII scanning is UTF-8 safe since no multi-byte
	// sequence contains ASCII bytes.
	for i := w; i >= 2; i-- {
		if isSeparator(s[i-1]) && isSentenceEnd(s[i-2]) {
			return i
		}
	}

	// Word gap: the space stays with the leading chunk.
	if idx := strings.LastIndexByte(window, ' '); idx >= 0 {
		return idx + 1
	}

	// No better boundary; cut at the window itself, which is a grapheme
	// cluster boundary by construction.
	return w
}

func isSentenceEnd(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isSeparator(b byte) bool {
	return b == ' ' || b == '\n'
}

// windowEnd returns the byte offset just past the MaxMessageLength-th
// grapheme cluster of s, or len(s) when s is shorter.
func windowEnd(s string) int {
	rest := s
	state := -1
	end := 0
	for i := 0; i < MaxMessageLength && rest != ""; i++ {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		end += len(cluster)
	}
	return end
}
