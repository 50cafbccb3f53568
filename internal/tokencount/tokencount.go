// Package tokencount provides a deterministic token counter shared by the
// chunker and the translation worker so that both sides of a chunk boundary
// agree on size.
package tokencount

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

var encoder *tiktoken.Tiktoken

func init() {
	var err error
	encoder, err = tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken cl100k_base unavailable, using word-based estimate")
	}
}

// Count returns the token count for text using the cl100k_base encoding,
// falling back to a word-based estimate if the encoder failed to load.
//
// Both the chunker and the worker call Count on the same text, so the two
// counts always agree exactly; the only place estimate and true count can
// diverge is at a merge boundary, where at most two tokens are re-tokenized
// together with their neighbor.
func Count(text string) int {
	if text == "" {
		return 0
	}
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return int(float64(len(strings.Fields(text))) * 1.33)
}

// Tail returns the suffix of text made up of its last n tokens, the way the
// chunker derives a chunk's overlap tail to carry forward as the next
// chunk's previous_summary. Falls back to a word-based suffix when the
// encoder failed to load.
func Tail(text string, n int) string {
	if text == "" || n <= 0 {
		return ""
	}
	if encoder != nil {
		ids := encoder.Encode(text, nil, nil)
		if n >= len(ids) {
			return text
		}
		return encoder.Decode(ids[len(ids)-n:])
	}
	words := strings.Fields(text)
	wantWords := int(float64(n) / 1.33)
	if wantWords <= 0 {
		wantWords = 1
	}
	if wantWords >= len(words) {
		return text
	}
	return strings.Join(words[len(words)-wantWords:], " ")
}
