package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const tokenEncoding = "o200k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(tokenEncoding)
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens returns the token count of text under the o200k_base
// encoding, falling back to a rune-based estimate if the encoding
// cannot be loaded.
func CountTokens(text string) int {
	e := getEncoding()
	if e == nil {
		return len([]rune(text)) / 4
	}
	return len(e.Encode(text, nil, nil))
}

// TrimToTokens truncates text so it fits in maxTokens. Page reads feed
// oracle context directly; unbounded pages would starve the rest of the
// transcript.
func TrimToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	e := getEncoding()
	if e == nil {
		limit := maxTokens * 4
		runes := []rune(text)
		if len(runes) <= limit {
			return text
		}
		return string(runes[:limit])
	}
	tokens := e.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return e.Decode(tokens[:maxTokens])
}
