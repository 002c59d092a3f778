// ABOUTME: Token counting for usage accounting when the provider omits it
// ABOUTME: Uses a BPE encoding when available, otherwise a length heuristic

package assistant

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// TokenCounter estimates token counts for a model. The encoding is loaded on
// first use.
type TokenCounter struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
}

// NewTokenCounter counts with the encoding for model, falling back to
// cl100k_base. If no encoding can be loaded the counter approximates four
// bytes per token.
func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (c *TokenCounter) load() {
	if c.model != "" {
		if enc, err := tiktoken.EncodingForModel(c.model); err == nil {
			c.enc = enc
			return
		}
	}
	if enc, err := tiktoken.GetEncoding(fallbackEncoding); err == nil {
		c.enc = enc
	}
}

// Count returns the number of tokens in text
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil {
		return approxTokens(text)
	}
	c.once.Do(c.load)
	if c.enc == nil {
		return approxTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func approxTokens(text string) int {
	return (len(text) + 3) / 4
}
