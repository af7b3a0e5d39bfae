// Package tokens estimates token counts for backend request and response
// text, filling the per-trace token metrics when the backend does not
// report usage itself.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// charsPerToken is the rough ratio used when the tokenizer is unavailable.
const charsPerToken = 4

// Estimator counts tokens with a cl100k_base tokenizer, falling back to a
// character-ratio estimate if the codec cannot be loaded. Safe for
// concurrent use.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewEstimator creates a lazy-initialized estimator. The tokenizer codec is
// loaded on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count returns the token count for text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		e.codec, e.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if e.err != nil || e.codec == nil {
		return fallbackCount(text)
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return fallbackCount(text)
	}
	return len(ids)
}

func fallbackCount(text string) int {
	n := utf8.RuneCountInString(text)
	count := n / charsPerToken
	if n%charsPerToken != 0 {
		count++
	}
	return count
}
