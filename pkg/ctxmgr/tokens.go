// Package ctxmgr implements the four-level context hierarchy (Global,
// Session, Workflow, Node), token usage tracking, and the warning/
// saturation policy that triggers memory distillation.
package ctxmgr

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the number of tokens a piece of text costs
// against a given model. Counting errors never block execution: callers
// fall back to the heuristic counter rather than failing the request.
type TokenCounter interface {
	Count(model, text string) int
}

// TiktokenCounter counts tokens using the tiktoken-go BPE encoder for the
// OpenAI model family. It lazily builds and caches one encoding per model
// name.
type TiktokenCounter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewTiktokenCounter constructs an empty, ready-to-use counter.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns text's token count for model, or 0 if the model is not
// recognized by tiktoken-go (callers should treat 0 as "use the heuristic
// counter instead").
func (c *TiktokenCounter) Count(model, text string) int {
	c.mu.Lock()
	enc, ok := c.encoders[model]
	c.mu.Unlock()
	if !ok {
		var err error
		enc, err = tiktoken.EncodingForModel(model)
		if err != nil {
			return 0
		}
		c.mu.Lock()
		c.encoders[model] = enc
		c.mu.Unlock()
	}
	return len(enc.Encode(text, nil, nil))
}

// HeuristicCounter estimates tokens without any model-specific encoder:
// English-like text at roughly 4 characters per token, CJK-heavy text at
// roughly 1.5 characters per token.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(_ string, text string) int {
	if text == "" {
		return 0
	}
	total := 0
	cjk := 0
	for _, r := range text {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	if total == 0 {
		return 0
	}
	if float64(cjk)/float64(total) > 0.3 {
		n := float64(total) / 1.5
		return int(n + 0.5)
	}
	n := float64(total) / 4.0
	return int(n + 0.5)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK unified ideographs
		(r >= 0x3040 && r <= 0x30FF) || // hiragana/katakana
		(r >= 0xAC00 && r <= 0xD7A3) // hangul syllables
}

// FallbackCounter tries a tiktoken-backed counter first (for models
// tiktoken recognizes) and falls back to the heuristic counter otherwise,
// never returning an error.
type FallbackCounter struct {
	Primary  TokenCounter
	Fallback TokenCounter
}

// NewFallbackCounter builds the standard counter: tiktoken first, then
// the character-heuristic.
func NewFallbackCounter() *FallbackCounter {
	return &FallbackCounter{Primary: NewTiktokenCounter(), Fallback: HeuristicCounter{}}
}

// Count implements TokenCounter.
func (f *FallbackCounter) Count(model, text string) int {
	if strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "text-") {
		if n := f.Primary.Count(model, text); n > 0 {
			return n
		}
	}
	return f.Fallback.Count(model, text)
}
