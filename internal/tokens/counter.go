// Package tokens estimates token usage locally when a provider does not
// report it. Counts use the cl100k_base encoding and fall back to a
// character heuristic when the encoding cannot be loaded.
package tokens

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/HyphaGroup/runloom/internal/conversation"
)

const (
	encodingName = "cl100k_base"
	// chat framing overhead per message and for the reply primer
	perMessageTokens  = 4
	replyPrimerTokens = 3

	defaultCacheSize = 2048
)

// Counter counts tokens. History messages repeat across passes of a run so
// per-message counts are cached by content hash.
type Counter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
	cache    *lru.Cache[string, int]
}

// NewCounter creates a counter with a bounded cache
func NewCounter(cacheSize int) *Counter {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	// lru.New only fails on a non-positive size
	cache, _ := lru.New[string, int](cacheSize)
	return &Counter{cache: cache}
}

var defaultCounter = NewCounter(defaultCacheSize)

// Default returns the process-wide counter
func Default() *Counter { return defaultCounter }

func (c *Counter) enc() *tiktoken.Tiktoken {
	c.once.Do(func() {
		if enc, err := tiktoken.GetEncoding(encodingName); err == nil {
			c.encoding = enc
		}
	})
	return c.encoding
}

// Count returns the token count of text
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.enc(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// CountMessages returns the prompt size of msgs including chat framing
func (c *Counter) CountMessages(msgs []conversation.Message) int {
	total := replyPrimerTokens
	for _, m := range msgs {
		key := messageKey(m)
		if n, ok := c.cache.Get(key); ok {
			total += n
			continue
		}
		n := perMessageTokens + c.Count(m.Role) + c.Count(m.Content) + c.Count(m.Name)
		for _, tc := range m.ToolCalls {
			n += c.Count(tc.Name) + c.Count(tc.Raw)
		}
		c.cache.Add(key, n)
		total += n
	}
	return total
}

// Estimate builds a usage record for a pass from its prompt and completion
func (c *Counter) Estimate(prompt []conversation.Message, completion string) conversation.Usage {
	p := c.CountMessages(prompt)
	out := c.Count(completion)
	return conversation.Usage{
		PromptTokens:     p,
		CompletionTokens: out,
		TotalTokens:      p + out,
		Estimated:        true,
	}
}

func messageKey(m conversation.Message) string {
	h := sha256.New()
	h.Write([]byte(m.Role))
	h.Write([]byte{0})
	h.Write([]byte(m.Name))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	for _, tc := range m.ToolCalls {
		h.Write([]byte{0})
		h.Write([]byte(tc.Name))
		h.Write([]byte(tc.Raw))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EstimateFast is max(runes/4, words), at least 1 for non-blank text
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
