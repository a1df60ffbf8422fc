// Package tokens estimates prompt sizes with tiktoken encodings. Counts are
// exact for OpenAI models and a close estimate for everything else.
package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/refrain2333/Refrain/kernel/model"
)

// Chat framing overhead used by OpenAI chat models.
const (
	tokensPerMessage  = 3
	tokensPerRole     = 1
	tokensPerToolCall = 3
	assistantPriming  = 3
)

// Counter caches one codec per encoding.
type Counter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

func NewCounter() *Counter {
	return &Counter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

func (c *Counter) codec(modelName string) (tokenizer.Codec, error) {
	encoding := encodingFor(modelName)

	c.mu.RLock()
	if cached, ok := c.codecs[encoding]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("tokens: encoding %s: %w", encoding, err)
	}
	c.mu.Lock()
	c.codecs[encoding] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps a model id onto its tokenizer encoding. Models outside the
// OpenAI families fall back to cl100k_base.
func encodingFor(modelName string) tokenizer.Encoding {
	name := strings.ToLower(strings.TrimSpace(modelName))
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	switch {
	case strings.HasPrefix(name, "gpt-5"),
		strings.HasPrefix(name, "gpt-4.1"),
		strings.HasPrefix(name, "gpt-4o"),
		strings.HasPrefix(name, "o1"),
		strings.HasPrefix(name, "o3"),
		strings.HasPrefix(name, "o4"):
		return tokenizer.O200kBase
	default:
		return tokenizer.Cl100kBase
	}
}

// CountText returns the token count of text.
func (c *Counter) CountText(modelName, text string) (int, error) {
	codec, err := c.codec(modelName)
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// CountMessages estimates the prompt tokens of a chat transcript. It matches
// providers.TokenCounter and returns 0 when no codec is available.
func (c *Counter) CountMessages(modelName string, messages []model.Message) int {
	codec, err := c.codec(modelName)
	if err != nil {
		return 0
	}
	encode := func(s string) int {
		if s == "" {
			return 0
		}
		ids, _, _ := codec.Encode(s)
		return len(ids)
	}
	total := 0
	for _, msg := range messages {
		total += tokensPerMessage + tokensPerRole
		total += encode(msg.Content)
		for _, call := range msg.ToolCalls {
			total += encode(call.FunctionName) + encode(call.FunctionArgs) + tokensPerToolCall
		}
	}
	if len(messages) > 0 {
		total += assistantPriming
	}
	return total
}
