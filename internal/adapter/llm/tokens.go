package llm

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"unillm/internal/domain"
)

// DefaultEncoding is the BPE used for estimates when a backend omits usage.
const DefaultEncoding = "cl100k_base"

// perMessageOverhead approximates the role and separator tokens that chat
// formats add around every message.
const perMessageOverhead = 4

// TokenCounter estimates token counts with tiktoken. When the encoding
// cannot be loaded it falls back to one token per four bytes.
type TokenCounter struct {
	encoding string
	logger   *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter for encoding. The encoding is loaded
// lazily on first use.
func NewTokenCounter(encoding string, logger *slog.Logger) *TokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TokenCounter{encoding: encoding, logger: logger}
}

func (c *TokenCounter) load() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.logger.Warn("tiktoken encoding unavailable, using byte estimate",
				"encoding", c.encoding, "error", err)
			return
		}
		c.enc = enc
	})
	return c.enc
}

// Count returns the estimated token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// EstimateUsage estimates usage for a request's messages and the
// completion text produced for it.
func (c *TokenCounter) EstimateUsage(messages []domain.Message, completion string) domain.Usage {
	prompt := 0
	for _, m := range messages {
		prompt += perMessageOverhead + c.Count(m.Content)
		for _, tc := range m.ToolCalls {
			prompt += c.Count(tc.Name) + c.Count(string(tc.Arguments))
		}
	}
	out := c.Count(completion)
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
