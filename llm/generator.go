package llm

import (
	"context"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/memory"
)

// TokenCounter estimates the prompt tokens used by a text.
type TokenCounter func(text string) int

// Generator turns a user message, optional passages and history into a reply.
type Generator struct {
	Provider     Provider
	SystemPrompt string
	// MaxHistoryTokens bounds the history sent with each request, dropping
	// the oldest entries first. Zero sends the whole history.
	MaxHistoryTokens int
	Counter          TokenCounter

	counterOnce sync.Once
}

func (g *Generator) systemPrompt() string {
	if g.SystemPrompt == "" {
		return DefaultSystemPrompt
	}
	return g.SystemPrompt
}

// Generate answers without retrieved context.
func (g *Generator) Generate(ctx context.Context, message string, history []memory.Message) (string, error) {
	return g.Provider.Complete(ctx, BuildMessages(g.systemPrompt(), g.window(history), message))
}

// GenerateWithContext answers with the passages embedded in the system prompt.
func (g *Generator) GenerateWithContext(ctx context.Context, message string, passages []string, history []memory.Message) (string, error) {
	system := ContextSystemPrompt(g.systemPrompt(), passages)
	return g.Provider.Complete(ctx, BuildMessages(system, g.window(history), message))
}

// window keeps the newest suffix of history that fits MaxHistoryTokens.
func (g *Generator) window(history []memory.Message) []memory.Message {
	if g.MaxHistoryTokens <= 0 || len(history) == 0 {
		return history
	}
	g.counterOnce.Do(func() {
		if g.Counter == nil {
			g.Counter = NewTiktokenCounter("cl100k_base")
		}
	})
	budget := g.MaxHistoryTokens
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := g.Counter(history[i].Content)
		if n > budget {
			break
		}
		budget -= n
		start = i
	}
	if start > 0 {
		logger.Debugf("history window dropped %d of %d messages", start, len(history))
	}
	return history[start:]
}

// NewTiktokenCounter counts BPE tokens with the named encoding. When the
// encoding cannot be loaded it estimates four characters per token.
func NewTiktokenCounter(encoding string) TokenCounter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warnf("tiktoken encoding %s unavailable, estimating tokens: %v", encoding, err)
		return EstimateTokens
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

func EstimateTokens(text string) int {
	return (len([]rune(text)) + 3) / 4
}
