package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/verdemuse/assistant/common/httpx"
	"github.com/verdemuse/assistant/config"
	"github.com/verdemuse/assistant/memory"
)

const (
	PROVIDER_TYPE_OPENAI  = "openai"
	PROVIDER_TYPE_MISTRAL = "mistral"
)

// Message is one entry of a chat completion request.
type Message struct {
	Role    memory.Role
	Content string
}

// Provider produces the assistant reply for an ordered message list.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	GetProviderType() string
}

// NewLLMProvider creates the completion provider selected by cfg. Both
// supported providers speak the OpenAI chat completions protocol; they
// differ only in the default endpoint.
func NewLLMProvider(cfg config.LLMConfig, hc *httpx.Client) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case PROVIDER_TYPE_MISTRAL, "":
		if cfg.BaseURL == "" {
			cfg.BaseURL = config.DefaultMistralBase
		}
		return NewOpenAIProvider(cfg, hc, PROVIDER_TYPE_MISTRAL)
	case PROVIDER_TYPE_OPENAI:
		return NewOpenAIProvider(cfg, hc, PROVIDER_TYPE_OPENAI)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
