package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/verdemuse/assistant/common/httpx"
	"github.com/verdemuse/assistant/config"
	"github.com/verdemuse/assistant/memory"
	"github.com/verdemuse/assistant/metrics"
)

var ErrEmptyCompletion = errors.New("completion returned no choices")

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client       openai.Client
	providerType string
	model        string
	temperature  float64
	maxTokens    int
	timeout      time.Duration
}

func NewOpenAIProvider(cfg config.LLMConfig, hc *httpx.Client, providerType string) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s provider: api key is required", providerType)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc.HTTPClient()))
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	return &OpenAIProvider{
		client:       openai.NewClient(opts...),
		providerType: providerType,
		model:        model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout(),
	}, nil
}

func (p *OpenAIProvider) GetProviderType() string { return p.providerType }

func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (text string, err error) {
	start := time.Now()
	defer func() { metrics.ObserveCompletion(p.model, start, err) }()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	params := openai.ChatCompletionNewParams{
		Messages: toParams(messages),
		Model:    openai.ChatModel(p.model),
	}
	if p.temperature > 0 {
		params.Temperature = openai.Float(p.temperature)
	}
	if p.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.maxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", p.providerType, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case memory.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case memory.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case memory.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
