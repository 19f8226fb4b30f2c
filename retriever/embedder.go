package retriever

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"gonum.org/v1/gonum/floats"

	"github.com/verdemuse/assistant/common/httpx"
	"github.com/verdemuse/assistant/config"
)

// Embedder converts text into L2-normalized vectors.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// NewEmbedder builds the embedder selected by cfg.
func NewEmbedder(cfg config.EmbeddingConfig, hc *httpx.Client) (Embedder, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "hashing":
		return NewHashingEmbedder(cfg.Dimensions), nil
	case "openai":
		return NewOpenAIEmbedder(cfg, hc)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// HashingEmbedder maps tokens into a fixed number of buckets with signed
// feature hashing. It needs no corpus preparation and no network, so query
// and document vectors stay comparable across processes.
type HashingEmbedder struct {
	dim          int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashingEmbedder{
		dim:          dim,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}
}

func (e *HashingEmbedder) Name() string { return "hashing" }

func (e *HashingEmbedder) Dimension() int { return e.dim }

func (e *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashingEmbedder) embedOne(text string) []float64 {
	vec := make([]float64, e.dim)
	for _, tok := range e.tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := e.stopwords[tok]; stop {
			continue
		}
		h := xxhash.Sum64String(tok)
		sign := 1.0
		if h&(1<<63) != 0 {
			sign = -1.0
		}
		vec[h%uint64(e.dim)] += sign
	}
	normalize(vec)
	return vec
}

func normalize(v []float64) {
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "can", "do", "does", "for",
		"from", "how", "i", "in", "is", "it", "my", "of", "on", "or", "should", "the",
		"this", "to", "what", "when", "with", "you", "your",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dim    int
}

func NewOpenAIEmbedder(cfg config.EmbeddingConfig, hc *httpx.Client) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedder: api key is required")
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
		model = "text-embedding-3-small"
	}
	return &OpenAIEmbedder{client: openai.NewClient(opts...), model: model, dim: cfg.Dimensions}, nil
}

func (e *OpenAIEmbedder) Name() string { return "openai:" + e.model }

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dim > 0 {
		params.Dimensions = openai.Int(int64(e.dim))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		vec := append([]float64(nil), d.Embedding...)
		normalize(vec)
		out[d.Index] = vec
	}
	return out, nil
}
