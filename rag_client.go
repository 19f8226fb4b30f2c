package rag

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/verdemuse/assistant/cache"
	"github.com/verdemuse/assistant/common/httpx"
	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/config"
	"github.com/verdemuse/assistant/llm"
	"github.com/verdemuse/assistant/memory"
	"github.com/verdemuse/assistant/orchestrator"
	"github.com/verdemuse/assistant/retriever"
)

// RAGClient owns every long-lived component of the assistant. It is built
// once at process start and shared by the HTTP and MCP surfaces.
type RAGClient struct {
	config      *config.Config
	memory      *memory.Manager
	index       retriever.Index
	llmProvider llm.Provider
	cache       *cache.ResponseCache
	janitor     *orchestrator.Janitor
	orch        *orchestrator.Orchestrator
}

// NewRAGClient creates the conversation store, document index, completion
// provider and response cache described by cfg.
func NewRAGClient(ctx context.Context, cfg *config.Config) (*RAGClient, error) {
	hc := httpx.NewFromConfig(&cfg.HTTP)

	manager, err := memory.NewManagerFromConfig(ctx, cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("create conversation store failed, err: %w", err)
	}

	index, err := retriever.New(cfg, hc)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("create document index failed, err: %w", err)
	}

	provider, err := llm.NewLLMProvider(cfg.LLM, hc)
	if err != nil {
		manager.Close()
		closeIndex(index)
		return nil, fmt.Errorf("create llm provider failed, err: %w", err)
	}

	return newRAGClient(cfg, manager, index, provider), nil
}

func newRAGClient(cfg *config.Config, manager *memory.Manager, index retriever.Index, provider llm.Provider) *RAGClient {
	c := &RAGClient{
		config:      cfg,
		memory:      manager,
		index:       index,
		llmProvider: provider,
	}
	if cfg.Cache.Enabled {
		c.cache = cache.NewResponseCache(cfg.Cache.Capacity)
	}
	c.janitor = orchestrator.NewJanitor(manager, cfg.Memory.CleanupInterval(), cfg.Memory.CleanupTimeout())
	c.orch = &orchestrator.Orchestrator{
		Memory: manager,
		Index:  index,
		Generator: &llm.Generator{
			Provider:         provider,
			SystemPrompt:     cfg.LLM.SystemPrompt,
			MaxHistoryTokens: cfg.LLM.MaxHistoryTokens,
		},
		Cache:            c.cache,
		Janitor:          c.janitor,
		TopK:             cfg.Retriever.TopK,
		RetrievalTimeout: cfg.Retriever.Timeout(),
		CacheScope:       cfg.Cache.Scope,
		TTL:              cfg.Memory.TTL(),
	}
	indexType := "none"
	if index != nil {
		indexType = index.Type()
	}
	logger.Infof("rag client ready: store=%s index=%s llm=%s cache=%v", cfg.Memory.Store, indexType, provider.GetProviderType(), cfg.Cache.Enabled)
	return c
}

// Start launches background housekeeping.
func (c *RAGClient) Start() {
	c.janitor.Start()
}

func (c *RAGClient) Chat(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResponse, error) {
	return c.orch.Turn(ctx, req)
}

func (c *RAGClient) Memory() *memory.Manager { return c.memory }

// CacheStats reports response cache occupancy. A disabled cache reports
// zero size against the configured limit.
func (c *RAGClient) CacheStats() cache.Stats {
	if c.cache == nil {
		return cache.Stats{Limit: c.config.Cache.Capacity}
	}
	return c.cache.Stats()
}

// Close stops housekeeping and releases the store and index.
func (c *RAGClient) Close() error {
	c.janitor.Stop()
	err := c.memory.Close()
	if cerr := closeIndex(c.index); err == nil {
		err = cerr
	}
	return err
}

func closeIndex(index retriever.Index) error {
	if closer, ok := index.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var errNoWriter = errors.New("configured index does not accept documents")

// IndexWriter exposes the document index for ingestion.
func (c *RAGClient) IndexWriter() (retriever.Writer, error) {
	w, ok := c.index.(retriever.Writer)
	if !ok {
		return nil, errNoWriter
	}
	return w, nil
}
