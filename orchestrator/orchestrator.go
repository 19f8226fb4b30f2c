package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdemuse/assistant/cache"
	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/memory"
	"github.com/verdemuse/assistant/metrics"
	"github.com/verdemuse/assistant/retriever"
)

const (
	DefaultTopK             = 3
	DefaultRetrievalTimeout = 5 * time.Second
	SourceConfidence        = 0.9

	CacheScopeGlobal       = "global"
	CacheScopeConversation = "conversation"
)

var ErrTurnFailed = errors.New("chat turn failed")

// Generator produces the assistant reply, with or without retrieved passages.
type Generator interface {
	Generate(ctx context.Context, message string, history []memory.Message) (string, error)
	GenerateWithContext(ctx context.Context, message string, passages []string, history []memory.Message) (string, error)
}

type TurnRequest struct {
	Message        string
	ConversationID string
	UserID         string
}

type Source struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

type TurnResponse struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id"`
	Sources        []Source `json:"sources"`
}

// Orchestrator runs one chat turn end to end. Index, Cache and Janitor are
// optional; a nil Index behaves as an index that never returns passages.
type Orchestrator struct {
	Memory    *memory.Manager
	Index     retriever.Index
	Generator Generator
	Cache     *cache.ResponseCache
	Janitor   *Janitor

	TopK             int
	RetrievalTimeout time.Duration
	CacheScope       string
	TTL              time.Duration
}

// Turn handles one user message. Errors returned wrap ErrTurnFailed and
// carry internal detail meant for logs, not for clients.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (resp *TurnResponse, err error) {
	start := time.Now()
	id := req.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	log := logger.WithContext(map[string]interface{}{"conversation_id": id})

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("chat turn panicked: %v\n%s", r, debug.Stack())
			resp, err = nil, fmt.Errorf("%w: panic: %v", ErrTurnFailed, r)
		}
		metrics.ObserveTurn(start, err)
	}()

	history := o.Memory.GetConversation(ctx, id)
	o.Memory.AddMessage(ctx, id, memory.Message{Role: memory.RoleUser, Content: req.Message}, o.TTL)

	msgDigest := o.messageDigest(id, req.Message)
	passages := o.retrieve(ctx, id, req.Message)
	ctxDigest := cache.ContextDigest(passages)

	var (
		text    string
		sources []Source
	)
	cached, hit := o.lookup(msgDigest, ctxDigest)
	switch {
	case hit:
		text = cached
		log.Debugf("response served from cache")
	case len(passages) > 0:
		text, err = o.Generator.GenerateWithContext(ctx, req.Message, passages, history)
		if err != nil {
			return nil, fmt.Errorf("%w: generate with context: %v", ErrTurnFailed, err)
		}
		sources = make([]Source, len(passages))
		for i, p := range passages {
			sources[i] = Source{Content: p, Confidence: SourceConfidence}
		}
		o.store(msgDigest, ctxDigest, text)
	default:
		text, err = o.Generator.Generate(ctx, req.Message, history)
		if err != nil {
			return nil, fmt.Errorf("%w: generate: %v", ErrTurnFailed, err)
		}
		o.store(msgDigest, ctxDigest, text)
	}

	o.Memory.AddMessage(ctx, id, memory.Message{Role: memory.RoleAssistant, Content: text}, o.TTL)

	if o.Janitor != nil {
		o.Janitor.Schedule()
	}

	return &TurnResponse{Message: text, ConversationID: id, Sources: sources}, nil
}

func (o *Orchestrator) messageDigest(id, message string) string {
	if strings.EqualFold(o.CacheScope, CacheScopeConversation) {
		return cache.Digest(id + "|" + message)
	}
	return cache.Digest(message)
}

func (o *Orchestrator) lookup(msgDigest, ctxDigest string) (string, bool) {
	if o.Cache == nil {
		return "", false
	}
	text, ok := o.Cache.Lookup(msgDigest, ctxDigest)
	metrics.IncResponseCache(ok)
	return text, ok
}

func (o *Orchestrator) store(msgDigest, ctxDigest, text string) {
	if o.Cache != nil {
		o.Cache.Store(msgDigest, ctxDigest, text)
	}
}

// retrieve returns passage contents, most relevant first. Index faults and
// timeouts are logged and yield no passages.
func (o *Orchestrator) retrieve(ctx context.Context, id, message string) []string {
	if o.Index == nil {
		return nil
	}
	k := o.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	timeout := o.RetrievalTimeout
	if timeout <= 0 {
		timeout = DefaultRetrievalTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	found, err := o.Index.SimilaritySearch(rctx, message, k)
	metrics.ObserveRetrieval(o.Index.Type(), start, len(found), err)
	if err != nil {
		lvl := logger.WithContext(map[string]interface{}{"conversation_id": id, "provider": o.Index.Type()})
		if errors.Is(err, retriever.ErrIndexNotInitialized) {
			lvl.Warnf("document index not initialized, answering without context")
		} else {
			lvl.Errorf("retrieval failed, answering without context: %v", err)
		}
		return nil
	}
	return retriever.Contents(found)
}
