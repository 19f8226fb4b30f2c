package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdemuse/assistant/cache"
	"github.com/verdemuse/assistant/memory"
	"github.com/verdemuse/assistant/retriever"
)

type stubIndex struct {
	passages []retriever.Passage
	err      error
	block    bool
	calls    int
}

func (s *stubIndex) Type() string { return "stub" }

func (s *stubIndex) SimilaritySearch(ctx context.Context, query string, k int) ([]retriever.Passage, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	if k < len(s.passages) {
		return s.passages[:k], nil
	}
	return s.passages, nil
}

type generation struct {
	message  string
	passages []string
	history  []memory.Message
}

type stubGenerator struct {
	mu    sync.Mutex
	calls []generation
	reply func(n int) string
	err   error
	panic bool
}

func (g *stubGenerator) record(message string, passages []string, history []memory.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panic {
		panic("provider exploded")
	}
	g.calls = append(g.calls, generation{message: message, passages: passages, history: history})
	if g.err != nil {
		return "", g.err
	}
	if g.reply != nil {
		return g.reply(len(g.calls)), nil
	}
	return "reply", nil
}

func (g *stubGenerator) Generate(ctx context.Context, message string, history []memory.Message) (string, error) {
	return g.record(message, nil, history)
}

func (g *stubGenerator) GenerateWithContext(ctx context.Context, message string, passages []string, history []memory.Message) (string, error) {
	return g.record(message, passages, history)
}

func newOrchestrator(idx retriever.Index, gen Generator) *Orchestrator {
	o := &Orchestrator{
		Memory:    memory.NewManager(memory.NewInMemoryStore(time.Hour), nil, time.Hour),
		Generator: gen,
		Cache:     cache.NewResponseCache(10),
	}
	if idx != nil {
		o.Index = idx
	}
	return o
}

var wateringPassages = []retriever.Passage{
	{Content: "Water once a week."},
	{Content: "Keep soil moist."},
	{Content: "Avoid cold drafts."},
	{Content: "Fertilize monthly."},
}

func TestTurnWithRetrievedContext(t *testing.T) {
	gen := &stubGenerator{}
	o := newOrchestrator(&stubIndex{passages: wateringPassages}, gen)

	resp, err := o.Turn(context.Background(), TurnRequest{Message: "How often should I water my plant?"})
	require.NoError(t, err)

	_, err = uuid.Parse(resp.ConversationID)
	assert.NoError(t, err)
	assert.Equal(t, "reply", resp.Message)
	require.Len(t, resp.Sources, 3)
	for i, s := range resp.Sources {
		assert.Equal(t, wateringPassages[i].Content, s.Content)
		assert.Equal(t, 0.9, s.Confidence)
	}
	require.Len(t, gen.calls, 1)
	assert.Equal(t, []string{"Water once a week.", "Keep soil moist.", "Avoid cold drafts."}, gen.calls[0].passages)
	assert.Empty(t, gen.calls[0].history)

	msgs := o.Memory.GetConversation(context.Background(), resp.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, memory.RoleUser, msgs[0].Role)
	assert.Equal(t, "How often should I water my plant?", msgs[0].Content)
	assert.Equal(t, memory.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "reply", msgs[1].Content)
}

func TestTurnRepeatedMessageServedFromCache(t *testing.T) {
	gen := &stubGenerator{reply: func(n int) string { return "answer" }}
	o := newOrchestrator(&stubIndex{passages: wateringPassages}, gen)
	ctx := context.Background()

	first, err := o.Turn(ctx, TurnRequest{Message: "How often should I water my plant?"})
	require.NoError(t, err)
	second, err := o.Turn(ctx, TurnRequest{Message: "How often should I water my plant?", ConversationID: first.ConversationID})
	require.NoError(t, err)

	assert.Equal(t, first.Message, second.Message)
	assert.NotNil(t, first.Sources)
	assert.Nil(t, second.Sources)
	assert.Len(t, gen.calls, 1)

	// the cached reply is still recorded in the conversation
	assert.Len(t, o.Memory.GetConversation(ctx, first.ConversationID), 4)
}

func TestTurnCacheScope(t *testing.T) {
	ctx := context.Background()

	global := newOrchestrator(nil, &stubGenerator{})
	_, err := global.Turn(ctx, TurnRequest{Message: "hi", ConversationID: "a"})
	require.NoError(t, err)
	_, err = global.Turn(ctx, TurnRequest{Message: "hi", ConversationID: "b"})
	require.NoError(t, err)
	assert.Len(t, global.Generator.(*stubGenerator).calls, 1)

	scoped := newOrchestrator(nil, &stubGenerator{})
	scoped.CacheScope = CacheScopeConversation
	_, err = scoped.Turn(ctx, TurnRequest{Message: "hi", ConversationID: "a"})
	require.NoError(t, err)
	_, err = scoped.Turn(ctx, TurnRequest{Message: "hi", ConversationID: "b"})
	require.NoError(t, err)
	assert.Len(t, scoped.Generator.(*stubGenerator).calls, 2)
}

func TestTurnRetrievalFailureDegrades(t *testing.T) {
	for name, idx := range map[string]*stubIndex{
		"error":           {err: errors.New("faiss exploded")},
		"not initialized": {err: retriever.ErrIndexNotInitialized},
		"timeout":         {block: true},
	} {
		t.Run(name, func(t *testing.T) {
			gen := &stubGenerator{}
			o := newOrchestrator(idx, gen)
			o.RetrievalTimeout = 20 * time.Millisecond

			resp, err := o.Turn(context.Background(), TurnRequest{Message: "Do you ship to Canada?"})
			require.NoError(t, err)
			assert.Equal(t, "reply", resp.Message)
			assert.Nil(t, resp.Sources)
			require.Len(t, gen.calls, 1)
			assert.Nil(t, gen.calls[0].passages)
		})
	}
}

func TestTurnPassesHistoryInOrder(t *testing.T) {
	gen := &stubGenerator{reply: func(n int) string { return []string{"", "first answer", "second answer", "third answer"}[n] }}
	o := newOrchestrator(nil, gen)
	o.Cache = nil
	ctx := context.Background()

	r1, err := o.Turn(ctx, TurnRequest{Message: "one", ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", r1.ConversationID)
	_, err = o.Turn(ctx, TurnRequest{Message: "two", ConversationID: "conv-1"})
	require.NoError(t, err)
	_, err = o.Turn(ctx, TurnRequest{Message: "three", ConversationID: "conv-1"})
	require.NoError(t, err)

	hist := gen.calls[2].history
	require.Len(t, hist, 4)
	assert.Equal(t, "one", hist[0].Content)
	assert.Equal(t, "first answer", hist[1].Content)
	assert.Equal(t, "two", hist[2].Content)
	assert.Equal(t, "second answer", hist[3].Content)

	meta, ok := o.Memory.GetConversationMetadata(ctx, "conv-1")
	require.True(t, ok)
	assert.Equal(t, 6, meta.MessageCount)
}

func TestTurnCompletionError(t *testing.T) {
	o := newOrchestrator(nil, &stubGenerator{err: errors.New("401 unauthorized")})

	resp, err := o.Turn(context.Background(), TurnRequest{Message: "hi", ConversationID: "c"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrTurnFailed)

	stats := o.Cache.Stats()
	assert.Zero(t, stats.Size)
	// the user message was recorded before generation
	assert.Len(t, o.Memory.GetConversation(context.Background(), "c"), 1)
}

func TestTurnRecoversPanic(t *testing.T) {
	o := newOrchestrator(nil, &stubGenerator{panic: true})
	resp, err := o.Turn(context.Background(), TurnRequest{Message: "hi"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrTurnFailed)
}

type countingCleaner struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingCleaner) CleanupExpiredConversations(ctx context.Context) int {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	return 2
}

func TestJanitorSingleFlight(t *testing.T) {
	c := &countingCleaner{release: make(chan struct{})}
	j := NewJanitor(c, 0, time.Second)

	assert.True(t, j.Schedule())
	assert.False(t, j.Schedule(), "second pass while first is running")

	close(c.release)
	j.Stop()
	assert.Equal(t, int32(1), c.calls.Load())
	assert.False(t, j.Schedule(), "stopped janitor refuses work")
}

func TestJanitorPeriodic(t *testing.T) {
	c := &countingCleaner{}
	j := NewJanitor(c, 10*time.Millisecond, time.Second)
	j.Start()
	assert.Eventually(t, func() bool { return c.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	j.Stop()
}

func TestJanitorScheduleRacingStop(t *testing.T) {
	c := &countingCleaner{}
	j := NewJanitor(c, time.Millisecond, time.Second)
	j.Start()

	var wg sync.WaitGroup
	quit := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-quit:
					return
				default:
					j.Schedule()
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	j.Stop()
	after := c.calls.Load()
	time.Sleep(10 * time.Millisecond)
	close(quit)
	wg.Wait()

	assert.Equal(t, after, c.calls.Load(), "no pass starts once Stop has returned")
	assert.False(t, j.Schedule())
	j.Stop()
}

type panickyCleaner struct{}

func (panickyCleaner) CleanupExpiredConversations(ctx context.Context) int { panic("boom") }

func TestJanitorSurvivesPanic(t *testing.T) {
	j := NewJanitor(panickyCleaner{}, 0, time.Second)
	assert.Zero(t, j.RunOnce())
	assert.True(t, j.Schedule())
	j.Stop()
}

func TestTurnSchedulesCleanup(t *testing.T) {
	c := &countingCleaner{}
	o := newOrchestrator(nil, &stubGenerator{})
	o.Janitor = NewJanitor(c, 0, time.Second)

	_, err := o.Turn(context.Background(), TurnRequest{Message: "hello"})
	require.NoError(t, err)
	o.Janitor.Stop()
	assert.Equal(t, int32(1), c.calls.Load())
}
