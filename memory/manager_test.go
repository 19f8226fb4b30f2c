package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdemuse/assistant/common/breaker"
	"github.com/verdemuse/assistant/config"
)

// brokenStore fails every call with err.
type brokenStore struct{ err error }

func (b brokenStore) Get(context.Context, string) ([]Message, error) { return nil, b.err }
func (b brokenStore) Save(context.Context, string, []Message, time.Duration) (Metadata, error) {
	return Metadata{}, b.err
}
func (b brokenStore) Append(context.Context, string, Message, time.Duration) (Metadata, error) {
	return Metadata{}, b.err
}
func (b brokenStore) Delete(context.Context, string) error { return b.err }
func (b brokenStore) Metadata(context.Context, string) (Metadata, bool, error) {
	return Metadata{}, false, b.err
}
func (b brokenStore) CleanupExpired(context.Context) (int, error) { return 0, b.err }
func (b brokenStore) Ping(context.Context) error                  { return b.err }
func (b brokenStore) Close() error                                { return nil }

func TestManagerProperties(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStore(0), nil, 0)

	assert.Empty(t, m.GetConversation(ctx, "unknown"))

	for _, content := range []string{"a", "b", "c"} {
		require.True(t, m.AddMessage(ctx, "p", Message{Role: RoleUser, Content: content}, 0))
	}
	msgs := m.GetConversation(ctx, "p")
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", msgs[2].Content)
	meta, found := m.GetConversationMetadata(ctx, "p")
	require.True(t, found)
	assert.Equal(t, 3, meta.MessageCount)

	saved := []Message{{Role: RoleUser, Content: "x"}, {Role: RoleAssistant, Content: "y"}}
	require.True(t, m.SaveConversation(ctx, "q", saved, 0))
	got := m.GetConversation(ctx, "q")
	require.Len(t, got, 2)
	assert.Equal(t, "y", got[1].Content)

	assert.True(t, m.DeleteConversation(ctx, "q"))
	assert.Empty(t, m.GetConversation(ctx, "q"))
	assert.True(t, m.DeleteConversation(ctx, "q"), "deleting twice still succeeds")
	_, found = m.GetConversationMetadata(ctx, "q")
	assert.False(t, found)
}

func TestManagerRejectsInvalidRole(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStore(0), nil, 0)

	assert.False(t, m.AddMessage(ctx, "r", Message{Role: "bot", Content: "x"}, 0))
	assert.False(t, m.SaveConversation(ctx, "r", []Message{{Role: "", Content: "x"}}, 0))
	assert.Empty(t, m.GetConversation(ctx, "r"))
}

func TestManagerDegradesWithoutFallback(t *testing.T) {
	ctx := context.Background()
	m := NewManager(brokenStore{err: errors.New("boom")}, NewInMemoryStore(0), 0)

	// only ErrUnavailable is routed to the fallback
	assert.Empty(t, m.GetConversation(ctx, "x"))
	assert.False(t, m.AddMessage(ctx, "x", Message{Role: RoleUser, Content: "hi"}, 0))
	assert.False(t, m.SaveConversation(ctx, "x", nil, 0))
	assert.False(t, m.DeleteConversation(ctx, "x"))
	_, found := m.GetConversationMetadata(ctx, "x")
	assert.False(t, found)
	assert.Equal(t, 0, m.CleanupExpiredConversations(ctx))
}

func TestManagerFallsBackWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	primary := brokenStore{err: ErrUnavailable}
	m := NewManager(primary, NewInMemoryStore(0), 0)

	require.True(t, m.AddMessage(ctx, "f", Message{Role: RoleUser, Content: "hello"}, 0))
	require.True(t, m.AddMessage(ctx, "f", Message{Role: RoleAssistant, Content: "hi"}, 0))
	msgs := m.GetConversation(ctx, "f")
	require.Len(t, msgs, 2)
	meta, found := m.GetConversationMetadata(ctx, "f")
	require.True(t, found)
	assert.Equal(t, 2, meta.MessageCount)
}

func TestManagerRedisDownIsStatelessWithoutFallback(t *testing.T) {
	ctx := context.Background()
	rs, err := NewRedisStore(&RedisStoreConfig{
		URL:         deadRedisURL(t),
		DialTimeout: 100 * time.Millisecond,
		Breaker:     breaker.Options{Failures: 1, MinBackoff: time.Hour},
	})
	require.NoError(t, err)
	m := NewManager(rs, nil, 0)

	assert.Empty(t, m.GetConversation(ctx, "down"))
	assert.False(t, m.AddMessage(ctx, "down", Message{Role: RoleUser, Content: "x"}, 0))
}

func TestNewManagerFromConfig(t *testing.T) {
	ctx := context.Background()

	m, err := NewManagerFromConfig(ctx, config.MemoryConfig{Store: "memory", TTLSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.DefaultTTL())
	assert.Nil(t, m.fallback)

	m, err = NewManagerFromConfig(ctx, config.MemoryConfig{Store: "redis", Fallback: "memory", TTLSeconds: 60, Redis: config.RedisConfig{URL: "redis://localhost:6379/0"}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, m.primary)
	assert.IsType(t, &InMemoryStore{}, m.fallback)

	_, err = NewManagerFromConfig(ctx, config.MemoryConfig{Store: "etcd"})
	assert.Error(t, err)

	_, err = NewManagerFromConfig(ctx, config.MemoryConfig{Store: "redis", Redis: config.RedisConfig{URL: "::not a url"}})
	assert.Error(t, err)
}
