package memory

import (
	"context"
	"errors"
	"time"

	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/metrics"
)

// Manager is the conversation store facade used by request handlers.
// None of its operations return errors: faults are logged and degrade to
// an empty or negative result so a storage outage turns the assistant
// stateless instead of failing requests. When the primary backend is
// unreachable and a fallback is configured, operations are served from it.
type Manager struct {
	primary    Store
	fallback   Store
	defaultTTL time.Duration
}

// NewManager wires a primary store with an optional fallback (may be nil).
func NewManager(primary, fallback Store, defaultTTL time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Manager{primary: primary, fallback: fallback, defaultTTL: defaultTTL}
}

// DefaultTTL reports the ttl applied when callers pass zero.
func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// route runs op against the primary and retries it on the fallback when
// the primary is unavailable.
func (m *Manager) route(name string, op func(Store) error) error {
	err := op(m.primary)
	if err == nil || m.fallback == nil || !errors.Is(err, ErrUnavailable) {
		return err
	}
	metrics.IncStoreFallback(name)
	logger.Debugf("conversation store unavailable, serving %s from fallback: %v", name, err)
	return op(m.fallback)
}

func (m *Manager) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return m.defaultTTL
	}
	return ttl
}

func (m *Manager) degrade(op, id string, err error) {
	metrics.IncStoreError(op)
	logger.WithContext(map[string]interface{}{"conversation_id": id, "op": op}).
		Errorf("conversation store %s failed: %v", op, err)
}

// GetConversation returns the ordered messages for id, or an empty slice
// when unknown, expired or unreadable.
func (m *Manager) GetConversation(ctx context.Context, id string) []Message {
	var msgs []Message
	err := m.route("get", func(s Store) error {
		var err error
		msgs, err = s.Get(ctx, id)
		return err
	})
	if err != nil {
		m.degrade("get", id, err)
		return []Message{}
	}
	if msgs == nil {
		return []Message{}
	}
	return msgs
}

// SaveConversation overwrites the history for id.
func (m *Manager) SaveConversation(ctx context.Context, id string, msgs []Message, ttl time.Duration) bool {
	for _, msg := range msgs {
		if !msg.Role.Valid() {
			logger.Warnf("refusing to save conversation %s: invalid role %q", id, msg.Role)
			return false
		}
	}
	now := time.Now()
	stamped := make([]Message, len(msgs))
	for i, msg := range msgs {
		stamped[i] = stamp(msg, now)
	}
	err := m.route("save", func(s Store) error {
		_, err := s.Save(ctx, id, stamped, m.ttl(ttl))
		return err
	})
	if err != nil {
		m.degrade("save", id, err)
		return false
	}
	return true
}

// AddMessage appends msg to the history for id, stamping it when its
// timestamp is zero.
func (m *Manager) AddMessage(ctx context.Context, id string, msg Message, ttl time.Duration) bool {
	if !msg.Role.Valid() {
		logger.Warnf("refusing to append to conversation %s: invalid role %q", id, msg.Role)
		return false
	}
	err := m.route("append", func(s Store) error {
		_, err := s.Append(ctx, id, msg, m.ttl(ttl))
		return err
	})
	if err != nil {
		m.degrade("append", id, err)
		return false
	}
	return true
}

// DeleteConversation removes id; deleting an absent conversation succeeds.
func (m *Manager) DeleteConversation(ctx context.Context, id string) bool {
	err := m.route("delete", func(s Store) error {
		return s.Delete(ctx, id)
	})
	if err != nil {
		m.degrade("delete", id, err)
		return false
	}
	return true
}

// GetConversationMetadata returns the metadata for id and whether it exists.
func (m *Manager) GetConversationMetadata(ctx context.Context, id string) (Metadata, bool) {
	var meta Metadata
	var found bool
	err := m.route("metadata", func(s Store) error {
		var err error
		meta, found, err = s.Metadata(ctx, id)
		return err
	})
	if err != nil {
		m.degrade("metadata", id, err)
		return Metadata{}, false
	}
	return meta, found
}

// CleanupExpiredConversations runs housekeeping on the primary store and,
// when present, the fallback. It returns the number of conversations found
// expired.
func (m *Manager) CleanupExpiredConversations(ctx context.Context) int {
	total := 0
	n, err := m.primary.CleanupExpired(ctx)
	if err != nil {
		m.degrade("cleanup", "", err)
	} else {
		total += n
	}
	if m.fallback != nil {
		if n, err := m.fallback.CleanupExpired(ctx); err == nil {
			total += n
		}
	}
	return total
}

// Ping reports whether the primary store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.primary.Ping(ctx)
}

func (m *Manager) Close() error {
	err := m.primary.Close()
	if m.fallback != nil {
		if ferr := m.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
