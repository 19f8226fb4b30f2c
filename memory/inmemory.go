package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps conversations in process memory with lazy expiry.
// It serves development setups and acts as the fallback when Redis is down.
type InMemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]*memEntry
	defaultTTL time.Duration
	now        func() time.Time
}

type memEntry struct {
	messages []Message
	meta     Metadata
	expires  time.Time
}

func NewInMemoryStore(defaultTTL time.Duration) *InMemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &InMemoryStore{
		entries:    make(map[string]*memEntry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

func (s *InMemoryStore) live(id string, now time.Time) (*memEntry, bool) {
	e, ok := s.entries[id]
	if !ok || !now.Before(e.expires) {
		return nil, false
	}
	return e, true
}

func (s *InMemoryStore) Get(ctx context.Context, id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(id, s.now())
	if !ok {
		return []Message{}, nil
	}
	return cloneMessages(e.messages), nil
}

func (s *InMemoryStore) Save(ctx context.Context, id string, msgs []Message, ttl time.Duration) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(id, cloneMessages(msgs), ttl), nil
}

func (s *InMemoryStore) saveLocked(id string, msgs []Message, ttl time.Duration) Metadata {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	meta := newMetadata(id, msgs, ttl, now)
	s.entries[id] = &memEntry{messages: msgs, meta: meta, expires: now.Add(ttl)}
	return meta
}

func (s *InMemoryStore) Append(ctx context.Context, id string, msg Message, ttl time.Duration) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var msgs []Message
	if e, ok := s.live(id, now); ok {
		msgs = cloneMessages(e.messages)
	}
	msgs = append(msgs, stamp(msg, now))
	return s.saveLocked(id, msgs, ttl), nil
}

func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Metadata(ctx context.Context, id string) (Metadata, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.live(id, s.now())
	if !ok {
		return Metadata{}, false, nil
	}
	return e.meta, true, nil
}

// CleanupExpired removes expired entries and returns how many it removed.
func (s *InMemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for id, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
