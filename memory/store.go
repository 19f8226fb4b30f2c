package memory

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultTTL applies when a caller passes a non-positive ttl.
const DefaultTTL = time.Hour

var (
	// ErrUnavailable marks faults reaching the backing store itself, as
	// opposed to bad data or write conflicts.
	ErrUnavailable = errors.New("conversation store unavailable")
	// ErrConflict is returned when an append loses every compare-and-swap attempt.
	ErrConflict = errors.New("conversation modified concurrently")
)

// Store is a TTL-bounded persistence backend for conversation history.
// Unknown or expired conversations read as empty, not as errors.
type Store interface {
	Get(ctx context.Context, id string) ([]Message, error)
	// Save overwrites the whole message list and its metadata.
	Save(ctx context.Context, id string, msgs []Message, ttl time.Duration) (Metadata, error)
	// Append adds msg to the end of the list. It is atomic per id.
	Append(ctx context.Context, id string, msg Message, ttl time.Duration) (Metadata, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	Metadata(ctx context.Context, id string) (Metadata, bool, error)
	// CleanupExpired is advisory housekeeping; it returns the number of
	// conversations found already expired.
	CleanupExpired(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// keyLock serializes work per conversation id within the process.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*refMutex)}
}

func (k *keyLock) Lock(id string) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
