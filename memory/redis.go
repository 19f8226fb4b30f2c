package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/verdemuse/assistant/common/breaker"
	"github.com/verdemuse/assistant/common/logger"
)

// RedisStore persists conversations in Redis.
// Data model:
//   - prefix+"conversation:"+id      => JSON array of messages, TTL
//   - prefix+"conversation_meta:"+id => JSON metadata, same TTL
//
// Both keys are written in one MULTI/EXEC so metadata always matches the
// message list. The client is created lazily and pinged once; connection
// attempts after a failure are gated by a circuit breaker.
type RedisStore struct {
	opts       *redis.Options
	prefix     string
	defaultTTL time.Duration
	maxRetries int
	scanCount  int64

	mu      sync.Mutex
	client  *redis.Client
	breaker *breaker.Breaker
	locks   *keyLock
	now     func() time.Time
}

// RedisStoreConfig configures NewRedisStore. Zero values take defaults.
type RedisStoreConfig struct {
	URL           string
	KeyPrefix     string
	DefaultTTL    time.Duration
	DialTimeout   time.Duration
	MaxCASRetries int
	Breaker       breaker.Options
}

func NewRedisStore(cfg *RedisStoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	// retries are the breaker's job
	opts.MaxRetries = -1

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	retries := cfg.MaxCASRetries
	if retries <= 0 {
		retries = 8
	}

	bopt := cfg.Breaker
	userHook := bopt.OnStateChange
	bopt.OnStateChange = func(from, to breaker.State) {
		logger.Warnf("redis conversation store: connection circuit %s -> %s", from, to)
		if userHook != nil {
			userHook(from, to)
		}
	}

	return &RedisStore{
		opts:       opts,
		prefix:     cfg.KeyPrefix,
		defaultTTL: ttl,
		maxRetries: retries,
		scanCount:  100,
		breaker:    breaker.New(bopt),
		locks:      newKeyLock(),
		now:        time.Now,
	}, nil
}

func (s *RedisStore) convKey(id string) string { return s.prefix + "conversation:" + id }
func (s *RedisStore) metaKey(id string) string { return s.prefix + "conversation_meta:" + id }

func (s *RedisStore) ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

// conn returns a connected client, dialing and pinging on first use.
func (s *RedisStore) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	c := redis.NewClient(s.opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}
	logger.Infof("redis conversation store connected to %s", s.opts.Addr)
	s.client = c
	return c, nil
}

// do runs fn against the client under the breaker. Connectivity faults
// are reported as ErrUnavailable and count against the breaker.
func (s *RedisStore) do(ctx context.Context, fn func(*redis.Client) error) error {
	if err := s.breaker.Allow(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c, err := s.conn(ctx)
	if err != nil {
		s.breaker.Failure()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	err = fn(c)
	if isConnectivityErr(err) {
		s.breaker.Failure()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.breaker.Success()
	return err
}

var errCorrupt = errors.New("corrupt conversation record")

// go-redis keeps its pool errors internal.
const (
	errPoolTimeoutText = "redis: connection pool timeout"
	errPoolClosedText  = "redis: client is closed"
)

// isConnectivityErr reports whether err means the server could not be
// reached or stopped answering. Server replies, encoding faults and caller
// cancellation are not connectivity faults.
func isConnectivityErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	msg := err.Error()
	return msg == errPoolTimeoutText || msg == errPoolClosedText
}

func decodeMessages(raw []byte) ([]Message, error) {
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) ([]Message, error) {
	var msgs []Message
	err := s.do(ctx, func(c *redis.Client) error {
		raw, err := c.Get(ctx, s.convKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			msgs = []Message{}
			return nil
		}
		if err != nil {
			return err
		}
		msgs, err = decodeMessages(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// writeTx queues the paired SETs for id on p.
func (s *RedisStore) writeTx(ctx context.Context, p redis.Pipeliner, id string, msgs []Message, ttl time.Duration) (Metadata, error) {
	meta := newMetadata(id, msgs, ttl, s.now())
	payload, err := json.Marshal(msgs)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: marshal messages: %v", errCorrupt, err)
	}
	metaPayload, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: marshal metadata: %v", errCorrupt, err)
	}
	p.Set(ctx, s.convKey(id), payload, ttl)
	p.Set(ctx, s.metaKey(id), metaPayload, ttl)
	return meta, nil
}

func (s *RedisStore) Save(ctx context.Context, id string, msgs []Message, ttl time.Duration) (Metadata, error) {
	ttl = s.ttlOrDefault(ttl)
	if msgs == nil {
		msgs = []Message{}
	}
	var meta Metadata
	err := s.do(ctx, func(c *redis.Client) error {
		var werr error
		_, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
			meta, werr = s.writeTx(ctx, p, id, msgs, ttl)
			return werr
		})
		return err
	})
	return meta, err
}

// Append performs a WATCH-guarded read-modify-write so concurrent writers
// in other processes cannot drop each other's messages. Writers inside this
// process are serialized up front to avoid pointless CAS retries.
func (s *RedisStore) Append(ctx context.Context, id string, msg Message, ttl time.Duration) (Metadata, error) {
	ttl = s.ttlOrDefault(ttl)
	msg = stamp(msg, s.now())

	unlock := s.locks.Lock(id)
	defer unlock()

	key := s.convKey(id)
	var meta Metadata
	err := s.do(ctx, func(c *redis.Client) error {
		for attempt := 0; attempt < s.maxRetries; attempt++ {
			err := c.Watch(ctx, func(tx *redis.Tx) error {
				msgs := []Message{}
				raw, err := tx.Get(ctx, key).Bytes()
				switch {
				case errors.Is(err, redis.Nil):
				case err != nil:
					return err
				default:
					if msgs, err = decodeMessages(raw); err != nil {
						return err
					}
				}
				msgs = append(msgs, msg)

				var werr error
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					meta, werr = s.writeTx(ctx, p, id, msgs, ttl)
					return werr
				})
				return err
			}, key)
			if errors.Is(err, redis.TxFailedErr) {
				logger.Debugf("redis conversation store: append to %s lost race, retrying (%d)", id, attempt+1)
				continue
			}
			return err
		}
		return ErrConflict
	})
	return meta, err
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	return s.do(ctx, func(c *redis.Client) error {
		return c.Del(ctx, s.convKey(id), s.metaKey(id)).Err()
	})
}

func (s *RedisStore) Metadata(ctx context.Context, id string) (Metadata, bool, error) {
	var meta Metadata
	found := false
	err := s.do(ctx, func(c *redis.Client) error {
		raw, err := c.Get(ctx, s.metaKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("%w: %v", errCorrupt, err)
		}
		found = true
		return nil
	})
	return meta, found, err
}

// CleanupExpired scans conversation keys. Keys without an expiry get the
// default TTL (with their metadata key); keys that vanished between SCAN
// and TTL are counted as already cleaned.
func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	cleaned, healed := 0, 0
	err := s.do(ctx, func(c *redis.Client) error {
		iter := c.Scan(ctx, 0, s.prefix+"conversation:*", s.scanCount).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			ttl, err := c.TTL(ctx, key).Result()
			if err != nil {
				return err
			}
			switch ttl {
			case -2:
				cleaned++
			case -1:
				id := key[len(s.prefix+"conversation:"):]
				pipe := c.Pipeline()
				pipe.Expire(ctx, key, s.defaultTTL)
				pipe.Expire(ctx, s.metaKey(id), s.defaultTTL)
				if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				healed++
			}
		}
		return iter.Err()
	})
	if healed > 0 {
		logger.Infof("redis conversation store: restored ttl on %d conversation(s)", healed)
	}
	return cleaned, err
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.do(ctx, func(c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// BreakerState reports the connection circuit state.
func (s *RedisStore) BreakerState() breaker.State {
	return s.breaker.State()
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
