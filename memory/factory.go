package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/verdemuse/assistant/common/breaker"
	"github.com/verdemuse/assistant/common/logger"
	"github.com/verdemuse/assistant/config"
)

// NewManagerFromConfig builds the conversation store described by cfg.
func NewManagerFromConfig(ctx context.Context, cfg config.MemoryConfig) (*Manager, error) {
	ttl := cfg.TTL()
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var fallback Store
	if !strings.EqualFold(cfg.Fallback, "none") {
		fallback = NewInMemoryStore(ttl)
	}

	switch strings.ToLower(cfg.Store) {
	case "memory":
		return NewManager(NewInMemoryStore(ttl), nil, ttl), nil
	case "redis", "":
		rs, err := NewRedisStore(&RedisStoreConfig{
			URL:           cfg.Redis.URL,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			DefaultTTL:    ttl,
			DialTimeout:   time.Duration(cfg.Redis.DialTimeoutMs) * time.Millisecond,
			MaxCASRetries: cfg.Redis.MaxCASRetries,
			Breaker: breaker.Options{
				Failures:   cfg.Redis.BreakerFails,
				MinBackoff: time.Duration(cfg.Redis.BreakerMinMs) * time.Millisecond,
				MaxBackoff: time.Duration(cfg.Redis.BreakerMaxMs) * time.Millisecond,
				Jitter:     0.2,
			},
		})
		if err != nil {
			return nil, err
		}
		if cfg.Redis.ConnectOnStart {
			if err := rs.Ping(ctx); err != nil {
				logger.Warnf("redis conversation store not reachable at startup: %v", err)
			}
		}
		return NewManager(rs, fallback, ttl), nil
	default:
		return nil, fmt.Errorf("unknown conversation store %q", cfg.Store)
	}
}
