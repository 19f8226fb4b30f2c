package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("found %d configuration error(s):\n", len(errs)))
	for i, err := range errs {
		b.WriteString(fmt.Sprintf("  %d. [%s] %s\n", i+1, err.Field, err.Message))
	}
	return b.String()
}

// Validate validates the complete configuration
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateMemory()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validateLLM()...)
	errs = append(errs, c.validateVectorDB()...)
	errs = append(errs, c.validateRetriever()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateServer() ValidationErrors {
	var errs ValidationErrors
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be in [1, 65535], got %d", c.Server.Port),
		})
	}
	if c.Server.MCP.Enabled && !strings.HasPrefix(c.Server.MCP.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "server.mcp.path",
			Message: "mcp path must start with '/'",
		})
	}
	return errs
}

// validateMemory validates conversation store configuration
func (c *Config) validateMemory() ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(c.Memory.Store) {
	case "redis":
		if c.Memory.Redis.URL == "" {
			errs = append(errs, ValidationError{
				Field:   "memory.redis.url",
				Message: "redis url is required for redis store",
			})
		}
	case "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "memory.store",
			Message: fmt.Sprintf("unknown conversation store %q (want redis or memory)", c.Memory.Store),
		})
	}

	switch strings.ToLower(c.Memory.Fallback) {
	case "memory", "none", "":
	default:
		errs = append(errs, ValidationError{
			Field:   "memory.fallback",
			Message: fmt.Sprintf("unknown fallback %q (want memory or none)", c.Memory.Fallback),
		})
	}

	if c.Memory.TTLSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "memory.ttl_seconds",
			Message: fmt.Sprintf("ttl must be positive, got %d", c.Memory.TTLSeconds),
		})
	}
	if c.Memory.CleanupIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "memory.cleanup_interval_sec",
			Message: "cleanup interval cannot be negative",
		})
	}
	return errs
}

func (c *Config) validateCache() ValidationErrors {
	var errs ValidationErrors
	if c.Cache.Enabled && c.Cache.Capacity <= 0 {
		errs = append(errs, ValidationError{
			Field:   "cache.capacity",
			Message: fmt.Sprintf("cache capacity must be positive, got %d", c.Cache.Capacity),
		})
	}
	switch strings.ToLower(c.Cache.Scope) {
	case "global", "conversation", "":
	default:
		errs = append(errs, ValidationError{
			Field:   "cache.scope",
			Message: fmt.Sprintf("unknown cache scope %q (want global or conversation)", c.Cache.Scope),
		})
	}
	return errs
}

// validateLLM validates completion service configuration
func (c *Config) validateLLM() ValidationErrors {
	var errs ValidationErrors

	if c.LLM.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "llm.model",
			Message: "llm model is required",
		})
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "llm.temperature",
			Message: fmt.Sprintf("temperature must be in [0, 2], got %.2f", c.LLM.Temperature),
		})
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max tokens cannot be negative",
		})
	}
	return errs
}

// validateVectorDB validates document index configuration
func (c *Config) validateVectorDB() ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(c.VectorDB.Provider) {
	case "", "none":
	case "local":
		if c.VectorDB.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "vectordb.path",
				Message: "index path is required for local provider",
			})
		}
	case "milvus", "bm25":
		if c.VectorDB.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "vectordb.host",
				Message: fmt.Sprintf("vectordb host is required for %s provider", c.VectorDB.Provider),
			})
		}
		if c.VectorDB.Collection == "" {
			errs = append(errs, ValidationError{
				Field:   "vectordb.collection",
				Message: fmt.Sprintf("collection name is required for %s provider", c.VectorDB.Provider),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "vectordb.provider",
			Message: fmt.Sprintf("unknown vectordb provider %q", c.VectorDB.Provider),
		})
	}

	if strings.EqualFold(c.VectorDB.Provider, "milvus") && c.Embedding.Dimensions <= 0 {
		errs = append(errs, ValidationError{
			Field:   "embedding.dimensions",
			Message: "embedding dimensions are required for milvus collections",
		})
	}
	return errs
}

func (c *Config) validateRetriever() ValidationErrors {
	var errs ValidationErrors
	if c.Retriever.TopK <= 0 {
		errs = append(errs, ValidationError{
			Field:   "retriever.top_k",
			Message: fmt.Sprintf("top_k must be positive, got %d", c.Retriever.TopK),
		})
	}
	return errs
}
