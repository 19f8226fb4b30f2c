package config

import "time"

// Config represents the main configuration structure for the support assistant.
// Values are read by viper from defaults, an optional YAML file and the environment.
type Config struct {
	App       AppConfig        `json:"app" yaml:"app" mapstructure:"app"`
	Server    ServerConfig     `json:"server" yaml:"server" mapstructure:"server"`
	Memory    MemoryConfig     `json:"memory" yaml:"memory" mapstructure:"memory"`
	Cache     CacheConfig      `json:"cache" yaml:"cache" mapstructure:"cache"`
	LLM       LLMConfig        `json:"llm" yaml:"llm" mapstructure:"llm"`
	Embedding EmbeddingConfig  `json:"embedding" yaml:"embedding" mapstructure:"embedding"`
	VectorDB  VectorDBConfig   `json:"vectordb" yaml:"vectordb" mapstructure:"vectordb"`
	Retriever RetrieverConfig  `json:"retriever" yaml:"retriever" mapstructure:"retriever"`
	HTTP      HTTPClientConfig `json:"http" yaml:"http" mapstructure:"http"`
	Log       LogConfig        `json:"log" yaml:"log" mapstructure:"log"`
}

// AppConfig carries identity and environment information reported by /health.
type AppConfig struct {
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
	Environment string `json:"environment" yaml:"environment" mapstructure:"environment"`
	Debug       bool   `json:"debug" yaml:"debug" mapstructure:"debug"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string    `json:"host" yaml:"host" mapstructure:"host"`
	Port            int       `json:"port" yaml:"port" mapstructure:"port"`
	ReadTimeoutSec  int       `json:"read_timeout_sec,omitempty" yaml:"read_timeout_sec,omitempty" mapstructure:"read_timeout_sec"`
	WriteTimeoutSec int       `json:"write_timeout_sec,omitempty" yaml:"write_timeout_sec,omitempty" mapstructure:"write_timeout_sec"`
	CORSOrigins     []string  `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	MCP             MCPConfig `json:"mcp" yaml:"mcp" mapstructure:"mcp"`
}

// MCPConfig toggles the MCP streamable HTTP endpoint.
type MCPConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
}

// MemoryConfig controls conversation persistence.
// Store: redis | memory. Fallback: memory | none.
type MemoryConfig struct {
	Store              string      `json:"store" yaml:"store" mapstructure:"store"`
	Fallback           string      `json:"fallback" yaml:"fallback" mapstructure:"fallback"`
	TTLSeconds         int         `json:"ttl_seconds" yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
	CleanupIntervalSec int         `json:"cleanup_interval_sec,omitempty" yaml:"cleanup_interval_sec,omitempty" mapstructure:"cleanup_interval_sec"`
	CleanupTimeoutSec  int         `json:"cleanup_timeout_sec,omitempty" yaml:"cleanup_timeout_sec,omitempty" mapstructure:"cleanup_timeout_sec"`
	Redis              RedisConfig `json:"redis" yaml:"redis" mapstructure:"redis"`
}

// RedisConfig describes the remote conversation store connection.
type RedisConfig struct {
	URL            string `json:"url" yaml:"url" mapstructure:"url"`
	KeyPrefix      string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty" mapstructure:"key_prefix"`
	DialTimeoutMs  int    `json:"dial_timeout_ms,omitempty" yaml:"dial_timeout_ms,omitempty" mapstructure:"dial_timeout_ms"`
	MaxCASRetries  int    `json:"max_cas_retries,omitempty" yaml:"max_cas_retries,omitempty" mapstructure:"max_cas_retries"`
	BreakerFails   int    `json:"breaker_failures,omitempty" yaml:"breaker_failures,omitempty" mapstructure:"breaker_failures"`
	BreakerMinMs   int    `json:"breaker_min_ms,omitempty" yaml:"breaker_min_ms,omitempty" mapstructure:"breaker_min_ms"`
	BreakerMaxMs   int    `json:"breaker_max_ms,omitempty" yaml:"breaker_max_ms,omitempty" mapstructure:"breaker_max_ms"`
	ConnectOnStart bool   `json:"connect_on_start,omitempty" yaml:"connect_on_start,omitempty" mapstructure:"connect_on_start"`
}

// CacheConfig controls the in-process response cache.
// Scope: global | conversation.
type CacheConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Capacity int    `json:"capacity" yaml:"capacity" mapstructure:"capacity"`
	Scope    string `json:"scope" yaml:"scope" mapstructure:"scope"`
}

// LLMConfig defines configuration for the chat completion service.
type LLMConfig struct {
	Provider         string  `json:"provider" yaml:"provider" mapstructure:"provider"` // Available options: openai, mistral
	APIKey           string  `json:"api_key,omitempty" yaml:"api_key" mapstructure:"api_key"`
	BaseURL          string  `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`
	Model            string  `json:"model" yaml:"model" mapstructure:"model"`
	Temperature      float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens        int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
	TimeoutSec       int     `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty" mapstructure:"timeout_sec"`
	MaxHistoryTokens int     `json:"max_history_tokens,omitempty" yaml:"max_history_tokens,omitempty" mapstructure:"max_history_tokens"`
	SystemPrompt     string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
}

// EmbeddingConfig defines configuration for embedding models.
type EmbeddingConfig struct {
	Provider   string `json:"provider" yaml:"provider" mapstructure:"provider"` // Available options: openai, hashing
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL    string `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty" mapstructure:"dimensions"`
}

// VectorDBConfig defines configuration for the document index backend.
type VectorDBConfig struct {
	Provider   string `json:"provider" yaml:"provider" mapstructure:"provider"` // Available options: local, milvus, bm25
	Path       string `json:"path,omitempty" yaml:"path,omitempty" mapstructure:"path"`
	Host       string `json:"host,omitempty" yaml:"host,omitempty" mapstructure:"host"`
	Port       int    `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port"`
	Database   string `json:"database,omitempty" yaml:"database,omitempty" mapstructure:"database"`
	Collection string `json:"collection,omitempty" yaml:"collection,omitempty" mapstructure:"collection"`
	Username   string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password   string `json:"password,omitempty" yaml:"password,omitempty" mapstructure:"password"`
	MetricType string `json:"metric_type,omitempty" yaml:"metric_type,omitempty" mapstructure:"metric_type"`
	Watch      bool   `json:"watch,omitempty" yaml:"watch,omitempty" mapstructure:"watch"`
}

// RetrieverConfig tunes the retrieval step of a chat turn.
type RetrieverConfig struct {
	TopK       int `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty" mapstructure:"timeout_sec"`
}

// HTTPClientConfig defines common options for outbound HTTP calls.
type HTTPClientConfig struct {
	TimeoutMs              int      `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
	Retry                  int      `json:"retry,omitempty" yaml:"retry,omitempty" mapstructure:"retry"`
	BackoffMinMs           int      `json:"backoff_min_ms,omitempty" yaml:"backoff_min_ms,omitempty" mapstructure:"backoff_min_ms"`
	BackoffMaxMs           int      `json:"backoff_max_ms,omitempty" yaml:"backoff_max_ms,omitempty" mapstructure:"backoff_max_ms"`
	HostAllowlist          []string `json:"host_allowlist,omitempty" yaml:"host_allowlist,omitempty" mapstructure:"host_allowlist"`
	MaxConsecutiveFailures int      `json:"max_consecutive_failures,omitempty" yaml:"max_consecutive_failures,omitempty" mapstructure:"max_consecutive_failures"`
	CircuitOpenSeconds     int      `json:"circuit_open_seconds,omitempty" yaml:"circuit_open_seconds,omitempty" mapstructure:"circuit_open_seconds"`
}

// LogConfig selects verbosity and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" mapstructure:"format"` // json or console
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}

// TTL returns the default conversation time-to-live.
func (m MemoryConfig) TTL() time.Duration {
	return time.Duration(m.TTLSeconds) * time.Second
}

func (m MemoryConfig) CleanupInterval() time.Duration {
	return time.Duration(m.CleanupIntervalSec) * time.Second
}

func (m MemoryConfig) CleanupTimeout() time.Duration {
	return time.Duration(m.CleanupTimeoutSec) * time.Second
}

func (r RetrieverConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSec) * time.Second
}

func (l LLMConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}
