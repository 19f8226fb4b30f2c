package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DefaultAppName     = "VerdeMuse"
	DefaultTTLSeconds  = 3600
	DefaultCacheLimit  = 1000
	DefaultTopK        = 3
	DefaultModel       = "mistral-medium"
	DefaultMistralBase = "https://api.mistral.ai/v1"
)

// envBindings maps configuration keys to the environment variable names the
// deployment scripts already export.
var envBindings = map[string][]string{
	"app.name":              {"APP_NAME"},
	"app.environment":       {"ENVIRONMENT"},
	"app.debug":             {"DEBUG"},
	"server.host":           {"API_HOST"},
	"server.port":           {"API_PORT"},
	"memory.redis.url":      {"REDIS_URL"},
	"memory.ttl_seconds":    {"CONVERSATION_TTL", "DEFAULT_TTL"},
	"memory.store":          {"CONVERSATION_STORE"},
	"llm.api_key":           {"MISTRAL_API_KEY", "LLM_API_KEY"},
	"llm.base_url":          {"LLM_BASE_URL"},
	"llm.model":             {"LLM_MODEL"},
	"embedding.api_key":     {"OPENAI_API_KEY", "EMBEDDING_API_KEY"},
	"vectordb.path":         {"VECTOR_DB_PATH"},
	"vectordb.provider":     {"VECTOR_DB_PROVIDER"},
	"log.level":             {"LOG_LEVEL"},
	"server.mcp.enabled":    {"MCP_ENABLED"},
	"cache.scope":           {"RESPONSE_CACHE_SCOPE"},
	"retriever.timeout_sec": {"RETRIEVAL_TIMEOUT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", DefaultAppName)
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout_sec", 30)
	v.SetDefault("server.write_timeout_sec", 60)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.mcp.enabled", false)
	v.SetDefault("server.mcp.path", "/mcp")

	v.SetDefault("memory.store", "redis")
	v.SetDefault("memory.fallback", "memory")
	v.SetDefault("memory.ttl_seconds", DefaultTTLSeconds)
	v.SetDefault("memory.cleanup_interval_sec", 0)
	v.SetDefault("memory.cleanup_timeout_sec", 30)
	v.SetDefault("memory.redis.url", "redis://localhost:6379/0")
	v.SetDefault("memory.redis.key_prefix", "")
	v.SetDefault("memory.redis.dial_timeout_ms", 2000)
	v.SetDefault("memory.redis.max_cas_retries", 8)
	v.SetDefault("memory.redis.breaker_failures", 1)
	v.SetDefault("memory.redis.breaker_min_ms", 500)
	v.SetDefault("memory.redis.breaker_max_ms", 30000)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.capacity", DefaultCacheLimit)
	v.SetDefault("cache.scope", "global")

	v.SetDefault("llm.provider", "mistral")
	v.SetDefault("llm.base_url", DefaultMistralBase)
	v.SetDefault("llm.model", DefaultModel)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.timeout_sec", 30)
	v.SetDefault("llm.max_history_tokens", 0)

	v.SetDefault("embedding.provider", "hashing")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 384)

	v.SetDefault("vectordb.provider", "local")
	v.SetDefault("vectordb.path", "./data/embeddings")
	v.SetDefault("vectordb.collection", "verdemuse_kb")
	v.SetDefault("vectordb.metric_type", "IP")
	v.SetDefault("vectordb.watch", true)

	v.SetDefault("retriever.top_k", DefaultTopK)
	v.SetDefault("retriever.timeout_sec", 5)

	v.SetDefault("http.timeout_ms", 30000)
	v.SetDefault("http.retry", 1)
	v.SetDefault("http.backoff_min_ms", 100)
	v.SetDefault("http.backoff_max_ms", 800)
	v.SetDefault("http.max_consecutive_failures", 5)
	v.SetDefault("http.circuit_open_seconds", 5)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("VERDEMUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills derived values that viper cannot express.
func (c *Config) applyDefaults() {
	if c.LLM.APIKey == "" && strings.EqualFold(c.LLM.Provider, "openai") {
		c.LLM.APIKey = c.Embedding.APIKey
	}
	if c.Embedding.APIKey == "" && strings.EqualFold(c.Embedding.Provider, "openai") {
		c.Embedding.APIKey = c.LLM.APIKey
	}
	if c.Log.Level == "" {
		if c.App.Debug {
			c.Log.Level = "DEBUG"
		} else {
			c.Log.Level = "INFO"
		}
	}
	if c.Server.MCP.Path == "" {
		c.Server.MCP.Path = "/mcp"
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
