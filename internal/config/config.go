package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`

	// Vector search
	EmbeddingDim          int           `yaml:"embedding_dim"`
	DefaultMatchThreshold float64       `yaml:"match_threshold"`
	DefaultMatchCount     int           `yaml:"match_count"`
	DedupThreshold        float64       `yaml:"dedup_threshold"`
	QueryTimeout          time.Duration `yaml:"query_timeout"`

	// Embedding provider
	EmbedProvider  string `yaml:"embed_provider"`
	OllamaBaseURL  string `yaml:"ollama_base_url"`
	EmbeddingModel string `yaml:"embed_model"`
	OpenAIAPIKey   string `yaml:"-"`
	OpenAIBaseURL  string `yaml:"openai_base_url"`

	// Knowledge ingestion
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	ResultCacheMaxCost int64 `yaml:"result_cache_max_cost"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(); err != nil {
		return nil, goerr.Wrap(err, "config validation")
	}
	return cfg, nil
}

// LoadFile reads the environment, then overlays the YAML file at path.
// Keys absent from the file keep their environment or default value.
func LoadFile(path string) (*Config, error) {
	cfg := fromEnv()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "read config file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, goerr.Wrap(err, "parse config file", goerr.V("path", path))
	}
	if err := cfg.validate(); err != nil {
		return nil, goerr.Wrap(err, "config validation", goerr.V("path", path))
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		DBPath:                envStr("VECMEM_DB_PATH", "vecmem.db"),
		LogLevel:              envStr("LOG_LEVEL", "info"),
		HTTPAddr:              envStr("VECMEM_HTTP_ADDR", "127.0.0.1:8741"),
		EmbeddingDim:          envInt("VECMEM_EMBEDDING_DIM", 384),
		DefaultMatchThreshold: envFloat("VECMEM_MATCH_THRESHOLD", 0.1),
		DefaultMatchCount:     envInt("VECMEM_MATCH_COUNT", 10),
		DedupThreshold:        envFloat("VECMEM_DEDUP_THRESHOLD", 0.95),
		QueryTimeout:          envDuration("VECMEM_QUERY_TIMEOUT", 30*time.Second),
		EmbedProvider:         strings.ToLower(envStr("VECMEM_EMBED_PROVIDER", ProviderOllama)),
		OllamaBaseURL:         envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		EmbeddingModel:        envStr("VECMEM_EMBED_MODEL", "all-minilm"),
		OpenAIAPIKey:          envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         envStr("OPENAI_BASE_URL", ""),
		ChunkSize:             envInt("VECMEM_CHUNK_SIZE", 1000),
		ChunkOverlap:          envInt("VECMEM_CHUNK_OVERLAP", 200),
		ResultCacheMaxCost:    int64(envInt("VECMEM_RESULT_CACHE_MAX_COST", 64<<20)),
	}
}

func (c *Config) validate() error {
	var merr *multierror.Error
	if c.DBPath == "" {
		merr = multierror.Append(merr, goerr.New("VECMEM_DB_PATH must not be empty"))
	}
	if c.EmbeddingDim < 1 {
		merr = multierror.Append(merr, goerr.New("VECMEM_EMBEDDING_DIM must be positive", goerr.V("value", c.EmbeddingDim)))
	}
	if c.DefaultMatchCount < 1 {
		merr = multierror.Append(merr, goerr.New("VECMEM_MATCH_COUNT must be positive", goerr.V("value", c.DefaultMatchCount)))
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		merr = multierror.Append(merr, goerr.New("VECMEM_DEDUP_THRESHOLD must be in (0, 1]", goerr.V("value", c.DedupThreshold)))
	}
	if c.QueryTimeout <= 0 {
		merr = multierror.Append(merr, goerr.New("VECMEM_QUERY_TIMEOUT must be positive", goerr.V("value", c.QueryTimeout)))
	}
	switch c.EmbedProvider {
	case ProviderOllama:
		if c.OllamaBaseURL == "" {
			merr = multierror.Append(merr, goerr.New("OLLAMA_BASE_URL must not be empty"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			merr = multierror.Append(merr, goerr.New("OPENAI_API_KEY is required for the openai provider"))
		}
	default:
		merr = multierror.Append(merr, goerr.New("VECMEM_EMBED_PROVIDER must be ollama or openai", goerr.V("value", c.EmbedProvider)))
	}
	if c.ChunkSize < 1 {
		merr = multierror.Append(merr, goerr.New("VECMEM_CHUNK_SIZE must be positive", goerr.V("value", c.ChunkSize)))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		merr = multierror.Append(merr, goerr.New("VECMEM_CHUNK_OVERLAP must be in [0, chunk size)", goerr.V("value", c.ChunkOverlap)))
	}
	if c.ResultCacheMaxCost < 1 {
		merr = multierror.Append(merr, goerr.New("VECMEM_RESULT_CACHE_MAX_COST must be positive", goerr.V("value", c.ResultCacheMaxCost)))
	}
	return merr.ErrorOrNil()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
