// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.verity/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Provider: embedding/generation provider selection and model names
//   - Chunking: passage size, overlap and splitting granularity
//   - Retrieval: top-k, similarity metric, retrieve-loop budget, scope
//   - Session: history window, TTL, backing store
//   - Storage: PostgreSQL connection for the vector index and session log
//   - Server: listen address, timeouts
//   - Observability: OTLP trace exporter
//
// Security: secrets (API keys, passwords) are never logged; Validate() fails fast
// on any out-of-range value so misconfiguration surfaces at startup, not mid-request.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Provider identifiers used in Config.Provider.
const (
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
)

// Store backend identifiers for IndexStore and SessionStore.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Retrieval scope identifiers.
const (
	// ScopeGlobal searches the whole ingested corpus (default; matches the
	// single shared vector store the product started with).
	ScopeGlobal = "global"

	// ScopeDocument restricts retrieval to the document IDs named by the request.
	ScopeDocument = "document"
)

// Similarity metric identifiers.
const (
	SimilarityCosine = "cosine"
	SimilarityDot    = "dot"
)

// Sentinel errors for configuration validation, checked with errors.Is().
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidChunking indicates chunk size/overlap values are unusable.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidTopK indicates the retrieval top-k is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top-k")

	// ErrInvalidDimension indicates the embedder dimension is out of range.
	ErrInvalidDimension = errors.New("invalid embedder dimension")

	// ErrInvalidWindow indicates the session window limits are out of range.
	ErrInvalidWindow = errors.New("invalid session window")

	// ErrInvalidStore indicates an unknown store backend was selected.
	ErrInvalidStore = errors.New("invalid store backend")

	// ErrInvalidPostgres indicates the PostgreSQL settings are invalid.
	ErrInvalidPostgres = errors.New("invalid PostgreSQL configuration")

	// ErrInvalidSimilarity indicates an unknown similarity metric.
	ErrInvalidSimilarity = errors.New("invalid similarity metric")
)

// Config stores application configuration.
// SECURITY: sensitive fields must never be logged verbatim.
type Config struct {
	// Provider and model configuration
	Provider      string  `mapstructure:"provider"`       // "googleai" (default) or "ollama"
	ModelName     string  `mapstructure:"model_name"`     // generation model (e.g. "gemini-2.0-flash")
	EmbedderModel string  `mapstructure:"embedder_model"` // embedding model (e.g. "gemini-embedding-001")
	EmbedderDim   int     `mapstructure:"embedder_dimension"`
	Temperature   float32 `mapstructure:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	OllamaHost    string  `mapstructure:"ollama_host"` // only used when provider is "ollama"

	// Chunking configuration
	ChunkSize    int    `mapstructure:"chunk_size"`
	ChunkOverlap int    `mapstructure:"chunk_overlap"`
	Granularity  string `mapstructure:"granularity"` // "sentence" or "paragraph"

	// Retrieval configuration
	TopK             int    `mapstructure:"retrieval_top_k"`
	MaxRetrieveLoops int    `mapstructure:"max_retrieve_loops"`
	RetrievalScope   string `mapstructure:"retrieval_scope"` // "global" or "document"
	Similarity       string `mapstructure:"similarity"`      // "cosine" or "dot"

	// Ingestion configuration
	EmbedBatchSize int           `mapstructure:"embed_batch_size"`
	IngestTimeout  time.Duration `mapstructure:"ingest_timeout"`

	// Generation configuration
	GenerateTimeout time.Duration `mapstructure:"generate_timeout"`

	// Session configuration
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	WindowTurns  int           `mapstructure:"window_turns"`
	WindowTokens int           `mapstructure:"window_tokens"`
	SessionStore string        `mapstructure:"session_store"` // "memory" or "postgres"

	// Index configuration
	IndexStore string `mapstructure:"index_store"` // "memory" or "postgres"

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"` // SENSITIVE: never log
	PostgresDBName   string `mapstructure:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Server configuration
	Addr string `mapstructure:"addr"`

	// Observability configuration
	OTLPEndpoint string `mapstructure:"otlp_endpoint"` // empty disables tracing
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".verity")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use defaults
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Fail fast: a bad config must never reach the pipeline or graph.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Provider defaults
	v.SetDefault("provider", ProviderGoogleAI)
	v.SetDefault("model_name", "gemini-2.0-flash")
	v.SetDefault("embedder_model", "gemini-embedding-001")
	v.SetDefault("embedder_dimension", 768)
	v.SetDefault("temperature", 0.5)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("ollama_host", "http://localhost:11434")

	// Chunking defaults (carried over from the original product configuration)
	v.SetDefault("chunk_size", 500)
	v.SetDefault("chunk_overlap", 50)
	v.SetDefault("granularity", "sentence")

	// Retrieval defaults
	v.SetDefault("retrieval_top_k", 4)
	v.SetDefault("max_retrieve_loops", 2)
	v.SetDefault("retrieval_scope", ScopeGlobal)
	v.SetDefault("similarity", SimilarityCosine)

	// Ingestion defaults
	v.SetDefault("embed_batch_size", 16)
	v.SetDefault("ingest_timeout", 2*time.Minute)

	// Generation defaults
	v.SetDefault("generate_timeout", 90*time.Second)

	// Session defaults
	v.SetDefault("session_ttl", 30*time.Minute)
	v.SetDefault("window_turns", 20)
	v.SetDefault("window_tokens", 3000)
	v.SetDefault("session_store", StoreMemory)

	// Index defaults
	v.SetDefault("index_store", StorePostgres)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "verity")
	v.SetDefault("postgres_password", "verity_dev_password")
	v.SetDefault("postgres_db_name", "verity")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Server defaults
	v.SetDefault("addr", "127.0.0.1:8080")

	// Observability defaults: tracing disabled unless an endpoint is set
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("service_name", "verity")
	v.SetDefault("environment", "dev")
}

// bindEnvVariables binds environment variables explicitly.
// GEMINI_API_KEY is read by the googleai provider itself, not via viper;
// Validate() only checks its presence when the googleai provider is selected.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a runtime error.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "VERITY_PROVIDER")
	mustBind("model_name", "VERITY_MODEL_NAME")
	mustBind("embedder_model", "VERITY_EMBEDDER_MODEL")
	mustBind("ollama_host", "VERITY_OLLAMA_HOST")
	mustBind("addr", "VERITY_ADDR")
	mustBind("session_store", "VERITY_SESSION_STORE")
	mustBind("index_store", "VERITY_INDEX_STORE")
	mustBind("postgres_host", "VERITY_POSTGRES_HOST")
	mustBind("postgres_port", "VERITY_POSTGRES_PORT")
	mustBind("postgres_user", "VERITY_POSTGRES_USER")
	mustBind("postgres_password", "VERITY_POSTGRES_PASSWORD")
	mustBind("postgres_db_name", "VERITY_POSTGRES_DB")
	mustBind("otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// DSN returns the PostgreSQL connection string.
// The result contains the password; never log it.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword,
		c.PostgresHost, c.PostgresPort,
		c.PostgresDBName, c.PostgresSSLMode)
}
