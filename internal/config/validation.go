package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Provider validation
	validProviders := []string{ProviderGoogleAI, ProviderOllama}
	if !slices.Contains(validProviders, c.Provider) {
		return fmt.Errorf("%w: %q, must be one of %v", ErrInvalidProvider, c.Provider, validProviders)
	}

	// API key is only required for the hosted provider
	if c.Provider == ProviderGoogleAI && os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for provider %q",
			ErrMissingAPIKey, ProviderGoogleAI)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidModelName)
	}

	// Temperature range: 0.0 (deterministic) to 2.0 (maximum creativity)
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	// Embedder dimension: pgvector columns are fixed-width, so this must match
	// the migration schema. 1 to 4096 covers every model in the pack.
	if c.EmbedderDim < 1 || c.EmbedderDim > 4096 {
		return fmt.Errorf("%w: must be between 1 and 4096, got %d", ErrInvalidDimension, c.EmbedderDim)
	}

	// Chunking: overlap must leave room for fresh text in every passage
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got overlap=%d size=%d",
			ErrInvalidChunking, c.ChunkOverlap, c.ChunkSize)
	}
	if c.Granularity != "sentence" && c.Granularity != "paragraph" {
		return fmt.Errorf("%w: granularity must be \"sentence\" or \"paragraph\", got %q",
			ErrInvalidChunking, c.Granularity)
	}

	// Retrieval
	if c.TopK < 1 || c.TopK > 50 {
		return fmt.Errorf("%w: must be between 1 and 50, got %d", ErrInvalidTopK, c.TopK)
	}
	if c.MaxRetrieveLoops < 0 || c.MaxRetrieveLoops > 10 {
		return fmt.Errorf("%w: max_retrieve_loops must be between 0 and 10, got %d",
			ErrInvalidTopK, c.MaxRetrieveLoops)
	}
	if c.RetrievalScope != ScopeGlobal && c.RetrievalScope != ScopeDocument {
		return fmt.Errorf("%w: retrieval_scope must be %q or %q, got %q",
			ErrInvalidStore, ScopeGlobal, ScopeDocument, c.RetrievalScope)
	}
	if c.Similarity != SimilarityCosine && c.Similarity != SimilarityDot {
		return fmt.Errorf("%w: %q, must be %q or %q",
			ErrInvalidSimilarity, c.Similarity, SimilarityCosine, SimilarityDot)
	}

	// Ingestion
	if c.EmbedBatchSize < 1 || c.EmbedBatchSize > 256 {
		return fmt.Errorf("%w: embed_batch_size must be between 1 and 256, got %d",
			ErrInvalidChunking, c.EmbedBatchSize)
	}
	if c.IngestTimeout <= 0 {
		return fmt.Errorf("%w: ingest_timeout must be positive, got %v", ErrInvalidChunking, c.IngestTimeout)
	}
	if c.GenerateTimeout <= 0 {
		return fmt.Errorf("%w: generate_timeout must be positive, got %v", ErrInvalidChunking, c.GenerateTimeout)
	}

	// Session window: both limits must be usable, the tighter one binds
	if c.WindowTurns < 1 || c.WindowTurns > 1000 {
		return fmt.Errorf("%w: window_turns must be between 1 and 1000, got %d", ErrInvalidWindow, c.WindowTurns)
	}
	if c.WindowTokens < 100 || c.WindowTokens > 1_000_000 {
		return fmt.Errorf("%w: window_tokens must be between 100 and 1,000,000, got %d",
			ErrInvalidWindow, c.WindowTokens)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: session_ttl must be positive, got %v", ErrInvalidWindow, c.SessionTTL)
	}

	// Store backends
	validStores := []string{StoreMemory, StorePostgres}
	if !slices.Contains(validStores, c.SessionStore) {
		return fmt.Errorf("%w: session_store %q, must be one of %v", ErrInvalidStore, c.SessionStore, validStores)
	}
	if !slices.Contains(validStores, c.IndexStore) {
		return fmt.Errorf("%w: index_store %q, must be one of %v", ErrInvalidStore, c.IndexStore, validStores)
	}

	// PostgreSQL is only validated when something actually uses it
	if c.SessionStore == StorePostgres || c.IndexStore == StorePostgres {
		if err := c.validatePostgres(); err != nil {
			return err
		}
	}

	return nil
}

// validatePostgres validates the PostgreSQL connection settings.
func (c *Config) validatePostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgres)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgres)
	}

	if c.PostgresPassword == "verity_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"warning", "change postgres_password for production deployments")
	}

	// Modern SSL modes only; allow/prefer are MITM-vulnerable
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: ssl mode %q, must be one of %v", ErrInvalidPostgres, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
