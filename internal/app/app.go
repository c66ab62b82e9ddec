// Package app wires the application together: provider clients, the vector
// index, the session store, the ingestion pipeline, and the conversation
// engine, all selected and configured from config.Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/verityai/verity/internal/chunk"
	"github.com/verityai/verity/internal/config"
	"github.com/verityai/verity/internal/database"
	"github.com/verityai/verity/internal/graph"
	"github.com/verityai/verity/internal/index"
	"github.com/verityai/verity/internal/ingest"
	"github.com/verityai/verity/internal/provider"
	"github.com/verityai/verity/internal/provider/googleai"
	"github.com/verityai/verity/internal/provider/ollama"
	"github.com/verityai/verity/internal/session"
)

// App is the application container. All fields are ready to use after Setup.
type App struct {
	Config   *config.Config
	Engine   *graph.Engine
	Pipeline *ingest.Pipeline
	Sessions session.Store
	Index    index.Index

	// Pool is nil when both stores run in memory.
	Pool *pgxpool.Pool

	logger *slog.Logger

	// sessionJanitor stops the in-memory store's eviction goroutine.
	sessionJanitor func()
}

// Setup builds the application from configuration. The caller owns the
// returned App and must Close it.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	embedder, generator, err := buildProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing provider: %w", err)
	}

	a := &App{Config: cfg, logger: logger}

	if cfg.IndexStore == config.StorePostgres || cfg.SessionStore == config.StorePostgres {
		dsn := cfg.DSN()
		if err := database.Migrate(dsn); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		pool, err := database.NewPool(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.Pool = pool
	}

	metric := index.MetricCosine
	if cfg.Similarity == config.SimilarityDot {
		metric = index.MetricDot
	}

	switch cfg.IndexStore {
	case config.StorePostgres:
		idx, err := index.NewPostgres(ctx, a.Pool, embedder.Dimension(), embedder.Model(), metric, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
		a.Index = idx
	default:
		a.Index = index.NewMemory(embedder.Dimension(), embedder.Model(), metric)
	}

	window := session.Window{Turns: cfg.WindowTurns, Tokens: cfg.WindowTokens}
	switch cfg.SessionStore {
	case config.StorePostgres:
		a.Sessions = session.NewPostgres(a.Pool, cfg.SessionTTL, window, logger)
	default:
		mem := session.NewMemory(session.MemoryConfig{TTL: cfg.SessionTTL, Window: window}, logger)
		a.Sessions = mem
		a.sessionJanitor = mem.Shutdown
	}

	chunker, err := chunk.New(chunk.Config{
		MaxLen:      cfg.ChunkSize,
		Overlap:     cfg.ChunkOverlap,
		Granularity: chunk.Granularity(cfg.Granularity),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("configuring chunker: %w", err)
	}

	a.Pipeline = ingest.New(chunker, embedder, a.Index, ingest.Config{
		BatchSize: cfg.EmbedBatchSize,
		Timeout:   cfg.IngestTimeout,
		Retry:     ingest.DefaultRetryConfig(),
	}, rateLimiter(), logger)

	engine, err := graph.New(embedder, generator, a.Index, a.Sessions, graph.Config{
		TopK:             cfg.TopK,
		MaxRetrieveLoops: cfg.MaxRetrieveLoops,
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		TokenBudget:      cfg.WindowTokens,
		Timeout:          cfg.GenerateTimeout,
		Retry:            graph.DefaultRetryConfig(),
	}, rateLimiter(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	a.Engine = engine

	logger.Info("application initialized",
		"provider", cfg.Provider,
		"model", cfg.ModelName,
		"embedder", embedder.Model(),
		"index_store", cfg.IndexStore,
		"session_store", cfg.SessionStore)

	return a, nil
}

// Close releases the database pool and stops background goroutines.
func (a *App) Close() {
	if a.sessionJanitor != nil {
		a.sessionJanitor()
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.logger.Info("database pool closed")
	}
}

func buildProvider(ctx context.Context, cfg *config.Config) (provider.Embedder, provider.Generator, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		client, err := ollama.New(ollama.Config{
			BaseURL:       cfg.OllamaHost,
			Model:         cfg.ModelName,
			EmbedderModel: cfg.EmbedderModel,
			Dimension:     cfg.EmbedderDim,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	case config.ProviderGoogleAI:
		client, err := googleai.New(ctx, googleai.Config{
			APIKey:        os.Getenv("GEMINI_API_KEY"),
			Model:         cfg.ModelName,
			EmbedderModel: cfg.EmbedderModel,
			Dimension:     cfg.EmbedderDim,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidProvider, cfg.Provider)
	}
}

// rateLimiter returns a fresh per-component limiter for outbound provider
// calls. Separate limiters keep a bulk ingestion from starving chat.
func rateLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(10), 10)
}
