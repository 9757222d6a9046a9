// Package shirube is the public API for embedding the shirube tool-routing
// server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := shirube.New(
//	    shirube.WithVersion(version),
//	    shirube.WithLogger(logger),
//	    shirube.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shirube (root) imports
// internal/*, but internal/* never imports shirube (root).
package shirube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/shirube/api"
	"github.com/ashita-ai/shirube/internal/agent"
	"github.com/ashita-ai/shirube/internal/config"
	"github.com/ashita-ai/shirube/internal/llm"
	"github.com/ashita-ai/shirube/internal/mcp"
	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/pipeline"
	"github.com/ashita-ai/shirube/internal/publish"
	"github.com/ashita-ai/shirube/internal/ratelimit"
	"github.com/ashita-ai/shirube/internal/search"
	"github.com/ashita-ai/shirube/internal/server"
	"github.com/ashita-ai/shirube/internal/service/catalog"
	"github.com/ashita-ai/shirube/internal/service/embedding"
	"github.com/ashita-ai/shirube/internal/service/runs"
	"github.com/ashita-ai/shirube/internal/storage"
	"github.com/ashita-ai/shirube/internal/storage/lite"
	"github.com/ashita-ai/shirube/internal/telemetry"
	"github.com/ashita-ai/shirube/internal/tooling"
	"github.com/ashita-ai/shirube/internal/trust"
	"github.com/ashita-ai/shirube/migrations"
)

// backfillBatchSize is the number of catalog entries embedded per provider call
// during the startup backfill.
const backfillBatchSize = 100

// shutdownHTTPTimeout bounds the drain of in-flight requests, streamed runs
// included.
const shutdownHTTPTimeout = 30 * time.Second

// catalogStore is what the wiring needs from a catalog backend. Both the
// Postgres DB and the SQLite store satisfy it.
type catalogStore interface {
	catalog.Store
	search.Catalog
	trust.Store
	pipeline.Catalog
	Ping(ctx context.Context) error
}

// App is the shirube server lifecycle. Construct with New(), run with Run().
// App has no public fields; configure it through New options.
type App struct {
	cfg          config.Config
	srv          *server.Server
	closers      []namedCloser
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

type namedCloser struct {
	name  string
	close func() error
}

// New initialises the server. It opens the catalog store, runs migrations,
// syncs the catalog manifest, wires every subsystem and returns a
// ready-to-run App. It does NOT accept HTTP connections until Run is called.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.catalogFile != "" {
		cfg.CatalogFile = o.catalogFile
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("shirube starting", "version", version, "port", cfg.Port, "catalog_backend", cfg.CatalogBackend)

	ctx := context.Background()
	app := &App{cfg: cfg, logger: logger, version: version}

	app.otelShutdown, err = telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := app.openStore(ctx)
	if err != nil {
		app.release()
		return nil, err
	}

	// Embedding provider: external override first, then auto-detect.
	var embedder embedding.Provider
	if o.embeddingProvider != nil {
		embedder = embeddingAdapter{p: o.embeddingProvider}
	} else {
		embedder = newEmbeddingProvider(ctx, cfg, logger)
	}
	embedder = app.withEmbeddingCache(ctx, embedder)

	// Qdrant is optional. When present it serves nearest-neighbour candidates
	// and mirrors every stored embedding.
	var index search.Index
	var mirror catalog.Mirror
	var qdrantCheck server.HealthCheck
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			app.release()
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		app.closers = append(app.closers, namedCloser{"qdrant", qdrantIndex.Close})
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			app.release()
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		index, mirror, qdrantCheck = qdrantIndex, qdrantIndex, qdrantIndex.Healthy
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	publisher := app.newPublisher()

	llmClient := llm.New(llm.Config{
		APIKey:  cfg.LLMAPIKey,
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMCallTimeout,
	}, logger)
	_, noLLM := llmClient.(llm.NoopClient)

	ranker := search.NewRanker(store, embedder, index, model.RankParams{
		Alpha: cfg.RankAlpha,
		Theta: cfg.RankTheta,
		TopN:  cfg.RankTopN,
		TopK:  cfg.RankTopK,
	}, logger)

	catalogSvc := catalog.New(store, embedder, mirror, logger)
	if cfg.CatalogFile != "" {
		n, err := catalogSvc.SyncManifest(ctx, cfg.CatalogFile)
		if err != nil {
			logger.Warn("catalog manifest sync incomplete", "path", cfg.CatalogFile, "synced", n, "error", err)
		} else {
			logger.Info("catalog manifest synced", "path", cfg.CatalogFile, "count", n)
		}
	}
	// Embedding backfill (non-fatal): entries stored while the provider was
	// unavailable get their vectors now.
	if n, err := catalogSvc.BackfillEmbeddings(ctx, backfillBatchSize); err != nil {
		logger.Warn("embedding backfill failed", "error", err)
	} else if n > 0 {
		logger.Info("embedding backfill complete", "count", n)
	}

	resolver := tooling.NewResolver(tooling.MCPConnector{
		ClientName:    "shirube",
		ClientVersion: version,
		Timeout:       cfg.ToolCallTimeout,
	}, 0, logger)
	discovery := agent.NewDiscovery(ranker)

	engine := pipeline.NewEngine(pipeline.Deps{
		Planner: agent.NewPlanner(llmClient, discovery, cfg.AgentMaxRounds, logger),
		Invoker: tooling.NewInvoker(resolver, llmClient, cfg.AgentMaxRounds, logger),
		Judge:   agent.NewJudge(llmClient, logger),
		Catalog: store,
		Trust:   trust.NewUpdater(store, publisher, logger),
	}, pipeline.Config{
		MaxSteps:            cfg.MaxSteps,
		RequireNetworkTools: cfg.RequireNetworkTools,
	}, logger)

	runner := runs.New(engine, publisher, runs.Config{
		BufferSize: cfg.StreamBufferSize,
		Keepalive:  cfg.KeepaliveInterval,
	}, logger)

	mcpSrv := mcp.New(ranker, runner, catalogSvc, logger, version)

	runLimiter, searchLimiter, err := app.newLimiters(ctx)
	if err != nil {
		app.release()
		return nil, err
	}

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	app.srv = server.New(server.ServerConfig{
		Catalog:             catalogSvc,
		Searcher:            ranker,
		Runner:              runner,
		DBCheck:             store.Ping,
		Logger:              logger,
		QdrantCheck:         qdrantCheck,
		LLMConfigured:       !noLLM,
		RunLimiter:          runLimiter,
		SearchLimiter:       searchLimiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})

	return app, nil
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called, so callers should
// not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, waits for in-flight requests and
// streamed runs to finish, then releases the limiters, publisher, Qdrant,
// the catalog store and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shirube shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.release()
	a.logger.Info("shirube stopped")
	return err
}

// release closes everything acquired so far in reverse order.
func (a *App) release() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", "component", c.name, "error", err)
		}
	}
	a.closers = nil
	if a.otelShutdown != nil {
		if err := a.otelShutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
		a.otelShutdown = nil
	}
}

func (a *App) openStore(ctx context.Context) (catalogStore, error) {
	switch a.cfg.CatalogBackend {
	case "sqlite":
		st, err := lite.Open(ctx, a.cfg.SQLitePath, a.logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"sqlite", st.Close})
		a.logger.Info("catalog store: sqlite", "path", a.cfg.SQLitePath)
		return st, nil
	default:
		db, err := storage.New(ctx, a.cfg.DatabaseURL, a.logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"postgres", func() error { db.Close(); return nil }})
		db.RegisterPoolMetrics()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.logger.Info("catalog store: postgres")
		return db, nil
	}
}

// withEmbeddingCache wraps p with the configured cache. A cache that cannot
// be built is logged and skipped.
func (a *App) withEmbeddingCache(ctx context.Context, p embedding.Provider) embedding.Provider {
	if _, isNoop := p.(*embedding.NoopProvider); isNoop || a.cfg.EmbeddingCache == "noop" {
		return p
	}
	cache, err := embedding.NewCache(ctx, embedding.CacheConfig{
		Type:      a.cfg.EmbeddingCache,
		RedisURL:  a.cfg.RedisURL,
		KeyPrefix: "shirube:embedding",
		MaxSize:   a.cfg.EmbeddingCacheSize,
		TTL:       a.cfg.EmbeddingCacheTTL,
	})
	if err != nil {
		a.logger.Warn("embedding cache unavailable, embedding without cache", "type", a.cfg.EmbeddingCache, "error", err)
		return p
	}
	if c, ok := cache.(io.Closer); ok {
		a.closers = append(a.closers, namedCloser{"embedding cache", c.Close})
	}
	a.logger.Info("embedding cache enabled", "type", a.cfg.EmbeddingCache)
	return embedding.NewCachedProvider(p, cache, a.cfg.EmbeddingModel)
}

// newPublisher connects to AMQP when configured. A broker that cannot be
// reached degrades to the no-op publisher: run outcomes are still returned
// to callers and trust updates still persist.
func (a *App) newPublisher() publish.Publisher {
	if a.cfg.AMQPURL == "" {
		a.logger.Info("amqp: disabled (no AMQP_URL)")
		return publish.Noop{}
	}
	p, err := publish.NewAMQPPublisher(a.cfg.AMQPURL, a.cfg.AMQPExchange)
	if err != nil {
		a.logger.Warn("amqp: unavailable, run outcomes will not be published", "error", err)
		return publish.Noop{}
	}
	a.closers = append(a.closers, namedCloser{"amqp", p.Close})
	a.logger.Info("amqp: enabled", "exchange", a.cfg.AMQPExchange)
	return p
}

// newLimiters builds the per-client limiters for runs and searches. Both
// are nil when rate limiting is off.
func (a *App) newLimiters(ctx context.Context) (ratelimit.Limiter, ratelimit.Limiter, error) {
	switch a.cfg.RateLimitBackend {
	case "off":
		a.logger.Info("rate limiting: disabled")
		return nil, nil, nil
	case "redis":
		runLim, err := ratelimit.NewRedisLimiter(ctx, a.cfg.RedisURL, "shirube:ratelimit", a.cfg.RunsPerMinute, time.Minute)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"runs limiter", runLim.Close})
		searchLim, err := ratelimit.NewRedisLimiter(ctx, a.cfg.RedisURL, "shirube:ratelimit", a.cfg.SearchesPerMinute, time.Minute)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}
		a.closers = append(a.closers, namedCloser{"search limiter", searchLim.Close})
		a.logger.Info("rate limiting: redis (fixed window)",
			"runs_per_minute", a.cfg.RunsPerMinute, "searches_per_minute", a.cfg.SearchesPerMinute)
		return runLim, searchLim, nil
	default:
		runLim := ratelimit.PerMinute(a.cfg.RunsPerMinute)
		searchLim := ratelimit.PerMinute(a.cfg.SearchesPerMinute)
		a.closers = append(a.closers,
			namedCloser{"runs limiter", runLim.Close},
			namedCloser{"search limiter", searchLim.Close})
		a.logger.Info("rate limiting: memory (in-process token bucket)",
			"runs_per_minute", a.cfg.RunsPerMinute, "searches_per_minute", a.cfg.SearchesPerMinute)
		return runLim, searchLim, nil
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	openAI := func(source string) embedding.Provider {
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, "", cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai"+source, "model", cfg.EmbeddingModel, "dimensions", dims)
		return p
	}

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when SHIRUBE_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		return openAI("")

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (keyword ranking only)")
		return embedding.NewNoopProvider(dims)

	default:
		if embedding.Reachable(ctx, cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			return openAI(" (auto-detected)")
		}
		logger.Warn("no embedding provider available, using noop (keyword ranking only)")
		return embedding.NewNoopProvider(dims)
	}
}

// embeddingAdapter wraps a public EmbeddingProvider to satisfy
// embedding.Provider.
type embeddingAdapter struct {
	p EmbeddingProvider
}

func (a embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(texts) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d texts", len(vs), len(texts))
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a embeddingAdapter) Dimensions() int {
	return a.p.Dimensions()
}
