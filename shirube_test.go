package shirube

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirube/internal/config"
	"github.com/ashita-ai/shirube/internal/service/embedding"
)

type stubProvider struct {
	vecs [][]float32
	err  error
}

func (s stubProvider) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vecs[0], nil
}

func (s stubProvider) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return s.vecs, s.err
}

func (stubProvider) Dimensions() int { return 3 }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmbeddingAdapter(t *testing.T) {
	ctx := context.Background()
	a := embeddingAdapter{p: stubProvider{vecs: [][]float32{{1, 0, 0}, {0, 1, 0}}}}

	v, err := a.Embed(ctx, "calculator")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, v.Slice())
	assert.Equal(t, 3, a.Dimensions())

	vs, err := a.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, []float32{0, 1, 0}, vs[1].Slice())

	_, err = a.EmbedBatch(ctx, []string{"a", "b", "c"})
	assert.ErrorContains(t, err, "returned 2 vectors for 3 texts")

	boom := errors.New("boom")
	_, err = embeddingAdapter{p: stubProvider{err: boom}}.Embed(ctx, "x")
	assert.ErrorIs(t, err, boom)
}

func TestNewEmbeddingProvider(t *testing.T) {
	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ollama.Close)

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	base := config.Config{EmbeddingDimensions: 8, EmbeddingModel: "text-embedding-3-small", OllamaModel: "mxbai-embed-large"}
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   any
	}{
		{"noop", func(c *config.Config) { c.EmbeddingProvider = "noop" }, &embedding.NoopProvider{}},
		{"openai without key", func(c *config.Config) { c.EmbeddingProvider = "openai" }, &embedding.NoopProvider{}},
		{"openai", func(c *config.Config) { c.EmbeddingProvider = "openai"; c.OpenAIAPIKey = "sk-test" }, &embedding.OpenAIProvider{}},
		{"ollama", func(c *config.Config) { c.EmbeddingProvider = "ollama"; c.OllamaURL = downURL }, &embedding.OllamaProvider{}},
		{"auto prefers reachable ollama", func(c *config.Config) {
			c.EmbeddingProvider = "auto"
			c.OllamaURL = ollama.URL
			c.OpenAIAPIKey = "sk-test"
		}, &embedding.OllamaProvider{}},
		{"auto falls back to openai", func(c *config.Config) {
			c.EmbeddingProvider = "auto"
			c.OllamaURL = downURL
			c.OpenAIAPIKey = "sk-test"
		}, &embedding.OpenAIProvider{}},
		{"auto with nothing available", func(c *config.Config) {
			c.EmbeddingProvider = "auto"
			c.OllamaURL = downURL
		}, &embedding.NoopProvider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			p := newEmbeddingProvider(ctx, cfg, discardLogger())
			assert.IsType(t, tt.want, p)
			assert.Equal(t, 8, p.Dimensions())
		})
	}
}

func TestWithEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	app := &App{
		cfg: config.Config{
			EmbeddingCache:     "memory",
			EmbeddingCacheSize: 16,
			EmbeddingCacheTTL:  time.Minute,
			EmbeddingModel:     "m",
		},
		logger: discardLogger(),
	}

	noop := embedding.NewNoopProvider(3)
	assert.Same(t, noop, app.withEmbeddingCache(ctx, noop), "noop provider is never cached")

	inner := embeddingAdapter{p: stubProvider{vecs: [][]float32{{1, 0, 0}}}}
	assert.IsType(t, &embedding.CachedProvider{}, app.withEmbeddingCache(ctx, inner))

	app.cfg.EmbeddingCache = "noop"
	assert.Equal(t, inner, app.withEmbeddingCache(ctx, inner))

	app.cfg.EmbeddingCache = "memcached"
	assert.Equal(t, inner, app.withEmbeddingCache(ctx, inner), "unknown cache type degrades to uncached")
}

func TestNewLimiters(t *testing.T) {
	ctx := context.Background()

	app := &App{cfg: config.Config{RateLimitBackend: "off"}, logger: discardLogger()}
	runLim, searchLim, err := app.newLimiters(ctx)
	require.NoError(t, err)
	assert.Nil(t, runLim)
	assert.Nil(t, searchLim)
	assert.Empty(t, app.closers)

	app = &App{cfg: config.Config{RateLimitBackend: "memory", RunsPerMinute: 1, SearchesPerMinute: 60}, logger: discardLogger()}
	runLim, searchLim, err = app.newLimiters(ctx)
	require.NoError(t, err)
	require.NotNil(t, runLim)
	require.NotNil(t, searchLim)
	assert.Len(t, app.closers, 2)

	ok, err := runLim.Allow(ctx, "runs:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = runLim.Allow(ctx, "runs:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "one run per minute leaves no burst for a second")

	app.release()
	assert.Empty(t, app.closers)
}

func TestNewPublisherWithoutBroker(t *testing.T) {
	app := &App{logger: discardLogger()}
	p := app.newPublisher()
	require.NotNil(t, p)
	assert.Empty(t, app.closers)
}

func TestOptions(t *testing.T) {
	logger := discardLogger()
	var o resolvedOptions
	for _, fn := range []Option{
		WithPort(9090),
		WithDatabaseURL("postgres://localhost/shirube"),
		WithCatalogFile("tools.yaml"),
		WithLogger(logger),
		WithVersion("1.2.3"),
		WithEmbeddingProvider(stubProvider{}),
		WithExtraRoutes(func(*http.ServeMux) {}),
		WithMiddleware(func(h http.Handler) http.Handler { return h }),
	} {
		fn(&o)
	}

	assert.Equal(t, 9090, o.port)
	assert.Equal(t, "postgres://localhost/shirube", o.databaseURL)
	assert.Equal(t, "tools.yaml", o.catalogFile)
	assert.Same(t, logger, o.logger)
	assert.Equal(t, "1.2.3", o.version)
	assert.NotNil(t, o.embeddingProvider)
	assert.Len(t, o.routeRegistrars, 1)
	assert.Len(t, o.middlewares, 1)
}
