package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shirube/internal/ratelimit"
)

// Server is the shirube HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): QdrantCheck, RunLimiter, SearchLimiter,
// MCPServer, OpenAPISpec, ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Catalog  Catalog
	Searcher Searcher
	Runner   RunStreamer
	DBCheck  HealthCheck
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	QdrantCheck   HealthCheck
	LLMConfigured bool
	RunLimiter    ratelimit.Limiter
	SearchLimiter ratelimit.Limiter
	MCPServer     *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// ExtraRoutes register additional routes after the built-in ones. They
	// share the middleware chain.
	ExtraRoutes []func(mux *http.ServeMux)
	// Middlewares wrap the whole handler, outermost first.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Catalog:             cfg.Catalog,
		Searcher:            cfg.Searcher,
		Runner:              cfg.Runner,
		DBCheck:             cfg.DBCheck,
		QdrantCheck:         cfg.QdrantCheck,
		LLMConfigured:       cfg.LLMConfigured,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	runsRL := ratelimit.Middleware(cfg.RunLimiter, ratelimit.Rule{
		Prefix: "runs", RetryAfter: 2 * time.Second,
	}, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	searchRL := ratelimit.Middleware(cfg.SearchLimiter, ratelimit.Rule{
		Prefix: "search", RetryAfter: time.Second,
	}, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Catalog.
	mux.HandleFunc("POST /v1/tools", h.HandleRegisterTool)
	mux.HandleFunc("GET /v1/tools", h.HandleListTools)
	mux.HandleFunc("GET /v1/tools/{id}", h.HandleGetTool)
	mux.HandleFunc("GET /v1/tools/{id}/trust", h.HandleTrustHistory)

	// Ranking and runs (rate limited per client IP).
	mux.Handle("POST /v1/tools/search", searchRL(http.HandlerFunc(h.HandleSearchTools)))
	mux.Handle("POST /v1/runs", runsRL(http.HandlerFunc(h.HandleRun)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
