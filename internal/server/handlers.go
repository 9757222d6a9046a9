package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/pipeline"
	"github.com/ashita-ai/shirube/internal/search"
	"github.com/ashita-ai/shirube/internal/stream"
)

// Catalog is the catalog surface the HTTP API exposes.
type Catalog interface {
	Register(ctx context.Context, req model.UpsertToolRequest) (model.ToolCandidate, error)
	Get(ctx context.Context, id int64) (model.ToolCandidate, error)
	List(ctx context.Context, limit, offset int) ([]model.ToolCandidate, error)
	TrustHistory(ctx context.Context, id int64, limit int) ([]model.TrustEvent, error)
}

// Searcher ranks catalog tools for a query.
type Searcher interface {
	Search(ctx context.Context, query string, allowedIDs []int64, p model.RankParams) (search.Response, error)
	Defaults() model.RankParams
}

// RunStreamer executes a run and streams its events to a sink.
type RunStreamer interface {
	Stream(ctx context.Context, req pipeline.Request, sink stream.Sink) model.RunSummary
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	catalog             Catalog
	searcher            Searcher
	runner              RunStreamer
	dbCheck             HealthCheck
	qdrantCheck         HealthCheck
	llmConfigured       bool
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): QdrantCheck, OpenAPISpec.
type HandlersDeps struct {
	Catalog             Catalog
	Searcher            Searcher
	Runner              RunStreamer
	DBCheck             HealthCheck
	QdrantCheck         HealthCheck
	LLMConfigured       bool
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		catalog:             d.Catalog,
		searcher:            d.Searcher,
		runner:              d.Runner,
		dbCheck:             d.DBCheck,
		qdrantCheck:         d.QdrantCheck,
		llmConfigured:       d.LLMConfigured,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// healthCheckTimeout bounds each dependency probe of GET /health.
const healthCheckTimeout = 2 * time.Second

// HandleHealth handles GET /health.
// The catalog database is required; Qdrant and the LLM only degrade ranking
// and planning quality.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	pgStatus := "connected"
	if err := h.probe(r.Context(), h.dbCheck); err != nil {
		h.logger.Warn("health: catalog database unreachable", "error", err)
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	var qdrantStatus string
	if h.qdrantCheck != nil {
		qdrantStatus = "connected"
		if err := h.probe(r.Context(), h.qdrantCheck); err != nil {
			h.logger.Warn("health: qdrant unreachable", "error", err)
			qdrantStatus = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	llmStatus := "configured"
	if !h.llmConfigured {
		llmStatus = "unconfigured"
		if status == "healthy" {
			status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Qdrant:   qdrantStatus,
		LLM:      llmStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

func (h *Handlers) probe(ctx context.Context, check HealthCheck) error {
	if check == nil {
		return fmt.Errorf("no health check configured")
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return check(ctx)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func parseToolID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return 0, fmt.Errorf("tool id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tool id: %s", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
