package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/service/embedding"
	"github.com/ashita-ai/shirube/internal/telemetry"
)

// ErrEmptyQuery is returned when the query has no searchable text.
var ErrEmptyQuery = errors.New("search: empty query")

// Catalog is the tool catalog store used by ranking.
type Catalog interface {
	HybridSearch(ctx context.Context, vec pgvector.Vector, p model.RankParams, allowedIDs []int64) ([]model.RankedCandidate, error)
	KeywordSearch(ctx context.Context, keyword string, allowedIDs []int64, limit int) ([]model.ToolCandidate, error)
	GetToolsByIDs(ctx context.Context, ids []int64) (map[int64]model.ToolCandidate, error)
}

// Index is an external ANN index over tool embeddings. When configured, it
// supplies the nearest candidate set and Postgres supplies the rows.
type Index interface {
	Nearest(ctx context.Context, vec []float32, allowedIDs []int64, limit int) ([]Result, error)
	Healthy(ctx context.Context) error
}

// Result is a point returned by an Index with its cosine distance.
type Result struct {
	ToolID   int64
	Distance float64
}

// Response is the outcome of a ranking call. Fallback is true when results
// came from the keyword path and carry no fused scores.
type Response struct {
	Results  []model.RankedCandidate `json:"results"`
	Fallback bool                    `json:"fallback"`
}

// Ranker implements hybrid tool ranking.
type Ranker struct {
	catalog  Catalog
	embedder embedding.Provider
	index    Index
	defaults model.RankParams
	logger   *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
}

// NewRanker creates a ranker. index may be nil.
func NewRanker(catalog Catalog, embedder embedding.Provider, index Index, defaults model.RankParams, logger *slog.Logger) *Ranker {
	meter := telemetry.Meter("shirube/search")
	duration, _ := meter.Float64Histogram("shirube.search.duration",
		metric.WithDescription("Tool ranking latency"),
		metric.WithUnit("ms"),
	)
	return &Ranker{
		catalog:  catalog,
		embedder: embedder,
		index:    index,
		defaults: defaults,
		logger:   logger,
		tracer:   telemetry.Tracer("shirube/search"),
		duration: duration,
	}
}

// Defaults returns the ranking parameters used when a caller leaves them unset.
func (r *Ranker) Defaults() model.RankParams {
	return r.defaults
}

// Search ranks catalog tools for query. Callers start from Defaults() and
// override what they need; non-positive TopN or TopK take the defaults. An
// empty allowedIDs scans the full catalog.
//
// When the query cannot be embedded, or the vector catalog fails, results
// come from a keyword substring match ordered by raw trust score. An error is
// returned only when the keyword path fails too.
func (r *Ranker) Search(ctx context.Context, query string, allowedIDs []int64, p model.RankParams) (Response, error) {
	if query == "" {
		return Response{}, ErrEmptyQuery
	}
	p = r.withDefaults(p)

	ctx, span := r.tracer.Start(ctx, "search.rank")
	defer span.End()
	start := time.Now()

	resp, err := r.search(ctx, query, allowedIDs, p)

	span.SetAttributes(
		attribute.Bool("search.fallback", resp.Fallback),
		attribute.Int("search.results", len(resp.Results)),
	)
	if err != nil {
		span.RecordError(err)
	}
	if r.duration != nil {
		r.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.Bool("fallback", resp.Fallback)))
	}
	return resp, err
}

func (r *Ranker) search(ctx context.Context, query string, allowedIDs []int64, p model.RankParams) (Response, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if !errors.Is(err, embedding.ErrNoProvider) {
			r.logger.Warn("search: embedding failed, using keyword fallback", "error", err)
		}
		return r.keyword(ctx, query, allowedIDs, p)
	}

	if r.index != nil {
		ranked, err := r.viaIndex(ctx, vec.Slice(), allowedIDs, p)
		if err == nil {
			return Response{Results: ranked}, nil
		}
		r.logger.Warn("search: index query failed, using catalog", "error", err)
	}

	ranked, err := r.catalog.HybridSearch(ctx, vec, p, allowedIDs)
	if err != nil {
		r.logger.Warn("search: hybrid search failed, using keyword fallback", "error", err)
		return r.keyword(ctx, query, allowedIDs, p)
	}
	return Response{Results: ranked}, nil
}

func (r *Ranker) viaIndex(ctx context.Context, vec []float32, allowedIDs []int64, p model.RankParams) ([]model.RankedCandidate, error) {
	if err := r.index.Healthy(ctx); err != nil {
		return nil, err
	}
	hits, err := r.index.Nearest(ctx, vec, allowedIDs, p.TopN)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ToolID
	}
	tools, err := r.catalog.GetToolsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: hydrate index hits: %w", err)
	}

	cands := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		t, ok := tools[h.ToolID]
		if !ok {
			// Deleted from the catalog after the index was last synced.
			continue
		}
		cands = append(cands, Candidate{Tool: t, Distance: h.Distance})
	}
	return Fuse(cands, p), nil
}

func (r *Ranker) keyword(ctx context.Context, query string, allowedIDs []int64, p model.RankParams) (Response, error) {
	tools, err := r.catalog.KeywordSearch(ctx, query, allowedIDs, p.TopK)
	if err != nil {
		return Response{Fallback: true}, fmt.Errorf("search: keyword fallback: %w", err)
	}
	out := make([]model.RankedCandidate, len(tools))
	for i, t := range tools {
		out[i] = model.RankedCandidate{Tool: t}
	}
	return Response{Results: out, Fallback: true}, nil
}

func (r *Ranker) withDefaults(p model.RankParams) model.RankParams {
	if p.TopN <= 0 {
		p.TopN = r.defaults.TopN
	}
	if p.TopK <= 0 {
		p.TopK = r.defaults.TopK
	}
	return p
}
