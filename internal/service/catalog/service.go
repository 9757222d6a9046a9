// Package catalog provides the tool catalog maintenance shared by the HTTP
// API, the MCP server and startup sync: registration with embedding,
// manifest sync, embedding backfill and the Qdrant mirror.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/search"
	"github.com/ashita-ai/shirube/internal/service/embedding"
	"github.com/ashita-ai/shirube/internal/telemetry"
)

// Store is the catalog persistence the service writes through. Both the
// Postgres and the SQLite backends satisfy it.
type Store interface {
	UpsertTool(ctx context.Context, c model.ToolCandidate, embedding *pgvector.Vector) (model.ToolCandidate, error)
	GetTool(ctx context.Context, id int64) (model.ToolCandidate, error)
	ListTools(ctx context.Context, limit, offset int) ([]model.ToolCandidate, error)
	ListToolsMissingEmbedding(ctx context.Context, limit int) ([]model.ToolCandidate, error)
	SetToolEmbedding(ctx context.Context, id int64, vec pgvector.Vector) error
	ListTrustEvents(ctx context.Context, toolID int64, limit int) ([]model.TrustEvent, error)
}

// Mirror receives every stored embedding. The Qdrant index implements it.
type Mirror interface {
	Upsert(ctx context.Context, points []search.Point) error
}

// Service encapsulates catalog writes.
type Service struct {
	store    Store
	embedder embedding.Provider
	mirror   Mirror
	logger   *slog.Logger

	embeddingDuration metric.Float64Histogram
}

// New creates a catalog Service. mirror may be nil when Qdrant is not
// configured.
func New(store Store, embedder embedding.Provider, mirror Mirror, logger *slog.Logger) *Service {
	embDur, _ := telemetry.Meter("shirube/catalog").Float64Histogram("shirube.embedding.duration",
		metric.WithDescription("Time to embed catalog entries (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:             store,
		embedder:          embedder,
		mirror:            mirror,
		logger:            logger,
		embeddingDuration: embDur,
	}
}

// Register validates and upserts one catalog entry. The entry is embedded
// first; when embedding fails it is stored without a vector and picked up by
// the next backfill.
func (s *Service) Register(ctx context.Context, req model.UpsertToolRequest) (model.ToolCandidate, error) {
	if err := req.Validate(); err != nil {
		return model.ToolCandidate{}, fmt.Errorf("catalog: %w", err)
	}
	c := req.Candidate()

	var vecPtr *pgvector.Vector
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, c.EmbeddingText())
	switch {
	case err == nil:
		if err := s.validateEmbeddingDims(vec); err != nil {
			s.logger.Warn("catalog: discarding embedding", "tool", c.Name, "error", err)
		} else {
			vecPtr = &vec
		}
		if s.embeddingDuration != nil {
			s.embeddingDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	case errors.Is(err, embedding.ErrNoProvider):
	default:
		s.logger.Warn("catalog: embedding failed, storing without vector", "tool", c.Name, "error", err)
	}

	stored, err := s.store.UpsertTool(ctx, c, vecPtr)
	if err != nil {
		return model.ToolCandidate{}, err
	}
	if vecPtr != nil {
		s.mirrorPoints(ctx, []search.Point{pointFor(stored, vecPtr.Slice())})
	}
	return stored, nil
}

// Get returns one catalog entry.
func (s *Service) Get(ctx context.Context, id int64) (model.ToolCandidate, error) {
	return s.store.GetTool(ctx, id)
}

// List returns a page of catalog entries.
func (s *Service) List(ctx context.Context, limit, offset int) ([]model.ToolCandidate, error) {
	return s.store.ListTools(ctx, limit, offset)
}

// TrustHistory returns the most recent trust transitions of a tool.
func (s *Service) TrustHistory(ctx context.Context, id int64, limit int) ([]model.TrustEvent, error) {
	if _, err := s.store.GetTool(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTrustEvents(ctx, id, limit)
}

// BackfillEmbeddings embeds catalog entries that have no vector, in batches
// of batchSize, until none are left or the provider fails. It returns the
// number of entries embedded.
func (s *Service) BackfillEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	total := 0
	for {
		pending, err := s.store.ListToolsMissingEmbedding(ctx, batchSize)
		if err != nil {
			return total, fmt.Errorf("catalog: list missing embeddings: %w", err)
		}
		if len(pending) == 0 {
			return total, nil
		}

		texts := make([]string, len(pending))
		for i, c := range pending {
			texts[i] = c.EmbeddingText()
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if errors.Is(err, embedding.ErrNoProvider) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("catalog: embed batch: %w", err)
		}
		if len(vecs) != len(pending) {
			return total, fmt.Errorf("catalog: embed batch: got %d vectors for %d entries", len(vecs), len(pending))
		}

		points := make([]search.Point, 0, len(pending))
		for i, c := range pending {
			if err := s.validateEmbeddingDims(vecs[i]); err != nil {
				return total, fmt.Errorf("catalog: tool %d: %w", c.ID, err)
			}
			if err := s.store.SetToolEmbedding(ctx, c.ID, vecs[i]); err != nil {
				return total, err
			}
			points = append(points, pointFor(c, vecs[i].Slice()))
			total++
		}
		s.mirrorPoints(ctx, points)

		if len(pending) < batchSize {
			return total, nil
		}
	}
}

// mirrorPoints copies embeddings to the ANN index. Failures only cost index
// freshness; ranking falls back to the catalog.
func (s *Service) mirrorPoints(ctx context.Context, points []search.Point) {
	if s.mirror == nil || len(points) == 0 {
		return
	}
	if err := s.mirror.Upsert(ctx, points); err != nil {
		s.logger.Warn("catalog: index mirror failed", "points", len(points), "error", err)
	}
}

func pointFor(c model.ToolCandidate, vec []float32) search.Point {
	return search.Point{
		ToolID:    c.ID,
		Name:      c.Name,
		Transport: c.Transport,
		Category:  c.Category,
		Embedding: vec,
	}
}

// validateEmbeddingDims checks that the vector has the expected number of dimensions.
func (s *Service) validateEmbeddingDims(v pgvector.Vector) error {
	expected := s.embedder.Dimensions()
	got := len(v.Slice())
	if got != expected {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", got, expected)
	}
	return nil
}
