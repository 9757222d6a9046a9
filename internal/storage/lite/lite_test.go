package lite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addTool(t *testing.T, s *Store, name, desc string, trust float64, vec []float32) model.ToolCandidate {
	t.Helper()
	var v *pgvector.Vector
	if vec != nil {
		pv := pgvector.NewVector(vec)
		v = &pv
	}
	tool, err := s.UpsertTool(context.Background(), model.ToolCandidate{
		Name:              name,
		Transport:         model.TransportNetwork,
		EndpointOrCommand: "http://" + name + ".local/mcp",
		Description:       desc,
		TrustScore:        trust,
	}, v)
	require.NoError(t, err)
	return tool
}

func TestUpsertKeepsTrustAndEmbedding(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	first := addTool(t, s, "weather", "forecasts", 70, []float32{1, 0})
	again, err := s.UpsertTool(ctx, model.ToolCandidate{
		Name:              "weather",
		Transport:         model.TransportNetwork,
		EndpointOrCommand: "http://weather.local/mcp",
		Description:       "hourly forecasts",
		TrustScore:        10,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 70.0, again.TrustScore)
	assert.Equal(t, "hourly forecasts", again.Description)

	missing, err := s.ListToolsMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestGetToolNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.GetTool(context.Background(), 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHybridSearch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	strong := addTool(t, s, "strong", "", 90, []float32{1, 0})
	near := addTool(t, s, "near", "", 10, []float32{0.95, 0.312})
	weak := addTool(t, s, "weak", "", 100, []float32{0, 1})
	addTool(t, s, "unembedded", "", 100, nil)

	got, err := s.HybridSearch(ctx, pgvector.NewVector([]float32{1, 0}),
		model.RankParams{Alpha: 0.7, Theta: 0.3, TopN: 20, TopK: 5}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, strong.ID, got[0].Tool.ID)
	assert.Equal(t, near.ID, got[1].Tool.ID)
	for _, rc := range got {
		assert.NotEqual(t, weak.ID, rc.Tool.ID)
	}

	restricted, err := s.HybridSearch(ctx, pgvector.NewVector([]float32{1, 0}),
		model.RankParams{Alpha: 0.7, Theta: 0.3, TopN: 20, TopK: 5}, []int64{near.ID})
	require.NoError(t, err)
	require.Len(t, restricted, 1)
	assert.Equal(t, near.ID, restricted[0].Tool.ID)
	assert.Equal(t, 0.0, restricted[0].TrustScoreNorm)
}

func TestKeywordSearchOrdersByTrust(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	low := addTool(t, s, "weather-basic", "forecasts", 20, nil)
	high := addTool(t, s, "climate", "Weather history", 80, nil)
	addTool(t, s, "calendar", "events", 99, nil)
	addTool(t, s, "percent", "100%_done", 99, nil)

	got, err := s.KeywordSearch(ctx, "weather", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, high.ID, got[0].ID)
	assert.Equal(t, low.ID, got[1].ID)

	got, err = s.KeywordSearch(ctx, "weather", []int64{low.ID}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// "_" is literal, not a wildcard.
	got, err = s.KeywordSearch(ctx, "%_d", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "percent", got[0].Name)
}

func TestTrustUpdateAndHistory(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	tool := addTool(t, s, "weather", "", 80, nil)

	require.NoError(t, s.UpdateTrustScore(ctx, model.TrustEvent{
		ToolID: tool.ID, RunID: "run-1", Status: model.AssessmentSuccess,
		PreviousScore: 80, EffectiveScore: 90, NewScore: 82,
	}))

	got, err := s.GetTool(ctx, tool.ID)
	require.NoError(t, err)
	assert.Equal(t, 82.0, got.TrustScore)

	events, err := s.ListTrustEvents(ctx, tool.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run-1", events[0].RunID)
	assert.Equal(t, 90, events[0].EffectiveScore)

	err = s.UpdateTrustScore(ctx, model.TrustEvent{ToolID: 999, Status: model.AssessmentSuccess, NewScore: 1})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolveAndFetchByIDs(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	a := addTool(t, s, "a", "", 50, nil)
	b := addTool(t, s, "b", "", 50, nil)

	ids, err := s.ResolveToolIDs(ctx, []model.ToolKey{
		{Name: "a", Transport: model.TransportNetwork, EndpointOrCommand: "http://a.local/mcp"},
		{Name: "b", Transport: model.TransportLocal, EndpointOrCommand: "http://b.local/mcp"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	byID, err := s.GetToolsByIDs(ctx, []int64{a.ID, b.ID, 404})
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	require.NoError(t, s.SetToolEmbedding(ctx, b.ID, pgvector.NewVector([]float32{0, 1})))
	missing, err := s.ListToolsMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, a.ID, missing[0].ID)
}

func TestVectorEncoding(t *testing.T) {
	in := []float32{1.5, -2, 0}
	assert.Equal(t, in, decodeVector(encodeVector(in)))
}
