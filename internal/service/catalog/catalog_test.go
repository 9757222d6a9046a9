package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/search"
	"github.com/ashita-ai/shirube/internal/service/embedding"
	"github.com/ashita-ai/shirube/internal/storage"
)

type memStore struct {
	mu     sync.Mutex
	nextID int64
	tools  map[int64]model.ToolCandidate
	vecs   map[int64][]float32
	events map[int64][]model.TrustEvent
}

func newMemStore() *memStore {
	return &memStore{tools: map[int64]model.ToolCandidate{}, vecs: map[int64][]float32{}, events: map[int64][]model.TrustEvent{}}
}

func (m *memStore) UpsertTool(_ context.Context, c model.ToolCandidate, emb *pgvector.Vector) (model.ToolCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tools {
		if t.Config().Key() == c.Config().Key() {
			c.ID = id
		}
	}
	if c.ID == 0 {
		m.nextID++
		c.ID = m.nextID
	}
	m.tools[c.ID] = c
	if emb != nil {
		m.vecs[c.ID] = emb.Slice()
	}
	return c, nil
}

func (m *memStore) GetTool(_ context.Context, id int64) (model.ToolCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tools[id]
	if !ok {
		return model.ToolCandidate{}, storage.ErrNotFound
	}
	return t, nil
}

func (m *memStore) ListTools(_ context.Context, limit, offset int) ([]model.ToolCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ToolCandidate
	for id := int64(1); id <= m.nextID; id++ {
		if t, ok := m.tools[id]; ok {
			out = append(out, t)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListToolsMissingEmbedding(_ context.Context, limit int) ([]model.ToolCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ToolCandidate
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		if _, ok := m.vecs[id]; !ok {
			out = append(out, m.tools[id])
		}
	}
	return out, nil
}

func (m *memStore) SetToolEmbedding(_ context.Context, id int64, vec pgvector.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vecs[id] = vec.Slice()
	return nil
}

func (m *memStore) ListTrustEvents(_ context.Context, toolID int64, _ int) ([]model.TrustEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[toolID], nil
}

type fixedEmbedder struct {
	dims    int
	fail    error
	batches int
}

func (f *fixedEmbedder) Dimensions() int { return f.dims }

func (f *fixedEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if f.fail != nil {
		return pgvector.Vector{}, f.fail
	}
	v := make([]float32, f.dims)
	v[0] = float32(len(text))
	return pgvector.NewVector(v), nil
}

func (f *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	f.batches++
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type recordingMirror struct {
	points []search.Point
	fail   error
}

func (r *recordingMirror) Upsert(_ context.Context, points []search.Point) error {
	if r.fail != nil {
		return r.fail
	}
	r.points = append(r.points, points...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func weatherRequest() model.UpsertToolRequest {
	return model.UpsertToolRequest{
		Name:              "weather",
		Transport:         model.TransportNetwork,
		EndpointOrCommand: "https://weather.example.com/mcp",
		Description:       "Forecasts by city",
		Category:          "weather",
	}
}

func TestRegister_EmbedsAndMirrors(t *testing.T) {
	store := newMemStore()
	mirror := &recordingMirror{}
	svc := New(store, &fixedEmbedder{dims: 4}, mirror, testLogger())

	got, err := svc.Register(context.Background(), weatherRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, model.DefaultTrustScore, got.TrustScore)
	assert.Len(t, store.vecs[1], 4)

	require.Len(t, mirror.points, 1)
	assert.Equal(t, int64(1), mirror.points[0].ToolID)
	assert.Equal(t, model.TransportNetwork, mirror.points[0].Transport)
	assert.Equal(t, "weather", mirror.points[0].Category)
}

func TestRegister_RejectsInvalid(t *testing.T) {
	svc := New(newMemStore(), &fixedEmbedder{dims: 4}, nil, testLogger())

	req := weatherRequest()
	req.EndpointOrCommand = "ftp://weather.example.com"
	_, err := svc.Register(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http or https")
}

func TestRegister_WithoutProviderStoresNoVector(t *testing.T) {
	store := newMemStore()
	mirror := &recordingMirror{}
	svc := New(store, embedding.NewNoopProvider(4), mirror, testLogger())

	_, err := svc.Register(context.Background(), weatherRequest())
	require.NoError(t, err)
	assert.Empty(t, store.vecs)
	assert.Empty(t, mirror.points)
}

func TestRegister_EmbeddingFailureStillStores(t *testing.T) {
	store := newMemStore()
	svc := New(store, &fixedEmbedder{dims: 4, fail: errors.New("rate limited")}, nil, testLogger())

	got, err := svc.Register(context.Background(), weatherRequest())
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.Empty(t, store.vecs)
}

func TestRegister_MirrorFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	svc := New(store, &fixedEmbedder{dims: 4}, &recordingMirror{fail: errors.New("qdrant down")}, testLogger())

	_, err := svc.Register(context.Background(), weatherRequest())
	require.NoError(t, err)
	assert.Len(t, store.vecs[1], 4)
}

func TestBackfillEmbeddings_Batches(t *testing.T) {
	store := newMemStore()
	noop := New(store, embedding.NewNoopProvider(4), nil, testLogger())
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		req := weatherRequest()
		req.Name = name
		_, err := noop.Register(context.Background(), req)
		require.NoError(t, err)
	}
	require.Empty(t, store.vecs)

	emb := &fixedEmbedder{dims: 4}
	mirror := &recordingMirror{}
	svc := New(store, emb, mirror, testLogger())

	n, err := svc.BackfillEmbeddings(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 3, emb.batches)
	assert.Len(t, store.vecs, 5)
	assert.Len(t, mirror.points, 5)
}

func TestBackfillEmbeddings_NoopReturnsZero(t *testing.T) {
	store := newMemStore()
	svc := New(store, embedding.NewNoopProvider(4), nil, testLogger())
	_, err := svc.Register(context.Background(), weatherRequest())
	require.NoError(t, err)

	n, err := svc.BackfillEmbeddings(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrustHistory_UnknownTool(t *testing.T) {
	svc := New(newMemStore(), &fixedEmbedder{dims: 4}, nil, testLogger())
	_, err := svc.TrustHistory(context.Background(), 42, 10)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(strings.NewReader(`
tools:
  - name: weather
    transport: network
    endpoint_or_command: https://weather.example.com/mcp
    description: Forecasts by city
    trust_score: 70
  - name: files
    transport: local
    endpoint_or_command: mcp-files
    args: ["--root", "/srv"]
    description: Read local files
`))
	require.NoError(t, err)
	require.Len(t, m.Tools, 2)
	require.NotNil(t, m.Tools[0].TrustScore)
	assert.Equal(t, 70.0, *m.Tools[0].TrustScore)
	assert.Equal(t, model.TransportLocal, m.Tools[1].Transport)
	assert.Equal(t, []string{"--root", "/srv"}, m.Tools[1].Args)
}

func TestLoadManifest_UnknownField(t *testing.T) {
	_, err := LoadManifest(strings.NewReader("tools:\n  - name: x\n    endpoint: https://x\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestLoadManifest_Empty(t *testing.T) {
	m, err := LoadManifest(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, m.Tools)

	m, err = LoadManifestFile("")
	require.NoError(t, err)
	assert.Empty(t, m.Tools)
}

func TestSyncManifest_SkipsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools:
  - name: weather
    transport: network
    endpoint_or_command: https://weather.example.com/mcp
    description: Forecasts by city
  - name: broken
    transport: carrier-pigeon
    endpoint_or_command: coop
`), 0o600))

	store := newMemStore()
	svc := New(store, &fixedEmbedder{dims: 4}, nil, testLogger())

	n, err := svc.SyncManifest(context.Background(), path)
	assert.Equal(t, 1, n)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tools[1] "broken"`)

	listed, err := svc.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "weather", listed[0].Name)
}

func TestSyncManifest_MissingFile(t *testing.T) {
	svc := New(newMemStore(), &fixedEmbedder{dims: 4}, nil, testLogger())
	_, err := svc.SyncManifest(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
