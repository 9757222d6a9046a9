package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/pipeline"
	"github.com/ashita-ai/shirube/internal/ratelimit"
	"github.com/ashita-ai/shirube/internal/search"
	"github.com/ashita-ai/shirube/internal/storage"
	"github.com/ashita-ai/shirube/internal/stream"
)

type fakeCatalog struct {
	mu    sync.Mutex
	tools map[int64]model.ToolCandidate
	trust map[int64][]model.TrustEvent
	next  int64
	err   error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{tools: map[int64]model.ToolCandidate{}, trust: map[int64][]model.TrustEvent{}}
}

func (c *fakeCatalog) Register(_ context.Context, req model.UpsertToolRequest) (model.ToolCandidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return model.ToolCandidate{}, c.err
	}
	c.next++
	tool := req.Candidate()
	tool.ID = c.next
	c.tools[tool.ID] = tool
	return tool, nil
}

func (c *fakeCatalog) Get(_ context.Context, id int64) (model.ToolCandidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tool, ok := c.tools[id]
	if !ok {
		return model.ToolCandidate{}, fmt.Errorf("fake: tool %d: %w", id, storage.ErrNotFound)
	}
	return tool, nil
}

func (c *fakeCatalog) List(_ context.Context, limit, offset int) ([]model.ToolCandidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	var out []model.ToolCandidate
	for id := int64(1); id <= c.next; id++ {
		if tool, ok := c.tools[id]; ok {
			out = append(out, tool)
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

func (c *fakeCatalog) TrustHistory(ctx context.Context, id int64, limit int) ([]model.TrustEvent, error) {
	if _, err := c.Get(ctx, id); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trust[id], nil
}

type fakeSearcher struct {
	defaults model.RankParams
	resp     search.Response
	err      error

	gotQuery   string
	gotAllowed []int64
	gotParams  model.RankParams
}

func (s *fakeSearcher) Defaults() model.RankParams { return s.defaults }

func (s *fakeSearcher) Search(_ context.Context, query string, allowedIDs []int64, p model.RankParams) (search.Response, error) {
	s.gotQuery, s.gotAllowed, s.gotParams = query, allowedIDs, p
	return s.resp, s.err
}

// fakeRunner emits a fixed event sequence through a real bridge.
type fakeRunner struct {
	mu      sync.Mutex
	gotReq  pipeline.Request
	ctxDone bool
}

func (f *fakeRunner) Stream(ctx context.Context, req pipeline.Request, sink stream.Sink) model.RunSummary {
	f.mu.Lock()
	f.gotReq = req
	f.mu.Unlock()

	b := stream.NewBridge("run-1", sink, stream.Options{})
	_ = b.Emit(model.EventChainStep, model.ChainStepPayload{Step: "planner"})
	_ = b.Emit(model.EventChainStep, model.ChainStepPayload{Step: "executor"})
	summary := model.RunSummary{RunID: "run-1", Task: req.Task, Passed: true, StepsTaken: 1, MaxSteps: req.MaxSteps}
	_ = b.Emit(model.EventFinal, summary)
	b.Close()

	f.mu.Lock()
	f.ctxDone = ctx.Err() != nil
	f.mu.Unlock()
	return summary
}

type fixture struct {
	catalog  *fakeCatalog
	searcher *fakeSearcher
	runner   *fakeRunner
	dbErr    error
	handler  http.Handler
}

func newFixture(t *testing.T, mutate ...func(*ServerConfig)) *fixture {
	t.Helper()
	f := &fixture{
		catalog: newFakeCatalog(),
		searcher: &fakeSearcher{
			defaults: model.RankParams{Alpha: 0.7, Theta: 0.3, TopN: 20, TopK: 5},
		},
		runner: &fakeRunner{},
	}
	cfg := ServerConfig{
		Catalog:             f.catalog,
		Searcher:            f.searcher,
		Runner:              f.runner,
		DBCheck:             func(context.Context) error { return f.dbErr },
		LLMConfigured:       true,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:             "test",
		MaxRequestBodyBytes: 4096,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.handler = New(cfg).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	assert.NotEmpty(t, env.Meta.RequestID)
	return env.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		f := newFixture(t, func(c *ServerConfig) {
			c.QdrantCheck = func(context.Context) error { return nil }
		})
		rec := f.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		h := decodeData[model.HealthResponse](t, rec)
		assert.Equal(t, "healthy", h.Status)
		assert.Equal(t, "connected", h.Postgres)
		assert.Equal(t, "connected", h.Qdrant)
		assert.Equal(t, "configured", h.LLM)
		assert.Equal(t, "test", h.Version)
	})

	t.Run("qdrant down degrades", func(t *testing.T) {
		f := newFixture(t, func(c *ServerConfig) {
			c.QdrantCheck = func(context.Context) error { return errors.New("dial tcp: refused") }
		})
		rec := f.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		h := decodeData[model.HealthResponse](t, rec)
		assert.Equal(t, "degraded", h.Status)
		assert.Equal(t, "disconnected", h.Qdrant)
	})

	t.Run("no llm degrades", func(t *testing.T) {
		f := newFixture(t, func(c *ServerConfig) { c.LLMConfigured = false })
		h := decodeData[model.HealthResponse](t, f.do(t, http.MethodGet, "/health", nil))
		assert.Equal(t, "degraded", h.Status)
		assert.Equal(t, "unconfigured", h.LLM)
		assert.Empty(t, h.Qdrant, "qdrant is omitted when not configured")
	})

	t.Run("database down is unhealthy", func(t *testing.T) {
		f := newFixture(t)
		f.dbErr = errors.New("connection refused")
		rec := f.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		h := decodeData[model.HealthResponse](t, rec)
		assert.Equal(t, "unhealthy", h.Status)
		assert.Equal(t, "disconnected", h.Postgres)
	})
}

func TestOpenAPISpec(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi")

	f = newFixture(t, func(c *ServerConfig) { c.OpenAPISpec = nil })
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/openapi.yaml", nil).Code)
}

func TestRegisterAndGetTool(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/tools", model.UpsertToolRequest{
		Name:              "weather",
		Transport:         model.TransportNetwork,
		EndpointOrCommand: "https://weather.example.com/mcp",
		Description:       "Current conditions and forecasts",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeData[model.ToolCandidate](t, rec)
	assert.Equal(t, int64(1), created.ID)
	assert.InDelta(t, model.DefaultTrustScore, created.TrustScore, 1e-9)

	rec = f.do(t, http.MethodGet, "/v1/tools/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "weather", decodeData[model.ToolCandidate](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]model.ToolCandidate](t, rec), 1)
}

func TestRegisterToolRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"unknown field", `{"name":"x","bogus":1}`, http.StatusBadRequest},
		{"missing name", model.UpsertToolRequest{Transport: model.TransportLocal, EndpointOrCommand: "x"}, http.StatusBadRequest},
		{"bad transport", model.UpsertToolRequest{Name: "x", Transport: "carrier-pigeon", EndpointOrCommand: "x"}, http.StatusBadRequest},
		{"credentials in endpoint", model.UpsertToolRequest{Name: "x", Transport: model.TransportNetwork, EndpointOrCommand: "https://u:p@h/mcp"}, http.StatusBadRequest},
		{"too large", `{"name":"` + strings.Repeat("a", 8192) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/tools", tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Code)
		})
	}
}

func TestRegisterToolStoreFailureHidesDetails(t *testing.T) {
	f := newFixture(t)
	f.catalog.err = errors.New("pq: password authentication failed for user shirube")

	rec := f.do(t, http.MethodPost, "/v1/tools", model.UpsertToolRequest{
		Name: "calc", Transport: model.TransportLocal, EndpointOrCommand: "calc-mcp",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeInternalError, detail.Code)
	assert.NotContains(t, detail.Message, "password")
}

func TestGetToolErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/tools/42", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Code)

	for _, id := range []string{"abc", "0", "-3"} {
		rec = f.do(t, http.MethodGet, "/v1/tools/"+id, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
	}
}

func TestTrustHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.catalog.Register(context.Background(), model.UpsertToolRequest{
		Name: "calc", Transport: model.TransportLocal, EndpointOrCommand: "calc-mcp",
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/tools/1/trust", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeData[[]model.TrustEvent](t, rec)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	f.catalog.trust[1] = []model.TrustEvent{{ToolID: 1, Status: model.AssessmentSuccess, PreviousScore: 50, EffectiveScore: 90, NewScore: 58}}
	events = decodeData[[]model.TrustEvent](t, f.do(t, http.MethodGet, "/v1/tools/1/trust", nil))
	require.Len(t, events, 1)
	assert.InDelta(t, 58.0, events[0].NewScore, 1e-9)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/tools/9/trust", nil).Code)
}

func TestSearchTools(t *testing.T) {
	f := newFixture(t)
	f.searcher.resp = search.Response{Results: []model.RankedCandidate{
		{Tool: model.ToolCandidate{ID: 3, Name: "weather"}, SemanticScore: 0.9, TotalScore: 0.93},
	}}

	rec := f.do(t, http.MethodPost, "/v1/tools/search", map[string]any{
		"query":       "forecast for tomorrow",
		"allowed_ids": []int64{3, 4},
		"theta":       0.5,
		"top_k":       2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeData[model.SearchToolsResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "weather", resp.Results[0].Tool.Name)
	assert.False(t, resp.Fallback)

	assert.Equal(t, "forecast for tomorrow", f.searcher.gotQuery)
	assert.Equal(t, []int64{3, 4}, f.searcher.gotAllowed)
	assert.Equal(t, model.RankParams{Alpha: 0.7, Theta: 0.5, TopN: 20, TopK: 2}, f.searcher.gotParams,
		"unset fields keep the defaults")
}

func TestSearchToolsEmptyResultsAreAnArray(t *testing.T) {
	f := newFixture(t)
	f.searcher.resp = search.Response{Fallback: true}

	rec := f.do(t, http.MethodPost, "/v1/tools/search", map[string]any{"query": "anything"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"results":[]`)
	assert.True(t, decodeData[model.SearchToolsResponse](t, rec).Fallback)
}

func TestSearchToolsValidation(t *testing.T) {
	f := newFixture(t)
	tooMany := make([]int64, model.MaxAllowedToolIDs+1)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"blank query", map[string]any{"query": "  "}},
		{"alpha above one", map[string]any{"query": "q", "alpha": 1.2}},
		{"negative theta", map[string]any{"query": "q", "theta": -0.1}},
		{"zero top_n", map[string]any{"query": "q", "top_n": 0}},
		{"zero top_k", map[string]any{"query": "q", "top_k": 0}},
		{"too many ids", map[string]any{"query": "q", "allowed_ids": tooMany}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/tools/search", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestSearchToolsFailure(t *testing.T) {
	f := newFixture(t)
	f.searcher.err = errors.New("storage: keyword search: connection reset")
	rec := f.do(t, http.MethodPost, "/v1/tools/search", map[string]any{"query": "q"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type sseEvent struct {
	event string
	id    string
	data  string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "id:"):
			cur.id = strings.TrimPrefix(line, "id:")
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimPrefix(line, "data:")
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestRunStreamsEvents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/runs", map[string]any{
		"task":             "What is 2+2?",
		"max_steps":        3,
		"allowed_tool_ids": []int64{7},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	events := parseSSE(t, rec.Body.String())
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprint(i+1), ev.id)
	}
	assert.Equal(t, "chain.step", events[0].event)
	assert.Equal(t, "final", events[2].event)

	var env stream.Envelope
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &env))
	assert.Equal(t, uint64(3), env.Seq)
	assert.Equal(t, "run-1", env.TraceID)
	var summary model.RunSummary
	require.NoError(t, json.Unmarshal(env.Payload, &summary))
	assert.True(t, summary.Passed)
	assert.Equal(t, "What is 2+2?", summary.Task)

	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	assert.Equal(t, 3, f.runner.gotReq.MaxSteps)
	assert.Equal(t, []int64{7}, f.runner.gotReq.Identity.AllowedToolIDs)
	assert.Equal(t, runSubject, f.runner.gotReq.Identity.Subject)
}

func TestRunValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body any
	}{
		{"empty task", map[string]any{"task": ""}},
		{"zero steps", map[string]any{"task": "t", "max_steps": 0}},
		{"too many steps", map[string]any{"task": "t", "max_steps": model.MaxRunSteps + 1}},
		{"malformed", "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/runs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestRunSurvivesClientDisconnect(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(`{"task":"long job"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Empty(t, parseSSE(t, rec.Body.String()), "nothing is written after the client is gone")
	f.runner.mu.Lock()
	defer f.runner.mu.Unlock()
	assert.Equal(t, "long job", f.runner.gotReq.Task)
	assert.False(t, f.runner.ctxDone, "the run context outlives the request")
}

func TestRunRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	f := newFixture(t, func(c *ServerConfig) { c.RunLimiter = limiter })

	body := map[string]any{"task": "t"}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/runs", body).Code)

	rec := f.do(t, http.MethodPost, "/v1/runs", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, rec).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/tools", nil).Code, "catalog reads are not limited")
}

func TestExtraRoutesAndMiddlewares(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	f := newFixture(t, func(c *ServerConfig) {
		c.ExtraRoutes = []func(*http.ServeMux){func(mux *http.ServeMux) {
			mux.HandleFunc("GET /custom", func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") })
		}}
		c.Middlewares = []func(http.Handler) http.Handler{mw("first"), mw("second")}
	})
	rec := f.do(t, http.MethodGet, "/custom", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v2/nothing", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/v1/tools", nil).Code)
}
