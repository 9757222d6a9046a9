package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusOK)
			return
		case "/api/embed":
		default:
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for n := range req.Input {
			vec := make([]float32, dims)
			for i := range vec {
				vec[i] = float32(i) * 0.001
			}
			vec[0] = float32(n)
			resp.Embeddings[n] = vec
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOllamaProvider(t *testing.T) {
	server := newOllamaServer(t, 1024)

	t.Run("dimensions", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		assert.Equal(t, 1024, p.Dimensions())
	})

	t.Run("embed single", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		vec, err := p.Embed(context.Background(), "test text")
		require.NoError(t, err)
		slice := vec.Slice()
		require.Len(t, slice, 1024)
		assert.InDelta(t, 0.1, slice[100], 1e-6)
	})

	t.Run("embed batch keeps order", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
		require.NoError(t, err)
		require.Len(t, vecs, 3)
		for i, vec := range vecs {
			assert.Len(t, vec.Slice(), 1024)
			assert.Equal(t, float32(i), vec.Slice()[0])
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 1024)
		vecs, err := p.EmbedBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, vecs)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		p := NewOllamaProvider(server.URL, "test-model", 768)
		_, err := p.Embed(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 768 dimensions")
	})

	t.Run("reachable", func(t *testing.T) {
		assert.True(t, Reachable(context.Background(), server.URL))
	})
}

func TestOllamaProvider_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "missing", 8)
	_, err := p.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
