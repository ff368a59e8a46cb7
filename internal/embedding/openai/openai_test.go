package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
)

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions"`
}

func newTestClient(t *testing.T, batch int, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("TEST_EMBED_KEY", "secret")
	c, err := NewClient(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_EMBED_KEY", Model: "mini", Dimension: 2, BatchSize: batch})
	require.NoError(t, err)
	return c
}

func TestClient_EmbedBatch(t *testing.T) {
	t.Run("Should batch requests, restore order and normalize", func(t *testing.T) {
		var requests int
		c := newTestClient(t, 2, func(w http.ResponseWriter, r *http.Request) {
			requests++
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "mini", req.Model)
			assert.Equal(t, 2, req.Dimensions)
			items := make([]string, 0, len(req.Input))
			// answer in reverse order to exercise index handling
			for i := len(req.Input) - 1; i >= 0; i-- {
				items = append(items, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d,0]}`, i, len(req.Input[i])))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[` + strings.Join(items, ",") + `]}`))
		})
		out, err := c.EmbedBatch(t.Context(), []string{"a", "bb", "ccc"})
		require.NoError(t, err)
		assert.Equal(t, 2, requests)
		require.Len(t, out, 3)
		for _, v := range out {
			assert.InDelta(t, 1.0, v[0], 1e-6)
		}
	})
	t.Run("Should refuse vectors of the wrong dimension", func(t *testing.T) {
		c := newTestClient(t, 8, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[1,0,0]}]}`))
		})
		_, err := c.Embed(t.Context(), "a")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
	t.Run("Should report server errors as transient embedding errors", func(t *testing.T) {
		c := newTestClient(t, 8, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
		})
		_, err := c.Embed(t.Context(), "a")
		assert.ErrorIs(t, err, domain.ErrEmbeddingService)
		assert.True(t, domain.IsTransient(err))
	})
	t.Run("Should include model and dimension in its name", func(t *testing.T) {
		c := newTestClient(t, 8, func(http.ResponseWriter, *http.Request) {})
		assert.Equal(t, "openai/mini@2", c.Name())
	})
}

func TestRequestDimensions(t *testing.T) {
	t.Run("Should omit dimensions at a model's native size", func(t *testing.T) {
		assert.Zero(t, requestDimensions("text-embedding-ada-002", 1536))
		assert.Zero(t, requestDimensions("text-embedding-3-large", 3072))
	})
	t.Run("Should send dimensions to shorten or for unknown models", func(t *testing.T) {
		assert.Equal(t, 512, requestDimensions("text-embedding-3-small", 512))
		assert.Equal(t, 384, requestDimensions("local-minilm", 384))
	})
	t.Run("Should leave the parameter out of the request body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.NotContains(t, body, "dimensions")
			vec := strings.TrimSuffix(strings.Repeat("0.5,", 1536), ",")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[` + vec + `]}]}`))
		}))
		defer srv.Close()
		t.Setenv("TEST_EMBED_KEY", "secret")
		c, err := NewClient(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_EMBED_KEY", Model: "text-embedding-ada-002", Dimension: 1536})
		require.NoError(t, err)
		v, err := c.Embed(t.Context(), "pressure")
		require.NoError(t, err)
		assert.Len(t, v, 1536)
	})
}
