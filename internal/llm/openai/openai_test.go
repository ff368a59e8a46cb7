package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("TEST_COMPLETION_KEY", "secret")
	c, err := NewClient(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_COMPLETION_KEY", Model: "grok-test"})
	require.NoError(t, err)
	return c
}

func TestClient_Complete(t *testing.T) {
	t.Run("Should send messages and budget and return content", func(t *testing.T) {
		var got map[string]any
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"  Section text.  "},"finish_reason":"stop"}]}`))
		})
		out, err := c.Complete(t.Context(), domain.CompletionRequest{
			Messages:  []domain.Message{{Role: domain.RoleSystem, Content: "sys"}, {Role: domain.RoleUser, Content: "hi"}},
			MaxTokens: 512,
		})
		require.NoError(t, err)
		assert.Equal(t, "Section text.", out)
		assert.Equal(t, "grok-test", got["model"])
		assert.EqualValues(t, 512, got["max_tokens"])
		msgs, ok := got["messages"].([]any)
		require.True(t, ok)
		assert.Len(t, msgs, 2)
	})
	t.Run("Should classify rate limits as transient", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
		})
		_, err := c.Complete(t.Context(), domain.CompletionRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "x"}}})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrCompletionService)
		assert.True(t, domain.IsTransient(err))
	})
	t.Run("Should classify auth failures as permanent", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
		})
		_, err := c.Complete(t.Context(), domain.CompletionRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "x"}}})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrCompletionService)
		assert.False(t, domain.IsTransient(err))
	})
}

func TestNewClient(t *testing.T) {
	t.Run("Should require the api key env var", func(t *testing.T) {
		t.Setenv("MISSING_COMPLETION_KEY", "")
		_, err := NewClient(Config{APIKeyEnv: "MISSING_COMPLETION_KEY"})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}
