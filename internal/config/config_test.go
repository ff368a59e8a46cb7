package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Should return defaults when the file is missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "hashing", cfg.Embedder.Type)
		assert.Equal(t, 384, cfg.Embedder.Dimension)
		assert.Equal(t, "faiss", cfg.VectorStore.Type)
		assert.Equal(t, 800, cfg.Chunker.Size)
		assert.Equal(t, 120, cfg.Chunker.Overlap)
		assert.Empty(t, cfg.Generation.GroundingPolicy)
		require.NoError(t, cfg.Validate())
	})
	t.Run("Should fill backend defaults for selected types", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
embedder:
  type: openai
  dimension: 1536
vector_store:
  type: supabase
chunker:
  size: 500
  overlap: 50
generation:
  grounding_policy: skip
`))
		require.NoError(t, err)
		require.NotNil(t, cfg.Embedder.OpenAI)
		assert.Equal(t, "text-embedding-3-small", cfg.Embedder.OpenAI.Model)
		assert.Equal(t, "SUPABASE_DB_URL", cfg.VectorStore.Supabase.DSNEnv)
		assert.Equal(t, 50, cfg.Chunker.Overlap)
		policy, err := cfg.GroundingPolicy()
		require.NoError(t, err)
		assert.Equal(t, domain.GroundingSkip, policy)
	})
	t.Run("Should report malformed yaml as a configuration error", func(t *testing.T) {
		_, err := Load(writeConfig(t, "embedder: [unclosed"))
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestAppConfig_Validate(t *testing.T) {
	t.Run("Should reject an overlap as large as the window", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Chunker.Overlap = cfg.Chunker.Size
		assert.ErrorIs(t, cfg.Validate(), domain.ErrConfiguration)
	})
	t.Run("Should reject unknown backends", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.VectorStore.Type = "pinecone"
		assert.ErrorIs(t, cfg.Validate(), domain.ErrConfiguration)
	})
	t.Run("Should reject an unknown grounding policy", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Generation.GroundingPolicy = "guess"
		assert.ErrorIs(t, cfg.Validate(), domain.ErrConfiguration)
	})
	t.Run("Should require a supabase connection string", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.VectorStore.Type = "supabase"
		cfg.VectorStore.Supabase = &SupabaseConfig{DSNEnv: "HANDBOOK_TEST_UNSET_DSN"}
		assert.ErrorIs(t, cfg.Validate(), domain.ErrConfiguration)
		t.Setenv("HANDBOOK_TEST_UNSET_DSN", "postgres://localhost/handbook")
		require.NoError(t, cfg.Validate())
		dsn, err := cfg.SupabaseDSN()
		require.NoError(t, err)
		assert.Equal(t, "postgres://localhost/handbook", dsn)
	})
}

func TestAppConfig_GroundingPolicy(t *testing.T) {
	t.Run("Should fail when the policy is unset", func(t *testing.T) {
		_, err := defaultConfig().GroundingPolicy()
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestRetryConfig_Policy(t *testing.T) {
	t.Run("Should convert milliseconds to durations", func(t *testing.T) {
		p := RetryConfig{Attempts: 4, BaseDelayMS: 250, MaxDelayMS: 2000}.Policy()
		assert.Equal(t, 4, p.Attempts)
		assert.Equal(t, 250*time.Millisecond, p.Base)
		assert.Equal(t, 2*time.Second, p.Max)
	})
}

func TestSave(t *testing.T) {
	t.Run("Should round trip through the yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "config.yaml")
		cfg := defaultConfig()
		cfg.Generation.GroundingPolicy = "disclaim"
		require.NoError(t, Save(path, cfg))
		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, cfg, loaded)
	})
}
