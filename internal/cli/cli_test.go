package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := fmt.Sprintf(`embedder:
  type: hashing
  dimension: 128
vector_store:
  type: faiss
  faiss:
    snapshot_path: %s
llm:
  type: none
generation:
  output_dir: %s
  tokenizer: estimate
log:
  level: disabled
`, filepath.Join(dir, "index.json"), filepath.Join(dir, "handbooks"))
	path := filepath.Join(dir, "handbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIngestAndQuery(t *testing.T) {
	t.Run("Should ingest a directory and find its passages", func(t *testing.T) {
		dir := t.TempDir()
		cfgPath := writeConfig(t, dir)
		docs := filepath.Join(dir, "docs")
		require.NoError(t, os.MkdirAll(docs, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(docs, "hydraulics.txt"),
			[]byte("Hydraulic pressure must stay below 3000 psi during taxi."), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(docs, "cabin.md"),
			[]byte("Cabin lighting is controlled from the overhead panel."), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(docs, "logo.png"), []byte{0x89, 'P', 'N', 'G'}, 0o644))

		out, err := run(t, "--config", cfgPath, "ingest", docs)
		require.NoError(t, err)
		assert.Contains(t, out, "hydraulics.txt")
		assert.Contains(t, out, "cabin.md")
		assert.NotContains(t, out, "logo.png")

		out, err = run(t, "--config", cfgPath, "query", "-k", "1", "hydraulic pressure")
		require.NoError(t, err)
		assert.Contains(t, out, "[hydraulics.txt | p.1 | c0]")

		out, err = run(t, "--config", cfgPath, "delete", filepath.Join(docs, "cabin.md"))
		require.NoError(t, err)
		assert.Contains(t, out, "deleted")

		_, err = run(t, "--config", cfgPath, "reset")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		out, err = run(t, "--config", cfgPath, "reset", "--yes")
		require.NoError(t, err)
		assert.Contains(t, out, "index cleared")
		out, err = run(t, "--config", cfgPath, "query", "hydraulic pressure")
		require.NoError(t, err)
		assert.Contains(t, out, "No matching passages.")
	})
	t.Run("Should fail on a pattern with no matches", func(t *testing.T) {
		dir := t.TempDir()
		_, err := run(t, "--config", writeConfig(t, dir), "ingest", filepath.Join(dir, "*.pdf"))
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestGenerate(t *testing.T) {
	t.Run("Should refuse to start without a grounding policy", func(t *testing.T) {
		dir := t.TempDir()
		_, err := run(t, "--config", writeConfig(t, dir), "generate", "Flight operations")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
	t.Run("Should need a completion model", func(t *testing.T) {
		dir := t.TempDir()
		_, err := run(t, "--config", writeConfig(t, dir), "generate", "--grounding-policy", "skip", "Flight operations")
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestStatus(t *testing.T) {
	t.Run("Should report a topic that was never started", func(t *testing.T) {
		dir := t.TempDir()
		out, err := run(t, "--config", writeConfig(t, dir), "status", "Flight operations")
		require.NoError(t, err)
		assert.Contains(t, out, "handbook_flight-operations.md")
		assert.Contains(t, out, string(domain.StateNotStarted))
	})
}

func TestConfigCommands(t *testing.T) {
	t.Run("Should print the effective configuration", func(t *testing.T) {
		dir := t.TempDir()
		out, err := run(t, "--config", writeConfig(t, dir), "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "dimension: 128")
		assert.Contains(t, out, "type: faiss")
	})
	t.Run("Should validate the configuration", func(t *testing.T) {
		dir := t.TempDir()
		out, err := run(t, "--config", writeConfig(t, dir), "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "configuration ok")
	})
}

func TestExpandInputs(t *testing.T) {
	t.Run("Should sort and deduplicate", func(t *testing.T) {
		dir := t.TempDir()
		a := filepath.Join(dir, "a.txt")
		b := filepath.Join(dir, "b.txt")
		require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
		require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))
		paths, err := expandInputs([]string{b, filepath.Join(dir, "*.txt"), dir})
		require.NoError(t, err)
		assert.Equal(t, []string{a, b}, paths)
	})
}
