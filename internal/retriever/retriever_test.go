package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
	"handbook/internal/embedding/hashing"
	"handbook/internal/vectorstore/faiss"
)

func newService(t *testing.T) (*Service, *faiss.Storage, *hashing.Embedder) {
	t.Helper()
	emb, err := hashing.NewEmbedder(1024)
	require.NoError(t, err)
	store, err := faiss.NewStorage(faiss.Config{Dimension: 1024})
	require.NoError(t, err)
	svc, err := NewService(emb, store, 0)
	require.NoError(t, err)
	return svc, store, emb
}

func TestService_Retrieve(t *testing.T) {
	t.Run("Should signal an empty result on an empty store", func(t *testing.T) {
		svc, _, _ := newService(t)
		res, err := svc.Retrieve(t.Context(), "hydraulic pressure limits", 0, nil)
		require.NoError(t, err)
		assert.True(t, res.Empty())
	})
	t.Run("Should return the closest chunks first", func(t *testing.T) {
		svc, store, emb := newService(t)
		doc, err := store.UpsertDocument(t.Context(), domain.Document{SourcePath: "manual.pdf"})
		require.NoError(t, err)
		texts := []string{
			"Hydraulic pressure must stay below 3000 psi during taxi.",
			"Cabin lighting is controlled from the overhead panel.",
			"Check hydraulic fluid levels before each flight.",
		}
		vectors, err := emb.EmbedBatch(t.Context(), texts)
		require.NoError(t, err)
		inputs := make([]domain.ChunkInput, len(texts))
		for i := range texts {
			inputs[i] = domain.ChunkInput{Content: texts[i], Embedding: vectors[i]}
		}
		_, err = store.InsertChunks(t.Context(), doc.ID, inputs)
		require.NoError(t, err)

		res, err := svc.Retrieve(t.Context(), "hydraulic pressure limits", 2, nil)
		require.NoError(t, err)
		require.Len(t, res.Matches, 2)
		assert.Equal(t, texts[0], res.Matches[0].Content)
		assert.GreaterOrEqual(t, res.Matches[0].Score, res.Matches[1].Score)
	})
	t.Run("Should reject blank queries", func(t *testing.T) {
		svc, _, _ := newService(t)
		_, err := svc.Retrieve(t.Context(), "  ", 3, nil)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestNewService(t *testing.T) {
	t.Run("Should refuse an embedder and store of different dimensions", func(t *testing.T) {
		emb, err := hashing.NewEmbedder(32)
		require.NoError(t, err)
		store, err := faiss.NewStorage(faiss.Config{Dimension: 64})
		require.NoError(t, err)
		_, err = NewService(emb, store, 6)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}
