package supabase

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"handbook/internal/domain"
	"handbook/internal/vectorstore"
)

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func newMockStore(t *testing.T, batch int) (*Storage, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithDB(mock, Config{Dimension: 2, BatchSize: batch})
	require.NoError(t, err)
	return s, mock
}

func items(n int) []domain.ChunkInput {
	out := make([]domain.ChunkInput, n)
	for i := range out {
		out[i] = domain.ChunkInput{Content: "chunk", Embedding: []float32{1, 0}, Metadata: map[string]any{"page": 1}}
	}
	return out
}

func TestStorage_UpsertDocument(t *testing.T) {
	t.Run("Should insert or return the document for a source path", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		id := vectorstore.DocumentID("manual.pdf")
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		mock.ExpectQuery("INSERT INTO documents").
			WithArgs(id, "manual.pdf", "Manual", pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows([]string{"id", "source_path", "title", "created_at"}).
				AddRow(id, "manual.pdf", "Manual", created))
		doc, err := s.UpsertDocument(t.Context(), domain.Document{SourcePath: "manual.pdf", Title: "Manual"})
		require.NoError(t, err)
		assert.Equal(t, id, doc.ID)
		assert.Equal(t, created, doc.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStorage_InsertChunks(t *testing.T) {
	countSQL := regexp.QuoteMeta("SELECT COUNT(*) FROM chunks WHERE document_id = $1")

	t.Run("Should write one transaction per batch", func(t *testing.T) {
		s, mock := newMockStore(t, 2)
		mock.ExpectQuery(countSQL).WithArgs("doc-1").
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO chunks").WithArgs(anyArgs(12)...).WillReturnResult(pgxmock.NewResult("INSERT", 2))
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO chunks").WithArgs(anyArgs(6)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()
		ids, err := s.InsertChunks(t.Context(), "doc-1", items(3))
		require.NoError(t, err)
		assert.Equal(t, []string{
			vectorstore.ChunkID("doc-1", 0),
			vectorstore.ChunkID("doc-1", 1),
			vectorstore.ChunkID("doc-1", 2),
		}, ids)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should remove committed batches when a later batch fails", func(t *testing.T) {
		s, mock := newMockStore(t, 2)
		mock.ExpectQuery(countSQL).WithArgs("doc-1").
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO chunks").WithArgs(anyArgs(12)...).WillReturnResult(pgxmock.NewResult("INSERT", 2))
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO chunks").WithArgs(anyArgs(6)...).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()
		mock.ExpectExec("DELETE FROM chunks").
			WithArgs("doc-1", []string{vectorstore.ChunkID("doc-1", 0), vectorstore.ChunkID("doc-1", 1)}).
			WillReturnResult(pgxmock.NewResult("DELETE", 2))
		_, err := s.InsertChunks(t.Context(), "doc-1", items(3))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrStoreWrite)
		var werr *domain.StoreWriteError
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, 2, werr.Committed)
		assert.True(t, werr.Compensated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should roll back a failing first batch without compensation", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		mock.ExpectQuery(countSQL).WithArgs("doc-1").
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO chunks").WithArgs(anyArgs(6)...).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()
		_, err := s.InsertChunks(t.Context(), "doc-1", items(1))
		var werr *domain.StoreWriteError
		require.ErrorAs(t, err, &werr)
		assert.Zero(t, werr.Committed)
		assert.False(t, werr.Compensated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should reject mismatched dimensions before touching the database", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		bad := items(2)
		bad[1].Embedding = []float32{1, 0, 0}
		_, err := s.InsertChunks(t.Context(), "doc-1", bad)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStorage_Query(t *testing.T) {
	columns := []string{"id", "document_id", "source_path", "content", "metadata", "score", "seq"}

	t.Run("Should re-rank rows by score then insertion order", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		mock.ExpectQuery("SELECT (.+) FROM chunks c JOIN documents d").
			WithArgs(anyArgs(2)...).
			WillReturnRows(mock.NewRows(columns).
				AddRow("c3", "d1", "a.pdf", "third", []byte(`{"page":2,"chunk_index":0}`), 0.5, int64(3)).
				AddRow("c2", "d1", "a.pdf", "second", []byte(`{"page":1,"chunk_index":1}`), 0.9, int64(2)).
				AddRow("c1", "d1", "a.pdf", "first", []byte(`{"page":1,"chunk_index":0}`), 0.9, int64(1)))
		ms, err := s.Query(t.Context(), []float32{1, 0}, 3, nil)
		require.NoError(t, err)
		require.Len(t, ms, 3)
		assert.Equal(t, "c1", ms[0].ChunkID)
		assert.Equal(t, "c2", ms[1].ChunkID)
		assert.Equal(t, "c3", ms[2].ChunkID)
		assert.Equal(t, 2, ms[2].Page())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should pass document and metadata filters as arguments", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		mock.ExpectQuery(regexp.QuoteMeta("c.document_id = ANY($2::uuid[])")).
			WithArgs(pgxmock.AnyArg(), []string{"d1"}, "page", "4", pgxmock.AnyArg()).
			WillReturnRows(mock.NewRows(columns))
		ms, err := s.Query(t.Context(), []float32{0, 1}, 5, &domain.Filter{
			DocumentIDs: []string{"d1"},
			Metadata:    map[string]string{"page": "4"},
		})
		require.NoError(t, err)
		assert.Empty(t, ms)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should not query for k zero", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		ms, err := s.Query(t.Context(), []float32{0, 1}, 0, nil)
		require.NoError(t, err)
		assert.Empty(t, ms)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStorage_DeleteDocument(t *testing.T) {
	t.Run("Should delete the document row", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE id = $1")).
			WithArgs("doc-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		require.NoError(t, s.DeleteDocument(t.Context(), "doc-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStorage_EnsureSchema(t *testing.T) {
	t.Run("Should fail when the column dimension differs", func(t *testing.T) {
		s, mock := newMockStore(t, 10)
		mock.ExpectExec("CREATE EXTENSION").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS documents").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(regexp.QuoteMeta("embedding vector(2)")).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec("CREATE INDEX").WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectQuery("SELECT atttypmod").WillReturnRows(mock.NewRows([]string{"atttypmod"}).AddRow(384))
		err := s.EnsureSchema(t.Context())
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
