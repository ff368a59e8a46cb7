package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"handbook/internal/domain"
	"handbook/internal/vectorstore"
)

var _ domain.VectorStore = (*Storage)(nil)

// DB is the subset of a pgx pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config configures the Postgres + pgvector store.
type Config struct {
	DSN          string
	Dimension    int
	BatchSize    int
	EnsureSchema bool
}

// Storage keeps documents and chunks in Postgres, with chunk embeddings in a
// pgvector column. Chunk rows are written one transaction per batch.
type Storage struct {
	db        DB
	close     func()
	dimension int
	batchSize int
}

// NewStorage connects a pool and optionally bootstraps the schema.
func NewStorage(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.DSN == "" {
		return nil, domain.Configf("supabase: dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("supabase: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("supabase: ping: %w", err)
	}
	s, err := NewWithDB(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.close = pool.Close
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB builds a store over an existing connection.
func NewWithDB(db DB, cfg Config) (*Storage, error) {
	if cfg.Dimension <= 0 {
		return nil, domain.Configf("supabase: invalid dimension %d", cfg.Dimension)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = vectorstore.DefaultBatchSize
	}
	return &Storage{db: db, dimension: cfg.Dimension, batchSize: cfg.BatchSize}, nil
}

// EnsureSchema creates the extension and tables, then checks that the
// embedding column matches the configured dimension.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS documents (
			id uuid PRIMARY KEY,
			source_path text NOT NULL UNIQUE,
			title text,
			created_at timestamptz NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id uuid PRIMARY KEY,
			seq bigserial,
			document_id uuid NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			position integer NOT NULL,
			content text NOT NULL,
			metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL
		)`, s.dimension),
		"CREATE INDEX IF NOT EXISTS chunks_document_id_idx ON chunks (document_id)",
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("supabase: ensure schema: %w", err)
		}
	}
	var dim int
	err := s.db.QueryRow(ctx,
		"SELECT atttypmod FROM pg_attribute WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'",
	).Scan(&dim)
	if err != nil {
		return fmt.Errorf("supabase: read embedding dimension: %w", err)
	}
	if dim != s.dimension {
		return domain.Configf("supabase: chunks.embedding has dimension %d, configured %d", dim, s.dimension)
	}
	return nil
}

func (s *Storage) Dimension() int { return s.dimension }

func (s *Storage) UpsertDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if doc.SourcePath == "" {
		return domain.Document{}, domain.Configf("supabase: document source path is required")
	}
	if doc.ID == "" {
		doc.ID = vectorstore.DocumentID(doc.SourcePath)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	query, args, err := squirrel.
		Insert("documents").
		Columns("id", "source_path", "title", "created_at").
		Values(doc.ID, doc.SourcePath, doc.Title, doc.CreatedAt).
		Suffix("ON CONFLICT (source_path) DO UPDATE SET source_path = EXCLUDED.source_path " +
			"RETURNING id::text, source_path, COALESCE(title, ''), created_at").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return domain.Document{}, fmt.Errorf("supabase: build document upsert: %w", err)
	}
	var out domain.Document
	if err := s.db.QueryRow(ctx, query, args...).Scan(&out.ID, &out.SourcePath, &out.Title, &out.CreatedAt); err != nil {
		return domain.Document{}, fmt.Errorf("supabase: upsert document %s: %w", doc.SourcePath, err)
	}
	return out, nil
}

// InsertChunks writes items in batches of the configured size. If a batch
// fails after earlier batches committed, the committed rows are deleted again
// and the returned StoreWriteError says whether that cleanup succeeded.
func (s *Storage) InsertChunks(ctx context.Context, documentID string, items []domain.ChunkInput) ([]string, error) {
	if err := vectorstore.ValidateItems(items, s.dimension); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []string{}, nil
	}
	var offset int
	if err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM chunks WHERE document_id = $1", documentID).Scan(&offset); err != nil {
		return nil, &domain.StoreWriteError{DocumentID: documentID, Err: fmt.Errorf("count existing chunks: %w", err)}
	}
	ids := make([]string, len(items))
	for i := range items {
		ids[i] = vectorstore.ChunkID(documentID, offset+i)
	}
	committed := 0
	for start := 0; start < len(items); start += s.batchSize {
		end := start + s.batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := s.insertBatch(ctx, documentID, offset+start, ids[start:end], items[start:end]); err != nil {
			werr := &domain.StoreWriteError{DocumentID: documentID, Committed: committed, Err: err}
			if committed > 0 {
				werr.Compensated = s.compensate(ctx, documentID, ids[:committed]) == nil
			}
			return nil, werr
		}
		committed = end
	}
	return ids, nil
}

func (s *Storage) insertBatch(ctx context.Context, documentID string, position int, ids []string, items []domain.ChunkInput) (err error) {
	builder := squirrel.
		Insert("chunks").
		Columns("id", "document_id", "position", "content", "metadata", "embedding").
		PlaceholderFormat(squirrel.Dollar)
	for i, item := range items {
		meta := item.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		raw, mErr := json.Marshal(meta)
		if mErr != nil {
			return fmt.Errorf("encode metadata: %w", mErr)
		}
		builder = builder.Values(ids[i], documentID, position+i, item.Content, raw, pgvector.NewVector(item.Embedding))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build chunk insert: %w", err)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	if _, err = tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Storage) compensate(ctx context.Context, documentID string, ids []string) error {
	_, err := s.db.Exec(context.WithoutCancel(ctx),
		"DELETE FROM chunks WHERE document_id = $1 AND id = ANY($2::uuid[])", documentID, ids)
	return err
}

func (s *Storage) Query(ctx context.Context, embedding []float32, k int, filter *domain.Filter) ([]domain.Match, error) {
	if err := vectorstore.ValidateQuery(embedding, k, s.dimension); err != nil {
		return nil, err
	}
	if k == 0 {
		return []domain.Match{}, nil
	}
	vec := pgvector.NewVector(embedding)
	builder := squirrel.
		Select("c.id::text", "c.document_id::text", "d.source_path", "c.content", "c.metadata").
		Column(squirrel.Expr("1 - (c.embedding <=> ?) AS score", vec)).
		Column("c.seq").
		From("chunks c").
		Join("documents d ON d.id = c.document_id").
		PlaceholderFormat(squirrel.Dollar)
	if filter != nil {
		if len(filter.DocumentIDs) > 0 {
			builder = builder.Where(squirrel.Expr("c.document_id = ANY(?::uuid[])", filter.DocumentIDs))
		}
		keys := make([]string, 0, len(filter.Metadata))
		for key := range filter.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			builder = builder.Where(squirrel.Expr("c.metadata ->> ? = ?", key, filter.Metadata[key]))
		}
	}
	query, args, err := builder.
		OrderByClause("c.embedding <=> ? ASC, c.seq ASC", vec).
		Limit(uint64(k)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("supabase: build query: %w", err)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("supabase: query: %w", err)
	}
	defer rows.Close()
	matches := make([]domain.Match, 0, k)
	for rows.Next() {
		var (
			m   domain.Match
			raw []byte
		)
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.SourcePath, &m.Content, &raw, &m.Score, &m.Seq); err != nil {
			return nil, fmt.Errorf("supabase: scan match: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Metadata); err != nil {
				return nil, fmt.Errorf("supabase: decode metadata for %s: %w", m.ChunkID, err)
			}
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("supabase: iterate matches: %w", err)
	}
	// the database orders by distance; re-rank so score ties follow insertion
	// order exactly as the other backends do
	return vectorstore.Top(matches, k), nil
}

// DeleteDocument removes the document row; chunks follow by cascade.
func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.Exec(ctx, "DELETE FROM documents WHERE id = $1", documentID); err != nil {
		return fmt.Errorf("supabase: delete document %s: %w", documentID, err)
	}
	return nil
}

func (s *Storage) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
