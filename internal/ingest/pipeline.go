package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"handbook/internal/chunker"
	"handbook/internal/domain"
	"handbook/internal/extract"
	"handbook/internal/logger"
	"handbook/internal/retry"
	"handbook/internal/vectorstore"
)

const (
	DefaultWorkers   = 4
	DefaultBatchSize = 64
)

// Source is one document to ingest. Path is its identity.
type Source struct {
	Path  string
	Title string
	Body  io.Reader
}

// Result describes a document after ingestion.
type Result struct {
	DocumentID string
	SourcePath string
	Pages      int
	Chunks     int
}

type Options struct {
	// BatchSize bounds the number of texts per embedding call.
	BatchSize int
	// Workers bounds how many documents IngestAll processes at once.
	Workers int
	Retry   retry.Policy
}

// Pipeline extracts, chunks, embeds and stores documents. Re-ingesting a path
// replaces its previous chunks.
type Pipeline struct {
	chunker  *chunker.WindowChunker
	embedder domain.Embedder
	store    domain.VectorStore
	options  Options
	locks    *keyedMutex
}

func NewPipeline(ch *chunker.WindowChunker, emb domain.Embedder, store domain.VectorStore, opts Options) (*Pipeline, error) {
	if ch == nil {
		return nil, errors.New("ingest: chunker is required")
	}
	if emb == nil {
		return nil, errors.New("ingest: embedder is required")
	}
	if store == nil {
		return nil, errors.New("ingest: vector store is required")
	}
	if emb.Dimension() != store.Dimension() {
		return nil, domain.Configf("ingest: embedder %s produces %d dimensions, store expects %d",
			emb.Name(), emb.Dimension(), store.Dimension())
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Pipeline{
		chunker:  ch,
		embedder: emb,
		store:    store,
		options:  opts,
		locks:    newKeyedMutex(),
	}, nil
}

// FileSource reads path into memory so the returned Source holds no open file.
func FileSource(path string) (Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Source{}, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	return Source{Path: path, Body: bytes.NewReader(data)}, nil
}

// Ingest stores one document. Embedding happens before anything is written,
// so a failed embedding call leaves the previous version of the document in
// place. Concurrent calls for the same path run one after the other.
func (p *Pipeline) Ingest(ctx context.Context, src Source) (Result, error) {
	path := normalizePath(src.Path)
	if path == "" {
		return Result{}, domain.Configf("ingest: source path is required")
	}
	if src.Body == nil {
		return Result{}, domain.Configf("ingest: %s has no body", path)
	}
	docID := vectorstore.DocumentID(path)
	log := logger.FromContext(ctx).With("document_id", docID, "source", path)
	start := time.Now()

	data, err := io.ReadAll(src.Body)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	pages, mime, err := extract.Pages(path, data)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: %w", err)
	}
	drafts, err := p.chunker.ChunkPages(pages)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: chunk %s: %w", path, err)
	}
	if len(drafts) == 0 {
		log.Warn("No text extracted", "mime", mime, "pages", len(pages))
	}

	unlock, err := p.locks.Lock(ctx, docID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	vectors, err := p.embed(ctx, drafts)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: embed %s: %w", path, err)
	}
	items := make([]domain.ChunkInput, len(drafts))
	for i := range drafts {
		items[i] = domain.ChunkInput{Content: drafts[i].Content, Metadata: drafts[i].Metadata, Embedding: vectors[i]}
	}

	if err := p.store.DeleteDocument(ctx, docID); err != nil {
		return Result{}, fmt.Errorf("ingest: replace %s: %w", path, err)
	}
	doc, err := p.store.UpsertDocument(ctx, domain.Document{ID: docID, SourcePath: path, Title: titleFor(src)})
	if err != nil {
		return Result{}, fmt.Errorf("ingest: register %s: %w", path, err)
	}
	if len(items) > 0 {
		if _, err := p.store.InsertChunks(ctx, doc.ID, items); err != nil {
			return Result{}, fmt.Errorf("ingest: store %s: %w", path, err)
		}
	}
	log.Info("Document ingested", "pages", len(pages), "chunks", len(items), "duration", time.Since(start))
	return Result{DocumentID: doc.ID, SourcePath: path, Pages: len(pages), Chunks: len(items)}, nil
}

// IngestAll ingests sources in parallel. Each document succeeds or fails on
// its own; the returned error joins every failure and results holds the zero
// Result at failed positions.
func (p *Pipeline) IngestAll(ctx context.Context, sources []Source) ([]Result, error) {
	results := make([]Result, len(sources))
	errs := make([]error, len(sources))
	var g errgroup.Group
	g.SetLimit(p.options.Workers)
	for i := range sources {
		g.Go(func() error {
			res, err := p.Ingest(ctx, sources[i])
			results[i], errs[i] = res, err
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Delete removes a previously ingested path and its chunks.
func (p *Pipeline) Delete(ctx context.Context, path string) (string, error) {
	path = normalizePath(path)
	if path == "" {
		return "", domain.Configf("ingest: source path is required")
	}
	docID := vectorstore.DocumentID(path)
	unlock, err := p.locks.Lock(ctx, docID)
	if err != nil {
		return "", err
	}
	defer unlock()
	if err := p.store.DeleteDocument(ctx, docID); err != nil {
		return "", fmt.Errorf("ingest: delete %s: %w", path, err)
	}
	logger.FromContext(ctx).Info("Document deleted", "document_id", docID, "source", path)
	return docID, nil
}

func (p *Pipeline) embed(ctx context.Context, drafts []domain.ChunkDraft) ([][]float32, error) {
	out := make([][]float32, 0, len(drafts))
	for start := 0; start < len(drafts); start += p.options.BatchSize {
		end := min(start+p.options.BatchSize, len(drafts))
		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = drafts[start+i].Content
		}
		var vectors [][]float32
		err := retry.Do(ctx, p.options.Retry, "embed", func(ctx context.Context) error {
			var err error
			vectors, err = p.embedder.EmbedBatch(ctx, texts)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, domain.NewEmbeddingError("embed batch", false,
				fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)))
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(path))
}

func titleFor(src Source) string {
	if t := strings.TrimSpace(src.Title); t != "" {
		return t
	}
	base := filepath.Base(src.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
