package faiss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"handbook/internal/domain"
	"handbook/internal/embedding"
	"handbook/internal/vectorstore"
)

var _ domain.VectorStore = (*Storage)(nil)

// Config configures the flat in-process index.
type Config struct {
	Dimension int
	// Model is the embedder identity recorded in the snapshot.
	Model string
	// SnapshotPath enables persistence; empty keeps the index in memory only.
	SnapshotPath string
}

// Storage is a flat inner-product index over L2-normalized vectors, the
// layout of a FAISS IndexFlatIP. Search is brute force.
type Storage struct {
	mu        sync.RWMutex
	dimension int
	model     string
	snapshot  string
	documents map[string]domain.Document
	entries   []entry
	nextSeq   int64
}

type entry struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Position   int            `json:"position"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Vector     []float32      `json:"vector"`
	Seq        int64          `json:"seq"`
}

type snapshotPayload struct {
	Dimension int               `json:"dimension"`
	Model     string            `json:"model,omitempty"`
	NextSeq   int64             `json:"next_seq"`
	Documents []domain.Document `json:"documents"`
	Entries   []entry           `json:"entries"`
}

// NewStorage creates the index and loads the snapshot if one exists.
func NewStorage(cfg Config) (*Storage, error) {
	if cfg.Dimension <= 0 {
		return nil, domain.Configf("faiss: invalid dimension %d", cfg.Dimension)
	}
	s := &Storage{
		dimension: cfg.Dimension,
		model:     cfg.Model,
		documents: make(map[string]domain.Document),
	}
	if cfg.SnapshotPath != "" {
		s.snapshot = filepath.Clean(cfg.SnapshotPath)
		if err := os.MkdirAll(filepath.Dir(s.snapshot), 0o750); err != nil {
			return nil, fmt.Errorf("faiss: ensure snapshot directory: %w", err)
		}
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Storage) Dimension() int { return s.dimension }

// Len returns the number of indexed chunks.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Storage) UpsertDocument(_ context.Context, doc domain.Document) (domain.Document, error) {
	if doc.SourcePath == "" {
		return domain.Document{}, domain.Configf("faiss: document source path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.ID == "" {
		doc.ID = vectorstore.DocumentID(doc.SourcePath)
	}
	if existing, ok := s.documents[doc.ID]; ok {
		return existing, nil
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.documents[doc.ID] = doc
	return doc, s.persistLocked()
}

// InsertChunks appends all items or none of them.
func (s *Storage) InsertChunks(_ context.Context, documentID string, items []domain.ChunkInput) ([]string, error) {
	if err := vectorstore.ValidateItems(items, s.dimension); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return nil, fmt.Errorf("faiss: document %s: %w", documentID, domain.ErrNotFound)
	}
	position := 0
	for i := range s.entries {
		if s.entries[i].DocumentID == documentID {
			position++
		}
	}
	ids := make([]string, len(items))
	added := make([]entry, len(items))
	for i, item := range items {
		vec := append([]float32(nil), item.Embedding...)
		embedding.Normalize(vec)
		ids[i] = vectorstore.ChunkID(documentID, position+i)
		added[i] = entry{
			ID:         ids[i],
			DocumentID: documentID,
			Position:   position + i,
			Content:    item.Content,
			Metadata:   vectorstore.CloneMetadata(item.Metadata),
			Vector:     vec,
			Seq:        s.nextSeq + int64(i),
		}
	}
	s.entries = append(s.entries, added...)
	s.nextSeq += int64(len(items))
	if err := s.persistLocked(); err != nil {
		s.entries = s.entries[:len(s.entries)-len(added)]
		s.nextSeq -= int64(len(items))
		return nil, &domain.StoreWriteError{DocumentID: documentID, Err: err}
	}
	return ids, nil
}

func (s *Storage) Query(_ context.Context, query []float32, k int, filter *domain.Filter) ([]domain.Match, error) {
	if err := vectorstore.ValidateQuery(query, k, s.dimension); err != nil {
		return nil, err
	}
	if k == 0 {
		return []domain.Match{}, nil
	}
	q := append([]float32(nil), query...)
	embedding.Normalize(q)
	s.mu.RLock()
	defer s.mu.RUnlock()
	matches := make([]domain.Match, 0, len(s.entries))
	for i := range s.entries {
		e := &s.entries[i]
		if !vectorstore.MatchesFilter(filter, e.DocumentID, e.Metadata) {
			continue
		}
		matches = append(matches, domain.Match{
			ChunkID:    e.ID,
			DocumentID: e.DocumentID,
			SourcePath: s.documents[e.DocumentID].SourcePath,
			Content:    e.Content,
			Metadata:   vectorstore.CloneMetadata(e.Metadata),
			Score:      dot(e.Vector, q),
			Seq:        e.Seq,
		})
	}
	return vectorstore.Top(matches, k), nil
}

// DeleteDocument removes the document and all of its chunks. Unknown ids are
// not an error.
func (s *Storage) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, known := s.documents[documentID]
	kept := s.entries[:0]
	removed := 0
	for _, e := range s.entries {
		if e.DocumentID == documentID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	delete(s.documents, documentID)
	if !known && removed == 0 {
		return nil
	}
	return s.persistLocked()
}

// Reset drops every document and chunk.
func (s *Storage) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.documents = make(map[string]domain.Document)
	s.nextSeq = 0
	return s.persistLocked()
}

func (s *Storage) Close() error { return nil }

func (s *Storage) load() error {
	data, err := os.ReadFile(s.snapshot)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("faiss: read %q: %w", s.snapshot, err)
	}
	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("faiss: decode %q: %w", s.snapshot, err)
	}
	if payload.Dimension != s.dimension {
		return domain.Configf("faiss: snapshot %q has dimension %d, configured %d", s.snapshot, payload.Dimension, s.dimension)
	}
	if payload.Model != "" && s.model != "" && payload.Model != s.model {
		return domain.Configf("faiss: snapshot %q was built with %s, configured %s", s.snapshot, payload.Model, s.model)
	}
	for _, doc := range payload.Documents {
		s.documents[doc.ID] = doc
	}
	s.entries = payload.Entries
	s.nextSeq = payload.NextSeq
	return nil
}

func (s *Storage) persistLocked() error {
	if s.snapshot == "" {
		return nil
	}
	payload := snapshotPayload{
		Dimension: s.dimension,
		Model:     s.model,
		NextSeq:   s.nextSeq,
		Documents: make([]domain.Document, 0, len(s.documents)),
		Entries:   s.entries,
	}
	for _, doc := range s.documents {
		payload.Documents = append(payload.Documents, doc)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("faiss: encode snapshot: %w", err)
	}
	tmp := s.snapshot + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("faiss: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.snapshot); err != nil {
		return fmt.Errorf("faiss: commit snapshot: %w", err)
	}
	return nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
