package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"handbook/internal/domain"
	"handbook/internal/vectorstore"
)

var _ domain.VectorStore = (*Storage)(nil)

// overfetch widens each search so score ties at the cut are resolved by the
// shared ordering rather than by the server.
const overfetch = 16

// Storage is a minimal REST client to Qdrant. Chunks live in the configured
// collection; documents are kept as payload-only points in a companion
// "<collection>_documents" collection.
type Storage struct {
	url        string
	apiKey     string
	collection string
	documents  string
	dimension  int
	client     *http.Client

	seqMu   sync.Mutex
	lastSeq int64
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// NewStorage connects to Qdrant and creates both collections if missing.
// An existing chunk collection with another vector size is rejected.
func NewStorage(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.URL == "" || cfg.Collection == "" {
		return nil, domain.Configf("qdrant: url and collection are required")
	}
	if cfg.Dimension <= 0 {
		return nil, domain.Configf("qdrant: invalid dimension %d", cfg.Dimension)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	s := &Storage{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		documents:  cfg.Collection + "_documents",
		dimension:  cfg.Dimension,
		client:     &http.Client{Timeout: timeout},
	}
	if err := s.ensureCollection(ctx, s.collection, s.dimension); err != nil {
		return nil, err
	}
	if err := s.ensureCollection(ctx, s.documents, 1); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) Dimension() int { return s.dimension }

func (s *Storage) ensureCollection(ctx context.Context, name string, size int) error {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionURL(name, ""), nil, &info)
	if err != nil && status != http.StatusNotFound {
		return err
	}
	if status == http.StatusOK {
		if got := info.Result.Config.Params.Vectors.Size; got != size {
			return domain.Configf("qdrant: collection %s has vector size %d, configured %d", name, got, size)
		}
		return nil
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     size,
			"distance": "Cosine",
		},
	}
	_, err = s.do(ctx, http.MethodPut, s.collectionURL(name, ""), body, nil)
	return err
}

func (s *Storage) UpsertDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if doc.SourcePath == "" {
		return domain.Document{}, domain.Configf("qdrant: document source path is required")
	}
	if doc.ID == "" {
		doc.ID = vectorstore.DocumentID(doc.SourcePath)
	}
	var existing struct {
		Result struct {
			Payload documentPayload `json:"payload"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionURL(s.documents, "/points/"+url.PathEscape(doc.ID)), nil, &existing)
	if err != nil && status != http.StatusNotFound {
		return domain.Document{}, err
	}
	if status == http.StatusOK {
		return existing.Result.Payload.document(doc.ID), nil
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	body := map[string]any{"points": []map[string]any{{
		"id":     doc.ID,
		"vector": []float32{1},
		"payload": documentPayload{
			SourcePath: doc.SourcePath,
			Title:      doc.Title,
			CreatedAt:  doc.CreatedAt,
		},
	}}}
	if _, err := s.do(ctx, http.MethodPut, s.collectionURL(s.documents, "/points?wait=true"), body, nil); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func (s *Storage) InsertChunks(ctx context.Context, documentID string, items []domain.ChunkInput) ([]string, error) {
	if err := vectorstore.ValidateItems(items, s.dimension); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []string{}, nil
	}
	var count struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	countBody := map[string]any{"filter": documentFilter(documentID), "exact": true}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL(s.collection, "/points/count"), countBody, &count); err != nil {
		return nil, &domain.StoreWriteError{DocumentID: documentID, Err: err}
	}
	var sourcePath string
	var doc struct {
		Result struct {
			Payload documentPayload `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodGet, s.collectionURL(s.documents, "/points/"+url.PathEscape(documentID)), nil, &doc); err == nil {
		sourcePath = doc.Result.Payload.SourcePath
	}
	offset := count.Result.Count
	seq := s.reserveSeq(len(items))
	ids := make([]string, len(items))
	points := make([]map[string]any, len(items))
	for i, item := range items {
		ids[i] = vectorstore.ChunkID(documentID, offset+i)
		filterable := make(map[string]string, len(item.Metadata))
		for k, v := range item.Metadata {
			filterable[k] = vectorstore.MetadataString(v)
		}
		points[i] = map[string]any{
			"id":     ids[i],
			"vector": item.Embedding,
			"payload": map[string]any{
				"document_id": documentID,
				"source_path": sourcePath,
				"position":    offset + i,
				"content":     item.Content,
				"metadata":    item.Metadata,
				"filter_meta": filterable,
				"seq":         seq + int64(i),
			},
		}
	}
	body := map[string]any{"points": points}
	if _, err := s.do(ctx, http.MethodPut, s.collectionURL(s.collection, "/points?wait=true"), body, nil); err != nil {
		return nil, &domain.StoreWriteError{DocumentID: documentID, Err: err}
	}
	return ids, nil
}

func (s *Storage) Query(ctx context.Context, vector []float32, k int, filter *domain.Filter) ([]domain.Match, error) {
	if err := vectorstore.ValidateQuery(vector, k, s.dimension); err != nil {
		return nil, err
	}
	if k == 0 {
		return []domain.Match{}, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        k + overfetch,
		"with_payload": true,
	}
	if f := searchFilter(filter); f != nil {
		req["filter"] = f
	}
	var resp struct {
		Result []struct {
			ID      string       `json:"id"`
			Score   float64      `json:"score"`
			Payload chunkPayload `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL(s.collection, "/points/search"), req, &resp); err != nil {
		return nil, err
	}
	matches := make([]domain.Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		matches = append(matches, domain.Match{
			ChunkID:    r.ID,
			DocumentID: r.Payload.DocumentID,
			SourcePath: r.Payload.SourcePath,
			Content:    r.Payload.Content,
			Metadata:   r.Payload.Metadata,
			Score:      r.Score,
			Seq:        r.Payload.Seq,
		})
	}
	return vectorstore.Top(matches, k), nil
}

func (s *Storage) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{"filter": documentFilter(documentID)}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL(s.collection, "/points/delete?wait=true"), body, nil); err != nil {
		return err
	}
	docBody := map[string]any{"points": []string{documentID}}
	_, err := s.do(ctx, http.MethodPost, s.collectionURL(s.documents, "/points/delete?wait=true"), docBody, nil)
	return err
}

func (s *Storage) Close() error { return nil }

func (s *Storage) reserveSeq(n int) int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	next := time.Now().UnixNano()
	if next <= s.lastSeq {
		next = s.lastSeq + 1
	}
	s.lastSeq = next + int64(n) - 1
	return next
}

func (s *Storage) collectionURL(name, suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, url.PathEscape(name), suffix)
}

// do sends a JSON request and decodes a JSON response into out. The status
// code is returned even when it signals an error.
func (s *Storage) do(ctx context.Context, method, target string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("qdrant: encode %s %s: %w", method, target, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, fmt.Errorf("qdrant: build %s %s: %w", method, target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("qdrant %s %s failed: %s", method, target, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("qdrant: decode %s %s: %w", method, target, err)
		}
	}
	return resp.StatusCode, nil
}

type documentPayload struct {
	SourcePath string    `json:"source_path"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (p documentPayload) document(id string) domain.Document {
	return domain.Document{ID: id, SourcePath: p.SourcePath, Title: p.Title, CreatedAt: p.CreatedAt}
}

type chunkPayload struct {
	DocumentID string         `json:"document_id"`
	SourcePath string         `json:"source_path"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Seq        int64          `json:"seq"`
}

func documentFilter(documentID string) map[string]any {
	return map[string]any{"must": []map[string]any{
		{"key": "document_id", "match": map[string]any{"value": documentID}},
	}}
}

func searchFilter(f *domain.Filter) map[string]any {
	if f == nil {
		return nil
	}
	var must []map[string]any
	if len(f.DocumentIDs) > 0 {
		must = append(must, map[string]any{"key": "document_id", "match": map[string]any{"any": f.DocumentIDs}})
	}
	for key, value := range f.Metadata {
		must = append(must, map[string]any{"key": "filter_meta." + key, "match": map[string]any{"value": value}})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}
