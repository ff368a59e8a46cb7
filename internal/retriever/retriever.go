package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"handbook/internal/domain"
	"handbook/internal/logger"
)

// DefaultTopK is used when a caller passes k <= 0.
const DefaultTopK = 6

var _ domain.Retriever = (*Service)(nil)

// Service embeds a query and asks the vector store for the nearest chunks.
type Service struct {
	embedder domain.Embedder
	store    domain.VectorStore
	topK     int
}

func NewService(emb domain.Embedder, store domain.VectorStore, defaultK int) (*Service, error) {
	if emb == nil {
		return nil, errors.New("retriever: embedder is required")
	}
	if store == nil {
		return nil, errors.New("retriever: vector store is required")
	}
	if emb.Dimension() != store.Dimension() {
		return nil, domain.Configf("retriever: embedder %s produces %d dimensions, store expects %d",
			emb.Name(), emb.Dimension(), store.Dimension())
	}
	if defaultK <= 0 {
		defaultK = DefaultTopK
	}
	return &Service{embedder: emb, store: store, topK: defaultK}, nil
}

// Retrieve returns the k best matches for query. No matches is not an error;
// the result is simply empty.
func (s *Service) Retrieve(ctx context.Context, query string, k int, filter *domain.Filter) (domain.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return domain.RetrievalResult{}, domain.Configf("retriever: query is required")
	}
	if k <= 0 {
		k = s.topK
	}
	start := time.Now()
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("retriever: embed query: %w", err)
	}
	matches, err := s.store.Query(ctx, vector, k, filter)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("retriever: search: %w", err)
	}
	logger.FromContext(ctx).Debug("Retrieval executed",
		"k", k, "results", len(matches), "duration", time.Since(start))
	return domain.RetrievalResult{Query: query, Matches: matches}, nil
}
