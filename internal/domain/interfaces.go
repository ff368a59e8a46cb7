package domain

import "context"

// Embedder converts free text into a fixed-dimension vector.
// Implementations never retry; callers own the retry policy.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists chunk embeddings and answers similarity queries.
// Query results are ordered by descending cosine similarity, ties broken by
// insertion order.
type VectorStore interface {
	UpsertDocument(ctx context.Context, doc Document) (Document, error)
	InsertChunks(ctx context.Context, documentID string, items []ChunkInput) ([]string, error)
	Query(ctx context.Context, embedding []float32, k int, filter *Filter) ([]Match, error)
	DeleteDocument(ctx context.Context, documentID string) error
	Dimension() int
	Close() error
}

// Retriever turns a free-text query into ranked evidence.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, filter *Filter) (RetrievalResult, error)
}

// Completer issues a single chat completion against a language model.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Summarizer produces a brief summary of the provided text.
type Summarizer interface {
	Summarize(text string, maxSentences int) (string, error)
}

// OutlineGenerator produces the section plan for a handbook topic.
type OutlineGenerator interface {
	Generate(ctx context.Context, topic string, targetWords int) (Outline, error)
}
