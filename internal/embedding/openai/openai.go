package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"handbook/internal/domain"
	"handbook/internal/embedding"
	llmopenai "handbook/internal/llm/openai"
)

var _ domain.Embedder = (*Client)(nil)

// Client is an OpenAI-compatible embeddings client.
type Client struct {
	client    *openai.Client
	model     string
	dimension int
	batchSize int
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	Dimension int
	Timeout   time.Duration
	BatchSize int
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, domain.Configf("missing embeddings API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.Dimension <= 0 {
		return nil, domain.Configf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	oc := openai.DefaultConfig(key)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
	}, nil
}

// Name returns the model identity, including the vector dimension.
func (c *Client) Name() string { return fmt.Sprintf("openai/%s@%d", c.model, c.dimension) }

// Dimension returns the dimensionality of the produced embedding vectors.
func (c *Client) Dimension() int { return c.dimension }

// Embed returns an embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds texts in request batches, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.request(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// nativeDimensions lists models whose output size is fixed or known. Older
// models reject the dimensions parameter, so it is only sent to shorten
// vectors below a model's native size or for models not listed here.
var nativeDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}

// requestDimensions is the dimensions parameter for model, or 0 to omit it.
func requestDimensions(model string, dimension int) int {
	if native, ok := nativeDimensions[model]; ok && native == dimension {
		return 0
	}
	return dimension
}

func (c *Client) request(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(c.model),
		Input:      texts,
		Dimensions: requestDimensions(c.model, c.dimension),
	})
	if err != nil {
		return nil, domain.NewEmbeddingError("create embeddings", llmopenai.Transient(err), err)
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.NewEmbeddingError("create embeddings", true,
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
	}
	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, domain.NewEmbeddingError("create embeddings", false,
				fmt.Errorf("embedding index %d out of range", item.Index))
		}
		if len(item.Embedding) != c.dimension {
			return nil, domain.Configf("model %s returned %d dimensions, configured %d",
				c.model, len(item.Embedding), c.dimension)
		}
		v := make([]float32, len(item.Embedding))
		for i := range item.Embedding {
			v[i] = float32(item.Embedding[i])
		}
		embedding.Normalize(v)
		vectors[item.Index] = v
	}
	for i, v := range vectors {
		if v == nil {
			return nil, domain.NewEmbeddingError("create embeddings", false, fmt.Errorf("missing embedding for input %d", i))
		}
	}
	return vectors, nil
}
