// Package app wires configured components together. Everything is built once
// here and passed down explicitly.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"handbook/internal/chunker"
	"handbook/internal/config"
	"handbook/internal/domain"
	"handbook/internal/embedding"
	"handbook/internal/embedding/hashing"
	embopenai "handbook/internal/embedding/openai"
	"handbook/internal/ingest"
	llmopenai "handbook/internal/llm/openai"
	"handbook/internal/logger"
	"handbook/internal/outline"
	"handbook/internal/retriever"
	"handbook/internal/service"
	"handbook/internal/summarizer"
	"handbook/internal/tokens"
	"handbook/internal/vectorstore/faiss"
	"handbook/internal/vectorstore/qdrant"
	"handbook/internal/vectorstore/supabase"
)

// App holds the long-lived components of one process.
type App struct {
	Config    *config.AppConfig
	Embedder  domain.Embedder
	Store     domain.VectorStore
	Retriever *retriever.Service
	Pipeline  *ingest.Pipeline
	Counter   tokens.Counter

	completerOnce sync.Once
	completer     domain.Completer
	completerErr  error
}

// New validates cfg and builds the retrieval side. The completion client is
// created on first use so ingestion works without model credentials.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	emb, err := NewEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewVectorStore(ctx, cfg, emb.Dimension(), emb.Name())
	if err != nil {
		return nil, err
	}
	r, err := retriever.NewService(emb, store, cfg.Retrieval.TopK)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ch, err := chunker.NewWindowChunker(cfg.Chunker.Size, cfg.Chunker.Overlap)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pipeline, err := ingest.NewPipeline(ch, emb, store, ingest.Options{
		BatchSize: cfg.Embedder.BatchSize,
		Workers:   cfg.Ingest.Workers,
		Retry:     cfg.Retry.Policy(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	counter, exact := tokens.ForModel(cfg.Generation.Tokenizer)
	if !exact {
		logger.FromContext(ctx).Warn("Tokenizer unavailable, estimating token counts", "tokenizer", cfg.Generation.Tokenizer)
	}
	logger.FromContext(ctx).Debug("Components ready",
		"embedder", emb.Name(), "vector_store", cfg.VectorStore.Type, "dimension", emb.Dimension())
	return &App{
		Config:    cfg,
		Embedder:  emb,
		Store:     store,
		Retriever: r,
		Pipeline:  pipeline,
		Counter:   counter,
	}, nil
}

// NewLogger builds the process logger from the log block.
func NewLogger(cfg config.LogConfig, out io.Writer) logger.Logger {
	lc := logger.DefaultConfig()
	lc.Level = logger.ParseLevel(cfg.Level)
	lc.JSON = cfg.JSON
	if out != nil {
		lc.Output = out
	}
	return logger.NewLogger(lc)
}

// NewEmbedder builds the configured embedder, wrapped in an LRU cache when
// cache_size is positive.
func NewEmbedder(cfg *config.AppConfig) (domain.Embedder, error) {
	var emb domain.Embedder
	switch cfg.Embedder.Type {
	case "hashing", "":
		h, err := hashing.NewEmbedder(cfg.Embedder.Dimension)
		if err != nil {
			return nil, err
		}
		emb = h
	case "openai":
		if cfg.Embedder.OpenAI == nil {
			return nil, domain.Configf("openai embedder config missing")
		}
		client, err := embopenai.NewClient(embopenai.Config{
			BaseURL:   cfg.Embedder.OpenAI.BaseURL,
			APIKeyEnv: cfg.Embedder.OpenAI.APIKeyEnv,
			Model:     cfg.Embedder.OpenAI.Model,
			Dimension: cfg.Embedder.Dimension,
			Timeout:   time.Duration(cfg.Embedder.OpenAI.TimeoutSecs) * time.Second,
			BatchSize: cfg.Embedder.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		emb = client
	default:
		return nil, domain.Configf("unknown embedder: %s", cfg.Embedder.Type)
	}
	if cfg.Embedder.CacheSize > 0 {
		cached, err := embedding.NewCached(emb, cfg.Embedder.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return emb, nil
}

// NewVectorStore builds the configured backend for vectors of dimension.
// model is recorded by backends that persist the embedder identity.
func NewVectorStore(ctx context.Context, cfg *config.AppConfig, dimension int, model string) (domain.VectorStore, error) {
	vs := cfg.VectorStore
	switch vs.Type {
	case "faiss", "":
		fc := faiss.Config{Dimension: dimension, Model: model}
		if vs.Faiss != nil {
			fc.SnapshotPath = vs.Faiss.SnapshotPath
		}
		store, err := faiss.NewStorage(fc)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "supabase":
		dsn, err := cfg.SupabaseDSN()
		if err != nil {
			return nil, err
		}
		store, err := supabase.NewStorage(ctx, supabase.Config{
			DSN:          dsn,
			Dimension:    dimension,
			BatchSize:    vs.BatchSize,
			EnsureSchema: vs.Supabase.EnsureSchema,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "qdrant":
		if vs.Qdrant == nil {
			return nil, domain.Configf("qdrant config missing")
		}
		store, err := qdrant.NewStorage(ctx, qdrant.Config{
			URL:        vs.Qdrant.URL,
			APIKey:     vs.Qdrant.APIKey,
			Collection: vs.Qdrant.Collection,
			Dimension:  dimension,
			Timeout:    time.Duration(vs.Qdrant.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, domain.Configf("unknown vector store: %s", vs.Type)
	}
}

// NewCompleter builds the configured completion client.
func NewCompleter(cfg *config.AppConfig) (domain.Completer, error) {
	switch cfg.LLM.Type {
	case "openai", "":
		if cfg.LLM.OpenAI == nil {
			return nil, domain.Configf("openai llm config missing")
		}
		client, err := llmopenai.NewClient(llmopenai.Config{
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			APIKeyEnv:   cfg.LLM.OpenAI.APIKeyEnv,
			Model:       cfg.LLM.OpenAI.Model,
			Timeout:     time.Duration(cfg.LLM.OpenAI.TimeoutSecs) * time.Second,
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	case "none":
		return nil, domain.Configf("llm.type is none; this command needs a completion model")
	default:
		return nil, domain.Configf("unknown llm: %s", cfg.LLM.Type)
	}
}

// NewSummarizer builds the summarizer used for section digests.
func NewSummarizer(cfg *config.AppConfig) (domain.Summarizer, error) {
	switch cfg.Summarizer.Type {
	case "frequency", "":
		return summarizer.NewFrequencySummarizer(), nil
	default:
		return nil, domain.Configf("unknown summarizer: %s", cfg.Summarizer.Type)
	}
}

// SetCompleter replaces the completion client, for callers that bring their own.
func (a *App) SetCompleter(c domain.Completer) {
	a.completerOnce.Do(func() {})
	a.completer, a.completerErr = c, nil
}

// Completer returns the completion client, creating it on first use.
func (a *App) Completer() (domain.Completer, error) {
	a.completerOnce.Do(func() {
		a.completer, a.completerErr = NewCompleter(a.Config)
	})
	return a.completer, a.completerErr
}

// RAG builds the grounded question answering service.
func (a *App) RAG() (*service.RAGService, error) {
	c, err := a.Completer()
	if err != nil {
		return nil, err
	}
	return service.NewRAGService(a.Retriever, c, a.Counter, service.RAGOptions{
		TopK:          a.Config.Retrieval.TopK,
		ContextBudget: a.Config.Generation.ContextTokenBudget,
		Temperature:   a.Config.LLM.Temperature,
		Retry:         a.Config.Retry.Policy(),
	})
}

// Handbook builds the run controller. policy overrides the configured
// grounding policy when non-empty.
func (a *App) Handbook(policy string) (*service.HandbookService, error) {
	cfg := a.Config
	var (
		gp  domain.GroundingPolicy
		err error
	)
	if policy != "" {
		gp, err = domain.ParseGroundingPolicy(strings.ToLower(strings.TrimSpace(policy)))
	} else {
		gp, err = cfg.GroundingPolicy()
	}
	if err != nil {
		return nil, fmt.Errorf("grounding policy: %w", err)
	}
	c, err := a.Completer()
	if err != nil {
		return nil, err
	}
	sum, err := NewSummarizer(cfg)
	if err != nil {
		return nil, err
	}
	retryPolicy := cfg.Retry.Policy()
	outliner := outline.NewGenerator(a.Retriever, c, a.Counter, outline.Options{
		TopK:          cfg.Retrieval.OutlineTopK,
		MaxTokens:     cfg.Generation.OutlineMaxTokens,
		ContextBudget: cfg.Generation.ContextTokenBudget,
		Temperature:   cfg.LLM.Temperature,
		Retry:         retryPolicy,
	})
	return service.NewHandbookService(outliner, a.Retriever, c, sum, a.Counter, service.HandbookOptions{
		OutputDir:          cfg.Generation.OutputDir,
		SectionTopK:        cfg.Retrieval.SectionTopK,
		SectionMaxTokens:   cfg.Generation.SectionMaxTokens,
		ContextTokenBudget: cfg.Generation.ContextTokenBudget,
		TargetWords:        cfg.Generation.TargetWords,
		Policy:             gp,
		Temperature:        cfg.LLM.Temperature,
		DigestSentences:    cfg.Summarizer.MaxSentences,
		Retry:              retryPolicy,
	})
}

// Close releases the vector store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	return a.Store.Close()
}
