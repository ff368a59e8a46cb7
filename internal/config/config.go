package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"handbook/internal/domain"
	"handbook/internal/retry"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string                `yaml:"type"`
	Dimension int                   `yaml:"dimension"`
	CacheSize int                   `yaml:"cache_size"`
	BatchSize int                   `yaml:"batch_size"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// ChunkerConfig sets the token window used to split pages.
type ChunkerConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type      string          `yaml:"type"`
	BatchSize int             `yaml:"batch_size"`
	Faiss     *FaissConfig    `yaml:"faiss,omitempty"`
	Supabase  *SupabaseConfig `yaml:"supabase,omitempty"`
	Qdrant    *QdrantConfig   `yaml:"qdrant,omitempty"`
}

// FaissConfig configures the in-process index.
type FaissConfig struct {
	SnapshotPath string `yaml:"snapshot_path"`
}

// SupabaseConfig contains connection details for Postgres with pgvector.
// DSN wins over DSNEnv when both are set.
type SupabaseConfig struct {
	DSN          string `yaml:"dsn,omitempty"`
	DSNEnv       string `yaml:"dsn_env"`
	EnsureSchema bool   `yaml:"ensure_schema"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

type RetrievalConfig struct {
	TopK        int `yaml:"top_k"`
	SectionTopK int `yaml:"section_top_k"`
	OutlineTopK int `yaml:"outline_top_k"`
}

// OpenAILLMConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAILLMConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

type LLMConfig struct {
	Type        string           `yaml:"type"`
	Temperature float32          `yaml:"temperature"`
	OpenAI      *OpenAILLMConfig `yaml:"openai,omitempty"`
}

// GenerationConfig controls handbook runs. GroundingPolicy has no default:
// it must be set to "disclaim" or "skip" before a run can start.
type GenerationConfig struct {
	OutputDir          string `yaml:"output_dir"`
	SectionMaxTokens   int    `yaml:"section_max_tokens"`
	OutlineMaxTokens   int    `yaml:"outline_max_tokens"`
	ContextTokenBudget int    `yaml:"context_token_budget"`
	GroundingPolicy    string `yaml:"grounding_policy"`
	TargetWords        int    `yaml:"target_words"`
	Tokenizer          string `yaml:"tokenizer"`
}

type RetryConfig struct {
	Attempts    int `yaml:"attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// Policy converts the configured values into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		Attempts: r.Attempts,
		Base:     time.Duration(r.BaseDelayMS) * time.Millisecond,
		Max:      time.Duration(r.MaxDelayMS) * time.Millisecond,
	}
}

type IngestConfig struct {
	Workers int `yaml:"workers"`
}

// SummarizerConfig selects and configures the summarizer used for the digest
// of earlier sections.
type SummarizerConfig struct {
	Type         string `yaml:"type"`
	MaxSentences int    `yaml:"max_sentences"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	LLM         LLMConfig         `yaml:"llm"`
	Generation  GenerationConfig  `yaml:"generation"`
	Retry       RetryConfig       `yaml:"retry"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Summarizer  SummarizerConfig  `yaml:"summarizer"`
	Log         LogConfig         `yaml:"log"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, domain.Configf("parse %s: %v", path, err)
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./handbook.yaml first, then ~/.config/handbook/config.yaml.
// If neither exists, it writes defaults to ~/.config/handbook/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "handbook.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "handbook", "config.yaml"), nil
}

// Validate reports the first invalid setting as a configuration error.
// The grounding policy is checked by GroundingPolicy, since only runs need it.
func (c *AppConfig) Validate() error {
	if c.Chunker.Size <= 0 || c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		return domain.Configf("chunker: need size > 0 and 0 <= overlap < size, got size=%d overlap=%d",
			c.Chunker.Size, c.Chunker.Overlap)
	}
	switch c.Embedder.Type {
	case "hashing":
	case "openai":
		if c.Embedder.OpenAI == nil {
			return domain.Configf("embedder: openai block is required")
		}
	default:
		return domain.Configf("embedder: unknown type %q", c.Embedder.Type)
	}
	if c.Embedder.Dimension <= 0 {
		return domain.Configf("embedder: dimension must be positive")
	}
	switch c.VectorStore.Type {
	case "faiss":
	case "supabase":
		if c.VectorStore.Supabase == nil {
			return domain.Configf("vector_store: supabase block is required")
		}
		if _, err := c.SupabaseDSN(); err != nil {
			return err
		}
	case "qdrant":
		if c.VectorStore.Qdrant == nil || c.VectorStore.Qdrant.URL == "" || c.VectorStore.Qdrant.Collection == "" {
			return domain.Configf("vector_store: qdrant url and collection are required")
		}
	default:
		return domain.Configf("vector_store: unknown type %q", c.VectorStore.Type)
	}
	switch c.LLM.Type {
	case "openai", "none":
	default:
		return domain.Configf("llm: unknown type %q", c.LLM.Type)
	}
	if c.Generation.GroundingPolicy != "" {
		if _, err := c.GroundingPolicy(); err != nil {
			return err
		}
	}
	return nil
}

// GroundingPolicy returns the configured policy, failing when it is unset.
func (c *AppConfig) GroundingPolicy() (domain.GroundingPolicy, error) {
	return domain.ParseGroundingPolicy(strings.ToLower(strings.TrimSpace(c.Generation.GroundingPolicy)))
}

// SupabaseDSN resolves the connection string from the file or the environment.
func (c *AppConfig) SupabaseDSN() (string, error) {
	s := c.VectorStore.Supabase
	if s == nil {
		return "", domain.Configf("vector_store: supabase block is required")
	}
	if s.DSN != "" {
		return s.DSN, nil
	}
	if dsn := os.Getenv(s.DSNEnv); dsn != "" {
		return dsn, nil
	}
	return "", domain.Configf("vector_store: set supabase.dsn or the %s environment variable", s.DSNEnv)
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Embedder:    EmbedderConfig{Type: "hashing"},
		VectorStore: VectorStoreConfig{Type: "faiss"},
		LLM:         LLMConfig{Type: "openai", Temperature: 0.2},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "hashing"
	}
	if cfg.Embedder.Dimension == 0 {
		cfg.Embedder.Dimension = 384
	}
	if cfg.Embedder.CacheSize == 0 {
		cfg.Embedder.CacheSize = 4096
	}
	if cfg.Embedder.BatchSize == 0 {
		cfg.Embedder.BatchSize = 32
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
	}
	if cfg.Chunker.Size == 0 {
		cfg.Chunker.Size = 800
		if cfg.Chunker.Overlap == 0 {
			cfg.Chunker.Overlap = 120
		}
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "faiss"
	}
	if cfg.VectorStore.BatchSize == 0 {
		cfg.VectorStore.BatchSize = 200
	}
	switch cfg.VectorStore.Type {
	case "faiss":
		if cfg.VectorStore.Faiss == nil {
			cfg.VectorStore.Faiss = &FaissConfig{SnapshotPath: filepath.Join("storage", "data", "index.json")}
		}
	case "supabase":
		if cfg.VectorStore.Supabase == nil {
			cfg.VectorStore.Supabase = &SupabaseConfig{EnsureSchema: true}
		}
		if cfg.VectorStore.Supabase.DSNEnv == "" {
			cfg.VectorStore.Supabase.DSNEnv = "SUPABASE_DB_URL"
		}
	case "qdrant":
		if cfg.VectorStore.Qdrant != nil && cfg.VectorStore.Qdrant.TimeoutSecs == 0 {
			cfg.VectorStore.Qdrant.TimeoutSecs = 10
		}
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 6
	}
	if cfg.Retrieval.SectionTopK == 0 {
		cfg.Retrieval.SectionTopK = 8
	}
	if cfg.Retrieval.OutlineTopK == 0 {
		cfg.Retrieval.OutlineTopK = 12
	}
	if cfg.LLM.Type == "" {
		cfg.LLM.Type = "openai"
	}
	if cfg.LLM.Type == "openai" {
		if cfg.LLM.OpenAI == nil {
			cfg.LLM.OpenAI = &OpenAILLMConfig{}
		}
		if cfg.LLM.OpenAI.BaseURL == "" {
			cfg.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.LLM.OpenAI.APIKeyEnv == "" {
			cfg.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.LLM.OpenAI.Model == "" {
			cfg.LLM.OpenAI.Model = "gpt-4o-mini"
		}
		if cfg.LLM.OpenAI.TimeoutSecs == 0 {
			cfg.LLM.OpenAI.TimeoutSecs = 120
		}
	}
	if cfg.Generation.OutputDir == "" {
		cfg.Generation.OutputDir = filepath.Join("storage", "handbooks")
	}
	if cfg.Generation.SectionMaxTokens == 0 {
		cfg.Generation.SectionMaxTokens = 4096
	}
	if cfg.Generation.OutlineMaxTokens == 0 {
		cfg.Generation.OutlineMaxTokens = 2048
	}
	if cfg.Generation.ContextTokenBudget == 0 {
		cfg.Generation.ContextTokenBudget = 6000
	}
	if cfg.Generation.TargetWords == 0 {
		cfg.Generation.TargetWords = 20000
	}
	if cfg.Generation.Tokenizer == "" {
		cfg.Generation.Tokenizer = "cl100k_base"
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.BaseDelayMS == 0 {
		cfg.Retry.BaseDelayMS = 200
	}
	if cfg.Retry.MaxDelayMS == 0 {
		cfg.Retry.MaxDelayMS = 5000
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Summarizer.Type == "" {
		cfg.Summarizer.Type = "frequency"
	}
	if cfg.Summarizer.MaxSentences == 0 {
		cfg.Summarizer.MaxSentences = 3
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
