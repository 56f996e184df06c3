package tabletalk

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a tabletalk session.
type Config struct {
	// APIKey is the credential for the cloud backend and the embedding
	// model. Startup fails without it.
	APIKey string `json:"api_key" yaml:"api_key"`

	// ChatModel is the cloud chat model identifier.
	ChatModel string `json:"chat_model" yaml:"chat_model"`

	// EmbeddingModel is the embedding model identifier.
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model"`

	// CloudBaseURL overrides the cloud backend endpoint, for proxies
	// and OpenAI-compatible gateways. Empty selects the public API.
	CloudBaseURL string `json:"cloud_base_url" yaml:"cloud_base_url"`

	// LocalBaseURL is the endpoint of the locally hosted backend.
	LocalBaseURL string `json:"local_base_url" yaml:"local_base_url"`

	// LocalModel is the model identifier served by the local backend.
	LocalModel string `json:"local_model" yaml:"local_model"`

	// StoreDir is the directory holding the persistent vector index.
	StoreDir string `json:"store_dir" yaml:"store_dir"`

	// Collection names the index database file inside StoreDir.
	Collection string `json:"collection" yaml:"collection"`

	// CacheDir and CacheExpiryHours configure the on-disk response cache.
	CacheDir         string `json:"cache_dir" yaml:"cache_dir"`
	CacheExpiryHours int    `json:"cache_expiry_hours" yaml:"cache_expiry_hours"`

	// DefaultTopK is the retrieval count used when the caller does not
	// specify one.
	DefaultTopK int `json:"default_top_k" yaml:"default_top_k"`

	// Logging
	LogDir   string `json:"log_dir" yaml:"log_dir"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Upload validation
	MaxUploadMB      int    `json:"max_upload_mb" yaml:"max_upload_mb"`
	AllowedExtension string `json:"allowed_extension" yaml:"allowed_extension"`
	MinRows          int    `json:"min_rows" yaml:"min_rows"`
	MaxColumns       int    `json:"max_columns" yaml:"max_columns"`

	// EmbeddingDim must match the embedding model's output dimension.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// DefaultConfig returns a Config with sensible defaults. The API key is
// intentionally left empty; Validate rejects a config without one.
func DefaultConfig() Config {
	return Config{
		ChatModel:        "gpt-4",
		EmbeddingModel:   "text-embedding-ada-002",
		LocalBaseURL:     "http://localhost:11434",
		LocalModel:       "llama3.2",
		StoreDir:         "data",
		Collection:       "financial_data",
		CacheDir:         "cache",
		CacheExpiryHours: 24,
		DefaultTopK:      5,
		LogDir:           "logs",
		LogLevel:         "info",
		MaxUploadMB:      100,
		AllowedExtension: ".csv",
		MinRows:          1,
		MaxColumns:       100,
		EmbeddingDim:     1536,
	}
}

// LoadConfig reads a YAML config file, layered over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: api_key", ErrConfigMissing)
	}
	def := DefaultConfig()
	if c.ChatModel == "" {
		c.ChatModel = def.ChatModel
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = def.EmbeddingModel
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = def.DefaultTopK
	}
	if c.MinRows <= 0 {
		c.MinRows = def.MinRows
	}
	if c.MaxColumns <= 0 {
		c.MaxColumns = def.MaxColumns
	}
	if c.EmbeddingDim <= 0 {
		c.EmbeddingDim = def.EmbeddingDim
	}
	if c.Collection == "" {
		c.Collection = def.Collection
	}
	return nil
}

// dbPath computes the index database path inside StoreDir.
func (c *Config) dbPath() string {
	dir := c.StoreDir
	if dir == "" {
		dir = "data"
	}
	return filepath.Join(dir, c.Collection+".db")
}
