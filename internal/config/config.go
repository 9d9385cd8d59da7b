package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// configDir is the configuration directory path
	// Can be set via SetConfigDir before loading config
	configDir     string
	configDirInit bool
)

// SetConfigDir sets a custom configuration directory
// Must be called before any config loading functions
func SetConfigDir(dir string) {
	configDir = dir
	configDirInit = true
}

// GetConfigDir returns the configuration directory
// Priority: 1. Manually set via SetConfigDir, 2. ~/.vox
func GetConfigDir() string {
	if !configDirInit {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			configDir = filepath.Join(homeDir, ".vox")
		}
		configDirInit = true
	}
	return configDir
}

// Settings application configuration structure
type Settings struct {
	Archive ArchiveConfig `yaml:"archive"`
	Context ContextConfig `yaml:"context"`
	RAG     RAGConfig     `yaml:"rag"`
	Model   ModelConfig   `yaml:"model"`
	Fantasy FantasyConfig `yaml:"fantasy"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// ArchiveConfig archive store configuration
type ArchiveConfig struct {
	// Path is the archive root directory holding segment files.
	Path string `yaml:"path"`

	// MaxSizeMB is the global on-disk cap across all conversations.
	MaxSizeMB int `yaml:"max_size_mb"`
}

// ContextConfig context window and eviction configuration
type ContextConfig struct {
	// WindowSize is the model context window in tokens.
	WindowSize int `yaml:"window_size"`

	// EvictionThreshold is the fraction of the window at which the
	// oldest live messages are evicted to the archive.
	EvictionThreshold float64 `yaml:"eviction_threshold"`

	// EvictionBatchFraction is the share of the live window (in
	// messages, rounded down to whole turns) evicted per batch.
	EvictionBatchFraction float64 `yaml:"eviction_batch_fraction"`

	// HistoryDBPath is the SQLite file persisting live windows.
	HistoryDBPath string `yaml:"history_db_path"`
}

// RAGConfig retrieval configuration
type RAGConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetrieveCount int  `yaml:"retrieve_count"`

	// MinQueryChars skips retrieval for very short queries.
	MinQueryChars int `yaml:"min_query_chars"`

	// TimeoutSeconds bounds the embedding call before the recency
	// fallback applies.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// IndexDBPath is the SQLite file holding the vector index.
	IndexDBPath string `yaml:"index_db_path"`

	// EmbeddingDimension is the vector size produced by the embedding
	// capability.
	EmbeddingDimension int `yaml:"embedding_dimension"`
}

// ModelConfig inference capability configuration
type ModelConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	Temperature       float64 `yaml:"temperature"`
	TopK              int     `yaml:"top_k"`
	RepeatPenalty     float64 `yaml:"repeat_penalty"`
	MaxResponseTokens int     `yaml:"max_response_tokens"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

// FantasyConfig fantasy card catalog configuration
type FantasyConfig struct {
	// Dir holds one JSON file per fantasy card.
	Dir string `yaml:"dir"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig logging configuration
type LogConfig struct {
	Dir        string `yaml:"dir"`
	Level      string `yaml:"level"`
	MaxDays    int    `yaml:"max_days"`
	ConsoleOut bool   `yaml:"console_out"`
}

// DefaultSettings returns default configuration
func DefaultSettings() *Settings {
	dir := GetConfigDir()
	return &Settings{
		Archive: ArchiveConfig{
			Path:      filepath.Join(dir, "context_archive"),
			MaxSizeMB: 100,
		},
		Context: ContextConfig{
			WindowSize:            4096,
			EvictionThreshold:     0.8,
			EvictionBatchFraction: 0.2,
			HistoryDBPath:         filepath.Join(dir, "history.db"),
		},
		RAG: RAGConfig{
			Enabled:            true,
			RetrieveCount:      5,
			MinQueryChars:      10,
			TimeoutSeconds:     10,
			IndexDBPath:        filepath.Join(dir, "index.db"),
			EmbeddingDimension: 768,
		},
		Model: ModelConfig{
			BaseURL:           "http://127.0.0.1:8080",
			Model:             "default",
			Temperature:       0.8,
			TopK:              40,
			RepeatPenalty:     1.1,
			MaxResponseTokens: 2048,
			TimeoutSeconds:    120,
			MaxRetries:        3,
		},
		Fantasy: FantasyConfig{
			Dir: filepath.Join(dir, "fantasies"),
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:5000",
		},
		Log: LogConfig{
			Dir:     filepath.Join(dir, "logs"),
			Level:   "info",
			MaxDays: 7,
		},
	}
}

// SettingsPath returns the configuration file path
func SettingsPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Load loads configuration from file, creating the default config on
// first run. Out-of-range values are clamped rather than rejected, so
// a hand-edited file degrades to sane behavior instead of refusing to
// start.
func Load() (*Settings, error) {
	path := SettingsPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultSettings()
		if err := Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultSettings() // Use default values as base
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Clamp()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to file
func Save(cfg *Settings) error {
	path := SettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	content := "# VOX Configuration File\n\n" + string(data)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Clamp forces tunable fields into their supported ranges.
func (c *Settings) Clamp() {
	if c.Archive.MaxSizeMB < 1 {
		c.Archive.MaxSizeMB = 1
	}
	if c.Context.WindowSize < 512 {
		c.Context.WindowSize = 512
	}
	if c.Context.EvictionThreshold <= 0 || c.Context.EvictionThreshold > 1 {
		c.Context.EvictionThreshold = 0.8
	}
	if c.Context.EvictionBatchFraction <= 0 || c.Context.EvictionBatchFraction > 1 {
		c.Context.EvictionBatchFraction = 0.2
	}
	if c.RAG.RetrieveCount < 1 {
		c.RAG.RetrieveCount = 1
	}
	if c.RAG.RetrieveCount > 20 {
		c.RAG.RetrieveCount = 20
	}
	if c.RAG.TimeoutSeconds <= 0 {
		c.RAG.TimeoutSeconds = 10
	}
}

// Validate validates the configuration
func (c *Settings) Validate() error {
	if c.Archive.Path == "" {
		return fmt.Errorf("config error: archive.path cannot be empty")
	}
	if c.Context.HistoryDBPath == "" {
		return fmt.Errorf("config error: context.history_db_path cannot be empty")
	}
	if c.RAG.Enabled {
		if c.RAG.IndexDBPath == "" {
			return fmt.Errorf("config error: rag.index_db_path cannot be empty when rag is enabled")
		}
		if c.RAG.EmbeddingDimension <= 0 {
			return fmt.Errorf("config error: rag.embedding_dimension must be greater than 0")
		}
	}
	if c.Model.BaseURL == "" {
		return fmt.Errorf("config error: model.base_url cannot be empty")
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		return fmt.Errorf("config error: model.temperature must be between 0 and 2")
	}
	if c.Model.MaxResponseTokens <= 0 {
		return fmt.Errorf("config error: model.max_response_tokens must be greater than 0")
	}
	if c.Model.MaxResponseTokens >= c.Context.WindowSize {
		return fmt.Errorf("config error: model.max_response_tokens must be smaller than context.window_size")
	}
	if c.Fantasy.Dir == "" {
		return fmt.Errorf("config error: fantasy.dir cannot be empty")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config error: server.listen_addr cannot be empty")
	}
	return nil
}

// MaxArchiveBytes returns the archive cap in bytes.
func (c *Settings) MaxArchiveBytes() int64 {
	return int64(c.Archive.MaxSizeMB) * 1024 * 1024
}

// EvictionThresholdTokens returns the token count at which eviction
// triggers.
func (c *Settings) EvictionThresholdTokens() int {
	return int(c.Context.EvictionThreshold * float64(c.Context.WindowSize))
}

// RAGTimeout returns the retrieval embedding timeout as a duration.
func (c *Settings) RAGTimeout() time.Duration {
	return time.Duration(c.RAG.TimeoutSeconds) * time.Second
}

// String renders the settings as YAML for display.
func (c *Settings) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("failed to render settings: %v", err)
	}
	return string(data)
}
