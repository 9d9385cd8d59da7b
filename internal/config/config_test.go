package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setupConfigDir(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	t.Cleanup(func() {
		configDir = ""
		configDirInit = false
	})
}

func TestLoadCreatesDefaults(t *testing.T) {
	setupConfigDir(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Archive.MaxSizeMB != 100 {
		t.Errorf("default max archive size: got %d, want 100", cfg.Archive.MaxSizeMB)
	}
	if cfg.Context.WindowSize != 4096 {
		t.Errorf("default context window: got %d, want 4096", cfg.Context.WindowSize)
	}
	if !cfg.RAG.Enabled {
		t.Error("RAG should be enabled by default")
	}
	if cfg.RAG.RetrieveCount != 5 {
		t.Errorf("default retrieve count: got %d, want 5", cfg.RAG.RetrieveCount)
	}

	// The default file should now exist on disk
	if _, err := os.Stat(SettingsPath()); err != nil {
		t.Errorf("config file was not created: %v", err)
	}
}

func TestLoadClampsOutOfRangeValues(t *testing.T) {
	setupConfigDir(t)

	content := `
archive:
  path: ` + filepath.Join(t.TempDir(), "arch") + `
  max_size_mb: 0
context:
  window_size: 64
  eviction_threshold: 3.5
rag:
  enabled: true
  retrieve_count: 99
`
	if err := os.WriteFile(SettingsPath(), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Archive.MaxSizeMB != 1 {
		t.Errorf("max_size_mb should clamp to 1, got %d", cfg.Archive.MaxSizeMB)
	}
	if cfg.Context.WindowSize != 512 {
		t.Errorf("window_size should clamp to 512, got %d", cfg.Context.WindowSize)
	}
	if cfg.Context.EvictionThreshold != 0.8 {
		t.Errorf("eviction_threshold should reset to 0.8, got %f", cfg.Context.EvictionThreshold)
	}
	if cfg.RAG.RetrieveCount != 20 {
		t.Errorf("retrieve_count should clamp to 20, got %d", cfg.RAG.RetrieveCount)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := DefaultSettings()
	cfg.Model.MaxResponseTokens = cfg.Context.WindowSize
	if err := cfg.Validate(); err == nil {
		t.Error("max_response_tokens >= window_size should fail validation")
	}

	cfg = DefaultSettings()
	cfg.Archive.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("empty archive path should fail validation")
	}
}

func TestEvictionThresholdTokens(t *testing.T) {
	cfg := DefaultSettings()
	cfg.Context.WindowSize = 4096
	cfg.Context.EvictionThreshold = 0.8

	if got := cfg.EvictionThresholdTokens(); got != 3276 {
		t.Errorf("threshold tokens: got %d, want 3276", got)
	}
}
