package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 8742 {
		t.Errorf("expected port 8742, got %d", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Host)
	}
	if cfg.LLM.BaseURL != "http://127.0.0.1:1234/v1" {
		t.Errorf("expected default LLM URL, got %s", cfg.LLM.BaseURL)
	}
	if cfg.Pipeline.TargetChunkTokens != 3500 {
		t.Errorf("expected 3500 target tokens, got %d", cfg.Pipeline.TargetChunkTokens)
	}
	if cfg.Pipeline.OverlapTokens != 250 {
		t.Errorf("expected 250 overlap tokens, got %d", cfg.Pipeline.OverlapTokens)
	}
	if cfg.Pipeline.MaxConcurrency != 10 {
		t.Errorf("expected max concurrency 10, got %d", cfg.Pipeline.MaxConcurrency)
	}
}

func TestLoadConfigEnvVars(t *testing.T) {
	t.Setenv("LFMT_DATA_DIR", "/tmp/test-lfmt-data")
	t.Setenv("LFMT_PORT", "9999")
	t.Setenv("LFMT_LLM_BASE_URL", "http://localhost:5555/v1")
	t.Setenv("LFMT_MAX_CONCURRENCY", "4")

	cfg := LoadConfig()

	if cfg.DataDir != "/tmp/test-lfmt-data" {
		t.Errorf("expected data dir /tmp/test-lfmt-data, got %s", cfg.DataDir)
	}
	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.LLM.BaseURL != "http://localhost:5555/v1" {
		t.Errorf("expected LLM URL override, got %s", cfg.LLM.BaseURL)
	}
	if cfg.Pipeline.MaxConcurrency != 4 {
		t.Errorf("expected max concurrency override 4, got %d", cfg.Pipeline.MaxConcurrency)
	}

	os.RemoveAll("/tmp/test-lfmt-data")
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataDir = dir + "/nested"

	cfg.EnsureDirs()

	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		t.Errorf("directory not created: %s", cfg.DataDir)
	}
}
