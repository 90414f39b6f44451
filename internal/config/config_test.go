package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Provider != "deepgram" {
		t.Fatalf("expected default stt provider, got %s", cfg.STT.Provider)
	}
	if cfg.STT.Reconnect.BaseDelayMS != 500 || cfg.STT.Reconnect.MaxDelayMS != 10000 {
		t.Fatalf("unexpected default backoff: %+v", cfg.STT.Reconnect)
	}
	if cfg.Defaults.STTModel != "nova-3" {
		t.Fatalf("expected default stt model, got %s", cfg.Defaults.STTModel)
	}
	if !cfg.Defaults.InterimResults {
		t.Fatal("expected interim results enabled by default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KANPE_STT_PROVIDER", "mock")
	t.Setenv("KANPE_STT_SAMPLE_RATE", "8000")
	t.Setenv("KANPE_STT_RECONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("KANPE_LLM_PROVIDER", "anthropic")
	t.Setenv("KANPE_LLM_MAX_TOKENS", "512")
	t.Setenv("KANPE_STORE_PATH", "./tmp.db")
	t.Setenv("KANPE_CAPTURE_QUEUE_DEPTH", "8")
	t.Setenv("KANPE_DEFAULT_LLM_LANGUAGE", "ja")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.STT.Provider != "mock" {
		t.Fatalf("expected stt provider override, got %s", cfg.STT.Provider)
	}
	if cfg.STT.SampleRate != 8000 {
		t.Fatalf("expected sample rate override, got %d", cfg.STT.SampleRate)
	}
	if cfg.STT.Reconnect.MaxAttempts != 3 {
		t.Fatalf("expected reconnect attempts override, got %d", cfg.STT.Reconnect.MaxAttempts)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.MaxTokens != 512 {
		t.Fatalf("expected llm overrides, got %+v", cfg.LLM)
	}
	if cfg.Store.Path != "./tmp.db" {
		t.Fatalf("expected store path override")
	}
	if cfg.Capture.QueueDepth != 8 {
		t.Fatalf("expected queue depth override, got %d", cfg.Capture.QueueDepth)
	}
	if cfg.Defaults.LLMLanguage != "ja" {
		t.Fatalf("expected llm language override, got %s", cfg.Defaults.LLMLanguage)
	}
}

func TestLoadFileAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kanpe.yaml")
	raw := []byte("stt:\n  provider: mock\ncapture:\n  mic:\n    mode: mock\n  sys:\n    mode: \"off\"\n")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.Mic.Mode != "mock" || cfg.Capture.Sys.Mode != "off" {
		t.Fatalf("unexpected capture config: %+v", cfg.Capture)
	}
}

func TestValidateRejectsBadProvider(t *testing.T) {
	t.Setenv("KANPE_STT_PROVIDER", "hosted")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for unknown stt provider")
	}
}
