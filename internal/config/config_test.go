package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Export.MaxChunkRetries != 2 {
		t.Errorf("MaxChunkRetries = %d, want 2", cfg.Export.MaxChunkRetries)
	}
	if cfg.Export.MaxItemRetries != 3 {
		t.Errorf("MaxItemRetries = %d, want 3", cfg.Export.MaxItemRetries)
	}
	if cfg.Export.EngineRefresh != 5*time.Minute {
		t.Errorf("EngineRefresh = %v, want 5m", cfg.Export.EngineRefresh)
	}
	if cfg.Export.IdleTimeout != 300*time.Second {
		t.Errorf("IdleTimeout = %v, want 300s", cfg.Export.IdleTimeout)
	}
	if cfg.Export.Concurrency != DefaultConcurrency() {
		t.Errorf("Concurrency = %d, want %d", cfg.Export.Concurrency, DefaultConcurrency())
	}
	if cfg.Storage.Provider != "localfs" {
		t.Errorf("Storage.Provider = %q, want localfs", cfg.Storage.Provider)
	}
	if !cfg.Storage.CleanupLocal {
		t.Error("Storage.CleanupLocal should default to true")
	}
	if cfg.PopTimeout != 30*time.Second {
		t.Errorf("PopTimeout = %v, want 30s", cfg.PopTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EXPORT_CONCURRENCY", "7")
	t.Setenv("EXPORT_SETTLE_DELAY", "0s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("QUEUE_NAME", "test:queue")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Export.Concurrency != 7 {
		t.Errorf("Concurrency = %d, want 7", cfg.Export.Concurrency)
	}
	if cfg.Export.SettleDelay != 0 {
		t.Errorf("SettleDelay = %v, want 0", cfg.Export.SettleDelay)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.QueueName != "test:queue" {
		t.Errorf("QueueName = %q, want test:queue", cfg.QueueName)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.yaml")
	body := strings.Join([]string{
		"export:",
		"  output_root: /srv/exports",
		"  max_chunk_retries: 4",
		"storage:",
		"  provider: localfs",
		"  local_root: /srv/archives",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Export.OutputRoot != "/srv/exports" {
		t.Errorf("OutputRoot = %q", cfg.Export.OutputRoot)
	}
	if cfg.Export.MaxChunkRetries != 4 {
		t.Errorf("MaxChunkRetries = %d, want 4", cfg.Export.MaxChunkRetries)
	}
	if cfg.Storage.LocalRoot != "/srv/archives" {
		t.Errorf("LocalRoot = %q", cfg.Storage.LocalRoot)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage: StorageConfig{Provider: "localfs", LocalRoot: "/tmp/a"},
			Export: ExportConfig{
				OutputRoot:      "/tmp/out",
				Concurrency:     2,
				MaxChunkRetries: 2,
				MaxItemRetries:  3,
				IdleTimeout:     time.Second,
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.Export.Concurrency = 0 }, "concurrency"},
		{"negative chunk retries", func(c *Config) { c.Export.MaxChunkRetries = -1 }, "max_chunk_retries"},
		{"missing output root", func(c *Config) { c.Export.OutputRoot = "" }, "output_root"},
		{"unknown provider", func(c *Config) { c.Storage.Provider = "s3" }, "unknown storage provider"},
		{"gdrive without token", func(c *Config) { c.Storage.Provider = "gdrive" }, "refresh_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReadSkipsValidation(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STORAGE_PROVIDER", "gdrive")
	t.Setenv("STORAGE_GDRIVE_CLIENT_ID", "id")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() should reject gdrive without credentials")
	}
	cfg, err := Read("")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Storage.GDrive.ClientID != "id" {
		t.Errorf("ClientID = %q, want id", cfg.Storage.GDrive.ClientID)
	}
}
