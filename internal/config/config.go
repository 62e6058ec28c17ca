// Package config loads service configuration from defaults, an optional
// config file and the environment.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"monkids/internal/pkg/logger"
)

// Config holds all configuration for the API, the worker and the CLI.
// The mapstructure tags are used by viper to unmarshal the data.
type Config struct {
	Log         logger.Config `mapstructure:"log"`
	HTTP        HTTPConfig    `mapstructure:"http"`
	DatabaseURL string        `mapstructure:"database_url"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	QueueName   string        `mapstructure:"queue_name"`
	PopTimeout  time.Duration `mapstructure:"pop_timeout"`
	Storage     StorageConfig `mapstructure:"storage"`
	Export      ExportConfig  `mapstructure:"export"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StorageConfig selects where finished run archives are uploaded.
type StorageConfig struct {
	Provider  string       `mapstructure:"provider"`
	LocalRoot string       `mapstructure:"local_root"`
	GDrive    GDriveConfig `mapstructure:"gdrive"`

	// CleanupLocal removes rendered files once their archive is stored
	// remotely.
	CleanupLocal bool `mapstructure:"cleanup_local"`
}

type GDriveConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	FolderID     string `mapstructure:"folder_id"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

// ExportConfig tunes the bulk rendering pipeline.
type ExportConfig struct {
	OutputRoot      string        `mapstructure:"output_root"`
	Concurrency     int           `mapstructure:"concurrency"`
	MaxChunkRetries int           `mapstructure:"max_chunk_retries"`
	MaxItemRetries  int           `mapstructure:"max_item_retries"`
	EngineRefresh   time.Duration `mapstructure:"engine_refresh"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	QRPath          string        `mapstructure:"qr_path"`
	ChromeBin       string        `mapstructure:"chrome_bin"`
	Retention       time.Duration `mapstructure:"retention"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConcurrency is max(NumCPU/2, 2).
func DefaultConcurrency() int {
	return max(runtime.NumCPU()/2, 2)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.add_source", false)
	v.SetDefault("log.service_name", "monkids-export")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.request_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "30s")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("database_url", "")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("queue_name", "monkids:export:runs")
	v.SetDefault("pop_timeout", "30s")

	v.SetDefault("storage.provider", "localfs")
	v.SetDefault("storage.local_root", "./data/archives")
	v.SetDefault("storage.cleanup_local", true)
	v.SetDefault("storage.gdrive.client_id", "")
	v.SetDefault("storage.gdrive.client_secret", "")
	v.SetDefault("storage.gdrive.refresh_token", "")
	v.SetDefault("storage.gdrive.folder_id", "")
	v.SetDefault("storage.gdrive.redirect_url", "http://localhost:8089/callback")

	v.SetDefault("export.output_root", "./data/exports")
	v.SetDefault("export.concurrency", DefaultConcurrency())
	v.SetDefault("export.max_chunk_retries", 2)
	v.SetDefault("export.max_item_retries", 3)
	v.SetDefault("export.engine_refresh", "5m")
	v.SetDefault("export.idle_timeout", "300s")
	v.SetDefault("export.settle_delay", "1s")
	v.SetDefault("export.backoff_base", "1s")
	v.SetDefault("export.poll_interval", "100ms")
	v.SetDefault("export.qr_path", "assets/payment_qr.png")
	v.SetDefault("export.chrome_bin", "")
	v.SetDefault("export.retention", "168h")
	v.SetDefault("export.sweep_schedule", "@every 1h")

	v.SetDefault("tracing.enabled", false)
}

// Load reads configuration. configFile may be empty, in which case
// config.yaml is looked up in ./configs and the working directory and its
// absence is not an error. Environment variables override both, with nested
// keys joined by underscores (EXPORT_CONCURRENCY, STORAGE_GDRIVE_FOLDER_ID).
func Load(configFile string) (*Config, error) {
	cfg, err := Read(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for tools that need only part of the
// configuration.
func Read(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	e := c.Export
	switch {
	case e.OutputRoot == "":
		return errors.New("export.output_root is required")
	case e.Concurrency < 1:
		return fmt.Errorf("export.concurrency must be >= 1, got %d", e.Concurrency)
	case e.MaxChunkRetries < 0:
		return fmt.Errorf("export.max_chunk_retries must be >= 0, got %d", e.MaxChunkRetries)
	case e.MaxItemRetries < 0:
		return fmt.Errorf("export.max_item_retries must be >= 0, got %d", e.MaxItemRetries)
	case e.IdleTimeout <= 0:
		return errors.New("export.idle_timeout must be positive")
	}

	switch c.Storage.Provider {
	case "localfs":
		if c.Storage.LocalRoot == "" {
			return errors.New("storage.local_root is required for localfs")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return errors.New("storage.gdrive client_id, client_secret and refresh_token are required")
		}
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	return nil
}
