// Package config provides configuration loading for pdf2deck.
// Supports YAML files, .env files and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/spherical/pdf2deck/internal/domain"
)

// Config holds all configuration for pdf2deck.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Raster   RasterConfig   `yaml:"raster"`
	Batch    BatchConfig    `yaml:"batch"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// LLMConfig holds settings for the extraction and inpainting capabilities.
type LLMConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	VisionModel    string        `yaml:"vision_model"`
	InpaintModel   string        `yaml:"inpaint_model"`
	InpaintEnabled bool          `yaml:"inpaint_enabled"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// WatermarkRegion is masked when a job asks for watermark removal
	WatermarkRegion domain.Box `yaml:"watermark_region"`
}

// RasterConfig holds page rasterization settings.
type RasterConfig struct {
	LowMaxDim       int           `yaml:"low_max_dim"`
	HighDPI         float64       `yaml:"high_dpi"`
	HighMaxDim      int           `yaml:"high_max_dim"`
	Quality         int           `yaml:"quality"`
	PageTimeout     time.Duration `yaml:"page_timeout"`
	FirstPageBudget time.Duration `yaml:"first_page_budget"`
	MaxFileSize     int64         `yaml:"max_file_size"`
	MaxPages        int           `yaml:"max_pages"`
	PreviewDim      int           `yaml:"preview_dim"`
}

// BatchConfig holds batch scheduling settings.
type BatchConfig struct {
	Width             int           `yaml:"width"`
	InterBatchDelay   time.Duration `yaml:"inter_batch_delay"`
	PageTimeout       time.Duration `yaml:"page_timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	SingleFirstBatch  bool          `yaml:"single_first_batch"`
}

// StoreConfig holds page store settings.
type StoreConfig struct {
	Driver       string        `yaml:"driver"` // memory or redis
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	MaxBlobBytes int           `yaml:"max_blob_bytes"`
	BlobTTL      time.Duration `yaml:"blob_ttl"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

// DatabaseConfig holds job repository settings.
type DatabaseConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"` // 0 keeps jobs forever
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file, a .env file if present, and
// applies environment overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.ConfigError("read config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.ConfigError("parse config file", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			VisionModel:     "gpt-4o-mini",
			InpaintModel:    "gpt-image-1",
			InpaintEnabled:  true,
			RequestTimeout:  90 * time.Second,
			MaxAttempts:     3,
			InitialBackoff:  1 * time.Second,
			MaxBackoff:      30 * time.Second,
			WatermarkRegion: domain.Box{X: 0.80, Y: 0.92, W: 0.20, H: 0.08},
		},
		Raster: RasterConfig{
			LowMaxDim:       768,
			HighDPI:         150,
			HighMaxDim:      2048,
			Quality:         85,
			PageTimeout:     20 * time.Second,
			FirstPageBudget: 800 * time.Millisecond,
			MaxFileSize:     100 * 1024 * 1024,
			MaxPages:        2000,
			PreviewDim:      400,
		},
		Batch: BatchConfig{
			Width:            3,
			InterBatchDelay:  1500 * time.Millisecond,
			PageTimeout:      3 * time.Minute,
			SingleFirstBatch: true,
		},
		Store: StoreConfig{
			Driver:       "memory",
			IdleTimeout:  15 * time.Minute,
			ReapInterval: time.Minute,
			MaxBlobBytes: 1536 * 1024,
			BlobTTL:      time.Hour,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			Prefix:   "pdf2deck:",
		},
		Database: DatabaseConfig{
			Enabled:   false,
			Path:      "pdf2deck.db",
			Retention: 7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     0, // SSE streams stay open
			GracefulShutdown: 10 * time.Second,
			MaxUploadBytes:   100 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Batch.Width < 1 {
		return domain.ConfigError(fmt.Sprintf("batch width must be at least 1, got %d", c.Batch.Width), nil)
	}
	if c.Batch.InterBatchDelay < 0 {
		return domain.ConfigError("inter_batch_delay cannot be negative", nil)
	}
	if c.Raster.Quality < 1 || c.Raster.Quality > 100 {
		return domain.ConfigError(fmt.Sprintf("raster quality must be between 1 and 100, got %d", c.Raster.Quality), nil)
	}
	if c.Raster.LowMaxDim < 64 || c.Raster.HighMaxDim < c.Raster.LowMaxDim {
		return domain.ConfigError("raster dimensions must satisfy 64 <= low_max_dim <= high_max_dim", nil)
	}
	if c.Raster.MaxPages < 1 {
		return domain.ConfigError(fmt.Sprintf("raster max_pages must be at least 1, got %d", c.Raster.MaxPages), nil)
	}
	if c.Raster.PreviewDim < 32 {
		return domain.ConfigError("raster preview_dim must be at least 32", nil)
	}
	if c.Database.Retention < 0 {
		return domain.ConfigError("database retention cannot be negative", nil)
	}
	if c.Raster.HighDPI <= 0 {
		return domain.ConfigError("high_dpi must be positive", nil)
	}
	if c.Store.Driver != "memory" && c.Store.Driver != "redis" {
		return domain.ConfigError(fmt.Sprintf("invalid store driver: %s", c.Store.Driver), nil)
	}
	if c.Store.MaxBlobBytes < 16*1024 {
		return domain.ConfigError("max_blob_bytes must be at least 16KiB", nil)
	}
	if c.LLM.MaxAttempts < 1 {
		return domain.ConfigError("llm max_attempts must be at least 1", nil)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return domain.ConfigError(fmt.Sprintf("invalid server port: %d", c.Server.Port), nil)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("VISION_MODEL"); v != "" {
		cfg.LLM.VisionModel = v
	}
	if v := os.Getenv("INPAINT_MODEL"); v != "" {
		cfg.LLM.InpaintModel = v
	}
	if v := os.Getenv("PDF2DECK_INPAINT"); v != "" {
		cfg.LLM.InpaintEnabled = parseBool(v, cfg.LLM.InpaintEnabled)
	}
	if v := os.Getenv("PDF2DECK_BATCH_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Width = n
		}
	}
	if v := os.Getenv("PDF2DECK_BATCH_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.InterBatchDelay = d
		}
	}
	if v := os.Getenv("PDF2DECK_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batch.PageTimeout = d
		}
	}
	if v := os.Getenv("PDF2DECK_MAX_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Raster.MaxPages = n
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.Driver = "redis"
		cfg.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Enabled = true
		cfg.Database.Path = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}
