// Package config loads service configuration from an optional TOML file
// with environment-variable overrides. Environment variables win over the
// file so deployments can tune a shared config without editing it.
package config

import (
	"fmt"
	"time"
)

// Default values for optional settings. These work for a single-table
// catalog of a few thousand products without tuning.
const (
	defaultBatchSize         = 50
	defaultConcurrentImages  = 5
	defaultRetryAttempts     = 3
	defaultRequestTimeout    = 30 * time.Second
	defaultOperationDeadline = 4 * time.Hour
	defaultUpstreamRPS       = 10
	defaultImageRPS          = 10
	defaultResolveBatchSize  = 20
	defaultListenAddr        = ":8080"
	defaultTimezone          = "Asia/Shanghai"
	defaultDBPath            = "prodsync.db"
	defaultBucket            = "product-images"
)

// Upstream holds credentials and addressing for the multi-dimensional
// table service.
type Upstream struct {
	BaseURL  string `toml:"base_url"`
	AppID    string `toml:"app_id"`
	Secret   string `toml:"app_secret"`
	AppToken string `toml:"app_token"` // bitable app token
	TableID  string `toml:"table_id"`
}

// ObjectStore holds MinIO/S3 connection settings for image binaries.
type ObjectStore struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	// PublicBaseURL is the prefix written into persisted image URLs,
	// e.g. "http://minio.internal:9000". Defaults to the endpoint.
	PublicBaseURL string `toml:"public_base_url"`
}

// Sync holds tuning knobs for the sync engine and image pipeline.
type Sync struct {
	BatchSize         int           `toml:"batch_size"`
	ConcurrentImages  int           `toml:"concurrent_images"`
	RetryAttempts     int           `toml:"retry_attempts"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	OperationDeadline time.Duration `toml:"operation_deadline"`
	UpstreamRPS       int           `toml:"upstream_rps"`
	ImageRPS          int           `toml:"image_rps"`
	ResolveBatchSize  int           `toml:"resolve_batch_size"`
}

// Schedule holds cron expressions for periodic syncs. Empty strings
// disable the corresponding trigger.
type Schedule struct {
	Incremental string `toml:"incremental"`
	Full        string `toml:"full"`
	Validation  string `toml:"validation"`
	Timezone    string `toml:"timezone"`
}

// Config is the root configuration for the service.
type Config struct {
	ListenAddr  string      `toml:"listen_addr"`
	DBPath      string      `toml:"db_path"`
	Upstream    Upstream    `toml:"upstream"`
	ObjectStore ObjectStore `toml:"object_store"`
	Sync        Sync        `toml:"sync"`
	Schedule    Schedule    `toml:"schedule"`
}

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		ObjectStore: ObjectStore{
			Bucket: defaultBucket,
		},
		Sync: Sync{
			BatchSize:         defaultBatchSize,
			ConcurrentImages:  defaultConcurrentImages,
			RetryAttempts:     defaultRetryAttempts,
			RequestTimeout:    defaultRequestTimeout,
			OperationDeadline: defaultOperationDeadline,
			UpstreamRPS:       defaultUpstreamRPS,
			ImageRPS:          defaultImageRPS,
			ResolveBatchSize:  defaultResolveBatchSize,
		},
		Schedule: Schedule{
			Timezone: defaultTimezone,
		},
	}
}

// Validate checks that required settings are present and tunables are in
// range. Called after file and environment layers are applied.
func Validate(cfg *Config) error {
	if cfg.Upstream.AppID == "" || cfg.Upstream.Secret == "" {
		return fmt.Errorf("config: upstream app_id and app_secret are required")
	}

	if cfg.Upstream.AppToken == "" || cfg.Upstream.TableID == "" {
		return fmt.Errorf("config: upstream app_token and table_id are required")
	}

	if cfg.ObjectStore.Endpoint == "" {
		return fmt.Errorf("config: object_store endpoint is required")
	}

	if cfg.ObjectStore.AccessKey == "" || cfg.ObjectStore.SecretKey == "" {
		return fmt.Errorf("config: object_store credentials are required")
	}

	if cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be at least 1, got %d", cfg.Sync.BatchSize)
	}

	if cfg.Sync.ConcurrentImages < 1 {
		return fmt.Errorf("config: concurrent_images must be at least 1, got %d", cfg.Sync.ConcurrentImages)
	}

	if cfg.Sync.RetryAttempts < 0 {
		return fmt.Errorf("config: retry_attempts must not be negative, got %d", cfg.Sync.RetryAttempts)
	}

	if cfg.Sync.ResolveBatchSize < 1 {
		return fmt.Errorf("config: resolve_batch_size must be at least 1, got %d", cfg.Sync.ResolveBatchSize)
	}

	if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("config: invalid timezone %q: %w", cfg.Schedule.Timezone, err)
	}

	return nil
}
