package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequiredEnv supplies the credentials Validate demands. Tests using
// it cannot run in parallel because t.Setenv mutates process state.
func setRequiredEnv(t *testing.T) {
	t.Helper()

	t.Setenv(EnvUpstreamAppID, "cli_test")
	t.Setenv(EnvUpstreamSecret, "secret")
	t.Setenv(EnvUpstreamAppToken, "bascnTest")
	t.Setenv(EnvUpstreamTableID, "tblTest")
	t.Setenv(EnvMinioEndpoint, "minio.local:9000")
	t.Setenv(EnvMinioAccessKey, "minioadmin")
	t.Setenv(EnvMinioSecretKey, "minioadmin")
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "prodsync.db", cfg.DBPath)
	assert.Equal(t, "product-images", cfg.ObjectStore.Bucket)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.ConcurrentImages)
	assert.Equal(t, 3, cfg.Sync.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, 4*time.Hour, cfg.Sync.OperationDeadline)
	assert.Equal(t, 20, cfg.Sync.ResolveBatchSize)
	assert.Equal(t, "Asia/Shanghai", cfg.Schedule.Timezone)
	assert.Empty(t, cfg.Schedule.Incremental, "no schedule by default")
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "prodsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr = ":9090"
db_path = "/var/lib/prodsync/catalog.db"

[sync]
batch_size = 100
concurrent_images = 8

[schedule]
incremental = "*/30 * * * *"
`), 0o600))

	// The environment wins over the file.
	t.Setenv(EnvBatchSize, "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/prodsync/catalog.db", cfg.DBPath)
	assert.Equal(t, 25, cfg.Sync.BatchSize, "env overrides file")
	assert.Equal(t, 8, cfg.Sync.ConcurrentImages, "file overrides default")
	assert.Equal(t, 3, cfg.Sync.RetryAttempts, "untouched fields keep defaults")
	assert.Equal(t, "*/30 * * * *", cfg.Schedule.Incremental)
	assert.Equal(t, "cli_test", cfg.Upstream.AppID)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
}

func TestLoadMalformedFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr = [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
}

func TestLoadPathFromEnv(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "prodsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(`listen_addr = ":7070"`), 0o600))

	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}

func TestLoadRequiresCredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(EnvUpstreamSecret, "")

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_secret")
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvRequestTimeoutMS, "1500")
	t.Setenv(EnvOperationDeadline, "60000")
	t.Setenv(EnvMinioUseSSL, "true")
	t.Setenv(EnvImageRPS, "7")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnvOverrides(cfg))

	assert.Equal(t, 1500*time.Millisecond, cfg.Sync.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.Sync.OperationDeadline)
	assert.True(t, cfg.ObjectStore.UseSSL)
	assert.Equal(t, 7, cfg.Sync.ImageRPS)
}

func TestApplyEnvOverridesRejectsMalformedNumbers(t *testing.T) {
	t.Setenv(EnvBatchSize, "plenty")

	err := ApplyEnvOverrides(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvBatchSize)
}

func TestApplyEnvOverridesRejectsMalformedBool(t *testing.T) {
	t.Setenv(EnvMinioUseSSL, "yep")

	err := ApplyEnvOverrides(DefaultConfig())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Upstream.AppID = "cli_test"
		cfg.Upstream.Secret = "secret"
		cfg.Upstream.AppToken = "bascnTest"
		cfg.Upstream.TableID = "tblTest"
		cfg.ObjectStore.Endpoint = "minio.local:9000"
		cfg.ObjectStore.AccessKey = "minioadmin"
		cfg.ObjectStore.SecretKey = "minioadmin"

		return cfg
	}

	require.NoError(t, Validate(valid()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing app id", func(c *Config) { c.Upstream.AppID = "" }},
		{"missing app token", func(c *Config) { c.Upstream.AppToken = "" }},
		{"missing endpoint", func(c *Config) { c.ObjectStore.Endpoint = "" }},
		{"missing access key", func(c *Config) { c.ObjectStore.AccessKey = "" }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero concurrent images", func(c *Config) { c.Sync.ConcurrentImages = 0 }},
		{"negative retries", func(c *Config) { c.Sync.RetryAttempts = -1 }},
		{"zero resolve batch", func(c *Config) { c.Sync.ResolveBatchSize = 0 }},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			tt.mutate(cfg)

			assert.Error(t, Validate(cfg))
		})
	}
}
