package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variable names. Every optional tunable from the file layer
// has an environment override; credentials are usually supplied only here.
const (
	EnvConfigPath        = "PRODSYNC_CONFIG"
	EnvListenAddr        = "PRODSYNC_LISTEN_ADDR"
	EnvDBPath            = "PRODSYNC_DB_PATH"
	EnvUpstreamBaseURL   = "PRODSYNC_UPSTREAM_BASE_URL"
	EnvUpstreamAppID     = "PRODSYNC_UPSTREAM_APP_ID"
	EnvUpstreamSecret    = "PRODSYNC_UPSTREAM_APP_SECRET"
	EnvUpstreamAppToken  = "PRODSYNC_UPSTREAM_APP_TOKEN"
	EnvUpstreamTableID   = "PRODSYNC_UPSTREAM_TABLE_ID"
	EnvMinioEndpoint     = "PRODSYNC_MINIO_ENDPOINT"
	EnvMinioAccessKey    = "PRODSYNC_MINIO_ACCESS_KEY"
	EnvMinioSecretKey    = "PRODSYNC_MINIO_SECRET_KEY"
	EnvMinioBucket       = "PRODSYNC_MINIO_BUCKET"
	EnvMinioUseSSL       = "PRODSYNC_MINIO_USE_SSL"
	EnvMinioPublicURL    = "PRODSYNC_MINIO_PUBLIC_URL"
	EnvBatchSize         = "BATCH_SIZE"
	EnvConcurrentImages  = "CONCURRENT_IMAGES"
	EnvRetryAttempts     = "RETRY_ATTEMPTS"
	EnvRequestTimeoutMS  = "REQUEST_TIMEOUT_MS"
	EnvOperationDeadline = "OPERATION_DEADLINE_MS"
	EnvUpstreamRPS       = "UPSTREAM_RPS"
	EnvImageRPS          = "IMAGE_RPS"
	EnvScheduleIncr      = "PRODSYNC_SCHEDULE_INCREMENTAL"
	EnvScheduleFull      = "PRODSYNC_SCHEDULE_FULL"
	EnvScheduleValidate  = "PRODSYNC_SCHEDULE_VALIDATION"
	EnvTimezone          = "PRODSYNC_TIMEZONE"
)

// ApplyEnvOverrides mutates cfg with values from the environment. String
// variables replace the config value when set; numeric variables fail
// loudly on malformed input instead of silently keeping the old value.
func ApplyEnvOverrides(cfg *Config) error {
	applyString(EnvListenAddr, &cfg.ListenAddr)
	applyString(EnvDBPath, &cfg.DBPath)

	applyString(EnvUpstreamBaseURL, &cfg.Upstream.BaseURL)
	applyString(EnvUpstreamAppID, &cfg.Upstream.AppID)
	applyString(EnvUpstreamSecret, &cfg.Upstream.Secret)
	applyString(EnvUpstreamAppToken, &cfg.Upstream.AppToken)
	applyString(EnvUpstreamTableID, &cfg.Upstream.TableID)

	applyString(EnvMinioEndpoint, &cfg.ObjectStore.Endpoint)
	applyString(EnvMinioAccessKey, &cfg.ObjectStore.AccessKey)
	applyString(EnvMinioSecretKey, &cfg.ObjectStore.SecretKey)
	applyString(EnvMinioBucket, &cfg.ObjectStore.Bucket)
	applyString(EnvMinioPublicURL, &cfg.ObjectStore.PublicBaseURL)

	if v := os.Getenv(EnvMinioUseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvMinioUseSSL, err)
		}

		cfg.ObjectStore.UseSSL = b
	}

	if err := applyInt(EnvBatchSize, &cfg.Sync.BatchSize); err != nil {
		return err
	}

	if err := applyInt(EnvConcurrentImages, &cfg.Sync.ConcurrentImages); err != nil {
		return err
	}

	if err := applyInt(EnvRetryAttempts, &cfg.Sync.RetryAttempts); err != nil {
		return err
	}

	if err := applyMillis(EnvRequestTimeoutMS, &cfg.Sync.RequestTimeout); err != nil {
		return err
	}

	if err := applyMillis(EnvOperationDeadline, &cfg.Sync.OperationDeadline); err != nil {
		return err
	}

	if err := applyInt(EnvUpstreamRPS, &cfg.Sync.UpstreamRPS); err != nil {
		return err
	}

	if err := applyInt(EnvImageRPS, &cfg.Sync.ImageRPS); err != nil {
		return err
	}

	applyString(EnvScheduleIncr, &cfg.Schedule.Incremental)
	applyString(EnvScheduleFull, &cfg.Schedule.Full)
	applyString(EnvScheduleValidate, &cfg.Schedule.Validation)
	applyString(EnvTimezone, &cfg.Schedule.Timezone)

	return nil
}

func applyString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func applyInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}

	*dst = n

	return nil
}

func applyMillis(name string, dst *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}

	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: %s: %w", name, err)
	}

	*dst = time.Duration(ms) * time.Millisecond

	return nil
}
