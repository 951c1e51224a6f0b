// Package objstore stores image binaries in a MinIO (S3-compatible)
// bucket and owns the canonical public URL format for persisted images.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/minghsu/prodsync/internal/config"
)

// ObjectStore wraps a MinIO client bound to one bucket.
type ObjectStore struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg config.ObjectStore, logger *slog.Logger) (*ObjectStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: connecting to %s: %w", cfg.Endpoint, err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objstore: checking bucket %s: %w", cfg.Bucket, err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("objstore: creating bucket %s: %w", cfg.Bucket, err)
		}

		logger.Info("created bucket", slog.String("bucket", cfg.Bucket))
	}

	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}

		publicBase = scheme + "://" + cfg.Endpoint
	}

	return &ObjectStore{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: strings.TrimRight(publicBase, "/"),
		logger:        logger,
	}, nil
}

// Put uploads one object. The key is relative to the bucket, e.g.
// "products/rec123_front_1700000000000.jpg".
func (o *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := o.client.PutObject(ctx, o.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return fmt.Errorf("objstore: uploading %s: %w", key, err)
	}

	o.logger.Debug("uploaded object",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)

	return nil
}

// PublicURL returns the canonical public URL for an object key:
// <scheme>://<host>:<port>/<bucket>/<key>.
func (o *ObjectStore) PublicURL(key string) string {
	return o.publicBaseURL + "/" + o.bucket + "/" + strings.TrimLeft(key, "/")
}

// Healthy probes the store for the health endpoint.
func (o *ObjectStore) Healthy(ctx context.Context) error {
	if _, err := o.client.BucketExists(ctx, o.bucket); err != nil {
		return fmt.Errorf("objstore: health probe: %w", err)
	}

	return nil
}

// legacyPrefixes are historical URL path forms that older records may
// still carry. They are recognized on read and rewritten to the canonical
// form on the next write; the service never produces them fresh.
var legacyPrefixes = []string{"/originals/", "/images/"}

// CanonicalizeURL rewrites a stored image URL to the canonical prefix.
// Already-canonical URLs pass through unchanged; unrecognized values are
// returned as-is so bad data is at least visible.
func (o *ObjectStore) CanonicalizeURL(raw string) string {
	if raw == "" {
		return ""
	}

	if strings.HasPrefix(raw, o.publicBaseURL+"/"+o.bucket+"/") {
		return raw
	}

	for _, prefix := range legacyPrefixes {
		if idx := strings.Index(raw, prefix); idx >= 0 {
			filename := raw[idx+len(prefix):]
			return o.PublicURL("products/" + strings.TrimLeft(filename, "/"))
		}
	}

	return raw
}

// KeyFromURL extracts the object key from a canonical public URL, or ""
// when the URL does not match this store.
func (o *ObjectStore) KeyFromURL(raw string) string {
	prefix := o.publicBaseURL + "/" + o.bucket + "/"
	if strings.HasPrefix(raw, prefix) {
		return strings.TrimPrefix(raw, prefix)
	}

	return ""
}
