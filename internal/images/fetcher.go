// Package images downloads product attachments through the upstream
// indirection API and persists them in the object store. Attachment
// tokens are not directly downloadable: they are first resolved in
// batches to short-lived signed URLs, downloaded under a shared rate
// limit, verified by magic bytes, deduplicated by content hash, and
// finally uploaded under a stable object key.
package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/minghsu/prodsync/internal/bitable"
	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/retrier"
	"github.com/minghsu/prodsync/internal/store"
)

// Sentinel errors for per-item failures.
var (
	ErrTokenUnresolved  = errors.New("images: attachment token not resolved by upstream")
	ErrUnsupportedImage = errors.New("images: content is not JPEG, PNG, or WebP")
)

// maxImageBytes caps a single download at 32 MiB. Product photos are two
// orders of magnitude smaller; anything bigger is upstream corruption.
const maxImageBytes = 32 << 20

// Resolver exchanges attachment tokens for signed URLs. Satisfied by
// *bitable.Client.
type Resolver interface {
	ResolveAttachments(ctx context.Context, tokens []string) (map[string]bitable.SignedURL, error)
}

// Uploader stores image bytes. Satisfied by *objstore.ObjectStore.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

// ImageStore persists image metadata. Satisfied by *store.Store.
type ImageStore interface {
	GetCurrentImage(ctx context.Context, productID string, role product.ImageRole) (*product.Image, error)
	PutImage(ctx context.Context, img *product.Image) error
}

// Request identifies one attachment to fetch.
type Request struct {
	ProductID string
	Role      product.ImageRole
	Token     string
}

// Result pairs a request with its outcome. Exactly one of Image and Err
// is set. Results come back in input order regardless of completion
// order.
type Result struct {
	Request Request
	Image   *product.Image
	Err     error
}

// Options tune one FetchAll call.
type Options struct {
	Concurrency   int // parallel downloads (>=1)
	ResolveBatch  int // tokens per resolve request (>=1)
	RetryAttempts int
}

// Fetcher drives the attachment pipeline.
type Fetcher struct {
	resolver   Resolver
	uploader   Uploader
	imageStore ImageStore
	httpClient *http.Client
	limiter    *rate.Limiter // image download bucket, shared process-wide
	refresher  retrier.TokenRefresher
	logger     *slog.Logger

	// now is stubbed in tests for stable object keys.
	now func() time.Time
}

// New creates a Fetcher. limiter governs downloads only; resolve calls go
// through the resolver's own (upstream) limiter.
func New(
	resolver Resolver,
	uploader Uploader,
	imageStore ImageStore,
	httpClient *http.Client,
	limiter *rate.Limiter,
	refresher retrier.TokenRefresher,
	logger *slog.Logger,
) *Fetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		resolver:   resolver,
		uploader:   uploader,
		imageStore: imageStore,
		httpClient: httpClient,
		limiter:    limiter,
		refresher:  refresher,
		logger:     logger,
		now:        time.Now,
	}
}

// FetchAll processes requests with bounded parallelism and returns one
// result per request, in input order. Per-item failures never abort the
// batch; only context cancellation stops it early, in which case
// unstarted items carry the context error.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request, opts Options) []Result {
	results := make([]Result, len(reqs))
	for i := range reqs {
		results[i].Request = reqs[i]
	}

	if len(reqs) == 0 {
		return results
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	urls := f.resolveAll(ctx, reqs, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}

			img, err := f.fetchOne(gctx, reqs[i], urls[reqs[i].Token], opts)
			if err != nil {
				results[i].Err = err
			} else {
				results[i].Image = img
			}

			// Item errors are captured per-result; never fail the group.
			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // workers always return nil

	return results
}

// resolveAll batches all distinct tokens into resolve calls. Resolution
// failures leave tokens absent from the map; fetchOne re-resolves those
// individually so one bad batch member cannot poison its neighbors.
func (f *Fetcher) resolveAll(ctx context.Context, reqs []Request, opts Options) map[string]bitable.SignedURL {
	batchSize := opts.ResolveBatch
	if batchSize < 1 {
		batchSize = 1
	}

	seen := make(map[string]struct{}, len(reqs))

	var tokens []string

	for _, r := range reqs {
		if _, dup := seen[r.Token]; !dup && r.Token != "" {
			seen[r.Token] = struct{}{}
			tokens = append(tokens, r.Token)
		}
	}

	urls := make(map[string]bitable.SignedURL, len(tokens))
	policy := f.policy(opts)

	for start := 0; start < len(tokens); start += batchSize {
		end := min(start+batchSize, len(tokens))
		batch := tokens[start:end]

		err := policy.Do(ctx, "resolve attachments", func(ctx context.Context) error {
			resolved, err := f.resolver.ResolveAttachments(ctx, batch)
			if err != nil {
				return err
			}

			for tok, u := range resolved {
				urls[tok] = u
			}

			return nil
		})
		if err != nil {
			f.logger.Warn("attachment resolve batch failed",
				slog.Int("tokens", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}

	return urls
}

// fetchOne downloads, verifies, deduplicates, and stores one attachment.
func (f *Fetcher) fetchOne(ctx context.Context, req Request, signed bitable.SignedURL, opts Options) (*product.Image, error) {
	policy := f.policy(opts)

	var data []byte

	err := policy.Do(ctx, "download image", func(ctx context.Context) error {
		var err error

		data, err = f.download(ctx, req.Token, signed)

		return err
	})
	if err != nil {
		return nil, err
	}

	format, ext, contentType, ok := sniffFormat(data)
	if !ok {
		return nil, fmt.Errorf("%w (product %s, role %s)", ErrUnsupportedImage, req.ProductID, req.Role)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	// Unchanged bytes: reuse the stored object, skip the upload.
	if existing, err := f.imageStore.GetCurrentImage(ctx, req.ProductID, req.Role); err == nil {
		if existing.ContentHash == hash {
			f.logger.Debug("image unchanged, reusing object",
				slog.String("product_id", req.ProductID),
				slog.String("role", string(req.Role)),
			)

			return existing, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	key := fmt.Sprintf("products/%s_%s_%d.%s", req.ProductID, req.Role, f.now().UnixMilli(), ext)

	err = policy.Do(ctx, "upload image", func(ctx context.Context) error {
		return f.uploader.Put(ctx, key, data, contentType)
	})
	if err != nil {
		return nil, err
	}

	img := &product.Image{
		ImageID:     uuid.NewString(),
		ProductID:   req.ProductID,
		Role:        req.Role,
		ObjectKey:   key,
		PublicURL:   f.uploader.PublicURL(key),
		ContentHash: hash,
		ByteSize:    int64(len(data)),
		Format:      format,
		UploadedAt:  f.now().UTC(),
	}

	if err := f.imageStore.PutImage(ctx, img); err != nil {
		return nil, err
	}

	return img, nil
}

// download fetches the signed URL, re-resolving once when the URL has
// expired (TTL elapsed between resolve and download).
func (f *Fetcher) download(ctx context.Context, token string, signed bitable.SignedURL) ([]byte, error) {
	if signed.URL == "" || time.Now().After(signed.ExpiresAt) {
		fresh, err := f.reResolve(ctx, token)
		if err != nil {
			return nil, err
		}

		signed = fresh
	}

	data, err := f.downloadURL(ctx, signed.URL)
	if !errors.Is(err, bitable.ErrURLExpired) {
		return data, err
	}

	// The URL expired server-side despite a future ExpiresAt. Re-resolve
	// once and retry; a second expiry is a genuine failure.
	fresh, err := f.reResolve(ctx, token)
	if err != nil {
		return nil, err
	}

	return f.downloadURL(ctx, fresh.URL)
}

func (f *Fetcher) reResolve(ctx context.Context, token string) (bitable.SignedURL, error) {
	resolved, err := f.resolver.ResolveAttachments(ctx, []string{token})
	if err != nil {
		return bitable.SignedURL{}, err
	}

	signed, ok := resolved[token]
	if !ok {
		return bitable.SignedURL{}, fmt.Errorf("%w: %s", ErrTokenUnresolved, token)
	}

	return signed, nil
}

func (f *Fetcher) downloadURL(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("images: rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("images: creating download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("images: download canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("%w: %v", bitable.ErrServerError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("images: reading download body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case isExpiryResponse(resp.StatusCode, body):
		return nil, bitable.ErrURLExpired
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: download HTTP %d", bitable.ErrServerError, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: download HTTP %d", bitable.ErrNotFound, resp.StatusCode)
	}
}

// expiryMarkers are body substrings that identify an expired-signature
// response from the storage backends the upstream hands URLs out for.
var expiryMarkers = []string{"expired", "Request has expired", "AccessDenied", "x-amz-expires"}

func isExpiryResponse(status int, body []byte) bool {
	if status != http.StatusUnauthorized && status != http.StatusForbidden {
		return false
	}

	text := string(body)
	for _, marker := range expiryMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}

	return false
}

// policy builds the retry policy for one call, classifying with the
// upstream error taxonomy.
func (f *Fetcher) policy(opts Options) *retrier.Policy {
	return &retrier.Policy{
		Attempts:  opts.RetryAttempts,
		Classify:  Classify,
		Refresher: f.refresher,
		Logger:    f.logger,
	}
}

// Classify buckets upstream errors for retry. URL expiry is handled
// inline by download (single re-resolve), so it classifies as fatal here
// to avoid double retries.
func Classify(err error) retrier.Classification {
	switch {
	case bitable.IsAuthExpired(err):
		return retrier.AuthExpired
	case bitable.IsRetryable(err):
		return retrier.Retryable
	default:
		return retrier.Fatal
	}
}
