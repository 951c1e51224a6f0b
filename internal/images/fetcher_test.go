package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/minghsu/prodsync/internal/bitable"
	"github.com/minghsu/prodsync/internal/product"
	"github.com/minghsu/prodsync/internal/store"
)

// jpegBytes is a minimal buffer carrying the JPEG signature.
var jpegBytes = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, make([]byte, 16)...)

type fakeResolver struct {
	mu    sync.Mutex
	urls  map[string]bitable.SignedURL
	calls [][]string
}

func (f *fakeResolver) ResolveAttachments(_ context.Context, tokens []string) (map[string]bitable.SignedURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, append([]string(nil), tokens...))

	out := make(map[string]bitable.SignedURL)

	for _, tok := range tokens {
		if u, ok := f.urls[tok]; ok {
			out[tok] = u
		}
	}

	return out, nil
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (f *fakeUploader) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[key] = data
	f.types[key] = contentType

	return nil
}

func (f *fakeUploader) PublicURL(key string) string {
	return "http://objects.local/bucket/" + key
}

type fakeImageStore struct {
	mu      sync.Mutex
	current map[string]*product.Image // productID + "/" + role
	puts    int
}

func newFakeImageStore() *fakeImageStore {
	return &fakeImageStore{current: make(map[string]*product.Image)}
}

func (f *fakeImageStore) GetCurrentImage(_ context.Context, productID string, role product.ImageRole) (*product.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	img, ok := f.current[productID+"/"+string(role)]
	if !ok {
		return nil, store.ErrNotFound
	}

	return img, nil
}

func (f *fakeImageStore) PutImage(_ context.Context, img *product.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current[img.ProductID+"/"+string(img.Role)] = img
	f.puts++

	return nil
}

func newTestFetcher(resolver *fakeResolver, uploader *fakeUploader, imgStore *fakeImageStore) *Fetcher {
	f := New(resolver, uploader, imgStore, http.DefaultClient,
		rate.NewLimiter(rate.Inf, 1), nil, nil)
	f.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }

	return f
}

func signedFor(url string) bitable.SignedURL {
	return bitable.SignedURL{URL: url, ExpiresAt: time.Now().Add(10 * time.Minute)}
}

func TestFetchAllStoresImage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jpegBytes)
	}))
	t.Cleanup(srv.Close)

	resolver := &fakeResolver{urls: map[string]bitable.SignedURL{"tok1": signedFor(srv.URL)}}
	uploader := newFakeUploader()
	imgStore := newFakeImageStore()

	f := newTestFetcher(resolver, uploader, imgStore)

	results := f.FetchAll(context.Background(),
		[]Request{{ProductID: "rec1", Role: product.RoleFront, Token: "tok1"}},
		Options{Concurrency: 2, ResolveBatch: 20},
	)

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	img := results[0].Image
	require.NotNil(t, img)
	assert.Equal(t, "rec1", img.ProductID)
	assert.Equal(t, product.RoleFront, img.Role)
	assert.Equal(t, "jpeg", img.Format)
	assert.Equal(t, "products/rec1_front_1769904000000.jpg", img.ObjectKey)
	assert.Equal(t, int64(len(jpegBytes)), img.ByteSize)

	sum := sha256.Sum256(jpegBytes)
	assert.Equal(t, hex.EncodeToString(sum[:]), img.ContentHash)

	assert.Equal(t, jpegBytes, uploader.objects[img.ObjectKey])
	assert.Equal(t, "image/jpeg", uploader.types[img.ObjectKey])
	assert.Equal(t, 1, imgStore.puts)
}

func TestFetchAllHashMatchSkipsUpload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jpegBytes)
	}))
	t.Cleanup(srv.Close)

	sum := sha256.Sum256(jpegBytes)

	existing := &product.Image{
		ImageID:     "img-old",
		ProductID:   "rec1",
		Role:        product.RoleFront,
		ObjectKey:   "products/rec1_front_1700000000000.jpg",
		ContentHash: hex.EncodeToString(sum[:]),
	}

	resolver := &fakeResolver{urls: map[string]bitable.SignedURL{"tok1": signedFor(srv.URL)}}
	uploader := newFakeUploader()
	imgStore := newFakeImageStore()
	imgStore.current["rec1/front"] = existing

	f := newTestFetcher(resolver, uploader, imgStore)

	results := f.FetchAll(context.Background(),
		[]Request{{ProductID: "rec1", Role: product.RoleFront, Token: "tok1"}},
		Options{Concurrency: 1, ResolveBatch: 20},
	)

	require.NoError(t, results[0].Err)
	assert.Equal(t, "img-old", results[0].Image.ImageID)
	assert.Empty(t, uploader.objects, "unchanged image must not re-upload")
	assert.Zero(t, imgStore.puts)
}

func TestFetchAllRejectsUnsupportedContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>this is not an image</html>"))
	}))
	t.Cleanup(srv.Close)

	resolver := &fakeResolver{urls: map[string]bitable.SignedURL{"tok1": signedFor(srv.URL)}}
	f := newTestFetcher(resolver, newFakeUploader(), newFakeImageStore())

	results := f.FetchAll(context.Background(),
		[]Request{{ProductID: "rec1", Role: product.RoleFront, Token: "tok1"}},
		Options{Concurrency: 1, ResolveBatch: 20},
	)

	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, ErrUnsupportedImage)
}

func TestFetchAllReResolvesExpiredURL(t *testing.T) {
	t.Parallel()

	var hits int

	mux := http.NewServeMux()
	mux.HandleFunc("/expired", func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<Error><Code>AccessDenied</Code>Request has expired</Error>"))
	})
	mux.HandleFunc("/fresh", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jpegBytes)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resolver := &fakeResolver{urls: map[string]bitable.SignedURL{
		"tok1": signedFor(srv.URL + "/fresh"),
	}}

	f := newTestFetcher(resolver, newFakeUploader(), newFakeImageStore())

	// Hand the pipeline a URL that expires server-side; the expiry response
	// must trigger exactly one re-resolve, which serves the fresh URL.
	req := Request{ProductID: "rec1", Role: product.RoleFront, Token: "tok1"}
	stale := signedFor(srv.URL + "/expired")

	img, err := f.fetchOne(context.Background(), req, stale, Options{ResolveBatch: 20})
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, 1, hits)
	require.Len(t, resolver.calls, 1)
	assert.Equal(t, []string{"tok1"}, resolver.calls[0])
}

func TestFetchAllUnresolvedToken(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{urls: map[string]bitable.SignedURL{}}
	f := newTestFetcher(resolver, newFakeUploader(), newFakeImageStore())

	results := f.FetchAll(context.Background(),
		[]Request{{ProductID: "rec1", Role: product.RoleFront, Token: "unknown"}},
		Options{Concurrency: 1, ResolveBatch: 20},
	)

	require.Error(t, results[0].Err)
	assert.ErrorIs(t, results[0].Err, ErrTokenUnresolved)
}

func TestFetchAllBatchesAndDeduplicatesTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jpegBytes)
	}))
	t.Cleanup(srv.Close)

	resolver := &fakeResolver{urls: map[string]bitable.SignedURL{
		"tok1": signedFor(srv.URL),
		"tok2": signedFor(srv.URL),
		"tok3": signedFor(srv.URL),
	}}

	f := newTestFetcher(resolver, newFakeUploader(), newFakeImageStore())

	reqs := []Request{
		{ProductID: "a", Role: product.RoleFront, Token: "tok1"},
		{ProductID: "a", Role: product.RoleBack, Token: "tok2"},
		{ProductID: "b", Role: product.RoleFront, Token: "tok1"}, // duplicate token
		{ProductID: "b", Role: product.RoleBack, Token: "tok3"},
	}

	results := f.FetchAll(context.Background(), reqs, Options{Concurrency: 4, ResolveBatch: 2})

	for i, res := range results {
		require.NoError(t, res.Err, "request %d", i)
		assert.Equal(t, reqs[i].ProductID, res.Request.ProductID, "results keep input order")
	}

	// Three distinct tokens, batch size two: exactly two resolve calls.
	require.Len(t, resolver.calls, 2)
	assert.Len(t, resolver.calls[0], 2)
	assert.Len(t, resolver.calls[1], 1)
}

func TestFetchAllEmptyRequestList(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(&fakeResolver{}, newFakeUploader(), newFakeImageStore())

	results := f.FetchAll(context.Background(), nil, Options{})
	assert.Empty(t, results)
}

func TestSniffFormat(t *testing.T) {
	t.Parallel()

	webp := append([]byte("RIFF"), 0, 0, 0, 0)
	webp = append(webp, []byte("WEBP")...)

	png := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 8)...)

	tests := []struct {
		name   string
		data   []byte
		format string
		ok     bool
	}{
		{"jpeg", jpegBytes, "jpeg", true},
		{"png", png, "png", true},
		{"webp", webp, "webp", true},
		{"html", []byte("<html>not an image</html>"), "", false},
		{"too short", []byte{0xFF, 0xD8}, "", false},
		{"riff but not webp", append([]byte("RIFF"), []byte("12345678")...), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			format, _, _, ok := sniffFormat(tt.data)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.format, format)
		})
	}
}
