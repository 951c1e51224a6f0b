package bitable

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// newTestClient wires a Client against a test server that also serves the
// token endpoint.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{
			TenantAccessToken: "t-token",
			Expire:            7200,
		})
	})
	mux.HandleFunc("/", handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tokens := NewTokenManager(srv.URL, "app-id", "app-secret", srv.Client(), nil)

	return NewClient(srv.URL, "app-token", "tbl1", srv.Client(), tokens,
		rate.NewLimiter(rate.Inf, 1), nil)
}

func TestListRecordsPagination(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t-token", r.Header.Get("Authorization"))

		cursor := r.URL.Query().Get("page_token")

		var resp listRecordsResponse

		if cursor == "" {
			resp.Data.Items = []Record{{RecordID: "rec1", Fields: map[string]any{"商品名称": "a"}}}
			resp.Data.HasMore = true
			resp.Data.PageToken = "cursor-2"
			resp.Data.Total = 2
		} else {
			assert.Equal(t, "cursor-2", cursor)
			resp.Data.Items = []Record{{RecordID: "rec2"}}
		}

		_ = json.NewEncoder(w).Encode(resp)
	})

	page, err := client.ListRecords(context.Background(), "", 50)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "rec1", page.Records[0].RecordID)
	assert.Equal(t, "cursor-2", page.NextCursor)
	assert.Equal(t, 2, page.TotalHint)

	page, err = client.ListRecords(context.Background(), page.NextCursor, 50)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "rec2", page.Records[0].RecordID)
	assert.Empty(t, page.NextCursor)
}

func TestListRecordsEnvelopeErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		code     int
		sentinel error
	}{
		{"token expired code", http.StatusBadRequest, codeTokenExpired, ErrAuthExpired},
		{"token invalid code", http.StatusUnauthorized, codeTokenInvalid, ErrAuthExpired},
		{"vendor rate limit", http.StatusBadRequest, codeRateLimited, ErrThrottled},
		{"http throttle", http.StatusTooManyRequests, 429, ErrThrottled},
		{"server error", http.StatusInternalServerError, 500, ErrServerError},
		{"bad request", http.StatusBadRequest, 9999, ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(envelope{Code: tt.code, Msg: "upstream says no"})
			})

			_, err := client.ListRecords(context.Background(), "", 10)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestListRecordsNetworkErrorIsRetryable(t *testing.T) {
	t.Parallel()

	// Prime a token against a live server, then kill it so the list call
	// fails at the transport level.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{TenantAccessToken: "t", Expire: 7200})
	}))

	tokens := NewTokenManager(srv.URL, "id", "secret", http.DefaultClient, nil)

	_, err := tokens.Token(context.Background())
	require.NoError(t, err)

	client := NewClient(srv.URL, "app-token", "tbl1", http.DefaultClient, tokens,
		rate.NewLimiter(rate.Inf, 1), nil)

	srv.Close()

	_, err = client.ListRecords(context.Background(), "", 10)
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "transport errors must classify as retryable")
}

func TestResolveAttachments(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/tables/tbl1") {
			var meta tableMetaResponse
			meta.Data.Revision = 17

			_ = json.NewEncoder(w).Encode(meta)

			return
		}

		assert.Equal(t, []string{"tok1", "tok2"}, r.URL.Query()["file_tokens"])
		assert.JSONEq(t, `{"bitablePerm":{"tableId":"tbl1","rev":17}}`, r.URL.Query().Get("extra"))

		var resp batchURLResponse
		resp.Data.TmpDownloadURLs = []struct {
			FileToken      string `json:"file_token"`
			TmpDownloadURL string `json:"tmp_download_url"`
		}{
			{FileToken: "tok1", TmpDownloadURL: "https://files.example.com/a?expire_time=" +
				fmt.Sprint(time.Now().Add(10*time.Minute).Unix())},
		}

		_ = json.NewEncoder(w).Encode(resp)
	})

	resolved, err := client.ResolveAttachments(context.Background(), []string{"tok1", "tok2"})
	require.NoError(t, err)

	// tok2 is unknown upstream and simply absent.
	require.Len(t, resolved, 1)
	assert.Contains(t, resolved["tok1"].URL, "files.example.com")
	assert.True(t, resolved["tok1"].ExpiresAt.After(time.Now()))
}

func TestResolveAttachmentsCachesRevision(t *testing.T) {
	t.Parallel()

	var metaCalls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/tables/tbl1") {
			metaCalls.Add(1)

			var meta tableMetaResponse
			meta.Data.Revision = 3

			_ = json.NewEncoder(w).Encode(meta)

			return
		}

		assert.JSONEq(t, `{"bitablePerm":{"tableId":"tbl1","rev":3}}`, r.URL.Query().Get("extra"))
		_ = json.NewEncoder(w).Encode(batchURLResponse{})
	})

	for i := 0; i < 3; i++ {
		_, err := client.ResolveAttachments(context.Background(), []string{"tok1"})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), metaCalls.Load(), "revision is fetched once and reused")
}

func TestResolveAttachmentsEmptyInput(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for empty token list")
	})

	resolved, err := client.ResolveAttachments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestTokenManagerCachesToken(t *testing.T) {
	t.Parallel()

	var exchanges atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{
			TenantAccessToken: "tok",
			Expire:            7200,
		})
	}))
	t.Cleanup(srv.Close)

	m := NewTokenManager(srv.URL, "id", "secret", srv.Client(), nil)

	for i := 0; i < 3; i++ {
		tok, err := m.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok", tok)
	}

	assert.Equal(t, int32(1), exchanges.Load())

	// Explicit refresh discards the cache.
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, int32(2), exchanges.Load())
}

func TestTokenManagerRefreshesNearExpiry(t *testing.T) {
	t.Parallel()

	var exchanges atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{
			TenantAccessToken: "tok",
			Expire:            7200,
		})
	}))
	t.Cleanup(srv.Close)

	m := NewTokenManager(srv.URL, "id", "secret", srv.Client(), nil)

	current := time.Now()
	m.now = func() time.Time { return current }

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	// Jump past the safety margin; the next call must exchange again.
	current = current.Add(2 * time.Hour)

	_, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), exchanges.Load())
}

func TestTokenManagerExchangeError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(tenantTokenResponse{Code: 99991661, Msg: "bad secret"})
	}))
	t.Cleanup(srv.Close)

	m := NewTokenManager(srv.URL, "id", "wrong", srv.Client(), nil)

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthExpired)
}
