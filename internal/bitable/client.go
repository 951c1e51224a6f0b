package bitable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

const userAgent = "prodsync/0.1"

// maxPageSize is the upstream cap on records per list call.
const maxPageSize = 500

// Client talks to the upstream table service. It handles request
// construction, bearer auth, rate limiting, and error classification.
// Retry is the caller's concern (see the retrier package) so that each
// call site can apply its own budget and cancellation.
type Client struct {
	baseURL    string
	appToken   string
	tableID    string
	httpClient *http.Client
	tokens     *TokenManager
	limiter    *rate.Limiter
	logger     *slog.Logger

	revMu         sync.Mutex
	revision      int
	revisionKnown bool
}

// NewClient creates an upstream table client. limiter governs every
// outbound call; pass rate.NewLimiter(rate.Limit(rps), rps).
func NewClient(
	baseURL, appToken, tableID string,
	httpClient *http.Client,
	tokens *TokenManager,
	limiter *rate.Limiter,
	logger *slog.Logger,
) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		appToken:   appToken,
		tableID:    tableID,
		httpClient: httpClient,
		tokens:     tokens,
		limiter:    limiter,
		logger:     logger,
	}
}

// RefreshAuth forces a tenant token refresh. Satisfies the retrier's
// TokenRefresher so an expired token costs one silent refresh, not a
// retry attempt.
func (c *Client) RefreshAuth(ctx context.Context) error {
	return c.tokens.Refresh(ctx)
}

// ListRecords returns one page of table records. An empty cursor starts
// from the beginning; NextCursor is empty on the final page.
func (c *Client) ListRecords(ctx context.Context, cursor string, pageSize int) (*RecordPage, error) {
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	q := url.Values{}
	q.Set("page_size", strconv.Itoa(pageSize))

	if cursor != "" {
		q.Set("page_token", cursor)
	}

	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s/records?%s", c.appToken, c.tableID, q.Encode())

	var out listRecordsResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}

	page := &RecordPage{
		Records:   out.Data.Items,
		TotalHint: out.Data.Total,
	}

	if out.Data.HasMore {
		page.NextCursor = out.Data.PageToken
	}

	c.logger.Debug("listed records page",
		slog.Int("count", len(page.Records)),
		slog.Bool("has_more", out.Data.HasMore),
	)

	return page, nil
}

// TableRevision returns the current revision of the table. Attachment
// resolution requires it as context (extra=... in the resolve call).
func (c *Client) TableRevision(ctx context.Context) (int, error) {
	path := fmt.Sprintf("/bitable/v1/apps/%s/tables/%s", c.appToken, c.tableID)

	var out tableMetaResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return 0, err
	}

	return out.Data.Revision, nil
}

// resolveExtra builds the permission context the drive endpoint needs
// before it releases bitable attachments. The table revision it embeds is
// fetched once and cached for the client's lifetime; attachments always
// resolve against the snapshot the sync is reading.
func (c *Client) resolveExtra(ctx context.Context) (string, error) {
	c.revMu.Lock()
	defer c.revMu.Unlock()

	if !c.revisionKnown {
		rev, err := c.TableRevision(ctx)
		if err != nil {
			return "", err
		}

		c.revision = rev
		c.revisionKnown = true
	}

	extra, err := json.Marshal(map[string]any{
		"bitablePerm": map[string]any{
			"tableId": c.tableID,
			"rev":     c.revision,
		},
	})
	if err != nil {
		return "", fmt.Errorf("bitable: encoding extra context: %w", err)
	}

	return string(extra), nil
}

// ResolveAttachments exchanges up to resolve-batch-size attachment tokens
// for temporary signed download URLs. Tokens unknown to the upstream are
// absent from the returned map; the caller treats those as permanent
// per-item failures.
func (c *Client) ResolveAttachments(ctx context.Context, tokens []string) (map[string]SignedURL, error) {
	if len(tokens) == 0 {
		return map[string]SignedURL{}, nil
	}

	extra, err := c.resolveExtra(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	for _, t := range tokens {
		q.Add("file_tokens", t)
	}

	q.Set("extra", extra)

	path := "/drive/v1/medias/batch_get_tmp_download_url?" + q.Encode()

	var out batchURLResponse
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}

	resolved := make(map[string]SignedURL, len(out.Data.TmpDownloadURLs))
	for _, u := range out.Data.TmpDownloadURLs {
		resolved[u.FileToken] = SignedURL{
			URL:       u.TmpDownloadURL,
			ExpiresAt: signedURLExpiry(u.TmpDownloadURL),
		}
	}

	c.logger.Debug("resolved attachment tokens",
		slog.Int("requested", len(tokens)),
		slog.Int("resolved", len(resolved)),
	)

	return resolved, nil
}

// getJSON performs one authenticated GET and decodes the vendor envelope.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bitable: rate limiter: %w", err)
	}

	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("bitable: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("bitable: request canceled: %w", ctx.Err())
		}

		// Network errors retry like 5xx responses.
		return fmt.Errorf("%w: %v", ErrServerError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("bitable: reading response: %w", err)
	}

	// The vendor wraps errors in a 200-or-4xx envelope with a code field,
	// so decode the envelope before checking the HTTP status.
	var env envelope
	if jsonErr := json.Unmarshal(body, &env); jsonErr == nil && env.Code != 0 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       env.Code,
			Message:    env.Msg,
			Err:        classify(resp.StatusCode, env.Code),
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Err:        classify(resp.StatusCode, 0),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("bitable: decoding response: %w", err)
	}

	return nil
}
