package bitable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// tokenSafetyMargin is subtracted from the reported expiry so a token is
// refreshed before the upstream starts rejecting it.
const tokenSafetyMargin = 5 * time.Minute

// TokenManager exchanges app credentials for tenant access tokens and
// caches them until shortly before expiry. Safe for concurrent use.
type TokenManager struct {
	baseURL    string
	appID      string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	// now is stubbed in tests.
	now func() time.Time
}

// NewTokenManager creates a token manager for the given app credentials.
func NewTokenManager(baseURL, appID, secret string, httpClient *http.Client, logger *slog.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &TokenManager{
		baseURL:    baseURL,
		appID:      appID,
		secret:     secret,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Token returns a valid tenant access token, exchanging credentials with
// the upstream if the cached one is missing or near expiry.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.now().Before(m.expiresAt) {
		return m.token, nil
	}

	return m.refreshLocked(ctx)
}

// Refresh discards the cached token and fetches a fresh one. Called by the
// retry layer when the upstream reports token expiry mid-flight.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = ""

	_, err := m.refreshLocked(ctx)

	return err
}

func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"app_id":     m.appID,
		"app_secret": m.secret,
	})
	if err != nil {
		return "", fmt.Errorf("bitable: encoding token request: %w", err)
	}

	url := m.baseURL + "/auth/v3/tenant_access_token/internal"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("bitable: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("bitable: token exchange: %w", err)
	}
	defer resp.Body.Close()

	var tr tenantTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("bitable: decoding token response: %w", err)
	}

	if tr.Code != 0 {
		return "", &APIError{
			StatusCode: resp.StatusCode,
			Code:       tr.Code,
			Message:    tr.Msg,
			Err:        classify(resp.StatusCode, tr.Code),
		}
	}

	m.token = tr.TenantAccessToken
	m.expiresAt = m.now().Add(time.Duration(tr.Expire)*time.Second - tokenSafetyMargin)

	m.logger.Debug("tenant token refreshed",
		slog.Time("expires_at", m.expiresAt),
	)

	return m.token, nil
}
