// token.go manages the OAuth bearer token lifecycle.
//
// Tokens are valid for 24 hours and cached to disk (token_info.json) so
// restarts reuse them. Token() refreshes when less than 5 minutes of
// lifetime remain, using a double-checked lock so concurrent callers
// observe exactly one refresh.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const refreshMargin = 5 * time.Minute

// cachedToken is the on-disk token cache format.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenSource obtains and caches the bearer token.
type TokenSource struct {
	http      *resty.Client
	appKey    string
	appSecret string
	cachePath string
	logger    *slog.Logger

	mu    sync.Mutex
	token cachedToken

	now func() time.Time // test hook
}

// NewTokenSource creates a token source backed by the given HTTP client.
func NewTokenSource(http *resty.Client, appKey, appSecret, cachePath string, logger *slog.Logger) *TokenSource {
	ts := &TokenSource{
		http:      http,
		appKey:    appKey,
		appSecret: appSecret,
		cachePath: cachePath,
		logger:    logger.With("component", "token"),
		now:       time.Now,
	}
	ts.loadCache()
	return ts
}

// Token returns a valid bearer token, refreshing when fewer than 5
// minutes of lifetime remain.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.valid() {
		return ts.token.AccessToken, nil
	}
	if err := ts.refreshLocked(ctx); err != nil {
		return "", err
	}
	return ts.token.AccessToken, nil
}

// Invalidate discards the current token so the next Token() call
// refreshes. Used once on AuthError before failing fast.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = cachedToken{}
}

func (ts *TokenSource) valid() bool {
	return ts.token.AccessToken != "" && ts.now().Before(ts.token.ExpiresAt.Add(-refreshMargin))
}

func (ts *TokenSource) refreshLocked(ctx context.Context) error {
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	resp, err := ts.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     ts.appKey,
			"appsecret":  ts.appSecret,
		}).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return fmt.Errorf("token request: %w", ErrUnavailable)
	}
	if resp.StatusCode() != 200 || result.AccessToken == "" {
		return &AuthError{Msg: fmt.Sprintf("token refresh failed: status %d", resp.StatusCode())}
	}

	ts.token = cachedToken{
		AccessToken: result.AccessToken,
		ExpiresAt:   ts.now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	ts.saveCache()
	ts.logger.Info("token refreshed", "expires_at", ts.token.ExpiresAt)
	return nil
}

func (ts *TokenSource) loadCache() {
	data, err := os.ReadFile(ts.cachePath)
	if err != nil {
		return
	}
	var tok cachedToken
	if err := json.Unmarshal(data, &tok); err != nil {
		ts.logger.Warn("token cache unreadable, ignoring", "error", err)
		return
	}
	ts.token = tok
}

// saveCache writes atomically (tmp + rename) so a crash mid-save never
// leaves a truncated cache.
func (ts *TokenSource) saveCache() {
	data, err := json.Marshal(ts.token)
	if err != nil {
		return
	}
	tmp := ts.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		ts.logger.Warn("token cache write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, ts.cachePath); err != nil {
		ts.logger.Warn("token cache rename failed", "error", err)
	}
}
