package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tokenServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/tokenP" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-abc",
			"expires_in":   86400,
		})
	}))
}

func TestTokenSourceRefreshAndCache(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := tokenServer(t, &calls)
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "token_info.json")
	ts := NewTokenSource(resty.New().SetBaseURL(srv.URL), "key", "secret", cachePath, testLogger())

	tok, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-abc" {
		t.Errorf("token = %q", tok)
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1", calls.Load())
	}

	// Second call reuses the cached token.
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1 (cached)", calls.Load())
	}

	// A fresh source loads the token from disk without a request.
	ts2 := NewTokenSource(resty.New().SetBaseURL(srv.URL), "key", "secret", cachePath, testLogger())
	if _, err := ts2.Token(context.Background()); err != nil {
		t.Fatalf("token from cache: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want 1 (disk cache)", calls.Load())
	}
}

func TestTokenSourceRefreshMargin(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := tokenServer(t, &calls)
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "token_info.json")
	ts := NewTokenSource(resty.New().SetBaseURL(srv.URL), "key", "secret", cachePath, testLogger())

	base := time.Now()
	ts.now = func() time.Time { return base }
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}

	// 4 minutes before expiry falls inside the refresh margin.
	ts.now = func() time.Time { return base.Add(86400*time.Second - 4*time.Minute) }
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("refresh calls = %d, want 2 (inside margin)", calls.Load())
	}
}

func TestTokenSourceInvalidate(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := tokenServer(t, &calls)
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "token_info.json")
	ts := NewTokenSource(resty.New().SetBaseURL(srv.URL), "key", "secret", cachePath, testLogger())

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	ts.Invalidate()
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("token: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("refresh calls = %d, want 2 after invalidate", calls.Load())
	}
}

func TestTokenSourceAuthFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ts := NewTokenSource(resty.New().SetBaseURL(srv.URL), "key", "bad", filepath.Join(t.TempDir(), "t.json"), testLogger())
	_, err := ts.Token(context.Background())
	if err == nil {
		t.Fatal("expected auth error")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("error = %T, want *AuthError", err)
	}
}
