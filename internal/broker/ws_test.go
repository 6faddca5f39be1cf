package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func approvalStub(ctx context.Context) (string, error) { return "approval-key", nil }

func fastDelays(attempt int) time.Duration { return time.Millisecond }

// A server that accepts the upgrade, holds the connection briefly so the
// client reaches streaming, and then drops it.
func flappingServer(t *testing.T, conns *int, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		*conns++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		c.Close()
	}))
}

func TestReconnectStreakResetsAfterStreaming(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		conns int
	)
	srv := flappingServer(t, &conns, &mu)
	defer srv.Close()

	w := NewWSConn("ws"+strings.TrimPrefix(srv.URL, "http"), "tester", true, approvalStub, testLogger())
	w.delayFor = fastDelays
	degraded := 0
	w.SetDegradedCallback(func() { degraded++ })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	mu.Lock()
	n := conns
	mu.Unlock()
	if n <= wsDegradedAfter {
		t.Fatalf("connections = %d, want more reconnect cycles than the degradation threshold", n)
	}
	if degraded != 0 {
		t.Errorf("degraded fired %d times; sessions that reached streaming must reset the failure streak", degraded)
	}
}

func TestDegradedAfterConsecutiveDialFailures(t *testing.T) {
	t.Parallel()

	// Nothing listens here; every dial fails immediately.
	w := NewWSConn("ws://127.0.0.1:1", "tester", true, approvalStub, testLogger())
	w.delayFor = fastDelays
	degraded := 0
	w.SetDegradedCallback(func() { degraded++ })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if degraded != 1 {
		t.Errorf("degraded fired %d times, want once per failure streak", degraded)
	}
}
