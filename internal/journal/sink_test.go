package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"stockbot/internal/config"
	"stockbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSink(t *testing.T, capacity int) (*Sink, string) {
	t.Helper()
	dir := t.TempDir()
	s := New(config.JournalConfig{
		DataDir:       dir,
		QueueCapacity: capacity,
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	}, testLogger())
	return s, dir
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestSinkWritesDayPartitionedJSONL(t *testing.T) {
	t.Parallel()

	s, dir := testSink(t, 100)
	s.Start(context.Background())

	s.LogAttempt(Attempt{
		Ts: time.Now(), Symbol: "005930", Side: types.BUY,
		Strategy: types.StrategyGap, Qty: 37, Price: 20_020, Success: true, OrderID: "X1",
	})
	s.LogAttempt(Attempt{
		Ts: time.Now(), Symbol: "000660", Side: types.BUY,
		Strategy: types.StrategyVolume, Success: false, Bucket: FailFunds,
	})
	s.LogSignal(SignalEntry{Ts: time.Now(), Symbol: "005930", Side: types.BUY, Accepted: true})

	time.Sleep(100 * time.Millisecond) // past the flush interval
	s.Close()

	day := time.Now().Format("20060102")
	attempts := readLines(t, filepath.Join(dir, "attempts", day+".jsonl"))
	if len(attempts) != 2 {
		t.Fatalf("attempt lines = %d, want 2", len(attempts))
	}
	var first Attempt
	if err := json.Unmarshal([]byte(attempts[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Symbol != "005930" || !first.Success {
		t.Errorf("first attempt = %+v", first)
	}
	var second Attempt
	json.Unmarshal([]byte(attempts[1]), &second)
	if second.Bucket != FailFunds {
		t.Errorf("bucket = %q", second.Bucket)
	}

	signals := readLines(t, filepath.Join(dir, "signals", day+".jsonl"))
	if len(signals) != 1 {
		t.Errorf("signal lines = %d", len(signals))
	}
}

func TestSinkCloseFlushesQueued(t *testing.T) {
	t.Parallel()

	s, dir := testSink(t, 100)
	s.Start(context.Background())

	for i := 0; i < 10; i++ {
		s.LogMarket(MarketSnapshot{Ts: time.Now(), Symbol: "005930", Last: 71_500})
	}
	s.Close() // no sleep: entries must survive via the final drain

	day := time.Now().Format("20060102")
	lines := readLines(t, filepath.Join(dir, "market", day+".jsonl"))
	if len(lines) != 10 {
		t.Errorf("market lines = %d, want all 10 flushed on close", len(lines))
	}
}

func TestSinkOverflowDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	s, _ := testSink(t, 2) // tiny queue, workers not started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.LogAttempt(Attempt{Ts: time.Now(), Symbol: "005930"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer blocked on a full journal queue")
	}
	if n := len(s.attempts.queue); n != 2 {
		t.Errorf("queued = %d, want capacity 2 kept and the rest dropped", n)
	}
}
