package engine

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"stockbot/internal/config"
	"stockbot/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		DryRun: true,
		Broker: config.BrokerConfig{
			BaseURL:           "https://example.invalid",
			WSURL:             "ws://example.invalid:31000",
			AppKey:            "key",
			AppSecret:         "secret",
			AccountNo:         "50000000-01",
			HtsID:             "tester",
			Paper:             true,
			TokenCachePath:    os.TempDir() + "/token_test.json",
			RequestsPerSecond: 20,
		},
		Pipeline: config.PipelineConfig{
			MaxSubscriptions: 41,
			PollBatchSize:    5,
			PollBatchPause:   500 * time.Millisecond,
			PriceCacheSize:   10,
			PriceCacheTTL:    10 * time.Second,
			BookCacheSize:    10,
			BookCacheTTL:     30 * time.Second,
			BarsCacheSize:    10,
			BarsCacheTTL:     300 * time.Second,
		},
		Trading: config.TradingConfig{
			BaseRatio:      0.2,
			MaxRatio:       0.5,
			MaxInvest:      2_000_000,
			MinInvest:      300_000,
			SafetyDiscount: 0.1,
			MinStrength:    0.3,
			OrderTimeout:   300 * time.Second,
		},
		Exits: config.ExitConfig{
			StopLossPct:    -3,
			TakeProfitPct:  5,
			MarkInterval:   5 * time.Second,
			VolatilityDays: 20,
		},
		Journal: config.JournalConfig{
			DataDir:       os.TempDir() + "/journal_test",
			QueueCapacity: 16,
			BatchSize:     4,
			FlushInterval: time.Second,
		},
		Store: config.StoreConfig{
			DataDir: os.TempDir() + "/positions_test",
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewWiresWithoutStarting(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.cancel()

	st := eng.Status()
	if st.Paused || st.OpenPositions != 0 || st.PendingOrders != 0 {
		t.Errorf("fresh status = %+v", st)
	}
	if st.Phase != "off" {
		t.Errorf("phase = %q", st.Phase)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.cancel()

	eng.Pause()
	if !eng.Status().Paused {
		t.Error("pause not reflected in status")
	}
	eng.Resume()
	if eng.Status().Paused {
		t.Error("resume not reflected in status")
	}
}

func TestStageBoardPairsBookWithCriticalTier(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.cancel()

	// Six primaries: ranks 0-4 land on the critical tier, rank 5 on high.
	var board []weightedCandidate
	for i := 0; i < 6; i++ {
		sym := fmt.Sprintf("00000%d", i)
		board = append(board, weightedCandidate{
			cand:    types.Candidate{Symbol: sym, Strategy: types.StrategyGap, Score: float64(100 - i)},
			score:   float64(100 - i),
			primary: true,
		})
	}
	board = append(board, weightedCandidate{
		cand:    types.Candidate{Symbol: "900001", Strategy: types.StrategyVolume, Score: 10},
		score:   10,
		primary: false,
	})

	eng.stageBoard(board)

	// The socket is down, so everything stays in the pending set.
	pending := make(map[types.SlotKey]bool)
	for _, slot := range eng.alloc.PendingAdditions() {
		pending[slot.Key()] = true
	}
	if !pending[types.SlotKey{Channel: types.ChannelTrade, Symbol: "000000"}] {
		t.Error("top candidate missing its realtime trade slot")
	}
	if !pending[types.SlotKey{Channel: types.ChannelBook, Symbol: "000000"}] {
		t.Error("critical-tier candidate missing its paired book slot")
	}
	if !pending[types.SlotKey{Channel: types.ChannelTrade, Symbol: "000005"}] {
		t.Error("high-tier candidate missing its trade slot")
	}
	if pending[types.SlotKey{Channel: types.ChannelBook, Symbol: "000005"}] {
		t.Error("high tier must not admit a book slot")
	}
	if pending[types.SlotKey{Channel: types.ChannelTrade, Symbol: "900001"}] {
		t.Error("secondary candidates start polled, no realtime slot")
	}
	if tier, _ := eng.pipe.TierOf("000000"); tier != types.TierCritical {
		t.Errorf("tier = %v, want critical for the top primary", tier)
	}
}

func TestInstallWorkingSetKeepsHeldSymbols(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.cancel()

	// Simulate an open position for a symbol leaving the working set.
	if _, err := eng.pos.ApplyFill(types.FillEvent{
		Symbol: "005930", Side: types.BUY, ExecQty: 10, ExecPrice: 20_000,
		ExecTs: time.Now(),
	}, types.PendingOrder{Strategy: types.StrategyGap}); err != nil {
		t.Fatal(err)
	}

	eng.installWorkingSet(map[string]workingEntry{
		"005930": {strategy: types.StrategyGap, tier: types.TierHigh},
		"000660": {strategy: types.StrategyGap, tier: types.TierMedium},
	})
	eng.installWorkingSet(map[string]workingEntry{})

	if !eng.pipe.Tracked("005930") {
		t.Error("held symbol must remain tracked after cleanup")
	}
	if eng.pipe.Tracked("000660") {
		t.Error("unheld symbol should be dropped on cleanup")
	}
}
