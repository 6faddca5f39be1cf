package position

import (
	"context"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"stockbot/internal/broker"
	"stockbot/internal/config"
	"stockbot/internal/indicator"
	"stockbot/internal/pipeline"
	"stockbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRest struct {
	quote    *types.Quote
	quoteErr error
	calls    int
}

func (s *stubRest) CurrentPrice(ctx context.Context, symbol string) (*types.Quote, error) {
	s.calls++
	return s.quote, s.quoteErr
}

func (s *stubRest) DailyBars(ctx context.Context, symbol, period string) ([]types.Bar, error) {
	return nil, broker.ErrEmpty
}

type stubFeed struct{ view *pipeline.QuoteView }

func (s *stubFeed) Latest(string) *pipeline.QuoteView { return s.view }

type stubHealth bool

func (s stubHealth) Healthy() bool { return bool(s) }

func exitCfg() config.ExitConfig {
	return config.ExitConfig{
		StopLossPct:     -3,
		TakeProfitPct:   3.6,
		TrailingTrigger: 3,
		EarlyStopPct:    -2,
		EarlyMinutes:    10 * time.Minute,
		MinHold:         30 * time.Minute,
		MarkInterval:    time.Second,
		VolatilityDays:  20,
	}
}

func noAnalysis(ctx context.Context, symbol string, current float64) (*indicator.Analysis, error) {
	return nil, broker.ErrEmpty
}

func buyFill(qty int64, price float64, ts time.Time) types.FillEvent {
	return types.FillEvent{
		OrderID: "ORD-1", Symbol: "005930", Side: types.BUY,
		ExecQty: qty, ExecPrice: price, ExecTs: ts,
	}
}

func TestApplyFillOpensAndExtends(t *testing.T) {
	t.Parallel()

	m := New(exitCfg(), nil, &stubRest{}, nil, testLogger())
	opened := time.Now().Add(-time.Hour)

	record, err := m.ApplyFill(buyFill(37, 20_020, opened), types.PendingOrder{Strategy: types.StrategyGap})
	if err != nil || record != nil {
		t.Fatalf("buy fill: record=%v err=%v", record, err)
	}
	pos := m.Get("005930")
	if pos == nil || pos.Qty != 37 || pos.AvgCost != 20_020 || pos.Strategy != types.StrategyGap {
		t.Fatalf("position = %+v", pos)
	}

	// Averaging in a second buy.
	if _, err := m.ApplyFill(buyFill(37, 20_040, opened.Add(time.Minute)), types.PendingOrder{}); err != nil {
		t.Fatal(err)
	}
	pos = m.Get("005930")
	if pos.Qty != 74 || pos.AvgCost != 20_030 {
		t.Errorf("after extend: qty=%d avg=%v", pos.Qty, pos.AvgCost)
	}
}

func TestSellFillRealizesAndCloses(t *testing.T) {
	t.Parallel()

	m := New(exitCfg(), nil, &stubRest{}, nil, testLogger())
	opened := time.Now().Add(-time.Hour)
	if _, err := m.ApplyFill(buyFill(100, 20_020, opened), types.PendingOrder{Strategy: types.StrategyGap}); err != nil {
		t.Fatal(err)
	}

	sell := types.FillEvent{
		OrderID: "ORD-2", Symbol: "005930", Side: types.SELL,
		ExecQty: 100, ExecPrice: 20_620, ExecTs: opened.Add(time.Hour),
	}
	record, err := m.ApplyFill(sell, types.PendingOrder{OrderID: "ORD-2"})
	if err != nil {
		t.Fatal(err)
	}
	if record == nil {
		t.Fatal("full sell must produce a trade record")
	}
	if record.RealizedPnL != 60_000 {
		t.Errorf("realized = %v, want 60000", record.RealizedPnL)
	}
	if record.Strategy != types.StrategyGap || record.ClosedAt == nil {
		t.Errorf("record = %+v", record)
	}
	if m.Get("005930") != nil {
		t.Error("position should be closed and removed")
	}
}

func TestPartialSellKeepsPosition(t *testing.T) {
	t.Parallel()

	m := New(exitCfg(), nil, &stubRest{}, nil, testLogger())
	opened := time.Now()
	if _, err := m.ApplyFill(buyFill(100, 20_000, opened), types.PendingOrder{}); err != nil {
		t.Fatal(err)
	}

	sell := types.FillEvent{Symbol: "005930", Side: types.SELL, ExecQty: 40, ExecPrice: 20_500, ExecTs: opened}
	record, err := m.ApplyFill(sell, types.PendingOrder{})
	if err != nil || record == nil {
		t.Fatalf("record=%v err=%v", record, err)
	}
	if record.RealizedPnL != 40*500 {
		t.Errorf("realized = %v", record.RealizedPnL)
	}
	pos := m.Get("005930")
	if pos == nil || pos.Qty != 60 {
		t.Errorf("residual position = %+v", pos)
	}
}

func TestSeedExistingHoldings(t *testing.T) {
	t.Parallel()

	m := New(exitCfg(), nil, &stubRest{}, nil, testLogger())
	m.SeedExisting([]broker.Holding{
		{Symbol: "005930", Qty: 10, AvgCost: 70_000},
		{Symbol: "000660", Qty: 0, AvgCost: 100_000}, // skipped
	})

	pos := m.Get("005930")
	if pos == nil || pos.Strategy != types.StrategyExisting {
		t.Fatalf("seeded = %+v", pos)
	}
	if m.Get("000660") != nil {
		t.Error("zero-qty holding must not seed")
	}
}

func TestMarkPrefersHealthyFeed(t *testing.T) {
	t.Parallel()

	feed := &stubFeed{view: &pipeline.QuoteView{
		Quote: types.Quote{Symbol: "005930", Last: 20_720},
		Age:   time.Second,
	}}
	rest := &stubRest{quote: &types.Quote{Symbol: "005930", Last: 20_500}}
	m := New(exitCfg(), feed, rest, stubHealth(true), testLogger())
	m.analyze = noAnalysis

	if _, err := m.ApplyFill(buyFill(100, 20_000, time.Now()), types.PendingOrder{}); err != nil {
		t.Fatal(err)
	}
	m.Mark(context.Background())

	pos := m.Get("005930")
	if pos.LastMarkPrice != 20_720 {
		t.Errorf("mark = %v, want feed price", pos.LastMarkPrice)
	}
	if rest.calls != 0 {
		t.Errorf("rest calls = %d, want 0", rest.calls)
	}
	if math.Abs(pos.MaxProfitPct-3.6) > 1e-9 {
		t.Errorf("max profit = %v, want 3.6", pos.MaxProfitPct)
	}
}

func TestMarkFallsBackToRestWhenUnhealthy(t *testing.T) {
	t.Parallel()

	feed := &stubFeed{view: &pipeline.QuoteView{Quote: types.Quote{Last: 20_720}, Age: time.Second}}
	rest := &stubRest{quote: &types.Quote{Symbol: "005930", Last: 20_500}}
	m := New(exitCfg(), feed, rest, stubHealth(false), testLogger())
	m.analyze = noAnalysis

	var reconnects int
	m.SetReconnect(func() { reconnects++ })

	if _, err := m.ApplyFill(buyFill(100, 20_000, time.Now()), types.PendingOrder{}); err != nil {
		t.Fatal(err)
	}
	m.Mark(context.Background())
	m.Mark(context.Background())

	if pos := m.Get("005930"); pos.LastMarkPrice != 20_500 {
		t.Errorf("mark = %v, want rest price", pos.LastMarkPrice)
	}
	if rest.calls != 2 {
		t.Errorf("rest calls = %d", rest.calls)
	}
	if reconnects != 1 {
		t.Errorf("reconnect requests = %d, want one per window", reconnects)
	}
}

func TestMarkFallsBackOnStaleFeed(t *testing.T) {
	t.Parallel()

	feed := &stubFeed{view: &pipeline.QuoteView{Quote: types.Quote{Last: 20_720}, Age: time.Minute}}
	rest := &stubRest{quote: &types.Quote{Symbol: "005930", Last: 20_500}}
	m := New(exitCfg(), feed, rest, stubHealth(true), testLogger())
	m.analyze = noAnalysis

	if _, err := m.ApplyFill(buyFill(100, 20_000, time.Now()), types.PendingOrder{}); err != nil {
		t.Fatal(err)
	}
	m.Mark(context.Background())

	if pos := m.Get("005930"); pos.LastMarkPrice != 20_500 {
		t.Errorf("mark = %v, stale feed quote must not be used", pos.LastMarkPrice)
	}
}

func TestEvaluateExitsEmitsTakeProfit(t *testing.T) {
	t.Parallel()

	feed := &stubFeed{view: &pipeline.QuoteView{
		Quote: types.Quote{Symbol: "005930", Last: 20_750},
		Age:   time.Second,
	}}
	m := New(exitCfg(), feed, &stubRest{quoteErr: broker.ErrEmpty}, stubHealth(true), testLogger())
	m.analyze = noAnalysis

	var emitted []types.Signal
	m.SetEmit(func(sig types.Signal) { emitted = append(emitted, sig) })

	opened := time.Now().Add(-time.Hour)
	if _, err := m.ApplyFill(buyFill(100, 20_000, opened), types.PendingOrder{Strategy: types.StrategyGap}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	m.Mark(ctx) // profit 3.75% past the fallback take 3.6%
	m.EvaluateExits(ctx)

	if len(emitted) != 1 {
		t.Fatalf("emitted = %+v", emitted)
	}
	sig := emitted[0]
	if sig.Side != types.SELL || sig.Ctx["auto_sell"] != 1 {
		t.Errorf("signal = %+v", sig)
	}
	if sig.Price != 20_750 {
		t.Errorf("price = %v", sig.Price)
	}
}

func TestEvaluateExitsHoldsQuietPosition(t *testing.T) {
	t.Parallel()

	feed := &stubFeed{view: &pipeline.QuoteView{
		Quote: types.Quote{Symbol: "005930", Last: 20_100},
		Age:   time.Second,
	}}
	m := New(exitCfg(), feed, &stubRest{quoteErr: broker.ErrEmpty}, stubHealth(true), testLogger())
	m.analyze = noAnalysis

	var emitted []types.Signal
	m.SetEmit(func(sig types.Signal) { emitted = append(emitted, sig) })

	if _, err := m.ApplyFill(buyFill(100, 20_000, time.Now().Add(-time.Hour)), types.PendingOrder{}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	m.Mark(ctx)
	m.EvaluateExits(ctx)

	if len(emitted) != 0 {
		t.Errorf("quiet position emitted %+v", emitted)
	}
}
