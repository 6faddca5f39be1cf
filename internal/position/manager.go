// Package position is the single owner of open-position state. Fills
// arrive from the execution manager, marks come from the realtime feed
// with a REST fallback, and each mark cycle runs the exit cascade,
// emitting auto-sell signals for positions that should close.
package position

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stockbot/internal/broker"
	"stockbot/internal/config"
	"stockbot/internal/indicator"
	"stockbot/internal/metrics"
	"stockbot/internal/pipeline"
	"stockbot/pkg/types"
)

// reconnectWindow throttles reconnect requests while the stream is
// unhealthy and marks run over REST.
const reconnectWindow = 5 * time.Minute

// markMaxAge is how old a feed quote may be before the REST fallback is
// used for marking instead.
const markMaxAge = 10 * time.Second

// MarkFeed is the realtime quote cache (the data pipeline).
type MarkFeed interface {
	Latest(symbol string) *pipeline.QuoteView
}

// RestQuoter is the REST surface used for fallback marks and for the
// daily bars behind sigma and disparity.
type RestQuoter interface {
	CurrentPrice(ctx context.Context, symbol string) (*types.Quote, error)
	DailyBars(ctx context.Context, symbol, period string) ([]types.Bar, error)
}

// StreamHealth reports whether the realtime feed is usable.
type StreamHealth interface {
	Healthy() bool
}

// Persister saves position state across restarts.
type Persister interface {
	SavePosition(pos types.Position) error
	RemovePosition(symbol string) error
}

type sigmaEntry struct {
	value float64
	day   string
}

// Manager holds open positions and drives the exit loop.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*types.Position
	sigmas    map[string]sigmaEntry

	cfg       config.ExitConfig
	feed      MarkFeed
	rest      RestQuoter
	health    StreamHealth
	reconnect func()
	emit      func(types.Signal)
	onClose   func(symbol string)
	persist   Persister

	// analyze is swappable in tests.
	analyze func(ctx context.Context, symbol string, current float64) (*indicator.Analysis, error)

	lastReconnect time.Time

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates the manager. feed, health, reconnect, emit, and onClose
// may each be nil.
func New(cfg config.ExitConfig, feed MarkFeed, rest RestQuoter, health StreamHealth, logger *slog.Logger) *Manager {
	m := &Manager{
		positions: make(map[string]*types.Position),
		sigmas:    make(map[string]sigmaEntry),
		cfg:       cfg,
		feed:      feed,
		rest:      rest,
		health:    health,
		logger:    logger.With("component", "position"),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	m.analyze = func(ctx context.Context, symbol string, current float64) (*indicator.Analysis, error) {
		bars, err := m.rest.DailyBars(ctx, symbol, "D")
		if err != nil {
			return nil, err
		}
		return indicator.Analyze(bars, current)
	}
	return m
}

// SetEmit installs the auto-sell signal sink.
func (m *Manager) SetEmit(emit func(types.Signal)) { m.emit = emit }

// SetOnClose installs the position-closed callback.
func (m *Manager) SetOnClose(fn func(symbol string)) { m.onClose = fn }

// SetReconnect installs the stream reconnect request hook.
func (m *Manager) SetReconnect(fn func()) { m.reconnect = fn }

// SetPersister installs crash-safe position persistence.
func (m *Manager) SetPersister(p Persister) { m.persist = p }

// Restore adopts positions saved by a previous run. Already-known
// symbols and closed entries are skipped.
func (m *Manager) Restore(saved []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range saved {
		if pos.Qty <= 0 || pos.Status != types.PositionOpen {
			continue
		}
		if _, ok := m.positions[pos.Symbol]; ok {
			continue
		}
		p := pos
		m.positions[p.Symbol] = &p
		m.logger.Info("restored position",
			"symbol", p.Symbol, "qty", p.Qty, "avg_cost", p.AvgCost, "opened_at", p.OpenedAt)
	}
	metrics.OpenPositions.Set(float64(len(m.positions)))
}

func (m *Manager) persistLocked(pos *types.Position) {
	if m.persist == nil {
		return
	}
	if err := m.persist.SavePosition(*pos); err != nil {
		m.logger.Warn("position persist failed", "symbol", pos.Symbol, "error", err)
	}
}

// Get returns a copy of the open position for the symbol, or nil.
func (m *Manager) Get(symbol string) *types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// Open snapshots all open positions.
func (m *Manager) Open() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// SeedExisting adopts account holdings that predate this process as
// positions under the existing-holding strategy, so the exit loop
// manages them too.
func (m *Manager) SeedExisting(holdings []broker.Holding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range holdings {
		if h.Qty <= 0 {
			continue
		}
		if _, ok := m.positions[h.Symbol]; ok {
			continue
		}
		m.positions[h.Symbol] = &types.Position{
			Symbol:   h.Symbol,
			Qty:      h.Qty,
			AvgCost:  h.AvgCost,
			OpenedAt: m.now(),
			Strategy: types.StrategyExisting,
			Status:   types.PositionOpen,
		}
		m.persistLocked(m.positions[h.Symbol])
		m.logger.Info("adopted existing holding", "symbol", h.Symbol, "qty", h.Qty, "avg_cost", h.AvgCost)
	}
	metrics.OpenPositions.Set(float64(len(m.positions)))
}

// ApplyFill folds one fill into position state. Buys open or extend a
// position at the volume-weighted average cost and return no trade
// record; sells reduce it and return the realized trade, closing the
// position when quantity reaches zero.
func (m *Manager) ApplyFill(fill types.FillEvent, order types.PendingOrder) (*types.TradeRecord, error) {
	m.mu.Lock()

	var record *types.TradeRecord
	closed := false
	switch fill.Side {
	case types.BUY:
		m.applyBuyLocked(fill, order)
	case types.SELL:
		record, closed = m.applySellLocked(fill, order)
	}
	m.mu.Unlock()

	if closed && m.onClose != nil {
		// Release dedup and subscription state for the symbol.
		m.onClose(fill.Symbol)
	}
	return record, nil
}

func (m *Manager) applyBuyLocked(fill types.FillEvent, order types.PendingOrder) {
	pos, ok := m.positions[fill.Symbol]
	if !ok {
		m.positions[fill.Symbol] = &types.Position{
			Symbol:        fill.Symbol,
			Qty:           fill.ExecQty,
			AvgCost:       fill.ExecPrice,
			OpenedAt:      fill.ExecTs,
			Strategy:      order.Strategy,
			Status:        types.PositionOpen,
			LastMarkPrice: fill.ExecPrice,
			LastMarkTs:    fill.ExecTs,
		}
		metrics.OpenPositions.Set(float64(len(m.positions)))
		m.persistLocked(m.positions[fill.Symbol])
		m.logger.Info("position opened",
			"symbol", fill.Symbol, "qty", fill.ExecQty, "price", fill.ExecPrice, "strategy", order.Strategy)
		return
	}

	total := pos.AvgCost*float64(pos.Qty) + fill.ExecPrice*float64(fill.ExecQty)
	pos.Qty += fill.ExecQty
	pos.AvgCost = total / float64(pos.Qty)
	m.persistLocked(pos)
	m.logger.Info("position extended",
		"symbol", fill.Symbol, "qty", pos.Qty, "avg_cost", pos.AvgCost)
}

func (m *Manager) applySellLocked(fill types.FillEvent, order types.PendingOrder) (*types.TradeRecord, bool) {
	pos, ok := m.positions[fill.Symbol]
	if !ok {
		m.logger.Error("sell fill without position", "symbol", fill.Symbol, "order_id", fill.OrderID)
		return nil, false
	}

	qty := fill.ExecQty
	if qty > pos.Qty {
		qty = pos.Qty
	}
	pos.Qty -= qty

	realized := float64(qty) * (fill.ExecPrice - pos.AvgCost)
	closedAt := fill.ExecTs
	record := &types.TradeRecord{
		ID:          m.newID(),
		Symbol:      fill.Symbol,
		Side:        types.SELL,
		Qty:         qty,
		Price:       fill.ExecPrice,
		Gross:       float64(qty) * fill.ExecPrice,
		Strategy:    pos.Strategy,
		PatternCtx:  order.PatternCtx,
		LinkedBuyID: order.OrderID,
		RealizedPnL: realized,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    &closedAt,
	}

	if pos.Qty == 0 {
		delete(m.positions, fill.Symbol)
		pos.Status = types.PositionClosed
		metrics.OpenPositions.Set(float64(len(m.positions)))
		if m.persist != nil {
			if err := m.persist.RemovePosition(fill.Symbol); err != nil {
				m.logger.Warn("position unpersist failed", "symbol", fill.Symbol, "error", err)
			}
		}
		m.logger.Info("position closed",
			"symbol", fill.Symbol, "realized_pnl", realized, "held", fill.ExecTs.Sub(pos.OpenedAt))
		return record, true
	}
	m.persistLocked(pos)
	m.logger.Info("position reduced", "symbol", fill.Symbol, "qty", pos.Qty, "realized_pnl", realized)
	return record, false
}

// Mark refreshes LastMarkPrice for every open position, preferring the
// realtime feed and falling back to REST when the stream is unhealthy
// or the cached quote is stale. While unhealthy, at most one reconnect
// request is made per window.
func (m *Manager) Mark(ctx context.Context) {
	streamOK := m.health == nil || m.health.Healthy()
	if !streamOK {
		m.requestReconnect()
	}

	for _, pos := range m.Open() {
		price, ok := m.markPrice(ctx, pos.Symbol, streamOK)
		if !ok {
			continue
		}
		m.mu.Lock()
		if live, exists := m.positions[pos.Symbol]; exists {
			live.LastMarkPrice = price
			live.LastMarkTs = m.now()
			if profit := live.ProfitPct(price); profit > live.MaxProfitPct {
				live.MaxProfitPct = profit
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) markPrice(ctx context.Context, symbol string, streamOK bool) (float64, bool) {
	if streamOK && m.feed != nil {
		if view := m.feed.Latest(symbol); view != nil && view.Age <= markMaxAge && view.Last > 0 {
			return view.Last, true
		}
	}
	quote, err := m.rest.CurrentPrice(ctx, symbol)
	if err != nil {
		m.logger.Warn("mark fetch failed", "symbol", symbol, "error", err)
		return 0, false
	}
	return quote.Last, true
}

func (m *Manager) requestReconnect() {
	if m.reconnect == nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	due := now.Sub(m.lastReconnect) >= reconnectWindow
	if due {
		m.lastReconnect = now
	}
	m.mu.Unlock()
	if due {
		m.logger.Warn("stream unhealthy, requesting reconnect")
		m.reconnect()
	}
}

// EvaluateExits runs the exit cascade over every marked position and
// emits an auto-sell signal for each hit.
func (m *Manager) EvaluateExits(ctx context.Context) {
	now := m.now()
	for _, pos := range m.Open() {
		if pos.LastMarkPrice <= 0 {
			continue
		}
		profit := pos.ProfitPct(pos.LastMarkPrice)
		params := DeriveExitParams(m.sigma(ctx, pos.Symbol), pos.Strategy, m.cfg)

		in := ExitInput{
			ProfitPct:    profit,
			MaxProfitPct: pos.MaxProfitPct,
			Hold:         pos.HoldDuration(now),
			Params:       params,
			EarlyStopPct: m.cfg.EarlyStopPct,
			EarlyAfter:   m.cfg.EarlyMinutes,
			MinHold:      m.cfg.MinHold,
		}
		if analysis, err := m.analyze(ctx, pos.Symbol, pos.LastMarkPrice); err == nil {
			in.D5, in.D20, in.D60 = analysis.D5, analysis.D20, analysis.D60
			in.SellSignals = analysis.SellSignals()
		}

		dec := EvaluateExit(in)
		if !dec.Exit {
			continue
		}
		m.logger.Info("exit triggered",
			"symbol", pos.Symbol, "rule", dec.Rule, "profit_pct", profit,
			"max_profit_pct", pos.MaxProfitPct, "reason", dec.Reason)
		if m.emit != nil {
			m.emit(types.Signal{
				Symbol:   pos.Symbol,
				Side:     types.SELL,
				Strategy: pos.Strategy,
				Strength: 1,
				Price:    pos.LastMarkPrice,
				Reason:   dec.Rule + ": " + dec.Reason,
				Ts:       now,
				Ctx: map[string]float64{
					"auto_sell":      1,
					"profit_pct":     profit,
					"max_profit_pct": pos.MaxProfitPct,
				},
			})
		}
	}
}

// sigma returns the cached daily-return volatility for the symbol,
// refreshed once per day. Zero means unavailable and triggers the
// configured fallback exit levels.
func (m *Manager) sigma(ctx context.Context, symbol string) float64 {
	day := m.now().Format("20060102")

	m.mu.Lock()
	if e, ok := m.sigmas[symbol]; ok && e.day == day {
		m.mu.Unlock()
		return e.value
	}
	m.mu.Unlock()

	bars, err := m.rest.DailyBars(ctx, symbol, "D")
	if err != nil {
		m.logger.Warn("sigma bars unavailable", "symbol", symbol, "error", err)
		return 0
	}
	value := indicator.Sigma(bars, m.cfg.VolatilityDays)

	m.mu.Lock()
	m.sigmas[symbol] = sigmaEntry{value: value, day: day}
	m.mu.Unlock()
	return value
}

// Run marks and evaluates on the configured cadence until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MarkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Mark(ctx)
			m.EvaluateExits(ctx)
		}
	}
}
