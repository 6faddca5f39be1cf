// Package execution correlates asynchronous fill notices with pending
// orders and drives position updates.
//
// The manager is the single owner of the pending-order set. A fill is
// matched first by order id, then (for synthetic ids) by the earliest
// pending order with the same symbol and side no older than ten
// minutes. Matching is serialized under one lock, which also gives the
// required per-order and per-symbol FIFO ordering. Duplicate fill
// deliveries are detected by fingerprint and ignored. A periodic sweep
// expires stale orders and fires the timeout callback so upstream
// state can be restored.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"stockbot/internal/broker"
	"stockbot/internal/metrics"
	"stockbot/pkg/types"
)

const (
	sweepInterval = 30 * time.Second
	tempMatchAge  = 10 * time.Minute
)

// FillHandler applies an accepted fill to position state and returns
// the resulting trade record (nil for partial buys that only adjust the
// average).
type FillHandler interface {
	ApplyFill(fill types.FillEvent, order types.PendingOrder) (*types.TradeRecord, error)
}

// TradeSink receives completed trade records.
type TradeSink func(types.TradeRecord)

type pendingState struct {
	order     types.PendingOrder
	remaining int64
	seen      map[string]bool // fill fingerprints already applied
}

// Manager owns pending orders and consumes execution notices.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*pendingState
	// recently completed order ids, so late duplicate fills are ignored
	// rather than mis-matched as temporary fills.
	completed map[string]time.Time

	handler   FillHandler
	trades    TradeSink
	onTimeout func(types.PendingOrder)

	logger *slog.Logger
	now    func() time.Time
}

// New creates the manager. trades and onTimeout may be nil.
func New(handler FillHandler, trades TradeSink, onTimeout func(types.PendingOrder), logger *slog.Logger) *Manager {
	return &Manager{
		pending:   make(map[string]*pendingState),
		completed: make(map[string]time.Time),
		handler:   handler,
		trades:    trades,
		onTimeout: onTimeout,
		logger:    logger.With("component", "execution"),
		now:       time.Now,
	}
}

// Register files a pending order.
func (m *Manager) Register(order types.PendingOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[order.OrderID] = &pendingState{
		order:     order,
		remaining: order.Qty,
		seen:      make(map[string]bool),
	}
	metrics.PendingOrders.Set(float64(len(m.pending)))
	m.logger.Info("pending order registered",
		"order_id", order.OrderID, "symbol", order.Symbol, "side", order.Side,
		"qty", order.Qty, "temporary", order.Temporary)
}

// InFlight reports whether any pending order exists for the symbol.
func (m *Manager) InFlight(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.pending {
		if st.order.Symbol == symbol {
			return true
		}
	}
	return false
}

// Pending snapshots the pending set.
func (m *Manager) Pending() []types.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.PendingOrder, 0, len(m.pending))
	for _, st := range m.pending {
		o := st.order
		o.Qty = st.remaining
		out = append(out, o)
	}
	return out
}

// HandleNotice consumes one execution-channel record. Non-fill notices
// (accepts, rejects) and unmatched fills are logged and dropped.
func (m *Manager) HandleNotice(notice broker.ExecutionNotice) {
	if !notice.Fill() {
		m.logger.Debug("ignoring non-fill notice",
			"order_id", notice.OrderID, "cngt_yn", notice.CngtYn, "rejected", notice.Rejected)
		return
	}
	fill := notice.FillEvent(m.now())
	if fill.ExecQty <= 0 || fill.ExecPrice <= 0 {
		m.logger.Warn("dropping malformed fill", "order_id", fill.OrderID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, matchedID := m.matchLocked(fill)
	if st == nil {
		if _, done := m.completed[fill.OrderID]; done {
			m.logger.Debug("duplicate fill for completed order", "order_id", fill.OrderID)
		} else {
			m.logger.Warn("fill match miss",
				"order_id", fill.OrderID, "symbol", fill.Symbol, "side", fill.Side)
		}
		return
	}

	print := fingerprint(fill)
	if st.seen[print] {
		m.logger.Debug("duplicate fill ignored", "order_id", matchedID)
		return
	}

	if fill.Symbol != st.order.Symbol || fill.Side != st.order.Side {
		m.logger.Error("fill does not match pending order, leaving for manual resolution",
			"order_id", matchedID, "fill_symbol", fill.Symbol, "order_symbol", st.order.Symbol)
		return
	}
	if fill.ExecQty > st.remaining {
		m.logger.Error("fill exceeds remaining quantity, leaving for manual resolution",
			"order_id", matchedID, "exec_qty", fill.ExecQty, "remaining", st.remaining)
		return
	}

	record, err := m.handler.ApplyFill(fill, st.order)
	if err != nil {
		m.logger.Error("fill application failed", "order_id", matchedID, "error", err)
		return
	}

	st.seen[print] = true
	st.remaining -= fill.ExecQty
	metrics.FillsProcessed.Inc()
	if st.remaining == 0 {
		delete(m.pending, matchedID)
		m.completed[matchedID] = m.now()
		metrics.PendingOrders.Set(float64(len(m.pending)))
		m.logger.Info("order completed",
			"order_id", matchedID, "symbol", fill.Symbol, "side", fill.Side,
			"qty", fill.ExecQty, "price", fill.ExecPrice)
	} else {
		m.logger.Info("partial fill",
			"order_id", matchedID, "exec_qty", fill.ExecQty, "remaining", st.remaining)
	}

	if record != nil && m.trades != nil {
		m.trades(*record)
	}
}

// matchLocked resolves the pending order for a fill: direct id first,
// then the temporary-id scan.
func (m *Manager) matchLocked(fill types.FillEvent) (*pendingState, string) {
	if st, ok := m.pending[fill.OrderID]; ok {
		return st, fill.OrderID
	}

	// Temporary match: earliest-created synthetic order with the same
	// symbol and side, no older than the match window.
	var (
		best   *pendingState
		bestID string
	)
	now := m.now()
	for id, st := range m.pending {
		if !st.order.Temporary {
			continue
		}
		if st.order.Symbol != fill.Symbol || st.order.Side != fill.Side {
			continue
		}
		if now.Sub(st.order.CreatedAt) > tempMatchAge {
			continue
		}
		if best == nil || st.order.CreatedAt.Before(best.order.CreatedAt) {
			best, bestID = st, id
		}
	}
	if best != nil {
		m.logger.Info("temporary order matched",
			"temp_id", bestID, "broker_id", fill.OrderID, "symbol", fill.Symbol)
	}
	return best, bestID
}

func fingerprint(fill types.FillEvent) string {
	return fmt.Sprintf("%s|%d|%d|%.0f", fill.OrderID, fill.ExecTs.Unix(), fill.ExecQty, fill.ExecPrice)
}

// Sweep evicts pending orders past their timeout and fires the timeout
// callback for each.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.Lock()
	var expired []types.PendingOrder
	for id, st := range m.pending {
		if st.order.Expired(now) {
			o := st.order
			o.Qty = st.remaining
			expired = append(expired, o)
			delete(m.pending, id)
		}
	}
	for id, doneAt := range m.completed {
		if now.Sub(doneAt) > time.Hour {
			delete(m.completed, id)
		}
	}
	metrics.PendingOrders.Set(float64(len(m.pending)))
	m.mu.Unlock()

	for _, order := range expired {
		m.logger.Warn("pending order expired",
			"order_id", order.OrderID, "symbol", order.Symbol, "age", now.Sub(order.CreatedAt))
		if m.onTimeout != nil {
			m.onTimeout(order)
		}
	}
}

// Run sweeps periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
