// Package executor validates signals, sizes and prices orders, submits
// them, and journals every attempt.
//
// The executor never mutates positions: a submission only registers a
// Pending Order with the execution manager, and position state moves
// exclusively on fill events. When the broker acknowledges without an
// order id, a synthetic temporary id is registered instead and the
// execution manager later matches the fill by symbol, side, and age.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"stockbot/internal/broker"
	"stockbot/internal/config"
	"stockbot/internal/journal"
	"stockbot/internal/metrics"
	"stockbot/pkg/types"
)

// Outcome classifies a trade attempt.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeSubmitted
)

// Result is the non-blocking answer to an Execute call. Submitted
// orders complete asynchronously via the execution manager.
type Result struct {
	Outcome Outcome
	Reason  string
	Order   *types.PendingOrder
}

// Broker is the order/account surface the executor needs.
type Broker interface {
	PlaceOrder(ctx context.Context, symbol string, side types.Side, qty int64, price float64) (*broker.OrderAck, error)
	GetBalance(ctx context.Context) (*broker.Balance, error)
}

// Registry tracks pending orders (owned by the execution manager).
type Registry interface {
	Register(order types.PendingOrder)
	InFlight(symbol string) bool
}

// Positions is the read surface over open positions.
type Positions interface {
	Get(symbol string) *types.Position
}

// AttemptLogger receives the journal record for every attempt.
type AttemptLogger interface {
	LogAttempt(journal.Attempt)
}

// Executor sizes and submits orders.
type Executor struct {
	broker    Broker
	registry  Registry
	positions Positions
	journal   AttemptLogger
	cfg       config.TradingConfig

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates the executor.
func New(b Broker, reg Registry, pos Positions, jrnl AttemptLogger, cfg config.TradingConfig, logger *slog.Logger) *Executor {
	return &Executor{
		broker:    b,
		registry:  reg,
		positions: pos,
		journal:   jrnl,
		cfg:       cfg,
		logger:    logger.With("component", "executor"),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// Execute routes a signal to the buy or sell path.
func (e *Executor) Execute(ctx context.Context, sig types.Signal) Result {
	switch sig.Side {
	case types.BUY:
		return e.executeBuy(ctx, sig)
	case types.SELL:
		return e.executeSell(ctx, sig)
	}
	return e.reject(sig, journal.FailValidation, "unknown side")
}

func (e *Executor) executeBuy(ctx context.Context, sig types.Signal) Result {
	if reason := e.validateBuy(sig); reason != "" {
		return e.reject(sig, journal.FailValidation, reason)
	}

	bal, err := e.broker.GetBalance(ctx)
	if err != nil {
		return e.reject(sig, bucketFor(err), fmt.Sprintf("balance: %v", err))
	}

	limit := BuyLimit(sig.Price, sig.Strategy)
	qty, invest, reason := e.size(bal.Cash, sig, limit)
	if reason != "" {
		return e.reject(sig, journal.FailFunds, reason)
	}

	ack, err := e.broker.PlaceOrder(ctx, sig.Symbol, types.BUY, qty, limit)
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(string(types.BUY), "error").Inc()
		return e.reject(sig, bucketFor(err), fmt.Sprintf("place: %v", err))
	}

	order := e.register(sig, types.BUY, qty, limit, ack)
	metrics.OrdersPlaced.WithLabelValues(string(types.BUY), "submitted").Inc()
	e.logger.Info("buy submitted",
		"symbol", sig.Symbol, "strategy", sig.Strategy,
		"qty", qty, "limit", limit, "invest", invest, "order_id", order.OrderID)
	e.logAttempt(sig, qty, limit, true, "", "", order.OrderID)
	return Result{Outcome: OutcomeSubmitted, Order: order}
}

// validateBuy returns a non-empty reason when the pre-submit checks fail.
func (e *Executor) validateBuy(sig types.Signal) string {
	if sig.Symbol == "" || sig.Strategy == "" {
		return "missing required fields"
	}
	if sig.Price <= 0 {
		return "no usable price"
	}
	if sig.Strength < e.cfg.MinStrength {
		return fmt.Sprintf("strength %.2f below floor %.2f", sig.Strength, e.cfg.MinStrength)
	}
	if pos := e.positions.Get(sig.Symbol); pos != nil && pos.Status == types.PositionOpen {
		return "duplicate open position"
	}
	if e.registry.InFlight(sig.Symbol) {
		return "order already in flight"
	}
	return ""
}

// size computes order quantity per the sizing policy:
// safe cash · base ratio · strategy multiplier · clamped strength,
// bounded by the max cash ratio and the absolute invest cap, floored at
// the minimum invest.
func (e *Executor) size(cash float64, sig types.Signal, limit float64) (qty int64, invest float64, reason string) {
	safeCash := cash * (1 - e.cfg.SafetyDiscount)
	if safeCash < e.cfg.MinInvest {
		return 0, 0, fmt.Sprintf("safe cash %.0f below minimum invest %.0f", safeCash, e.cfg.MinInvest)
	}

	mul, ok := e.cfg.StrategyMultipliers[sig.Strategy]
	if !ok {
		mul = 1.0
	}
	strength := math.Max(0.3, math.Min(sig.Strength, 1.2))

	invest = safeCash * e.cfg.BaseRatio * mul * strength
	invest = math.Min(invest, cash*e.cfg.MaxRatio)
	invest = math.Min(invest, e.cfg.MaxInvest)
	if invest < e.cfg.MinInvest {
		return 0, 0, fmt.Sprintf("sized invest %.0f below minimum %.0f", invest, e.cfg.MinInvest)
	}

	qty = int64(invest / limit)
	if qty < 1 {
		return 0, 0, "quantity rounds to zero"
	}
	if float64(qty)*limit > safeCash {
		return 0, 0, "order notional exceeds safe cash"
	}
	return qty, invest, ""
}

func (e *Executor) executeSell(ctx context.Context, sig types.Signal) Result {
	pos := e.positions.Get(sig.Symbol)
	if pos == nil || pos.Status != types.PositionOpen || pos.Qty <= 0 {
		return e.reject(sig, journal.FailValidation, "no open position to sell")
	}
	if e.registry.InFlight(sig.Symbol) {
		return e.reject(sig, journal.FailValidation, "order already in flight")
	}
	if sig.Price <= 0 {
		return e.reject(sig, journal.FailValidation, "no usable price")
	}

	autoSell := sig.Strategy == types.StrategyExisting || sig.Ctx["auto_sell"] > 0
	limit := SellLimit(sig.Price, sig.Strategy, autoSell)

	ack, err := e.broker.PlaceOrder(ctx, sig.Symbol, types.SELL, pos.Qty, limit)
	if err != nil {
		metrics.OrdersPlaced.WithLabelValues(string(types.SELL), "error").Inc()
		return e.reject(sig, bucketFor(err), fmt.Sprintf("place: %v", err))
	}

	order := e.register(sig, types.SELL, pos.Qty, limit, ack)
	metrics.OrdersPlaced.WithLabelValues(string(types.SELL), "submitted").Inc()
	e.logger.Info("sell submitted",
		"symbol", sig.Symbol, "reason", sig.Reason,
		"qty", pos.Qty, "limit", limit, "order_id", order.OrderID)
	e.logAttempt(sig, pos.Qty, limit, true, "", "", order.OrderID)
	return Result{Outcome: OutcomeSubmitted, Order: order}
}

// register files the pending order, synthesizing a temporary id when
// the broker's ack carries none.
func (e *Executor) register(sig types.Signal, side types.Side, qty int64, limit float64, ack *broker.OrderAck) *types.PendingOrder {
	order := types.PendingOrder{
		OrderID:    ack.OrderID,
		Symbol:     sig.Symbol,
		Side:       side,
		Qty:        qty,
		LimitPrice: limit,
		Strategy:   sig.Strategy,
		CreatedAt:  e.now(),
		Timeout:    e.cfg.OrderTimeout,
		PatternCtx: sig.Ctx,
	}
	if order.OrderID == "" {
		order.OrderID = e.newID()
		order.Temporary = true
	}
	e.registry.Register(order)
	return &order
}

func (e *Executor) reject(sig types.Signal, bucket, reason string) Result {
	e.logger.Warn("trade rejected",
		"symbol", sig.Symbol, "side", sig.Side, "bucket", bucket, "reason", reason)
	e.logAttempt(sig, 0, 0, false, bucket, reason, "")
	return Result{Outcome: OutcomeRejected, Reason: reason}
}

func (e *Executor) logAttempt(sig types.Signal, qty int64, price float64, success bool, bucket, reason, orderID string) {
	if e.journal == nil {
		return
	}
	e.journal.LogAttempt(journal.Attempt{
		Ts:       e.now(),
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Strategy: sig.Strategy,
		Qty:      qty,
		Price:    price,
		Strength: sig.Strength,
		Success:  success,
		Bucket:   bucket,
		Reason:   reason,
		OrderID:  orderID,
		Ctx:      sig.Ctx,
	})
}

// bucketFor maps broker errors onto journal failure buckets.
func bucketFor(err error) string {
	var rejectErr *broker.RejectError
	switch {
	case errors.Is(err, broker.ErrRateLimited):
		return journal.FailRateLimit
	case errors.As(err, &rejectErr):
		return journal.FailReject
	default:
		return journal.FailTransport
	}
}
