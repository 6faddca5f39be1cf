// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems:
//
//  1. Scheduler drives the trading-day phases and calls back into the
//     engine to prepare, activate, and clean up each time slot.
//  2. Discovery scans broker rankings per strategy; top candidates get
//     realtime subscription slots via the allocator, the rest are
//     REST-polled by the data pipeline.
//  3. Every accepted tick runs the signal engine; emitted signals go to
//     the executor, which sizes, prices, and submits orders.
//  4. Fill notices from the WebSocket flow through the execution
//     manager into the position manager, whose exit loop emits
//     auto-sell signals back into the same path.
//  5. The journal sink records signals, attempts, and market snapshots.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stockbot/internal/broker"
	"stockbot/internal/config"
	"stockbot/internal/discovery"
	"stockbot/internal/execution"
	"stockbot/internal/executor"
	"stockbot/internal/indicator"
	"stockbot/internal/journal"
	"stockbot/internal/pipeline"
	"stockbot/internal/position"
	"stockbot/internal/scheduler"
	"stockbot/internal/signal"
	"stockbot/internal/store"
	"stockbot/internal/subscription"
	"stockbot/pkg/types"
)

const (
	// kospiIndexCode keys the index tick subscription.
	kospiIndexCode = "0001"

	// Baseline slot priorities; discovery rank subtracts from these so
	// better candidates survive displacement longer.
	execSlotPriority     = 100
	indexSlotPriority    = 95
	criticalSlotPriority = 95 // CRITICAL tier: realtime trade + book
	highSlotPriority     = 85 // HIGH tier: realtime trade only

	rebalanceCheckInterval = 30 * time.Second
	analysisTTL            = 60 * time.Second
	snapshotInterval       = 60 * time.Second
	shutdownBudget         = 10 * time.Second
)

type workingEntry struct {
	strategy string
	tier     types.Tier
}

type analysisEntry struct {
	at time.Time
	a  *indicator.Analysis
}

// Status is the engine's observable state for operators.
type Status struct {
	Phase         string `json:"phase"`
	ActiveSlot    string `json:"active_slot"`
	Paused        bool   `json:"paused"`
	StreamState   string `json:"stream_state"`
	Subscriptions int    `json:"subscriptions"`
	OpenPositions int    `json:"open_positions"`
	PendingOrders int    `json:"pending_orders"`
	Tracked       int    `json:"tracked"`
}

// Engine owns the lifecycle of all subsystems.
type Engine struct {
	cfg    *config.Config
	client *broker.Client
	ws     *broker.WSConn
	alloc  *subscription.Allocator
	pipe   *pipeline.Pipeline
	scan   *discovery.Scanner
	sig    *signal.Engine
	exec   *executor.Executor
	fills  *execution.Manager
	pos    *position.Manager
	jrnl   *journal.Sink
	st     *store.Store
	sched  *scheduler.Scheduler

	paused atomic.Bool

	// working maps symbol -> assignment for the current slot.
	workingMu sync.Mutex
	working   map[string]workingEntry

	// scoreboard is the last prepared candidate list, best first, used
	// by the slot rebalancer.
	scoreboardMu sync.Mutex
	scoreboard   []types.Candidate

	analysisMu sync.Mutex
	analyses   map[string]analysisEntry
	snapshots  map[string]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	client := broker.NewClient(*cfg, logger)
	ws := broker.NewWSConn(cfg.Broker.WSURL, cfg.Broker.HtsID, cfg.Broker.Paper, client.ApprovalKey, logger)

	alloc := subscription.New(cfg.Pipeline.MaxSubscriptions, logger)
	pipe := pipeline.New(client, cfg.Pipeline, logger)
	scan := discovery.New(client, cfg.Discovery, logger)
	sigEngine := signal.New(cfg.Trading, logger)
	jrnl := journal.New(cfg.Journal, logger)
	pos := position.New(cfg.Exits, pipe, client, ws, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	pos.SetPersister(st)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:       cfg,
		client:    client,
		ws:        ws,
		alloc:     alloc,
		pipe:      pipe,
		scan:      scan,
		sig:       sigEngine,
		pos:       pos,
		jrnl:      jrnl,
		st:        st,
		working:   make(map[string]workingEntry),
		analyses:  make(map[string]analysisEntry),
		snapshots: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "engine"),
	}

	e.fills = execution.New(pos, e.onTrade, e.onOrderTimeout, logger)
	e.exec = executor.New(client, e.fills, pos, jrnl, cfg.Trading, logger)

	pos.SetEmit(e.handleAutoSell)
	pos.SetOnClose(e.onPositionClosed)
	pos.SetReconnect(ws.Bounce)

	sched, err := scheduler.New(cfg.Schedule, scheduler.Hooks{
		Prepare:  e.prepareSlot,
		Activate: e.activateSlot,
		Cleanup:  e.cleanupSlot,
	}, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	e.sched = sched
	return e, nil
}

// Start launches all background goroutines: the WebSocket feed, the
// pipeline pollers, dispatchers, the fill sweep, the exit loop, the
// scheduler, and the rebalancer.
func (e *Engine) Start() error {
	// Positions saved by a previous run come back first with their
	// original entry prices and hold timers, then account holdings fill
	// in anything this process has never seen.
	if saved, err := e.st.LoadAll(); err == nil {
		e.pos.Restore(saved)
	} else {
		e.logger.Warn("could not restore saved positions", "error", err)
	}
	seedCtx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	if bal, err := e.client.GetBalance(seedCtx); err == nil {
		e.pos.SeedExisting(bal.Holdings)
	} else {
		e.logger.Warn("could not seed existing holdings", "error", err)
	}

	// The execution notice channel and the index feed hold permanent
	// slots; they never take part in displacement or rebalancing.
	e.alloc.RequestAdmit(types.Slot{
		Symbol: e.cfg.Broker.HtsID, Channel: types.ChannelExecution, Priority: execSlotPriority,
	}, 0)
	e.alloc.RequestAdmit(types.Slot{
		Symbol: kospiIndexCode, Channel: types.ChannelIndex, Priority: indexSlotPriority,
	}, 0)
	e.applySubscriptions()

	e.jrnl.Start(e.ctx)

	e.spawn(func() {
		if err := e.ws.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("websocket feed stopped", "error", err)
		}
	})
	e.spawn(func() { e.pipe.Run(e.ctx) })
	e.spawn(func() { e.fills.Run(e.ctx) })
	e.spawn(func() { e.pos.Run(e.ctx) })
	e.spawn(func() { e.sched.Run(e.ctx) })
	e.spawn(e.consumeQuotes)
	e.spawn(e.consumeBooks)
	e.spawn(e.consumeExecutions)
	e.spawn(e.rebalanceLoop)

	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun, "paper", e.cfg.Broker.Paper,
		"max_subscriptions", e.cfg.Pipeline.MaxSubscriptions)
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop shuts down in dependency order: no new signals, cancel all
// loops, drain fill notices already received, flush the journal. The
// whole cascade is bounded.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.paused.Store(true)
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownBudget):
		e.logger.Error("shutdown budget exceeded, abandoning remaining goroutines")
	}

	e.ws.Close()
	e.jrnl.Close()
	e.logger.Info("shutdown complete", "open_positions", len(e.pos.Open()))
}

// Pause suspends signal evaluation and order submission. Fills for
// already-submitted orders still apply.
func (e *Engine) Pause() {
	e.paused.Store(true)
	e.logger.Info("trading paused")
}

// Resume re-enables signal evaluation.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.logger.Info("trading resumed")
}

// RefreshPrices forces an immediate re-mark of all open positions.
func (e *Engine) RefreshPrices(ctx context.Context) {
	e.pos.Mark(ctx)
}

// Status snapshots the engine state.
func (e *Engine) Status() Status {
	e.workingMu.Lock()
	tracked := len(e.working)
	e.workingMu.Unlock()

	var active string
	if slot := e.sched.ActiveSlot(); slot != nil {
		active = slot.Name
	}
	return Status{
		Phase:         e.sched.Phase().String(),
		ActiveSlot:    active,
		Paused:        e.paused.Load(),
		StreamState:   e.ws.State().String(),
		Subscriptions: e.alloc.ActiveCount(),
		OpenPositions: len(e.pos.Open()),
		PendingOrders: len(e.fills.Pending()),
		Tracked:       tracked,
	}
}

// --- slot lifecycle ------------------------------------------------

// prepareSlot runs discovery for the slot's strategies concurrently and
// stages the new working set. Runs under the scheduler's time budget;
// whatever finished by activation is what trades.
func (e *Engine) prepareSlot(ctx context.Context, slot types.TimeSlot) {
	type scanResult struct {
		strategy string
		weight   float64
		primary  bool
		cands    []types.Candidate
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []scanResult
	)
	scanOne := func(strategy string, weight float64, primary bool) {
		defer wg.Done()
		cands, err := e.scan.Scan(ctx, strategy)
		if err != nil {
			e.logger.Warn("discovery scan failed", "strategy", strategy, "error", err)
			return
		}
		mu.Lock()
		results = append(results, scanResult{strategy, weight, primary, cands})
		mu.Unlock()
	}
	for strategy, weight := range slot.Primary {
		wg.Add(1)
		go scanOne(strategy, weight, true)
	}
	for strategy, weight := range slot.Secondary {
		wg.Add(1)
		go scanOne(strategy, weight, false)
	}
	wg.Wait()

	// Merge into one weighted scoreboard, best first. Raw scores are
	// only comparable within a strategy; the slot weights are what make
	// the cross-strategy ordering meaningful.
	var board []weightedCandidate
	for _, r := range results {
		for _, c := range r.cands {
			board = append(board, weightedCandidate{cand: c, score: c.Score * r.weight, primary: r.primary})
		}
	}
	sort.Slice(board, func(i, j int) bool { return board[i].score > board[j].score })

	staged := e.stageBoard(board)
	e.logger.Info("slot prepared",
		"slot", slot.Name, "candidates", len(board), "working", staged)
}

// weightedCandidate is a scoreboard row: a discovery candidate with its
// slot-weighted score.
type weightedCandidate struct {
	cand    types.Candidate
	score   float64
	primary bool
}

// stageBoard publishes the scoreboard and installs the working set: the
// top of the board gets realtime slots (CRITICAL symbols with a paired
// book subscription), the rest are polled at progressively lower tiers.
func (e *Engine) stageBoard(board []weightedCandidate) int {
	scoreboard := make([]types.Candidate, 0, len(board))
	for _, w := range board {
		c := w.cand
		c.Score = w.score
		scoreboard = append(scoreboard, c)
	}
	e.scoreboardMu.Lock()
	e.scoreboard = scoreboard
	e.scoreboardMu.Unlock()

	next := make(map[string]workingEntry, len(board))
	for rank, w := range board {
		symbol := w.cand.Symbol
		if _, seen := next[symbol]; seen {
			continue
		}
		base := types.TierCritical
		if !w.primary {
			base = types.TierMedium
		}
		tier := pipeline.TierForRank(base, rank)
		next[symbol] = workingEntry{strategy: w.cand.Strategy, tier: tier}

		if tier.Realtime() {
			priority := highSlotPriority - rank
			if tier == types.TierCritical {
				priority = criticalSlotPriority - rank
			}
			if priority < 1 {
				priority = 1
			}
			e.alloc.RequestAdmit(types.Slot{
				Symbol:   symbol,
				Channel:  types.ChannelTrade,
				Priority: priority,
				Strategy: w.cand.Strategy,
			}, w.score)
			if tier == types.TierCritical {
				e.alloc.RequestAdmit(types.Slot{
					Symbol:   symbol,
					Channel:  types.ChannelBook,
					Priority: priority,
					Strategy: w.cand.Strategy,
				}, w.score)
			}
		}
	}

	e.installWorkingSet(next)
	e.applySubscriptions()
	return len(next)
}

// installWorkingSet swaps the pipeline over to the new assignment,
// keeping symbols with open positions or in-flight orders tracked.
func (e *Engine) installWorkingSet(next map[string]workingEntry) {
	e.workingMu.Lock()
	prev := e.working
	e.working = next
	e.workingMu.Unlock()

	for symbol := range prev {
		if _, keep := next[symbol]; keep {
			continue
		}
		if e.pos.Get(symbol) != nil || e.fills.InFlight(symbol) {
			// Held symbols stay tracked at a polled tier for marks.
			e.pipe.Add(symbol, types.TierMedium, types.StrategyExisting, nil)
			continue
		}
		e.alloc.RequestRemove(types.SlotKey{Channel: types.ChannelTrade, Symbol: symbol})
		e.alloc.RequestRemove(types.SlotKey{Channel: types.ChannelBook, Symbol: symbol})
		e.pipe.Remove(symbol)
	}
	for symbol, entry := range next {
		e.pipe.Add(symbol, entry.tier, entry.strategy, e.tickHandler(entry.strategy))
	}
}

func (e *Engine) activateSlot(slot types.TimeSlot) {
	e.logger.Info("slot active", "slot", slot.Name)
}

// cleanupSlot releases everything the ending slot held except symbols
// with open positions or pending orders.
func (e *Engine) cleanupSlot(slot types.TimeSlot) {
	e.installWorkingSet(make(map[string]workingEntry))
	e.applySubscriptions()
	e.logger.Info("slot cleaned up", "slot", slot.Name)
}

// --- subscriptions --------------------------------------------------

// applySubscriptions drives the allocator's pending sets against the
// WebSocket. Confirmation only happens after the subscribe/unsubscribe
// was written; failures leave the request pending for the next pass.
func (e *Engine) applySubscriptions() {
	for _, slot := range e.alloc.PendingAdditions() {
		key := slot.Key()
		if err := e.ws.Subscribe(key); err != nil {
			e.logger.Debug("subscribe deferred", "symbol", key.Symbol, "error", err)
			continue
		}
		e.alloc.ConfirmAddition(key)
	}
	for _, key := range e.alloc.PendingRemovals() {
		if err := e.ws.Unsubscribe(key); err != nil {
			e.logger.Debug("unsubscribe deferred", "symbol", key.Symbol, "error", err)
			continue
		}
		e.alloc.ConfirmRemoval(key)
	}
}

// rebalanceLoop periodically swaps bottom-scoring realtime slots for
// better-scoring polled candidates from the last scoreboard.
func (e *Engine) rebalanceLoop() {
	ticker := time.NewTicker(rebalanceCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			// Retry any subscriptions deferred while disconnected.
			e.applySubscriptions()

			if !e.alloc.ShouldRebalance() {
				continue
			}
			e.scoreboardMu.Lock()
			board := e.scoreboard
			e.scoreboardMu.Unlock()
			if len(board) == 0 {
				continue
			}
			for _, cand := range e.alloc.Rebalance(board) {
				e.pipe.Upgrade(cand.Symbol, types.TierHigh)
			}
			e.applySubscriptions()
		}
	}
}

// --- realtime dispatch ----------------------------------------------

func (e *Engine) consumeQuotes() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case quote := <-e.ws.Quotes():
			e.pipe.OnTick(quote)
			e.alloc.Touch(types.SlotKey{Channel: types.ChannelTrade, Symbol: quote.Symbol})
		}
	}
}

func (e *Engine) consumeBooks() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case book := <-e.ws.Books():
			e.pipe.OnBook(book)
		}
	}
}

// consumeExecutions applies execution notices; on shutdown it drains
// whatever was already received before returning so no accepted fill
// is dropped.
func (e *Engine) consumeExecutions() {
	for {
		select {
		case <-e.ctx.Done():
			for {
				select {
				case notice := <-e.ws.Executions():
					e.fills.HandleNotice(notice)
				default:
					return
				}
			}
		case notice := <-e.ws.Executions():
			e.fills.HandleNotice(notice)
		}
	}
}

// --- signal path ----------------------------------------------------

// tickHandler builds the per-strategy pipeline callback: evaluate the
// signal engine on every accepted quote and submit whatever it emits.
func (e *Engine) tickHandler(strategy string) pipeline.TickCallback {
	return func(quote types.Quote) {
		if e.paused.Load() || e.ctx.Err() != nil {
			return
		}
		e.snapshotMarket(quote)

		sig, veto := e.sig.Evaluate(signal.Input{
			Quote:    quote,
			Strategy: strategy,
			Analysis: e.analysisFor(quote.Symbol, quote.Last),
		})
		if sig == nil {
			return
		}
		// Every candidate that fired lands in the journal, vetoed or not.
		e.jrnl.LogSignal(journal.SignalEntry{
			Ts: sig.Ts, Symbol: sig.Symbol, Side: sig.Side, Strategy: sig.Strategy,
			Strength: sig.Strength, Price: sig.Price, Reason: sig.Reason,
			Accepted: veto == "", Veto: veto, Ctx: sig.Ctx,
		})
		if veto != "" {
			return
		}
		result := e.exec.Execute(e.ctx, *sig)
		if result.Outcome == executor.OutcomeRejected {
			e.logger.Debug("signal not executed", "symbol", sig.Symbol, "reason", result.Reason)
		}
	}
}

// handleAutoSell routes position-manager exits through the same dedup
// and execution path as entry signals.
func (e *Engine) handleAutoSell(sig types.Signal) {
	if e.ctx.Err() != nil {
		return
	}
	admitted := e.sig.Admit(&sig)
	veto := ""
	if !admitted {
		veto = signal.VetoDedup
	}
	e.jrnl.LogSignal(journal.SignalEntry{
		Ts: sig.Ts, Symbol: sig.Symbol, Side: sig.Side, Strategy: sig.Strategy,
		Strength: sig.Strength, Price: sig.Price, Reason: sig.Reason,
		Accepted: admitted, Veto: veto, Ctx: sig.Ctx,
	})
	if !admitted {
		return
	}
	result := e.exec.Execute(e.ctx, sig)
	if result.Outcome == executor.OutcomeRejected {
		e.logger.Warn("auto-sell rejected", "symbol", sig.Symbol, "reason", result.Reason)
	}
}

// onPositionClosed releases per-symbol state once a position fully
// closes: dedup windows so re-entry is possible, and the realtime slot
// unless the symbol is still in the working set.
func (e *Engine) onPositionClosed(symbol string) {
	e.sig.Reset(symbol)

	e.workingMu.Lock()
	_, working := e.working[symbol]
	e.workingMu.Unlock()
	if !working {
		e.alloc.RequestRemove(types.SlotKey{Channel: types.ChannelTrade, Symbol: symbol})
		e.alloc.RequestRemove(types.SlotKey{Channel: types.ChannelBook, Symbol: symbol})
		e.pipe.Remove(symbol)
		e.applySubscriptions()
	}
}

// onTrade journals a completed trade.
func (e *Engine) onTrade(record types.TradeRecord) {
	e.logger.Info("trade completed",
		"symbol", record.Symbol, "side", record.Side, "qty", record.Qty,
		"price", record.Price, "realized_pnl", record.RealizedPnL)
	e.jrnl.LogAttempt(journal.Attempt{
		Ts:       time.Now(),
		Symbol:   record.Symbol,
		Side:     record.Side,
		Strategy: record.Strategy,
		Qty:      record.Qty,
		Price:    record.Price,
		Success:  true,
		Reason:   "trade_completed",
		OrderID:  record.LinkedBuyID,
		Ctx:      map[string]float64{"realized_pnl": record.RealizedPnL},
	})
}

// onOrderTimeout journals an expired pending order. Position state
// never moved for it, so there is nothing else to roll back.
func (e *Engine) onOrderTimeout(order types.PendingOrder) {
	e.jrnl.LogAttempt(journal.Attempt{
		Ts:      time.Now(),
		Symbol:  order.Symbol,
		Side:    order.Side,
		Qty:     order.Qty,
		Price:   order.LimitPrice,
		Success: false,
		Bucket:  journal.FailTransport,
		Reason:  "order expired without fill",
		OrderID: order.OrderID,
	})
}

// analysisFor returns a recent indicator snapshot for the symbol,
// recomputing at most once per TTL. Best effort; nil when bars are
// unavailable.
func (e *Engine) analysisFor(symbol string, current float64) *indicator.Analysis {
	now := time.Now()

	e.analysisMu.Lock()
	if entry, ok := e.analyses[symbol]; ok && now.Sub(entry.at) < analysisTTL {
		e.analysisMu.Unlock()
		return entry.a
	}
	e.analysisMu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()
	bars, err := e.pipe.Bars(ctx, symbol)
	var analysis *indicator.Analysis
	if err == nil {
		analysis, err = indicator.Analyze(bars, current)
		if err != nil {
			analysis = nil
		}
	}

	e.analysisMu.Lock()
	e.analyses[symbol] = analysisEntry{at: now, a: analysis}
	e.analysisMu.Unlock()
	return analysis
}

// snapshotMarket journals ambient market state, throttled per symbol.
func (e *Engine) snapshotMarket(quote types.Quote) {
	now := time.Now()
	e.analysisMu.Lock()
	last, ok := e.snapshots[quote.Symbol]
	if ok && now.Sub(last) < snapshotInterval {
		e.analysisMu.Unlock()
		return
	}
	e.snapshots[quote.Symbol] = now
	e.analysisMu.Unlock()

	e.jrnl.LogMarket(journal.MarketSnapshot{
		Ts:     quote.Ts,
		Symbol: quote.Symbol,
		Last:   quote.Last,
		Volume: quote.Volume,
		Ctx:    map[string]float64{"change_rate": quote.ChangeRate()},
	})
}

// StandbyPool exposes the after-hours standby pool for operators.
func (e *Engine) StandbyPool(ctx context.Context) []types.Candidate {
	return e.scan.StandbyPool(ctx)
}
