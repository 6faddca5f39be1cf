// Package signal turns ticks and indicator snapshots into typed trading
// signals.
//
// Each strategy is a predicate over the day's change rate plus the
// technical verdict; strengths are comparable only within one strategy.
// Every buy passes the disparity gate, and a per-(symbol, side) dedup
// window stops repeated emissions: same side inside 60 s is always
// blocked, inside 300 s is cooled down, opposite side passes.
package signal

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"stockbot/internal/config"
	"stockbot/internal/indicator"
	"stockbot/internal/metrics"
	"stockbot/pkg/types"
)

// Strategy evaluation thresholds: minimum day change (percent) per
// strategy and the strength divisors.
const (
	gapMinChange      = 1.8
	volumeMinChange   = 1.2
	momentumMinChange = 0.6
	technicalMinChg   = 0.5
	technicalMinScore = 70.0

	oversoldBonus = 0.1
)

// Veto reasons for candidate signals rejected after the strategy fired.
const (
	VetoOverbought = "disparity_overbought"
	VetoTechSell   = "tech_sell"
	VetoDedup      = "dedup_window"
)

// Input is one evaluation: a fresh quote plus the strategy that put the
// symbol in the working set and an optional indicator snapshot.
type Input struct {
	Quote    types.Quote
	Strategy string
	Analysis *indicator.Analysis
}

type dedupKey struct {
	symbol string
	side   types.Side
}

// Engine evaluates inputs and enforces signal deduplication.
type Engine struct {
	cooldown  time.Duration
	hardBlock time.Duration

	mu       sync.Mutex
	lastEmit map[dedupKey]time.Time

	logger *slog.Logger
	now    func() time.Time
}

// New creates the signal engine.
func New(cfg config.TradingConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cooldown:  cfg.SignalCooldown,
		hardBlock: cfg.SignalHardBlock,
		lastEmit:  make(map[dedupKey]time.Time),
		logger:    logger.With("component", "signal"),
		now:       time.Now,
	}
}

// Evaluate runs the strategy predicate over one tick. A nil signal
// means the strategy did not fire. A non-empty veto means a candidate
// fired but was rejected by the disparity gate, the technical verdict,
// or the dedup window; callers journal those instead of executing them.
func (e *Engine) Evaluate(in Input) (*types.Signal, string) {
	change := in.Quote.ChangeRate()

	var (
		d5, d20, d60 float64
		verdict      = types.TechHold
		score        float64
		bonus        float64
	)
	if in.Analysis != nil {
		d5, d20, d60 = in.Analysis.D5, in.Analysis.D20, in.Analysis.D60
		verdict = in.Analysis.Verdict
		score = in.Analysis.Score
		bonus = in.Analysis.StrengthBonus()
	}

	var strength float64
	switch in.Strategy {
	case types.StrategyGap:
		if change <= gapMinChange {
			return nil, ""
		}
		strength = math.Min(change/8, 1) + bonus

	case types.StrategyVolume:
		if change <= volumeMinChange || in.Quote.Volume <= 0 {
			return nil, ""
		}
		strength = math.Min(change/6, 1) + bonus

	case types.StrategyMomentum, types.StrategyExisting:
		if change <= momentumMinChange {
			return nil, ""
		}
		strength = math.Min(change/4, 1) + bonus

	case types.StrategyTechnical:
		if verdict != types.TechBuy || score <= technicalMinScore || change <= technicalMinChg {
			return nil, ""
		}
		strength = score / 100

	case types.StrategyDisparity:
		if !ReversalEligible(d20, d60) {
			return nil, ""
		}
		// Deeper oversold, stronger conviction.
		strength = math.Min(0.5+(ReversalMaxD20-d20)/20, 1)

	default:
		return nil, ""
	}

	if Oversold(d20) {
		strength += oversoldBonus
	}
	strength = math.Max(0, math.Min(strength, 1))
	if strength == 0 {
		return nil, ""
	}

	sig := &types.Signal{
		Symbol:   in.Quote.Symbol,
		Side:     types.BUY,
		Strategy: in.Strategy,
		Strength: strength,
		Price:    in.Quote.Last,
		Reason:   fmt.Sprintf("%s change %.2f%%", in.Strategy, change),
		Ts:       e.now(),
		Ctx: map[string]float64{
			"change_rate": change,
			"d5":          d5,
			"d20":         d20,
			"d60":         d60,
			"tech_score":  score,
		},
	}

	if Overbought(d5, d20) {
		e.logger.Debug("buy vetoed by disparity",
			"symbol", in.Quote.Symbol, "d5", d5, "d20", d20)
		return sig, VetoOverbought
	}
	if verdict == types.TechSell {
		return sig, VetoTechSell
	}
	if !e.Admit(sig) {
		return sig, VetoDedup
	}
	return sig, ""
}

// Admit applies the dedup window to a signal (including auto-sell
// signals generated by the position manager) and records the emission
// when allowed.
func (e *Engine) Admit(sig *types.Signal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := dedupKey{symbol: sig.Symbol, side: sig.Side}
	now := e.now()
	if last, ok := e.lastEmit[key]; ok {
		elapsed := now.Sub(last)
		if elapsed < e.hardBlock || elapsed < e.cooldown {
			e.logger.Debug("signal suppressed by dedup",
				"symbol", sig.Symbol, "side", sig.Side, "elapsed", elapsed)
			return false
		}
	}
	e.lastEmit[key] = now
	metrics.SignalsEmitted.WithLabelValues(sig.Strategy).Inc()
	return true
}

// Reset clears the dedup state for a symbol, used when a position fully
// closes so re-entry is not blocked by the prior cycle.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastEmit, dedupKey{symbol: symbol, side: types.BUY})
	delete(e.lastEmit, dedupKey{symbol: symbol, side: types.SELL})
}
