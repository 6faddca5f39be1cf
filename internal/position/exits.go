// exits.go holds the exit-rule computation for open positions.
//
// Stop, take, and trailing parameters are derived from measured market
// volatility (sigma, in percent per day) with per-strategy factors and
// hard clamps; when sigma is unavailable the configured fallbacks
// apply. Evaluation walks a fixed cascade where the first matching rule
// wins, with multi-window disparity overrides checked first.
package position

import (
	"fmt"
	"math"
	"time"

	"stockbot/internal/config"
	"stockbot/internal/signal"
	"stockbot/pkg/types"
)

// ExitParams are the thresholds one evaluation runs against, all in
// percent.
type ExitParams struct {
	StopLoss        float64 // negative
	TakeProfit      float64 // positive
	TrailingTrigger float64 // positive
	TrailingGap     float64 // positive
}

// exitFactors scale the sigma-derived stop (risk) and take (profit)
// levels per strategy.
type exitFactors struct {
	risk   float64
	profit float64
}

var strategyExitFactors = map[string]exitFactors{
	types.StrategyGap:       {risk: 1.0, profit: 1.0},
	types.StrategyVolume:    {risk: 1.0, profit: 1.0},
	types.StrategyMomentum:  {risk: 0.9, profit: 1.2},
	types.StrategyDisparity: {risk: 1.0, profit: 1.1},
	types.StrategyExisting:  {risk: 1.1, profit: 0.9},
}

func clampPct(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

// DeriveExitParams computes thresholds from sigma. sigma <= 0 falls
// back to the configured static levels.
func DeriveExitParams(sigma float64, strategy string, cfg config.ExitConfig) ExitParams {
	if sigma <= 0 {
		return ExitParams{
			StopLoss:        cfg.StopLossPct,
			TakeProfit:      cfg.TakeProfitPct,
			TrailingTrigger: cfg.TrailingTrigger,
			TrailingGap:     cfg.TrailingTrigger * 0.5,
		}
	}

	f, ok := strategyExitFactors[strategy]
	if !ok {
		f = exitFactors{risk: 1.0, profit: 1.0}
	}

	trigger := clampPct(sigma*1.2, 1.5, 8)
	return ExitParams{
		StopLoss:        clampPct(-sigma*0.8*f.risk, -8, -1),
		TakeProfit:      clampPct(sigma*1.8*f.profit, 2, 15),
		TrailingTrigger: trigger,
		TrailingGap:     trigger * 0.5,
	}
}

// ExitInput is everything one cascade evaluation needs.
type ExitInput struct {
	ProfitPct    float64
	MaxProfitPct float64
	Hold         time.Duration
	Params       ExitParams

	// Disparity windows; zero means unavailable.
	D5, D20, D60 float64

	// Technical sell confirmations for intelligent trailing.
	SellSignals int

	EarlyStopPct float64
	EarlyAfter   time.Duration
	MinHold      time.Duration
}

// ExitDecision is the cascade outcome.
type ExitDecision struct {
	Exit   bool
	Rule   string
	Reason string
}

func exit(rule, format string, args ...any) ExitDecision {
	return ExitDecision{Exit: true, Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// EvaluateExit runs the cascade; the first matching rule wins.
func EvaluateExit(in ExitInput) ExitDecision {
	p := in.Params

	// Disparity overrides come first.
	if in.D5 >= signal.ForceSellD5 && in.D20 >= signal.ForceSellD20 && in.ProfitPct >= 0.5 {
		return exit("disparity_force", "d5 %.0f d20 %.0f overbought with %.2f%% profit", in.D5, in.D20, in.ProfitPct)
	}
	if in.D60 >= signal.DivergenceD60 && in.D20 >= signal.DivergenceD20 &&
		in.D5 > 0 && in.D5 <= signal.DivergenceD5Max && in.ProfitPct >= 2 {
		return exit("divergence", "long windows extended while d5 %.0f rolls over", in.D5)
	}

	// Deep oversold: loosen the stop and raise the take target so a
	// washed-out name is not sold at the low.
	if in.D20 > 0 && in.D20 <= signal.RelaxD20 && in.D60 > 0 && in.D60 <= signal.RelaxD60 {
		p.StopLoss -= 2
		p.TakeProfit *= 1.4
	}

	// a. Emergency stop.
	if in.ProfitPct <= p.StopLoss-2.5 {
		return exit("panic_stop", "profit %.2f%% through emergency floor %.2f%%", in.ProfitPct, p.StopLoss-2.5)
	}

	// b. Early stop, time gated.
	if in.Hold >= in.EarlyAfter && in.ProfitPct <= in.EarlyStopPct {
		return exit("early_stop", "profit %.2f%% after %s", in.ProfitPct, in.Hold.Round(time.Minute))
	}

	// c. Dynamic stop raised by realized peak profit.
	if in.MaxProfitPct > 2 && in.Hold >= in.EarlyAfter {
		dynamic := math.Max(p.StopLoss, in.EarlyStopPct+0.3*in.MaxProfitPct)
		if in.ProfitPct <= dynamic {
			return exit("dynamic_stop", "profit %.2f%% under raised stop %.2f%% (peak %.2f%%)",
				in.ProfitPct, dynamic, in.MaxProfitPct)
		}
	}

	// d. Intelligent trailing once the trigger was reached.
	if in.MaxProfitPct >= p.TrailingTrigger {
		pullback := in.MaxProfitPct - in.ProfitPct
		if in.SellSignals >= 2 && pullback >= p.TrailingGap {
			return exit("intelligent_trailing", "%d sell confirmations with %.2f%% pullback", in.SellSignals, pullback)
		}
		if in.SellSignals == 1 && pullback >= 2 {
			return exit("intelligent_trailing", "sell confirmation with %.2f%% pullback", pullback)
		}
	}

	// e. Normal exits after the minimum hold.
	if in.Hold >= in.MinHold {
		if in.ProfitPct <= p.StopLoss {
			return exit("stop_loss", "profit %.2f%% at stop %.2f%%", in.ProfitPct, p.StopLoss)
		}
		if in.ProfitPct >= p.TakeProfit {
			return exit("take_profit", "profit %.2f%% at target %.2f%%", in.ProfitPct, p.TakeProfit)
		}
		if in.MaxProfitPct >= p.TrailingTrigger && in.ProfitPct <= in.MaxProfitPct-p.TrailingGap {
			return exit("trailing", "profit %.2f%% off peak %.2f%%", in.ProfitPct, in.MaxProfitPct)
		}
	}

	// f. Fast take before the minimum hold on an outsized move.
	if in.Hold < in.MinHold && in.ProfitPct >= p.TakeProfit+1.5 {
		return exit("fast_take", "profit %.2f%% before minimum hold", in.ProfitPct)
	}

	return ExitDecision{}
}
