// Package indicator computes technical analysis over daily bars: RSI,
// MACD, moving averages, Bollinger bands, and the multi-window
// disparity ratios (price vs SMA, in percent) that gate signal
// generation and exit decisions.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"stockbot/pkg/types"
)

const (
	rsiPeriod   = 14
	macdFast    = 12
	macdSlow    = 26
	macdSignal  = 9
	bbandPeriod = 20
	bbandWidth  = 2.0

	// minBars is what RSI/MACD/bands need; the 60-day disparity window
	// degrades gracefully when history is shorter.
	minBars = 30
)

// Analysis is one symbol's indicator snapshot.
type Analysis struct {
	RSI        float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
	SMA5       float64
	SMA20      float64
	SMA60      float64
	BBUpper    float64
	BBMiddle   float64
	BBLower    float64

	// Disparity ratios: current price as a percentage of the window SMA.
	// 100 = at the average; ≥125 overbought; ≤90 oversold. D60 is zero
	// when history is too short.
	D5  float64
	D20 float64
	D60 float64

	Current float64
	Verdict types.TechVerdict
	Score   float64 // composite 0..100
}

// Chronological returns bars oldest-first. The broker returns history
// newest-first; indicator math needs the opposite.
func Chronological(bars []types.Bar) []types.Bar {
	if len(bars) < 2 || bars[0].Date <= bars[len(bars)-1].Date {
		return bars
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func last(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && series[i] != 0 {
			return series[i]
		}
	}
	return 0
}

// Analyze computes the snapshot from daily bars and the live price.
// current == 0 falls back to the last close.
func Analyze(bars []types.Bar, current float64) (*Analysis, error) {
	bars = Chronological(bars)
	if len(bars) < minBars {
		return nil, fmt.Errorf("analyze: need >= %d bars, have %d", minBars, len(bars))
	}

	closePx := closes(bars)
	if current == 0 {
		current = closePx[len(closePx)-1]
	}

	a := &Analysis{Current: current}
	a.RSI = last(talib.Rsi(closePx, rsiPeriod))

	macd, signal, hist := talib.Macd(closePx, macdFast, macdSlow, macdSignal)
	a.MACD, a.MACDSignal, a.MACDHist = last(macd), last(signal), last(hist)

	a.SMA5 = last(talib.Sma(closePx, 5))
	a.SMA20 = last(talib.Sma(closePx, 20))
	if len(closePx) >= 60 {
		a.SMA60 = last(talib.Sma(closePx, 60))
	}

	upper, middle, lower := talib.BBands(closePx, bbandPeriod, bbandWidth, bbandWidth, talib.SMA)
	a.BBUpper, a.BBMiddle, a.BBLower = last(upper), last(middle), last(lower)

	if a.SMA5 > 0 {
		a.D5 = current / a.SMA5 * 100
	}
	if a.SMA20 > 0 {
		a.D20 = current / a.SMA20 * 100
	}
	if a.SMA60 > 0 {
		a.D60 = current / a.SMA60 * 100
	}

	a.Score = a.composite()
	switch {
	case a.Score >= 65:
		a.Verdict = types.TechBuy
	case a.Score <= 35:
		a.Verdict = types.TechSell
	default:
		a.Verdict = types.TechHold
	}
	return a, nil
}

// composite folds the individual indicators into a 0..100 score around a
// neutral 50.
func (a *Analysis) composite() float64 {
	score := 50.0

	switch {
	case a.RSI > 0 && a.RSI < 30:
		score += 15
	case a.RSI > 70:
		score -= 15
	case a.RSI >= 45 && a.RSI <= 60:
		score += 5
	}

	if a.MACDHist > 0 {
		score += 10
	} else if a.MACDHist < 0 {
		score -= 10
	}

	if a.SMA20 > 0 && a.Current > a.SMA20 {
		score += 10
	}
	if a.SMA5 > 0 && a.SMA20 > 0 && a.SMA5 > a.SMA20 {
		score += 5
	}

	if a.BBLower > 0 && a.Current <= a.BBLower {
		score += 10
	} else if a.BBUpper > 0 && a.Current >= a.BBUpper {
		score -= 10
	}

	// Disparity extremes dominate the oscillators.
	if a.D20 > 0 && a.D20 <= 90 {
		score += 10
	}
	if a.D5 >= 135 || a.D20 >= 125 {
		score -= 20
	}

	return math.Max(0, math.Min(100, score))
}

// StrengthBonus is the additive adjustment a strategy's raw strength
// gets from the technical verdict.
func (a *Analysis) StrengthBonus() float64 {
	switch a.Verdict {
	case types.TechBuy:
		return 0.2
	case types.TechSell:
		return -0.2
	}
	return 0
}

// SellSignals counts independent technical confirmations that the move
// is over: overbought RSI, bearish MACD cross, upper band touch, and a
// close back down at the 20-day support.
func (a *Analysis) SellSignals() int {
	n := 0
	if a.RSI >= 70 {
		n++
	}
	if a.MACDHist < 0 && a.MACD < a.MACDSignal {
		n++
	}
	if a.BBUpper > 0 && a.Current >= a.BBUpper*0.995 {
		n++
	}
	if a.SMA20 > 0 && a.Current <= a.SMA20*1.01 && a.D5 < 100 {
		n++
	}
	return n
}

// Sigma measures recent volatility: the standard deviation of daily
// percent changes over the trailing window. Returns 0 when history is
// too short; callers fall back to configured exit parameters.
func Sigma(bars []types.Bar, window int) float64 {
	bars = Chronological(bars)
	if len(bars) < window+1 {
		return 0
	}

	returns := make([]float64, 0, window)
	start := len(bars) - window - 1
	for i := start + 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev <= 0 {
			return 0
		}
		returns = append(returns, (bars[i].Close-prev)/prev*100)
	}

	dev := talib.StdDev(returns, len(returns), 1)
	return last(dev)
}
