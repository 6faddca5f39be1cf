// disparity.go centralizes the disparity thresholds used across signal
// gating and exit handling. Disparity is the current price expressed as
// a percentage of a moving average: 100 means at the average, higher is
// extended, lower is depressed.
package signal

// Buy-side gates.
const (
	// OverboughtD5 / OverboughtD20: any buy is vetoed at or above these.
	OverboughtD5  = 135.0
	OverboughtD20 = 125.0

	// OversoldD20: buys below this get a strength bonus.
	OversoldD20 = 90.0

	// Reversal strategy entry: both must hold (oversold across windows).
	ReversalMaxD20 = 90.0
	ReversalMaxD60 = 95.0
)

// Exit-side adjustments, consumed by the position manager.
const (
	// Short-window blowoff: force-sell any profitable position.
	ForceSellD5  = 125.0
	ForceSellD20 = 120.0

	// Deep oversold: relax stops and raise the take target to avoid
	// getting shaken out at the bottom.
	RelaxD20 = 85.0
	RelaxD60 = 90.0

	// Divergence: long windows extended while the short window rolls
	// over; sell into remaining profit.
	DivergenceD60   = 110.0
	DivergenceD20   = 105.0
	DivergenceD5Max = 100.0
)

// Overbought reports whether the buy veto applies. Zero values mean the
// window was unavailable and do not veto.
func Overbought(d5, d20 float64) bool {
	return d5 >= OverboughtD5 || d20 >= OverboughtD20
}

// Oversold reports whether the buy-favoring bonus applies.
func Oversold(d20 float64) bool {
	return d20 > 0 && d20 <= OversoldD20
}

// ReversalEligible reports whether a disparity-reversal entry is
// allowed. Requires both windows to be present and depressed.
func ReversalEligible(d20, d60 float64) bool {
	return d20 > 0 && d60 > 0 && d20 <= ReversalMaxD20 && d60 <= ReversalMaxD60
}
