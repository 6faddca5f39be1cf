// pricing.go maps desired aggressiveness onto the exchange tick ladder.
//
// Buy limits sit slightly above the market (premium) and round UP to a
// valid tick so the order is immediately marketable; sell limits sit
// slightly below (discount) and round DOWN for the same reason.
package executor

import (
	"math"

	"stockbot/pkg/types"
)

// TickSize returns the exchange tick for a price band.
func TickSize(price float64) float64 {
	switch {
	case price < 1_000:
		return 1
	case price < 5_000:
		return 5
	case price < 10_000:
		return 10
	case price < 50_000:
		return 50
	case price < 100_000:
		return 100
	case price < 500_000:
		return 500
	default:
		return 1_000
	}
}

// RoundUpToTick rounds price up to the next valid tick.
func RoundUpToTick(price float64) float64 {
	tick := TickSize(price)
	return math.Ceil(price/tick) * tick
}

// RoundDownToTick rounds price down to the previous valid tick.
func RoundDownToTick(price float64) float64 {
	tick := TickSize(price)
	return math.Floor(price/tick) * tick
}

// Per-strategy buy premiums and sell discounts, as fractions.
var buyPremium = map[string]float64{
	types.StrategyGap:       0.001,
	types.StrategyVolume:    0.0015,
	types.StrategyMomentum:  0.002,
	types.StrategyDisparity: 0.001,
}

var sellDiscount = map[string]float64{
	types.StrategyGap:      0.004,
	types.StrategyVolume:   0.005,
	types.StrategyMomentum: 0.006,
}

const (
	defaultPremium  = 0.001
	defaultDiscount = 0.005
	autoDiscount    = 0.008 // auto-sell wants a fast fill

	minAdjust = 0.001
	maxAdjust = 0.01
)

// volatilityAdjust nudges the premium for names whose price band tends
// to move in larger relative steps.
func volatilityAdjust(price float64) float64 {
	switch {
	case price < 5_000:
		return 0.002
	case price >= 100_000:
		return -0.001
	default:
		return 0
	}
}

func clampAdjust(v float64) float64 {
	return math.Max(minAdjust, math.Min(v, maxAdjust))
}

// BuyLimit computes the tick-valid buy limit price for a strategy.
func BuyLimit(current float64, strategy string) float64 {
	premium, ok := buyPremium[strategy]
	if !ok {
		premium = defaultPremium
	}
	premium = clampAdjust(premium + volatilityAdjust(current))
	return RoundUpToTick(current * (1 + premium))
}

// SellLimit computes the tick-valid sell limit price. autoSell applies
// the larger fast-fill discount.
func SellLimit(current float64, strategy string, autoSell bool) float64 {
	discount := autoDiscount
	if !autoSell {
		var ok bool
		discount, ok = sellDiscount[strategy]
		if !ok {
			discount = defaultDiscount
		}
	}
	discount = clampAdjust(discount)
	return RoundDownToTick(current * (1 - discount))
}
