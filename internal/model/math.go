package model

import "github.com/shopspring/decimal"

var (
	hundred = decimal.NewFromInt(100)

	// LiqThresholdPct is the collateral-loss percentage at which a
	// position is liquidated.
	LiqThresholdPct = decimal.NewFromInt(90)
)

// LiquidationPrice returns the price at which the position has lost
// LiqThresholdPct of its collateral:
//
//	liq = entry ∓ entry × threshold / (100 × leverage)
//
// (− for longs, + for shorts). A zero leverage yields the entry price.
func LiquidationPrice(entry, leverage decimal.Decimal, side Side) decimal.Decimal {
	if leverage.IsZero() {
		return entry
	}
	dist := entry.Mul(LiqThresholdPct).Div(hundred.Mul(leverage))
	if side == Long {
		return entry.Sub(dist).Round(PriceScale)
	}
	return entry.Add(dist).Round(PriceScale)
}

// PnlPercent returns the signed profit percentage of a position at the
// given price, capped at maxGainPct on wins (losses are uncapped; the
// liquidation check bounds them elsewhere).
func PnlPercent(entry, price, leverage decimal.Decimal, side Side, maxGainPct decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(entry)
	if side == Short {
		move = move.Neg()
	}
	pct := move.Div(entry).Mul(leverage).Mul(hundred)
	if maxGainPct.IsPositive() && pct.GreaterThan(maxGainPct) {
		pct = maxGainPct
	}
	return pct.Round(PctScale)
}
