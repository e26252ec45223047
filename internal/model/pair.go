// Pair symbol validation and per-pair trading parameters.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// pairRegex matches {BASE}-{QUOTE}, e.g. BTC-USD or ETH-USDC.
var pairRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}-[A-Z0-9]{2,10}$`)

var (
	ErrInvalidPair = errors.New("model: invalid pair symbol")
	ErrUnknownPair = errors.New("model: unknown pair")
)

// ValidatePairSymbol checks the {BASE}-{QUOTE} format.
func ValidatePairSymbol(symbol string) error {
	if !pairRegex.MatchString(symbol) {
		return fmt.Errorf("%w: %s (expected BASE-QUOTE)", ErrInvalidPair, symbol)
	}
	return nil
}

// Pair holds the tradable-instrument parameters the core consumes. They are
// validated at the configuration boundary, never inside the core math.
type Pair struct {
	Symbol string `json:"symbol"`

	// Group is the borrowing group the pair draws shared liquidity from.
	// Pairs in one group share an aggregate exposure cap.
	Group string `json:"group"`

	MinLeverage decimal.Decimal `json:"min_leverage"`
	MaxLeverage decimal.Decimal `json:"max_leverage"`

	// MaxOpenInterestUSD caps active OI per side for this pair.
	MaxOpenInterestUSD decimal.Decimal `json:"max_open_interest_usd"`

	// Spread and slippage defaults applied when the trader sets none.
	DefaultSlippagePct decimal.Decimal `json:"default_slippage_pct"`
}

// PairImpactConfig holds the per-pair price-impact factors.
type PairImpactConfig struct {
	Symbol string `json:"symbol"`

	// One-percent depth: the notional that moves price by 1%, per side.
	DepthAboveUSD decimal.Decimal `json:"depth_above_usd"`
	DepthBelowUSD decimal.Decimal `json:"depth_below_usd"`

	// Protection-close factor dampens impact on a winning close within
	// ProtectionCloseWindow of the position's last size increase.
	ProtectionCloseFactor decimal.Decimal `json:"protection_close_factor"`
	ProtectionCloseWindow time.Duration   `json:"protection_close_window"`

	// CumulativeFactor scales accumulated OI carried from legacy rules.
	CumulativeFactor decimal.Decimal `json:"cumulative_factor"`

	ExemptOnOpen          bool `json:"exempt_on_open"`
	ExemptAfterProtection bool `json:"exempt_after_protection"`
}
