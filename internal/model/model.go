// Package model defines the core domain types shared across the execution
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rounding scales for the fixed-point conventions carried over the wire.
const (
	PriceScale    int32 = 10 // prices
	UsdScale      int32 = 18 // USD amounts
	PctScale      int32 = 10 // percentages
	LeverageScale int32 = 3  // leverage
)

// Contracts-version tags. A position keeps the fee/impact rule set it was
// opened under for its whole lifetime.
const (
	VersionLegacy  = 0 // full impact weight on close
	VersionCurrent = 1 // impact split between open and close
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Long || s == Short }

// Trade is a trader's leveraged exposure record (a position). It is owned
// by the Ledger and mutated only through controller-issued commands.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	Trader     string          `json:"trader" db:"trader"`
	Pair       string          `json:"pair" db:"pair"`
	Side       Side            `json:"side" db:"side"`
	Collateral decimal.Decimal `json:"collateral" db:"collateral"` // USD
	Leverage   decimal.Decimal `json:"leverage" db:"leverage"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	TakeProfit decimal.Decimal `json:"take_profit" db:"take_profit"` // zero = unset
	StopLoss   decimal.Decimal `json:"stop_loss" db:"stop_loss"`     // zero = unset
	Open       bool            `json:"open" db:"open"`
	Kind       OrderKind       `json:"kind" db:"kind"` // kind that opened it
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Notional returns the position size in USD: collateral × leverage.
func (t *Trade) Notional() decimal.Decimal {
	return t.Collateral.Mul(t.Leverage).Round(UsdScale)
}

// TradeInfo carries per-position metadata kept alongside the Trade.
type TradeInfo struct {
	TradeID          string          `json:"trade_id" db:"trade_id"`
	LastOiUpdate     time.Time       `json:"last_oi_update" db:"last_oi_update"`
	LastSizeIncrease time.Time       `json:"last_size_increase" db:"last_size_increase"`
	CollateralPrice  decimal.Decimal `json:"collateral_price" db:"collateral_price"`
	MaxSlippagePct   decimal.Decimal `json:"max_slippage_pct" db:"max_slippage_pct"`
	Version          int             `json:"version" db:"version"`
}

// PendingOrder is an in-flight request awaiting price consensus. Its ID is
// also the oracle request correlation id. At most one pending order of a
// conflicting category may exist per position at a time.
type PendingOrder struct {
	ID     string    `json:"id" db:"id"`
	Trader string    `json:"trader" db:"trader"`
	Kind   OrderKind `json:"kind" db:"kind"`

	// Trade is the position template: complete for opens, partial (pair,
	// side) for operations against an existing position.
	Trade   Trade  `json:"trade"`
	TradeID string `json:"trade_id" db:"trade_id"` // existing position, if any

	NewLeverage        decimal.Decimal `json:"new_leverage" db:"new_leverage"`
	CollateralDelta    decimal.Decimal `json:"collateral_delta" db:"collateral_delta"` // signed
	ReservedCollateral decimal.Decimal `json:"reserved_collateral" db:"reserved_collateral"`
	MaxSlippagePct     decimal.Decimal `json:"max_slippage_pct" db:"max_slippage_pct"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Age returns how long the order has been outstanding.
func (p *PendingOrder) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// PriceCandle is one reporter's raw answer: an (open, high, low) tuple with
// the reporter's observation timestamp. Immediate market queries use only
// Open; lookback queries use all three.
type PriceCandle struct {
	Open decimal.Decimal `json:"open"`
	High decimal.Decimal `json:"high"`
	Low  decimal.Decimal `json:"low"`
	Ts   time.Time       `json:"ts"`
}

// Valid reports whether the candle is usable. A zero open is always
// invalid; lookback candles must additionally be internally consistent.
func (c PriceCandle) Valid(lookback bool) bool {
	if c.Open.IsZero() {
		return false
	}
	if !lookback {
		return true
	}
	return !c.High.LessThan(c.Open) && !c.Low.GreaterThan(c.Open) && !c.Low.IsZero()
}
