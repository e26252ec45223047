package model

// OrderKind identifies what a pending order will do when its price resolves.
type OrderKind string

const (
	MarketOpen  OrderKind = "MARKET_OPEN"
	MarketClose OrderKind = "MARKET_CLOSE"

	// Trigger kinds fire from resting orders or keeper calls and use
	// lookback price queries.
	LimitOpen        OrderKind = "LIMIT_OPEN"
	StopOpen         OrderKind = "STOP_OPEN"
	TakeProfitClose  OrderKind = "TP_CLOSE"
	StopLossClose    OrderKind = "SL_CLOSE"
	LiquidationClose OrderKind = "LIQ_CLOSE"

	LeverageUpdate OrderKind = "LEVERAGE_UPDATE"
	IncreaseSize   OrderKind = "INCREASE_SIZE"
	DecreaseSize   OrderKind = "DECREASE_SIZE"
)

// OrderCategory groups kinds for mutual exclusion and timeout rules.
type OrderCategory string

const (
	CategoryMarket  OrderCategory = "market"
	CategoryTrigger OrderCategory = "trigger"
	CategoryUpdate  OrderCategory = "update"
)

// Category returns the kind's category.
func (k OrderKind) Category() OrderCategory {
	switch k {
	case MarketOpen, MarketClose:
		return CategoryMarket
	case LimitOpen, StopOpen, TakeProfitClose, StopLossClose, LiquidationClose:
		return CategoryTrigger
	default:
		return CategoryUpdate
	}
}

// ConflictsWith reports whether two categories may not be pending against
// the same position at once. Market and update orders mutate the same
// position fields, so they exclude each other; trigger orders only exclude
// other triggers.
func (c OrderCategory) ConflictsWith(other OrderCategory) bool {
	if c == CategoryTrigger || other == CategoryTrigger {
		return c == other
	}
	return true
}

// Lookback reports whether the kind needs a lookback price query
// (anything other than an immediate market order).
func (k OrderKind) Lookback() bool { return k.Category() == CategoryTrigger }

// IsOpen reports whether the kind creates a new position.
func (k OrderKind) IsOpen() bool {
	return k == MarketOpen || k == LimitOpen || k == StopOpen
}

// IsClose reports whether the kind closes an existing position.
func (k OrderKind) IsClose() bool {
	return k == MarketClose || k == TakeProfitClose || k == StopLossClose || k == LiquidationClose
}

// Valid reports whether k is a known kind.
func (k OrderKind) Valid() bool {
	switch k {
	case MarketOpen, MarketClose, LimitOpen, StopOpen, TakeProfitClose,
		StopLossClose, LiquidationClose, LeverageUpdate, IncreaseSize, DecreaseSize:
		return true
	}
	return false
}

// CancelReason is the taxonomy of outcomes other than clean execution for a
// resolved order. Listed in strict precedence order (highest first).
type CancelReason string

const (
	CancelNone           CancelReason = "NONE"
	CancelNoTrade        CancelReason = "NO_TRADE"
	CancelLiqReached     CancelReason = "LIQ_REACHED"
	CancelSlippage       CancelReason = "SLIPPAGE"
	CancelTpReached      CancelReason = "TP_REACHED"
	CancelSlReached      CancelReason = "SL_REACHED"
	CancelExposureLimits CancelReason = "EXPOSURE_LIMITS"
	CancelPriceImpact    CancelReason = "PRICE_IMPACT"
	CancelMaxLeverage    CancelReason = "MAX_LEVERAGE"
	CancelNotHit         CancelReason = "NOT_HIT"
	CancelTimeout        CancelReason = "TIMEOUT"
)
