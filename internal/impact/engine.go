// Package impact implements the price-impact engine: decaying, time-windowed
// open-interest accumulators per pair/side, and the conversion of recent
// one-sided flow into a percentage price adjustment.
//
// All USD quantities use shopspring/decimal — never float64 for money.
// Every accumulator mutation is a single add under the engine lock; no
// read-modify-write window is exposed to other transitions.
package impact

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
)

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// bucket accumulates long/short open interest in USD for one window.
type bucket struct {
	long  decimal.Decimal
	short decimal.Decimal
}

// Engine owns the open-interest windows and the per-pair impact factors.
// It is a pure function of its accumulated state; it makes no external calls.
type Engine struct {
	mu       sync.Mutex
	settings WindowSettings
	windows  map[windowKey]*bucket
	configs  map[string]model.PairImpactConfig

	// whitelist lists traders exempted from the protection-close factor.
	whitelist map[string]bool

	// losingCloseMult scales OI contributed by losing closes: capital
	// returning to the pool counts less against future impact.
	losingCloseMult decimal.Decimal

	now func() time.Time
}

// New creates an engine. losingCloseMult must be in [0, 1]; now may be nil
// (defaults to time.Now).
func New(settings WindowSettings, losingCloseMult decimal.Decimal, now func() time.Time) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		settings:        settings,
		windows:         make(map[windowKey]*bucket),
		configs:         make(map[string]model.PairImpactConfig),
		whitelist:       make(map[string]bool),
		losingCloseMult: losingCloseMult,
		now:             now,
	}, nil
}

// SetPairConfig installs or replaces the impact factors for one pair.
func (e *Engine) SetPairConfig(cfg model.PairImpactConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs[cfg.Symbol] = cfg
}

// PairConfig returns the impact factors for a pair.
func (e *Engine) PairConfig(pair string) (model.PairImpactConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.configs[pair]
	return cfg, ok
}

// SetProtectionWhitelisted marks a trader as exempt (or not) from the
// protection-close factor.
func (e *Engine) SetProtectionWhitelisted(trader string, exempt bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if exempt {
		e.whitelist[trader] = true
	} else {
		delete(e.whitelist, trader)
	}
}

// Settings returns the current window settings.
func (e *Engine) Settings() WindowSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// flowSide maps an open/close event to the accumulator it feeds: opening a
// long and closing a short both add long-side flow, and vice versa.
func flowSide(side model.Side, open bool) model.Side {
	if open {
		return side
	}
	return side.Opposite()
}

// AddOpenInterest records the notional flow of one open/close event on one
// position into the current window. Losing closes are scaled down by the
// configured multiplier.
func (e *Engine) AddOpenInterest(pair string, side model.Side, notionalUSD decimal.Decimal, open, favorablePnl bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delta := notionalUSD
	if !open && !favorablePnl {
		delta = delta.Mul(e.losingCloseMult)
	}

	id := e.settings.WindowID(e.now())
	key := e.settings.key(pair, id)
	b, ok := e.windows[key]
	if !ok {
		b = &bucket{}
		e.windows[key] = b
	}
	if flowSide(side, open) == model.Long {
		b.long = b.long.Add(delta)
	} else {
		b.short = b.short.Add(delta)
	}
}

// ActiveOpenInterest sums the given flow side's accumulators over the last
// Count windows.
func (e *Engine) ActiveOpenInterest(pair string, side model.Side) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeOpenInterestLocked(pair, side)
}

func (e *Engine) activeOpenInterestLocked(pair string, side model.Side) decimal.Decimal {
	current := e.settings.WindowID(e.now())
	total := decimal.Zero
	for id := e.settings.earliestActive(current); id <= current; id++ {
		b, ok := e.windows[e.settings.key(pair, id)]
		if !ok {
			continue
		}
		if side == model.Long {
			total = total.Add(b.long)
		} else {
			total = total.Add(b.short)
		}
	}
	return total
}

// TradeImpact is the input to TradePriceImpact.
type TradeImpact struct {
	Pair        string
	Side        model.Side
	MarketPrice decimal.Decimal
	NotionalUSD decimal.Decimal
	Open        bool // open event if true, close event otherwise
	Version     int  // model.VersionLegacy or model.VersionCurrent

	// Close-only fields.
	FavorablePnl     bool // the close realizes a profit
	Trader           string
	LastSizeIncrease time.Time
}

// TradePriceImpact converts a trade's notional and the recent same-side flow
// into (impactPercent, adjustedPrice). A zero one-percent depth yields zero
// impact rather than an error.
func (e *Engine) TradePriceImpact(in TradeImpact) (decimal.Decimal, decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, ok := e.configs[in.Pair]
	if !ok {
		return decimal.Zero, in.MarketPrice
	}

	if in.Open && cfg.ExemptOnOpen {
		return decimal.Zero, in.MarketPrice
	}

	protectionActive := !in.Open &&
		cfg.ProtectionCloseWindow > 0 &&
		e.now().Sub(in.LastSizeIncrease) < cfg.ProtectionCloseWindow
	if !in.Open && cfg.ExemptAfterProtection && !protectionActive {
		return decimal.Zero, in.MarketPrice
	}

	flow := flowSide(in.Side, in.Open)

	// Long-side flow pushes price up and is charged against the depth
	// above market; short-side flow mirrors below.
	depth := cfg.DepthAboveUSD
	if flow == model.Short {
		depth = cfg.DepthBelowUSD
	}
	if depth.IsZero() {
		return decimal.Zero, in.MarketPrice
	}

	// Current-version positions pay half the spread on open and half on
	// close; legacy positions carry full weight.
	sized := in.NotionalUSD
	if in.Version != model.VersionLegacy {
		sized = sized.Div(two)
	}

	existing := e.activeOpenInterestLocked(in.Pair, flow).Mul(cfg.CumulativeFactor)
	ratio := existing.Add(sized).Div(depth)

	if protectionActive && in.FavorablePnl && !e.whitelist[in.Trader] {
		ratio = ratio.Mul(cfg.ProtectionCloseFactor)
	}

	adjusted := in.MarketPrice.Mul(decimal.NewFromInt(1).Add(ratio))
	if flow == model.Short {
		adjusted = in.MarketPrice.Mul(decimal.NewFromInt(1).Sub(ratio))
	}

	return ratio.Mul(hundred).Round(model.PctScale), adjusted.Round(model.PriceScale)
}

// SetWindowsCount changes the number of active windows.
func (e *Engine) SetWindowsCount(count int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.settings
	next.Count = count
	if err := next.Validate(); err != nil {
		return err
	}
	e.settings = next
	return nil
}

// SetWindowsDuration migrates to a new window duration, conserving total
// active OI: all still-active windows of the old duration are summed and
// cleared, and each pair's totals are deposited into the new duration's
// current window, in one pass.
func (e *Engine) SetWindowsDuration(duration time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.settings
	next.Duration = duration
	if err := next.Validate(); err != nil {
		return err
	}
	if duration == e.settings.Duration {
		return nil
	}

	now := e.now()
	current := e.settings.WindowID(now)
	earliest := e.settings.earliestActive(current)
	oldDurSec := int64(e.settings.Duration / time.Second)

	carried := make(map[string]*bucket)
	for key, b := range e.windows {
		if key.durationSec != oldDurSec {
			continue
		}
		if key.id >= earliest && key.id <= current {
			c, ok := carried[key.pair]
			if !ok {
				c = &bucket{}
				carried[key.pair] = c
			}
			c.long = c.long.Add(b.long)
			c.short = c.short.Add(b.short)
		}
		delete(e.windows, key)
	}

	e.settings = next
	target := e.settings.WindowID(now)
	for pair, c := range carried {
		e.windows[e.settings.key(pair, target)] = c
	}
	return nil
}
