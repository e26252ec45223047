// Package orders implements the order lifecycle controller: the state
// machine that turns an accepted order intent plus a consensus price into a
// settled position or an explicit cancellation, for every order kind.
//
// All ledger-mutating transitions are serialized under one mutex. The
// initiation of a price request and the resolution of that request are two
// separate atomic steps; resolution fires once, via HandlePrice, when the
// consensus engine reaches quorum.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/exposure"
	"github.com/openperp/perp-engine/internal/fees"
	"github.com/openperp/perp-engine/internal/impact"
	"github.com/openperp/perp-engine/internal/metrics"
	"github.com/openperp/perp-engine/internal/model"
	"github.com/openperp/perp-engine/internal/store"
	"github.com/openperp/perp-engine/internal/vault"
)

var (
	// Admission-time rejections: synchronous, before any reporter
	// round-trip; no state is mutated.
	ErrInvalidOrder          = errors.New("orders: invalid order parameters")
	ErrInvalidLeverage       = errors.New("orders: leverage out of bounds")
	ErrBelowMinNotional      = errors.New("orders: notional below minimum relative to fee")
	ErrConflictingOrder      = errors.New("orders: conflicting pending order outstanding")
	ErrImpactTooHigh         = errors.New("orders: projected price impact exceeds cap")
	ErrNotYourTrade          = errors.New("orders: trade owned by another trader")
	ErrTradeNotOpen          = errors.New("orders: trade is not open")
	ErrTriggerNotSet         = errors.New("orders: trigger price not set on position")
	ErrInsufficientCollateral = errors.New("orders: collateral transfer failed")

	// Timeout cancellation guards.
	ErrOrderNotTimedOut = errors.New("orders: order has not reached the timeout")
	ErrNotMarketOrder   = errors.New("orders: only market-category orders can time out")
)

// Config holds the controller parameters, validated at the boundary.
type Config struct {
	// MarketOrderTimeout is the age past which an unresolved
	// market-category order may be force-cancelled by any caller.
	MarketOrderTimeout time.Duration

	// MaxNegativePnlOnOpenPct caps the leverage-scaled price impact a
	// new position may admit, checked before and after the oracle round.
	MaxNegativePnlOnOpenPct decimal.Decimal

	// MaxGainPct caps realized profit percentage (900 = 9x collateral).
	MaxGainPct decimal.Decimal
}

// Registry is the pair-configuration collaborator consulted at admission.
type Registry interface {
	Pair(symbol string) (model.Pair, bool)
}

// PriceRequester starts a consensus round for a pending order. The oracle
// engine satisfies this.
type PriceRequester interface {
	RequestPrice(ctx context.Context, requestID, pair string, kind model.OrderKind, from time.Time) error
}

// Controller owns the per-order state machine.
type Controller struct {
	mu sync.Mutex

	// settling guards against re-entrant settlement: a resolution step
	// must never re-enter a top-level entry point.
	settling bool

	cfg      Config
	ledger   store.Ledger
	oracle   PriceRequester
	impact   *impact.Engine
	limiter  *exposure.Limiter
	schedule fees.Schedule
	vault    vault.Vault
	registry Registry

	now func() time.Time
}

// New creates a controller. now may be nil (defaults to time.Now).
func New(cfg Config, ledger store.Ledger, oracle PriceRequester, eng *impact.Engine,
	limiter *exposure.Limiter, schedule fees.Schedule, v vault.Vault,
	registry Registry, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		cfg:      cfg,
		ledger:   ledger,
		oracle:   oracle,
		impact:   eng,
		limiter:  limiter,
		schedule: schedule,
		vault:    v,
		registry: registry,
		now:      now,
	}
}

// --- Admission helpers ---

func (c *Controller) pair(symbol string) (model.Pair, error) {
	p, ok := c.registry.Pair(symbol)
	if !ok {
		return model.Pair{}, fmt.Errorf("%w: %s", model.ErrUnknownPair, symbol)
	}
	return p, nil
}

func (c *Controller) checkLeverage(p model.Pair, leverage decimal.Decimal) error {
	if leverage.LessThan(p.MinLeverage) || leverage.GreaterThan(p.MaxLeverage) {
		return fmt.Errorf("%w: %s not in [%s, %s]",
			ErrInvalidLeverage, leverage, p.MinLeverage, p.MaxLeverage)
	}
	return nil
}

// checkMinNotional requires the proportional fee on the notional to clear
// the minimum fee, so that dust positions cannot ride the fee floor.
func (c *Controller) checkMinNotional(notional decimal.Decimal) error {
	raw := notional.Mul(c.schedule.TradingFeePct).Div(decimal.NewFromInt(100))
	if raw.LessThan(c.schedule.MinFeeUSD) {
		return fmt.Errorf("%w: notional %s", ErrBelowMinNotional, notional)
	}
	return nil
}

// checkImpactCap rejects intents whose leverage-scaled projected impact
// already exceeds the adverse-PnL cap. This fails fast, before paying for
// a reporter round-trip. Impact percent is independent of market price.
func (c *Controller) checkImpactCap(pair string, side model.Side, notional, leverage decimal.Decimal, version int) error {
	pct, _ := c.impact.TradePriceImpact(impact.TradeImpact{
		Pair:        pair,
		Side:        side,
		MarketPrice: decimal.NewFromInt(1),
		NotionalUSD: notional,
		Open:        true,
		Version:     version,
	})
	if pct.Mul(leverage).GreaterThan(c.cfg.MaxNegativePnlOnOpenPct) {
		return fmt.Errorf("%w: %s%% at %sx", ErrImpactTooHigh, pct, leverage)
	}
	return nil
}

// checkExclusion enforces the mutual-exclusion invariant: at most one
// outstanding pending order of a conflicting category per position.
func (c *Controller) checkExclusion(ctx context.Context, tradeID string, kind model.OrderKind) error {
	outstanding, err := c.ledger.PendingOrdersByTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	for _, o := range outstanding {
		if o.Kind.Category().ConflictsWith(kind.Category()) {
			return fmt.Errorf("%w: %s pending against %s", ErrConflictingOrder, o.Kind, tradeID)
		}
	}
	return nil
}

// ownedOpenTrade loads a position and verifies ownership and openness.
func (c *Controller) ownedOpenTrade(ctx context.Context, trader, tradeID string) (*model.Trade, *model.TradeInfo, error) {
	t, info, err := c.ledger.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, nil, err
	}
	if t.Trader != trader {
		return nil, nil, ErrNotYourTrade
	}
	if !t.Open {
		return nil, nil, ErrTradeNotOpen
	}
	return t, info, nil
}

// dispatch stores the pending order and starts its consensus round. Called
// with c.mu held; reservations must already be in place.
func (c *Controller) dispatch(ctx context.Context, o *model.PendingOrder, from time.Time) error {
	if err := c.ledger.StorePendingOrder(ctx, o); err != nil {
		return err
	}
	if err := c.oracle.RequestPrice(ctx, o.ID, o.Trade.Pair, o.Kind, from); err != nil {
		// Unwind: no reporter round started, the intent is rejected.
		if cerr := c.ledger.ClosePendingOrder(ctx, o.ID); cerr != nil {
			slog.Error("orphaned pending order", "order", o.ID, "err", cerr)
		}
		return err
	}
	return nil
}

// reject records an admission rejection for observability and passes the
// error through unchanged.
func (c *Controller) reject(err error) error {
	label := "other"
	switch {
	case errors.Is(err, ErrInvalidLeverage):
		label = "leverage"
	case errors.Is(err, ErrBelowMinNotional):
		label = "min_notional"
	case errors.Is(err, ErrConflictingOrder):
		label = "conflict"
	case errors.Is(err, ErrImpactTooHigh):
		label = "price_impact"
	case errors.Is(err, ErrInsufficientCollateral):
		label = "collateral"
	case errors.Is(err, ErrInvalidOrder):
		label = "invalid"
	case errors.Is(err, model.ErrUnknownPair), errors.Is(err, model.ErrInvalidPair):
		label = "pair"
	case errors.Is(err, exposure.ErrPairLimitExceeded), errors.Is(err, exposure.ErrGroupLimitExceeded):
		label = "exposure"
	}
	metrics.AdmissionRejections.WithLabelValues(label).Inc()
	return err
}

// publishOI refreshes the open-interest gauge for a pair side.
func (c *Controller) publishOI(pair string, side model.Side) {
	oi := c.impact.ActiveOpenInterest(pair, side)
	metrics.OpenInterestUSD.WithLabelValues(pair, string(side)).Set(oi.InexactFloat64())
}

func newOrderID() string { return uuid.New().String() }

// --- Resolution entry point ---

// HandlePrice is the consensus-engine callback. It runs the synchronous,
// total resolution step for the pending order behind requestID.
func (c *Controller) HandlePrice(requestID string, price model.PriceCandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settling {
		// A settlement pathway re-entered the controller; drop rather
		// than deadlock. The oracle retains the answer set for audit.
		slog.Error("re-entrant settlement rejected", "request", requestID)
		return
	}
	c.settling = true
	defer func() { c.settling = false }()

	ctx := context.Background()
	o, err := c.ledger.GetPendingOrder(ctx, requestID)
	if err != nil {
		// Timed out or already resolved; late consensus is a no-op.
		slog.Warn("price for unknown order", "request", requestID)
		return
	}

	var (
		reason   model.CancelReason
		resolved bool
	)
	switch o.Kind {
	case model.MarketOpen, model.LimitOpen, model.StopOpen:
		reason, resolved = c.settleOpen(ctx, o, price)
	case model.MarketClose, model.TakeProfitClose, model.StopLossClose, model.LiquidationClose:
		reason, resolved = c.settleClose(ctx, o, price)
	case model.LeverageUpdate:
		reason, resolved = c.settleLeverageUpdate(ctx, o, price)
	case model.IncreaseSize, model.DecreaseSize:
		reason, resolved = c.settleResize(ctx, o, price)
	default:
		slog.Error("pending order with unknown kind", "order", o.ID, "kind", o.Kind)
		return
	}
	if !resolved {
		// A ledger write failed mid-settlement. The order stays pending
		// with no funds moved; the failure is already logged and a later
		// consensus or timeout resolves it.
		return
	}

	outcome := "executed"
	if reason != model.CancelNone {
		outcome = string(reason)
	}
	metrics.OrdersTotal.WithLabelValues(string(o.Kind), outcome).Inc()
	slog.Info("order resolved",
		"order", o.ID, "kind", o.Kind, "trader", o.Trader, "outcome", outcome)
}

// --- Timeout cancellation ---

// CancelTimedOutOrder force-cancels a market-category order whose consensus
// never arrived. Any caller may invoke it; reserved collateral is returned
// in full. Unresolved trigger orders can never be timed out.
func (c *Controller) CancelTimedOutOrder(ctx context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, err := c.ledger.GetPendingOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Kind.Category() == model.CategoryTrigger {
		return fmt.Errorf("%w: %s", ErrNotMarketOrder, o.Kind)
	}
	if o.Age(c.now()) <= c.cfg.MarketOrderTimeout {
		return fmt.Errorf("%w: age %s", ErrOrderNotTimedOut, o.Age(c.now()))
	}

	// Remove the order record before paying out the reservation, so a
	// repeated cancellation can never refund twice.
	if err := c.ledger.ClosePendingOrder(ctx, orderID); err != nil {
		return err
	}
	if o.ReservedCollateral.IsPositive() {
		if err := c.vault.TransferOut(ctx, o.Trader, o.ReservedCollateral); err != nil {
			slog.Error("timeout refund failed", "order", orderID, "err", err)
			return err
		}
	}

	metrics.OrdersTotal.WithLabelValues(string(o.Kind), string(model.CancelTimeout)).Inc()
	slog.Info("order timed out", "order", orderID, "kind", o.Kind, "trader", o.Trader)
	return nil
}

// --- Settlement helpers ---

// closeOrder removes the pending-order record. Settlement may move funds
// only after the record is gone: an order whose record survives a payout
// would be paid again by a later timeout or consensus.
func (c *Controller) closeOrder(ctx context.Context, orderID string) bool {
	if err := c.ledger.ClosePendingOrder(ctx, orderID); err != nil {
		slog.Error("pending order close failed, settlement aborted", "order", orderID, "err", err)
		return false
	}
	return true
}

// feeFor computes the trading fee taken out of the given collateral. When
// the collateral cannot cover the minimum fee the order still executes but
// pays nothing.
func (c *Controller) feeFor(collateral, notional decimal.Decimal) decimal.Decimal {
	if !collateral.GreaterThan(c.schedule.MinFeeUSD) {
		return decimal.Zero
	}
	fee := c.schedule.TradingFee(notional)
	if fee.GreaterThan(collateral) {
		fee = collateral
	}
	return fee
}

func (c *Controller) distributeFee(ctx context.Context, fee decimal.Decimal, hasReferrer, triggered bool) {
	if fee.IsPositive() {
		c.distribute(ctx, c.schedule.Split(fee, hasReferrer, triggered))
	}
}

func (c *Controller) distribute(ctx context.Context, dist fees.Distribution) {
	buckets := []struct {
		name   string
		amount decimal.Decimal
	}{
		{"referral", dist.Referral},
		{"governance", dist.Governance},
		{"trigger", dist.Trigger},
		{"vault", dist.Vault},
	}
	for _, b := range buckets {
		if err := c.vault.CollectFee(ctx, b.name, b.amount); err != nil {
			slog.Error("fee distribution failed", "bucket", b.name, "err", err)
		}
	}
}

// refundCancelled returns the reserved collateral minus the minimal
// governance fee that pays for the consumed reporter round-trip. NO_TRADE
// cancellations charge nothing (there was nothing to consume it for).
func (c *Controller) refundCancelled(ctx context.Context, o *model.PendingOrder, reason model.CancelReason) {
	reserved := o.ReservedCollateral
	if reserved.IsZero() {
		return
	}
	refund := reserved
	if reason != model.CancelNoTrade && reserved.GreaterThan(c.schedule.MinFeeUSD) {
		refund = reserved.Sub(c.schedule.MinFeeUSD)
		if err := c.vault.CollectFee(ctx, "governance", c.schedule.MinFeeUSD); err != nil {
			slog.Error("cancellation fee failed", "order", o.ID, "err", err)
		}
	}
	if err := c.vault.TransferOut(ctx, o.Trader, refund); err != nil {
		slog.Error("cancellation refund failed", "order", o.ID, "err", err)
	}
}

// slippageExceeded reports whether the executable price strayed further
// from the reference than the configured tolerance allows. favorable moves
// (better price than asked) never count as slippage.
func slippageExceeded(execPrice, reference, maxSlippagePct decimal.Decimal, side model.Side, opening bool) bool {
	if reference.IsZero() || maxSlippagePct.IsZero() {
		return false
	}
	// Adverse direction: longs pay up opening and receive less closing.
	adverse := execPrice.Sub(reference)
	if (side == model.Long) != opening {
		adverse = adverse.Neg()
	}
	if !adverse.IsPositive() {
		return false
	}
	return adverse.Div(reference).Mul(decimal.NewFromInt(100)).GreaterThan(maxSlippagePct)
}

// pastLiquidation reports whether the market price is at or through the
// position's liquidation price.
func pastLiquidation(t *model.Trade, price decimal.Decimal) bool {
	liq := model.LiquidationPrice(t.EntryPrice, t.Leverage, t.Side)
	if t.Side == model.Long {
		return !price.GreaterThan(liq)
	}
	return !price.LessThan(liq)
}

// triggerCrossed reports whether the candle band reached the trigger price,
// including the exact-touch shortcut where high or low equals it.
func triggerCrossed(candle model.PriceCandle, trigger decimal.Decimal) bool {
	return !candle.Low.GreaterThan(trigger) && !candle.High.LessThan(trigger)
}
