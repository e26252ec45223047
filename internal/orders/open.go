package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/impact"
	"github.com/openperp/perp-engine/internal/model"
)

// OpenRequest is the intent to create a new position.
type OpenRequest struct {
	Trader        string
	Pair          string
	Side          model.Side
	CollateralUSD decimal.Decimal
	Leverage      decimal.Decimal

	// Kind is MarketOpen for immediate execution, LimitOpen or StopOpen
	// for a resting order fired later by a keeper.
	Kind model.OrderKind

	// ExpectedPrice is the slippage reference for market opens and the
	// trigger price for resting kinds (required there).
	ExpectedPrice decimal.Decimal

	TakeProfit     decimal.Decimal // zero = unset
	StopLoss       decimal.Decimal // zero = unset
	MaxSlippagePct decimal.Decimal // zero = pair default
}

// OpenTrade admits an open intent. Market opens reserve collateral and start
// a consensus round, returning the pending-order id. Limit and stop opens
// reserve collateral and store a resting order, returning the resting
// position id; execution happens later through TriggerOrder.
//
// All admission checks run before any collateral moves or any reporter is
// queried; a rejection leaves no state behind.
func (c *Controller) OpenTrade(ctx context.Context, req OpenRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !req.Kind.IsOpen() || !req.Side.Valid() || !req.CollateralUSD.IsPositive() {
		return "", c.reject(fmt.Errorf("%w: kind=%s side=%s", ErrInvalidOrder, req.Kind, req.Side))
	}
	if req.Kind != model.MarketOpen && !req.ExpectedPrice.IsPositive() {
		return "", c.reject(fmt.Errorf("%w: resting order without trigger price", ErrInvalidOrder))
	}
	if err := model.ValidatePairSymbol(req.Pair); err != nil {
		return "", c.reject(err)
	}
	pair, err := c.pair(req.Pair)
	if err != nil {
		return "", c.reject(err)
	}
	if err := c.checkLeverage(pair, req.Leverage); err != nil {
		return "", c.reject(err)
	}

	notional := req.CollateralUSD.Mul(req.Leverage).Round(model.UsdScale)
	if err := c.checkMinNotional(notional); err != nil {
		return "", c.reject(err)
	}
	if err := c.limiter.CheckLimit(req.Pair, req.Side, notional); err != nil {
		return "", c.reject(err)
	}
	if err := c.checkImpactCap(req.Pair, req.Side, notional, req.Leverage, model.VersionCurrent); err != nil {
		return "", c.reject(err)
	}

	if req.MaxSlippagePct.IsZero() {
		req.MaxSlippagePct = pair.DefaultSlippagePct
	}
	now := c.now()
	template := model.Trade{
		ID:         newOrderID(),
		Trader:     req.Trader,
		Pair:       req.Pair,
		Side:       req.Side,
		Collateral: req.CollateralUSD,
		Leverage:   req.Leverage,
		EntryPrice: req.ExpectedPrice,
		TakeProfit: req.TakeProfit,
		StopLoss:   req.StopLoss,
		Kind:       req.Kind,
		CreatedAt:  now,
	}

	if err := c.vault.TransferIn(ctx, req.Trader, req.CollateralUSD); err != nil {
		return "", c.reject(fmt.Errorf("%w: %v", ErrInsufficientCollateral, err))
	}

	if req.Kind != model.MarketOpen {
		info := &model.TradeInfo{
			TradeID:        template.ID,
			MaxSlippagePct: req.MaxSlippagePct,
			Version:        model.VersionCurrent,
		}
		if err := c.ledger.StoreTrade(ctx, &template, info); err != nil {
			c.vault.TransferOut(ctx, req.Trader, req.CollateralUSD)
			return "", err
		}
		slog.Info("resting order stored",
			"trade", template.ID, "kind", req.Kind, "trader", req.Trader,
			"pair", req.Pair, "trigger", req.ExpectedPrice)
		return template.ID, nil
	}

	o := &model.PendingOrder{
		ID:                 newOrderID(),
		Trader:             req.Trader,
		Kind:               model.MarketOpen,
		Trade:              template,
		ReservedCollateral: req.CollateralUSD,
		MaxSlippagePct:     req.MaxSlippagePct,
		CreatedAt:          now,
	}
	if err := c.dispatch(ctx, o, now); err != nil {
		c.vault.TransferOut(ctx, req.Trader, req.CollateralUSD)
		return "", err
	}
	slog.Info("market open dispatched", "order", o.ID, "trader", req.Trader, "pair", req.Pair)
	return o.ID, nil
}

// CancelRestingOrder withdraws an unfired limit or stop open and returns its
// reserved collateral. It fails while a trigger execution is in flight.
func (c *Controller) CancelRestingOrder(ctx context.Context, trader, tradeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, _, err := c.ledger.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if t.Trader != trader {
		return ErrNotYourTrade
	}
	if t.Open || !t.Kind.IsOpen() || t.Kind == model.MarketOpen || !t.Collateral.IsPositive() {
		return fmt.Errorf("%w: %s is not a resting order", ErrInvalidOrder, tradeID)
	}
	outstanding, err := c.ledger.PendingOrdersByTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	if len(outstanding) > 0 {
		return fmt.Errorf("%w: execution in flight", ErrConflictingOrder)
	}

	// Zero collateral marks the reservation as spent so the order cannot
	// be cancelled or fired twice; it must land before the refund moves.
	if err := c.ledger.UpdateTradeCollateral(ctx, tradeID, decimal.Zero); err != nil {
		return err
	}
	if err := c.ledger.CloseTrade(ctx, tradeID); err != nil {
		return err
	}
	if err := c.vault.TransferOut(ctx, trader, t.Collateral); err != nil {
		slog.Error("resting order refund failed", "trade", tradeID, "err", err)
		return err
	}
	return nil
}

// settleOpen resolves a market, limit, or stop open against the consensus
// candle. Cancelled market opens refund the reservation; cancelled resting
// executions keep the resting order (and its reservation) alive for retry,
// except the NO_TRADE case where the resting order is already gone. A false
// second return means a ledger write failed and the order is still pending.
func (c *Controller) settleOpen(ctx context.Context, o *model.PendingOrder, candle model.PriceCandle) (model.CancelReason, bool) {
	t := o.Trade
	execPrice := candle.Open
	resting := o.Kind != model.MarketOpen

	if resting {
		rt, info, err := c.ledger.GetTrade(ctx, o.TradeID)
		if err != nil || rt.Open || !rt.Collateral.IsPositive() {
			return model.CancelNoTrade, c.closeOrder(ctx, o.ID)
		}
		t = *rt
		if o.MaxSlippagePct.IsZero() {
			o.MaxSlippagePct = info.MaxSlippagePct
		}
		if !triggerCrossed(candle, rt.EntryPrice) {
			return model.CancelNotHit, c.closeOrder(ctx, o.ID)
		}
		execPrice = rt.EntryPrice
	}

	notional := t.Notional()
	impactPct, adjusted := c.impact.TradePriceImpact(impact.TradeImpact{
		Pair:        t.Pair,
		Side:        t.Side,
		MarketPrice: execPrice,
		NotionalUSD: notional,
		Open:        true,
		Version:     model.VersionCurrent,
		Trader:      t.Trader,
	})

	if reason := c.openCancelReason(&t, o, adjusted, impactPct); reason != model.CancelNone {
		if !c.closeOrder(ctx, o.ID) {
			return reason, false
		}
		if !resting {
			c.refundCancelled(ctx, o, reason)
		}
		return reason, true
	}

	now := c.now()
	fee := c.feeFor(t.Collateral, notional)
	t.Collateral = t.Collateral.Sub(fee)
	t.EntryPrice = adjusted
	t.Open = true

	info := &model.TradeInfo{
		TradeID:          t.ID,
		LastOiUpdate:     now,
		LastSizeIncrease: now,
		MaxSlippagePct:   o.MaxSlippagePct,
		Version:          model.VersionCurrent,
	}

	// Persist the position before the fee moves. A failed write leaves the
	// order pending with the reservation intact; a later consensus or
	// timeout resolves it without anything having been paid.
	if resting {
		err := c.ledger.UpdateTradePosition(ctx, t.ID, adjusted, t.TakeProfit, t.StopLoss, t.Leverage)
		if err == nil {
			err = c.ledger.UpdateTradeCollateral(ctx, t.ID, t.Collateral)
		}
		if err == nil {
			err = c.ledger.MarkTradeOpen(ctx, t.ID)
		}
		if err == nil {
			err = c.ledger.UpdateTradeInfo(ctx, info)
		}
		if err != nil {
			slog.Error("resting execution failed, order left pending", "trade", t.ID, "order", o.ID, "err", err)
			return "", false
		}
	} else if err := c.ledger.StoreTrade(ctx, &t, info); err != nil {
		slog.Error("position store failed, order left pending", "order", o.ID, "err", err)
		return "", false
	}

	if !c.closeOrder(ctx, o.ID) {
		return "", false
	}
	c.distributeFee(ctx, fee, false, resting)

	c.impact.AddOpenInterest(t.Pair, t.Side, notional, true, false)
	c.publishOI(t.Pair, t.Side)
	return model.CancelNone, true
}

// openCancelReason applies the open-side cancellation checks in strict
// precedence order against the impact-adjusted executable price.
func (c *Controller) openCancelReason(t *model.Trade, o *model.PendingOrder, adjusted, impactPct decimal.Decimal) model.CancelReason {
	if slippageExceeded(adjusted, t.EntryPrice, o.MaxSlippagePct, t.Side, true) {
		return model.CancelSlippage
	}
	if !t.TakeProfit.IsZero() {
		hit := !adjusted.LessThan(t.TakeProfit)
		if t.Side == model.Short {
			hit = !adjusted.GreaterThan(t.TakeProfit)
		}
		if hit {
			return model.CancelTpReached
		}
	}
	if !t.StopLoss.IsZero() {
		hit := !adjusted.GreaterThan(t.StopLoss)
		if t.Side == model.Short {
			hit = !adjusted.LessThan(t.StopLoss)
		}
		if hit {
			return model.CancelSlReached
		}
	}
	if err := c.limiter.CheckLimit(t.Pair, t.Side, t.Notional()); err != nil {
		return model.CancelExposureLimits
	}
	if impactPct.Mul(t.Leverage).GreaterThan(c.cfg.MaxNegativePnlOnOpenPct) {
		return model.CancelPriceImpact
	}
	if pair, err := c.pair(t.Pair); err != nil || c.checkLeverage(pair, t.Leverage) != nil {
		return model.CancelMaxLeverage
	}
	return model.CancelNone
}
