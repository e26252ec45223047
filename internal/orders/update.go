package orders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/impact"
	"github.com/openperp/perp-engine/internal/model"
)

// UpdateLeverage admits a leverage change on an open position. Notional
// stays constant: lowering leverage reserves the extra collateral up front,
// raising it releases the surplus at resolution. The change itself applies
// only after the consensus price confirms the position would survive it.
func (c *Controller) UpdateLeverage(ctx context.Context, trader, tradeID string, newLeverage decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, _, err := c.ownedOpenTrade(ctx, trader, tradeID)
	if err != nil {
		return "", c.reject(err)
	}
	pair, err := c.pair(t.Pair)
	if err != nil {
		return "", c.reject(err)
	}
	if err := c.checkLeverage(pair, newLeverage); err != nil {
		return "", c.reject(err)
	}
	if err := c.checkExclusion(ctx, tradeID, model.LeverageUpdate); err != nil {
		return "", c.reject(err)
	}

	newCollateral := t.Notional().Div(newLeverage).Round(model.UsdScale)
	reserved := decimal.Zero
	if newCollateral.GreaterThan(t.Collateral) {
		reserved = newCollateral.Sub(t.Collateral)
		if err := c.vault.TransferIn(ctx, trader, reserved); err != nil {
			return "", c.reject(fmt.Errorf("%w: %v", ErrInsufficientCollateral, err))
		}
	}

	now := c.now()
	o := &model.PendingOrder{
		ID:                 newOrderID(),
		Trader:             trader,
		Kind:               model.LeverageUpdate,
		Trade:              *t,
		TradeID:            tradeID,
		NewLeverage:        newLeverage,
		ReservedCollateral: reserved,
		CreatedAt:          now,
	}
	if err := c.dispatch(ctx, o, now); err != nil {
		if reserved.IsPositive() {
			c.vault.TransferOut(ctx, trader, reserved)
		}
		return "", err
	}
	slog.Info("leverage update dispatched",
		"order", o.ID, "trade", tradeID, "leverage", newLeverage)
	return o.ID, nil
}

// UpdateTradeSize admits a resize on an open position: kind IncreaseSize
// adds collateralDelta at the position's leverage (reserving it now), kind
// DecreaseSize realizes PnL on that slice and returns it at resolution.
// expectedPrice is the slippage reference for increases.
func (c *Controller) UpdateTradeSize(ctx context.Context, trader, tradeID string, kind model.OrderKind,
	collateralDelta, expectedPrice, maxSlippagePct decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind != model.IncreaseSize && kind != model.DecreaseSize {
		return "", c.reject(fmt.Errorf("%w: %s is not a resize kind", ErrInvalidOrder, kind))
	}
	if !collateralDelta.IsPositive() {
		return "", c.reject(fmt.Errorf("%w: non-positive delta", ErrInvalidOrder))
	}
	t, info, err := c.ownedOpenTrade(ctx, trader, tradeID)
	if err != nil {
		return "", c.reject(err)
	}
	if err := c.checkExclusion(ctx, tradeID, kind); err != nil {
		return "", c.reject(err)
	}
	if maxSlippagePct.IsZero() {
		maxSlippagePct = info.MaxSlippagePct
	}

	deltaNotional := collateralDelta.Mul(t.Leverage).Round(model.UsdScale)
	reserved := decimal.Zero
	switch kind {
	case model.IncreaseSize:
		if err := c.checkMinNotional(deltaNotional); err != nil {
			return "", c.reject(err)
		}
		if err := c.limiter.CheckLimit(t.Pair, t.Side, deltaNotional); err != nil {
			return "", c.reject(err)
		}
		if err := c.checkImpactCap(t.Pair, t.Side, deltaNotional, t.Leverage, info.Version); err != nil {
			return "", c.reject(err)
		}
		if err := c.vault.TransferIn(ctx, trader, collateralDelta); err != nil {
			return "", c.reject(fmt.Errorf("%w: %v", ErrInsufficientCollateral, err))
		}
		reserved = collateralDelta
	case model.DecreaseSize:
		if !collateralDelta.LessThan(t.Collateral) {
			return "", c.reject(fmt.Errorf("%w: delta consumes whole position", ErrInvalidOrder))
		}
		remaining := t.Collateral.Sub(collateralDelta).Mul(t.Leverage)
		if err := c.checkMinNotional(remaining); err != nil {
			return "", c.reject(err)
		}
	}

	now := c.now()
	template := *t
	template.EntryPrice = expectedPrice
	o := &model.PendingOrder{
		ID:                 newOrderID(),
		Trader:             trader,
		Kind:               kind,
		Trade:              template,
		TradeID:            tradeID,
		CollateralDelta:    collateralDelta,
		ReservedCollateral: reserved,
		MaxSlippagePct:     maxSlippagePct,
		CreatedAt:          now,
	}
	if err := c.dispatch(ctx, o, now); err != nil {
		if reserved.IsPositive() {
			c.vault.TransferOut(ctx, trader, reserved)
		}
		return "", err
	}
	slog.Info("resize dispatched", "order", o.ID, "trade", tradeID, "kind", kind, "delta", collateralDelta)
	return o.ID, nil
}

// UpdateTpSl rewrites a position's take-profit and stop-loss levels
// synchronously; no consensus round is needed since no money moves. A zero
// level clears it. The stop loss must sit between the liquidation price and
// the entry so it can still fire.
func (c *Controller) UpdateTpSl(ctx context.Context, trader, tradeID string, takeProfit, stopLoss decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, _, err := c.ownedOpenTrade(ctx, trader, tradeID)
	if err != nil {
		return c.reject(err)
	}
	if err := c.checkExclusion(ctx, tradeID, model.LeverageUpdate); err != nil {
		return c.reject(err)
	}

	liq := model.LiquidationPrice(t.EntryPrice, t.Leverage, t.Side)
	if t.Side == model.Long {
		if !takeProfit.IsZero() && !takeProfit.GreaterThan(t.EntryPrice) {
			return c.reject(fmt.Errorf("%w: take profit below entry", ErrInvalidOrder))
		}
		if !stopLoss.IsZero() && (!stopLoss.LessThan(t.EntryPrice) || !stopLoss.GreaterThan(liq)) {
			return c.reject(fmt.Errorf("%w: stop loss outside (liq, entry)", ErrInvalidOrder))
		}
	} else {
		if !takeProfit.IsZero() && !takeProfit.LessThan(t.EntryPrice) {
			return c.reject(fmt.Errorf("%w: take profit above entry", ErrInvalidOrder))
		}
		if !stopLoss.IsZero() && (!stopLoss.GreaterThan(t.EntryPrice) || !stopLoss.LessThan(liq)) {
			return c.reject(fmt.Errorf("%w: stop loss outside (entry, liq)", ErrInvalidOrder))
		}
	}

	return c.ledger.UpdateTradePosition(ctx, tradeID, t.EntryPrice, takeProfit, stopLoss, t.Leverage)
}

// settleLeverageUpdate applies or cancels a pending leverage change. A false
// second return means a ledger write failed and the order is still pending.
func (c *Controller) settleLeverageUpdate(ctx context.Context, o *model.PendingOrder, candle model.PriceCandle) (model.CancelReason, bool) {
	t, _, err := c.ledger.GetTrade(ctx, o.TradeID)
	if err != nil || !t.Open {
		if !c.closeOrder(ctx, o.ID) {
			return model.CancelNoTrade, false
		}
		c.refundCancelled(ctx, o, model.CancelNoTrade)
		return model.CancelNoTrade, true
	}

	price := candle.Open
	newLev := o.NewLeverage
	reason := model.CancelNone
	// The position must survive the new leverage at the consensus price.
	liq := model.LiquidationPrice(t.EntryPrice, newLev, t.Side)
	crossed := !price.GreaterThan(liq)
	if t.Side == model.Short {
		crossed = !price.LessThan(liq)
	}
	switch {
	case crossed:
		reason = model.CancelLiqReached
	default:
		if pair, err := c.pair(t.Pair); err != nil || c.checkLeverage(pair, newLev) != nil {
			reason = model.CancelMaxLeverage
		}
	}
	if reason != model.CancelNone {
		if !c.closeOrder(ctx, o.ID) {
			return reason, false
		}
		c.refundCancelled(ctx, o, reason)
		return reason, true
	}

	newCollateral := t.Notional().Div(newLev).Round(model.UsdScale)

	// Persist the new position before any surplus is released.
	err = c.ledger.UpdateTradePosition(ctx, t.ID, t.EntryPrice, t.TakeProfit, t.StopLoss, newLev)
	if err == nil {
		err = c.ledger.UpdateTradeCollateral(ctx, t.ID, newCollateral)
	}
	if err != nil {
		slog.Error("leverage persist failed, order left pending", "trade", t.ID, "order", o.ID, "err", err)
		return "", false
	}
	if !c.closeOrder(ctx, o.ID) {
		return "", false
	}

	if newCollateral.LessThan(t.Collateral) {
		// Raising leverage releases the surplus back to the trader.
		if err := c.vault.TransferOut(ctx, t.Trader, t.Collateral.Sub(newCollateral)); err != nil {
			slog.Error("surplus release failed", "trade", t.ID, "err", err)
		}
	}

	slog.Info("leverage updated", "trade", t.ID, "leverage", newLev, "collateral", newCollateral)
	return model.CancelNone, true
}

// settleResize applies or cancels a pending position resize. A false second
// return means a ledger write failed and the order is still pending.
func (c *Controller) settleResize(ctx context.Context, o *model.PendingOrder, candle model.PriceCandle) (model.CancelReason, bool) {
	t, info, err := c.ledger.GetTrade(ctx, o.TradeID)
	if err != nil || !t.Open {
		if !c.closeOrder(ctx, o.ID) {
			return model.CancelNoTrade, false
		}
		c.refundCancelled(ctx, o, model.CancelNoTrade)
		return model.CancelNoTrade, true
	}

	price := candle.Open
	if pastLiquidation(t, price) {
		if !c.closeOrder(ctx, o.ID) {
			return model.CancelLiqReached, false
		}
		c.refundCancelled(ctx, o, model.CancelLiqReached)
		return model.CancelLiqReached, true
	}

	delta := o.CollateralDelta
	deltaNotional := delta.Mul(t.Leverage).Round(model.UsdScale)
	now := c.now()

	if o.Kind == model.IncreaseSize {
		impactPct, adjusted := c.impact.TradePriceImpact(impact.TradeImpact{
			Pair:        t.Pair,
			Side:        t.Side,
			MarketPrice: price,
			NotionalUSD: deltaNotional,
			Open:        true,
			Version:     info.Version,
			Trader:      t.Trader,
		})
		reason := model.CancelNone
		switch {
		case slippageExceeded(adjusted, o.Trade.EntryPrice, o.MaxSlippagePct, t.Side, true):
			reason = model.CancelSlippage
		case c.limiter.CheckLimit(t.Pair, t.Side, deltaNotional) != nil:
			reason = model.CancelExposureLimits
		case impactPct.Mul(t.Leverage).GreaterThan(c.cfg.MaxNegativePnlOnOpenPct):
			reason = model.CancelPriceImpact
		}
		if reason != model.CancelNone {
			if !c.closeOrder(ctx, o.ID) {
				return reason, false
			}
			c.refundCancelled(ctx, o, reason)
			return reason, true
		}

		fee := c.feeFor(delta, deltaNotional)
		remainingDelta := delta.Sub(fee)
		oldNotional := t.Notional()
		// Size-weighted average of the old entry and the adjusted fill.
		newEntry := t.EntryPrice.Mul(oldNotional).Add(adjusted.Mul(deltaNotional)).
			Div(oldNotional.Add(deltaNotional)).Round(model.PriceScale)

		// Persist before the fee moves; a failed write leaves the order
		// pending with the reserved delta intact.
		err := c.ledger.UpdateTradePosition(ctx, t.ID, newEntry, t.TakeProfit, t.StopLoss, t.Leverage)
		if err == nil {
			err = c.ledger.UpdateTradeCollateral(ctx, t.ID, t.Collateral.Add(remainingDelta))
		}
		if err == nil {
			info.LastOiUpdate = now
			info.LastSizeIncrease = now
			err = c.ledger.UpdateTradeInfo(ctx, info)
		}
		if err != nil {
			slog.Error("resize persist failed, order left pending", "trade", t.ID, "order", o.ID, "err", err)
			return "", false
		}
		if !c.closeOrder(ctx, o.ID) {
			return "", false
		}
		c.distributeFee(ctx, fee, false, false)

		c.impact.AddOpenInterest(t.Pair, t.Side, deltaNotional, true, false)
		c.publishOI(t.Pair, t.Side)
		slog.Info("position increased", "trade", t.ID, "delta", delta, "entry", newEntry)
		return model.CancelNone, true
	}

	// DecreaseSize: realize PnL on the removed slice.
	if !delta.LessThan(t.Collateral) {
		return model.CancelNoTrade, c.closeOrder(ctx, o.ID)
	}
	pnlPct := model.PnlPercent(t.EntryPrice, price, t.Leverage, t.Side, c.cfg.MaxGainPct)
	_, adjusted := c.impact.TradePriceImpact(impact.TradeImpact{
		Pair:             t.Pair,
		Side:             t.Side,
		MarketPrice:      price,
		NotionalUSD:      deltaNotional,
		Open:             false,
		Version:          info.Version,
		FavorablePnl:     pnlPct.IsPositive(),
		Trader:           t.Trader,
		LastSizeIncrease: info.LastSizeIncrease,
	})
	pnlPct = model.PnlPercent(t.EntryPrice, adjusted, t.Leverage, t.Side, c.cfg.MaxGainPct)
	profit := delta.Mul(pnlPct).Div(decimal.NewFromInt(100)).Round(model.UsdScale)

	fee := c.feeFor(delta, deltaNotional)
	remainingDelta := delta.Sub(fee)

	// Persist the shrunken position before the slice pays out, so a repeat
	// consensus cannot pay the same slice twice.
	err = c.ledger.UpdateTradeCollateral(ctx, t.ID, t.Collateral.Sub(delta))
	if err == nil {
		info.LastOiUpdate = now
		err = c.ledger.UpdateTradeInfo(ctx, info)
	}
	if err != nil {
		slog.Error("resize persist failed, order left pending", "trade", t.ID, "order", o.ID, "err", err)
		return "", false
	}
	if !c.closeOrder(ctx, o.ID) {
		return "", false
	}

	c.distributeFee(ctx, fee, false, false)
	if profit.IsPositive() {
		if err := c.vault.SettlePnl(ctx, t.Trader, profit); err != nil {
			slog.Error("pnl settlement failed", "trade", t.ID, "err", err)
		}
		if err := c.vault.TransferOut(ctx, t.Trader, remainingDelta); err != nil {
			slog.Error("collateral return failed", "trade", t.ID, "err", err)
		}
	} else {
		payout := remainingDelta.Add(profit)
		if payout.IsNegative() {
			payout = decimal.Zero
		}
		if payout.IsPositive() {
			if err := c.vault.TransferOut(ctx, t.Trader, payout); err != nil {
				slog.Error("collateral return failed", "trade", t.ID, "err", err)
			}
		}
	}

	c.impact.AddOpenInterest(t.Pair, t.Side, deltaNotional, false, pnlPct.IsPositive())
	c.publishOI(t.Pair, t.Side)
	slog.Info("position decreased", "trade", t.ID, "delta", delta, "pnl_pct", pnlPct)
	return model.CancelNone, true
}
