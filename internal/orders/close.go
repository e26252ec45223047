package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/impact"
	"github.com/openperp/perp-engine/internal/model"
)

// CloseTradeMarket admits a market close against an open position and starts
// its consensus round. expectedPrice is the slippage reference; a zero
// maxSlippagePct falls back to the tolerance the position was opened with.
func (c *Controller) CloseTradeMarket(ctx context.Context, trader, tradeID string, expectedPrice, maxSlippagePct decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, info, err := c.ownedOpenTrade(ctx, trader, tradeID)
	if err != nil {
		return "", c.reject(err)
	}
	if err := c.checkExclusion(ctx, tradeID, model.MarketClose); err != nil {
		return "", c.reject(err)
	}
	if maxSlippagePct.IsZero() {
		maxSlippagePct = info.MaxSlippagePct
	}

	now := c.now()
	template := *t
	template.EntryPrice = expectedPrice
	o := &model.PendingOrder{
		ID:             newOrderID(),
		Trader:         trader,
		Kind:           model.MarketClose,
		Trade:          template,
		TradeID:        tradeID,
		MaxSlippagePct: maxSlippagePct,
		CreatedAt:      now,
	}
	if err := c.dispatch(ctx, o, now); err != nil {
		return "", err
	}
	slog.Info("market close dispatched", "order", o.ID, "trade", tradeID, "trader", trader)
	return o.ID, nil
}

// TriggerOrder is the keeper entry point: it fires a resting limit or stop
// open, or a TP, SL, or liquidation close, starting a lookback consensus
// round sampled from the given time. Anyone may call it; validity is decided
// at resolution against the consensus candle.
func (c *Controller) TriggerOrder(ctx context.Context, kind model.OrderKind, tradeID string, from time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !kind.Lookback() {
		return "", c.reject(fmt.Errorf("%w: %s is not a trigger kind", ErrInvalidOrder, kind))
	}
	t, _, err := c.ledger.GetTrade(ctx, tradeID)
	if err != nil {
		return "", c.reject(err)
	}
	switch kind {
	case model.LimitOpen, model.StopOpen:
		if t.Open || t.Kind != kind || !t.Collateral.IsPositive() {
			return "", c.reject(fmt.Errorf("%w: no resting %s for %s", ErrInvalidOrder, kind, tradeID))
		}
	case model.TakeProfitClose:
		if !t.Open {
			return "", c.reject(ErrTradeNotOpen)
		}
		if t.TakeProfit.IsZero() {
			return "", c.reject(fmt.Errorf("%w: take profit", ErrTriggerNotSet))
		}
	case model.StopLossClose:
		if !t.Open {
			return "", c.reject(ErrTradeNotOpen)
		}
		if t.StopLoss.IsZero() {
			return "", c.reject(fmt.Errorf("%w: stop loss", ErrTriggerNotSet))
		}
	case model.LiquidationClose:
		if !t.Open {
			return "", c.reject(ErrTradeNotOpen)
		}
	}
	if err := c.checkExclusion(ctx, tradeID, kind); err != nil {
		return "", c.reject(err)
	}

	now := c.now()
	o := &model.PendingOrder{
		ID:        newOrderID(),
		Trader:    t.Trader,
		Kind:      kind,
		Trade:     *t,
		TradeID:   tradeID,
		CreatedAt: now,
	}
	if err := c.dispatch(ctx, o, from); err != nil {
		return "", err
	}
	slog.Info("trigger dispatched", "order", o.ID, "kind", kind, "trade", tradeID, "from", from)
	return o.ID, nil
}

// settleClose resolves a market close or a trigger close. Trigger closes
// execute at their trigger price when the candle band crossed it, and
// resolve NOT_HIT otherwise, leaving the position untouched. A false second
// return means a ledger write failed and the order is still pending.
func (c *Controller) settleClose(ctx context.Context, o *model.PendingOrder, candle model.PriceCandle) (model.CancelReason, bool) {
	t, info, err := c.ledger.GetTrade(ctx, o.TradeID)
	if err != nil || !t.Open {
		return model.CancelNoTrade, c.closeOrder(ctx, o.ID)
	}

	execPrice := candle.Open
	if o.Kind.Lookback() {
		var trigger decimal.Decimal
		switch o.Kind {
		case model.TakeProfitClose:
			trigger = t.TakeProfit
		case model.StopLossClose:
			trigger = t.StopLoss
		case model.LiquidationClose:
			trigger = model.LiquidationPrice(t.EntryPrice, t.Leverage, t.Side)
		}
		if trigger.IsZero() || !triggerCrossed(candle, trigger) {
			return model.CancelNotHit, c.closeOrder(ctx, o.ID)
		}
		execPrice = trigger
	} else if pastLiquidation(t, execPrice) {
		// Market closes through the liquidation price are cancelled;
		// the position belongs to the liquidation keeper now.
		return model.CancelLiqReached, c.closeOrder(ctx, o.ID)
	}

	notional := t.Notional()
	rawPnlPct := model.PnlPercent(t.EntryPrice, execPrice, t.Leverage, t.Side, c.cfg.MaxGainPct)
	_, adjusted := c.impact.TradePriceImpact(impact.TradeImpact{
		Pair:             t.Pair,
		Side:             t.Side,
		MarketPrice:      execPrice,
		NotionalUSD:      notional,
		Open:             false,
		Version:          info.Version,
		FavorablePnl:     rawPnlPct.IsPositive(),
		Trader:           t.Trader,
		LastSizeIncrease: info.LastSizeIncrease,
	})

	if o.Kind == model.MarketClose &&
		slippageExceeded(adjusted, o.Trade.EntryPrice, o.MaxSlippagePct, t.Side, false) {
		return model.CancelSlippage, c.closeOrder(ctx, o.ID)
	}

	pnlPct := model.PnlPercent(t.EntryPrice, adjusted, t.Leverage, t.Side, c.cfg.MaxGainPct)
	profit := t.Collateral.Mul(pnlPct).Div(decimal.NewFromInt(100)).Round(model.UsdScale)
	fee := c.feeFor(t.Collateral, notional)
	remaining := t.Collateral.Sub(fee)

	// Persist before paying: a position or order record that survives the
	// payout would be settled a second time.
	if err := c.ledger.CloseTrade(ctx, t.ID); err != nil {
		slog.Error("position close failed, order left pending", "trade", t.ID, "order", o.ID, "err", err)
		return "", false
	}
	if !c.closeOrder(ctx, o.ID) {
		return "", false
	}

	c.distributeFee(ctx, fee, false, o.Kind != model.MarketClose)
	if profit.IsPositive() {
		if err := c.vault.SettlePnl(ctx, t.Trader, profit); err != nil {
			slog.Error("pnl settlement failed", "trade", t.ID, "err", err)
		}
		if err := c.vault.TransferOut(ctx, t.Trader, remaining); err != nil {
			slog.Error("collateral return failed", "trade", t.ID, "err", err)
		}
	} else {
		payout := remaining.Add(profit)
		if payout.IsNegative() {
			payout = decimal.Zero
		}
		if payout.IsPositive() {
			if err := c.vault.TransferOut(ctx, t.Trader, payout); err != nil {
				slog.Error("collateral return failed", "trade", t.ID, "err", err)
			}
		}
	}

	c.impact.AddOpenInterest(t.Pair, t.Side, notional, false, pnlPct.IsPositive())
	c.publishOI(t.Pair, t.Side)

	slog.Info("position closed",
		"trade", t.ID, "kind", o.Kind, "exec", adjusted, "pnl_pct", pnlPct, "fee", fee)
	return model.CancelNone, true
}
