package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
)

// CachedLedger wraps a primary Ledger (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary and invalidate the cache; reads check
// Redis first then fall back to the primary.
type CachedLedger struct {
	primary Ledger
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedLedger creates a cached wrapper around a primary ledger.
func NewCachedLedger(primary Ledger, rdb *redis.Client, ttl time.Duration) *CachedLedger {
	return &CachedLedger{primary: primary, rdb: rdb, ttl: ttl}
}

// cachedTrade bundles a position with its metadata for one cache entry.
type cachedTrade struct {
	Trade model.Trade     `json:"trade"`
	Info  model.TradeInfo `json:"info"`
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedLedger) StoreTrade(ctx context.Context, t *model.Trade, info *model.TradeInfo) error {
	if err := s.primary.StoreTrade(ctx, t, info); err != nil {
		return err
	}
	s.cacheTrade(ctx, t, info)
	return nil
}

func (s *CachedLedger) UpdateTradePosition(ctx context.Context, id string, entryPrice, tp, sl, leverage decimal.Decimal) error {
	if err := s.primary.UpdateTradePosition(ctx, id, entryPrice, tp, sl, leverage); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(id))
	return nil
}

func (s *CachedLedger) UpdateTradeCollateral(ctx context.Context, id string, collateral decimal.Decimal) error {
	if err := s.primary.UpdateTradeCollateral(ctx, id, collateral); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(id))
	return nil
}

func (s *CachedLedger) UpdateTradeInfo(ctx context.Context, info *model.TradeInfo) error {
	if err := s.primary.UpdateTradeInfo(ctx, info); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(info.TradeID))
	return nil
}

func (s *CachedLedger) MarkTradeOpen(ctx context.Context, id string) error {
	if err := s.primary.MarkTradeOpen(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(id))
	return nil
}

func (s *CachedLedger) CloseTrade(ctx context.Context, id string) error {
	if err := s.primary.CloseTrade(ctx, id); err != nil {
		return err
	}
	s.rdb.Del(ctx, tradeKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedLedger) GetTrade(ctx context.Context, id string) (*model.Trade, *model.TradeInfo, error) {
	data, err := s.rdb.Get(ctx, tradeKey(id)).Bytes()
	if err == nil {
		var c cachedTrade
		if json.Unmarshal(data, &c) == nil {
			return &c.Trade, &c.Info, nil
		}
	}

	t, info, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s.cacheTrade(ctx, t, info)
	return t, info, nil
}

// --- Passthrough (not cached: pending orders change on every transition,
// and the by-trader scans are already indexed in the primary) ---

func (s *CachedLedger) TradesByTrader(ctx context.Context, trader string) ([]model.Trade, error) {
	return s.primary.TradesByTrader(ctx, trader)
}

func (s *CachedLedger) StorePendingOrder(ctx context.Context, o *model.PendingOrder) error {
	return s.primary.StorePendingOrder(ctx, o)
}

func (s *CachedLedger) GetPendingOrder(ctx context.Context, id string) (*model.PendingOrder, error) {
	return s.primary.GetPendingOrder(ctx, id)
}

func (s *CachedLedger) PendingOrdersByTrade(ctx context.Context, tradeID string) ([]model.PendingOrder, error) {
	return s.primary.PendingOrdersByTrade(ctx, tradeID)
}

func (s *CachedLedger) PendingOrdersByTrader(ctx context.Context, trader string) ([]model.PendingOrder, error) {
	return s.primary.PendingOrdersByTrader(ctx, trader)
}

func (s *CachedLedger) ClosePendingOrder(ctx context.Context, id string) error {
	return s.primary.ClosePendingOrder(ctx, id)
}

// --- Cache helpers ---

func (s *CachedLedger) cacheTrade(ctx context.Context, t *model.Trade, info *model.TradeInfo) {
	if data, err := json.Marshal(cachedTrade{Trade: *t, Info: *info}); err == nil {
		s.rdb.Set(ctx, tradeKey(t.ID), data, s.ttl)
	}
}

func tradeKey(id string) string { return fmt.Sprintf("trade:%s", id) }
