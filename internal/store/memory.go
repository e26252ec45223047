package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
)

// MemoryLedger implements Ledger with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryLedger struct {
	mu     sync.RWMutex
	trades map[string]*model.Trade
	infos  map[string]*model.TradeInfo
	orders map[string]*model.PendingOrder
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		trades: make(map[string]*model.Trade),
		infos:  make(map[string]*model.TradeInfo),
		orders: make(map[string]*model.PendingOrder),
	}
}

func (s *MemoryLedger) StoreTrade(_ context.Context, t *model.Trade, info *model.TradeInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[t.ID]; exists {
		return fmt.Errorf("%w: trade %s", ErrDuplicateID, t.ID)
	}

	// Store copies to avoid external mutation.
	tc, ic := *t, *info
	s.trades[t.ID] = &tc
	s.infos[t.ID] = &ic
	return nil
}

func (s *MemoryLedger) GetTrade(_ context.Context, id string) (*model.Trade, *model.TradeInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	tc := *t
	ic := *s.infos[id]
	return &tc, &ic, nil
}

func (s *MemoryLedger) TradesByTrader(_ context.Context, trader string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.Trader == trader && t.Open {
			trades = append(trades, *t)
		}
	}
	return trades, nil
}

func (s *MemoryLedger) UpdateTradePosition(_ context.Context, id string, entryPrice, tp, sl, leverage decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	t.EntryPrice = entryPrice
	t.TakeProfit = tp
	t.StopLoss = sl
	t.Leverage = leverage
	return nil
}

func (s *MemoryLedger) UpdateTradeCollateral(_ context.Context, id string, collateral decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	t.Collateral = collateral
	return nil
}

func (s *MemoryLedger) UpdateTradeInfo(_ context.Context, info *model.TradeInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.infos[info.TradeID]; !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, info.TradeID)
	}
	ic := *info
	s.infos[info.TradeID] = &ic
	return nil
}

func (s *MemoryLedger) MarkTradeOpen(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	t.Open = true
	return nil
}

func (s *MemoryLedger) CloseTrade(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	t.Open = false
	return nil
}

func (s *MemoryLedger) StorePendingOrder(_ context.Context, o *model.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("%w: order %s", ErrDuplicateID, o.ID)
	}
	oc := *o
	s.orders[o.ID] = &oc
	return nil
}

func (s *MemoryLedger) GetPendingOrder(_ context.Context, id string) (*model.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	oc := *o
	return &oc, nil
}

func (s *MemoryLedger) PendingOrdersByTrade(_ context.Context, tradeID string) ([]model.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.PendingOrder
	for _, o := range s.orders {
		if o.TradeID == tradeID {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (s *MemoryLedger) PendingOrdersByTrader(_ context.Context, trader string) ([]model.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []model.PendingOrder
	for _, o := range s.orders {
		if o.Trader == trader {
			orders = append(orders, *o)
		}
	}
	return orders, nil
}

func (s *MemoryLedger) ClosePendingOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	delete(s.orders, id)
	return nil
}
