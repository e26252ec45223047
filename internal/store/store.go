// Package store defines the Ledger: durable storage of positions and
// pending orders. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
)

var (
	// ErrTradeNotFound is returned for lookups of unknown positions.
	ErrTradeNotFound = errors.New("store: trade not found")

	// ErrOrderNotFound is returned for lookups of unknown pending orders.
	ErrOrderNotFound = errors.New("store: pending order not found")

	// ErrDuplicateID is returned when an id is reused on insert.
	ErrDuplicateID = errors.New("store: duplicate id")
)

// Ledger is the persistence interface for positions and pending orders.
// Positions are mutated only through controller-issued commands.
type Ledger interface {
	// --- Positions ---

	// StoreTrade persists a new position with its metadata.
	StoreTrade(ctx context.Context, t *model.Trade, info *model.TradeInfo) error

	// GetTrade retrieves a position and its metadata by id.
	GetTrade(ctx context.Context, id string) (*model.Trade, *model.TradeInfo, error)

	// TradesByTrader returns all open positions owned by a trader.
	TradesByTrader(ctx context.Context, trader string) ([]model.Trade, error)

	// UpdateTradePosition rewrites entry price, TP/SL, and leverage.
	UpdateTradePosition(ctx context.Context, id string, entryPrice, tp, sl, leverage decimal.Decimal) error

	// UpdateTradeCollateral rewrites the collateral amount.
	UpdateTradeCollateral(ctx context.Context, id string, collateral decimal.Decimal) error

	// UpdateTradeInfo rewrites the position metadata.
	UpdateTradeInfo(ctx context.Context, info *model.TradeInfo) error

	// MarkTradeOpen flips a resting position live after trigger execution.
	MarkTradeOpen(ctx context.Context, id string) error

	// CloseTrade marks a position closed.
	CloseTrade(ctx context.Context, id string) error

	// --- Pending orders ---

	// StorePendingOrder persists an in-flight order.
	StorePendingOrder(ctx context.Context, o *model.PendingOrder) error

	// GetPendingOrder retrieves a pending order by id.
	GetPendingOrder(ctx context.Context, id string) (*model.PendingOrder, error)

	// PendingOrdersByTrade returns outstanding orders referencing a position.
	PendingOrdersByTrade(ctx context.Context, tradeID string) ([]model.PendingOrder, error)

	// PendingOrdersByTrader returns a trader's outstanding orders.
	PendingOrdersByTrader(ctx context.Context, trader string) ([]model.PendingOrder, error)

	// ClosePendingOrder removes a resolved or cancelled order.
	ClosePendingOrder(ctx context.Context, id string) error
}
