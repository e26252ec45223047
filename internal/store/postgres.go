package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
)

// PostgresLedger implements Ledger using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// the pending-order position template travels as JSONB.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const tradeColumns = `id, trader, pair, side,
	collateral::TEXT, leverage::TEXT, entry_price::TEXT,
	take_profit::TEXT, stop_loss::TEXT, open, kind, created_at,
	last_oi_update, last_size_increase, collateral_price::TEXT,
	max_slippage_pct::TEXT, version`

func (s *PostgresLedger) StoreTrade(ctx context.Context, t *model.Trade, info *model.TradeInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, trader, pair, side, collateral, leverage, entry_price,
		                     take_profit, stop_loss, open, kind, created_at,
		                     last_oi_update, last_size_increase, collateral_price,
		                     max_slippage_pct, version)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::NUMERIC, $10, $11, $12,
		         $13, $14, $15::NUMERIC, $16::NUMERIC, $17)`,
		t.ID, t.Trader, t.Pair, string(t.Side),
		t.Collateral.String(), t.Leverage.String(), t.EntryPrice.String(),
		t.TakeProfit.String(), t.StopLoss.String(), t.Open, string(t.Kind), t.CreatedAt,
		info.LastOiUpdate, info.LastSizeIncrease, info.CollateralPrice.String(),
		info.MaxSlippagePct.String(), info.Version,
	)
	return err
}

func scanTrade(row pgx.Row) (*model.Trade, *model.TradeInfo, error) {
	var (
		t    model.Trade
		info model.TradeInfo
		side, kind,
		collateral, leverage, entryPrice, tp, sl,
		collateralPrice, maxSlippage string
	)
	err := row.Scan(&t.ID, &t.Trader, &t.Pair, &side,
		&collateral, &leverage, &entryPrice, &tp, &sl,
		&t.Open, &kind, &t.CreatedAt,
		&info.LastOiUpdate, &info.LastSizeIncrease, &collateralPrice,
		&maxSlippage, &info.Version)
	if err != nil {
		return nil, nil, err
	}

	t.Side = model.Side(side)
	t.Kind = model.OrderKind(kind)
	t.Collateral, _ = decimal.NewFromString(collateral)
	t.Leverage, _ = decimal.NewFromString(leverage)
	t.EntryPrice, _ = decimal.NewFromString(entryPrice)
	t.TakeProfit, _ = decimal.NewFromString(tp)
	t.StopLoss, _ = decimal.NewFromString(sl)

	info.TradeID = t.ID
	info.CollateralPrice, _ = decimal.NewFromString(collateralPrice)
	info.MaxSlippagePct, _ = decimal.NewFromString(maxSlippage)

	return &t, &info, nil
}

func (s *PostgresLedger) GetTrade(ctx context.Context, id string) (*model.Trade, *model.TradeInfo, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	t, info, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, info, nil
}

func (s *PostgresLedger) TradesByTrader(ctx context.Context, trader string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE trader = $1 AND open ORDER BY created_at`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, _, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresLedger) UpdateTradePosition(ctx context.Context, id string, entryPrice, tp, sl, leverage decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET entry_price = $2::NUMERIC, take_profit = $3::NUMERIC,
		     stop_loss = $4::NUMERIC, leverage = $5::NUMERIC
		 WHERE id = $1`,
		id, entryPrice.String(), tp.String(), sl.String(), leverage.String(),
	)
	if err == nil && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return err
}

func (s *PostgresLedger) UpdateTradeCollateral(ctx context.Context, id string, collateral decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET collateral = $2::NUMERIC WHERE id = $1`,
		id, collateral.String(),
	)
	if err == nil && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return err
}

func (s *PostgresLedger) UpdateTradeInfo(ctx context.Context, info *model.TradeInfo) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET last_oi_update = $2, last_size_increase = $3,
		     collateral_price = $4::NUMERIC, max_slippage_pct = $5::NUMERIC,
		     version = $6
		 WHERE id = $1`,
		info.TradeID, info.LastOiUpdate, info.LastSizeIncrease,
		info.CollateralPrice.String(), info.MaxSlippagePct.String(), info.Version,
	)
	if err == nil && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, info.TradeID)
	}
	return err
}

func (s *PostgresLedger) MarkTradeOpen(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET open = TRUE WHERE id = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return err
}

func (s *PostgresLedger) CloseTrade(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET open = FALSE WHERE id = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return err
}

const orderColumns = `id, trader, kind, trade_id, template,
	new_leverage::TEXT, collateral_delta::TEXT, reserved_collateral::TEXT,
	max_slippage_pct::TEXT, created_at`

func (s *PostgresLedger) StorePendingOrder(ctx context.Context, o *model.PendingOrder) error {
	template, err := json.Marshal(o.Trade)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pending_orders (id, trader, kind, trade_id, template,
		                             new_leverage, collateral_delta, reserved_collateral,
		                             max_slippage_pct, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10)`,
		o.ID, o.Trader, string(o.Kind), o.TradeID, template,
		o.NewLeverage.String(), o.CollateralDelta.String(), o.ReservedCollateral.String(),
		o.MaxSlippagePct.String(), o.CreatedAt,
	)
	return err
}

func scanPendingOrder(row pgx.Row) (*model.PendingOrder, error) {
	var (
		o        model.PendingOrder
		kind     string
		template []byte
		newLeverage, collateralDelta, reserved, maxSlippage string
	)
	err := row.Scan(&o.ID, &o.Trader, &kind, &o.TradeID, &template,
		&newLeverage, &collateralDelta, &reserved, &maxSlippage, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	o.Kind = model.OrderKind(kind)
	if err := json.Unmarshal(template, &o.Trade); err != nil {
		return nil, fmt.Errorf("decode order template: %w", err)
	}
	o.NewLeverage, _ = decimal.NewFromString(newLeverage)
	o.CollateralDelta, _ = decimal.NewFromString(collateralDelta)
	o.ReservedCollateral, _ = decimal.NewFromString(reserved)
	o.MaxSlippagePct, _ = decimal.NewFromString(maxSlippage)

	return &o, nil
}

func (s *PostgresLedger) GetPendingOrder(ctx context.Context, id string) (*model.PendingOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM pending_orders WHERE id = $1`, id)
	o, err := scanPendingOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pending order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresLedger) queryOrders(ctx context.Context, query, arg string) ([]model.PendingOrder, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.PendingOrder
	for rows.Next() {
		o, err := scanPendingOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresLedger) PendingOrdersByTrade(ctx context.Context, tradeID string) ([]model.PendingOrder, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM pending_orders WHERE trade_id = $1 ORDER BY created_at`,
		tradeID)
}

func (s *PostgresLedger) PendingOrdersByTrader(ctx context.Context, trader string) ([]model.PendingOrder, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM pending_orders WHERE trader = $1 ORDER BY created_at`,
		trader)
}

func (s *PostgresLedger) ClosePendingOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pending_orders WHERE id = $1`, id)
	if err == nil && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	return err
}
