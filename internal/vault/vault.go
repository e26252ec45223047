// Package vault defines the collateral-custody contract the core consumes,
// plus an in-memory reference implementation for tests and development.
// Real custody (token movement) is outside the core.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a transfer exceeds the
	// available balance.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")

	// ErrInvalidAmount is returned for non-positive transfer amounts.
	ErrInvalidAmount = errors.New("vault: amount must be positive")
)

// Vault is the collateral collaborator. TransferIn reserves trader funds
// with the engine; TransferOut returns them. SettlePnl pays realized profit
// out of the pool or absorbs realized loss into it. CollectFee moves pool
// funds into a named fee bucket.
type Vault interface {
	TransferIn(ctx context.Context, trader string, amount decimal.Decimal) error
	TransferOut(ctx context.Context, trader string, amount decimal.Decimal) error
	SettlePnl(ctx context.Context, trader string, pnl decimal.Decimal) error
	CollectFee(ctx context.Context, bucket string, amount decimal.Decimal) error
}

// Memory implements Vault with in-memory balances. Not suitable for
// production (no persistence, no real custody).
type Memory struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	pool     decimal.Decimal
	fees     map[string]decimal.Decimal
}

// NewMemory creates an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]decimal.Decimal),
		fees:     make(map[string]decimal.Decimal),
	}
}

// Fund credits a trader's free balance (test/admin surface).
func (v *Memory) Fund(trader string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[trader] = v.balances[trader].Add(amount)
}

// Balance returns a trader's free balance.
func (v *Memory) Balance(trader string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[trader]
}

// Pool returns the engine-held pool balance.
func (v *Memory) Pool() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pool
}

// FeeBucket returns the accumulated fees in one bucket.
func (v *Memory) FeeBucket(bucket string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fees[bucket]
}

func (v *Memory) TransferIn(_ context.Context, trader string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balances[trader].LessThan(amount) {
		return fmt.Errorf("%w: trader %s", ErrInsufficientBalance, trader)
	}
	v.balances[trader] = v.balances[trader].Sub(amount)
	v.pool = v.pool.Add(amount)
	return nil
}

func (v *Memory) TransferOut(_ context.Context, trader string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool.LessThan(amount) {
		return fmt.Errorf("%w: pool", ErrInsufficientBalance)
	}
	v.pool = v.pool.Sub(amount)
	v.balances[trader] = v.balances[trader].Add(amount)
	return nil
}

func (v *Memory) SettlePnl(_ context.Context, trader string, pnl decimal.Decimal) error {
	if pnl.IsZero() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if pnl.IsPositive() {
		// Profit is paid from the pool; a drained pool is a venue-level
		// failure surfaced to the caller.
		if v.pool.LessThan(pnl) {
			return fmt.Errorf("%w: pool", ErrInsufficientBalance)
		}
		v.pool = v.pool.Sub(pnl)
		v.balances[trader] = v.balances[trader].Add(pnl)
		return nil
	}
	// Loss was already reserved into the pool with the collateral.
	return nil
}

func (v *Memory) CollectFee(_ context.Context, bucket string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pool.LessThan(amount) {
		return fmt.Errorf("%w: pool", ErrInsufficientBalance)
	}
	v.pool = v.pool.Sub(amount)
	v.fees[bucket] = v.fees[bucket].Add(amount)
	return nil
}
