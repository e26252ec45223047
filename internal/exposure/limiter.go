// Package exposure enforces open-interest limits per pair/side and across
// borrowing groups.
//
// Pairs that draw on the same borrowed liquidity (for example every USD
// pair of one collateral vault) form a group; a position opened on any of
// them consumes the group's shared cap in addition to the pair's own.
package exposure

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
)

var (
	// ErrPairLimitExceeded is returned when a trade would push a single
	// pair's active OI beyond its per-side maximum.
	ErrPairLimitExceeded = errors.New("exposure: pair open-interest limit exceeded")

	// ErrGroupLimitExceeded is returned when a trade would push the
	// aggregate OI across a borrowing group beyond the group maximum.
	ErrGroupLimitExceeded = errors.New("exposure: borrowing-group limit exceeded")
)

// OISource reports current active open interest for a pair/side. The
// impact engine satisfies this.
type OISource interface {
	ActiveOpenInterest(pair string, side model.Side) decimal.Decimal
}

// Limiter validates exposure deltas against per-pair and per-group caps.
type Limiter struct {
	mu sync.RWMutex

	// maxPerPair caps active OI per side for each pair. A missing entry
	// means the pair is uncapped.
	maxPerPair map[string]decimal.Decimal

	// pairGroups maps pair → borrowing group; maxPerGroup caps the
	// aggregate per-side OI of each group.
	pairGroups  map[string]string
	maxPerGroup map[string]decimal.Decimal

	oi OISource
}

// NewLimiter creates a limiter reading live OI from the given source.
func NewLimiter(oi OISource) *Limiter {
	return &Limiter{
		maxPerPair:  make(map[string]decimal.Decimal),
		pairGroups:  make(map[string]string),
		maxPerGroup: make(map[string]decimal.Decimal),
		oi:          oi,
	}
}

// SetPairLimit installs the per-side OI cap and group membership for a pair.
func (l *Limiter) SetPairLimit(pair, group string, maxOI decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxPerPair[pair] = maxOI
	if group != "" {
		l.pairGroups[pair] = group
	} else {
		delete(l.pairGroups, pair)
	}
}

// SetGroupLimit installs the aggregate per-side OI cap for a group.
func (l *Limiter) SetGroupLimit(group string, maxOI decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxPerGroup[group] = maxOI
}

// CheckLimit validates whether adding notionalDelta of open interest on the
// given pair/side respects both the pair cap and its group cap.
func (l *Limiter) CheckLimit(pair string, side model.Side, notionalDelta decimal.Decimal) error {
	l.mu.RLock()
	pairCap, hasPairCap := l.maxPerPair[pair]
	group, inGroup := l.pairGroups[pair]
	groupCap, hasGroupCap := decimal.Decimal{}, false
	if inGroup {
		groupCap, hasGroupCap = l.maxPerGroup[group]
	}
	members := make([]string, 0, 4)
	if hasGroupCap {
		for p, g := range l.pairGroups {
			if g == group {
				members = append(members, p)
			}
		}
	}
	l.mu.RUnlock()

	// 1. Per-pair cap.
	if hasPairCap && !pairCap.IsZero() {
		if l.oi.ActiveOpenInterest(pair, side).Add(notionalDelta).GreaterThan(pairCap) {
			return ErrPairLimitExceeded
		}
	}

	// 2. Borrowing-group cap: aggregate the live OI of every member.
	if hasGroupCap && !groupCap.IsZero() {
		total := notionalDelta
		for _, p := range members {
			total = total.Add(l.oi.ActiveOpenInterest(p, side))
		}
		if total.GreaterThan(groupCap) {
			return ErrGroupLimitExceeded
		}
	}

	return nil
}
