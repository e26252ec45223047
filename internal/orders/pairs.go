package orders

import (
	"sort"
	"sync"

	"github.com/openperp/perp-engine/internal/model"
)

// PairBook is the in-memory pair registry. Listings are loaded from config
// at startup and mutated through the admin surface.
type PairBook struct {
	mu    sync.RWMutex
	pairs map[string]model.Pair
}

func NewPairBook() *PairBook {
	return &PairBook{pairs: make(map[string]model.Pair)}
}

// Upsert adds or replaces a listing. The symbol must already be validated.
func (b *PairBook) Upsert(p model.Pair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pairs[p.Symbol] = p
}

// Pair implements Registry.
func (b *PairBook) Pair(symbol string) (model.Pair, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pairs[symbol]
	return p, ok
}

// All returns every listing, sorted by symbol.
func (b *PairBook) All() []model.Pair {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Pair, 0, len(b.pairs))
	for _, p := range b.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
