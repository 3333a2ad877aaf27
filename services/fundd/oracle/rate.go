package oracle

import (
	"context"
	"sync"

	"github.com/holiman/uint256"
)

// FixedRate reports the same per-epoch interest rate for every day until
// an operator changes it.
type FixedRate struct {
	mu   sync.RWMutex
	rate uint256.Int
}

func NewFixedRate(rate *uint256.Int) *FixedRate {
	r := &FixedRate{}
	if rate != nil {
		r.rate.Set(rate)
	}
	return r
}

func (r *FixedRate) Capture(context.Context, uint64) (*uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return new(uint256.Int).Set(&r.rate), nil
}

// Set replaces the rate applied from the next settlement on.
func (r *FixedRate) Set(rate *uint256.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate.Set(rate)
}
