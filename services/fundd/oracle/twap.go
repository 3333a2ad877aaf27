package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"tranchefund/native/fund"
)

// ManualSource labels prices posted by an operator.
const ManualSource = "manual"

// TWAP answers settlement price queries from the recorded samples. The price
// of a boundary is the time weighted average of the samples observed in the
// window ending at that boundary; each sample holds until the next one.
type TWAP struct {
	store      SampleStore
	window     time.Duration
	minSamples int

	mu    sync.Mutex
	cache map[uint64]*uint256.Int
}

// NewTWAP constructs a TWAP over store.
func NewTWAP(store SampleStore, window time.Duration, minSamples int) (*TWAP, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("twap window must be positive")
	}
	if minSamples <= 0 {
		minSamples = 1
	}
	return &TWAP{store: store, window: window, minSamples: minSamples, cache: make(map[uint64]*uint256.Int)}, nil
}

// Twap returns the price for boundary, or zero when the window holds fewer
// than the required samples. Answers are cached once available; samples
// recorded later for a closed window must go through Invalidate.
func (o *TWAP) Twap(ctx context.Context, boundary uint64) (*uint256.Int, error) {
	o.mu.Lock()
	if cached, ok := o.cache[boundary]; ok {
		o.mu.Unlock()
		return new(uint256.Int).Set(cached), nil
	}
	o.mu.Unlock()

	end := time.Unix(int64(boundary), 0)
	samples, err := o.store.SamplesBetween(ctx, end.Add(-o.window), end)
	if err != nil {
		return nil, err
	}
	points := make([]point, 0, len(samples))
	for _, sample := range samples {
		if sample.Source != MedianSource && sample.Source != ManualSource {
			continue
		}
		price, err := fund.ParseDecimal(sample.Price)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", sample.ID, err)
		}
		points = append(points, point{at: sample.ObservedAt, price: price})
	}
	if len(points) < o.minSamples || len(points) == 0 {
		return new(uint256.Int), nil
	}
	avg, err := timeWeighted(points, end)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.cache[boundary] = new(uint256.Int).Set(avg)
	o.mu.Unlock()
	return avg, nil
}

// Invalidate drops cached prices whose window contains at, so a sample
// recorded late for a closed window is picked up by the next query.
func (o *TWAP) Invalidate(at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for boundary := range o.cache {
		end := time.Unix(int64(boundary), 0)
		if !at.After(end) && !at.Before(end.Add(-o.window)) {
			delete(o.cache, boundary)
		}
	}
}

type point struct {
	at    time.Time
	price *uint256.Int
}

func timeWeighted(points []point, end time.Time) (*uint256.Int, error) {
	sum := new(uint256.Int)
	var total uint64
	for i, p := range points {
		next := end
		if i+1 < len(points) {
			next = points[i+1].at
		}
		weight := uint64(0)
		if d := next.Sub(p.at); d > 0 {
			weight = uint64(d / time.Second)
		}
		if weight == 0 {
			continue
		}
		term, overflow := new(uint256.Int).MulOverflow(p.price, uint256.NewInt(weight))
		if overflow {
			return nil, fmt.Errorf("twap overflow")
		}
		if _, overflow := sum.AddOverflow(sum, term); overflow {
			return nil, fmt.Errorf("twap overflow")
		}
		total += weight
	}
	if total == 0 {
		// every sample sits on the boundary
		sum.Clear()
		for _, p := range points {
			sum.Add(sum, p.price)
		}
		return sum.Div(sum, uint256.NewInt(uint64(len(points)))), nil
	}
	return sum.Div(sum, uint256.NewInt(total)), nil
}
