package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"tranchefund/native/fund"
	"tranchefund/observability"
	"tranchefund/services/fundd/storage"
)

// MedianSource is the source label of aggregated samples.
const MedianSource = "median"

// SampleStore persists aggregated price samples.
type SampleStore interface {
	RecordSample(ctx context.Context, sample storage.PriceSample) error
	SamplesBetween(ctx context.Context, from, to time.Time) ([]storage.PriceSample, error)
	PruneSamples(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sampler periodically polls the configured sources and records the median
// of the fresh quotes.
type Sampler struct {
	logger    *slog.Logger
	store     SampleStore
	sources   []Source
	interval  time.Duration
	maxAge    time.Duration
	minFeeds  int
	retention time.Duration
	now       func() time.Time
	once      sync.Once
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMinFeeds sets the number of fresh quotes required per tick.
func WithMinFeeds(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.minFeeds = n
		}
	}
}

// WithRetention prunes samples older than d on every tick. Zero keeps all.
func WithRetention(d time.Duration) Option {
	return func(s *Sampler) { s.retention = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSampler constructs a sampler.
func NewSampler(store SampleStore, sources []Source, interval, maxAge time.Duration, opts ...Option) (*Sampler, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	s := &Sampler{
		logger:   slog.Default(),
		store:    store,
		sources:  append([]Source{}, sources...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: 1,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Run blocks, sampling until the context is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("sampler not configured")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.once.Do(func() {
		s.logger.Info("oracle sampler started", slog.Int("sources", len(s.sources)), slog.Duration("interval", s.interval))
	})
	for {
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("oracle tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick polls every source once and records the median of the fresh quotes.
func (s *Sampler) Tick(ctx context.Context) (*uint256.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("sampler not configured")
	}
	metrics := observability.Oracle()
	now := s.now()
	prices := make([]*uint256.Int, 0, len(s.sources))
	var newest time.Time
	for _, src := range s.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx)
		if err == nil {
			err = s.check(quote, now)
		}
		metrics.RecordSample(src.Name(), err)
		if err != nil {
			s.logger.Warn("oracle source rejected", slog.String("source", src.Name()), slog.Any("error", err))
			continue
		}
		prices = append(prices, quote.Price)
		if quote.Timestamp.After(newest) {
			newest = quote.Timestamp
		}
	}
	if len(prices) < s.minFeeds {
		return nil, fmt.Errorf("insufficient oracle feeds: have %d, need %d", len(prices), s.minFeeds)
	}
	median := Median(prices)
	sample := storage.PriceSample{Source: MedianSource, Price: fund.FormatDecimal(median), ObservedAt: now}
	if err := s.store.RecordSample(ctx, sample); err != nil {
		return nil, fmt.Errorf("record sample: %w", err)
	}
	metrics.RecordFreshness(now.Sub(newest), decimalFloat(median))
	if s.retention > 0 {
		if removed, err := s.store.PruneSamples(ctx, now.Add(-s.retention)); err != nil {
			s.logger.Warn("prune samples failed", slog.Any("error", err))
		} else if removed > 0 {
			s.logger.Debug("pruned price samples", slog.Int64("removed", removed))
		}
	}
	return median, nil
}

func (s *Sampler) check(q Quote, now time.Time) error {
	if q.Price == nil || q.Price.IsZero() {
		return fmt.Errorf("invalid price")
	}
	if q.Timestamp.After(now.Add(5 * time.Second)) {
		return fmt.Errorf("future timestamp %s", q.Timestamp.UTC().Format(time.RFC3339))
	}
	if q.Timestamp.Before(now.Add(-s.maxAge)) {
		return fmt.Errorf("quote expired")
	}
	return nil
}

// Median returns the median of prices, averaging the middle pair for even
// counts. It returns nil for an empty input.
func Median(prices []*uint256.Int) *uint256.Int {
	if len(prices) == 0 {
		return nil
	}
	sorted := make([]*uint256.Int, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lt(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(uint256.Int).Set(sorted[mid])
	}
	sum := new(uint256.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Rsh(sum, 1)
}

func decimalFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	return v.Float64() / 1e18
}
