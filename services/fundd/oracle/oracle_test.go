package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"tranchefund/native/fund"
	"tranchefund/services/fundd/storage"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(storage.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type stubSource struct {
	name  string
	quote Quote
	err   error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Fetch(context.Context) (Quote, error) { return s.quote, s.err }

func TestMedian(t *testing.T) {
	require.Nil(t, Median(nil))
	odd := Median([]*uint256.Int{uint256.NewInt(5), uint256.NewInt(1), uint256.NewInt(3)})
	require.Equal(t, uint64(3), odd.Uint64())
	even := Median([]*uint256.Int{uint256.NewInt(4), uint256.NewInt(1), uint256.NewInt(2), uint256.NewInt(9)})
	require.Equal(t, uint64(3), even.Uint64())
}

func TestSamplerRecordsMedianOfFreshQuotes(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	sources := []Source{
		stubSource{name: "a", quote: Quote{Price: fund.MustParseDecimal("1.0"), Timestamp: now}},
		stubSource{name: "b", quote: Quote{Price: fund.MustParseDecimal("1.2"), Timestamp: now}},
		stubSource{name: "c", quote: Quote{Price: fund.MustParseDecimal("1.4"), Timestamp: now}},
		stubSource{name: "stale", quote: Quote{Price: fund.MustParseDecimal("9"), Timestamp: now.Add(-time.Hour)}},
		stubSource{name: "future", quote: Quote{Price: fund.MustParseDecimal("9"), Timestamp: now.Add(time.Hour)}},
		stubSource{name: "zero", quote: Quote{Price: new(uint256.Int), Timestamp: now}},
		stubSource{name: "down", err: errors.New("unreachable")},
	}
	sampler, err := NewSampler(store, sources, time.Minute, 5*time.Minute, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	median, err := sampler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.2", fund.FormatDecimal(median))

	samples, err := store.SamplesBetween(ctx, now.Add(-time.Minute), now)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, MedianSource, samples[0].Source)
	require.Equal(t, "1.2", samples[0].Price)
}

func TestSamplerRequiresMinFeeds(t *testing.T) {
	store := openStore(t)
	now := time.Now()
	sources := []Source{stubSource{name: "a", quote: Quote{Price: fund.Unit(), Timestamp: now}}}
	sampler, err := NewSampler(store, sources, time.Minute, time.Minute, WithMinFeeds(2))
	require.NoError(t, err)
	_, err = sampler.Tick(context.Background())
	require.Error(t, err)

	_, err = NewSampler(store, nil, time.Minute, time.Minute)
	require.Error(t, err)
	_, err = NewSampler(nil, sources, time.Minute, time.Minute)
	require.Error(t, err)
}

func TestSamplerPrunesOldSamples(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	now := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: MedianSource, Price: "1", ObservedAt: now.Add(-72 * time.Hour)}))

	src := stubSource{name: "a", quote: Quote{Price: fund.Unit(), Timestamp: now}}
	sampler, err := NewSampler(store, []Source{src}, time.Minute, time.Minute,
		WithClock(func() time.Time { return now }), WithRetention(48*time.Hour))
	require.NoError(t, err)
	_, err = sampler.Tick(ctx)
	require.NoError(t, err)

	left, err := store.SamplesBetween(ctx, now.Add(-100*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, left, 1)
}

func TestTWAPWeightsByDuration(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	boundary := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)

	// 1.0 holds for 20 minutes, 2.5 for the last 10
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: MedianSource, Price: "1", ObservedAt: boundary.Add(-30 * time.Minute)}))
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: MedianSource, Price: "2.5", ObservedAt: boundary.Add(-10 * time.Minute)}))
	// outside the window and after the boundary
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: MedianSource, Price: "50", ObservedAt: boundary.Add(-2 * time.Hour)}))
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: MedianSource, Price: "50", ObservedAt: boundary.Add(time.Minute)}))

	twap, err := NewTWAP(store, 30*time.Minute, 2)
	require.NoError(t, err)
	price, err := twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.Equal(t, "1.5", fund.FormatDecimal(price))
}

func TestTWAPNotReady(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	boundary := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	twap, err := NewTWAP(store, time.Hour, 2)
	require.NoError(t, err)

	price, err := twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.True(t, price.IsZero())

	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: MedianSource, Price: "1", ObservedAt: boundary.Add(-time.Minute)}))
	price, err = twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.True(t, price.IsZero())

	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: ManualSource, Price: "3", ObservedAt: boundary}))
	price, err = twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.Equal(t, "1", fund.FormatDecimal(price))
}

func TestTWAPInvalidatePicksUpLateSamples(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	boundary := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: MedianSource, Price: "2", ObservedAt: boundary.Add(-30 * time.Minute)}))

	twap, err := NewTWAP(store, time.Hour, 1)
	require.NoError(t, err)
	price, err := twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.Equal(t, "2", fund.FormatDecimal(price))

	// 2 holds for 15 minutes, the correction 4 for the last 15
	late := boundary.Add(-15 * time.Minute)
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: ManualSource, Price: "4", ObservedAt: late}))
	price, err = twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.Equal(t, "2", fund.FormatDecimal(price), "cached until invalidated")

	// a sample outside the window leaves the cache alone
	twap.Invalidate(boundary.Add(2 * time.Hour))
	price, err = twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.Equal(t, "2", fund.FormatDecimal(price))

	twap.Invalidate(late)
	price, err = twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.Equal(t, "3", fund.FormatDecimal(price))
}

func TestTWAPSamplesOnBoundaryAverage(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	boundary := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: ManualSource, Price: "2", ObservedAt: boundary}))
	require.NoError(t, store.RecordSample(ctx, storage.PriceSample{Source: ManualSource, Price: "4", ObservedAt: boundary}))

	twap, err := NewTWAP(store, time.Hour, 1)
	require.NoError(t, err)
	price, err := twap.Twap(ctx, uint64(boundary.Unix()))
	require.NoError(t, err)
	require.Equal(t, "3", fund.FormatDecimal(price))
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"price":"1.25","timestamp":1700000000}`))
		case "/bad":
			_, _ = w.Write([]byte(`{"price":"abc"}`))
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	quote, err := NewHTTPSource("feed", srv.URL+"/ok", srv.Client()).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.25", fund.FormatDecimal(quote.Price))
	require.Equal(t, int64(1700000000), quote.Timestamp.Unix())

	_, err = NewHTTPSource("feed", srv.URL+"/bad", srv.Client()).Fetch(context.Background())
	require.Error(t, err)
	_, err = NewHTTPSource("feed", srv.URL+"/down", nil).Fetch(context.Background())
	require.Error(t, err)
}

func TestStaticSourceAndFixedRate(t *testing.T) {
	quote, err := NewStaticSource("pinned", fund.MustParseDecimal("2")).Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2", fund.FormatDecimal(quote.Price))

	rate := NewFixedRate(fund.MustParseDecimal("0.0001"))
	got, err := rate.Capture(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "0.0001", fund.FormatDecimal(got))
	rate.Set(new(uint256.Int))
	got, err = rate.Capture(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, got.IsZero())
}
