package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"tranchefund/core/events"
	nativecommon "tranchefund/native/common"
	"tranchefund/native/fund"
	"tranchefund/services/fundd/config"
	history "tranchefund/services/fundd/storage"
	"tranchefund/storage"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	genesis = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
)

func dec(s string) *uint256.Int { return fund.MustParseDecimal(s) }

type fixedPrice struct{ price *uint256.Int }

func (f fixedPrice) Twap(context.Context, uint64) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.price), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	node    *Node
	history *history.Store
	clock   *clock
}

func newHarness(t *testing.T, price fund.PriceOracle, db storage.Database, opts ...Option) *harness {
	t.Helper()
	hist, err := history.Open(history.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })
	if db == nil {
		db = storage.NewMemDB()
	}
	c := &clock{now: genesis}
	cfg := config.Config{}
	cfg.Oracle.InterestRate = config.MustDecimal("0.0001")
	n, err := New(cfg, db, hist, price, append([]Option{WithClock(c.Now)}, opts...)...)
	require.NoError(t, err)
	return &harness{node: n, history: hist, clock: c}
}

// advance moves the clock onto the pending boundary.
func (h *harness) advance(t *testing.T) uint64 {
	t.Helper()
	day, err := h.node.CurrentDay()
	require.NoError(t, err)
	h.clock.Set(time.Unix(int64(day), 0).UTC())
	return day
}

func TestCreateSettleClaimRecordsHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedPrice{price: dec("1")}, nil)
	n := h.node

	require.NoError(t, n.MintUnderlying(alice, dec("100")))
	require.NoError(t, n.Create(alice, dec("100")))

	pending, err := n.Pending(alice)
	require.NoError(t, err)
	require.Equal(t, dec("100"), &pending.CreatingUnderlying)

	day := h.advance(t)
	results, err := n.SettleDue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, day, results[0].Day)

	claim, err := n.Claim(alice)
	require.NoError(t, err)
	require.Equal(t, dec("100"), &claim.Shares)

	holdings, err := n.Balances(alice)
	require.NoError(t, err)
	require.Equal(t, dec("100"), &holdings.Balances[fund.TrancheBase])

	settlements, err := n.Settlements(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	require.Equal(t, day, settlements[0].Day)
	require.Equal(t, "1", settlements[0].NavBase)
	require.NotEmpty(t, settlements[0].RunID)

	evts, err := n.Events(ctx, events.TypeFundSettled, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeFundSettled, evts[0]["type"])

	rates, err := n.Rates(day)
	require.NoError(t, err)
	require.False(t, rates.Creation.IsZero())

	// nothing is due until the next boundary
	again, err := n.SettleDue(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, again)
	_, err = n.Settle(ctx)
	require.ErrorIs(t, err, fund.ErrNotYetDue)
}

func TestSplitTransferAndAllowance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedPrice{price: dec("1")}, nil)
	n := h.node

	require.NoError(t, n.MintUnderlying(alice, dec("10")))
	require.NoError(t, n.Create(alice, dec("10")))
	h.advance(t)
	_, err := n.Settle(ctx)
	require.NoError(t, err)
	_, err = n.Claim(alice)
	require.NoError(t, err)

	split, err := n.Split(alice, dec("4"))
	require.NoError(t, err)
	require.Equal(t, dec("2"), &split.OutA)
	require.Equal(t, dec("2"), &split.OutB)

	require.NoError(t, n.Transfer(fund.TrancheA, alice, bob, dec("1")))
	require.NoError(t, n.Approve(fund.TrancheB, alice, bob, dec("2")))
	allowance, err := n.Allowance(fund.TrancheB, alice, bob)
	require.NoError(t, err)
	require.Equal(t, dec("2"), allowance)
	require.NoError(t, n.TransferFrom(fund.TrancheB, bob, alice, bob, dec("2")))
	require.ErrorIs(t, n.TransferFrom(fund.TrancheB, bob, alice, bob, dec("1")), fund.ErrInsufficientAllowance)

	bobs, err := n.Balances(bob)
	require.NoError(t, err)
	require.Equal(t, dec("1"), &bobs.Balances[fund.TrancheA])
	require.Equal(t, dec("2"), &bobs.Balances[fund.TrancheB])

	supplies, err := n.TotalSupplies()
	require.NoError(t, err)
	require.Equal(t, dec("6"), &supplies[fund.TrancheBase])
	require.Equal(t, dec("2"), &supplies[fund.TrancheA])

	require.ErrorIs(t, n.Transfer(fund.Tranche(7), alice, bob, dec("1")), fund.ErrInvalidTranche)
}

type hookRecorder struct {
	transfers []string
	approvals []string
}

func (r *hookRecorder) FundEmitTransfer(t fund.Tranche, from, to common.Address, amount *uint256.Int) {
	r.transfers = append(r.transfers, fmt.Sprintf("%s %s->%s %s", t, from.Hex(), to.Hex(), fund.FormatDecimal(amount)))
}

func (r *hookRecorder) FundEmitApproval(t fund.Tranche, owner, spender common.Address, amount *uint256.Int) {
	r.approvals = append(r.approvals, fmt.Sprintf("%s %s->%s %s", t, owner.Hex(), spender.Hex(), fund.FormatDecimal(amount)))
}

func TestTokenHooksSeeCommittedMutations(t *testing.T) {
	ctx := context.Background()
	rec := &hookRecorder{}
	h := newHarness(t, fixedPrice{price: dec("1")}, nil, WithTokenHooks(rec))
	n := h.node

	require.NoError(t, n.MintUnderlying(alice, dec("4")))
	require.NoError(t, n.Create(alice, dec("4")))
	h.advance(t)
	_, err := n.Settle(ctx)
	require.NoError(t, err)
	_, err = n.Claim(alice)
	require.NoError(t, err)

	before := len(rec.transfers)
	require.NoError(t, n.Transfer(fund.TrancheBase, alice, bob, dec("1")))
	require.Len(t, rec.transfers, before+1)
	require.Equal(t, fmt.Sprintf("%s %s->%s 1", fund.TrancheBase, alice.Hex(), bob.Hex()), rec.transfers[before])

	require.ErrorIs(t, n.Transfer(fund.TrancheBase, alice, bob, dec("10")), fund.ErrInsufficientBalance)
	require.Len(t, rec.transfers, before+1, "failed transfers are not reported")

	require.NoError(t, n.Approve(fund.TrancheBase, alice, bob, dec("2")))
	require.Equal(t, []string{fmt.Sprintf("%s %s->%s 2", fund.TrancheBase, alice.Hex(), bob.Hex())}, rec.approvals)
}

func TestPauseBlocksPrimaryMarket(t *testing.T) {
	h := newHarness(t, fixedPrice{price: dec("1")}, nil)
	n := h.node
	require.NoError(t, n.MintUnderlying(alice, dec("10")))

	require.NoError(t, n.SetPaused(nativecommon.ModulePrimaryMarket, true))
	require.Equal(t, []string{nativecommon.ModulePrimaryMarket}, n.Paused())
	require.ErrorIs(t, n.Create(alice, dec("10")), fund.ErrInactiveMarket)

	require.NoError(t, n.SetPaused(nativecommon.ModulePrimaryMarket, false))
	require.NoError(t, n.Create(alice, dec("10")))

	require.ErrorIs(t, n.SetPaused("lending", true), ErrUnknownModule)
}

func TestPriceNotReadyDefersSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedPrice{price: new(uint256.Int)}, nil)
	h.advance(t)

	_, err := h.node.SettleDue(ctx, 0)
	require.True(t, fund.IsTransient(err), "expected transient error, got %v", err)

	summary, err := h.node.Summary()
	require.NoError(t, err)
	day, err := h.node.CurrentDay()
	require.NoError(t, err)
	require.Equal(t, day, summary.CurrentDay)
}

func TestPostPriceAndEstimate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedPrice{price: dec("1")}, nil)
	n := h.node

	_, _, err := n.EstimateNav(ctx, 0, nil)
	require.ErrorIs(t, err, fund.ErrPriceNotReady)

	require.ErrorIs(t, n.PostPrice(ctx, new(uint256.Int), time.Time{}), fund.ErrInvalidAmount)
	require.NoError(t, n.PostPrice(ctx, dec("1.5"), genesis))

	navs, price, err := n.EstimateNav(ctx, 0, nil)
	require.NoError(t, err)
	require.Equal(t, dec("1.5"), price)
	require.False(t, navs.A.IsZero())

	explicit, _, err := n.EstimateNav(ctx, uint64(genesis.Unix()), dec("1"))
	require.NoError(t, err)
	require.Equal(t, dec("1"), &explicit.Base)
}

type cachingPrice struct {
	fixedPrice
	invalidated []time.Time
}

func (c *cachingPrice) Invalidate(at time.Time) { c.invalidated = append(c.invalidated, at) }

func TestPostPriceInvalidatesCachedWindows(t *testing.T) {
	ctx := context.Background()
	price := &cachingPrice{fixedPrice: fixedPrice{price: dec("1")}}
	h := newHarness(t, price, nil)

	at := genesis.Add(-time.Hour)
	require.NoError(t, h.node.PostPrice(ctx, dec("2"), at))
	require.Equal(t, []time.Time{at}, price.invalidated)
}

func TestInterestRateIsAdjustable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fixedPrice{price: dec("1")}, nil)

	rate, err := h.node.InterestRate(ctx)
	require.NoError(t, err)
	require.Equal(t, dec("0.0001"), rate)

	require.NoError(t, h.node.SetInterestRate(dec("0.0002")))
	rate, err = h.node.InterestRate(ctx)
	require.NoError(t, err)
	require.Equal(t, dec("0.0002"), rate)
}

type constantRate struct{}

func (constantRate) Capture(context.Context, uint64) (*uint256.Int, error) { return new(uint256.Int), nil }

func TestFixedRateOracleRequiredForUpdates(t *testing.T) {
	hist, err := history.Open(history.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	defer hist.Close()
	n, err := New(config.Config{}, storage.NewMemDB(), hist, fixedPrice{price: dec("1")},
		WithClock(func() time.Time { return genesis }), WithRateOracle(constantRate{}))
	require.NoError(t, err)
	require.True(t, errors.Is(n.SetInterestRate(dec("1")), ErrRateFixed))
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenDatabase(dir)
	require.NoError(t, err)
	h := newHarness(t, fixedPrice{price: dec("1")}, db)
	require.NoError(t, h.node.MintUnderlying(alice, dec("5")))
	require.NoError(t, h.node.SetPaused(nativecommon.ModuleFund, true))
	day, err := h.node.CurrentDay()
	require.NoError(t, err)
	h.node.Close()

	reopened, err := OpenDatabase(dir)
	require.NoError(t, err)
	defer reopened.Close()
	h2 := newHarness(t, fixedPrice{price: dec("1")}, reopened)
	bal, err := h2.node.UnderlyingBalance(alice)
	require.NoError(t, err)
	require.Equal(t, dec("5"), bal)
	require.Equal(t, []string{nativecommon.ModuleFund}, h2.node.Paused())
	again, err := h2.node.CurrentDay()
	require.NoError(t, err)
	require.Equal(t, day, again)
}
