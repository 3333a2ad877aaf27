package primarymarket

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"tranchefund/core/events"
	"tranchefund/native/bank"
	"tranchefund/native/fund"
	"tranchefund/storage"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	strategy = common.HexToAddress("0x0000000000000000000000000000000000005747")
	genesis  = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
)

func dec(s string) *uint256.Int { return fund.MustParseDecimal(s) }

type fixedPrice struct{ price *uint256.Int }

func (f *fixedPrice) Twap(context.Context, uint64) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.price), nil
}

type testEnv struct {
	t        *testing.T
	store    *storage.Journal
	bank     *bank.Bank
	fund     *fund.Engine
	market   *Market
	price    *fixedPrice
	recorder *events.Recorder
	now      time.Time
}

func newEnv(t *testing.T, mutateFund func(*fund.Params), mutate func(*Params)) *testEnv {
	t.Helper()
	fp := fund.DefaultParams()
	fp.StrategyAccount = strategy
	if mutateFund != nil {
		mutateFund(&fp)
	}
	pp := DefaultParams()
	if mutate != nil {
		mutate(&pp)
	}
	env := &testEnv{
		t:        t,
		store:    storage.NewJournal(storage.NewKVStore(storage.NewMemDB())),
		price:    &fixedPrice{price: dec("1")},
		recorder: &events.Recorder{},
		now:      genesis,
	}
	env.bank = bank.New(env.store, "usdc")
	clock := func() time.Time { return env.now }

	engine, err := fund.NewEngine(fp, env.store, env.bank, env.price)
	require.NoError(t, err)
	engine.SetClock(clock)
	engine.SetEmitter(env.recorder)
	require.NoError(t, engine.Initialize())

	m, err := New(pp, engine, env.bank, env.store)
	require.NoError(t, err)
	m.SetClock(clock)
	m.SetEmitter(env.recorder)

	env.fund = engine
	env.market = m
	return env
}

func (e *testEnv) day() uint64 {
	e.t.Helper()
	day, err := e.fund.CurrentDay()
	require.NoError(e.t, err)
	return day
}

func (e *testEnv) give(addr common.Address, amount *uint256.Int) {
	e.t.Helper()
	require.NoError(e.t, e.bank.Mint(addr, amount))
}

func (e *testEnv) underlying(addr common.Address) *uint256.Int {
	e.t.Helper()
	bal, err := e.bank.BalanceOf(addr)
	require.NoError(e.t, err)
	return bal
}

func (e *testEnv) shares(addr common.Address, t fund.Tranche) *uint256.Int {
	e.t.Helper()
	bal, err := e.fund.BalanceOf(addr, t)
	require.NoError(e.t, err)
	return bal
}

// settle moves the clock onto the pending boundary and settles it.
func (e *testEnv) settle() *fund.SettleResult {
	e.t.Helper()
	e.now = time.Unix(int64(e.day()), 0).UTC()
	res, err := e.fund.Settle(context.Background())
	require.NoError(e.t, err)
	return res
}

func (e *testEnv) claim(holder common.Address) ClaimResult {
	e.t.Helper()
	res, err := e.market.Claim(holder)
	require.NoError(e.t, err)
	return res
}

func requireAmount(t *testing.T, want, got *uint256.Int, msg string) {
	t.Helper()
	require.Truef(t, want.Eq(got), "%s: want %s got %s", msg, want.Dec(), got.Dec())
}
