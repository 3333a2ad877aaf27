package fund

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/native/bank"
	"tranchefund/storage"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca401")
	pmAcc = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

func dec(s string) *uint256.Int { return MustParseDecimal(s) }

type fixedPrice struct {
	price *uint256.Int
	err   error
}

func (f *fixedPrice) Twap(context.Context, uint64) (*uint256.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.price == nil {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Set(f.price), nil
}

type fixedRate struct{ rate *uint256.Int }

func (f fixedRate) Capture(context.Context, uint64) (*uint256.Int, error) {
	return new(uint256.Int).Set(f.rate), nil
}

// stubMarket returns scripted flows and records the arguments it was settled
// with.
type stubMarket struct {
	cap     *Capability
	flows   Flows
	calls   int
	lastDay uint64
	lastNav uint256.Int
	lastU   uint256.Int
	lastS   uint256.Int
	queued  bool
	owed    uint256.Int
	funded  uint256.Int
}

func (s *stubMarket) Account() common.Address { return pmAcc }

func (s *stubMarket) Settle(cap *Capability, day uint64, totalShares, underlying, price, nav *uint256.Int) (Flows, error) {
	if cap != s.cap {
		return Flows{}, ErrOnlyFund
	}
	s.calls++
	s.lastDay = day
	s.lastNav.Set(nav)
	s.lastU.Set(underlying)
	s.lastS.Set(totalShares)
	f := s.flows
	s.flows = Flows{}
	if s.queued {
		s.owed.Add(&s.owed, &f.RedemptionUnderlying)
	}
	return f, nil
}

func (s *stubMarket) QueueEnabled() bool { return s.queued }

func (s *stubMarket) QueueOutstanding() (*uint256.Int, error) {
	return new(uint256.Int).Set(&s.owed), nil
}

func (s *stubMarket) FundQueue(cap *Capability, amount *uint256.Int) error {
	if cap != s.cap {
		return ErrOnlyFund
	}
	s.owed.Sub(&s.owed, amount)
	s.funded.Add(&s.funded, amount)
	return nil
}

type harness struct {
	t      *testing.T
	engine *Engine
	store  *storage.Journal
	bank   *bank.Bank
	price  *fixedPrice
	pm     *stubMarket
	pmCap  *Capability
	now    time.Time
}

// genesis is 2021-01-01 00:00 UTC; with the default 14:00 offset the first
// boundary is 2021-01-01 14:00 UTC.
var genesis = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutate func(*Params)) *harness {
	t.Helper()
	params := DefaultParams()
	if mutate != nil {
		mutate(&params)
	}
	store := storage.NewJournal(storage.NewKVStore(storage.NewMemDB()))
	b := bank.New(store, "usdc")
	h := &harness{t: t, store: store, bank: b, price: &fixedPrice{price: dec("1")}, now: genesis}
	engine, err := NewEngine(params, store, b, h.price)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.SetClock(func() time.Time { return h.now })
	h.engine = engine
	h.pm = &stubMarket{cap: NewCapability(RoleFund)}
	pmCap, err := engine.BindPrimaryMarket(h.pm, h.pm.cap)
	if err != nil {
		t.Fatalf("bind primary market: %v", err)
	}
	h.pmCap = pmCap
	if err := engine.Initialize(); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func (h *harness) day() uint64 {
	h.t.Helper()
	day, err := h.engine.CurrentDay()
	if err != nil {
		h.t.Fatalf("current day: %v", err)
	}
	return day
}

// advance moves the clock just past the pending boundary.
func (h *harness) advance() {
	h.now = time.Unix(int64(h.day()), 0).UTC()
}

func (h *harness) fundUnderlying(addr common.Address, amount *uint256.Int) {
	h.t.Helper()
	if err := h.bank.Mint(addr, amount); err != nil {
		h.t.Fatalf("mint underlying: %v", err)
	}
}

func (h *harness) mint(t Tranche, holder common.Address, amount *uint256.Int) {
	h.t.Helper()
	if err := h.engine.Mint(h.pmCap, t, holder, amount); err != nil {
		h.t.Fatalf("mint %s: %v", t, err)
	}
}

func (h *harness) settle() *SettleResult {
	h.t.Helper()
	h.advance()
	res, err := h.engine.Settle(context.Background())
	if err != nil {
		h.t.Fatalf("settle: %v", err)
	}
	return res
}

func (h *harness) balance(holder common.Address, t Tranche) *uint256.Int {
	h.t.Helper()
	bal, err := h.engine.BalanceOf(holder, t)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal
}

func requireEq(t *testing.T, name string, got, want *uint256.Int) {
	t.Helper()
	if !got.Eq(want) {
		t.Fatalf("%s: got %s want %s", name, got.Dec(), want.Dec())
	}
}
