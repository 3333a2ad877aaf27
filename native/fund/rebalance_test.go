package fund

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func navTuple(base, a, b string) Navs {
	var n Navs
	n.Base.Set(dec(base))
	n.A.Set(dec(a))
	n.B.Set(dec(b))
	return n
}

func (h *harness) appendRebalance(r Rebalance) uint64 {
	h.t.Helper()
	st, err := h.engine.loadState()
	if err != nil {
		h.t.Fatalf("load state: %v", err)
	}
	index, err := h.engine.appendRebalance(st, r)
	if err != nil {
		h.t.Fatalf("append rebalance: %v", err)
	}
	if err := h.engine.storeState(st); err != nil {
		h.t.Fatalf("store state: %v", err)
	}
	return index
}

func TestUpperRebalanceMatrix(t *testing.T) {
	r, err := RebalanceRatios(RebalanceUpper, navTuple("1.6", "1.1", "2.1"), Weights{A: 1, B: 1}, 100)
	if err != nil {
		t.Fatalf("ratios: %v", err)
	}
	requireEq(t, "ratioBase", &r.RatioBase, dec("1.6"))
	requireEq(t, "ratioA2Base", &r.RatioA2Base, dec("0.1"))
	requireEq(t, "ratioB2Base", &r.RatioB2Base, dec("1.1"))
	requireEq(t, "ratioAB", &r.RatioAB, dec("1"))

	cases := []struct{ in, want Amounts }{
		{in: NewAmounts(400, 100, 0), want: NewAmounts(650, 100, 0)},
		{in: NewAmounts(0, 200, 300), want: NewAmounts(350, 200, 300)},
	}
	for _, tc := range cases {
		got, err := r.Apply(tc.in)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if got != tc.want {
			t.Fatalf("apply %s: got %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestRebalanceAtParIsIdentity(t *testing.T) {
	for _, kind := range []RebalanceKind{RebalanceUpper, RebalanceLower, RebalanceFixed} {
		r, err := RebalanceRatios(kind, navTuple("1", "1", "1"), Weights{A: 1, B: 1}, 1)
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		in := NewAmounts(123, 456, 789)
		got, err := r.Apply(in)
		if err != nil {
			t.Fatalf("%s apply: %v", kind, err)
		}
		if got != in {
			t.Fatalf("%s: got %s want %s", kind, got, in)
		}
	}
}

func TestLowerRebalancePreservesValue(t *testing.T) {
	navs := navTuple("0.75", "1.1", "0.4")
	r, err := RebalanceRatios(RebalanceLower, navs, Weights{A: 1, B: 1}, 1)
	if err != nil {
		t.Fatalf("ratios: %v", err)
	}
	requireEq(t, "ratioAB", &r.RatioAB, dec("0.4"))
	requireEq(t, "ratioA2Base", &r.RatioA2Base, dec("0.7"))
	requireEq(t, "ratioB2Base", &r.RatioB2Base, new(uint256.Int))

	got, err := r.Apply(NewAmounts(0, 100, 100))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if want := NewAmounts(70, 40, 40); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestRebalanceCapsSeniorClaimWhenJuniorWipedOut(t *testing.T) {
	r, err := RebalanceRatios(RebalanceLower, navTuple("0.4", "1", "0"), Weights{A: 1, B: 1}, 1)
	if err != nil {
		t.Fatalf("ratios: %v", err)
	}
	requireEq(t, "ratioA2Base", &r.RatioA2Base, dec("0.8"))
	requireEq(t, "ratioAB", &r.RatioAB, new(uint256.Int))
	got, err := r.Apply(NewAmounts(0, 100, 100))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if want := NewAmounts(80, 0, 0); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestRebalanceRatiosRejectsUnknownKind(t *testing.T) {
	if _, err := RebalanceRatios(0, navTuple("1", "1", "1"), Weights{A: 1, B: 1}, 1); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestBatchRebalanceComposes(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := RebalanceRatios(RebalanceUpper, navTuple("1.6", "1.1", "2.1"), Weights{A: 1, B: 1}, 10)
	second, _ := RebalanceRatios(RebalanceLower, navTuple("0.75", "1.1", "0.4"), Weights{A: 1, B: 1}, 20)
	if idx := h.appendRebalance(first); idx != 0 {
		t.Fatalf("first index %d", idx)
	}
	if idx := h.appendRebalance(second); idx != 1 {
		t.Fatalf("second index %d", idx)
	}

	in := NewAmounts(400, 100, 300)
	step, _ := first.Apply(in)
	want, _ := second.Apply(step)
	got, err := h.engine.BatchRebalance(in, 0, 2)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if got != want {
		t.Fatalf("batch: got %s want %s", got, want)
	}

	same, err := h.engine.BatchRebalance(in, 2, 2)
	if err != nil || same != in {
		t.Fatalf("empty range must be identity: %s %v", same, err)
	}
	if _, err := h.engine.BatchRebalance(in, 0, 3); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestRebalanceTableLookups(t *testing.T) {
	h := newHarness(t, nil)
	r, _ := RebalanceRatios(RebalanceUpper, navTuple("1.6", "1.1", "2.1"), Weights{A: 1, B: 1}, 42)
	h.appendRebalance(r)

	size, err := h.engine.RebalanceSize()
	if err != nil || size != 1 {
		t.Fatalf("size %d err %v", size, err)
	}
	got, err := h.engine.Rebalance(0)
	if err != nil || got.Day != 42 || got.Kind != RebalanceUpper {
		t.Fatalf("entry 0: %+v err %v", got, err)
	}
	missing, err := h.engine.Rebalance(5)
	if err != nil || !missing.IsZero() {
		t.Fatalf("missing entry should be the zero sentinel: %+v %v", missing, err)
	}
	if day, _ := h.engine.RebalanceDay(5); day != 0 {
		t.Fatalf("missing day should be zero, got %d", day)
	}
	_, index, ok, err := h.engine.RebalanceByDay(42)
	if err != nil || !ok || index != 0 {
		t.Fatalf("by day: index %d ok %v err %v", index, ok, err)
	}
	if _, _, ok, _ := h.engine.RebalanceByDay(43); ok {
		t.Fatalf("unexpected entry for day 43")
	}

	st, _ := h.engine.loadState()
	if _, err := h.engine.appendRebalance(st, r); err == nil {
		t.Fatalf("expected rejection of a rebalance on the same day")
	}
}

func TestLazyBalancesFollowRebalances(t *testing.T) {
	h := newHarness(t, nil)
	h.mint(TrancheBase, alice, uint256.NewInt(400))
	h.mint(TrancheA, alice, uint256.NewInt(100))
	h.mint(TrancheB, bob, uint256.NewInt(300))
	h.mint(TrancheA, bob, uint256.NewInt(200))

	first, _ := RebalanceRatios(RebalanceUpper, navTuple("1.6", "1.1", "2.1"), Weights{A: 1, B: 1}, 10)
	h.appendRebalance(first)

	requireEq(t, "alice base", h.balance(alice, TrancheBase), uint256.NewInt(650))
	requireEq(t, "bob base", h.balance(bob, TrancheBase), uint256.NewInt(350))
	requireEq(t, "bob b", h.balance(bob, TrancheB), uint256.NewInt(300))
	if v, _ := h.engine.BalanceVersion(alice); v != 0 {
		t.Fatalf("reads must not persist, version %d", v)
	}

	supply, _ := h.engine.TotalSupply(TrancheBase)
	requireEq(t, "base supply", supply, uint256.NewInt(1000))

	second, _ := RebalanceRatios(RebalanceLower, navTuple("0.75", "1.1", "0.4"), Weights{A: 1, B: 1}, 20)
	h.appendRebalance(second)

	if err := h.engine.RefreshBalance(alice, 1); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if v, _ := h.engine.BalanceVersion(alice); v != 1 {
		t.Fatalf("partial refresh version %d", v)
	}
	if err := h.engine.RefreshBalance(alice, 0); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if v, _ := h.engine.BalanceVersion(alice); v != 2 {
		t.Fatalf("full refresh version %d", v)
	}
	if err := h.engine.RefreshBalance(alice, 1); err != nil {
		t.Fatalf("refresh below version must be a no-op: %v", err)
	}
	if v, _ := h.engine.BalanceVersion(alice); v != 2 {
		t.Fatalf("version went backwards: %d", v)
	}
	if err := h.engine.RefreshBalance(alice, 3); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}

	direct, _ := h.engine.BatchRebalance(NewAmounts(400, 100, 0), 0, 2)
	got, _ := h.engine.BalancesOf(alice)
	if got != direct {
		t.Fatalf("refreshed balances %s differ from batch %s", got, direct)
	}
}

func TestAllowancesFollowRebalances(t *testing.T) {
	h := newHarness(t, nil)
	tokA, err := h.engine.NewToken(TrancheA, nil)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	tokB, _ := h.engine.NewToken(TrancheB, nil)
	if err := tokA.Approve(alice, bob, uint256.NewInt(100)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := tokB.Approve(alice, bob, MaxAmount()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	r, _ := RebalanceRatios(RebalanceLower, navTuple("0.75", "1.1", "0.4"), Weights{A: 1, B: 1}, 10)
	h.appendRebalance(r)

	got, _ := tokA.Allowance(alice, bob)
	requireEq(t, "scaled allowance", got, uint256.NewInt(40))
	got, _ = tokB.Allowance(alice, bob)
	requireEq(t, "infinite allowance", got, MaxAmount())
}
