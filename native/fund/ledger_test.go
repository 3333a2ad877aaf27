package fund

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/core/events"
)

type recordedTransfer struct {
	tranche  Tranche
	from, to common.Address
	amount   uint64
}

type recordingHooks struct {
	transfers []recordedTransfer
	approvals int
}

func (r *recordingHooks) FundEmitTransfer(t Tranche, from, to common.Address, amount *uint256.Int) {
	r.transfers = append(r.transfers, recordedTransfer{tranche: t, from: from, to: to, amount: amount.Uint64()})
}

func (r *recordingHooks) FundEmitApproval(Tranche, common.Address, common.Address, *uint256.Int) {
	r.approvals++
}

func TestMintAndBurnRequirePrimaryMarketCapability(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.Mint(nil, TrancheBase, alice, uint256.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("nil capability: %v", err)
	}
	forged := NewCapability(RolePrimaryMarket)
	if err := h.engine.Mint(forged, TrancheBase, alice, uint256.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("forged capability: %v", err)
	}
	tokCap, err := h.engine.IssueTokenCapability(TrancheA, nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := h.engine.Burn(tokCap, TrancheA, alice, uint256.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("token capability must not burn: %v", err)
	}
	if err := h.engine.Transfer(h.pmCap, TrancheA, alice, bob, uint256.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("primary market capability must not transfer: %v", err)
	}
	if err := h.engine.Transfer(tokCap, TrancheB, alice, bob, uint256.NewInt(1)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("token capability is bound to one tranche: %v", err)
	}
	if _, err := h.engine.IssueTokenCapability(TrancheA, nil); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	if _, err := h.engine.IssueTokenCapability(Tranche(7), nil); !errors.Is(err, ErrInvalidTranche) {
		t.Fatalf("expected ErrInvalidTranche, got %v", err)
	}
}

func TestMintBurnUpdateSupply(t *testing.T) {
	h := newHarness(t, nil)
	h.mint(TrancheB, alice, uint256.NewInt(50))
	if err := h.engine.Burn(h.pmCap, TrancheB, alice, uint256.NewInt(20)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	requireEq(t, "balance", h.balance(alice, TrancheB), uint256.NewInt(30))
	supply, _ := h.engine.TotalSupply(TrancheB)
	requireEq(t, "supply", supply, uint256.NewInt(30))

	err := h.engine.Burn(h.pmCap, TrancheB, alice, uint256.NewInt(31))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := h.engine.Mint(h.pmCap, TrancheB, common.Address{}, uint256.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if _, err := h.engine.BalanceOf(alice, Tranche(3)); !errors.Is(err, ErrInvalidTranche) {
		t.Fatalf("expected ErrInvalidTranche, got %v", err)
	}
}

func TestTokenTransfersAndAllowances(t *testing.T) {
	h := newHarness(t, nil)
	hooks := &recordingHooks{}
	tok, err := h.engine.NewToken(TrancheA, hooks)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	h.mint(TrancheA, alice, uint256.NewInt(100))

	if err := tok.Transfer(alice, bob, uint256.NewInt(10)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := tok.Transfer(alice, bob, uint256.NewInt(1000)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := tok.Approve(alice, carol, uint256.NewInt(30)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := tok.TransferFrom(carol, alice, bob, uint256.NewInt(20)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	left, _ := tok.Allowance(alice, carol)
	requireEq(t, "allowance", left, uint256.NewInt(10))
	if err := tok.TransferFrom(carol, alice, bob, uint256.NewInt(11)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	if err := tok.Approve(alice, carol, MaxAmount()); err != nil {
		t.Fatalf("approve max: %v", err)
	}
	if err := tok.TransferFrom(carol, alice, bob, uint256.NewInt(5)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	left, _ = tok.Allowance(alice, carol)
	requireEq(t, "infinite allowance", left, MaxAmount())

	requireEq(t, "alice", h.balance(alice, TrancheA), uint256.NewInt(65))
	requireEq(t, "bob", h.balance(bob, TrancheA), uint256.NewInt(35))

	// mint, three transfers; the failed ones leave no trace.
	if len(hooks.transfers) != 4 {
		t.Fatalf("hook transfers %d", len(hooks.transfers))
	}
	if got := hooks.transfers[0]; got.from != (common.Address{}) || got.to != alice || got.amount != 100 {
		t.Fatalf("mint hook %+v", got)
	}
	if hooks.approvals != 3 {
		t.Fatalf("hook approvals %d", hooks.approvals)
	}
}

func TestTransfersRefreshBothHolders(t *testing.T) {
	h := newHarness(t, nil)
	rec := &events.Recorder{}
	h.engine.SetEmitter(rec)
	tok, _ := h.engine.NewToken(TrancheBase, nil)
	h.mint(TrancheBase, alice, uint256.NewInt(400))

	r, _ := RebalanceRatios(RebalanceUpper, navTuple("1.6", "1.1", "2.1"), Weights{A: 1, B: 1}, 10)
	h.appendRebalance(r)

	if err := tok.Transfer(alice, bob, uint256.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	for _, holder := range []common.Address{alice, bob} {
		if v, _ := h.engine.BalanceVersion(holder); v != 1 {
			t.Fatalf("%s version %d", holder.Hex(), v)
		}
	}
	requireEq(t, "alice", h.balance(alice, TrancheBase), uint256.NewInt(600))
	requireEq(t, "bob", h.balance(bob, TrancheBase), uint256.NewInt(40))

	transfers := rec.OfType(events.TypeFundTransfer)
	if len(transfers) != 2 {
		t.Fatalf("transfer events %d", len(transfers))
	}
	if attrs := transfers[1].Event().Attributes; attrs["tranche"] != "base" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}
