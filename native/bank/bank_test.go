package bank

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/storage"
)

func newTestBank() *Bank {
	return New(storage.NewKVStore(storage.NewMemDB()), "btc")
}

func TestMintTransferBurn(t *testing.T) {
	b := newTestBank()
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")

	if err := b.Mint(alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := b.Transfer(alice, bob, uint256.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if bal, _ := b.BalanceOf(alice); bal.Uint64() != 60 {
		t.Fatalf("alice balance = %s", bal.Dec())
	}
	if bal, _ := b.BalanceOf(bob); bal.Uint64() != 40 {
		t.Fatalf("bob balance = %s", bal.Dec())
	}
	if err := b.Burn(bob, uint256.NewInt(10)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if supply, _ := b.TotalSupply(); supply.Uint64() != 90 {
		t.Fatalf("supply = %s", supply.Dec())
	}
	if b.Asset() != "BTC" {
		t.Fatalf("asset = %s", b.Asset())
	}
}

func TestTransferRejectsOverdraft(t *testing.T) {
	b := newTestBank()
	alice := common.HexToAddress("0x01")
	bob := common.HexToAddress("0x02")
	_ = b.Mint(alice, uint256.NewInt(5))

	if err := b.Transfer(alice, bob, uint256.NewInt(6)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := b.Transfer(alice, common.Address{}, uint256.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
	if err := b.Transfer(alice, bob, uint256.NewInt(0)); err != nil {
		t.Fatalf("zero transfer must be a no-op: %v", err)
	}
}
