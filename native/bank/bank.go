package bank

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrZeroAddress       = errors.New("bank: zero address")
	ErrOverflow          = errors.New("bank: balance overflow")
)

// Storage abstracts the subset of state manager functionality required by the
// bank.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var (
	balancePrefix = []byte("bank/balance/")
	supplyPrefix  = []byte("bank/supply/")
)

func balanceKey(asset string, addr common.Address) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(asset)+1+common.AddressLength)
	buf = append(buf, balancePrefix...)
	buf = append(buf, asset...)
	buf = append(buf, '/')
	return append(buf, addr.Bytes()...)
}

func supplyKey(asset string) []byte {
	buf := make([]byte, 0, len(supplyPrefix)+len(asset))
	buf = append(buf, supplyPrefix...)
	return append(buf, asset...)
}

// Bank keeps balances of the fund's underlying asset. Amounts are expressed
// in the asset's smallest unit.
type Bank struct {
	store Storage
	asset string
}

// New returns a bank for asset persisted in store.
func New(store Storage, asset string) *Bank {
	return &Bank{store: store, asset: strings.ToUpper(strings.TrimSpace(asset))}
}

// Asset reports the ticker managed by the bank.
func (b *Bank) Asset() string { return b.asset }

// BalanceOf returns the balance held by addr.
func (b *Bank) BalanceOf(addr common.Address) (*uint256.Int, error) {
	var bal uint256.Int
	if _, err := b.store.KVGet(balanceKey(b.asset, addr), &bal); err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	return &bal, nil
}

// TotalSupply returns the amount issued through Mint minus Burn.
func (b *Bank) TotalSupply() (*uint256.Int, error) {
	var supply uint256.Int
	if _, err := b.store.KVGet(supplyKey(b.asset), &supply); err != nil {
		return nil, fmt.Errorf("bank: load supply: %w", err)
	}
	return &supply, nil
}

// Transfer moves amount from one account to another. Zero amounts are no-ops.
func (b *Bank) Transfer(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBal, err := b.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromBal.Dec(), amount.Dec())
	}
	fromBal.Sub(fromBal, amount)
	if err := b.store.KVPut(balanceKey(b.asset, from), fromBal); err != nil {
		return fmt.Errorf("bank: store balance: %w", err)
	}
	toBal, err := b.BalanceOf(to)
	if err != nil {
		return err
	}
	if _, overflow := toBal.AddOverflow(toBal, amount); overflow {
		return ErrOverflow
	}
	if err := b.store.KVPut(balanceKey(b.asset, to), toBal); err != nil {
		return fmt.Errorf("bank: store balance: %w", err)
	}
	return nil
}

// Mint credits amount to addr out of thin air. It backs deposits bridged in
// by the operator and test faucets.
func (b *Bank) Mint(to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	supply, err := b.TotalSupply()
	if err != nil {
		return err
	}
	if _, overflow := supply.AddOverflow(supply, amount); overflow {
		return ErrOverflow
	}
	bal, err := b.BalanceOf(to)
	if err != nil {
		return err
	}
	bal.Add(bal, amount)
	if err := b.store.KVPut(balanceKey(b.asset, to), bal); err != nil {
		return fmt.Errorf("bank: store balance: %w", err)
	}
	if err := b.store.KVPut(supplyKey(b.asset), supply); err != nil {
		return fmt.Errorf("bank: store supply: %w", err)
	}
	return nil
}

// Burn removes amount from addr, used when the operator bridges funds out.
func (b *Bank) Burn(from common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	bal, err := b.BalanceOf(from)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, bal.Dec(), amount.Dec())
	}
	supply, err := b.TotalSupply()
	if err != nil {
		return err
	}
	bal.Sub(bal, amount)
	supply.Sub(supply, amount)
	if err := b.store.KVPut(balanceKey(b.asset, from), bal); err != nil {
		return fmt.Errorf("bank: store balance: %w", err)
	}
	if err := b.store.KVPut(supplyKey(b.asset), supply); err != nil {
		return fmt.Errorf("bank: store supply: %w", err)
	}
	return nil
}
