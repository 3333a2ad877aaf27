package fund

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Token is the fungible-token face of one tranche. It holds the tranche's
// token capability and forwards to the engine's ledger.
type Token struct {
	engine  *Engine
	tranche Tranche
	cap     *Capability
}

// NewToken issues the token capability of tranche t and wraps it.
func (e *Engine) NewToken(t Tranche, hooks TokenHooks) (*Token, error) {
	c, err := e.IssueTokenCapability(t, hooks)
	if err != nil {
		return nil, err
	}
	return &Token{engine: e, tranche: t, cap: c}, nil
}

// Tranche reports the tranche represented by the token.
func (t *Token) Tranche() Tranche { return t.tranche }

// Decimals is always 18.
func (t *Token) Decimals() uint8 { return Decimals }

func (t *Token) TotalSupply() (*uint256.Int, error) {
	return t.engine.TotalSupply(t.tranche)
}

func (t *Token) BalanceOf(holder common.Address) (*uint256.Int, error) {
	return t.engine.BalanceOf(holder, t.tranche)
}

func (t *Token) Allowance(owner, spender common.Address) (*uint256.Int, error) {
	return t.engine.Allowance(t.tranche, owner, spender)
}

// Transfer moves amount from sender to recipient. Transfers are rejected
// while the fund is inactive after a rebalance.
func (t *Token) Transfer(sender, recipient common.Address, amount *uint256.Int) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	return t.engine.Transfer(t.cap, t.tranche, sender, recipient, amount)
}

func (t *Token) Approve(owner, spender common.Address, amount *uint256.Int) error {
	return t.engine.Approve(t.cap, t.tranche, owner, spender, amount)
}

func (t *Token) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	return t.engine.TransferFrom(t.cap, t.tranche, spender, from, to, amount)
}

func (t *Token) requireActive() error {
	active, err := t.engine.IsFundActive(t.engine.now())
	if err != nil {
		return err
	}
	if !active {
		return ErrFundInactive
	}
	return nil
}
