package fund

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/core/events"
)

// currentHolder returns the holder's record replayed to the latest version.
// The stored record is left untouched.
func (e *Engine) currentHolder(st *fundState, holder common.Address) (*holderRecord, error) {
	rec, err := e.loadHolder(holder)
	if err != nil {
		return nil, err
	}
	if rec.Version >= st.RebalanceSize {
		rec.Version = st.RebalanceSize
		return rec, nil
	}
	balances, err := e.batchRebalance(st, rec.Balances, rec.Version, st.RebalanceSize)
	if err != nil {
		return nil, err
	}
	return &holderRecord{Balances: balances, Version: st.RebalanceSize}, nil
}

func (e *Engine) currentAllowance(st *fundState, owner, spender common.Address) (*allowanceRecord, error) {
	rec, err := e.loadAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	if rec.Version >= st.RebalanceSize {
		rec.Version = st.RebalanceSize
		return rec, nil
	}
	allowances, err := e.batchRebalanceAllowance(st, rec.Allowances, rec.Version, st.RebalanceSize)
	if err != nil {
		return nil, err
	}
	return &allowanceRecord{Allowances: allowances, Version: st.RebalanceSize}, nil
}

// BalanceOf returns the holder's balance of tranche t as of the latest
// rebalance. It never writes.
func (e *Engine) BalanceOf(holder common.Address, t Tranche) (*uint256.Int, error) {
	if !t.Valid() {
		return nil, ErrInvalidTranche
	}
	balances, err := e.BalancesOf(holder)
	if err != nil {
		return nil, err
	}
	return balances.Get(t), nil
}

// BalancesOf returns all three balances of holder as of the latest rebalance.
func (e *Engine) BalancesOf(holder common.Address) (Amounts, error) {
	st, err := e.loadState()
	if err != nil {
		return Amounts{}, err
	}
	rec, err := e.currentHolder(st, holder)
	if err != nil {
		return Amounts{}, err
	}
	return rec.Balances, nil
}

// BalanceVersion reports the rebalance version the holder's stored record is
// expressed in.
func (e *Engine) BalanceVersion(holder common.Address) (uint64, error) {
	rec, err := e.loadHolder(holder)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// RefreshBalance persists the holder's balances replayed up to target. A target
// of 0 means the latest version; targets at or below the stored version are a
// no-op.
func (e *Engine) RefreshBalance(holder common.Address, target uint64) (err error) {
	e.store.Begin()
	defer e.store.End(&err)

	st, err := e.loadState()
	if err != nil {
		return err
	}
	if target == 0 {
		target = st.RebalanceSize
	}
	if target > st.RebalanceSize {
		return fmt.Errorf("%w: target %d beyond size %d", ErrOutOfBounds, target, st.RebalanceSize)
	}
	rec, err := e.loadHolder(holder)
	if err != nil {
		return err
	}
	if target <= rec.Version {
		return nil
	}
	balances, err := e.batchRebalance(st, rec.Balances, rec.Version, target)
	if err != nil {
		return err
	}
	return e.storeHolder(holder, &holderRecord{Balances: balances, Version: target})
}

// refreshHolder brings the stored record to the latest version and returns it.
func (e *Engine) refreshHolder(st *fundState, holder common.Address) (*holderRecord, error) {
	rec, err := e.currentHolder(st, holder)
	if err != nil {
		return nil, err
	}
	if err := e.storeHolder(holder, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// TotalSupply returns the outstanding supply of tranche t.
func (e *Engine) TotalSupply(t Tranche) (*uint256.Int, error) {
	if !t.Valid() {
		return nil, ErrInvalidTranche
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return st.TotalSupplies.Get(t), nil
}

// TotalShares returns base + a + b supply.
func (e *Engine) TotalShares() (*uint256.Int, error) {
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	return totalShares(st.TotalSupplies)
}

func totalShares(supplies Amounts) (*uint256.Int, error) {
	out, err := checkedAdd(&supplies[TrancheBase], &supplies[TrancheA])
	if err != nil {
		return nil, err
	}
	return checkedAdd(out, &supplies[TrancheB])
}

// Allowance returns the spender's allowance over owner's tranche t.
func (e *Engine) Allowance(t Tranche, owner, spender common.Address) (*uint256.Int, error) {
	if !t.Valid() {
		return nil, ErrInvalidTranche
	}
	st, err := e.loadState()
	if err != nil {
		return nil, err
	}
	rec, err := e.currentAllowance(st, owner, spender)
	if err != nil {
		return nil, err
	}
	return rec.Allowances.Get(t), nil
}

// Mint creates amount of tranche t for holder. Only the primary market may
// mint.
func (e *Engine) Mint(cap *Capability, t Tranche, holder common.Address, amount *uint256.Int) (err error) {
	if !e.isPrimaryMarket(cap) {
		return ErrUnauthorized
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if err := e.mint(st, t, holder, amount); err != nil {
		return err
	}
	return e.storeState(st)
}

// Burn destroys amount of tranche t held by holder. Only the primary market
// may burn.
func (e *Engine) Burn(cap *Capability, t Tranche, holder common.Address, amount *uint256.Int) (err error) {
	if !e.isPrimaryMarket(cap) {
		return ErrUnauthorized
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if err := e.burn(st, t, holder, amount); err != nil {
		return err
	}
	return e.storeState(st)
}

func (e *Engine) mint(st *fundState, t Tranche, holder common.Address, amount *uint256.Int) error {
	if !t.Valid() {
		return ErrInvalidTranche
	}
	if holder == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	rec, err := e.refreshHolder(st, holder)
	if err != nil {
		return err
	}
	supply, err := checkedAdd(&st.TotalSupplies[t], amount)
	if err != nil {
		return err
	}
	bal, err := checkedAdd(&rec.Balances[t], amount)
	if err != nil {
		return err
	}
	rec.Balances[t].Set(bal)
	st.TotalSupplies[t].Set(supply)
	if err := e.storeHolder(holder, rec); err != nil {
		return err
	}
	e.emitTransfer(t, common.Address{}, holder, amount)
	return nil
}

func (e *Engine) burn(st *fundState, t Tranche, holder common.Address, amount *uint256.Int) error {
	if !t.Valid() {
		return ErrInvalidTranche
	}
	if holder == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	rec, err := e.refreshHolder(st, holder)
	if err != nil {
		return err
	}
	if rec.Balances[t].Lt(amount) {
		return fmt.Errorf("%w: %s balance %s, burn %s", ErrInsufficientBalance, t, rec.Balances[t].Dec(), amount.Dec())
	}
	rec.Balances[t].Sub(&rec.Balances[t], amount)
	st.TotalSupplies[t].Set(saturatingSub(&st.TotalSupplies[t], amount))
	if err := e.storeHolder(holder, rec); err != nil {
		return err
	}
	e.emitTransfer(t, holder, common.Address{}, amount)
	return nil
}

// Transfer moves amount of tranche t between holders on behalf of the token
// bound to cap.
func (e *Engine) Transfer(cap *Capability, t Tranche, from, to common.Address, amount *uint256.Int) (err error) {
	if !e.isToken(cap, t) {
		return ErrUnauthorized
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadState()
	if err != nil {
		return err
	}
	return e.transfer(st, t, from, to, amount)
}

func (e *Engine) transfer(st *fundState, t Tranche, from, to common.Address, amount *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	fromRec, err := e.refreshHolder(st, from)
	if err != nil {
		return err
	}
	if fromRec.Balances[t].Lt(amount) {
		return fmt.Errorf("%w: %s balance %s, transfer %s", ErrInsufficientBalance, t, fromRec.Balances[t].Dec(), amount.Dec())
	}
	fromRec.Balances[t].Sub(&fromRec.Balances[t], amount)
	if err := e.storeHolder(from, fromRec); err != nil {
		return err
	}
	toRec, err := e.refreshHolder(st, to)
	if err != nil {
		return err
	}
	bal, err := checkedAdd(&toRec.Balances[t], amount)
	if err != nil {
		return err
	}
	toRec.Balances[t].Set(bal)
	if err := e.storeHolder(to, toRec); err != nil {
		return err
	}
	e.emitTransfer(t, from, to, amount)
	return nil
}

// Approve sets spender's allowance over owner's tranche t.
func (e *Engine) Approve(cap *Capability, t Tranche, owner, spender common.Address, amount *uint256.Int) (err error) {
	if !e.isToken(cap, t) {
		return ErrUnauthorized
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadState()
	if err != nil {
		return err
	}
	return e.approve(st, t, owner, spender, amount)
}

func (e *Engine) approve(st *fundState, t Tranche, owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	rec, err := e.currentAllowance(st, owner, spender)
	if err != nil {
		return err
	}
	rec.Allowances[t].Set(amount)
	if err := e.storeAllowance(owner, spender, rec); err != nil {
		return err
	}
	e.emitApproval(t, owner, spender, amount)
	return nil
}

// TransferFrom moves amount of owner's tranche t to recipient, spending the
// caller's allowance. Infinite allowances are not decremented.
func (e *Engine) TransferFrom(cap *Capability, t Tranche, spender, from, to common.Address, amount *uint256.Int) (err error) {
	if !e.isToken(cap, t) {
		return ErrUnauthorized
	}
	e.store.Begin()
	defer e.store.End(&err)
	st, err := e.loadState()
	if err != nil {
		return err
	}
	if amount == nil {
		return ErrInvalidAmount
	}
	rec, err := e.currentAllowance(st, from, spender)
	if err != nil {
		return err
	}
	allowance := rec.Allowances.Get(t)
	if !allowance.Eq(maxUint256) {
		if allowance.Lt(amount) {
			return fmt.Errorf("%w: allowance %s, transfer %s", ErrInsufficientAllowance, allowance.Dec(), amount.Dec())
		}
		if err := e.approve(st, t, from, spender, allowance.Sub(allowance, amount)); err != nil {
			return err
		}
	}
	return e.transfer(st, t, from, to, amount)
}

func (e *Engine) emitTransfer(t Tranche, from, to common.Address, amount *uint256.Int) {
	value := new(uint256.Int).Set(amount)
	hooks := e.hooks[t]
	emitter := e.emitter
	e.store.AfterCommit(func() {
		if hooks != nil {
			hooks.FundEmitTransfer(t, from, to, value)
		}
		emitter.Emit(events.FundTransfer{Tranche: t.String(), From: from, To: to, Amount: value})
	})
}

func (e *Engine) emitApproval(t Tranche, owner, spender common.Address, amount *uint256.Int) {
	value := new(uint256.Int).Set(amount)
	hooks := e.hooks[t]
	emitter := e.emitter
	e.store.AfterCommit(func() {
		if hooks != nil {
			hooks.FundEmitApproval(t, owner, spender, value)
		}
		emitter.Emit(events.FundApproval{Tranche: t.String(), Owner: owner, Spender: spender, Amount: value})
	})
}
