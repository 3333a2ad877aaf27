package fund

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Apply converts balances held before the rebalance into balances after it.
// Every multiplication floors, so the result never overstates a holding.
func (r *Rebalance) Apply(in Amounts) (Amounts, error) {
	var out Amounts
	fromBase, err := mulDecimal(&in[TrancheBase], &r.RatioBase)
	if err != nil {
		return out, err
	}
	fromA, err := mulDecimal(&in[TrancheA], &r.RatioA2Base)
	if err != nil {
		return out, err
	}
	fromB, err := mulDecimal(&in[TrancheB], &r.RatioB2Base)
	if err != nil {
		return out, err
	}
	base, err := checkedAdd(fromBase, fromA)
	if err != nil {
		return out, err
	}
	if base, err = checkedAdd(base, fromB); err != nil {
		return out, err
	}
	a, err := mulDecimal(&in[TrancheA], &r.RatioAB)
	if err != nil {
		return out, err
	}
	b, err := mulDecimal(&in[TrancheB], &r.RatioAB)
	if err != nil {
		return out, err
	}
	out[TrancheBase].Set(base)
	out[TrancheA].Set(a)
	out[TrancheB].Set(b)
	return out, nil
}

// applyAllowance scales allowances component-wise. Infinite allowances stay
// infinite.
func (r *Rebalance) applyAllowance(in Amounts) (Amounts, error) {
	var out Amounts
	ratios := [TrancheCount]*uint256.Int{&r.RatioBase, &r.RatioAB, &r.RatioAB}
	for i := range in {
		if in[i].Eq(maxUint256) {
			out[i].Set(maxUint256)
			continue
		}
		v, err := mulDecimal(&in[i], ratios[i])
		if err != nil {
			return out, err
		}
		out[i].Set(v)
	}
	return out, nil
}

// RebalanceSize returns the number of appended rebalances.
func (e *Engine) RebalanceSize() (uint64, error) {
	st, err := e.loadState()
	if err != nil {
		return 0, err
	}
	return st.RebalanceSize, nil
}

// Rebalance returns entry index, or the zero sentinel when it does not exist.
func (e *Engine) Rebalance(index uint64) (Rebalance, error) {
	st, err := e.loadState()
	if err != nil {
		return Rebalance{}, err
	}
	if index >= st.RebalanceSize {
		return Rebalance{}, nil
	}
	r, err := e.loadRebalance(index)
	if err != nil {
		return Rebalance{}, err
	}
	return *r, nil
}

// RebalanceDay returns the trigger day of entry index, or 0 when missing.
func (e *Engine) RebalanceDay(index uint64) (uint64, error) {
	r, err := e.Rebalance(index)
	if err != nil {
		return 0, err
	}
	return r.Day, nil
}

// RebalanceByDay looks up the entry triggered on day.
func (e *Engine) RebalanceByDay(day uint64) (Rebalance, uint64, bool, error) {
	var stored uint64
	ok, err := e.store.KVGet(rebalanceDayKey(day), &stored)
	if err != nil {
		return Rebalance{}, 0, false, fmt.Errorf("fund: load rebalance day: %w", err)
	}
	if !ok || stored == 0 {
		return Rebalance{}, 0, false, nil
	}
	index := stored - 1
	r, err := e.loadRebalance(index)
	if err != nil {
		return Rebalance{}, 0, false, err
	}
	return *r, index, true, nil
}

// BatchRebalance replays entries [from, to) over amounts. It is the identity
// when from >= to.
func (e *Engine) BatchRebalance(amounts Amounts, from, to uint64) (Amounts, error) {
	st, err := e.loadState()
	if err != nil {
		return amounts, err
	}
	return e.batchRebalance(st, amounts, from, to)
}

func (e *Engine) batchRebalance(st *fundState, amounts Amounts, from, to uint64) (Amounts, error) {
	if to > st.RebalanceSize {
		return amounts, fmt.Errorf("%w: target %d beyond size %d", ErrOutOfBounds, to, st.RebalanceSize)
	}
	out := amounts
	for i := from; i < to; i++ {
		r, err := e.loadRebalance(i)
		if err != nil {
			return amounts, err
		}
		if out, err = r.Apply(out); err != nil {
			return amounts, fmt.Errorf("fund: apply rebalance %d: %w", i, err)
		}
	}
	return out, nil
}

func (e *Engine) batchRebalanceAllowance(st *fundState, allowances Amounts, from, to uint64) (Amounts, error) {
	out := allowances
	for i := from; i < to && i < st.RebalanceSize; i++ {
		r, err := e.loadRebalance(i)
		if err != nil {
			return allowances, err
		}
		if out, err = r.applyAllowance(out); err != nil {
			return allowances, fmt.Errorf("fund: apply rebalance %d to allowance: %w", i, err)
		}
	}
	return out, nil
}

// appendRebalance stores r as the next entry and refreshes total supplies.
func (e *Engine) appendRebalance(st *fundState, r Rebalance) (uint64, error) {
	if st.RebalanceSize > 0 {
		last, err := e.loadRebalance(st.RebalanceSize - 1)
		if err != nil {
			return 0, err
		}
		if r.Day <= last.Day {
			return 0, fmt.Errorf("fund: rebalance day %d does not follow %d", r.Day, last.Day)
		}
	}
	supplies, err := r.Apply(st.TotalSupplies)
	if err != nil {
		return 0, fmt.Errorf("fund: rebalance total supplies: %w", err)
	}
	index := st.RebalanceSize
	if err := e.store.KVPut(rebalanceKey(index), &r); err != nil {
		return 0, fmt.Errorf("fund: store rebalance: %w", err)
	}
	if err := e.store.KVPut(rebalanceDayKey(r.Day), index+1); err != nil {
		return 0, fmt.Errorf("fund: store rebalance day: %w", err)
	}
	st.RebalanceSize = index + 1
	st.TotalSupplies = supplies
	return index, nil
}
