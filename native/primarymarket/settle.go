package primarymarket

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"tranchefund/core/events"
	"tranchefund/native/fund"
)

// Settle implements fund.PrimaryMarket. It prices the day's creations and
// redemptions at the pre-rebalance nav and returns the aggregate flows the
// fund must apply.
func (m *Market) Settle(cap *fund.Capability, day uint64, totalShares, underlying, price, nav *uint256.Int) (flows fund.Flows, err error) {
	if cap == nil || cap != m.fundCap {
		return flows, fund.ErrOnlyFund
	}
	m.store.Begin()
	defer m.store.End(&err)

	rec, err := m.loadDay(day)
	if err != nil {
		return flows, err
	}
	if rec.Settled {
		return flows, fmt.Errorf("%w: day %d", fund.ErrAlreadySettled, day)
	}

	if !rec.CreatingUnderlying.IsZero() {
		fee, err := m.fee(&rec.CreatingUnderlying, &m.params.CreationFeeRate)
		if err != nil {
			return flows, err
		}
		net := new(uint256.Int).Sub(&rec.CreatingUnderlying, fee)
		shares, err := m.sharesForCreation(net, totalShares, underlying, price, nav)
		if err != nil {
			return flows, err
		}
		rec.CreationFee.Set(fee)
		rec.SharesMinted.Set(shares)
		flows.CreationFee.Set(fee)
		flows.CreationUnderlying.Set(net)
		flows.SharesToMint.Set(shares)
	}

	if !rec.RedeemingShares.IsZero() {
		gross, err := valueOfShares(&rec.RedeemingShares, totalShares, underlying)
		if err != nil {
			return flows, err
		}
		fee, err := m.fee(gross, &m.params.RedemptionFeeRate)
		if err != nil {
			return flows, err
		}
		rec.RedemptionFee.Set(fee)
		rec.RedemptionUnderlying.Sub(gross, fee)
		flows.RedemptionUnderlying.Set(&rec.RedemptionUnderlying)
	}

	splitValue := new(uint256.Int)
	if !rec.FeeShares.IsZero() {
		if splitValue, err = valueOfShares(&rec.FeeShares, totalShares, underlying); err != nil {
			return flows, err
		}
	}
	flows.SharesToBurn.Add(&rec.RedeemingShares, &rec.FeeShares)
	flows.Fee.Add(&flows.CreationFee, &rec.RedemptionFee)
	flows.Fee.Add(&flows.Fee, splitValue)

	rec.Settled = true
	if err := m.storeDay(rec); err != nil {
		return flows, err
	}
	if m.params.DelayedRedemption && !rec.RedemptionUnderlying.IsZero() {
		if err := m.enqueue(day, &rec.RedemptionUnderlying); err != nil {
			return flows, err
		}
	}
	m.emit(events.PrimarySettled{
		Day:                  day,
		CreationUnderlying:   new(uint256.Int).Set(&rec.CreatingUnderlying),
		RedemptionShares:     new(uint256.Int).Set(&rec.RedeemingShares),
		SharesMinted:         new(uint256.Int).Set(&rec.SharesMinted),
		RedemptionUnderlying: new(uint256.Int).Set(&rec.RedemptionUnderlying),
		Fee:                  new(uint256.Int).Set(&flows.Fee),
	})
	return flows, nil
}

// sharesForCreation prices net underlying in base shares. An empty fund
// issues at price/nav; otherwise shares are issued pro rata to underlying.
func (m *Market) sharesForCreation(net, totalShares, underlying, price, nav *uint256.Int) (*uint256.Int, error) {
	if totalShares.IsZero() {
		if nav.IsZero() {
			return nil, fund.ErrZeroNavCreation
		}
		scaled, overflow := new(uint256.Int).MulOverflow(net, m.mult)
		if overflow {
			return nil, fund.ErrOverflow
		}
		shares, overflow := new(uint256.Int).MulDivOverflow(scaled, price, nav)
		if overflow {
			return nil, fund.ErrOverflow
		}
		return shares, nil
	}
	if underlying.IsZero() {
		return nil, fund.ErrEmptyFundNoUnderlying
	}
	shares, overflow := new(uint256.Int).MulDivOverflow(net, totalShares, underlying)
	if overflow {
		return nil, fund.ErrOverflow
	}
	return shares, nil
}

// valueOfShares returns floor(shares * underlying / totalShares).
func valueOfShares(shares, totalShares, underlying *uint256.Int) (*uint256.Int, error) {
	if totalShares.IsZero() {
		return nil, fmt.Errorf("%w: redeeming from an empty fund", fund.ErrInvalidAmount)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(shares, underlying, totalShares)
	if overflow {
		return nil, fund.ErrOverflow
	}
	return out, nil
}

func (m *Market) fee(amount, rate *uint256.Int) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulDivOverflow(amount, rate, fund.Unit())
	if overflow {
		return nil, fund.ErrOverflow
	}
	return fee, nil
}

// QueueEnabled implements fund.RedemptionQueue.
func (m *Market) QueueEnabled() bool { return m.params.DelayedRedemption }

// QueueOutstanding implements fund.RedemptionQueue.
func (m *Market) QueueOutstanding() (*uint256.Int, error) {
	q, err := m.loadQueue()
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(&q.Outstanding), nil
}

func (m *Market) enqueue(day uint64, amount *uint256.Int) error {
	q, err := m.loadQueue()
	if err != nil {
		return err
	}
	entry := &QueueEntry{Day: day}
	entry.Obligation.Set(amount)
	if err := m.storeQueueEntry(entry); err != nil {
		return err
	}
	if q.Tail != 0 {
		tail, ok, err := m.loadQueueEntry(q.Tail)
		if err != nil {
			return err
		}
		if ok {
			tail.Next = day
			if err := m.storeQueueEntry(tail); err != nil {
				return err
			}
		}
	}
	if q.Head == 0 {
		q.Head = day
	}
	q.Tail = day
	q.Outstanding.Add(&q.Outstanding, amount)
	if err := m.storeQueue(q); err != nil {
		return err
	}
	m.setQueueGauge(&q.Outstanding)
	return nil
}

func (m *Market) setQueueGauge(outstanding *uint256.Int) {
	amount := new(uint256.Int).Set(outstanding)
	m.store.AfterCommit(func() {
		f, _ := new(big.Float).SetInt(amount.ToBig()).Float64()
		m.metrics.SetQueueOutstanding(f)
	})
}

// FundQueue implements fund.RedemptionQueue. It applies amount, which the
// fund has already transferred to the market account, to queued days in
// FIFO order.
func (m *Market) FundQueue(cap *fund.Capability, amount *uint256.Int) (err error) {
	if cap == nil || cap != m.fundCap {
		return fund.ErrOnlyFund
	}
	m.store.Begin()
	defer m.store.End(&err)

	q, err := m.loadQueue()
	if err != nil {
		return err
	}
	if amount.Gt(&q.Outstanding) {
		return fmt.Errorf("%w: paying %s into a queue owing %s", fund.ErrInvalidAmount, amount.Dec(), q.Outstanding.Dec())
	}
	remaining := new(uint256.Int).Set(amount)
	var lastCovered uint64
	for q.Head != 0 && !remaining.IsZero() {
		entry, ok, err := m.loadQueueEntry(q.Head)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("primary market: queue entry %d missing", q.Head)
		}
		need := new(uint256.Int).Sub(&entry.Obligation, &entry.Paid)
		pay := need
		if remaining.Lt(need) {
			pay = new(uint256.Int).Set(remaining)
		}
		entry.Paid.Add(&entry.Paid, pay)
		remaining.Sub(remaining, pay)
		if err := m.storeQueueEntry(entry); err != nil {
			return err
		}
		if !entry.Covered() {
			break
		}
		lastCovered = entry.Day
		q.Head = entry.Next
		if q.Head == 0 {
			q.Tail = 0
		}
	}
	q.Outstanding.Sub(&q.Outstanding, amount)
	if err := m.storeQueue(q); err != nil {
		return err
	}
	m.setQueueGauge(&q.Outstanding)
	m.emit(events.PrimaryQueuePaid{
		Amount:      new(uint256.Int).Set(amount),
		CoveredDay:  lastCovered,
		Outstanding: new(uint256.Int).Set(&q.Outstanding),
	})
	return nil
}
