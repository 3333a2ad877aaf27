package primarymarket

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/native/fund"
)

// PendingOf returns the holder's position as Claim would see it, without
// writing anything.
func (m *Market) PendingOf(holder common.Address) (Pending, error) {
	req, err := m.updatedRequest(holder)
	if err != nil {
		return Pending{}, err
	}
	out := Pending{Request: *req}
	out.Queue = append([]QueuedClaim(nil), req.Queue...)
	out.ClaimableShares.Set(&req.CreatedShares)
	out.ClaimableUnderlying.Set(&req.RedeemedUnderlying)
	covered, err := m.coveredClaims(req)
	if err != nil {
		return Pending{}, err
	}
	for i, c := range req.Queue[req.QueueHead:] {
		if uint64(i) < covered {
			out.ClaimableUnderlying.Add(&out.ClaimableUnderlying, &c.Amount)
		} else {
			out.WaitingUnderlying.Add(&out.WaitingUnderlying, &c.Amount)
		}
	}
	return out, nil
}

// Day returns the aggregate record of day.
func (m *Market) Day(day uint64) (DayRecord, error) {
	rec, err := m.loadDay(day)
	if err != nil {
		return DayRecord{}, err
	}
	return *rec, nil
}

// CreationRate returns base shares issued per unit of underlying on day, in
// 18-decimal fixed point. Zero when nothing was created.
func (m *Market) CreationRate(day uint64) (*uint256.Int, error) {
	rec, err := m.loadDay(day)
	if err != nil {
		return nil, err
	}
	if !rec.Settled || rec.CreatingUnderlying.IsZero() {
		return new(uint256.Int), nil
	}
	rate, overflow := new(uint256.Int).MulDivOverflow(&rec.SharesMinted, fund.Unit(), &rec.CreatingUnderlying)
	if overflow {
		return nil, fund.ErrOverflow
	}
	return rate, nil
}

// RedemptionRate returns underlying paid per redeemed base share on day, in
// 18-decimal fixed point.
func (m *Market) RedemptionRate(day uint64) (*uint256.Int, error) {
	rec, err := m.loadDay(day)
	if err != nil {
		return nil, err
	}
	if !rec.Settled || rec.RedeemingShares.IsZero() {
		return new(uint256.Int), nil
	}
	rate, overflow := new(uint256.Int).MulDivOverflow(&rec.RedemptionUnderlying, fund.Unit(), &rec.RedeemingShares)
	if overflow {
		return nil, fund.ErrOverflow
	}
	return rate, nil
}

// QueueSummary is the delayed redemption queue with its open entries.
type QueueSummary struct {
	QueueState
	Entries []QueueEntry
}

// QueueState returns the redemption queue from its head.
func (m *Market) QueueState() (QueueSummary, error) {
	q, err := m.loadQueue()
	if err != nil {
		return QueueSummary{}, err
	}
	out := QueueSummary{QueueState: *q}
	for day := q.Head; day != 0; {
		entry, ok, err := m.loadQueueEntry(day)
		if err != nil {
			return QueueSummary{}, err
		}
		if !ok {
			break
		}
		out.Entries = append(out.Entries, *entry)
		day = entry.Next
	}
	return out, nil
}
