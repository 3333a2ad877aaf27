package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/core/types"
)

const (
	TypePrimaryCreated   = "primary.created"
	TypePrimaryRedeemed  = "primary.redeemed"
	TypePrimarySplit     = "primary.split"
	TypePrimaryMerged    = "primary.merged"
	TypePrimaryClaimed   = "primary.claimed"
	TypePrimarySettled   = "primary.settled"
	TypePrimaryQueuePaid = "primary.queue_paid"
)

// PrimaryCreated records a creation request of underlying.
type PrimaryCreated struct {
	Holder     common.Address
	Day        uint64
	Underlying *uint256.Int
}

func (PrimaryCreated) EventType() string { return TypePrimaryCreated }

func (e PrimaryCreated) Event() *types.Event {
	return &types.Event{
		Type: TypePrimaryCreated,
		Attributes: map[string]string{
			"holder":     formatAddress(e.Holder),
			"day":        uintToString(e.Day),
			"underlying": formatAmount(e.Underlying),
		},
	}
}

// PrimaryRedeemed records a redemption request of base shares.
type PrimaryRedeemed struct {
	Holder common.Address
	Day    uint64
	Shares *uint256.Int
}

func (PrimaryRedeemed) EventType() string { return TypePrimaryRedeemed }

func (e PrimaryRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypePrimaryRedeemed,
		Attributes: map[string]string{
			"holder": formatAddress(e.Holder),
			"day":    uintToString(e.Day),
			"shares": formatAmount(e.Shares),
		},
	}
}

// PrimarySplit records base shares split into A and B.
type PrimarySplit struct {
	Holder common.Address
	In     *uint256.Int
	OutA   *uint256.Int
	OutB   *uint256.Int
	Fee    *uint256.Int
}

func (PrimarySplit) EventType() string { return TypePrimarySplit }

func (e PrimarySplit) Event() *types.Event {
	return &types.Event{
		Type: TypePrimarySplit,
		Attributes: map[string]string{
			"holder": formatAddress(e.Holder),
			"in":     formatAmount(e.In),
			"outA":   formatAmount(e.OutA),
			"outB":   formatAmount(e.OutB),
			"fee":    formatAmount(e.Fee),
		},
	}
}

// PrimaryMerged records A and B merged back into base shares.
type PrimaryMerged struct {
	Holder common.Address
	InA    *uint256.Int
	InB    *uint256.Int
	Out    *uint256.Int
	Fee    *uint256.Int
}

func (PrimaryMerged) EventType() string { return TypePrimaryMerged }

func (e PrimaryMerged) Event() *types.Event {
	return &types.Event{
		Type: TypePrimaryMerged,
		Attributes: map[string]string{
			"holder": formatAddress(e.Holder),
			"inA":    formatAmount(e.InA),
			"inB":    formatAmount(e.InB),
			"out":    formatAmount(e.Out),
			"fee":    formatAmount(e.Fee),
		},
	}
}

// PrimaryClaimed records a payout of created shares and redeemed underlying.
type PrimaryClaimed struct {
	Holder     common.Address
	Shares     *uint256.Int
	Underlying *uint256.Int
}

func (PrimaryClaimed) EventType() string { return TypePrimaryClaimed }

func (e PrimaryClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypePrimaryClaimed,
		Attributes: map[string]string{
			"holder":     formatAddress(e.Holder),
			"shares":     formatAmount(e.Shares),
			"underlying": formatAmount(e.Underlying),
		},
	}
}

// PrimarySettled records the aggregate outcome of one day.
type PrimarySettled struct {
	Day                  uint64
	CreationUnderlying   *uint256.Int
	RedemptionShares     *uint256.Int
	SharesMinted         *uint256.Int
	RedemptionUnderlying *uint256.Int
	Fee                  *uint256.Int
}

func (PrimarySettled) EventType() string { return TypePrimarySettled }

func (e PrimarySettled) Event() *types.Event {
	return &types.Event{
		Type: TypePrimarySettled,
		Attributes: map[string]string{
			"day":                  uintToString(e.Day),
			"creationUnderlying":   formatAmount(e.CreationUnderlying),
			"redemptionShares":     formatAmount(e.RedemptionShares),
			"sharesMinted":         formatAmount(e.SharesMinted),
			"redemptionUnderlying": formatAmount(e.RedemptionUnderlying),
			"fee":                  formatAmount(e.Fee),
		},
	}
}

// PrimaryQueuePaid records underlying applied to the redemption queue.
type PrimaryQueuePaid struct {
	Amount      *uint256.Int
	CoveredDay  uint64
	Outstanding *uint256.Int
}

func (PrimaryQueuePaid) EventType() string { return TypePrimaryQueuePaid }

func (e PrimaryQueuePaid) Event() *types.Event {
	return &types.Event{
		Type: TypePrimaryQueuePaid,
		Attributes: map[string]string{
			"amount":      formatAmount(e.Amount),
			"coveredDay":  uintToString(e.CoveredDay),
			"outstanding": formatAmount(e.Outstanding),
		},
	}
}
