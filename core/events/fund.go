package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/core/types"
)

const (
	TypeFundSettled      = "fund.settled"
	TypeFundRebalanced   = "fund.rebalanced"
	TypeFundTransfer     = "fund.transfer"
	TypeFundApproval     = "fund.approval"
	TypeFundFeeCharged   = "fund.fee_charged"
	TypeFundPaused       = "fund.paused"
	TypeFundStrategyMove = "fund.strategy_moved"
)

// FundSettled is emitted once per settled epoch.
type FundSettled struct {
	Day                  uint64
	NavBase              *uint256.Int
	NavA                 *uint256.Int
	NavB                 *uint256.Int
	Price                *uint256.Int
	SharesMinted         *uint256.Int
	SharesBurned         *uint256.Int
	CreationUnderlying   *uint256.Int
	RedemptionUnderlying *uint256.Int
	Fee                  *uint256.Int
	Rebalanced           bool
}

func (FundSettled) EventType() string { return TypeFundSettled }

func (e FundSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeFundSettled,
		Attributes: map[string]string{
			"day":                  uintToString(e.Day),
			"navBase":              formatAmount(e.NavBase),
			"navA":                 formatAmount(e.NavA),
			"navB":                 formatAmount(e.NavB),
			"price":                formatAmount(e.Price),
			"sharesMinted":         formatAmount(e.SharesMinted),
			"sharesBurned":         formatAmount(e.SharesBurned),
			"creationUnderlying":   formatAmount(e.CreationUnderlying),
			"redemptionUnderlying": formatAmount(e.RedemptionUnderlying),
			"fee":                  formatAmount(e.Fee),
			"rebalanced":           strconv.FormatBool(e.Rebalanced),
		},
	}
}

// FundRebalanced is emitted when a rebalance entry is appended.
type FundRebalanced struct {
	Index       uint64
	Day         uint64
	Kind        string
	RatioBase   *uint256.Int
	RatioA2Base *uint256.Int
	RatioB2Base *uint256.Int
	RatioAB     *uint256.Int
}

func (FundRebalanced) EventType() string { return TypeFundRebalanced }

func (e FundRebalanced) Event() *types.Event {
	return &types.Event{
		Type: TypeFundRebalanced,
		Attributes: map[string]string{
			"index":       uintToString(e.Index),
			"day":         uintToString(e.Day),
			"kind":        e.Kind,
			"ratioBase":   formatAmount(e.RatioBase),
			"ratioA2Base": formatAmount(e.RatioA2Base),
			"ratioB2Base": formatAmount(e.RatioB2Base),
			"ratioAB":     formatAmount(e.RatioAB),
		},
	}
}

// FundTransfer records a balance movement of one tranche. Mints have a zero
// From and burns a zero To.
type FundTransfer struct {
	Tranche string
	From    common.Address
	To      common.Address
	Amount  *uint256.Int
}

func (FundTransfer) EventType() string { return TypeFundTransfer }

func (e FundTransfer) Event() *types.Event {
	return &types.Event{
		Type: TypeFundTransfer,
		Attributes: map[string]string{
			"tranche": e.Tranche,
			"from":    formatAddress(e.From),
			"to":      formatAddress(e.To),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// FundApproval records an allowance change of one tranche.
type FundApproval struct {
	Tranche string
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

func (FundApproval) EventType() string { return TypeFundApproval }

func (e FundApproval) Event() *types.Event {
	return &types.Event{
		Type: TypeFundApproval,
		Attributes: map[string]string{
			"tranche": e.Tranche,
			"owner":   formatAddress(e.Owner),
			"spender": formatAddress(e.Spender),
			"amount":  formatAmount(e.Amount),
		},
	}
}

// FundFeeCharged records the management fee moved to the collector.
type FundFeeCharged struct {
	Day       uint64
	Collector common.Address
	Amount    *uint256.Int
}

func (FundFeeCharged) EventType() string { return TypeFundFeeCharged }

func (e FundFeeCharged) Event() *types.Event {
	return &types.Event{
		Type: TypeFundFeeCharged,
		Attributes: map[string]string{
			"day":       uintToString(e.Day),
			"collector": formatAddress(e.Collector),
			"amount":    formatAmount(e.Amount),
		},
	}
}

// FundPaused records a pause flag change.
type FundPaused struct {
	Module string
	Paused bool
}

func (FundPaused) EventType() string { return TypeFundPaused }

func (e FundPaused) Event() *types.Event {
	return &types.Event{
		Type: TypeFundPaused,
		Attributes: map[string]string{
			"module": e.Module,
			"paused": strconv.FormatBool(e.Paused),
		},
	}
}

// FundStrategyMove records underlying moved to or from the strategy account.
type FundStrategyMove struct {
	Direction string
	Amount    *uint256.Int
	Deployed  *uint256.Int
}

func (FundStrategyMove) EventType() string { return TypeFundStrategyMove }

func (e FundStrategyMove) Event() *types.Event {
	return &types.Event{
		Type: TypeFundStrategyMove,
		Attributes: map[string]string{
			"direction": e.Direction,
			"amount":    formatAmount(e.Amount),
			"deployed":  formatAmount(e.Deployed),
		},
	}
}
