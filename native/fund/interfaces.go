package fund

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Bank moves the underlying asset between accounts.
type Bank interface {
	BalanceOf(addr common.Address) (*uint256.Int, error)
	Transfer(from, to common.Address, amount *uint256.Int) error
}

// PriceOracle supplies the underlying price in 18-decimal fixed point.
// Twap returns zero when no price is available for the boundary yet.
type PriceOracle interface {
	Twap(ctx context.Context, boundary uint64) (*uint256.Int, error)
}

// InterestRateOracle supplies the per-epoch interest rate accrued by
// tranche A, as an 18-decimal fraction.
type InterestRateOracle interface {
	Capture(ctx context.Context, day uint64) (*uint256.Int, error)
}

// PrimaryMarket aggregates creations and redemptions for the fund.
type PrimaryMarket interface {
	// Account is the address holding the primary market's underlying and
	// escrowed shares.
	Account() common.Address
	// Settle closes the requests of day and returns its aggregate flows. The
	// capability must be the one the primary market handed to the fund.
	Settle(cap *Capability, day uint64, totalShares, underlying, price, nav *uint256.Int) (Flows, error)
}

// RedemptionQueue is implemented by primary markets that defer redemption
// payouts when the fund's hot balance cannot cover them.
type RedemptionQueue interface {
	QueueEnabled() bool
	QueueOutstanding() (*uint256.Int, error)
	FundQueue(cap *Capability, amount *uint256.Int) error
}

// TokenHooks receives balance and allowance changes of one tranche, typically
// to mirror them as token events.
type TokenHooks interface {
	FundEmitTransfer(t Tranche, from, to common.Address, amount *uint256.Int)
	FundEmitApproval(t Tranche, owner, spender common.Address, amount *uint256.Int)
}
