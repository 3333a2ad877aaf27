package primarymarket

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"tranchefund/native/fund"
	nativecommon "tranchefund/native/common"
)

// Params configures the primary market. Fee rates are 18-decimal fractions.
type Params struct {
	Account common.Address

	CreationFeeRate   uint256.Int
	RedemptionFeeRate uint256.Int
	SplitFeeRate      uint256.Int
	MergeFeeRate      uint256.Int

	// MinCreationUnderlying rejects smaller creations. Zero only rejects
	// empty requests.
	MinCreationUnderlying uint256.Int

	// DelayedRedemption routes redemption payouts through a FIFO queue that
	// is funded as the fund's hot balance allows.
	DelayedRedemption bool

	Quota nativecommon.Quota
}

// DefaultParams charges no fees and pays redemptions immediately.
func DefaultParams() Params {
	return Params{
		Account: common.HexToAddress("0x000000000000000000000000000000000000b0b0"),
	}
}

// Validate ensures the parameters are self-consistent.
func (p Params) Validate() error {
	if p.Account == (common.Address{}) {
		return fmt.Errorf("primary market: account required")
	}
	rates := map[string]*uint256.Int{
		"creation":   &p.CreationFeeRate,
		"redemption": &p.RedemptionFeeRate,
		"split":      &p.SplitFeeRate,
		"merge":      &p.MergeFeeRate,
	}
	for name, rate := range rates {
		if !rate.Lt(fund.Unit()) {
			return fmt.Errorf("primary market: %s fee rate must be below 100%%", name)
		}
	}
	return nil
}
