package fund

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Params captures the static configuration of one fund instance.
type Params struct {
	// EpochLength is the settlement period in seconds.
	EpochLength uint64
	// SettlementOffset shifts the epoch boundary relative to multiples of
	// EpochLength, e.g. 14 hours for a 14:00 UTC daily settlement.
	SettlementOffset uint64

	// UpperThreshold triggers an upper rebalance when navBase exceeds it.
	UpperThreshold uint256.Int
	// LowerThreshold triggers a lower rebalance when navB falls below it.
	LowerThreshold uint256.Int
	// FixedThreshold triggers a fixed rebalance when navB/navA exceeds it.
	// Zero disables the fixed rebalance.
	FixedThreshold uint256.Int

	// ManagementFeeBps is charged on the underlying once per epoch.
	ManagementFeeBps uint64
	Weights          Weights

	// RebalanceCooldown keeps the fund and primary market inactive for this
	// many seconds after the boundary of a rebalanced epoch.
	RebalanceCooldown uint64
	// PrimaryCutoff closes the primary market this many seconds before every
	// boundary.
	PrimaryCutoff uint64

	// InitialNav is navBase before the first creation.
	InitialNav uint256.Int
	// UnderlyingDecimals is the precision of the underlying asset.
	UnderlyingDecimals uint8

	FundAccount     common.Address
	FeeCollector    common.Address
	StrategyAccount common.Address
}

// DefaultParams returns a daily fund with 1:1 weights, a 2.0 upper and 0.5
// lower threshold, and no fees.
func DefaultParams() Params {
	p := Params{
		EpochLength:        86_400,
		SettlementOffset:   14 * 3_600,
		ManagementFeeBps:   0,
		Weights:            Weights{A: 1, B: 1},
		RebalanceCooldown:  12 * 3_600,
		PrimaryCutoff:      0,
		UnderlyingDecimals: 18,
		FundAccount:        common.HexToAddress("0x000000000000000000000000000000000000f0d0"),
		FeeCollector:       common.HexToAddress("0x000000000000000000000000000000000000fee0"),
	}
	p.UpperThreshold.Set(MustParseDecimal("2"))
	p.LowerThreshold.Set(MustParseDecimal("0.5"))
	p.InitialNav.Set(unit)
	return p
}

// Validate ensures the parameters are self-consistent.
func (p Params) Validate() error {
	if p.EpochLength == 0 {
		return fmt.Errorf("fund: epoch length must be greater than zero")
	}
	if p.SettlementOffset >= p.EpochLength {
		return fmt.Errorf("fund: settlement offset must be shorter than the epoch")
	}
	if p.PrimaryCutoff >= p.EpochLength {
		return fmt.Errorf("fund: primary cutoff must be shorter than the epoch")
	}
	if p.Weights.A == 0 || p.Weights.B == 0 {
		return fmt.Errorf("fund: tranche weights must be non-zero")
	}
	if !p.UpperThreshold.Gt(unit) {
		return fmt.Errorf("fund: upper threshold must exceed 1.0")
	}
	if !p.LowerThreshold.Lt(unit) {
		return fmt.Errorf("fund: lower threshold must be below 1.0")
	}
	if !p.FixedThreshold.IsZero() && !p.FixedThreshold.Gt(unit) {
		return fmt.Errorf("fund: fixed threshold must exceed 1.0 when enabled")
	}
	if p.ManagementFeeBps > 10_000 {
		return fmt.Errorf("fund: management fee exceeds 100%%")
	}
	if p.InitialNav.IsZero() {
		return fmt.Errorf("fund: initial nav must be positive")
	}
	if p.UnderlyingDecimals > Decimals {
		return fmt.Errorf("fund: underlying decimals must not exceed %d", Decimals)
	}
	if p.FundAccount == (common.Address{}) {
		return fmt.Errorf("fund: fund account required")
	}
	if p.FeeCollector == (common.Address{}) {
		return fmt.Errorf("fund: fee collector required")
	}
	return nil
}

// EndOfEpoch returns the first boundary strictly after timestamp.
func (p Params) EndOfEpoch(timestamp uint64) uint64 {
	if timestamp < p.SettlementOffset {
		return p.SettlementOffset
	}
	return (timestamp-p.SettlementOffset)/p.EpochLength*p.EpochLength + p.SettlementOffset + p.EpochLength
}

// underlyingMultiplier scales underlying amounts to 18 decimals.
func (p Params) underlyingMultiplier() *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(Decimals-p.UnderlyingDecimals)))
}

// managementFeeRate returns the per-epoch fee as an 18-decimal fraction.
func (p Params) managementFeeRate() *uint256.Int {
	rate := new(uint256.Int).Mul(unit, uint256.NewInt(p.ManagementFeeBps))
	return rate.Div(rate, basisPoints)
}
