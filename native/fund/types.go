package fund

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Tranche identifies one of the three claims issued by the fund.
type Tranche uint8

const (
	TrancheBase Tranche = iota
	TrancheA
	TrancheB

	TrancheCount = 3
)

func (t Tranche) String() string {
	switch t {
	case TrancheBase:
		return "base"
	case TrancheA:
		return "a"
	case TrancheB:
		return "b"
	default:
		return fmt.Sprintf("tranche(%d)", uint8(t))
	}
}

// Valid reports whether t names a known tranche.
func (t Tranche) Valid() bool { return t < TrancheCount }

// ParseTranche accepts the names produced by String plus the common aliases
// "m" and "p" for the base share.
func ParseTranche(s string) (Tranche, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "base", "m", "p":
		return TrancheBase, nil
	case "a":
		return TrancheA, nil
	case "b":
		return TrancheB, nil
	default:
		return 0, fmt.Errorf("fund: unknown tranche %q", s)
	}
}

// Amounts holds one value per tranche, indexed by Tranche.
type Amounts [TrancheCount]uint256.Int

// NewAmounts builds an Amounts tuple from small integers.
func NewAmounts(base, a, b uint64) Amounts {
	var out Amounts
	out[TrancheBase].SetUint64(base)
	out[TrancheA].SetUint64(a)
	out[TrancheB].SetUint64(b)
	return out
}

// Get returns a copy of the amount for tranche t.
func (a Amounts) Get(t Tranche) *uint256.Int {
	return new(uint256.Int).Set(&a[t])
}

// IsZero reports whether every component is zero.
func (a Amounts) IsZero() bool {
	return a[TrancheBase].IsZero() && a[TrancheA].IsZero() && a[TrancheB].IsZero()
}

func (a Amounts) String() string {
	return fmt.Sprintf("(%s, %s, %s)", a[TrancheBase].Dec(), a[TrancheA].Dec(), a[TrancheB].Dec())
}

// Weights is the split ratio between the A and B tranches. One unit of base
// splits into A/(A+B) units of tranche A and B/(A+B) units of tranche B.
type Weights struct {
	A uint64
	B uint64
}

// Sum returns A+B.
func (w Weights) Sum() uint64 { return w.A + w.B }

// RebalanceKind names the condition that triggered a rebalance.
type RebalanceKind uint8

const (
	RebalanceUpper RebalanceKind = iota + 1
	RebalanceLower
	RebalanceFixed
)

func (k RebalanceKind) String() string {
	switch k {
	case RebalanceUpper:
		return "upper"
	case RebalanceLower:
		return "lower"
	case RebalanceFixed:
		return "fixed"
	default:
		return "none"
	}
}

// Rebalance is one immutable entry of the rebalance table. All ratios are
// 18-decimal fixed point numbers.
type Rebalance struct {
	RatioBase   uint256.Int
	RatioA2Base uint256.Int
	RatioB2Base uint256.Int
	RatioAB     uint256.Int
	Day         uint64
	Kind        RebalanceKind
}

// IsZero reports whether r is the zero sentinel returned for missing entries.
func (r Rebalance) IsZero() bool {
	return r.Day == 0 && r.RatioBase.IsZero() && r.RatioA2Base.IsZero() &&
		r.RatioB2Base.IsZero() && r.RatioAB.IsZero()
}

// NavSnapshot is the settled state of one epoch.
type NavSnapshot struct {
	Day          uint64
	Base         uint256.Int
	A            uint256.Int
	B            uint256.Int
	TotalShares  uint256.Int
	Underlying   uint256.Int
	InterestRate uint256.Int
	Price        uint256.Int
}

// Navs bundles the three net asset values of one moment.
type Navs struct {
	Base uint256.Int
	A    uint256.Int
	B    uint256.Int
}

// Flows is the aggregate primary market outcome of one epoch, returned by
// PrimaryMarket.Settle. Share amounts are base shares.
type Flows struct {
	SharesToMint         uint256.Int
	SharesToBurn         uint256.Int
	CreationUnderlying   uint256.Int
	RedemptionUnderlying uint256.Int
	// CreationFee is held by the primary market; the rest of Fee is paid
	// out of the fund.
	CreationFee uint256.Int
	Fee         uint256.Int
}

// FundSummary is a read-only view of the fund used by the API.
type FundSummary struct {
	CurrentDay           uint64
	LastSettledDay       uint64
	FundActivityStart    uint64
	PrimaryActivityStart uint64
	RebalanceSize        uint64
	TotalSupplies        Amounts
	TotalShares          uint256.Int
	TotalUnderlying      uint256.Int
	HotUnderlying        uint256.Int
	StrategyUnderlying   uint256.Int
	LastNav              NavSnapshot
	FundAccount          common.Address
	FeeCollector         common.Address
	Paused               bool
}

// SettleResult describes one completed settlement.
type SettleResult struct {
	Day            uint64
	Navs           Navs
	Flows          Flows
	ManagementFee  uint256.Int
	InterestRate   uint256.Int
	Price          uint256.Int
	Rebalanced     bool
	Rebalance      Rebalance
	RebalanceIndex uint64
	QueuePaid      uint256.Int
}
