package fund

import (
	"fmt"

	"github.com/holiman/uint256"
)

// NavBaseOf returns floor(underlying * multiplier * price / shares).
func NavBaseOf(price, underlying, shares, multiplier *uint256.Int) (*uint256.Int, error) {
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: no shares outstanding", ErrInvalidAmount)
	}
	scaled, err := checkedMul(underlying, multiplier)
	if err != nil {
		return nil, err
	}
	return mulDiv(scaled, price, shares)
}

// NavBOf applies the weighted identity navBase*(wA+wB) = navA*wA + navB*wB
// and floors navB at zero.
func NavBOf(navBase, navA *uint256.Int, w Weights) (*uint256.Int, error) {
	total, err := checkedMul(navBase, uint256.NewInt(w.Sum()))
	if err != nil {
		return nil, err
	}
	senior, err := checkedMul(navA, uint256.NewInt(w.A))
	if err != nil {
		return nil, err
	}
	if !total.Gt(senior) {
		return new(uint256.Int), nil
	}
	junior := new(uint256.Int).Sub(total, senior)
	return junior.Div(junior, uint256.NewInt(w.B)), nil
}

// navsOf completes (navBase, navA) with navB.
func navsOf(navBase, navA *uint256.Int, w Weights) (Navs, error) {
	var out Navs
	navB, err := NavBOf(navBase, navA, w)
	if err != nil {
		return out, err
	}
	out.Base.Set(navBase)
	out.A.Set(navA)
	out.B.Set(navB)
	return out, nil
}

// triggeredKind returns the rebalance condition met by navs, checked in the
// order upper, lower, fixed. All comparisons are strict.
func (p Params) triggeredKind(navs Navs) (RebalanceKind, error) {
	if navs.Base.Gt(&p.UpperThreshold) {
		return RebalanceUpper, nil
	}
	if navs.B.Lt(&p.LowerThreshold) {
		return RebalanceLower, nil
	}
	if !p.FixedThreshold.IsZero() && !navs.A.IsZero() {
		ratio, err := divDecimal(&navs.B, &navs.A)
		if err != nil {
			return 0, err
		}
		if ratio.Gt(&p.FixedThreshold) {
			return RebalanceFixed, nil
		}
	}
	return 0, nil
}

// RebalanceRatios computes the conversion that resets all navs to par for the
// given trigger kind. Value is preserved per holder up to floor rounding:
// base converts at navBase, and each A or B unit keeps s units of its own
// tranche while the excess of its nav over s converts into base.
func RebalanceRatios(kind RebalanceKind, navs Navs, w Weights, day uint64) (Rebalance, error) {
	navA := new(uint256.Int).Set(&navs.A)
	if navs.B.IsZero() {
		// Tranche B is wiped out; A can claim at most the whole fund.
		limit, err := mulDiv(&navs.Base, uint256.NewInt(w.Sum()), uint256.NewInt(w.A))
		if err != nil {
			return Rebalance{}, err
		}
		navA = minInt(navA, limit)
	}
	var s *uint256.Int
	switch kind {
	case RebalanceUpper:
		s = minInt(unit, navA, &navs.B)
	case RebalanceLower:
		s = new(uint256.Int).Set(&navs.B)
		if s.Gt(navA) {
			s.Set(navA)
		}
	case RebalanceFixed:
		s = minInt(navA, &navs.B)
	default:
		return Rebalance{}, fmt.Errorf("fund: unknown rebalance kind %d", kind)
	}
	r := Rebalance{Day: day, Kind: kind}
	r.RatioBase.Set(&navs.Base)
	r.RatioA2Base.Sub(navA, s)
	r.RatioB2Base.Sub(&navs.B, s)
	r.RatioAB.Set(s)
	return r, nil
}
