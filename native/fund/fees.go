package fund

import "github.com/holiman/uint256"

// ManagementFee returns floor(underlying * bps * epochs / 10000).
func ManagementFee(underlying *uint256.Int, bps, epochs uint64) (*uint256.Int, error) {
	if underlying == nil || bps == 0 || epochs == 0 {
		return new(uint256.Int), nil
	}
	factor, err := checkedMul(uint256.NewInt(bps), uint256.NewInt(epochs))
	if err != nil {
		return nil, err
	}
	fee, err := mulDiv(underlying, factor, basisPoints)
	if err != nil {
		return nil, err
	}
	if fee.Gt(underlying) {
		fee.Set(underlying)
	}
	return fee, nil
}

// AccrueNavA advances navA by epochs of accrual. One epoch applies the fee
// drag and then the interest rate, each with floor rounding. Several epochs
// compound the per-epoch factor by repeated squaring, so the cost is
// logarithmic in epochs. The result never drops below last.
func AccrueNavA(last, feeRate, rate *uint256.Int, epochs uint64) (*uint256.Int, error) {
	nav := new(uint256.Int).Set(last)
	if epochs == 0 {
		return nav, nil
	}
	keep := saturatingSub(unit, feeRate)
	growth, err := checkedAdd(unit, rate)
	if err != nil {
		return nil, err
	}
	if epochs == 1 {
		next, err := mulDecimal(nav, keep)
		if err != nil {
			return nil, err
		}
		if next, err = mulDecimal(next, growth); err != nil {
			return nil, err
		}
		if next.Gt(nav) {
			nav = next
		}
		return nav, nil
	}
	factor, err := mulDecimal(keep, growth)
	if err != nil {
		return nil, err
	}
	if !factor.Gt(unit) {
		// The drag outweighs the rate.
		return nav, nil
	}
	compound, err := powDecimal(factor, epochs)
	if err != nil {
		return nil, err
	}
	next, err := mulDecimal(nav, compound)
	if err != nil {
		return nil, err
	}
	if next.Gt(nav) {
		nav = next
	}
	return nav, nil
}
