package fund

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the precision of every fixed point number handled by the fund.
const Decimals = 18

var (
	unit        = uint256.NewInt(1_000_000_000_000_000_000)
	basisPoints = uint256.NewInt(10_000)
	maxUint256  = new(uint256.Int).SetAllOne()
)

// Unit returns 1.0 in 18-decimal fixed point.
func Unit() *uint256.Int { return new(uint256.Int).Set(unit) }

// MaxAmount returns the largest representable amount, used as the infinite
// allowance marker.
func MaxAmount() *uint256.Int { return new(uint256.Int).Set(maxUint256) }

// mulDiv returns floor(x*y/d) computed without intermediate overflow.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrOverflow)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// mulDecimal returns floor(x*y/UNIT).
func mulDecimal(x, y *uint256.Int) (*uint256.Int, error) {
	return mulDiv(x, y, unit)
}

// divDecimal returns floor(x*UNIT/y).
func divDecimal(x, y *uint256.Int) (*uint256.Int, error) {
	return mulDiv(x, unit, y)
}

// powDecimal returns x^n in fixed point by square and multiply, flooring
// after every product.
func powDecimal(x *uint256.Int, n uint64) (*uint256.Int, error) {
	result := new(uint256.Int).Set(unit)
	base := new(uint256.Int).Set(x)
	var err error
	for n > 0 {
		if n&1 == 1 {
			if result, err = mulDecimal(result, base); err != nil {
				return nil, err
			}
		}
		n >>= 1
		if n > 0 {
			if base, err = mulDecimal(base, base); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

func checkedAdd(x, y *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

func checkedMul(x, y *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// saturatingSub returns max(0, x-y).
func saturatingSub(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(x, y)
}

func minInt(values ...*uint256.Int) *uint256.Int {
	out := new(uint256.Int).Set(values[0])
	for _, v := range values[1:] {
		if v.Lt(out) {
			out.Set(v)
		}
	}
	return out
}

func maxInt(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(y)
	}
	return new(uint256.Int).Set(x)
}

// ParseDecimal converts a human readable decimal such as "1.25" into 18
// decimal fixed point. At most 18 fractional digits are accepted.
func ParseDecimal(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty decimal", ErrInvalidAmount)
	}
	intPart, fracPart, hasFrac := strings.Cut(trimmed, ".")
	if intPart == "" {
		intPart = "0"
	}
	if hasFrac && fracPart == "" {
		return nil, fmt.Errorf("%w: malformed decimal %q", ErrInvalidAmount, value)
	}
	if len(fracPart) > Decimals {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, value, Decimals)
	}
	digits := intPart + fracPart + strings.Repeat("0", Decimals-len(fracPart))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: malformed decimal %q", ErrInvalidAmount, value)
		}
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(uint256.Int), nil
	}
	out, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return out, nil
}

// MustParseDecimal is ParseDecimal for constants; it panics on malformed input.
func MustParseDecimal(value string) *uint256.Int {
	out, err := ParseDecimal(value)
	if err != nil {
		panic(err)
	}
	return out
}

// FormatDecimal renders an 18-decimal fixed point number without trailing
// fractional zeros.
func FormatDecimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	digits := v.Dec()
	if len(digits) <= Decimals {
		digits = strings.Repeat("0", Decimals-len(digits)+1) + digits
	}
	intPart := digits[:len(digits)-Decimals]
	fracPart := strings.TrimRight(digits[len(digits)-Decimals:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
