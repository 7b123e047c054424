package lending

import (
	"math/bits"

	"github.com/holiman/uint256"
)

var bps = uint256.NewInt(BasisPoints)

func addU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrArithmeticOverflow
	}
	return sum, nil
}

func subU64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrArithmeticOverflow
	}
	return diff, nil
}

// mulDiv computes a*b/c over 256-bit intermediates, rounding toward zero or
// away from it. The quotient must fit in a u64.
func mulDiv(a, b, c uint64, roundUp bool) (uint64, error) {
	if c == 0 {
		return 0, ErrArithmeticOverflow
	}
	product := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	divisor := uint256.NewInt(c)
	quotient := new(uint256.Int).Div(product, divisor)
	if roundUp && !new(uint256.Int).Mod(product, divisor).IsZero() {
		quotient.AddUint64(quotient, 1)
	}
	if !quotient.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return quotient.Uint64(), nil
}

func mulDivFloor(a, b, c uint64) (uint64, error) { return mulDiv(a, b, c, false) }

func mulDivCeil(a, b, c uint64) (uint64, error) { return mulDiv(a, b, c, true) }

// weighted scales value by a basis-point ratio without dividing, so callers
// can compare weighted sums exactly.
func weighted(value *uint256.Int, ratioBps uint64) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(ratioBps))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func addValue(a, b *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
