package core

import "math/big"

// One is the fixed-point scale factor 10^18. All amounts and prices are
// non-negative integers in these base units; a price of 0.50 is 5*10^17.
var One = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// BpsDivisor is the basis-point denominator for fee rates.
var BpsDivisor = big.NewInt(10_000)

// MulDiv returns a*b/den in arbitrary precision, truncating toward zero.
// The pricing path never widens to floating point.
func MulDiv(a, b, den *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// MinBig returns the smaller of a and b.
func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// IsPositive reports whether x is a non-nil, strictly positive amount.
func IsPositive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}
