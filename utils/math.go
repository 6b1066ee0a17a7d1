package utils

import (
	"math"
	"math/big"
)

const factorPrecision = 1_000_000

// MulFactor scales v by f with six decimal digits of precision, rounding down.
func MulFactor(v *big.Int, f float64) *big.Int {
	scaled := big.NewInt(int64(math.Round(f * factorPrecision)))
	res := new(big.Int).Mul(v, scaled)
	return res.Quo(res, big.NewInt(factorPrecision))
}

func MinBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func MaxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
