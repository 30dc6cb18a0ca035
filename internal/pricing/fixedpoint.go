package pricing

import (
	"math/big"
	"sync"
)

// PriceDecimals is the fixed-point precision of every price read from the
// venue feed. Token amounts keep their native decimal precision.
const PriceDecimals = 18

// ScaleX18 is 10^PriceDecimals.
var ScaleX18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

// bigPool recycles intermediate big.Ints for the hot mul/div path.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Pow10 returns 10^n as a fresh big.Int.
func Pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// MulDiv computes a * b / c with flooring division. c must be non-zero.
// The result is a fresh big.Int; inputs are never mutated.
func MulDiv(a, b, c *big.Int) *big.Int {
	tmp := getBig()
	tmp.Mul(a, b)

	result := new(big.Int).Quo(tmp, c)
	putBig(tmp)

	return result
}

// RescaleDecimals converts an amount from one token's native precision to
// another's. Scaling down floors, matching on-venue bookkeeping.
func RescaleDecimals(amount *big.Int, fromDecimals, toDecimals uint8) *big.Int {
	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount)
	}
	if toDecimals > fromDecimals {
		return new(big.Int).Mul(amount, Pow10(toDecimals-fromDecimals))
	}
	return new(big.Int).Quo(amount, Pow10(fromDecimals-toDecimals))
}
