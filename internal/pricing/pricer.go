package pricing

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PriceFeed supplies 18-decimal fixed-point prices for venue-listed tokens.
// Implementations may fail for assets the venue does not list.
type PriceFeed interface {
	GetPrice(token common.Address) (*big.Int, error)
}

// DecimalSource resolves a token's native decimal precision.
type DecimalSource interface {
	TokenDecimals(token common.Address) (uint8, error)
}

// Bounds is a caller-supplied tolerance band for a pricer-computed amount.
// Both ends are inclusive.
type Bounds struct {
	Low  *big.Int
	High *big.Int
}

// Contains reports whether v lies in [Low, High].
func (b Bounds) Contains(v *big.Int) bool {
	if b.Low == nil || b.High == nil || v == nil {
		return false
	}
	return b.Low.Cmp(v) <= 0 && v.Cmp(b.High) <= 0
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%s, %s]", b.Low, b.High)
}

// BalancedPricer converts an amount of one token into the value-equivalent
// amount of another, using a shared price feed snapshot.
//
// Results are deterministic for a given feed snapshot but NOT stable across
// time: venue activity moves prices, and two calls may disagree. Callers
// bound their exposure to that gap with Bounds.
type BalancedPricer struct {
	feed     PriceFeed
	decimals DecimalSource
}

func NewBalancedPricer(feed PriceFeed, decimals DecimalSource) *BalancedPricer {
	return &BalancedPricer{feed: feed, decimals: decimals}
}

// BalancedAmount returns the amount of tokenB economically equivalent to
// amountA of tokenA at current feed prices:
//
//	amountB = amountA * priceA * 10^decimalsB / (priceB * 10^decimalsA)
//
// Division floors, so the returned amount never overstates the value.
func (p *BalancedPricer) BalancedAmount(tokenA, tokenB common.Address, amountA *big.Int) (*big.Int, error) {
	priceA, err := p.feed.GetPrice(tokenA)
	if err != nil {
		return nil, fmt.Errorf("price of %s: %w", tokenA.Hex(), err)
	}
	priceB, err := p.feed.GetPrice(tokenB)
	if err != nil {
		return nil, fmt.Errorf("price of %s: %w", tokenB.Hex(), err)
	}
	if priceB.Sign() == 0 {
		return nil, fmt.Errorf("zero price for %s", tokenB.Hex())
	}

	decA, err := p.decimals.TokenDecimals(tokenA)
	if err != nil {
		return nil, err
	}
	decB, err := p.decimals.TokenDecimals(tokenB)
	if err != nil {
		return nil, err
	}

	// value in X18 quote terms, then into tokenB native units
	value := MulDiv(amountA, priceA, Pow10(decA))
	amountB := MulDiv(value, Pow10(decB), priceB)

	return amountB, nil
}
