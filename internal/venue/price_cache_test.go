package venue

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var cacheToken = common.HexToAddress("0x0000000000000000000000000000000000000002")

func x18Price(n int64) *big.Int {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), exp)
}

func TestPriceCache_UpdateAndGet(t *testing.T) {
	c := NewPriceCache()

	if _, err := c.Get(cacheToken); err == nil {
		t.Fatal("expected error for unseen token")
	}

	if !c.Update(cacheToken, x18Price(2000), 1) {
		t.Fatal("first update rejected")
	}
	got, err := c.Get(cacheToken)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cmp(x18Price(2000)) != 0 {
		t.Errorf("price = %s, want %s", got, x18Price(2000))
	}
}

func TestPriceCache_StaleSequenceIgnored(t *testing.T) {
	c := NewPriceCache()
	c.Update(cacheToken, x18Price(2000), 5)

	if c.Update(cacheToken, x18Price(1000), 5) {
		t.Error("equal sequence accepted")
	}
	if c.Update(cacheToken, x18Price(1000), 4) {
		t.Error("older sequence accepted")
	}
	got, _ := c.Get(cacheToken)
	if got.Cmp(x18Price(2000)) != 0 {
		t.Errorf("price = %s, want unchanged %s", got, x18Price(2000))
	}
	if c.Sequence(cacheToken) != 5 {
		t.Errorf("sequence = %d, want 5", c.Sequence(cacheToken))
	}

	// Gaps are fine: only newer matters.
	if !c.Update(cacheToken, x18Price(2100), 9) {
		t.Error("newer sequence rejected")
	}
}

func TestPriceCache_RejectsNonPositivePrice(t *testing.T) {
	c := NewPriceCache()

	if c.Update(cacheToken, nil, 1) {
		t.Error("nil price accepted")
	}
	if c.Update(cacheToken, big.NewInt(0), 2) {
		t.Error("zero price accepted")
	}
	if c.Update(cacheToken, big.NewInt(-1), 3) {
		t.Error("negative price accepted")
	}
}
