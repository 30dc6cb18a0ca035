package venue

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PriceCache holds the latest venue price per token, fed by the price
// stream. Updates carry a per-token sequence; stale updates are ignored and
// gaps are tolerated, since only the latest price matters.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[common.Address]*big.Int
	seqs   map[common.Address]uint64
}

func NewPriceCache() *PriceCache {
	return &PriceCache{
		prices: make(map[common.Address]*big.Int),
		seqs:   make(map[common.Address]uint64),
	}
}

// Update stores an 18-decimal price if it is newer than what we hold.
// Returns false for stale updates.
func (c *PriceCache) Update(token common.Address, priceX18 *big.Int, sequence uint64) bool {
	if priceX18 == nil || priceX18.Sign() <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.seqs[token]; ok && sequence <= last {
		return false
	}
	c.prices[token] = new(big.Int).Set(priceX18)
	c.seqs[token] = sequence
	return true
}

// Get returns the latest price, failing for assets never seen on the feed.
func (c *PriceCache) Get(token common.Address) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[token]
	if !ok {
		return nil, fmt.Errorf("no venue price for %s", token.Hex())
	}
	return new(big.Int).Set(p), nil
}

// Sequence returns the last applied sequence for a token (0 if none).
func (c *PriceCache) Sequence(token common.Address) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seqs[token]
}
