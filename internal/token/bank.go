// Package token abstracts ERC-20 transfer mechanics behind a capability
// interface. The ledger only needs to pull deposits in and push claims out;
// how tokens actually move (on-chain adapter, custodian API) is not its
// concern.
package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Bank moves tokens between external accounts and the ledger's custody.
type Bank interface {
	// Pull draws amount of token from the account into ledger custody.
	Pull(ctx context.Context, token, from common.Address, amount *big.Int) error

	// Push pays amount of token from ledger custody out to the account.
	Push(ctx context.Context, token, to common.Address, amount *big.Int) error
}

// MemoryBank is an in-process Bank for tests and local runs. Accounts start
// empty; seed them with Mint.
type MemoryBank struct {
	mu       sync.Mutex
	balances map[common.Address]map[common.Address]*big.Int // token -> holder -> balance
	custody  map[common.Address]*big.Int                    // token -> custodied amount
}

func NewMemoryBank() *MemoryBank {
	return &MemoryBank{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		custody:  make(map[common.Address]*big.Int),
	}
}

// Mint credits a holder out of thin air.
func (b *MemoryBank) Mint(token, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holderBalance(token, holder).Add(b.holderBalance(token, holder), amount)
}

// BalanceOf returns a holder's external balance.
func (b *MemoryBank) BalanceOf(token, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.holderBalance(token, holder))
}

// Custodied returns the amount held for the ledger.
func (b *MemoryBank) Custodied(token common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.custody[token]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func (b *MemoryBank) Pull(ctx context.Context, token, from common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.holderBalance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("pull %s of %s from %s: balance %s", amount, token.Hex(), from.Hex(), bal)
	}
	bal.Sub(bal, amount)
	b.custodyBalance(token).Add(b.custodyBalance(token), amount)
	return nil
}

func (b *MemoryBank) Push(ctx context.Context, token, to common.Address, amount *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cust := b.custodyBalance(token)
	if cust.Cmp(amount) < 0 {
		return fmt.Errorf("push %s of %s: custody holds %s", amount, token.Hex(), cust)
	}
	cust.Sub(cust, amount)
	b.holderBalance(token, to).Add(b.holderBalance(token, to), amount)
	return nil
}

func (b *MemoryBank) holderBalance(token, holder common.Address) *big.Int {
	holders, ok := b.balances[token]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		b.balances[token] = holders
	}
	bal, ok := holders[holder]
	if !ok {
		bal = new(big.Int)
		holders[holder] = bal
	}
	return bal
}

func (b *MemoryBank) custodyBalance(token common.Address) *big.Int {
	bal, ok := b.custody[token]
	if !ok {
		bal = new(big.Int)
		b.custody[token] = bal
	}
	return bal
}
