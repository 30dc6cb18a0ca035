package ledger

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// FeeAccount tracks the operator's reimbursable credit per token: every user
// withdrawal is charged the fixed venue settlement fee, which the operator
// advances on the user's behalf and claims back here.
// Not thread-safe — only accessed from the single-threaded engine.
type FeeAccount struct {
	credits map[common.Address]*big.Int
}

func NewFeeAccount() *FeeAccount {
	return &FeeAccount{credits: make(map[common.Address]*big.Int)}
}

// Credit adds a fee charge for token.
func (f *FeeAccount) Credit(token common.Address, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	cur, ok := f.credits[token]
	if !ok {
		cur = new(big.Int)
		f.credits[token] = cur
	}
	cur.Add(cur, amount)
}

// Balance returns the operator's current credit for token.
func (f *FeeAccount) Balance(token common.Address) *big.Int {
	if v, ok := f.credits[token]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Clear zeroes the token's credit and returns the cleared amount.
func (f *FeeAccount) Clear(token common.Address) *big.Int {
	cur, ok := f.credits[token]
	if !ok || cur.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Set(cur)
	cur.SetInt64(0)
	return out
}

// FeeRow is a snapshot/projection view of one token's operator credit.
type FeeRow struct {
	Token  common.Address `json:"token"`
	Credit *big.Int       `json:"credit"`
}

// Snapshot returns all non-zero credits in deterministic token order.
func (f *FeeAccount) Snapshot() []FeeRow {
	rows := make([]FeeRow, 0, len(f.credits))
	for token, credit := range f.credits {
		if credit.Sign() == 0 {
			continue
		}
		rows = append(rows, FeeRow{Token: token, Credit: new(big.Int).Set(credit)})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Token.Hex() < rows[j].Token.Hex()
	})
	return rows
}

// RestoreRow writes one snapshot row back.
func (f *FeeAccount) RestoreRow(row FeeRow) {
	if row.Credit != nil && row.Credit.Sign() > 0 {
		f.credits[row.Token] = new(big.Int).Set(row.Credit)
	}
}
