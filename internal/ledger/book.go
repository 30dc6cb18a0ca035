package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Key addresses one (pool, token) ledger. Nested pool→token→user maps are
// deliberately flattened into a single associative container keyed by this
// compound key.
type Key struct {
	PoolID uint32
	Token  common.Address
}

func (k Key) String() string {
	return fmt.Sprintf("pool:%d:token:%s", k.PoolID, k.Token.Hex())
}

// TokenState is the per-(pool, token) ledger: aggregate active liquidity,
// per-user active balances, per-user claimable balances, and per-user fee
// charges (audit trail; the operator's reimbursable credit lives in
// FeeAccount).
type TokenState struct {
	Active       bool
	Hardcap      *big.Int
	ActiveAmount *big.Int

	userActive  map[common.Address]*big.Int
	userPending map[common.Address]*big.Int
	userFees    map[common.Address]*big.Int
}

func newTokenState(hardcap *big.Int) *TokenState {
	return &TokenState{
		Active:       true,
		Hardcap:      new(big.Int).Set(hardcap),
		ActiveAmount: new(big.Int),
		userActive:   make(map[common.Address]*big.Int),
		userPending:  make(map[common.Address]*big.Int),
		userFees:     make(map[common.Address]*big.Int),
	}
}

// Book holds every TokenState in one flat map.
// Not thread-safe — only accessed from the single-threaded engine.
type Book struct {
	states map[Key]*TokenState
}

func NewBook() *Book {
	return &Book{states: make(map[Key]*TokenState)}
}

// Ensure creates the (pool, token) state if absent and returns it.
// Hardcap is only taken from the first call; later calls ignore it.
func (b *Book) Ensure(key Key, hardcap *big.Int) *TokenState {
	if st, ok := b.states[key]; ok {
		return st
	}
	st := newTokenState(hardcap)
	b.states[key] = st
	return st
}

// State returns the ledger for key, or false if never created.
func (b *Book) State(key Key) (*TokenState, bool) {
	st, ok := b.states[key]
	return st, ok
}

// SetHardcap replaces the liquidity cap for an existing ledger.
func (b *Book) SetHardcap(key Key, hardcap *big.Int) error {
	st, ok := b.states[key]
	if !ok {
		return fmt.Errorf("no ledger for %s", key)
	}
	st.Hardcap = new(big.Int).Set(hardcap)
	return nil
}

// Active returns the user's active balance (zero if none).
func (b *Book) Active(key Key, user common.Address) *big.Int {
	st, ok := b.states[key]
	if !ok {
		return new(big.Int)
	}
	if v, ok := st.userActive[user]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Pending returns the user's claimable balance (zero if none).
func (b *Book) Pending(key Key, user common.Address) *big.Int {
	st, ok := b.states[key]
	if !ok {
		return new(big.Int)
	}
	if v, ok := st.userPending[user]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Fees returns the fees charged to the user on this ledger so far.
func (b *Book) Fees(key Key, user common.Address) *big.Int {
	st, ok := b.states[key]
	if !ok {
		return new(big.Int)
	}
	if v, ok := st.userFees[user]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// ActiveTotal returns the aggregate active amount for the ledger.
func (b *Book) ActiveTotal(key Key) *big.Int {
	st, ok := b.states[key]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(st.ActiveAmount)
}

// Hardcap returns the ledger's cap (zero if never created).
// Interpreting a zero cap as "unbounded" is the caller's policy, not the
// ledger's.
func (b *Book) Hardcap(key Key) *big.Int {
	st, ok := b.states[key]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(st.Hardcap)
}

// CreditActive adds amount to the user's active balance and the aggregate.
func (b *Book) CreditActive(key Key, user common.Address, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	st := b.Ensure(key, new(big.Int))

	cur, ok := st.userActive[user]
	if !ok {
		cur = new(big.Int)
		st.userActive[user] = cur
	}
	cur.Add(cur, amount)
	st.ActiveAmount.Add(st.ActiveAmount, amount)
}

// DebitActive subtracts amount from the user's active balance and the
// aggregate. Fails without mutation if the balance is insufficient.
func (b *Book) DebitActive(key Key, user common.Address, amount *big.Int) error {
	st, ok := b.states[key]
	if !ok {
		return fmt.Errorf("no ledger for %s", key)
	}
	cur, ok := st.userActive[user]
	if !ok || cur.Cmp(amount) < 0 {
		return fmt.Errorf("active balance %s short of %s on %s", b.Active(key, user), amount, key)
	}

	cur.Sub(cur, amount)
	st.ActiveAmount.Sub(st.ActiveAmount, amount)
	return nil
}

// CreditPending adds a reconciled withdrawal result to the user's claimable
// balance. The only caller is reconciliation.
func (b *Book) CreditPending(key Key, user common.Address, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	st := b.Ensure(key, new(big.Int))

	cur, ok := st.userPending[user]
	if !ok {
		cur = new(big.Int)
		st.userPending[user] = cur
	}
	cur.Add(cur, amount)
}

// ClearPending zeroes the user's claimable balance and returns the amount
// that was cleared. Claims never partially drain a pending balance.
func (b *Book) ClearPending(key Key, user common.Address) *big.Int {
	st, ok := b.states[key]
	if !ok {
		return new(big.Int)
	}
	cur, ok := st.userPending[user]
	if !ok || cur.Sign() == 0 {
		return new(big.Int)
	}

	out := new(big.Int).Set(cur)
	cur.SetInt64(0)
	return out
}

// RecordUserFee accumulates the fee charged to a user on withdrawal.
func (b *Book) RecordUserFee(key Key, user common.Address, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	st := b.Ensure(key, new(big.Int))

	cur, ok := st.userFees[user]
	if !ok {
		cur = new(big.Int)
		st.userFees[user] = cur
	}
	cur.Add(cur, amount)
}

// ValidateActiveSum checks the core ledger invariant:
// ActiveAmount == Σ userActive for the given ledger.
func (b *Book) ValidateActiveSum(key Key) error {
	st, ok := b.states[key]
	if !ok {
		return nil
	}

	sum := new(big.Int)
	for _, v := range st.userActive {
		sum.Add(sum, v)
	}
	if sum.Cmp(st.ActiveAmount) != 0 {
		return fmt.Errorf("active sum mismatch on %s: aggregate=%s, sum=%s", key, st.ActiveAmount, sum)
	}
	return nil
}

// BalanceRow is a flattened view of one user's position on one ledger,
// used for snapshots and projections.
type BalanceRow struct {
	PoolID  uint32         `json:"pool_id"`
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Active  *big.Int       `json:"active"`
	Pending *big.Int       `json:"pending"`
	Fees    *big.Int       `json:"fees"`
}

// UserRows collects the rows touching user on the given ledger keys.
func (b *Book) UserRows(user common.Address, keys []Key) []BalanceRow {
	rows := make([]BalanceRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, BalanceRow{
			PoolID:  k.PoolID,
			Token:   k.Token,
			User:    user,
			Active:  b.Active(k, user),
			Pending: b.Pending(k, user),
			Fees:    b.Fees(k, user),
		})
	}
	return rows
}

// Snapshot flattens the whole book into deterministic, sorted rows.
func (b *Book) Snapshot() []BalanceRow {
	var rows []BalanceRow
	for key, st := range b.states {
		users := make(map[common.Address]bool)
		for u := range st.userActive {
			users[u] = true
		}
		for u := range st.userPending {
			users[u] = true
		}
		for u := range st.userFees {
			users[u] = true
		}
		for u := range users {
			rows = append(rows, BalanceRow{
				PoolID:  key.PoolID,
				Token:   key.Token,
				User:    u,
				Active:  b.Active(key, u),
				Pending: b.Pending(key, u),
				Fees:    b.Fees(key, u),
			})
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PoolID != rows[j].PoolID {
			return rows[i].PoolID < rows[j].PoolID
		}
		ti, tj := rows[i].Token.Hex(), rows[j].Token.Hex()
		if ti != tj {
			return ti < tj
		}
		return rows[i].User.Hex() < rows[j].User.Hex()
	})
	return rows
}

// RestoreRow writes one snapshot row back into the book. Aggregates are
// rebuilt from the rows, so restore feeds every row through here.
func (b *Book) RestoreRow(row BalanceRow, hardcap *big.Int) {
	if hardcap == nil {
		hardcap = new(big.Int)
	}
	key := Key{PoolID: row.PoolID, Token: row.Token}
	st := b.Ensure(key, hardcap)

	if row.Active != nil && row.Active.Sign() > 0 {
		st.userActive[row.User] = new(big.Int).Set(row.Active)
		st.ActiveAmount.Add(st.ActiveAmount, row.Active)
	}
	if row.Pending != nil && row.Pending.Sign() > 0 {
		st.userPending[row.User] = new(big.Int).Set(row.Pending)
	}
	if row.Fees != nil && row.Fees.Sign() > 0 {
		st.userFees[row.User] = new(big.Int).Set(row.Fees)
	}
}
