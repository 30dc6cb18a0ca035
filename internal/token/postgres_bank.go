package token

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// custodyAccount is the reserved row holding the ledger's own funds.
const custodyAccount = "custody"

// PostgresBank keeps external holdings and ledger custody in
// pool_ledger.bank_balances. Deposits from the settlement layer are credited
// to holder rows out of band; Pull and Push move value between a holder row
// and the custody row in one transaction.
type PostgresBank struct {
	db *sql.DB
}

func NewPostgresBank(db *sql.DB) *PostgresBank {
	return &PostgresBank{db: db}
}

func (b *PostgresBank) Pull(ctx context.Context, token, from common.Address, amount *big.Int) error {
	return b.transfer(ctx, token, from.Hex(), custodyAccount, amount)
}

func (b *PostgresBank) Push(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return b.transfer(ctx, token, custodyAccount, to.Hex(), amount)
}

// Credit funds a holder row, used by the settlement-layer deposit feed and
// by local tooling.
func (b *PostgresBank) Credit(ctx context.Context, token, holder common.Address, amount *big.Int) error {
	_, err := b.db.ExecContext(ctx, `
        INSERT INTO pool_ledger.bank_balances (token, account, balance)
        VALUES ($1, $2, $3::numeric)
        ON CONFLICT (token, account)
        DO UPDATE SET balance = pool_ledger.bank_balances.balance + EXCLUDED.balance`,
		token.Hex(), holder.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("credit bank balance: %w", err)
	}
	return nil
}

func (b *PostgresBank) transfer(ctx context.Context, token common.Address, from, to string, amount *big.Int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bank transfer: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE pool_ledger.bank_balances
        SET balance = balance - $3::numeric
        WHERE token = $1 AND account = $2 AND balance >= $3::numeric`,
		token.Hex(), from, amount.String())
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if n == 0 {
		return fmt.Errorf("debit %s of %s from %s: insufficient funds", amount, token.Hex(), from)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO pool_ledger.bank_balances (token, account, balance)
        VALUES ($1, $2, $3::numeric)
        ON CONFLICT (token, account)
        DO UPDATE SET balance = pool_ledger.bank_balances.balance + EXCLUDED.balance`,
		token.Hex(), to, amount.String())
	if err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}

	return tx.Commit()
}
