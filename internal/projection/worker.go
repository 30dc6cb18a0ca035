package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Output mirrors the data needed by the projection worker.
// The orchestrator bridges between core.Output and this. Amounts travel as
// decimal strings so Postgres NUMERIC columns take them losslessly.
type Output struct {
	Sequence int64
	Balances []BalanceUpdate
	Fees     []FeeUpdate
}

// BalanceUpdate is one account's full row for a ledger. Rows are absolute
// values, not deltas, so applying them is idempotent.
type BalanceUpdate struct {
	PoolID  uint32
	Token   string
	Account string
	Active  string
	Pending string
	Fees    string
}

// FeeUpdate is the operator's outstanding credit for one token.
type FeeUpdate struct {
	Token  string
	Credit string
}

// Worker updates projection tables from applied operations. The projection
// channel is non-blocking with drop: if projections fall behind, they can
// be rebuilt from the event log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range output.Balances {
		if err := pw.upsertBalance(ctx, tx, b, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, f := range output.Fees {
		if err := pw.upsertFee(ctx, tx, f, output.Sequence); err != nil {
			return fmt.Errorf("fee projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *Worker) upsertBalance(ctx context.Context, tx *sql.Tx, b BalanceUpdate, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (pool_id, token, account, active, pending, fees, last_sequence)
		VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		ON CONFLICT (pool_id, token, account)
		DO UPDATE SET active = $4::NUMERIC, pending = $5::NUMERIC, fees = $6::NUMERIC, last_sequence = $7
	`, b.PoolID, b.Token, b.Account, b.Active, b.Pending, b.Fees, seq)
	return err
}

func (pw *Worker) upsertFee(ctx context.Context, tx *sql.Tx, f FeeUpdate, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.fees (token, credit, last_sequence)
		VALUES ($1, $2::NUMERIC, $3)
		ON CONFLICT (token)
		DO UPDATE SET credit = $2::NUMERIC, last_sequence = $3
	`, f.Token, f.Credit, seq)
	return err
}

// Rebuild truncates the projection tables; they refill as outputs replay
// from the event log.
func Rebuild(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.fees`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	log.Println("INFO: projection tables reset")
	return nil
}
