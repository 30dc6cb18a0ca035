package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Service provides read-only access to the projection tables. All responses
// include as_of_sequence for freshness semantics; live queue state comes
// from the core, not from here.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// AccountBalances returns every projected row for an account, across pools
// and tokens.
func (qs *Service) AccountBalances(ctx context.Context, account common.Address) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT pool_id, token, active::TEXT, pending::TEXT, fees::TEXT
		FROM projections.balances
		WHERE account = $1
		ORDER BY pool_id, token
	`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		b.Account = account.Hex()
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.PoolID, &b.Token, &b.Active, &b.Pending, &b.Fees); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// PoolBalances returns every account's row for one pool and token.
func (qs *Service) PoolBalances(ctx context.Context, poolID uint32, token common.Address) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, active::TEXT, pending::TEXT, fees::TEXT
		FROM projections.balances
		WHERE pool_id = $1 AND token = $2
		ORDER BY account
	`, poolID, token.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		b.PoolID = poolID
		b.Token = token.Hex()
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.Account, &b.Active, &b.Pending, &b.Fees); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// FeeCredits returns the operator's outstanding per-token fee credits.
func (qs *Service) FeeCredits(ctx context.Context) ([]FeeCreditResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT token, credit::TEXT
		FROM projections.fees
		WHERE credit != 0
		ORDER BY token
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var credits []FeeCreditResponse
	for rows.Next() {
		var f FeeCreditResponse
		f.AsOfSequence = asOfSeq
		if err := rows.Scan(&f.Token, &f.Credit); err != nil {
			return nil, err
		}
		credits = append(credits, f)
	}

	return credits, rows.Err()
}

// RequestHistory returns persisted queue entries with cursor pagination.
func (qs *Service) RequestHistory(ctx context.Context, poolID *uint32, limit int, beforeSequence *int64) ([]RequestHistoryEntry, error) {
	query := `
		SELECT sequence, pool_id, sender, venue_route, request_type, payload, enqueued_at
		FROM pool_ledger.requests
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if poolID != nil {
		query += fmt.Sprintf(" AND pool_id = $%d", argIdx)
		args = append(args, *poolID)
		argIdx++
	}

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []RequestHistoryEntry
	for rows.Next() {
		var e RequestHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.PoolID, &e.Sender, &e.VenueRoute,
			&e.RequestType, &e.Payload, &e.EnqueuedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// ReconcileHistory returns applied venue responses with cursor pagination.
func (qs *Service) ReconcileHistory(ctx context.Context, limit int, beforeSequence *int64) ([]ReconcileHistoryEntry, error) {
	query := `
		SELECT sequence, response_id, request_type, result, processed_at
		FROM pool_ledger.responses
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ReconcileHistoryEntry
	for rows.Next() {
		var e ReconcileHistoryEntry
		if err := rows.Scan(
			&e.Sequence, &e.ResponseID, &e.RequestType, &e.Result, &e.ProcessedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- helpers ---

func (qs *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
