package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresResponseChecker is the second dedup tier: it answers whether a
// venue response id was already applied, for ids old enough to have been
// evicted from the in-memory LRU.
type PostgresResponseChecker struct {
	db *sql.DB
}

func NewPostgresResponseChecker(db *sql.DB) *PostgresResponseChecker {
	return &PostgresResponseChecker{
		db: db,
	}
}

// IsDuplicate checks if the response id exists in pool_ledger.responses.
func (prc *PostgresResponseChecker) IsDuplicate(responseID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM pool_ledger.responses
        WHERE response_id = $1
        LIMIT 1
    `

	var exists int
	err := prc.db.QueryRowContext(ctx, query, responseID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil // Not found - not a duplicate
	}

	if err != nil {
		return false, err // DB error
	}

	return true, nil // Found - is duplicate
}

// RecentResponseIDs loads the newest ids for LRU warming on restart.
func (prc *PostgresResponseChecker) RecentResponseIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := prc.db.QueryContext(ctx, `
        SELECT response_id
        FROM pool_ledger.responses
        ORDER BY processed_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
