package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PoolLedger/internal/core"
)

// SnapshotManager stores and loads engine snapshots for warm restarts.
// A snapshot carries everything the core needs: balances, fee credits, the
// outstanding queue, counters, and recent response ids.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// DefaultSnapshotInterval is how often the orchestrator asks for a snapshot.
const DefaultSnapshotInterval = 10 * time.Minute

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically; the latest one wins on restart.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO pool_ledger.snapshots
			(snapshot_id, event_sequence, data, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_sequence) DO UPDATE SET data = $3, size_bytes = $5
	`, snapshotID, snap.EventSequence, data, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent snapshot, or nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM pool_ledger.snapshots
		ORDER BY event_sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No snapshot — cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// PruneSnapshots keeps the newest n snapshots and deletes the rest.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM pool_ledger.snapshots
		WHERE event_sequence NOT IN (
			SELECT event_sequence FROM pool_ledger.snapshots
			ORDER BY event_sequence DESC
			LIMIT $1
		)
	`, keep)
	return err
}

// LatestEventSequence returns the highest persisted event sequence, for
// startup consistency checks against the restored snapshot.
func (sm *SnapshotManager) LatestEventSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM pool_ledger.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
