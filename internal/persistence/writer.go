package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes events, queue entries, and reconciliations to
// Postgres using batch inserts. Multi-row INSERT keeps the writer portable;
// switch to pgx CopyFrom for production-grade throughput.
type EventLogWriter struct {
	db           *sql.DB
	batchSize    int
	flushTimeout time.Duration
}

// EventRow represents a row in pool_ledger.events.
type EventRow struct {
	Sequence       int64
	Kind           string
	IdempotencyKey string
	PoolID         *int64
	Account        string
	Payload        []byte // JSON-encoded event payload
	Timestamp      time.Time
}

// RequestRow represents a row in pool_ledger.requests: one queue entry.
type RequestRow struct {
	Sequence    int64
	PoolID      int64
	Sender      string
	VenueRoute  string
	RequestType string
	Payload     []byte
	EnqueuedAt  time.Time
}

// ReconcileRow represents a row in pool_ledger.responses: one applied
// venue response.
type ReconcileRow struct {
	Sequence    int64
	ResponseID  string
	RequestType string
	Result      []byte
	ProcessedAt time.Time
}

// execer is satisfied by both *sql.DB and *sql.Tx so batches can join a
// surrounding transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func NewEventLogWriter(db *sql.DB, batchSize int, flushTimeout time.Duration) *EventLogWriter {
	return &EventLogWriter{
		db:           db,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// WriteEventBatch writes a batch of events to pool_ledger.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO pool_ledger.events
		(sequence, kind, idempotency_key, pool_id, account, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.Kind, e.IdempotencyKey, e.PoolID,
			e.Account, e.Payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRequestBatch writes a batch of queue entries to pool_ledger.requests.
func (w *EventLogWriter) WriteRequestBatch(ctx context.Context, ex execer, requests []RequestRow) error {
	if len(requests) == 0 {
		return nil
	}

	query := `INSERT INTO pool_ledger.requests
		(sequence, pool_id, sender, venue_route, request_type, payload, enqueued_at)
		VALUES `

	values := make([]string, 0, len(requests))
	args := make([]interface{}, 0, len(requests)*7)

	for i, r := range requests {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.Sequence, r.PoolID, r.Sender, r.VenueRoute,
			r.RequestType, r.Payload, r.EnqueuedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteReconcileBatch writes applied venue responses to pool_ledger.responses.
func (w *EventLogWriter) WriteReconcileBatch(ctx context.Context, ex execer, rows []ReconcileRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO pool_ledger.responses
		(sequence, response_id, request_type, result, processed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*5)

	for i, r := range rows {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args,
			r.Sequence, r.ResponseID, r.RequestType, r.Result, r.ProcessedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (response_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// MarshalEventPayload serializes an event payload to JSON for storage.
func MarshalEventPayload(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}
