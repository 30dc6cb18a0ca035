package core

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"PoolLedger/internal/ledger"
	"PoolLedger/internal/queue"
)

// SnapshotData is the full in-memory state at a point in time: balances,
// fee credits, the outstanding queue, sequence counters, and recent
// response ids for deduper warming.
type SnapshotData struct {
	EventSequence int64               `json:"event_sequence"`
	QueueCount    uint64              `json:"queue_count"`
	ProcessedUpTo uint64              `json:"processed_up_to"`
	Entries       []queue.EntryRow    `json:"entries"`
	Balances      []ledger.BalanceRow `json:"balances"`
	Hardcaps      []HardcapRow        `json:"hardcaps"`
	FeeCredits    []ledger.FeeRow     `json:"fee_credits"`
	ResponseIDs   []string            `json:"response_ids"`
	CreatedAt     time.Time           `json:"created_at"`
}

// HardcapRow preserves a ledger's configured cap across restarts.
type HardcapRow struct {
	PoolID  uint32   `json:"pool_id"`
	Token   string   `json:"token"`
	Hardcap *big.Int `json:"hardcap"`
}

// WarmResponses preloads the response deduper, typically from the newest
// rows of pool_ledger.responses on a cold start without a snapshot.
func (e *Engine) WarmResponses(ids []string) {
	e.dedup.Warm(ids)
}

// BuildSnapshot serializes the engine's state. Call through the Dispatcher
// so no operation runs concurrently.
func (e *Engine) BuildSnapshot() (*SnapshotData, error) {
	pending := e.queue.Pending()
	entries := make([]queue.EntryRow, 0, len(pending))
	for _, entry := range pending {
		row, err := entry.Row()
		if err != nil {
			return nil, err
		}
		entries = append(entries, row)
	}

	balances := e.book.Snapshot()
	hardcaps := make([]HardcapRow, 0, len(balances))
	seen := make(map[ledger.Key]bool)
	for _, row := range balances {
		key := ledger.Key{PoolID: row.PoolID, Token: row.Token}
		if seen[key] {
			continue
		}
		seen[key] = true
		hardcaps = append(hardcaps, HardcapRow{
			PoolID:  row.PoolID,
			Token:   row.Token.Hex(),
			Hardcap: e.book.Hardcap(key),
		})
	}

	return &SnapshotData{
		EventSequence: e.eventSeq,
		QueueCount:    e.queue.Count(),
		ProcessedUpTo: e.queue.ProcessedUpTo(),
		Entries:       entries,
		Balances:      balances,
		Hardcaps:      hardcaps,
		FeeCredits:    e.fees.Snapshot(),
		ResponseIDs:   e.dedup.Keys(),
		CreatedAt:     e.now(),
	}, nil
}

// RestoreSnapshot rebuilds engine state for a warm restart. The engine must
// be fresh; pools and tokens must already be registered.
func (e *Engine) RestoreSnapshot(snap *SnapshotData) error {
	hardcaps := make(map[ledger.Key]*big.Int, len(snap.Hardcaps))
	for _, h := range snap.Hardcaps {
		key := ledger.Key{PoolID: h.PoolID, Token: common.HexToAddress(h.Token)}
		hardcaps[key] = h.Hardcap
	}

	for _, row := range snap.Balances {
		key := ledger.Key{PoolID: row.PoolID, Token: row.Token}
		e.book.RestoreRow(row, hardcaps[key])
	}
	for _, row := range snap.FeeCredits {
		e.fees.RestoreRow(row)
	}

	entries := make([]*queue.Entry, 0, len(snap.Entries))
	for _, row := range snap.Entries {
		entry, err := queue.EntryFromRow(row)
		if err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := e.queue.Restore(snap.QueueCount, snap.ProcessedUpTo, entries); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	e.dedup.Warm(snap.ResponseIDs)
	e.eventSeq = snap.EventSequence

	e.log.Info().
		Int64("event_sequence", snap.EventSequence).
		Uint64("processed_up_to", snap.ProcessedUpTo).
		Int("pending_entries", len(entries)).
		Int("balance_rows", len(snap.Balances)).
		Msg("state restored from snapshot")
	return nil
}
