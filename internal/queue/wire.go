package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EntryRow is the flattened wire form of an Entry: the request payload is
// carried as raw JSON next to its type tag so rows survive schema-ignorant
// storage (Postgres jsonb, snapshot files).
type EntryRow struct {
	Sequence    uint64          `json:"sequence"`
	PoolID      uint32          `json:"pool_id"`
	Sender      common.Address  `json:"sender"`
	VenueRoute  common.Address  `json:"venue_route"`
	RequestType string          `json:"request_type"`
	Request     json.RawMessage `json:"request"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Row flattens the entry for storage.
func (e *Entry) Row() (EntryRow, error) {
	payload, err := EncodeRequest(e.Request)
	if err != nil {
		return EntryRow{}, fmt.Errorf("encode entry %d: %w", e.Sequence, err)
	}
	return EntryRow{
		Sequence:    e.Sequence,
		PoolID:      e.PoolID,
		Sender:      e.Sender,
		VenueRoute:  e.VenueRoute,
		RequestType: e.Request.RequestType().String(),
		Request:     payload,
		EnqueuedAt:  e.EnqueuedAt,
	}, nil
}

// EntryFromRow rebuilds a typed entry from its wire form.
func EntryFromRow(row EntryRow) (*Entry, error) {
	rt, err := ParseRequestType(row.RequestType)
	if err != nil {
		return nil, fmt.Errorf("entry %d: %w", row.Sequence, err)
	}
	req, err := DecodeRequest(rt, row.Request)
	if err != nil {
		return nil, fmt.Errorf("entry %d: %w", row.Sequence, err)
	}
	return &Entry{
		Sequence:   row.Sequence,
		PoolID:     row.PoolID,
		Sender:     row.Sender,
		VenueRoute: row.VenueRoute,
		Request:    req,
		EnqueuedAt: row.EnqueuedAt,
	}, nil
}
