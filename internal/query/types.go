package query

import (
	"encoding/json"
	"time"
)

// BalanceResponse is one account's projected row for a pool and token.
// Amounts are decimal strings straight from Postgres NUMERIC columns.
type BalanceResponse struct {
	PoolID       uint32 `json:"pool_id"`
	Token        string `json:"token"`
	Account      string `json:"account"`
	Active       string `json:"active"`
	Pending      string `json:"pending"`
	Fees         string `json:"fees"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// FeeCreditResponse is the operator's outstanding credit for one token.
type FeeCreditResponse struct {
	Token        string `json:"token"`
	Credit       string `json:"credit"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// RequestHistoryEntry is a persisted queue entry for API queries.
type RequestHistoryEntry struct {
	Sequence    int64           `json:"sequence"`
	PoolID      int64           `json:"pool_id"`
	Sender      string          `json:"sender"`
	VenueRoute  string          `json:"venue_route"`
	RequestType string          `json:"request_type"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// ReconcileHistoryEntry is an applied venue response for API queries.
type ReconcileHistoryEntry struct {
	Sequence    int64           `json:"sequence"`
	ResponseID  string          `json:"response_id"`
	RequestType string          `json:"request_type"`
	Result      json.RawMessage `json:"result"`
	ProcessedAt time.Time       `json:"processed_at"`
}
