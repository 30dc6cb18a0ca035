package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"PoolLedger/internal/queue"
)

// Message is a parsed inbound NATS message.
type Message interface {
	MessageKind() string
}

// VenueResponse is the operator network's confirmation for one queued
// request, carrying the venue-computed result to apply at reconciliation.
type VenueResponse struct {
	ResponseID string
	Sequence   uint64
	Result     queue.Result
	Timestamp  time.Time
}

func (m *VenueResponse) MessageKind() string { return "VenueResponse" }

// PriceUpdate is one venue price sample for a token, fixed-point 1e18.
type PriceUpdate struct {
	Token     common.Address
	PriceX18  *big.Int
	Sequence  uint64
	Timestamp time.Time
}

func (m *PriceUpdate) MessageKind() string { return "PriceUpdate" }

// ParseRawEvent converts a RawEvent (JSON bytes + message kind string) into
// a typed Message. The ingestion shell validates and parses before anything
// reaches the core.
func ParseRawEvent(raw RawEvent, messageKind string) (Message, error) {
	switch messageKind {
	case "VenueResponse":
		return parseVenueResponse(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown message kind: %s", messageKind)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers; amounts travel
// as bare JSON integers, which big.Int unmarshals without precision loss.

type venueResponseJSON struct {
	ResponseID  string          `json:"response_id"`
	Sequence    uint64          `json:"sequence"`
	RequestType string          `json:"request_type"`
	Result      json.RawMessage `json:"result"`
	TimestampUs int64           `json:"timestamp_us"`
}

func parseVenueResponse(data []byte) (*VenueResponse, error) {
	var j venueResponseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VenueResponse: %w", err)
	}

	if _, err := uuid.Parse(j.ResponseID); err != nil {
		return nil, fmt.Errorf("parse response_id: %w", err)
	}
	if j.Sequence == 0 {
		return nil, fmt.Errorf("parse VenueResponse: sequence must be positive")
	}

	rt, err := queue.ParseRequestType(j.RequestType)
	if err != nil {
		return nil, fmt.Errorf("parse request_type: %w", err)
	}
	result, err := queue.DecodeResult(rt, j.Result)
	if err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}

	return &VenueResponse{
		ResponseID: j.ResponseID,
		Sequence:   j.Sequence,
		Result:     result,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceUpdateJSON struct {
	Token       string   `json:"token"`
	PriceX18    *big.Int `json:"price_x18"`
	Sequence    uint64   `json:"sequence"`
	TimestampUs int64    `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}

	if !common.IsHexAddress(j.Token) {
		return nil, fmt.Errorf("parse token: %q is not an address", j.Token)
	}
	if j.PriceX18 == nil || j.PriceX18.Sign() <= 0 {
		return nil, fmt.Errorf("parse price_x18: must be positive")
	}

	return &PriceUpdate{
		Token:     common.HexToAddress(j.Token),
		PriceX18:  j.PriceX18,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
