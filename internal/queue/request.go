package queue

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RequestType discriminates queued cross-venue requests.
type RequestType int32

const (
	RequestTypeUnknown RequestType = iota
	RequestTypeDepositSpot
	RequestTypeDepositPerp
	RequestTypeWithdrawPerp
	RequestTypeWithdrawSpot
)

func (rt RequestType) String() string {
	switch rt {
	case RequestTypeDepositSpot:
		return "DepositSpot"
	case RequestTypeDepositPerp:
		return "DepositPerp"
	case RequestTypeWithdrawPerp:
		return "WithdrawPerp"
	case RequestTypeWithdrawSpot:
		return "WithdrawSpot"
	default:
		return "Unknown"
	}
}

// ParseRequestType maps a wire string to a RequestType.
func ParseRequestType(s string) (RequestType, error) {
	switch s {
	case "DepositSpot":
		return RequestTypeDepositSpot, nil
	case "DepositPerp":
		return RequestTypeDepositPerp, nil
	case "WithdrawPerp":
		return RequestTypeWithdrawPerp, nil
	case "WithdrawSpot":
		return RequestTypeWithdrawSpot, nil
	default:
		return RequestTypeUnknown, fmt.Errorf("unknown request type %q", s)
	}
}

// Request is the typed payload of a queue entry. One variant per request
// kind; reconciliation dispatches on RequestType exhaustively.
type Request interface {
	RequestType() RequestType
}

// DepositSpotRequest records a dual-asset deposit whose realized quote
// amount depends on a live price. The active balances were already credited
// at request time; reconciliation records the venue-computed figure for
// audit only.
type DepositSpotRequest struct {
	Token0     common.Address `json:"token0"`
	Token1     common.Address `json:"token1"`
	Amount0    *big.Int       `json:"amount0"`
	Amount1Low *big.Int       `json:"amount1_low"`
	Amount1Hi  *big.Int       `json:"amount1_high"`
	Receiver   common.Address `json:"receiver"`
}

func (r *DepositSpotRequest) RequestType() RequestType { return RequestTypeDepositSpot }

// DepositPerpRequest is a single-asset deposit audit entry. The regular perp
// deposit path enqueues nothing; this kind exists so venue-side audit
// entries remain decodable.
type DepositPerpRequest struct {
	Token    common.Address `json:"token"`
	Amount   *big.Int       `json:"amount"`
	Receiver common.Address `json:"receiver"`
}

func (r *DepositPerpRequest) RequestType() RequestType { return RequestTypeDepositPerp }

// WithdrawPerpRequest carries the net, fee-adjusted amount awaiting venue
// confirmation.
type WithdrawPerpRequest struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

func (r *WithdrawPerpRequest) RequestType() RequestType { return RequestTypeWithdrawPerp }

// WithdrawSpotRequest carries both net amounts of a dual-asset withdrawal.
type WithdrawSpotRequest struct {
	Token0  common.Address `json:"token0"`
	Token1  common.Address `json:"token1"`
	Amount0 *big.Int       `json:"amount0"`
	Amount1 *big.Int       `json:"amount1"`
}

func (r *WithdrawSpotRequest) RequestType() RequestType { return RequestTypeWithdrawSpot }

// Entry is one pending cross-venue request. Immutable after enqueue;
// consumed exactly once by reconciliation in sequence order.
type Entry struct {
	Sequence   uint64
	PoolID     uint32
	Sender     common.Address
	VenueRoute common.Address
	Request    Request
	EnqueuedAt time.Time
}

// Result is the venue-computed outcome supplied at reconciliation, one
// variant per request kind. A result only applies to an entry of the
// matching kind.
type Result interface {
	RequestType() RequestType
}

// DepositSpotResult records the quote amount the venue realized. Audit only.
type DepositSpotResult struct {
	Amount1 *big.Int `json:"amount1"`
}

func (r *DepositSpotResult) RequestType() RequestType { return RequestTypeDepositSpot }

// DepositPerpResult records the venue-confirmed share figure. Audit only.
type DepositPerpResult struct {
	Shares *big.Int `json:"shares"`
}

func (r *DepositPerpResult) RequestType() RequestType { return RequestTypeDepositPerp }

// WithdrawPerpResult credits the sender's pending balance.
type WithdrawPerpResult struct {
	AmountToReceive *big.Int `json:"amount_to_receive"`
}

func (r *WithdrawPerpResult) RequestType() RequestType { return RequestTypeWithdrawPerp }

// WithdrawSpotResult credits both tokens' pending balances.
type WithdrawSpotResult struct {
	Amount1          *big.Int `json:"amount1"`
	Amount0ToReceive *big.Int `json:"amount0_to_receive"`
	Amount1ToReceive *big.Int `json:"amount1_to_receive"`
}

func (r *WithdrawSpotResult) RequestType() RequestType { return RequestTypeWithdrawSpot }

// --- wire codecs ---
// Requests and results cross process boundaries (Postgres rows, snapshots,
// NATS payloads) as JSON tagged with the request-type string.

// EncodeRequest serializes a request variant.
func EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest deserializes the variant named by rt.
func DecodeRequest(rt RequestType, data []byte) (Request, error) {
	var (
		r   Request
		err error
	)
	switch rt {
	case RequestTypeDepositSpot:
		v := &DepositSpotRequest{}
		err = json.Unmarshal(data, v)
		r = v
	case RequestTypeDepositPerp:
		v := &DepositPerpRequest{}
		err = json.Unmarshal(data, v)
		r = v
	case RequestTypeWithdrawPerp:
		v := &WithdrawPerpRequest{}
		err = json.Unmarshal(data, v)
		r = v
	case RequestTypeWithdrawSpot:
		v := &WithdrawSpotRequest{}
		err = json.Unmarshal(data, v)
		r = v
	default:
		return nil, fmt.Errorf("cannot decode request type %d", rt)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s request: %w", rt, err)
	}
	return r, nil
}

// EncodeResult serializes a result variant.
func EncodeResult(r Result) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResult deserializes the variant named by rt.
func DecodeResult(rt RequestType, data []byte) (Result, error) {
	var (
		r   Result
		err error
	)
	switch rt {
	case RequestTypeDepositSpot:
		v := &DepositSpotResult{}
		err = json.Unmarshal(data, v)
		r = v
	case RequestTypeDepositPerp:
		v := &DepositPerpResult{}
		err = json.Unmarshal(data, v)
		r = v
	case RequestTypeWithdrawPerp:
		v := &WithdrawPerpResult{}
		err = json.Unmarshal(data, v)
		r = v
	case RequestTypeWithdrawSpot:
		v := &WithdrawSpotResult{}
		err = json.Unmarshal(data, v)
		r = v
	default:
		return nil, fmt.Errorf("cannot decode result type %d", rt)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", rt, err)
	}
	return r, nil
}
