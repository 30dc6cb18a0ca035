package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind discriminates ledger events in the audit log.
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposit
	KindWithdraw
	KindUnqueue
	KindClaim
	KindFeesClaimed
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdraw:
		return "Withdraw"
	case KindUnqueue:
		return "Unqueue"
	case KindClaim:
		return "Claim"
	case KindFeesClaimed:
		return "FeesClaimed"
	default:
		return "Unknown"
	}
}

// Envelope wraps every event emitted by the engine. Sequence is the
// engine-assigned monotonic event number (distinct from the request queue's
// sequence space).
type Envelope struct {
	Sequence       int64
	Kind           Kind
	IdempotencyKey string
	PoolID         *uint32
	Account        common.Address
	Timestamp      time.Time
	Payload        Payload
}

// Payload is the typed body of an event.
type Payload interface {
	Kind() Kind
}
