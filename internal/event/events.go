package event

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenAmount pairs a token with an amount in its native precision.
type TokenAmount struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// Deposit records active balances credited to a receiver. QueueSequence is
// set for spot deposits, which also enqueue an audit entry.
type Deposit struct {
	PoolID        uint32         `json:"pool_id"`
	Sender        common.Address `json:"sender"`
	Receiver      common.Address `json:"receiver"`
	Amounts       []TokenAmount  `json:"amounts"`
	QueueSequence *uint64        `json:"queue_sequence,omitempty"`
}

func (d *Deposit) Kind() Kind { return KindDeposit }

// Withdraw records active balances debited and the request enqueued for
// venue confirmation. FeeAmount is the settlement-fee equivalent charged on
// the FeeToken leg.
type Withdraw struct {
	PoolID        uint32         `json:"pool_id"`
	Sender        common.Address `json:"sender"`
	Amounts       []TokenAmount  `json:"amounts"`
	FeeToken      common.Address `json:"fee_token"`
	FeeAmount     *big.Int       `json:"fee_amount"`
	QueueSequence uint64         `json:"queue_sequence"`
}

func (w *Withdraw) Kind() Kind { return KindWithdraw }

// Unqueue records the exactly-once application of a reconciled result.
// Credited lists the pending balances set by this reconciliation (empty for
// deposit audit entries).
type Unqueue struct {
	QueueSequence uint64         `json:"queue_sequence"`
	RequestType   string         `json:"request_type"`
	ResponseID    string         `json:"response_id"`
	Sender        common.Address `json:"sender"`
	PoolID        uint32         `json:"pool_id"`
	Credited      []TokenAmount  `json:"credited,omitempty"`
}

func (u *Unqueue) Kind() Kind { return KindUnqueue }

// Claim records pending balances paid out to their owner.
type Claim struct {
	Account common.Address `json:"account"`
	Paid    []TokenAmount  `json:"paid"`
}

func (c *Claim) Kind() Kind { return KindClaim }

// FeesClaimed records operator fee credits reimbursed.
type FeesClaimed struct {
	Operator common.Address `json:"operator"`
	Paid     []TokenAmount  `json:"paid"`
}

func (f *FeesClaimed) Kind() Kind { return KindFeesClaimed }
