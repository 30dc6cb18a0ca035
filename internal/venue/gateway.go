// Package venue is the boundary to the external venue: price reads and
// fire-and-forget transaction submission. The venue's own matching engine,
// oracle, and settlement queue live behind this interface.
package venue

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Gateway is the venue surface the engine consumes.
type Gateway interface {
	// GetPrice returns the current 18-decimal fixed-point price of a token.
	// Fails if the venue does not list the asset.
	GetPrice(token common.Address) (*big.Int, error)

	// SubmitTransaction dispatches an encoded instruction to the venue's
	// slow-path queue. Fire and forget: the caller gets no timing guarantee,
	// only eventual processing by the venue.
	SubmitTransaction(ctx context.Context, data []byte) error

	// QuoteAsset returns the venue's fee-denominated asset, fixed at
	// initialization.
	QuoteAsset() common.Address
}
