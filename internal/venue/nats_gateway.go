package venue

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
)

// DefaultTransactionSubject is where venue instructions are published for
// the operator network to relay.
const DefaultTransactionSubject = "venue.transactions"

// NATSGateway implements Gateway over NATS: instructions are published
// fire-and-forget to the transaction subject, prices come from a cache fed
// by the venue price stream, and the quote asset is fixed at construction.
type NATSGateway struct {
	nc      *nats.Conn
	subject string
	prices  *PriceCache
	quote   common.Address
}

func NewNATSGateway(nc *nats.Conn, subject string, prices *PriceCache, quote common.Address) *NATSGateway {
	if subject == "" {
		subject = DefaultTransactionSubject
	}
	return &NATSGateway{
		nc:      nc,
		subject: subject,
		prices:  prices,
		quote:   quote,
	}
}

func (g *NATSGateway) GetPrice(token common.Address) (*big.Int, error) {
	return g.prices.Get(token)
}

func (g *NATSGateway) SubmitTransaction(ctx context.Context, data []byte) error {
	// Plain publish, no ack wait: submission is fire and forget, and a lost
	// instruction surfaces operationally as a queue entry that never
	// reconciles.
	if err := g.nc.Publish(g.subject, data); err != nil {
		return fmt.Errorf("publish venue tx: %w", err)
	}
	return nil
}

func (g *NATSGateway) QuoteAsset() common.Address {
	return g.quote
}
