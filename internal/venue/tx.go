package venue

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Venue instruction kinds, mirrored by the operator network.
const (
	TxDepositCollateral  = "deposit_collateral"
	TxWithdrawCollateral = "withdraw_collateral"
	TxLinkSigner         = "link_signer"
)

// Transaction is the wire form of a venue instruction. Every instruction is
// tagged with the operator's linked-signer identity so the external
// market-making network can act on the routed funds.
type Transaction struct {
	Kind         string         `json:"kind"`
	Route        common.Address `json:"route"`
	LinkedSigner common.Address `json:"linked_signer"`
	Token        common.Address `json:"token,omitempty"`
	Amount       *big.Int       `json:"amount,omitempty"`
}

// EncodeDeposit builds a deposit-collateral instruction.
func EncodeDeposit(route, linkedSigner, token common.Address, amount *big.Int) ([]byte, error) {
	return encode(Transaction{
		Kind:         TxDepositCollateral,
		Route:        route,
		LinkedSigner: linkedSigner,
		Token:        token,
		Amount:       amount,
	})
}

// EncodeWithdraw builds a withdraw-collateral instruction for the net,
// fee-adjusted amount.
func EncodeWithdraw(route, linkedSigner, token common.Address, amount *big.Int) ([]byte, error) {
	return encode(Transaction{
		Kind:         TxWithdrawCollateral,
		Route:        route,
		LinkedSigner: linkedSigner,
		Token:        token,
		Amount:       amount,
	})
}

// EncodeLinkSigner builds the signer-linking instruction submitted when a
// route is first used.
func EncodeLinkSigner(route, linkedSigner common.Address) ([]byte, error) {
	return encode(Transaction{
		Kind:         TxLinkSigner,
		Route:        route,
		LinkedSigner: linkedSigner,
	})
}

func encode(tx Transaction) ([]byte, error) {
	data, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("encode venue tx %s: %w", tx.Kind, err)
	}
	return data, nil
}
