// Package settlement turns accumulated usage into on-chain payment
// transactions and tracks them to finality.
package settlement

import "context"

// Receipt is the chain's record of a mined transaction.
type Receipt struct {
	TxRef       string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
}

// ChainClient abstracts the settlement chain. Submit is expected to be
// idempotent for identical payloads at the node level; the engine
// guards against double submission itself via record claiming.
type ChainClient interface {
	// Submit broadcasts a settlement payload and returns the
	// transaction reference.
	Submit(ctx context.Context, payload []byte) (string, error)

	// GetReceipt fetches the receipt for a transaction. (nil, nil)
	// means the transaction is not yet mined.
	GetReceipt(ctx context.Context, txRef string) (*Receipt, error)

	// BlockNumber returns the latest block height.
	BlockNumber(ctx context.Context) (uint64, error)
}
