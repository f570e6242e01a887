// Package chain abstracts the on-chain settlement target. The engine
// treats the blockchain as an opaque sink: commit a Merkle root with a
// total claimable amount, or hand matched order pairs to the exchange
// contract's match endpoint, and get back a transaction id.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
)

// Sink is the injected on-chain settlement target.
type Sink interface {
	// CommitEpoch publishes an epoch's Merkle root and total claimable
	// amount. Returns the transaction id.
	CommitEpoch(ctx context.Context, root common.Hash, totalAmount *big.Int) (string, error)

	// MatchOrders submits a taker order with the maker orders it crossed
	// and the fill amounts for each, for on-chain execution.
	MatchOrders(ctx context.Context, taker *core.SignedOrder, makers []*core.SignedOrder, takerFill *big.Int, makerFills []*big.Int) (string, error)
}
