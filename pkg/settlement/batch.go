package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
)

// Status is the lifecycle state of a settlement batch.
type Status string

const (
	StatusPending   Status = "pending"   // cut, not yet committed on-chain
	StatusCommitted Status = "committed" // root accepted by the chain sink
	StatusSettled   Status = "settled"   // every trade executed on-chain
	StatusFailed    Status = "failed"    // commit exhausted retries, or all trades failed
)

// Proof is a user's Merkle inclusion proof for an epoch.
type Proof struct {
	Amount *big.Int      `json:"amount"`
	Path   []common.Hash `json:"path"`
}

// Batch is one settlement epoch: the trades it covers, the per-user net
// collateral deltas they imply, and the Merkle tree over the positive
// deltas. Addresses key the maps in lowercase-canonical form.
type Batch struct {
	EpochID       uint64              `json:"epochId"`
	Trades        []*core.Trade       `json:"trades"`
	BalanceDeltas map[string]*big.Int `json:"balanceDeltas"` // signed
	MerkleRoot    common.Hash         `json:"merkleRoot"`
	Proofs        map[string]*Proof   `json:"proofs"` // positive deltas only
	Status        Status              `json:"status"`
	Timestamp     int64               `json:"timestamp"` // unix milliseconds
	CommitTxID    string              `json:"commitTxId,omitempty"`
	Failures      []string            `json:"failures,omitempty"` // per-trade execution errors
}

// TotalClaimable sums the positive deltas, the amount committed on-chain
// alongside the root.
func (b *Batch) TotalClaimable() *big.Int {
	total := new(big.Int)
	for _, p := range b.Proofs {
		total.Add(total, p.Amount)
	}
	return total
}
