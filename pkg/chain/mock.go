package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
)

// Mock is an in-memory Sink for tests and dry-run deployments. Failure
// injection is per-call-count so retry paths can be exercised.
type Mock struct {
	mu sync.Mutex

	CommitCalls []MockCommit
	MatchCalls  []MockMatch

	// FailCommits makes the next N CommitEpoch calls fail.
	FailCommits int
	// FailMatches makes the next N MatchOrders calls fail.
	FailMatches int

	txCounter int
}

// MockCommit records one CommitEpoch call.
type MockCommit struct {
	Root        common.Hash
	TotalAmount *big.Int
}

// MockMatch records one MatchOrders call.
type MockMatch struct {
	Taker      *core.SignedOrder
	Makers     []*core.SignedOrder
	TakerFill  *big.Int
	MakerFills []*big.Int
}

// NewMock creates a mock sink.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) nextTx() string {
	m.txCounter++
	return fmt.Sprintf("0xmock%06d", m.txCounter)
}

func (m *Mock) CommitEpoch(_ context.Context, root common.Hash, totalAmount *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommits > 0 {
		m.FailCommits--
		return "", fmt.Errorf("mock: injected commit failure")
	}
	m.CommitCalls = append(m.CommitCalls, MockCommit{Root: root, TotalAmount: new(big.Int).Set(totalAmount)})
	return m.nextTx(), nil
}

func (m *Mock) MatchOrders(_ context.Context, taker *core.SignedOrder, makers []*core.SignedOrder, takerFill *big.Int, makerFills []*big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailMatches > 0 {
		m.FailMatches--
		return "", fmt.Errorf("mock: injected match failure")
	}
	m.MatchCalls = append(m.MatchCalls, MockMatch{Taker: taker, Makers: makers, TakerFill: takerFill, MakerFills: makerFills})
	return m.nextTx(), nil
}
