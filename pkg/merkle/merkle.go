// Package merkle builds deterministic binary hash trees over per-user
// credit amounts. Leaves are sorted by leaf hash before pairing and inner
// nodes concatenate their children in ascending byte order, so proofs carry
// no sibling-side flags and the root is bit-identical across
// implementations.
package merkle

import (
	"bytes"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/outcomex/clob/pkg/core"
)

// Leaf is one (address, amount) credit entry. Amounts must be strictly
// positive; a zero-amount leaf in the input is an invariant violation.
type Leaf struct {
	Address common.Address
	Amount  *big.Int
}

// Hash canonicalizes the leaf to keccak256(address_20 || amount_be_32).
func (l Leaf) Hash() common.Hash {
	buf := make([]byte, 20+32)
	copy(buf, l.Address.Bytes())
	l.Amount.FillBytes(buf[20:])
	return crypto.Keccak256Hash(buf)
}

var (
	ErrNoLeaves      = errors.New("merkle: tree has no leaves")
	ErrNonPositive   = errors.New("merkle: leaf amount must be positive")
	ErrLeafNotFound  = errors.New("merkle: no such leaf in tree")
	ErrAmountTooWide = errors.New("merkle: leaf amount exceeds 256 bits")
)

// Tree is an immutable Merkle tree over a leaf set.
type Tree struct {
	levels [][]common.Hash     // levels[0] = sorted leaf hashes, last = root
	index  map[common.Hash]int // leaf hash -> position in levels[0]
}

// NewTree builds a tree from an unordered leaf set.
func NewTree(leaves []Leaf) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	hashes := make([]common.Hash, 0, len(leaves))
	for _, l := range leaves {
		if !core.IsPositive(l.Amount) {
			return nil, ErrNonPositive
		}
		if l.Amount.BitLen() > 256 {
			return nil, ErrAmountTooWide
		}
		hashes = append(hashes, l.Hash())
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i].Bytes(), hashes[j].Bytes()) < 0
	})

	t := &Tree{
		levels: [][]common.Hash{hashes},
		index:  make(map[common.Hash]int, len(hashes)),
	}
	for i, h := range hashes {
		t.index[h] = i
	}

	for len(t.levels[len(t.levels)-1]) > 1 {
		cur := t.levels[len(t.levels)-1]
		next := make([]common.Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			left := cur[i]
			right := left // odd count duplicates the last node
			if i+1 < len(cur) {
				right = cur[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		t.levels = append(t.levels, next)
	}
	return t, nil
}

// hashPair hashes two children concatenated in ascending byte order.
func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a.Bytes(), b.Bytes()) <= 0 {
		return crypto.Keccak256Hash(a.Bytes(), b.Bytes())
	}
	return crypto.Keccak256Hash(b.Bytes(), a.Bytes())
}

// Root returns the 32-byte tree root.
func (t *Tree) Root() common.Hash {
	return t.levels[len(t.levels)-1][0]
}

// NumLeaves returns the leaf count.
func (t *Tree) NumLeaves() int {
	return len(t.levels[0])
}

// Proof returns the ordered sibling hashes from the (address, amount) leaf
// up to the root.
func (t *Tree) Proof(address common.Address, amount *big.Int) ([]common.Hash, error) {
	idx, ok := t.index[Leaf{Address: address, Amount: amount}.Hash()]
	if !ok {
		return nil, ErrLeafNotFound
	}

	var proof []common.Hash
	for _, lvl := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(lvl) {
			sibling = idx // duplicated odd tail is its own sibling
		}
		proof = append(proof, lvl[sibling])
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf and its proof. It needs no tree
// instance, only (leaf, proof, root).
func Verify(leaf Leaf, proof []common.Hash, root common.Hash) bool {
	if !core.IsPositive(leaf.Amount) || leaf.Amount.BitLen() > 256 {
		return false
	}
	h := leaf.Hash()
	for _, sibling := range proof {
		h = hashPair(h, sibling)
	}
	return h == root
}
