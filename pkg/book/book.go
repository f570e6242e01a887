// Package book implements the per-market central limit order book and the
// matching engine that crosses incoming orders against it with price-time
// priority. Books are keyed by (marketId, tokenId); bids are ordered by
// descending price and asks by ascending price, with FIFO queues at each
// price level.
package book

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/huandu/skiplist"

	"github.com/outcomex/clob/pkg/core"
)

// Entry is a resting order on the book. Remaining is denominated in outcome
// tokens (the takerAmount of a BUY, the makerAmount of a SELL) and the entry
// is destroyed when it reaches zero. lockedRemaining tracks the exact ledger
// lock still attributable to this entry, so cancellation releases precisely
// what matching has not consumed.
type Entry struct {
	OrderHash common.Hash
	Order     *core.SignedOrder
	Remaining *big.Int
	Timestamp int64 // insertion time, unix milliseconds

	price           *big.Int
	lockedRemaining *big.Int
	seq             uint64 // insertion sequence, breaks timestamp ties
}

// level is one price level: a FIFO queue of entries at the same price.
type level struct {
	price   *big.Int
	entries []*Entry
}

func (l *level) empty() bool { return len(l.entries) == 0 }

func (l *level) push(e *Entry) { l.entries = append(l.entries, e) }

func (l *level) remove(hash common.Hash) *Entry {
	for i, e := range l.entries {
		if e.OrderHash == hash {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// priceKeyAsc orders ask levels lowest-first.
type priceKeyAsc struct{}

func (priceKeyAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(*big.Int).Cmp(rhs.(*big.Int))
}

func (priceKeyAsc) CalcScore(key interface{}) float64 {
	f, _ := new(big.Float).SetInt(key.(*big.Int)).Float64()
	return f
}

// priceKeyDesc orders bid levels highest-first. The score is negated; the
// float conversion is only a skip-list hint, Compare settles ties exactly.
type priceKeyDesc struct{}

func (priceKeyDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(*big.Int).Cmp(lhs.(*big.Int))
}

func (priceKeyDesc) CalcScore(key interface{}) float64 {
	f, _ := new(big.Float).SetInt(key.(*big.Int)).Float64()
	return -f
}

// Book holds both sides of one (marketId, tokenId) market.
type Book struct {
	mu       sync.RWMutex
	marketID common.Hash
	tokenID  *big.Int
	bids     *skiplist.SkipList          // *big.Int price -> *level, descending
	asks     *skiplist.SkipList          // *big.Int price -> *level, ascending
	index    map[common.Hash]*Entry      // order hash -> resting entry
	sides    map[common.Hash]core.Side   // order hash -> which side it rests on
	seq      uint64
}

func newBook(marketID common.Hash, tokenID *big.Int) *Book {
	return &Book{
		marketID: marketID,
		tokenID:  new(big.Int).Set(tokenID),
		bids:     skiplist.New(priceKeyDesc{}),
		asks:     skiplist.New(priceKeyAsc{}),
		index:    make(map[common.Hash]*Entry),
		sides:    make(map[common.Hash]core.Side),
	}
}

func (b *Book) sideList(side core.Side) *skiplist.SkipList {
	if side == core.BUY {
		return b.bids
	}
	return b.asks
}

// bestLevel returns the top-of-book level for a side, skipping and pruning
// levels left empty by earlier removals. Caller holds b.mu.
func (b *Book) bestLevel(side core.Side) *level {
	list := b.sideList(side)
	for {
		front := list.Front()
		if front == nil {
			return nil
		}
		lv := front.Value.(*level)
		if !lv.empty() {
			return lv
		}
		list.Remove(front.Key())
	}
}

// insert rests an entry on the given side, creating the price level if
// needed. Caller holds b.mu.
func (b *Book) insert(side core.Side, e *Entry) {
	list := b.sideList(side)
	elem := list.Get(e.price)
	var lv *level
	if elem != nil {
		lv = elem.Value.(*level)
	} else {
		lv = &level{price: e.price}
		list.Set(e.price, lv)
	}
	b.seq++
	e.seq = b.seq
	lv.push(e)
	b.index[e.OrderHash] = e
	b.sides[e.OrderHash] = side
}

// unlink removes a fully-consumed or cancelled entry. Caller holds b.mu.
func (b *Book) unlink(e *Entry) {
	side, ok := b.sides[e.OrderHash]
	if !ok {
		return
	}
	list := b.sideList(side)
	if elem := list.Get(e.price); elem != nil {
		lv := elem.Value.(*level)
		lv.remove(e.OrderHash)
		if lv.empty() {
			list.Remove(e.price)
		}
	}
	delete(b.index, e.OrderHash)
	delete(b.sides, e.OrderHash)
}

// PriceLevel is an aggregated view of one price level.
type PriceLevel struct {
	Price    *big.Int `json:"price"`
	Quantity *big.Int `json:"quantity"`
	Orders   int      `json:"orders"`
}

// Snapshot returns aggregated bid and ask levels, best-price first.
func (b *Book) Snapshot() (bids, asks []PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	collect := func(list *skiplist.SkipList) []PriceLevel {
		var out []PriceLevel
		for elem := list.Front(); elem != nil; elem = elem.Next() {
			lv := elem.Value.(*level)
			if lv.empty() {
				continue
			}
			qty := new(big.Int)
			for _, e := range lv.entries {
				qty.Add(qty, e.Remaining)
			}
			out = append(out, PriceLevel{
				Price:    new(big.Int).Set(lv.price),
				Quantity: qty,
				Orders:   len(lv.entries),
			})
		}
		return out
	}
	return collect(b.bids), collect(b.asks)
}

// BestBid returns the highest bid price, or nil for an empty side.
func (b *Book) BestBid() *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lv := b.bestLevel(core.BUY); lv != nil {
		return new(big.Int).Set(lv.price)
	}
	return nil
}

// BestAsk returns the lowest ask price, or nil for an empty side.
func (b *Book) BestAsk() *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if lv := b.bestLevel(core.SELL); lv != nil {
		return new(big.Int).Set(lv.price)
	}
	return nil
}

// Get returns the resting entry for an order hash, or nil.
func (b *Book) Get(hash common.Hash) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index[hash]
}

// OpenOrders returns the number of resting entries.
func (b *Book) OpenOrders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}
