package book

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/ledger"
	"github.com/outcomex/clob/pkg/util"
)

// Engine owns every order book and drives matching against the ledger.
//
// Matching is atomic per book: the lock -> cross -> insert-residual sequence
// for an incoming order runs under that book's mutex, and every balance
// movement for a fill goes through the ledger before the trade is reported.
// Fees are collected in collateral from the side receiving collateral, at
// that order's feeRateBps, and credited to the operator account.
type Engine struct {
	mu       sync.RWMutex
	books    map[string]*Book           // marketId:tokenId -> book
	byOrder  map[common.Hash]*Book      // resting order hash -> owning book
	ledger   *ledger.Ledger
	operator common.Address
	clock    util.Clock
	log      *zap.Logger
}

// NewEngine creates a matching engine. operator receives collected fees.
func NewEngine(led *ledger.Ledger, operator common.Address, clock util.Clock, log *zap.Logger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		books:    make(map[string]*Book),
		byOrder:  make(map[common.Hash]*Book),
		ledger:   led,
		operator: operator,
		clock:    clock,
		log:      log,
	}
}

func bookKey(marketID common.Hash, tokenID *big.Int) string {
	return marketID.Hex() + ":" + tokenID.String()
}

// Book returns the order book for (marketId, tokenId), creating it on
// first use.
func (e *Engine) Book(marketID common.Hash, tokenID *big.Int) *Book {
	key := bookKey(marketID, tokenID)

	e.mu.RLock()
	b, ok := e.books[key]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[key]; ok {
		return b
	}
	b = newBook(marketID, tokenID)
	e.books[key] = b
	return b
}

// lockResource returns the token the maker must deliver and therefore lock:
// BUY locks collateral (token 0), SELL locks the outcome token itself.
func lockResource(o *core.Order) *big.Int {
	if o.Side == core.BUY {
		return core.CollateralTokenID
	}
	return o.TokenID
}

// AddOrder locks the maker's required resource, crosses the order against
// the opposite side, and rests any residual with price-time priority.
// Trades are returned in the order they were matched.
func (e *Engine) AddOrder(so *core.SignedOrder, hash common.Hash) ([]*core.Trade, error) {
	if !core.IsPositive(so.MakerAmount) || !core.IsPositive(so.TakerAmount) {
		return nil, ErrInvalidOrder
	}

	if err := e.ledger.Lock(so.Maker, lockResource(&so.Order), so.MakerAmount); err != nil {
		return nil, err
	}

	b := e.Book(so.MarketID, so.TokenID)
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := so.Order.Price()
	remaining := new(big.Int).Set(so.Order.TokenQuantity())
	lockedLeft := new(big.Int).Set(so.MakerAmount)

	var trades []*core.Trade
	for remaining.Sign() > 0 {
		lv := b.bestLevel(so.Side.Opposite())
		if lv == nil {
			break
		}
		if so.Side == core.BUY && lv.price.Cmp(limit) > 0 {
			break
		}
		if so.Side == core.SELL && lv.price.Cmp(limit) < 0 {
			break
		}

		maker := lv.entries[0]
		fill := new(big.Int).Set(core.MinBig(remaining, maker.Remaining))
		trade, err := e.settleFill(so, hash, maker, lv.price, limit, fill, lockedLeft)
		if err != nil {
			// A ledger failure mid-cross means a book/ledger invariant broke.
			e.log.Error("settle_fill_failed",
				zap.String("taker", core.LowerHex(so.Maker)),
				zap.String("maker", core.LowerHex(maker.Order.Maker)),
				zap.String("price", lv.price.String()),
				zap.String("fill", fill.String()),
				zap.Error(err))
			return trades, fmt.Errorf("fill settlement failed: %w", err)
		}
		trades = append(trades, trade)

		remaining.Sub(remaining, fill)
		maker.Remaining.Sub(maker.Remaining, fill)
		if maker.Remaining.Sign() == 0 {
			e.releaseEntryDust(maker)
			b.unlink(maker)
			e.forget(maker.OrderHash)
		}
	}

	if remaining.Sign() > 0 {
		entry := &Entry{
			OrderHash:       hash,
			Order:           so,
			Remaining:       remaining,
			Timestamp:       e.clock.Now().UnixMilli(),
			price:           limit,
			lockedRemaining: lockedLeft,
		}
		b.insert(so.Side, entry)
		e.remember(hash, b)
	} else if lockedLeft.Sign() > 0 {
		// Integer truncation can leave lock dust on a fully-filled taker.
		if err := e.ledger.Unlock(so.Maker, lockResource(&so.Order), lockedLeft); err != nil {
			e.log.Error("taker_dust_unlock_failed",
				zap.String("maker", core.LowerHex(so.Maker)), zap.Error(err))
		}
	}

	return trades, nil
}

// settleFill applies the balance movements for one fill and builds the
// trade record. lockedLeft is the taker's remaining lock budget and is
// mutated to reflect consumption.
func (e *Engine) settleFill(taker *core.SignedOrder, takerHash common.Hash, maker *Entry, price, limit, fill, lockedLeft *big.Int) (*core.Trade, error) {
	cost := core.MulDiv(price, fill, core.One)
	makerAddr := maker.Order.Maker
	tokenID := taker.TokenID

	var feePayer common.Address
	var feeRate *big.Int

	if taker.Side == core.BUY {
		// Taker pays collateral out of its lock; maker delivers tokens.
		if cost.Sign() > 0 {
			if err := e.ledger.Transfer(taker.Maker, makerAddr, core.CollateralTokenID, cost, true); err != nil {
				return nil, err
			}
			lockedLeft.Sub(lockedLeft, cost)
		}
		if err := e.ledger.Transfer(makerAddr, taker.Maker, tokenID, fill, true); err != nil {
			return nil, err
		}
		maker.lockedRemaining.Sub(maker.lockedRemaining, fill)

		// Refund the taker the difference between its limit and the
		// maker's better price.
		refund := core.MulDiv(new(big.Int).Sub(limit, price), fill, core.One)
		if refund.Sign() > 0 {
			if err := e.ledger.Unlock(taker.Maker, core.CollateralTokenID, refund); err != nil {
				return nil, err
			}
			lockedLeft.Sub(lockedLeft, refund)
		}
		feePayer, feeRate = makerAddr, maker.Order.FeeRateBps
	} else {
		// Taker sells: maker pays collateral out of its lock, taker
		// delivers tokens out of its lock.
		if cost.Sign() > 0 {
			if err := e.ledger.Transfer(makerAddr, taker.Maker, core.CollateralTokenID, cost, true); err != nil {
				return nil, err
			}
			maker.lockedRemaining.Sub(maker.lockedRemaining, cost)
		}
		if err := e.ledger.Transfer(taker.Maker, makerAddr, tokenID, fill, true); err != nil {
			return nil, err
		}
		lockedLeft.Sub(lockedLeft, fill)
		feePayer, feeRate = taker.Maker, taker.FeeRateBps
	}

	fee := CalcFee(feeRate, price, fill)
	if fee.Sign() > 0 {
		if err := e.ledger.Transfer(feePayer, e.operator, core.CollateralTokenID, fee, false); err != nil {
			return nil, err
		}
	}

	matchType, _ := Classify(&taker.Order, &maker.Order.Order)
	return &core.Trade{
		ID:             uuid.NewString(),
		TakerOrderHash: takerHash,
		MakerOrderHash: maker.OrderHash,
		Maker:          makerAddr,
		Taker:          taker.Maker,
		TokenID:        new(big.Int).Set(tokenID),
		Amount:         new(big.Int).Set(fill),
		Price:          new(big.Int).Set(price),
		MatchType:      matchType,
		Fee:            fee,
		FeeRateBps:     new(big.Int).Set(feeRate),
		Timestamp:      e.clock.Now().UnixMilli(),
	}, nil
}

// releaseEntryDust unlocks whatever lock a fully-consumed entry still holds
// (truncation remainders from price*fill/ONE).
func (e *Engine) releaseEntryDust(entry *Entry) {
	if entry.lockedRemaining.Sign() <= 0 {
		return
	}
	if err := e.ledger.Unlock(entry.Order.Maker, lockResource(&entry.Order.Order), entry.lockedRemaining); err != nil {
		e.log.Error("maker_dust_unlock_failed",
			zap.String("maker", core.LowerHex(entry.Order.Maker)), zap.Error(err))
	}
	entry.lockedRemaining.SetInt64(0)
}

func (e *Engine) remember(hash common.Hash, b *Book) {
	e.mu.Lock()
	e.byOrder[hash] = b
	e.mu.Unlock()
}

func (e *Engine) forget(hash common.Hash) {
	e.mu.Lock()
	delete(e.byOrder, hash)
	e.mu.Unlock()
}

// Lookup returns the resting entry for an order hash, or nil if the order
// is unknown (filled, cancelled, or never resting).
func (e *Engine) Lookup(hash common.Hash) *Entry {
	e.mu.RLock()
	b, ok := e.byOrder[hash]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Get(hash)
}

// Cancel removes a resting order and releases its remaining lock. The
// caller must be the order's maker. Racing against a concurrent fill is
// expected: the loser sees ErrOrderNotFound.
func (e *Engine) Cancel(hash common.Hash, caller common.Address) error {
	e.mu.RLock()
	b, ok := e.byOrder[hash]
	e.mu.RUnlock()
	if !ok {
		return ErrOrderNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.index[hash]
	if !ok {
		return ErrOrderNotFound
	}
	if entry.Order.Maker != caller {
		return ErrNotOwner
	}

	e.releaseEntryDust(entry)
	b.unlink(entry)
	e.forget(hash)
	return nil
}

// OpenOrders returns the total number of resting orders across all books.
func (e *Engine) OpenOrders() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, b := range e.books {
		total += b.OpenOrders()
	}
	return total
}
