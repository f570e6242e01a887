// Package ledger is the single source of truth for off-chain balances and
// nonces. Every (user, tokenId) pair owns a Balance row with an available
// and a locked portion; lock/unlock rebalance within a row, transfer moves
// value between rows zero-sum, and credit/debit are the only outside flows.
//
// Rows are created lazily on first credit and never deleted. A single mutex
// guards the row map, which makes multi-row operations (transfer, settlement
// apply) trivially serializable.
package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/core"
)

// Balance is one (user, tokenId) row. Available + Locked changes only via
// credit/debit/transfer; lock and unlock preserve the sum.
type Balance struct {
	Available *big.Int `json:"available"`
	Locked    *big.Int `json:"locked"`
}

// Total returns available + locked.
func (b *Balance) Total() *big.Int {
	return new(big.Int).Add(b.Available, b.Locked)
}

func (b *Balance) clone() *Balance {
	return &Balance{
		Available: new(big.Int).Set(b.Available),
		Locked:    new(big.Int).Set(b.Locked),
	}
}

// Ledger tracks balances and nonces for all users, backed by an optional
// pebble store. Rows are cached in memory and persisted on every mutation.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]*Balance         // rowKey(user, token) -> balance
	nonces   map[common.Address]*big.Int // user -> current nonce
	users    map[common.Address]struct{} // users with at least one credit
	store    *Store                      // nil = in-memory only
	log      *zap.Logger
}

// New creates a ledger. store may be nil for an in-memory ledger (tests).
func New(store *Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Ledger{
		balances: make(map[string]*Balance),
		nonces:   make(map[common.Address]*big.Int),
		users:    make(map[common.Address]struct{}),
		store:    store,
		log:      log,
	}
	if store != nil {
		// Warm the cache with every persisted row. Snapshot only sees
		// cached rows, so reconciliation after a restart must not depend
		// on rows having been touched first.
		rows, err := store.LoadAllBalances()
		if err != nil {
			log.Error("balance_scan_failed", zap.Error(err))
		}
		for _, e := range rows {
			l.balances[rowKey(e.User, e.TokenID)] = e.Balance
			l.users[e.User] = struct{}{}
		}
	}
	return l
}

func rowKey(user common.Address, tokenID *big.Int) string {
	return core.LowerHex(user) + ":" + tokenID.String()
}

// row returns the cached row, loading from the store on first touch.
// Returns nil if the row does not exist anywhere. Caller holds mu.
func (l *Ledger) row(user common.Address, tokenID *big.Int) *Balance {
	key := rowKey(user, tokenID)
	if b, ok := l.balances[key]; ok {
		return b
	}
	if l.store != nil {
		b, err := l.store.LoadBalance(user, tokenID)
		if err != nil {
			l.log.Error("balance_load_failed",
				zap.String("user", core.LowerHex(user)),
				zap.String("token", tokenID.String()),
				zap.Error(err))
		}
		if b != nil {
			l.balances[key] = b
			l.users[user] = struct{}{}
			return b
		}
	}
	return nil
}

// rowOrCreate returns the row, creating a zero row if absent. Caller holds mu.
func (l *Ledger) rowOrCreate(user common.Address, tokenID *big.Int) *Balance {
	if b := l.row(user, tokenID); b != nil {
		return b
	}
	b := &Balance{Available: new(big.Int), Locked: new(big.Int)}
	l.balances[rowKey(user, tokenID)] = b
	l.users[user] = struct{}{}
	return b
}

func (l *Ledger) persist(user common.Address, tokenID *big.Int, b *Balance) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveBalance(user, tokenID, b); err != nil {
		l.log.Error("balance_persist_failed",
			zap.String("user", core.LowerHex(user)),
			zap.String("token", tokenID.String()),
			zap.Error(err))
	}
}

// Credit adds amount to the user's available balance, creating the row on
// first credit.
func (l *Ledger) Credit(user common.Address, tokenID, amount *big.Int) error {
	if !core.IsPositive(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.rowOrCreate(user, tokenID)
	b.Available.Add(b.Available, amount)
	l.persist(user, tokenID, b)
	return nil
}

// Debit removes amount from the user's available balance.
func (l *Ledger) Debit(user common.Address, tokenID, amount *big.Int) error {
	if !core.IsPositive(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.row(user, tokenID)
	if b == nil {
		return fmt.Errorf("%w: %s token %s", ErrUserNotFound, core.LowerHex(user), tokenID)
	}
	if b.Available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b.Available, amount)
	}
	b.Available.Sub(b.Available, amount)
	l.persist(user, tokenID, b)
	return nil
}

// Lock moves amount from available to locked within the same row.
func (l *Ledger) Lock(user common.Address, tokenID, amount *big.Int) error {
	if !core.IsPositive(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.row(user, tokenID)
	if b == nil {
		return fmt.Errorf("%w: %s token %s", ErrUserNotFound, core.LowerHex(user), tokenID)
	}
	if b.Available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b.Available, amount)
	}
	b.Available.Sub(b.Available, amount)
	b.Locked.Add(b.Locked, amount)
	l.persist(user, tokenID, b)
	return nil
}

// Unlock moves amount from locked back to available.
func (l *Ledger) Unlock(user common.Address, tokenID, amount *big.Int) error {
	if !core.IsPositive(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.row(user, tokenID)
	if b == nil {
		return fmt.Errorf("%w: %s token %s", ErrUserNotFound, core.LowerHex(user), tokenID)
	}
	if b.Locked.Cmp(amount) < 0 {
		return fmt.Errorf("%w: locked %s, need %s", ErrInsufficientLocked, b.Locked, amount)
	}
	b.Locked.Sub(b.Locked, amount)
	b.Available.Add(b.Available, amount)
	l.persist(user, tokenID, b)
	return nil
}

// Transfer moves amount from one user to another's available balance.
// fromLocked selects whether the sender pays out of locked or available.
// The per-token total across all users is invariant.
func (l *Ledger) Transfer(from, to common.Address, tokenID, amount *big.Int, fromLocked bool) error {
	if !core.IsPositive(amount) {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src := l.row(from, tokenID)
	if src == nil {
		return fmt.Errorf("%w: %s token %s", ErrUserNotFound, core.LowerHex(from), tokenID)
	}
	if fromLocked {
		if src.Locked.Cmp(amount) < 0 {
			return fmt.Errorf("%w: locked %s, need %s", ErrInsufficientLocked, src.Locked, amount)
		}
		src.Locked.Sub(src.Locked, amount)
	} else {
		if src.Available.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, src.Available, amount)
		}
		src.Available.Sub(src.Available, amount)
	}

	dst := l.rowOrCreate(to, tokenID)
	dst.Available.Add(dst.Available, amount)

	l.persist(from, tokenID, src)
	l.persist(to, tokenID, dst)
	return nil
}

// GetBalance returns a copy of the user's row, or a zero balance if absent.
// Reading never creates a row.
func (l *Ledger) GetBalance(user common.Address, tokenID *big.Int) *Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b := l.row(user, tokenID); b != nil {
		return b.clone()
	}
	return &Balance{Available: new(big.Int), Locked: new(big.Int)}
}

// HasSufficient reports whether the user's available balance covers amount.
// Locked balances do not count.
func (l *Ledger) HasSufficient(user common.Address, tokenID, amount *big.Int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.row(user, tokenID)
	return b != nil && b.Available.Cmp(amount) >= 0
}

// GetNonce returns the user's current nonce (zero if never set).
func (l *Ledger) GetNonce(user common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.nonceLocked(user))
}

func (l *Ledger) nonceLocked(user common.Address) *big.Int {
	if n, ok := l.nonces[user]; ok {
		return n
	}
	if l.store != nil {
		if n, err := l.store.LoadNonce(user); err != nil {
			l.log.Error("nonce_load_failed", zap.String("user", core.LowerHex(user)), zap.Error(err))
		} else if n != nil {
			l.nonces[user] = n
			return n
		}
	}
	n := new(big.Int)
	l.nonces[user] = n
	return n
}

// SetNonce raises the stored nonce to value. Lower values are silently
// ignored: nonces are monotone non-decreasing per user.
func (l *Ledger) SetNonce(user common.Address, value *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.nonceLocked(user)
	if value.Cmp(n) <= 0 {
		return
	}
	n.Set(value)
	l.persistNonce(user, n)
}

// IncrementNonce advances the user's nonce by one and returns the new value.
func (l *Ledger) IncrementNonce(user common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.nonceLocked(user)
	n.Add(n, big.NewInt(1))
	l.persistNonce(user, n)
	return new(big.Int).Set(n)
}

func (l *Ledger) persistNonce(user common.Address, n *big.Int) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveNonce(user, n); err != nil {
		l.log.Error("nonce_persist_failed", zap.String("user", core.LowerHex(user)), zap.Error(err))
	}
}

// Entry is one row of a ledger snapshot.
type Entry struct {
	User    common.Address
	TokenID *big.Int
	Balance *Balance
}

// Snapshot returns a copy of every cached row. Used by reconciliation.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]Entry, 0, len(l.balances))
	for key, b := range l.balances {
		user, tokenID, err := parseRowKey(key)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{User: user, TokenID: tokenID, Balance: b.clone()})
	}
	return entries
}
