package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides pebble-based persistence for balance rows and nonces.
// Thread safety comes from the Ledger's mutex; the store itself never locks.
type Store struct {
	db *pebble.DB
}

// NewStore opens a pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBalance persists one balance row.
func (s *Store) SaveBalance(user common.Address, tokenID *big.Int, b *Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := s.db.Set(balanceKey(user, tokenID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// LoadBalance loads one balance row. Returns nil if the row doesn't exist.
func (s *Store) LoadBalance(user common.Address, tokenID *big.Int) (*Balance, error) {
	data, closer, err := s.db.Get(balanceKey(user, tokenID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	defer closer.Close()

	var b Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	if b.Available == nil {
		b.Available = new(big.Int)
	}
	if b.Locked == nil {
		b.Locked = new(big.Int)
	}
	return &b, nil
}

// LoadAllBalances returns every persisted balance row. Used to warm the
// ledger cache at startup so snapshots cover rows not yet touched.
func (s *Store) LoadAllBalances() ([]Entry, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var rows []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		user, tokenID, err := parseRowKey(string(iter.Key())[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("corrupt balance key %q: %w", iter.Key(), err)
		}
		var b Balance
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal balance %q: %w", iter.Key(), err)
		}
		if b.Available == nil {
			b.Available = new(big.Int)
		}
		if b.Locked == nil {
			b.Locked = new(big.Int)
		}
		rows = append(rows, Entry{User: user, TokenID: tokenID, Balance: &b})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return rows, nil
}

// SaveNonce persists a user's nonce.
func (s *Store) SaveNonce(user common.Address, n *big.Int) error {
	if err := s.db.Set(nonceKey(user), []byte(n.String()), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}
	return nil
}

// LoadNonce loads a user's nonce. Returns nil if never set.
func (s *Store) LoadNonce(user common.Address) (*big.Int, error) {
	data, closer, err := s.db.Get(nonceKey(user))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	defer closer.Close()

	n, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("corrupt nonce value: %q", data)
	}
	return n, nil
}
