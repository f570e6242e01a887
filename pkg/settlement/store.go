package settlement

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store provides pebble-based persistence for settlement batches, so epoch
// ids stay monotonic and committed roots survive restarts. The Builder's
// mutex serializes all access; the store itself never locks.
type Store struct {
	db *pebble.DB
}

// NewStore opens a pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(16 << 20),
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          500,
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

// batchKey orders epochs lexicographically by zero-padded id.
func batchKey(epochID uint64) []byte {
	return []byte(fmt.Sprintf("batch:%020d", epochID))
}

// SaveBatch persists one batch record.
func (s *Store) SaveBatch(b *Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	if err := s.db.Set(batchKey(b.EpochID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// LoadBatch loads one batch record. Returns nil if the epoch doesn't exist.
func (s *Store) LoadBatch(epochID uint64) (*Batch, error) {
	data, closer, err := s.db.Get(batchKey(epochID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	defer closer.Close()

	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &b, nil
}

// LoadAll returns every persisted batch in epoch order.
func (s *Store) LoadAll() ([]*Batch, error) {
	lower := []byte("batch:")
	upper := []byte("batch;") // ';' is ':'+1
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var batches []*Batch
	for iter.First(); iter.Valid(); iter.Next() {
		var b Batch
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch %q: %w", iter.Key(), err)
		}
		batches = append(batches, &b)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return batches, nil
}
