// Package settlement batches executed trades into epochs, nets them into
// per-user collateral deltas, commits a Merkle root over the positive
// deltas to the chain sink, and then pushes the individual matches to the
// exchange contract for execution.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/outcomex/clob/pkg/broadcast"
	"github.com/outcomex/clob/pkg/chain"
	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/merkle"
	"github.com/outcomex/clob/pkg/metrics"
	"github.com/outcomex/clob/pkg/util"
)

// MaxBatchSize is the hard ceiling on trades per epoch.
const MaxBatchSize = 100

var (
	ErrEpochNotFound = fmt.Errorf("settlement: epoch not found")
	ErrNoProof       = fmt.Errorf("settlement: no leaf for user in epoch")
	ErrNotCommitted  = fmt.Errorf("settlement: epoch not committed")
)

// Config tunes batch cuts and the commit retry schedule.
type Config struct {
	BatchSize   int           // trades per cut, clamped to MaxBatchSize
	CutInterval time.Duration // periodic cut cadence for the run loop
	MaxRetries  int           // commit retries after the first attempt
	BaseDelay   time.Duration // first retry delay, doubled per attempt
	MaxDelay    time.Duration // backoff ceiling
	Concurrency int           // concurrent on-chain match submissions
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 || c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.CutInterval <= 0 {
		c.CutInterval = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	return c
}

// Builder accumulates trades and turns them into settlement epochs.
//
// Trades enter through Enqueue in execution order and leave in the same
// order when a batch is cut. Orders cancelled between execution and cut
// are excluded from the cut via MarkCancelled.
type Builder struct {
	mu        sync.Mutex
	pending   []*core.Trade
	cancelled map[common.Hash]struct{}
	orders    map[common.Hash]*core.SignedOrder
	batches   map[uint64]*Batch
	nextEpoch uint64

	cfg   Config
	sink  chain.Sink
	store *Store
	bcast *broadcast.Broadcaster
	clock util.Clock
	met   *metrics.Metrics
	log   *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBuilder wires a builder to its chain sink. store, bcast, and met may be
// nil; persisted batches are reloaded so epoch ids stay monotonic across
// restarts.
func NewBuilder(cfg Config, sink chain.Sink, store *Store, bcast *broadcast.Broadcaster, clock util.Clock, met *metrics.Metrics, log *zap.Logger) (*Builder, error) {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Builder{
		cancelled: make(map[common.Hash]struct{}),
		orders:    make(map[common.Hash]*core.SignedOrder),
		batches:   make(map[uint64]*Batch),
		nextEpoch: 1,
		cfg:       cfg.withDefaults(),
		sink:      sink,
		store:     store,
		bcast:     bcast,
		clock:     clock,
		met:       met,
		log:       log.Named("settlement"),
		quit:      make(chan struct{}),
	}
	if store != nil {
		batches, err := store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("restore batches: %w", err)
		}
		for _, batch := range batches {
			b.batches[batch.EpochID] = batch
			if batch.EpochID >= b.nextEpoch {
				b.nextEpoch = batch.EpochID + 1
			}
		}
	}
	return b, nil
}

// RegisterOrder records a signed order so its trades can later be submitted
// on-chain. Orders are kept until every batch referencing them is settled.
func (b *Builder) RegisterOrder(so *core.SignedOrder, hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[hash] = so
}

// Enqueue appends trades to the pending queue in execution order.
func (b *Builder) Enqueue(trades ...*core.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, trades...)
}

// MarkCancelled flags an order hash so trades referencing it are dropped
// from future cuts. Safe to call for hashes that never traded.
func (b *Builder) MarkCancelled(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[hash] = struct{}{}
}

// PendingCount returns the number of trades waiting for the next cut.
func (b *Builder) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// CutBatch drains up to BatchSize pending trades into a new epoch, nets
// them into per-user collateral deltas, and builds the Merkle tree over
// the positive deltas. Returns (nil, nil) when there is nothing to settle:
// no pending trades, or every drained trade was cancelled or netted to
// zero claimable value.
func (b *Builder) CutBatch() (*Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil, nil
	}
	n := len(b.pending)
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	drained := b.pending[:n]
	b.pending = b.pending[n:]

	trades := make([]*core.Trade, 0, len(drained))
	for _, t := range drained {
		if _, ok := b.cancelled[t.TakerOrderHash]; ok {
			continue
		}
		if _, ok := b.cancelled[t.MakerOrderHash]; ok {
			continue
		}
		trades = append(trades, t)
	}
	if len(trades) == 0 {
		b.log.Info("batch cut aborted, all trades cancelled", zap.Int("drained", len(drained)))
		return nil, nil
	}

	// Net each trade's collateral flow: the maker paid cost, the taker
	// receives it. A user appearing on both sides across the batch nets
	// to a single signed delta.
	deltas := make(map[string]*big.Int)
	add := func(addr common.Address, v *big.Int) {
		key := core.LowerHex(addr)
		if cur, ok := deltas[key]; ok {
			cur.Add(cur, v)
			return
		}
		deltas[key] = new(big.Int).Set(v)
	}
	for _, t := range trades {
		cost := t.Cost()
		add(t.Maker, new(big.Int).Neg(cost))
		add(t.Taker, cost)
	}

	leaves := make([]merkle.Leaf, 0, len(deltas))
	for key, v := range deltas {
		if v.Sign() > 0 {
			leaves = append(leaves, merkle.Leaf{Address: common.HexToAddress(key), Amount: v})
		}
	}
	if len(leaves) == 0 {
		b.log.Info("batch cut aborted, no positive deltas", zap.Int("trades", len(trades)))
		return nil, nil
	}

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("build merkle tree: %w", err)
	}
	proofs := make(map[string]*Proof, len(leaves))
	for _, leaf := range leaves {
		path, err := tree.Proof(leaf.Address, leaf.Amount)
		if err != nil {
			return nil, fmt.Errorf("prove leaf %s: %w", leaf.Address, err)
		}
		proofs[core.LowerHex(leaf.Address)] = &Proof{Amount: leaf.Amount, Path: path}
	}

	batch := &Batch{
		EpochID:       b.nextEpoch,
		Trades:        trades,
		BalanceDeltas: deltas,
		MerkleRoot:    tree.Root(),
		Proofs:        proofs,
		Status:        StatusPending,
		Timestamp:     b.clock.Now().UnixMilli(),
	}
	b.nextEpoch++
	b.batches[batch.EpochID] = batch
	b.persist(batch)

	b.log.Info("batch cut",
		zap.Uint64("epoch", batch.EpochID),
		zap.Int("trades", len(trades)),
		zap.Int("leaves", len(leaves)),
		zap.String("root", batch.MerkleRoot.Hex()))
	return batch, nil
}

// Commit publishes the epoch's Merkle root through the chain sink, retrying
// transient failures with exponential backoff. On success the batch moves
// to committed and an epoch_committed event is emitted; exhausting the
// retry budget moves it to failed.
func (b *Builder) Commit(ctx context.Context, epochID uint64) error {
	b.mu.Lock()
	batch, ok := b.batches[epochID]
	if !ok {
		b.mu.Unlock()
		return ErrEpochNotFound
	}
	if batch.Status != StatusPending {
		b.mu.Unlock()
		return fmt.Errorf("settlement: epoch %d already %s", epochID, batch.Status)
	}
	root := batch.MerkleRoot
	total := batch.TotalClaimable()
	b.mu.Unlock()

	txID, err := b.commitWithRetry(ctx, epochID, root, total)

	b.mu.Lock()
	if err != nil {
		batch.Status = StatusFailed
		b.persist(batch)
		b.mu.Unlock()
		if b.met != nil {
			b.met.EpochsFailed.Inc()
		}
		return fmt.Errorf("commit epoch %d: %w", epochID, err)
	}
	batch.Status = StatusCommitted
	batch.CommitTxID = txID
	b.persist(batch)
	b.mu.Unlock()

	if b.met != nil {
		b.met.EpochsCommitted.Inc()
	}

	if b.bcast != nil {
		b.bcast.EmitSettlement(broadcast.EventEpochCommitted, map[string]interface{}{
			"epochId":    epochID,
			"merkleRoot": root.Hex(),
			"total":      total.String(),
			"txId":       txID,
			"trades":     len(batch.Trades),
		})
	}
	b.log.Info("epoch committed", zap.Uint64("epoch", epochID), zap.String("tx", txID))
	return nil
}

func (b *Builder) commitWithRetry(ctx context.Context, epochID uint64, root common.Hash, total *big.Int) (string, error) {
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-b.clock.After(delay):
			}
			delay *= 2
			if delay > b.cfg.MaxDelay {
				delay = b.cfg.MaxDelay
			}
			if b.met != nil {
				b.met.CommitRetries.Inc()
			}
		}
		txID, err := b.sink.CommitEpoch(ctx, root, total)
		if err == nil {
			return txID, nil
		}
		lastErr = err
		b.log.Warn("epoch commit attempt failed",
			zap.Uint64("epoch", epochID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return "", lastErr
}

// Execute submits every trade of a committed epoch to the exchange
// contract, grouped by match type. Individual failures are recorded and do
// not block sibling trades; the batch ends settled only if all trades
// landed, otherwise its failure list carries the per-trade errors.
func (b *Builder) Execute(ctx context.Context, epochID uint64) error {
	b.mu.Lock()
	batch, ok := b.batches[epochID]
	if !ok {
		b.mu.Unlock()
		return ErrEpochNotFound
	}
	if batch.Status != StatusCommitted {
		b.mu.Unlock()
		return ErrNotCommitted
	}
	trades := batch.Trades
	orders := make(map[common.Hash]*core.SignedOrder, len(trades)*2)
	for _, t := range trades {
		if so, ok := b.orders[t.TakerOrderHash]; ok {
			orders[t.TakerOrderHash] = so
		}
		if so, ok := b.orders[t.MakerOrderHash]; ok {
			orders[t.MakerOrderHash] = so
		}
	}
	b.mu.Unlock()

	var (
		failMu   sync.Mutex
		failures []string
	)
	fail := func(t *core.Trade, err error) {
		failMu.Lock()
		failures = append(failures, fmt.Sprintf("trade %s: %v", t.ID, err))
		failMu.Unlock()
	}

	for _, mt := range []core.MatchType{core.MatchComplementary, core.MatchMint, core.MatchMerge} {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.cfg.Concurrency)
		for _, t := range trades {
			if t.MatchType != mt {
				continue
			}
			t := t
			g.Go(func() error {
				taker, okT := orders[t.TakerOrderHash]
				maker, okM := orders[t.MakerOrderHash]
				if !okT || !okM {
					fail(t, fmt.Errorf("signed order missing"))
					return nil
				}
				txID, err := b.sink.MatchOrders(gctx, taker,
					[]*core.SignedOrder{maker}, t.Amount, []*big.Int{t.Amount})
				if err != nil {
					fail(t, err)
					return nil
				}
				b.log.Debug("trade executed",
					zap.String("trade", t.ID),
					zap.String("matchType", string(t.MatchType)),
					zap.String("tx", txID))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	sort.Strings(failures)
	batch.Failures = failures
	switch {
	case len(failures) == 0:
		batch.Status = StatusSettled
	case len(failures) == len(trades):
		// A partial failure stays committed so the healthy trades are not
		// re-submitted, but when nothing landed the epoch is dead.
		batch.Status = StatusFailed
	}
	b.persist(batch)
	b.log.Info("epoch executed",
		zap.Uint64("epoch", epochID),
		zap.Int("trades", len(trades)),
		zap.Int("failures", len(failures)))
	return nil
}

// GetBatch returns the batch for an epoch.
func (b *Builder) GetBatch(epochID uint64) (*Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[epochID]
	if !ok {
		return nil, ErrEpochNotFound
	}
	return batch, nil
}

// GetProof returns the user's Merkle proof for an epoch, or ErrNoProof if
// the user had no positive delta in it.
func (b *Builder) GetProof(epochID uint64, user common.Address) (*Proof, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[epochID]
	if !ok {
		return nil, ErrEpochNotFound
	}
	p, ok := batch.Proofs[core.LowerHex(user)]
	if !ok {
		return nil, ErrNoProof
	}
	return p, nil
}

// GetUnclaimedEpochs lists committed or settled epochs in which the user
// holds a leaf, ascending by epoch id.
func (b *Builder) GetUnclaimedEpochs(user common.Address) []uint64 {
	key := core.LowerHex(user)
	b.mu.Lock()
	defer b.mu.Unlock()
	var epochs []uint64
	for id, batch := range b.batches {
		if batch.Status != StatusCommitted && batch.Status != StatusSettled {
			continue
		}
		if _, ok := batch.Proofs[key]; ok {
			epochs = append(epochs, id)
		}
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	return epochs
}

func (b *Builder) persist(batch *Batch) {
	if b.store == nil {
		return
	}
	if err := b.store.SaveBatch(batch); err != nil {
		b.log.Error("persist batch failed", zap.Uint64("epoch", batch.EpochID), zap.Error(err))
	}
}

// Start launches the periodic settlement cycle: cut, commit, execute.
func (b *Builder) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop terminates the settlement cycle and waits for it to drain.
func (b *Builder) Stop() {
	close(b.quit)
	b.wg.Wait()
}

func (b *Builder) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.quit:
			return
		case <-b.clock.After(b.cfg.CutInterval):
		}
		b.runCycle(context.Background())
	}
}

func (b *Builder) runCycle(ctx context.Context) {
	batch, err := b.CutBatch()
	if err != nil {
		b.log.Error("batch cut failed", zap.Error(err))
		return
	}
	if batch == nil {
		return
	}
	if err := b.Commit(ctx, batch.EpochID); err != nil {
		b.log.Error("epoch commit failed", zap.Uint64("epoch", batch.EpochID), zap.Error(err))
		return
	}
	if err := b.Execute(ctx, batch.EpochID); err != nil {
		b.log.Error("epoch execute failed", zap.Uint64("epoch", batch.EpochID), zap.Error(err))
	}
}
