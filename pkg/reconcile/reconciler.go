// Package reconcile periodically compares the engine's internal ledger
// against an external source of truth (the chain, or a custody service)
// and pauses order intake when the two drift apart for too long.
package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/ledger"
	"github.com/outcomex/clob/pkg/metrics"
	"github.com/outcomex/clob/pkg/util"
)

// historySize bounds the retained report ring.
const historySize = 32

// minInterval floors the reconciliation cadence.
const minInterval = time.Second

// BalanceLookup reads a user's balance from the external source of truth.
type BalanceLookup interface {
	ExternalBalance(ctx context.Context, user common.Address, tokenID *big.Int) (*big.Int, error)
}

// Pauser is the order-intake switch flipped on sustained drift.
type Pauser interface {
	SetPaused(paused bool)
}

// Discrepancy is one ledger row whose internal total (available + locked)
// drifted past the threshold from its external counterpart.
type Discrepancy struct {
	User     common.Address `json:"user"`
	TokenID  *big.Int       `json:"tokenId"`
	Internal *big.Int       `json:"internal"`
	External *big.Int       `json:"external"`
	Diff     *big.Int       `json:"diff"` // internal - external
}

// Report summarizes one reconciliation pass.
type Report struct {
	Timestamp     int64         `json:"timestamp"` // unix milliseconds
	RowsChecked   int           `json:"rowsChecked"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	LookupErrors  []string      `json:"lookupErrors,omitempty"`
}

// Config tunes a Reconciler.
type Config struct {
	// Interval between passes, floored at one second.
	Interval time.Duration
	// ThresholdNum/ThresholdDen is the relative drift tolerance. The
	// default 1/10000 flags rows where |diff| exceeds 0.01% of the
	// internal total.
	ThresholdNum *big.Int
	ThresholdDen *big.Int
	// PauseAfter is the number of consecutive passes with discrepancies
	// before order intake is paused.
	PauseAfter int
}

func (c Config) withDefaults() Config {
	if c.Interval < minInterval {
		c.Interval = minInterval
	}
	if c.ThresholdNum == nil || c.ThresholdDen == nil || c.ThresholdDen.Sign() <= 0 {
		c.ThresholdNum = big.NewInt(1)
		c.ThresholdDen = big.NewInt(10000)
	}
	if c.PauseAfter <= 0 {
		c.PauseAfter = 3
	}
	return c
}

// Reconciler runs the comparison loop.
type Reconciler struct {
	cfg    Config
	ledger *ledger.Ledger
	lookup BalanceLookup
	pauser Pauser
	clock  util.Clock
	met    *metrics.Metrics
	log    *zap.Logger

	mu         sync.RWMutex
	history    [historySize]*Report
	historyLen int
	historyPos int
	driftRun   int // consecutive passes with discrepancies
	paused     bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a reconciler. pauser, clock, met, and log may be nil.
func New(cfg Config, l *ledger.Ledger, lookup BalanceLookup, pauser Pauser, clock util.Clock, met *metrics.Metrics, log *zap.Logger) *Reconciler {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		cfg:    cfg.withDefaults(),
		ledger: l,
		lookup: lookup,
		pauser: pauser,
		clock:  clock,
		met:    met,
		log:    log.Named("reconcile"),
		quit:   make(chan struct{}),
	}
}

// RunOnce executes a single reconciliation pass and records its report.
func (r *Reconciler) RunOnce(ctx context.Context) *Report {
	report := &Report{Timestamp: r.clock.Now().UnixMilli()}

	for _, entry := range r.ledger.Snapshot() {
		internal := new(big.Int).Add(entry.Balance.Available, entry.Balance.Locked)
		external, err := r.lookup.ExternalBalance(ctx, entry.User, entry.TokenID)
		if err != nil {
			report.LookupErrors = append(report.LookupErrors,
				fmt.Sprintf("%s/%s: %v", core.LowerHex(entry.User), entry.TokenID, err))
			continue
		}
		report.RowsChecked++
		if external == nil {
			external = new(big.Int)
		}
		if r.exceedsThreshold(internal, external) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				User:     entry.User,
				TokenID:  entry.TokenID,
				Internal: internal,
				External: external,
				Diff:     new(big.Int).Sub(internal, external),
			})
		}
	}

	r.record(report)
	return report
}

// exceedsThreshold reports whether |internal - external| is more than the
// configured fraction of the internal total. Comparison is done in scaled
// integers: |diff| * den > num * internal. A zero internal total tolerates
// no external balance at all.
func (r *Reconciler) exceedsThreshold(internal, external *big.Int) bool {
	diff := new(big.Int).Sub(internal, external)
	if diff.Sign() == 0 {
		return false
	}
	diff.Abs(diff)
	if internal.Sign() == 0 {
		return true
	}
	lhs := new(big.Int).Mul(diff, r.cfg.ThresholdDen)
	rhs := new(big.Int).Mul(r.cfg.ThresholdNum, internal)
	return lhs.Cmp(rhs) > 0
}

func (r *Reconciler) record(report *Report) {
	r.mu.Lock()

	r.history[r.historyPos] = report
	r.historyPos = (r.historyPos + 1) % historySize
	if r.historyLen < historySize {
		r.historyLen++
	}

	drift := len(report.Discrepancies)
	if drift > 0 {
		r.driftRun++
	} else {
		r.driftRun = 0
	}

	shouldPause := r.driftRun >= r.cfg.PauseAfter
	changed := shouldPause != r.paused
	r.paused = shouldPause
	run := r.driftRun
	r.mu.Unlock()

	if r.met != nil {
		r.met.ReconcileDrift.Set(float64(drift))
		if shouldPause {
			r.met.ReconcilePaused.Set(1)
		} else {
			r.met.ReconcilePaused.Set(0)
		}
	}
	if drift > 0 {
		r.log.Warn("reconciliation drift",
			zap.Int("discrepancies", drift),
			zap.Int("consecutive", run))
	}
	if changed {
		if shouldPause {
			r.log.Error("sustained drift, pausing order intake", zap.Int("consecutive", run))
		} else {
			r.log.Info("drift cleared, resuming order intake")
		}
		if r.pauser != nil {
			r.pauser.SetPaused(shouldPause)
		}
	}
}

// IsHealthy reports whether the last pass found no discrepancies. A
// reconciler that has never run is healthy.
func (r *Reconciler) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.historyLen == 0 {
		return true
	}
	last := r.history[(r.historyPos+historySize-1)%historySize]
	return len(last.Discrepancies) == 0 && len(last.LookupErrors) == 0
}

// History returns retained reports, oldest first.
func (r *Reconciler) History() []*Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Report, 0, r.historyLen)
	start := (r.historyPos + historySize - r.historyLen) % historySize
	for i := 0; i < r.historyLen; i++ {
		out = append(out, r.history[(start+i)%historySize])
	}
	return out
}

// Start launches the periodic loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop terminates the loop and waits for it to drain.
func (r *Reconciler) Stop() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case <-r.clock.After(r.cfg.Interval):
		}
		r.RunOnce(context.Background())
	}
}
