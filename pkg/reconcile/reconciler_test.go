package reconcile

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/ledger"
)

var (
	alice      = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	bob        = common.HexToAddress("0xBB00000000000000000000000000000000000002")
	collateral = big.NewInt(0)
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

// fakeChain serves external balances keyed by user:tokenId.
type fakeChain struct {
	balances map[string]*big.Int
	failFor  map[string]error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances: make(map[string]*big.Int),
		failFor:  make(map[string]error),
	}
}

func chainKey(user common.Address, tokenID *big.Int) string {
	return core.LowerHex(user) + ":" + tokenID.String()
}

func (f *fakeChain) set(user common.Address, tokenID, amount *big.Int) {
	f.balances[chainKey(user, tokenID)] = amount
}

func (f *fakeChain) ExternalBalance(_ context.Context, user common.Address, tokenID *big.Int) (*big.Int, error) {
	key := chainKey(user, tokenID)
	if err, ok := f.failFor[key]; ok {
		return nil, err
	}
	if b, ok := f.balances[key]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// fakePauser records SetPaused transitions.
type fakePauser struct {
	paused bool
	calls  int
}

func (p *fakePauser) SetPaused(v bool) {
	p.paused = v
	p.calls++
}

func ones(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func newTestReconciler(t *testing.T, cfg Config) (*Reconciler, *ledger.Ledger, *fakeChain, *fakePauser) {
	t.Helper()
	led := ledger.New(nil, nil)
	chain := newFakeChain()
	pauser := &fakePauser{}
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, led, chain, pauser, clock, nil, nil), led, chain, pauser
}

func TestRunOnceMatchingBalances(t *testing.T) {
	r, led, chain, _ := newTestReconciler(t, Config{})

	if err := led.Credit(alice, collateral, ones(100)); err != nil {
		t.Fatal(err)
	}
	if err := led.Lock(alice, collateral, ones(40)); err != nil {
		t.Fatal(err)
	}
	chain.set(alice, collateral, ones(100)) // locked counts toward the internal total

	report := r.RunOnce(context.Background())
	if report.RowsChecked != 1 {
		t.Errorf("rows checked = %d, want 1", report.RowsChecked)
	}
	if len(report.Discrepancies) != 0 {
		t.Errorf("discrepancies = %v, want none", report.Discrepancies)
	}
	if !r.IsHealthy() {
		t.Error("matching pass reported unhealthy")
	}
}

func TestThresholdIsRelative(t *testing.T) {
	r, led, chain, _ := newTestReconciler(t, Config{})

	// Internal 10000 tokens; the 1/10000 default tolerates a drift of
	// exactly one token and flags anything beyond it.
	if err := led.Credit(alice, collateral, ones(10000)); err != nil {
		t.Fatal(err)
	}

	chain.set(alice, collateral, new(big.Int).Sub(ones(10000), ones(1)))
	if report := r.RunOnce(context.Background()); len(report.Discrepancies) != 0 {
		t.Errorf("drift at threshold flagged: %v", report.Discrepancies)
	}

	over := new(big.Int).Sub(ones(10000), new(big.Int).Add(ones(1), big.NewInt(1)))
	chain.set(alice, collateral, over)
	report := r.RunOnce(context.Background())
	if len(report.Discrepancies) != 1 {
		t.Fatalf("drift past threshold not flagged")
	}
	d := report.Discrepancies[0]
	if d.User != alice {
		t.Errorf("user = %s, want alice", d.User.Hex())
	}
	wantDiff := new(big.Int).Add(ones(1), big.NewInt(1))
	if d.Diff.Cmp(wantDiff) != 0 {
		t.Errorf("diff = %s, want %s", d.Diff, wantDiff)
	}
}

func TestZeroInternalToleratesNothing(t *testing.T) {
	r, led, chain, _ := newTestReconciler(t, Config{})

	// A row exists internally with a zero total after a full debit.
	if err := led.Credit(bob, collateral, ones(5)); err != nil {
		t.Fatal(err)
	}
	if err := led.Debit(bob, collateral, ones(5)); err != nil {
		t.Fatal(err)
	}
	chain.set(bob, collateral, big.NewInt(1))

	report := r.RunOnce(context.Background())
	if len(report.Discrepancies) != 1 {
		t.Fatalf("zero-internal drift not flagged")
	}
}

func TestSustainedDriftPauses(t *testing.T) {
	r, led, _, pauser := newTestReconciler(t, Config{PauseAfter: 3})

	// Internal balance with no external counterpart at all.
	if err := led.Credit(alice, collateral, ones(100)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.RunOnce(ctx)
	r.RunOnce(ctx)
	if pauser.calls != 0 {
		t.Fatalf("paused after %d passes, want 3", 2)
	}
	r.RunOnce(ctx)
	if !pauser.paused {
		t.Fatal("not paused after three drifting passes")
	}
	if pauser.calls != 1 {
		t.Errorf("SetPaused calls = %d, want 1", pauser.calls)
	}

	// Staying in drift does not re-flip the switch.
	r.RunOnce(ctx)
	if pauser.calls != 1 {
		t.Errorf("SetPaused calls = %d, want 1", pauser.calls)
	}
}

func TestDriftClearedResumes(t *testing.T) {
	r, led, chain, pauser := newTestReconciler(t, Config{PauseAfter: 2})

	if err := led.Credit(alice, collateral, ones(100)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.RunOnce(ctx)
	r.RunOnce(ctx)
	if !pauser.paused {
		t.Fatal("not paused after sustained drift")
	}

	chain.set(alice, collateral, ones(100))
	r.RunOnce(ctx)
	if pauser.paused {
		t.Error("still paused after drift cleared")
	}
	if pauser.calls != 2 {
		t.Errorf("SetPaused calls = %d, want 2", pauser.calls)
	}
	if !r.IsHealthy() {
		t.Error("clean pass reported unhealthy")
	}
}

func TestDriftRunResetsBetweenPasses(t *testing.T) {
	r, led, chain, pauser := newTestReconciler(t, Config{PauseAfter: 2})

	if err := led.Credit(alice, collateral, ones(100)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.RunOnce(ctx) // drift 1
	chain.set(alice, collateral, ones(100))
	r.RunOnce(ctx) // clean, run resets
	chain.set(alice, collateral, ones(50))
	r.RunOnce(ctx) // drift 1 again
	if pauser.paused {
		t.Error("paused on non-consecutive drift")
	}
}

func TestLookupErrorsReported(t *testing.T) {
	r, led, chain, _ := newTestReconciler(t, Config{})

	if err := led.Credit(alice, collateral, ones(10)); err != nil {
		t.Fatal(err)
	}
	chain.failFor[chainKey(alice, collateral)] = fmt.Errorf("rpc timeout")

	report := r.RunOnce(context.Background())
	if report.RowsChecked != 0 {
		t.Errorf("rows checked = %d, want 0", report.RowsChecked)
	}
	if len(report.LookupErrors) != 1 {
		t.Fatalf("lookup errors = %v, want 1", report.LookupErrors)
	}
	// A pass that could not read the external side is not healthy.
	if r.IsHealthy() {
		t.Error("pass with lookup errors reported healthy")
	}
}

func TestNeverRunIsHealthy(t *testing.T) {
	r, _, _, _ := newTestReconciler(t, Config{})
	if !r.IsHealthy() {
		t.Error("fresh reconciler reported unhealthy")
	}
}

func TestHistoryRingBounded(t *testing.T) {
	r, led, chain, _ := newTestReconciler(t, Config{})

	if err := led.Credit(alice, collateral, ones(1)); err != nil {
		t.Fatal(err)
	}
	chain.set(alice, collateral, ones(1))

	ctx := context.Background()
	for i := 0; i < historySize+8; i++ {
		r.RunOnce(ctx)
	}
	got := r.History()
	if len(got) != historySize {
		t.Fatalf("history length = %d, want %d", len(got), historySize)
	}
	// Oldest first and every slot populated.
	for i, rep := range got {
		if rep == nil {
			t.Fatalf("history[%d] is nil", i)
		}
	}
}
