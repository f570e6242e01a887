package risk

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000002")
)

// fakeClock advances only when the test tells it to.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewEngine(nil, clock, nil), clock
}

func ones(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), pow10(18))
}

func hashOf(b byte) common.Hash {
	var h common.Hash
	h[0] = b
	return h
}

func TestNewEngineNilDefaults(t *testing.T) {
	// A nil clock or logger falls back to real time and a nop logger, so
	// validation paths that read the clock never dereference nil.
	eng := NewEngine(nil, nil, nil)
	if err := eng.ValidateOrder(alice, ones(1)); err != nil {
		t.Fatalf("ValidateOrder: %v", err)
	}
	eng.RecordOrder(alice, hashOf(1), ones(1))
	if err := eng.ValidateWithdrawal(alice, ones(1)); err != nil {
		t.Fatalf("ValidateWithdrawal: %v", err)
	}
	eng.RecordWithdrawal(alice, ones(1))
}

func TestTierDefaults(t *testing.T) {
	eng, _ := newTestEngine(t)

	tests := []struct {
		tier      Tier
		maxOrder  *big.Int
		perMinute int
	}{
		{TierStandard, pow10(23), 30},
		{TierPremium, pow10(24), 60},
		{TierVIP, pow10(25), 120},
	}
	for _, tt := range tests {
		eng.SetTier(alice, tt.tier)
		got := eng.Limits(alice)
		if got.MaxOrderSize.Cmp(tt.maxOrder) != 0 {
			t.Errorf("%s: MaxOrderSize = %s, want %s", tt.tier, got.MaxOrderSize, tt.maxOrder)
		}
		if got.MaxOrdersPerMinute != tt.perMinute {
			t.Errorf("%s: MaxOrdersPerMinute = %d, want %d", tt.tier, got.MaxOrdersPerMinute, tt.perMinute)
		}
	}
}

func TestUnknownUserIsStandard(t *testing.T) {
	eng, _ := newTestEngine(t)

	got := eng.Limits(bob)
	want := DefaultTierLimits()[TierStandard]
	if got.MaxOrderSize.Cmp(want.MaxOrderSize) != 0 {
		t.Errorf("MaxOrderSize = %s, want %s", got.MaxOrderSize, want.MaxOrderSize)
	}
	if got.MaxExposure.Cmp(want.MaxExposure) != 0 {
		t.Errorf("MaxExposure = %s, want %s", got.MaxExposure, want.MaxExposure)
	}
}

func TestOrderTooLarge(t *testing.T) {
	eng, _ := newTestEngine(t)

	limit := DefaultTierLimits()[TierStandard].MaxOrderSize

	if err := eng.ValidateOrder(alice, limit); err != nil {
		t.Fatalf("order at limit: %v", err)
	}
	over := new(big.Int).Add(limit, big.NewInt(1))
	if err := eng.ValidateOrder(alice, over); !errors.Is(err, ErrOrderTooLarge) {
		t.Fatalf("order over limit: got %v, want ErrOrderTooLarge", err)
	}

	// A higher tier admits the same order.
	eng.SetTier(alice, TierPremium)
	if err := eng.ValidateOrder(alice, over); err != nil {
		t.Fatalf("premium order over standard limit: %v", err)
	}
}

func TestExposureAccumulates(t *testing.T) {
	eng, _ := newTestEngine(t)

	eng.SetCustomLimits(alice, Limits{
		MaxOrderSize:       ones(100),
		MaxExposure:        ones(150),
		MaxOrdersPerMinute: 30,
		MaxDailyWithdrawal: ones(1000),
	})

	if err := eng.ValidateOrder(alice, ones(100)); err != nil {
		t.Fatalf("first order: %v", err)
	}
	eng.RecordOrder(alice, hashOf(1), ones(100))

	if got := eng.Exposure(alice); got.Cmp(ones(100)) != 0 {
		t.Fatalf("exposure = %s, want %s", got, ones(100))
	}
	if got := eng.ActiveOrders(alice); got != 1 {
		t.Fatalf("active orders = %d, want 1", got)
	}

	// 100 + 60 > 150.
	if err := eng.ValidateOrder(alice, ones(60)); !errors.Is(err, ErrExposureExceeded) {
		t.Fatalf("second order: got %v, want ErrExposureExceeded", err)
	}
	// 100 + 50 fits exactly.
	if err := eng.ValidateOrder(alice, ones(50)); err != nil {
		t.Fatalf("exact fit: %v", err)
	}

	// Exposure is per-user.
	if err := eng.ValidateOrder(bob, ones(60)); err != nil {
		t.Fatalf("bob: %v", err)
	}
}

func TestReleaseOrderRestoresExposure(t *testing.T) {
	eng, _ := newTestEngine(t)

	eng.RecordOrder(alice, hashOf(1), ones(40))
	eng.RecordOrder(alice, hashOf(2), ones(30))
	eng.ReleaseOrder(alice, hashOf(1), ones(40))

	if got := eng.Exposure(alice); got.Cmp(ones(30)) != 0 {
		t.Errorf("exposure = %s, want %s", got, ones(30))
	}
	if got := eng.ActiveOrders(alice); got != 1 {
		t.Errorf("active orders = %d, want 1", got)
	}

	// Releasing more than was recorded floors at zero.
	eng.ReleaseOrder(alice, hashOf(2), ones(99))
	if got := eng.Exposure(alice); got.Sign() != 0 {
		t.Errorf("exposure after over-release = %s, want 0", got)
	}
}

func TestRateLimit(t *testing.T) {
	eng, clock := newTestEngine(t)

	amount := ones(1)
	for i := 0; i < 30; i++ {
		if err := eng.ValidateOrder(alice, amount); err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
		eng.RecordOrder(alice, hashOf(byte(i)), amount)
		clock.advance(time.Second)
	}

	if err := eng.ValidateOrder(alice, amount); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("order 31: got %v, want ErrRateLimited", err)
	}

	// The window trails the clock. 31 seconds on, the first order has aged
	// out and one slot is free again.
	clock.advance(31 * time.Second)
	if err := eng.ValidateOrder(alice, amount); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestCustomLimitsOverrideTier(t *testing.T) {
	eng, _ := newTestEngine(t)

	eng.SetTier(alice, TierVIP)
	eng.SetCustomLimits(alice, Limits{
		MaxOrderSize:       ones(5),
		MaxExposure:        ones(10),
		MaxOrdersPerMinute: 2,
		MaxDailyWithdrawal: ones(5),
	})

	if err := eng.ValidateOrder(alice, ones(6)); !errors.Is(err, ErrOrderTooLarge) {
		t.Fatalf("custom cap: got %v, want ErrOrderTooLarge", err)
	}

	// Reassigning a tier clears the override.
	eng.SetTier(alice, TierVIP)
	if err := eng.ValidateOrder(alice, ones(6)); err != nil {
		t.Fatalf("after tier reset: %v", err)
	}
}

func TestWithdrawalDailyCap(t *testing.T) {
	eng, clock := newTestEngine(t)

	dailyCap := DefaultTierLimits()[TierStandard].MaxDailyWithdrawal
	half := new(big.Int).Rsh(dailyCap, 1)

	if err := eng.ValidateWithdrawal(alice, dailyCap); err != nil {
		t.Fatalf("full cap in one go: %v", err)
	}
	eng.RecordWithdrawal(alice, half)
	eng.RecordWithdrawal(alice, half)

	if err := eng.ValidateWithdrawal(alice, big.NewInt(1)); !errors.Is(err, ErrWithdrawalCapped) {
		t.Fatalf("over cap: got %v, want ErrWithdrawalCapped", err)
	}

	// The accumulator is bucketed by UTC date.
	clock.advance(24 * time.Hour)
	if err := eng.ValidateWithdrawal(alice, dailyCap); err != nil {
		t.Fatalf("next day: %v", err)
	}
}
