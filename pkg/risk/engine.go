// Package risk enforces per-user trading limits: order size, open exposure,
// order rate, and daily withdrawal caps. Limits resolve with precedence
// custom per-user override > tier default > STANDARD default.
package risk

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/util"
)

// Tier is a named limit bracket.
type Tier string

const (
	TierStandard Tier = "STANDARD"
	TierPremium  Tier = "PREMIUM"
	TierVIP      Tier = "VIP"
)

// Limits is the resolved set of caps applied to a user.
type Limits struct {
	MaxOrderSize       *big.Int // max makerAmount per order
	MaxExposure        *big.Int // max sum of open makerAmounts
	MaxOrdersPerMinute int
	MaxDailyWithdrawal *big.Int
}

func pow10(exp int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
}

// DefaultTierLimits returns the built-in tier table.
func DefaultTierLimits() map[Tier]Limits {
	return map[Tier]Limits{
		TierStandard: {
			MaxOrderSize:       pow10(23),
			MaxExposure:        pow10(24),
			MaxOrdersPerMinute: 30,
			MaxDailyWithdrawal: pow10(23),
		},
		TierPremium: {
			MaxOrderSize:       pow10(24),
			MaxExposure:        pow10(25),
			MaxOrdersPerMinute: 60,
			MaxDailyWithdrawal: pow10(24),
		},
		TierVIP: {
			MaxOrderSize:       pow10(25),
			MaxExposure:        pow10(26),
			MaxOrdersPerMinute: 120,
			MaxDailyWithdrawal: pow10(25),
		},
	}
}

// Rejection reasons returned by validation.
var (
	ErrOrderTooLarge    = errors.New("risk: order size exceeds limit")
	ErrExposureExceeded = errors.New("risk: exposure limit exceeded")
	ErrRateLimited      = errors.New("risk: order rate limit exceeded")
	ErrWithdrawalCapped = errors.New("risk: daily withdrawal limit exceeded")
)

const (
	rateWindow = 60 * time.Second
	// Timestamp buffer bound. Anything beyond the newest 100 entries can
	// never matter for a per-minute rate check at the supported tiers.
	maxTimestamps = 100
)

// userState is the per-user risk row.
type userState struct {
	tier            Tier
	custom          *Limits // non-nil overrides the tier
	orderTimestamps []time.Time
	exposure        *big.Int
	dailyWithdrawal map[string]*big.Int // "2006-01-02" -> withdrawn
	activeOrders    map[common.Hash]struct{}
}

// Engine tracks risk state for all users. Rows are per-user exclusive;
// a single mutex guards the map.
type Engine struct {
	mu    sync.Mutex
	users map[common.Address]*userState
	tiers map[Tier]Limits
	clock util.Clock
	log   *zap.Logger
}

// NewEngine creates a risk engine with the given tier table (nil uses the
// built-in defaults).
func NewEngine(tiers map[Tier]Limits, clock util.Clock, log *zap.Logger) *Engine {
	if tiers == nil {
		tiers = DefaultTierLimits()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("risk")
	return &Engine{
		users: make(map[common.Address]*userState),
		tiers: tiers,
		clock: clock,
		log:   log,
	}
}

func (e *Engine) state(user common.Address) *userState {
	s, ok := e.users[user]
	if !ok {
		s = &userState{
			tier:            TierStandard,
			exposure:        new(big.Int),
			dailyWithdrawal: make(map[string]*big.Int),
			activeOrders:    make(map[common.Hash]struct{}),
		}
		e.users[user] = s
	}
	return s
}

func (e *Engine) limitsLocked(s *userState) Limits {
	if s.custom != nil {
		return *s.custom
	}
	if l, ok := e.tiers[s.tier]; ok {
		return l
	}
	return e.tiers[TierStandard]
}

// SetTier assigns a tier to a user and clears any custom override.
func (e *Engine) SetTier(user common.Address, tier Tier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state(user)
	s.tier = tier
	s.custom = nil
	e.log.Info("tier assigned",
		zap.String("user", core.LowerHex(user)),
		zap.String("tier", string(tier)))
}

// SetCustomLimits installs per-user limits that take precedence over the
// user's tier.
func (e *Engine) SetCustomLimits(user common.Address, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(user).custom = &limits
	e.log.Info("custom limits installed", zap.String("user", core.LowerHex(user)))
}

// Limits returns the limits currently applied to a user.
func (e *Engine) Limits(user common.Address) Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limitsLocked(e.state(user))
}

// ValidateOrder checks, in order: order size, projected exposure, and the
// trailing-minute order rate. It does not record anything.
func (e *Engine) ValidateOrder(user common.Address, makerAmount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state(user)
	limits := e.limitsLocked(s)

	if makerAmount.Cmp(limits.MaxOrderSize) > 0 {
		return ErrOrderTooLarge
	}
	projected := new(big.Int).Add(s.exposure, makerAmount)
	if projected.Cmp(limits.MaxExposure) > 0 {
		return ErrExposureExceeded
	}

	cutoff := e.clock.Now().Add(-rateWindow)
	recent := 0
	for _, ts := range s.orderTimestamps {
		if ts.After(cutoff) {
			recent++
		}
	}
	if recent >= limits.MaxOrdersPerMinute {
		return ErrRateLimited
	}
	return nil
}

// RecordOrder registers an accepted order: exposure grows by makerAmount
// and the rate window gains a timestamp.
func (e *Engine) RecordOrder(user common.Address, orderHash common.Hash, makerAmount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state(user)
	s.exposure.Add(s.exposure, makerAmount)
	s.activeOrders[orderHash] = struct{}{}
	s.orderTimestamps = append(s.orderTimestamps, e.clock.Now())
	if len(s.orderTimestamps) > maxTimestamps {
		s.orderTimestamps = s.orderTimestamps[len(s.orderTimestamps)-maxTimestamps:]
	}
}

// ReleaseOrder returns exposure when an order fills or is cancelled.
// Exposure never goes below zero.
func (e *Engine) ReleaseOrder(user common.Address, orderHash common.Hash, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state(user)
	s.exposure.Sub(s.exposure, amount)
	if s.exposure.Sign() < 0 {
		s.exposure.SetInt64(0)
	}
	delete(s.activeOrders, orderHash)
}

// Exposure returns the user's current open exposure.
func (e *Engine) Exposure(user common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.state(user).exposure)
}

// ActiveOrders returns the number of orders currently counted against the
// user's exposure.
func (e *Engine) ActiveOrders(user common.Address) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state(user).activeOrders)
}

// ValidateWithdrawal checks the date-bucketed withdrawal accumulator
// against the daily cap.
func (e *Engine) ValidateWithdrawal(user common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state(user)
	limits := e.limitsLocked(s)

	bucket := e.clock.Now().UTC().Format("2006-01-02")
	withdrawn := s.dailyWithdrawal[bucket]
	if withdrawn == nil {
		withdrawn = new(big.Int)
	}
	projected := new(big.Int).Add(withdrawn, amount)
	if projected.Cmp(limits.MaxDailyWithdrawal) > 0 {
		return ErrWithdrawalCapped
	}
	return nil
}

// RecordWithdrawal adds to today's withdrawal bucket.
func (e *Engine) RecordWithdrawal(user common.Address, amount *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state(user)
	bucket := e.clock.Now().UTC().Format("2006-01-02")
	if s.dailyWithdrawal[bucket] == nil {
		s.dailyWithdrawal[bucket] = new(big.Int)
	}
	s.dailyWithdrawal[bucket].Add(s.dailyWithdrawal[bucket], amount)
}
