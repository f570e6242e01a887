// Package broadcast fans typed events out to subscribers across four
// namespaces: orderbook channels keyed by (marketId, tokenId), balance
// channels keyed by user, a global settlement channel, and per-debate
// channels used by the debate platform. All namespaces share one
// heartbeat-based liveness tracker; stale subscribers are swept
// periodically and panicking callbacks are evicted on the spot.
package broadcast

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/util"
)

// SubID is a durable subscription handle. Subscribers are keyed by id, not
// by callback identity, so the tables survive serialization and the handle
// can cross process boundaries.
type SubID string

// Callback receives events for a subscription. A panic inside the callback
// evicts the subscription; it never propagates to the emitter.
type Callback func(Event)

// subscriber pairs a callback with a delivery mutex guaranteeing at most
// one concurrent delivery per subscriber.
type subscriber struct {
	id SubID
	fn Callback
	mu sync.Mutex
}

// channel is one keyed set of subscribers.
type channel struct {
	subs map[SubID]*subscriber
}

// Options tunes the liveness sweep.
type Options struct {
	SweepInterval    time.Duration // default 30s
	HeartbeatTimeout time.Duration // default 60s
}

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	return o
}

// Broadcaster delivers typed events to subscribed clients.
type Broadcaster struct {
	mu         sync.RWMutex
	orderbook  map[string]*channel // marketId:tokenId
	balance    map[string]*channel // lowercase user address
	settlement *channel
	debate     map[string]*channel // debateId
	byID       map[SubID]*channel  // reverse index for unsubscribe/evict
	heartbeats map[SubID]time.Time // shared liveness tracker

	opts  Options
	clock util.Clock
	log   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a broadcaster. Call StartSweeper to enable liveness cleanup.
func New(opts Options, clock util.Clock, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		orderbook:  make(map[string]*channel),
		balance:    make(map[string]*channel),
		settlement: &channel{subs: make(map[SubID]*subscriber)},
		debate:     make(map[string]*channel),
		byID:       make(map[SubID]*channel),
		heartbeats: make(map[SubID]time.Time),
		opts:       opts.withDefaults(),
		clock:      clock,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

func bookChannelKey(marketID common.Hash, tokenID *big.Int) string {
	return marketID.Hex() + ":" + tokenID.String()
}

func (b *Broadcaster) subscribe(ch *channel, fn Callback) (SubID, func()) {
	id := SubID(uuid.NewString())
	sub := &subscriber{id: id, fn: fn}
	ch.subs[id] = sub
	b.byID[id] = ch
	b.heartbeats[id] = b.clock.Now()
	return id, func() { b.Unsubscribe(id) }
}

// SubscribeOrderbook registers for book events on one (marketId, tokenId).
func (b *Broadcaster) SubscribeOrderbook(marketID common.Hash, tokenID *big.Int, fn Callback) (SubID, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bookChannelKey(marketID, tokenID)
	ch, ok := b.orderbook[key]
	if !ok {
		ch = &channel{subs: make(map[SubID]*subscriber)}
		b.orderbook[key] = ch
	}
	return b.subscribe(ch, fn)
}

// SubscribeBalance registers for balance events of one user.
func (b *Broadcaster) SubscribeBalance(user common.Address, fn Callback) (SubID, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := core.LowerHex(user)
	ch, ok := b.balance[key]
	if !ok {
		ch = &channel{subs: make(map[SubID]*subscriber)}
		b.balance[key] = ch
	}
	return b.subscribe(ch, fn)
}

// SubscribeSettlement registers for global settlement events.
func (b *Broadcaster) SubscribeSettlement(fn Callback) (SubID, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribe(b.settlement, fn)
}

// SubscribeDebate registers for events on one debate channel.
func (b *Broadcaster) SubscribeDebate(debateID string, fn Callback) (SubID, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.debate[debateID]
	if !ok {
		ch = &channel{subs: make(map[SubID]*subscriber)}
		b.debate[debateID] = ch
	}
	return b.subscribe(ch, fn)
}

// Unsubscribe removes a subscription by handle.
func (b *Broadcaster) Unsubscribe(id SubID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(id)
}

func (b *Broadcaster) dropLocked(id SubID) {
	if ch, ok := b.byID[id]; ok {
		delete(ch.subs, id)
	}
	delete(b.byID, id)
	delete(b.heartbeats, id)
}

// Heartbeat refreshes a subscriber's liveness timestamp.
func (b *Broadcaster) Heartbeat(id SubID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[id]; ok {
		b.heartbeats[id] = b.clock.Now()
	}
}

// Subscribers returns the total live subscription count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// deliver invokes every subscriber of a channel with the event, outside the
// namespace lock. Emission order within one channel is preserved because
// each Emit call runs deliveries synchronously.
func (b *Broadcaster) deliver(ch *channel, ev Event) {
	if ch == nil {
		return
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(ch.subs))
	for _, s := range ch.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliverOne(s, ev)
	}
}

func (b *Broadcaster) deliverOne(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("subscriber_evicted",
				zap.String("subscription", string(s.id)),
				zap.String("event", string(ev.Kind)),
				zap.Any("panic", r))
			b.Unsubscribe(s.id)
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn(ev)
}

// EmitOrderbook publishes an event on one (marketId, tokenId) channel.
func (b *Broadcaster) EmitOrderbook(kind Kind, marketID common.Hash, tokenID *big.Int, data interface{}) {
	ev := newEvent(kind, b.clock.Now(), data)
	ev.MarketID = marketID.Hex()
	ev.TokenID = tokenID.String()

	b.mu.RLock()
	ch := b.orderbook[bookChannelKey(marketID, tokenID)]
	b.mu.RUnlock()
	b.deliver(ch, ev)
}

// EmitBalance publishes a balance event to one user's channel.
func (b *Broadcaster) EmitBalance(user common.Address, data interface{}) {
	ev := newEvent(EventBalanceUpdate, b.clock.Now(), data)
	ev.User = core.LowerHex(user)

	b.mu.RLock()
	ch := b.balance[core.LowerHex(user)]
	b.mu.RUnlock()
	b.deliver(ch, ev)
}

// EmitSettlement publishes an event on the global settlement channel.
func (b *Broadcaster) EmitSettlement(kind Kind, data interface{}) {
	ev := newEvent(kind, b.clock.Now(), data)
	b.mu.RLock()
	ch := b.settlement
	b.mu.RUnlock()
	b.deliver(ch, ev)
}

// EmitDebate publishes an event on one debate channel.
func (b *Broadcaster) EmitDebate(kind Kind, debateID string, data interface{}) {
	ev := newEvent(kind, b.clock.Now(), data)
	ev.DebateID = debateID

	b.mu.RLock()
	ch := b.debate[debateID]
	b.mu.RUnlock()
	b.deliver(ch, ev)
}

// StartSweeper launches the periodic liveness sweep.
func (b *Broadcaster) StartSweeper() {
	go func() {
		ticker := time.NewTicker(b.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sweep()
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// sweep drops subscribers whose heartbeat is older than the timeout.
func (b *Broadcaster) sweep() {
	cutoff := b.clock.Now().Add(-b.opts.HeartbeatTimeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, beat := range b.heartbeats {
		if beat.Before(cutoff) {
			b.log.Info("subscriber_swept", zap.String("subscription", string(id)))
			b.dropLocked(id)
		}
	}
}
