// Package orders is the intake pipeline in front of the matching engine.
// Every submitted order passes a fixed validation sequence of signature,
// nonce, balance, risk, and expiration checks before it is allowed to cross,
// and every rejection carries a wire-stable error code.
package orders

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/outcomex/clob/pkg/book"
	"github.com/outcomex/clob/pkg/broadcast"
	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/crypto"
	"github.com/outcomex/clob/pkg/ledger"
	"github.com/outcomex/clob/pkg/metrics"
	"github.com/outcomex/clob/pkg/risk"
	"github.com/outcomex/clob/pkg/settlement"
	"github.com/outcomex/clob/pkg/util"
)

// SubmitResult is the structured outcome of an order submission.
type SubmitResult struct {
	OrderHash common.Hash   `json:"orderHash"`
	Trades    []*core.Trade `json:"trades,omitempty"`
	Rejected  bool          `json:"rejected"`
	ErrorCode string        `json:"errorCode,omitempty"`
	Details   string        `json:"details,omitempty"`
}

type orderRecord struct {
	so          *core.SignedOrder
	makerAmount *big.Int
}

// Service validates, matches, and fans out orders.
type Service struct {
	signer *crypto.OrderSigner
	ledger *ledger.Ledger
	engine *book.Engine
	risk   *risk.Engine
	settle *settlement.Builder
	bcast  *broadcast.Broadcaster
	met    *metrics.Metrics
	clock  util.Clock
	log    *zap.Logger

	// makerMu serializes submissions per maker so the nonce check and the
	// engine insert are atomic for one account while distinct makers
	// proceed in parallel.
	makerMuMu sync.Mutex
	makerMu   map[common.Address]*sync.Mutex

	mu     sync.RWMutex
	live   map[common.Hash]*orderRecord // orders resting on a book
	paused bool
}

// NewService wires the pipeline. settle, bcast, and met may be nil.
func NewService(signer *crypto.OrderSigner, led *ledger.Ledger, engine *book.Engine, riskEng *risk.Engine, settle *settlement.Builder, bcast *broadcast.Broadcaster, met *metrics.Metrics, clock util.Clock, log *zap.Logger) *Service {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		signer:  signer,
		ledger:  led,
		engine:  engine,
		risk:    riskEng,
		settle:  settle,
		bcast:   bcast,
		met:     met,
		clock:   clock,
		log:     log.Named("orders"),
		makerMu: make(map[common.Address]*sync.Mutex),
		live:    make(map[common.Hash]*orderRecord),
	}
}

// SetPaused flips order intake. Cancels stay allowed while paused so users
// can always reduce exposure. Flipped by the reconciler on sustained drift.
func (s *Service) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

// Paused reports whether intake is currently paused.
func (s *Service) Paused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Service) isLive(hash common.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[hash]
	return ok
}

func (s *Service) lockMaker(maker common.Address) *sync.Mutex {
	s.makerMuMu.Lock()
	defer s.makerMuMu.Unlock()
	mu, ok := s.makerMu[maker]
	if !ok {
		mu = &sync.Mutex{}
		s.makerMu[maker] = mu
	}
	return mu
}

// Submit runs the full validation pipeline and, if the order is valid,
// hands it to the matching engine. The returned result always carries the
// order hash once the order could be hashed, even on rejection.
func (s *Service) Submit(so *core.SignedOrder) *SubmitResult {
	res := &SubmitResult{}
	if rej := s.submit(so, res); rej != nil {
		res.Rejected = true
		res.ErrorCode = rej.Code
		res.Details = rej.Details
		if s.met != nil {
			s.met.OrdersSubmitted.WithLabelValues("rejected").Inc()
			s.met.OrdersRejected.WithLabelValues(rej.Code).Inc()
		}
		maker := ""
		if so != nil {
			maker = core.LowerHex(so.Maker)
		}
		s.log.Info("order rejected",
			zap.String("maker", maker),
			zap.String("code", rej.Code),
			zap.String("details", rej.Details))
		return res
	}
	if s.met != nil {
		s.met.OrdersSubmitted.WithLabelValues("accepted").Inc()
	}
	return res
}

func (s *Service) submit(so *core.SignedOrder, res *SubmitResult) *Rejection {
	if so == nil || so.MakerAmount == nil || so.TakerAmount == nil || so.TokenID == nil || so.Nonce == nil {
		return reject(CodeInvalidOrder, "missing required fields")
	}
	if !core.IsPositive(so.MakerAmount) || !core.IsPositive(so.TakerAmount) {
		return reject(CodeInvalidOrder, "amounts must be positive")
	}
	if so.TokenID.Sign() <= 0 {
		return reject(CodeInvalidOrder, "tokenId must reference an outcome token")
	}
	if s.Paused() {
		return reject(CodeTradingPaused, "order intake is paused")
	}

	hash, err := s.signer.HashOrder(&so.Order)
	if err != nil {
		return reject(CodeInvalidOrder, "unhashable order: %v", err)
	}
	res.OrderHash = hash

	ok, err := s.signer.VerifyOrder(so)
	if err != nil || !ok {
		return reject(CodeInvalidSignature, "signature does not recover to signer")
	}

	mu := s.lockMaker(so.Maker)
	mu.Lock()
	defer mu.Unlock()

	// The hash binds the full order body, so a repeat submission of the
	// same signed order resolves to a hash that is still live or resting.
	// Accepting it again would double-lock the maker and rest a second
	// book entry under one hash.
	if s.isLive(hash) || s.engine.Lookup(hash) != nil {
		return reject(CodeInvalidOrder, "order %s already submitted", hash.Hex())
	}

	if so.Nonce.Cmp(s.ledger.GetNonce(so.Maker)) != 0 {
		return reject(CodeInvalidNonce, "nonce %s does not match current nonce %s",
			so.Nonce, s.ledger.GetNonce(so.Maker))
	}

	// Only the available portion counts. Funds locked under resting orders
	// cannot back a new one.
	resource := core.CollateralTokenID
	if so.Side == core.SELL {
		resource = so.TokenID
	}
	if !s.ledger.HasSufficient(so.Maker, resource, so.MakerAmount) {
		return reject(CodeInsufficientBalance, "available balance below %s for token %s",
			so.MakerAmount, resource)
	}

	if err := s.risk.ValidateOrder(so.Maker, so.MakerAmount); err != nil {
		return reject(CodeRiskLimitExceeded, "%v", err)
	}

	if so.Order.IsExpired(s.clock.Now()) {
		return reject(CodeOrderExpired, "order expired at %s", so.Expiration)
	}

	trades, err := s.engine.AddOrder(so, hash)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			return reject(CodeInsufficientBalance, "%v", err)
		default:
			return reject(CodeInvalidOrder, "%v", err)
		}
	}
	res.Trades = trades

	s.risk.RecordOrder(so.Maker, hash, so.MakerAmount)
	if s.settle != nil {
		s.settle.RegisterOrder(so, hash)
		s.settle.Enqueue(trades...)
	}

	s.mu.Lock()
	s.live[hash] = &orderRecord{so: so, makerAmount: so.MakerAmount}
	s.mu.Unlock()

	s.afterMatch(so, hash, trades)
	return nil
}

// afterMatch releases risk exposure for fully-filled orders and fans out
// the book, trade, and balance events a submission produced.
func (s *Service) afterMatch(so *core.SignedOrder, hash common.Hash, trades []*core.Trade) {
	for _, t := range trades {
		s.retireIfFilled(t.MakerOrderHash, so.MarketID, so.TokenID)
		if s.met != nil {
			s.met.TradesExecuted.WithLabelValues(string(t.MatchType)).Inc()
			cost, _ := new(big.Float).SetInt(t.Cost()).Float64()
			s.met.TradeVolume.Add(cost)
			fee, _ := new(big.Float).SetInt(t.Fee).Float64()
			s.met.FeesCollected.Add(fee)
		}
		if s.bcast != nil {
			s.bcast.EmitOrderbook(broadcast.EventTrade, so.MarketID, so.TokenID, t)
			s.emitBalance(t.Maker)
			s.emitBalance(t.Taker)
		}
	}
	// The taker itself may have filled completely.
	s.retireIfFilled(hash, so.MarketID, so.TokenID)

	if s.bcast != nil {
		if s.engine.Lookup(hash) != nil {
			s.bcast.EmitOrderbook(broadcast.EventOrderAdded, so.MarketID, so.TokenID, map[string]interface{}{
				"orderHash": hash.Hex(),
				"maker":     core.LowerHex(so.Maker),
				"side":      so.Side.String(),
				"price":     so.Order.Price().String(),
			})
		}
		if len(trades) > 0 {
			b := s.engine.Book(so.MarketID, so.TokenID)
			s.bcast.EmitOrderbook(broadcast.EventPriceUpdate, so.MarketID, so.TokenID, map[string]interface{}{
				"bestBid": bigString(b.BestBid()),
				"bestAsk": bigString(b.BestAsk()),
			})
		}
	}
	if s.met != nil {
		s.met.OpenOrders.Set(float64(s.engine.OpenOrders()))
		if s.settle != nil {
			s.met.PendingTrades.Set(float64(s.settle.PendingCount()))
		}
	}
}

// retireIfFilled drops service-side state for an order that no longer
// rests on any book.
func (s *Service) retireIfFilled(hash common.Hash, marketID common.Hash, tokenID *big.Int) {
	if s.engine.Lookup(hash) != nil {
		return
	}
	s.mu.Lock()
	rec, ok := s.live[hash]
	if ok {
		delete(s.live, hash)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.risk.ReleaseOrder(rec.so.Maker, hash, rec.makerAmount)
	if s.bcast != nil {
		s.bcast.EmitOrderbook(broadcast.EventOrderRemoved, marketID, tokenID, map[string]interface{}{
			"orderHash": hash.Hex(),
			"reason":    "filled",
		})
	}
}

// Cancel removes a resting order. Only the maker may cancel; the residual
// lock is released and the order is excluded from future settlement cuts.
func (s *Service) Cancel(hash common.Hash, caller common.Address) error {
	entry := s.engine.Lookup(hash)
	if err := s.engine.Cancel(hash, caller); err != nil {
		switch {
		case errors.Is(err, book.ErrOrderNotFound):
			return reject(CodeOrderNotFound, "no resting order %s", hash.Hex())
		case errors.Is(err, book.ErrNotOwner):
			return reject(CodeOrderNotOwned, "caller is not the maker of %s", hash.Hex())
		default:
			return reject(CodeInvalidOrder, "%v", err)
		}
	}

	s.mu.Lock()
	rec, ok := s.live[hash]
	if ok {
		delete(s.live, hash)
	}
	s.mu.Unlock()
	if ok {
		s.risk.ReleaseOrder(rec.so.Maker, hash, rec.makerAmount)
	}
	if s.settle != nil {
		s.settle.MarkCancelled(hash)
	}
	if s.met != nil {
		s.met.OrdersCancelled.Inc()
		s.met.OpenOrders.Set(float64(s.engine.OpenOrders()))
	}
	if s.bcast != nil && entry != nil {
		so := entry.Order
		s.bcast.EmitOrderbook(broadcast.EventOrderRemoved, so.MarketID, so.TokenID, map[string]interface{}{
			"orderHash": hash.Hex(),
			"reason":    "cancelled",
		})
		s.emitBalance(caller)
	}
	s.log.Info("order cancelled",
		zap.String("hash", hash.Hex()),
		zap.String("maker", core.LowerHex(caller)))
	return nil
}

// Deposit credits collateral or outcome tokens to a user.
func (s *Service) Deposit(user common.Address, tokenID, amount *big.Int) error {
	if err := s.ledger.Credit(user, tokenID, amount); err != nil {
		return err
	}
	s.emitBalance(user)
	return nil
}

// Withdraw debits available funds after the risk engine's daily cap check.
// Only collateral withdrawals count against the cap.
func (s *Service) Withdraw(user common.Address, tokenID, amount *big.Int) error {
	isCollateral := tokenID.Cmp(core.CollateralTokenID) == 0
	if isCollateral {
		if err := s.risk.ValidateWithdrawal(user, amount); err != nil {
			return reject(CodeRiskLimitExceeded, "%v", err)
		}
	}
	if err := s.ledger.Debit(user, tokenID, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrUserNotFound) {
			return reject(CodeInsufficientBalance, "%v", err)
		}
		return err
	}
	if isCollateral {
		s.risk.RecordWithdrawal(user, amount)
	}
	s.emitBalance(user)
	return nil
}

func (s *Service) emitBalance(user common.Address) {
	if s.bcast == nil {
		return
	}
	collateral := s.ledger.GetBalance(user, core.CollateralTokenID)
	s.bcast.EmitBalance(user, map[string]interface{}{
		"user":      core.LowerHex(user),
		"tokenId":   core.CollateralTokenID.String(),
		"available": collateral.Available.String(),
		"locked":    collateral.Locked.String(),
	})
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
