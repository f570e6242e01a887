package book

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/ledger"
	"github.com/outcomex/clob/pkg/util"
)

var (
	alice    = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol    = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	operator = common.HexToAddress("0xFE00000000000000000000000000000000000000")

	market = common.HexToHash("0x01")
	token1 = big.NewInt(1)
)

func ones(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), core.One)
}

// tenths returns n/10 scaled to base units.
func tenths(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Div(core.One, big.NewInt(10)))
}

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger) {
	t.Helper()
	led := ledger.New(nil, nil)
	return NewEngine(led, operator, util.RealClock{}, nil), led
}

var hashCounter int64

func nextHash() common.Hash {
	hashCounter++
	return common.BigToHash(big.NewInt(hashCounter))
}

func signedOrder(maker common.Address, side core.Side, makerAmount, takerAmount *big.Int, feeBps int64) *core.SignedOrder {
	return &core.SignedOrder{
		Order: core.Order{
			Salt:        big.NewInt(1),
			Maker:       maker,
			Signer:      maker,
			MarketID:    market,
			TokenID:     token1,
			Side:        side,
			MakerAmount: makerAmount,
			TakerAmount: takerAmount,
			Expiration:  big.NewInt(0),
			Nonce:       big.NewInt(0),
			FeeRateBps:  big.NewInt(feeBps),
			SigType:     core.SigEOA,
		},
	}
}

func collateralSupply(led *ledger.Ledger) *big.Int {
	sum := new(big.Int)
	for _, e := range led.Snapshot() {
		if e.TokenID.Sign() == 0 {
			sum.Add(sum, e.Balance.Available)
			sum.Add(sum, e.Balance.Locked)
		}
	}
	return sum
}

// Alice sells 10 tokens at 0.60, Bob buys 10 at 0.60. One full cross.
func TestSimpleCross(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))
	led.Credit(bob, core.CollateralTokenID, ones(6))

	sell := signedOrder(alice, core.SELL, ones(10), ones(6), 0)
	if _, err := e.AddOrder(sell, nextHash()); err != nil {
		t.Fatalf("add sell: %v", err)
	}

	buy := signedOrder(bob, core.BUY, ones(6), ones(10), 0)
	trades, err := e.AddOrder(buy, nextHash())
	if err != nil {
		t.Fatalf("add buy: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades: got %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Amount.Cmp(ones(10)) != 0 {
		t.Errorf("amount: got %s, want %s", tr.Amount, ones(10))
	}
	if tr.Price.Cmp(tenths(6)) != 0 {
		t.Errorf("price: got %s, want %s", tr.Price, tenths(6))
	}
	if tr.MatchType != core.MatchComplementary {
		t.Errorf("match type: got %s", tr.MatchType)
	}

	bobTokens := led.GetBalance(bob, token1)
	if bobTokens.Available.Cmp(ones(10)) != 0 {
		t.Errorf("bob tokens: got %s, want %s", bobTokens.Available, ones(10))
	}
	aliceColl := led.GetBalance(alice, core.CollateralTokenID)
	if aliceColl.Available.Cmp(ones(6)) != 0 {
		t.Errorf("alice collateral: got %s, want %s", aliceColl.Available, ones(6))
	}
	bobColl := led.GetBalance(bob, core.CollateralTokenID)
	if bobColl.Available.Sign() != 0 || bobColl.Locked.Sign() != 0 {
		t.Errorf("bob collateral not fully spent: %s/%s", bobColl.Available, bobColl.Locked)
	}
	aliceTokens := led.GetBalance(alice, token1)
	if aliceTokens.Available.Sign() != 0 || aliceTokens.Locked.Sign() != 0 {
		t.Errorf("alice tokens not fully delivered: %s/%s", aliceTokens.Available, aliceTokens.Locked)
	}

	if e.OpenOrders() != 0 {
		t.Errorf("open orders: got %d, want 0", e.OpenOrders())
	}
}

// The trade executes at the resting maker's price, not the taker's limit,
// and the taker is refunded the difference.
func TestMakerPriceWins(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))
	led.Credit(bob, core.CollateralTokenID, ones(7))

	// Alice asks 0.50.
	sell := signedOrder(alice, core.SELL, ones(10), ones(5), 0)
	e.AddOrder(sell, nextHash())

	// Bob bids 0.70.
	buy := signedOrder(bob, core.BUY, ones(7), ones(10), 0)
	trades, err := e.AddOrder(buy, nextHash())
	if err != nil {
		t.Fatalf("add buy: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades: got %d, want 1", len(trades))
	}
	if trades[0].Price.Cmp(tenths(5)) != 0 {
		t.Errorf("execution price: got %s, want maker's 0.5", trades[0].Price)
	}

	// Bob paid 5 and was refunded 2.
	bobColl := led.GetBalance(bob, core.CollateralTokenID)
	if bobColl.Available.Cmp(ones(2)) != 0 {
		t.Errorf("bob refund: got %s, want %s", bobColl.Available, ones(2))
	}
	if bobColl.Locked.Sign() != 0 {
		t.Errorf("bob still locked: %s", bobColl.Locked)
	}
}

func TestPriceTimePriority(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(5))
	led.Credit(carol, token1, ones(5))
	led.Credit(bob, core.CollateralTokenID, ones(10))

	// Alice rests first at 0.60, Carol second at the same price.
	aliceSell := signedOrder(alice, core.SELL, ones(5), ones(3), 0)
	e.AddOrder(aliceSell, nextHash())
	carolSell := signedOrder(carol, core.SELL, ones(5), ones(3), 0)
	e.AddOrder(carolSell, nextHash())

	// Bob takes 7 at 0.60: Alice fills fully, Carol partially.
	buy := signedOrder(bob, core.BUY, new(big.Int).Add(ones(4), tenths(2)), ones(7), 0)
	trades, err := e.AddOrder(buy, nextHash())
	if err != nil {
		t.Fatalf("add buy: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades: got %d, want 2", len(trades))
	}
	if trades[0].Maker != alice {
		t.Errorf("first fill maker: got %s, want alice", trades[0].Maker.Hex())
	}
	if trades[0].Amount.Cmp(ones(5)) != 0 {
		t.Errorf("first fill amount: got %s, want 5", trades[0].Amount)
	}
	if trades[1].Maker != carol {
		t.Errorf("second fill maker: got %s, want carol", trades[1].Maker.Hex())
	}
	if trades[1].Amount.Cmp(ones(2)) != 0 {
		t.Errorf("second fill amount: got %s, want 2", trades[1].Amount)
	}

	// Carol's residual 3 still rests.
	if e.OpenOrders() != 1 {
		t.Errorf("open orders: got %d, want 1", e.OpenOrders())
	}
}

func TestBetterPriceFillsFirst(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(5))
	led.Credit(carol, token1, ones(5))
	led.Credit(bob, core.CollateralTokenID, ones(10))

	// Alice asks 0.60, Carol asks 0.50. Carol is the better ask.
	e.AddOrder(signedOrder(alice, core.SELL, ones(5), ones(3), 0), nextHash())
	e.AddOrder(signedOrder(carol, core.SELL, ones(5), new(big.Int).Add(ones(2), tenths(5)), 0), nextHash())

	buy := signedOrder(bob, core.BUY, ones(6), ones(10), 0)
	trades, err := e.AddOrder(buy, nextHash())
	if err != nil {
		t.Fatalf("add buy: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades: got %d, want 2", len(trades))
	}
	if trades[0].Maker != carol || trades[0].Price.Cmp(tenths(5)) != 0 {
		t.Errorf("first fill: maker %s price %s, want carol at 0.5", trades[0].Maker.Hex(), trades[0].Price)
	}
	if trades[1].Maker != alice || trades[1].Price.Cmp(tenths(6)) != 0 {
		t.Errorf("second fill: maker %s price %s, want alice at 0.6", trades[1].Maker.Hex(), trades[1].Price)
	}
}

func TestNoCrossOutsideLimit(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))
	led.Credit(bob, core.CollateralTokenID, ones(5))

	// Alice asks 0.60; Bob bids 0.50. No trade, both rest.
	e.AddOrder(signedOrder(alice, core.SELL, ones(10), ones(6), 0), nextHash())
	trades, err := e.AddOrder(signedOrder(bob, core.BUY, ones(5), ones(10), 0), nextHash())
	if err != nil {
		t.Fatalf("add buy: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("no trade expected, got %d", len(trades))
	}
	if e.OpenOrders() != 2 {
		t.Errorf("open orders: got %d, want 2", e.OpenOrders())
	}

	b := e.Book(market, token1)
	if best := b.BestAsk(); best.Cmp(tenths(6)) != 0 {
		t.Errorf("best ask: got %s, want 0.6", best)
	}
	if best := b.BestBid(); best.Cmp(tenths(5)) != 0 {
		t.Errorf("best bid: got %s, want 0.5", best)
	}
}

func TestCancelReleasesLock(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))

	hash := nextHash()
	if _, err := e.AddOrder(signedOrder(alice, core.SELL, ones(10), ones(6), 0), hash); err != nil {
		t.Fatalf("add: %v", err)
	}
	b := led.GetBalance(alice, token1)
	if b.Locked.Cmp(ones(10)) != 0 {
		t.Fatalf("locked: got %s, want 10", b.Locked)
	}

	if err := e.Cancel(hash, bob); err != ErrNotOwner {
		t.Errorf("foreign cancel: got %v, want ErrNotOwner", err)
	}
	if err := e.Cancel(hash, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	b = led.GetBalance(alice, token1)
	if b.Available.Cmp(ones(10)) != 0 || b.Locked.Sign() != 0 {
		t.Errorf("after cancel: available=%s locked=%s", b.Available, b.Locked)
	}

	if err := e.Cancel(hash, alice); err != ErrOrderNotFound {
		t.Errorf("double cancel: got %v, want ErrOrderNotFound", err)
	}
	if e.Lookup(hash) != nil {
		t.Error("cancelled order still resting")
	}
}

func TestCancelPartiallyFilled(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))
	led.Credit(bob, core.CollateralTokenID, ones(3))

	hash := nextHash()
	e.AddOrder(signedOrder(alice, core.SELL, ones(10), ones(6), 0), hash)

	// Bob takes 5 of Alice's 10.
	buy := signedOrder(bob, core.BUY, ones(3), ones(5), 0)
	if _, err := e.AddOrder(buy, nextHash()); err != nil {
		t.Fatalf("add buy: %v", err)
	}

	entry := e.Lookup(hash)
	if entry == nil || entry.Remaining.Cmp(ones(5)) != 0 {
		t.Fatalf("remaining: got %v, want 5", entry)
	}

	if err := e.Cancel(hash, alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	b := led.GetBalance(alice, token1)
	if b.Available.Cmp(ones(5)) != 0 || b.Locked.Sign() != 0 {
		t.Errorf("after cancel: available=%s locked=%s", b.Available, b.Locked)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(5))

	// Alice offers more tokens than she holds.
	if _, err := e.AddOrder(signedOrder(alice, core.SELL, ones(10), ones(6), 0), nextHash()); err == nil {
		t.Error("underfunded order accepted")
	}
	b := led.GetBalance(alice, token1)
	if b.Locked.Sign() != 0 {
		t.Errorf("failed order left a lock: %s", b.Locked)
	}
}

func TestFeeChargedToCollateralReceiver(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))
	led.Credit(bob, core.CollateralTokenID, ones(6))

	// Alice's resting sell carries 20bps. Taker is a BUY, so the seller
	// (collateral receiver) pays at her own rate.
	e.AddOrder(signedOrder(alice, core.SELL, ones(10), ones(6), 20), nextHash())
	trades, err := e.AddOrder(signedOrder(bob, core.BUY, ones(6), ones(10), 50), nextHash())
	if err != nil {
		t.Fatalf("add buy: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades: got %d", len(trades))
	}

	// fee = 20 * min(0.6, 0.4) * 10 / 10000 = 0.008
	wantFee, _ := new(big.Int).SetString("8000000000000000", 10)
	if trades[0].Fee.Cmp(wantFee) != 0 {
		t.Errorf("fee: got %s, want %s", trades[0].Fee, wantFee)
	}

	op := led.GetBalance(operator, core.CollateralTokenID)
	if op.Available.Cmp(wantFee) != 0 {
		t.Errorf("operator balance: got %s, want %s", op.Available, wantFee)
	}
	aliceColl := led.GetBalance(alice, core.CollateralTokenID)
	wantAlice := new(big.Int).Sub(ones(6), wantFee)
	if aliceColl.Available.Cmp(wantAlice) != 0 {
		t.Errorf("alice net: got %s, want %s", aliceColl.Available, wantAlice)
	}
}

func TestCollateralConservation(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))
	led.Credit(carol, token1, ones(10))
	led.Credit(bob, core.CollateralTokenID, ones(20))

	before := collateralSupply(led)

	e.AddOrder(signedOrder(alice, core.SELL, ones(10), ones(6), 20), nextHash())
	e.AddOrder(signedOrder(carol, core.SELL, ones(10), ones(7), 20), nextHash())
	e.AddOrder(signedOrder(bob, core.BUY, ones(14), ones(20), 20), nextHash())

	after := collateralSupply(led)
	if before.Cmp(after) != 0 {
		t.Errorf("collateral supply changed: before=%s after=%s", before, after)
	}
}

func TestBookSnapshot(t *testing.T) {
	e, led := newTestEngine(t)
	led.Credit(alice, token1, ones(10))
	led.Credit(bob, core.CollateralTokenID, ones(10))

	e.AddOrder(signedOrder(alice, core.SELL, ones(4), new(big.Int).Add(ones(2), tenths(4)), 0), nextHash()) // ask 0.6
	e.AddOrder(signedOrder(alice, core.SELL, ones(6), new(big.Int).Add(ones(4), tenths(2)), 0), nextHash()) // ask 0.7
	e.AddOrder(signedOrder(bob, core.BUY, ones(1), ones(2), 0), nextHash())                                 // bid 0.5

	bids, asks := e.Book(market, token1).Snapshot()
	if len(bids) != 1 || len(asks) != 2 {
		t.Fatalf("levels: bids=%d asks=%d", len(bids), len(asks))
	}
	if asks[0].Price.Cmp(tenths(6)) != 0 {
		t.Errorf("best ask first: got %s", asks[0].Price)
	}
	if asks[0].Quantity.Cmp(ones(4)) != 0 {
		t.Errorf("ask size: got %s, want 4", asks[0].Quantity)
	}
	if bids[0].Price.Cmp(tenths(5)) != 0 {
		t.Errorf("bid price: got %s", bids[0].Price)
	}
}
