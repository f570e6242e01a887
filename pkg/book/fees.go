package book

import (
	"math/big"

	"github.com/outcomex/clob/pkg/core"
)

// CalcFee computes the trade fee in collateral base units:
//
//	fee = feeRateBps * min(price, ONE - price) * amount / (BPS * ONE)
//
// The formula is symmetric around price 0.5 (where it is maximized) and
// linear in amount and rate, subject to integer-division rounding. A trade
// at price p on one outcome token is a trade at ONE-p on the complement, so
// the fee must not depend on which token the pair happens to be quoted in.
func CalcFee(feeRateBps, price, amount *big.Int) *big.Int {
	if feeRateBps == nil || feeRateBps.Sign() <= 0 {
		return new(big.Int)
	}
	complement := new(big.Int).Sub(core.One, price)
	base := core.MinBig(price, complement)

	fee := new(big.Int).Mul(feeRateBps, base)
	fee.Mul(fee, amount)
	den := new(big.Int).Mul(core.BpsDivisor, core.One)
	return fee.Quo(fee, den)
}

// Classify determines the match type for a pair of orders and whether the
// pair is economically matchable. Symmetric in argument order.
//
//   - Opposite sides: COMPLEMENTARY, always matchable (price crossing is
//     the book's concern, not the classifier's).
//   - Both BUY: MINT iff the normalized prices sum to >= ONE (the combined
//     collateral covers minting a full outcome set).
//   - Both SELL: MERGE iff the prices sum to <= ONE (a full set can be
//     merged back to collateral without overpaying either seller).
func Classify(a, b *core.Order) (core.MatchType, bool) {
	if a.Side != b.Side {
		return core.MatchComplementary, true
	}
	sum := new(big.Int).Add(a.Price(), b.Price())
	if a.Side == core.BUY {
		return core.MatchMint, sum.Cmp(core.One) >= 0
	}
	return core.MatchMerge, sum.Cmp(core.One) <= 0
}

// CanMint reports whether two BUY orders can mint a full outcome set.
func CanMint(a, b *core.Order) bool {
	if a.Side != core.BUY || b.Side != core.BUY {
		return false
	}
	_, ok := Classify(a, b)
	return ok
}

// CanMerge reports whether two SELL orders can merge a full set.
func CanMerge(a, b *core.Order) bool {
	if a.Side != core.SELL || b.Side != core.SELL {
		return false
	}
	_, ok := Classify(a, b)
	return ok
}
