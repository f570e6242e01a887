// Package core defines the shared vocabulary for the exchange: order and
// trade structures, side/match-type enums, and the fixed-point constants all
// amounts are denominated in. It has no dependencies on other engine
// packages, so it can be imported by any layer.
package core

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side represents the direction of an order: BUY or SELL.
// Encoded as uint8 in the signed wire format (0 = BUY, 1 = SELL).
type Side uint8

const (
	BUY  Side = 0
	SELL Side = 1
)

func (s Side) String() string {
	if s == SELL {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// SignatureType identifies the signing scheme bound into an order.
type SignatureType uint8

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // proxy wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// MatchType classifies how two orders were crossed.
//
//   - COMPLEMENTARY: a normal BUY vs SELL trade on the same token.
//   - MINT: two BUYs on complementary tokens whose prices sum to >= ONE;
//     collateral from both sides mints a full outcome set.
//   - MERGE: two SELLs whose prices sum to <= ONE; a full set is merged
//     back into collateral.
type MatchType string

const (
	MatchComplementary MatchType = "COMPLEMENTARY"
	MatchMint          MatchType = "MINT"
	MatchMerge         MatchType = "MERGE"
)

// CollateralTokenID is the settlement asset (token 0) against which all
// outcome tokens are priced.
var CollateralTokenID = big.NewInt(0)

// Order is a signed exchange order. Field order mirrors the typed-data
// struct hashed for signing, so it is normative and must not change.
type Order struct {
	Salt        *big.Int       `json:"salt"`
	Maker       common.Address `json:"maker"`
	Signer      common.Address `json:"signer"`
	Taker       common.Address `json:"taker"` // zero address = public order
	MarketID    common.Hash    `json:"marketId"`
	TokenID     *big.Int       `json:"tokenId"`
	Side        Side           `json:"side"`
	MakerAmount *big.Int       `json:"makerAmount"`
	TakerAmount *big.Int       `json:"takerAmount"`
	Expiration  *big.Int       `json:"expiration"` // unix seconds, 0 = never
	Nonce       *big.Int       `json:"nonce"`
	FeeRateBps  *big.Int       `json:"feeRateBps"`
	SigType     SignatureType  `json:"signatureType"`
}

// SignedOrder couples an order with its 65-byte [R || S || V] signature.
type SignedOrder struct {
	Order
	Signature []byte `json:"signature"`
}

// Price returns the normalized price of the order in [0, ONE].
//
//	BUY:  makerAmount (collateral in) * ONE / takerAmount (tokens out)
//	SELL: takerAmount (collateral out) * ONE / makerAmount (tokens in)
func (o *Order) Price() *big.Int {
	if o.Side == BUY {
		return MulDiv(o.MakerAmount, One, o.TakerAmount)
	}
	return MulDiv(o.TakerAmount, One, o.MakerAmount)
}

// TokenQuantity returns the outcome-token quantity of the order: the tokens
// a BUY wants to receive, or the tokens a SELL offers.
func (o *Order) TokenQuantity() *big.Int {
	if o.Side == BUY {
		return o.TakerAmount
	}
	return o.MakerAmount
}

// IsExpired reports whether the order's expiration has passed at t.
func (o *Order) IsExpired(t time.Time) bool {
	if o.Expiration == nil || o.Expiration.Sign() == 0 {
		return false
	}
	return o.Expiration.Cmp(big.NewInt(t.Unix())) < 0
}

// Trade is a completed fill between a taker and a resting maker order.
// Amount is in outcome tokens; Price is the maker's normalized price.
type Trade struct {
	ID             string         `json:"id"`
	TakerOrderHash common.Hash    `json:"takerOrderHash"`
	MakerOrderHash common.Hash    `json:"makerOrderHash"`
	Maker          common.Address `json:"maker"`
	Taker          common.Address `json:"taker"`
	TokenID        *big.Int       `json:"tokenId"`
	Amount         *big.Int       `json:"amount"`
	Price          *big.Int       `json:"price"`
	MatchType      MatchType      `json:"matchType"`
	Fee            *big.Int       `json:"fee"`
	FeeRateBps     *big.Int       `json:"feeRateBps"`
	Timestamp      int64          `json:"timestamp"` // unix milliseconds
}

// Cost returns the collateral value of the trade: price * amount / ONE.
func (t *Trade) Cost() *big.Int {
	return MulDiv(t.Price, t.Amount, One)
}

// LowerHex renders an address in the lowercase-canonical form used
// throughout the engine (addresses compare case-insensitively).
func LowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
