package api

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/outcomex/clob/pkg/core"
)

// collateralDecimals scales human-readable amounts to base units.
const collateralDecimals = 18

// OrderRequest is the wire form of a signed order. Numeric fields arrive
// as decimal strings so precision survives JSON.
type OrderRequest struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	MarketID      string `json:"marketId"`
	TokenID       string `json:"tokenId"`
	Side          string `json:"side"` // "BUY" or "SELL"
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType uint8  `json:"signatureType"`
	Signature     string `json:"signature"` // 0x-prefixed hex, 65 bytes
}

func parseBig(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", field, s)
	}
	return v, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// ToSignedOrder converts the wire form into the engine's order type.
func (r *OrderRequest) ToSignedOrder() (*core.SignedOrder, error) {
	var side core.Side
	switch strings.ToUpper(r.Side) {
	case "BUY":
		side = core.BUY
	case "SELL":
		side = core.SELL
	default:
		return nil, fmt.Errorf("invalid side: %q", r.Side)
	}

	maker, err := parseAddress("maker", r.Maker)
	if err != nil {
		return nil, err
	}
	signer, err := parseAddress("signer", r.Signer)
	if err != nil {
		return nil, err
	}
	taker, err := parseAddress("taker", r.Taker)
	if err != nil {
		return nil, err
	}

	salt, err := parseBig("salt", r.Salt)
	if err != nil {
		return nil, err
	}
	tokenID, err := parseBig("tokenId", r.TokenID)
	if err != nil {
		return nil, err
	}
	makerAmount, err := parseBig("makerAmount", r.MakerAmount)
	if err != nil {
		return nil, err
	}
	takerAmount, err := parseBig("takerAmount", r.TakerAmount)
	if err != nil {
		return nil, err
	}
	expiration, err := parseBig("expiration", r.Expiration)
	if err != nil {
		return nil, err
	}
	nonce, err := parseBig("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}
	feeRateBps, err := parseBig("feeRateBps", r.FeeRateBps)
	if err != nil {
		return nil, err
	}

	sig := strings.TrimPrefix(r.Signature, "0x")
	sigBytes := common.FromHex("0x" + sig)
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	return &core.SignedOrder{
		Order: core.Order{
			Salt:        salt,
			Maker:       maker,
			Signer:      signer,
			Taker:       taker,
			MarketID:    common.HexToHash(r.MarketID),
			TokenID:     tokenID,
			Side:        side,
			MakerAmount: makerAmount,
			TakerAmount: takerAmount,
			Expiration:  expiration,
			Nonce:       nonce,
			FeeRateBps:  feeRateBps,
			SigType:     core.SignatureType(r.SignatureType),
		},
		Signature: sigBytes,
	}, nil
}

// FundsRequest is the body for deposit and withdrawal calls. Amount is a
// human-readable decimal ("100.5") scaled to 18-decimal base units.
type FundsRequest struct {
	TokenID string `json:"tokenId"`
	Amount  string `json:"amount"`
}

// ParseAmount converts the decimal amount to base units. Fractions finer
// than 18 decimals are rejected rather than silently truncated.
func (r *FundsRequest) ParseAmount() (*big.Int, error) {
	d, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %q", r.Amount)
	}
	scaled := d.Shift(collateralDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %q exceeds %d decimal places", r.Amount, collateralDecimals)
	}
	v := scaled.BigInt()
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return v, nil
}

// PriceLevel is one aggregated book level in a snapshot.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// OrderbookSnapshot is the REST book view.
type OrderbookSnapshot struct {
	MarketID  string       `json:"marketId"`
	TokenID   string       `json:"tokenId"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

// BalanceInfo is one ledger row.
type BalanceInfo struct {
	User      string `json:"user"`
	TokenID   string `json:"tokenId"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Nonce     string `json:"nonce"`
}

// ProofResponse is a user's claim proof for an epoch.
type ProofResponse struct {
	EpochID    uint64   `json:"epochId"`
	User       string   `json:"user"`
	Amount     string   `json:"amount"`
	Proof      []string `json:"proof"`
	MerkleRoot string   `json:"merkleRoot"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is the client-to-server websocket control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // subscribe | unsubscribe
	Channels []string `json:"channels"`
}
