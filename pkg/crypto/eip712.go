package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/outcomex/clob/pkg/core"
)

// Domain is the EIP-712 domain separator bound into every order digest.
// It prevents replay across chains and exchange deployments.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// ExchangeDomain returns the canonical domain for the CTF exchange contract.
func ExchangeDomain(chainID *big.Int, exchange common.Address) Domain {
	return Domain{
		Name:              "CTFExchange",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: exchange,
	}
}

// OrderSigner computes and verifies EIP-712 typed-data digests for orders.
// The digest is keccak256("\x19\x01" || domainSeparator || orderStructHash)
// and must be bit-identical across implementations.
type OrderSigner struct {
	domain Domain
}

// NewOrderSigner creates an order signer for the given domain.
func NewOrderSigner(domain Domain) *OrderSigner {
	return &OrderSigner{domain: domain}
}

// orderTypes is the typed-data schema for the Order struct. Field order is
// normative for hashing and must match the wire format exactly.
var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "salt", Type: "uint256"},
		{Name: "maker", Type: "address"},
		{Name: "signer", Type: "address"},
		{Name: "taker", Type: "address"},
		{Name: "marketId", Type: "bytes32"},
		{Name: "tokenId", Type: "uint256"},
		{Name: "side", Type: "uint8"},
		{Name: "makerAmount", Type: "uint256"},
		{Name: "takerAmount", Type: "uint256"},
		{Name: "expiration", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "feeRateBps", Type: "uint256"},
		{Name: "signatureType", Type: "uint8"},
	},
}

// HashOrder computes the EIP-712 digest an order signer must sign.
func (s *OrderSigner) HashOrder(order *core.Order) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              s.domain.Name,
			Version:           s.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(s.domain.ChainID),
			VerifyingContract: s.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          order.Salt.String(),
			"maker":         order.Maker.Hex(),
			"signer":        order.Signer.Hex(),
			"taker":         order.Taker.Hex(),
			"marketId":      order.MarketID.Hex(),
			"tokenId":       order.TokenID.String(),
			"side":          fmt.Sprintf("%d", order.Side),
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration.String(),
			"nonce":         order.Nonce.String(),
			"feeRateBps":    order.FeeRateBps.String(),
			"signatureType": fmt.Sprintf("%d", order.SigType),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash order: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

// SignOrder hashes and signs an order with the given key.
func (s *OrderSigner) SignOrder(key *Signer, order *core.Order) (*core.SignedOrder, error) {
	hash, err := s.HashOrder(order)
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	return &core.SignedOrder{Order: *order, Signature: sig}, nil
}

// VerifyOrder checks an order signature. Accepted iff the recovered address
// equals order.signer AND order.signer equals order.maker: the core contract
// admits no third-party signers.
func (s *OrderSigner) VerifyOrder(order *core.SignedOrder) (bool, error) {
	if order.Signer != order.Maker {
		return false, nil
	}
	hash, err := s.HashOrder(&order.Order)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash.Bytes(), order.Signature)
	if err != nil {
		// Malformed signatures are rejections, not internal errors.
		return false, nil
	}
	return recovered == order.Signer, nil
}
