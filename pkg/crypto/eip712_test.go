package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
)

func testDomain() Domain {
	return ExchangeDomain(big.NewInt(137), common.HexToAddress("0x00000000000000000000000000000000000000ee"))
}

func testOrder(maker common.Address) *core.Order {
	return &core.Order{
		Salt:        big.NewInt(42),
		Maker:       maker,
		Signer:      maker,
		Taker:       common.Address{},
		MarketID:    common.HexToHash("0x01"),
		TokenID:     big.NewInt(1),
		Side:        core.BUY,
		MakerAmount: big.NewInt(600000),
		TakerAmount: big.NewInt(1000000),
		Expiration:  big.NewInt(0),
		Nonce:       big.NewInt(0),
		FeeRateBps:  big.NewInt(20),
		SigType:     core.SigEOA,
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := NewOrderSigner(testDomain())

	signed, err := signer.SignOrder(key, testOrder(key.Address()))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(signed.Signature) != 65 {
		t.Fatalf("signature length: got %d, want 65", len(signed.Signature))
	}

	ok, err := signer.VerifyOrder(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("valid signature rejected")
	}
}

func TestHashIsDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	signer := NewOrderSigner(testDomain())
	order := testOrder(key.Address())

	h1, err := signer.HashOrder(order)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := signer.HashOrder(order)
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1.Hex(), h2.Hex())
	}

	// Any field change must change the digest.
	mutated := *order
	mutated.MakerAmount = big.NewInt(600001)
	h3, _ := signer.HashOrder(&mutated)
	if h1 == h3 {
		t.Error("digest unchanged after makerAmount mutation")
	}
}

func TestVerifyRejectsMutation(t *testing.T) {
	key, _ := GenerateKey()
	signer := NewOrderSigner(testDomain())

	signed, err := signer.SignOrder(key, testOrder(key.Address()))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mutate := []func(o *core.Order){
		func(o *core.Order) { o.MakerAmount = big.NewInt(1) },
		func(o *core.Order) { o.TakerAmount = new(big.Int).Add(o.TakerAmount, big.NewInt(1)) },
		func(o *core.Order) { o.Side = core.SELL },
		func(o *core.Order) { o.Nonce = big.NewInt(7) },
		func(o *core.Order) { o.TokenID = big.NewInt(2) },
		func(o *core.Order) { o.FeeRateBps = big.NewInt(0) },
	}
	for i, fn := range mutate {
		tampered := *signed
		order := signed.Order
		fn(&order)
		tampered.Order = order

		ok, err := signer.VerifyOrder(&tampered)
		if err != nil {
			t.Fatalf("case %d: verify: %v", i, err)
		}
		if ok {
			t.Errorf("case %d: tampered order accepted", i)
		}
	}
}

func TestVerifyRejectsWrongDomain(t *testing.T) {
	key, _ := GenerateKey()
	signed, err := NewOrderSigner(testDomain()).SignOrder(key, testOrder(key.Address()))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	otherChain := NewOrderSigner(ExchangeDomain(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000ee")))
	if ok, _ := otherChain.VerifyOrder(signed); ok {
		t.Error("signature valid under a different chain id")
	}
}

func TestVerifyRequiresSignerEqualsMaker(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	signer := NewOrderSigner(testDomain())

	order := testOrder(key.Address())
	order.Signer = other.Address()
	signed, err := signer.SignOrder(other, order)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Signature recovers to order.signer, but signer != maker.
	if ok, _ := signer.VerifyOrder(signed); ok {
		t.Error("third-party signer accepted")
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	key, _ := GenerateKey()
	signer := NewOrderSigner(testDomain())

	signed, _ := signer.SignOrder(key, testOrder(key.Address()))
	signed.Signature = signed.Signature[:10]

	ok, err := signer.VerifyOrder(signed)
	if err != nil {
		t.Fatalf("malformed signature must reject, not error: %v", err)
	}
	if ok {
		t.Error("malformed signature accepted")
	}
}

func TestKeyRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	restored, err := FromPrivateKeyHex(key.PrivateKeyHex())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Address() != key.Address() {
		t.Errorf("address mismatch: %s vs %s", restored.Address().Hex(), key.Address().Hex())
	}

	with0x, err := FromPrivateKeyHex("0x" + key.PrivateKeyHex())
	if err != nil {
		t.Fatalf("restore with 0x: %v", err)
	}
	if with0x.Address() != key.Address() {
		t.Error("0x-prefixed key parses to different address")
	}
}
