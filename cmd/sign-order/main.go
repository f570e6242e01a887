// sign-order generates a keypair (or loads one from PRIVATE_KEY), signs a
// sample order against the exchange's EIP-712 domain, verifies it, and
// prints the JSON body ready for POST /api/v1/orders.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"math/rand"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
	"github.com/outcomex/clob/pkg/crypto"
)

func main() {
	chainID := flag.Int64("chain-id", 137, "settlement chain id")
	exchange := flag.String("exchange", "0x0000000000000000000000000000000000000000", "exchange contract address")
	market := flag.String("market", "0x"+fmt.Sprintf("%064x", 1), "market id (bytes32 hex)")
	tokenID := flag.String("token", "1", "outcome token id")
	side := flag.String("side", "BUY", "BUY or SELL")
	makerAmount := flag.String("maker-amount", "500000000000000000", "maker amount in base units")
	takerAmount := flag.String("taker-amount", "1000000000000000000", "taker amount in base units")
	nonce := flag.String("nonce", "0", "current ledger nonce")
	feeBps := flag.Int64("fee-bps", 20, "fee rate in basis points")
	flag.Parse()

	var signer *crypto.Signer
	var err error
	if pk := os.Getenv("PRIVATE_KEY"); pk != "" {
		signer, err = crypto.FromPrivateKeyHex(pk)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	orderSide := core.BUY
	if *side == "SELL" {
		orderSide = core.SELL
	}
	mk, ok1 := new(big.Int).SetString(*makerAmount, 10)
	tk, ok2 := new(big.Int).SetString(*takerAmount, 10)
	nc, ok3 := new(big.Int).SetString(*nonce, 10)
	tok, ok4 := new(big.Int).SetString(*tokenID, 10)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		fmt.Println("Error: amounts, nonce, and token must be base-10 integers")
		os.Exit(1)
	}

	order := &core.Order{
		Salt:        big.NewInt(rand.New(rand.NewSource(time.Now().UnixNano())).Int63()),
		Maker:       signer.Address(),
		Signer:      signer.Address(),
		Taker:       common.Address{},
		MarketID:    common.HexToHash(*market),
		TokenID:     tok,
		Side:        orderSide,
		MakerAmount: mk,
		TakerAmount: tk,
		Expiration:  big.NewInt(0),
		Nonce:       nc,
		FeeRateBps:  big.NewInt(*feeBps),
		SigType:     core.SigEOA,
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Market: %s\n", order.MarketID.Hex())
	fmt.Printf("  Token: %s\n", order.TokenID)
	fmt.Printf("  Side: %s\n", order.Side)
	fmt.Printf("  Price: %s\n", order.Price())
	fmt.Printf("  MakerAmount: %s\n", order.MakerAmount)
	fmt.Printf("  TakerAmount: %s\n\n", order.TakerAmount)

	domain := crypto.ExchangeDomain(big.NewInt(*chainID), common.HexToAddress(*exchange))
	orderSigner := crypto.NewOrderSigner(domain)

	signed, err := orderSigner.SignOrder(signer, order)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	hash, err := orderSigner.HashOrder(order)
	if err != nil {
		fmt.Printf("Error hashing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Order Hash: %s\n", hash.Hex())
	fmt.Printf("Signature: 0x%x\n\n", signed.Signature)

	fmt.Println("Verifying signature...")
	valid, err := orderSigner.VerifyOrder(signed)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}
	if !valid {
		fmt.Println("Signature INVALID")
		os.Exit(1)
	}
	fmt.Println("Signature VALID")

	body := map[string]interface{}{
		"salt":          order.Salt.String(),
		"maker":         order.Maker.Hex(),
		"signer":        order.Signer.Hex(),
		"taker":         order.Taker.Hex(),
		"marketId":      order.MarketID.Hex(),
		"tokenId":       order.TokenID.String(),
		"side":          order.Side.String(),
		"makerAmount":   order.MakerAmount.String(),
		"takerAmount":   order.TakerAmount.String(),
		"expiration":    order.Expiration.String(),
		"nonce":         order.Nonce.String(),
		"feeRateBps":    order.FeeRateBps.String(),
		"signatureType": uint8(order.SigType),
		"signature":     fmt.Sprintf("0x%x", signed.Signature),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nTo submit this order:")
	fmt.Println("  POST http://localhost:8080/api/v1/orders")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(out))
}
