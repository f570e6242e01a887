package core

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func bigStr(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad big int literal %q", s)
	}
	return v
}

func TestOrderPrice(t *testing.T) {
	cases := []struct {
		name        string
		side        Side
		makerAmount string
		takerAmount string
		want        string
	}{
		// BUY: pay 0.6 collateral for 1 token -> price 0.6
		{"buy at 60c", BUY, "600000000000000000", "1000000000000000000", "600000000000000000"},
		// SELL: give 1 token for 0.6 collateral -> price 0.6
		{"sell at 60c", SELL, "1000000000000000000", "600000000000000000", "600000000000000000"},
		// BUY 2 tokens for 1 collateral -> price 0.5
		{"buy two for one", BUY, "1000000000000000000", "2000000000000000000", "500000000000000000"},
		// Truncating division
		{"buy one for three", BUY, "1000000000000000000", "3000000000000000000", "333333333333333333"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := &Order{
				Side:        tc.side,
				MakerAmount: bigStr(t, tc.makerAmount),
				TakerAmount: bigStr(t, tc.takerAmount),
			}
			got := o.Price()
			if got.String() != tc.want {
				t.Errorf("price: got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestTokenQuantity(t *testing.T) {
	buy := &Order{Side: BUY, MakerAmount: big.NewInt(600), TakerAmount: big.NewInt(1000)}
	if got := buy.TokenQuantity(); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("buy quantity: got %s, want 1000", got)
	}
	sell := &Order{Side: SELL, MakerAmount: big.NewInt(1000), TakerAmount: big.NewInt(600)}
	if got := sell.TokenQuantity(); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("sell quantity: got %s, want 1000", got)
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	never := &Order{Expiration: big.NewInt(0)}
	if never.IsExpired(now) {
		t.Error("zero expiration must never expire")
	}
	past := &Order{Expiration: big.NewInt(1_699_999_999)}
	if !past.IsExpired(now) {
		t.Error("past expiration must be expired")
	}
	exact := &Order{Expiration: big.NewInt(1_700_000_000)}
	if exact.IsExpired(now) {
		t.Error("expiration equal to now is still live")
	}
}

func TestSideOpposite(t *testing.T) {
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("opposite sides wrong")
	}
}

func TestMulDivTruncates(t *testing.T) {
	// 7 * 10 / 3 = 23.33... -> 23
	got := MulDiv(big.NewInt(7), big.NewInt(10), big.NewInt(3))
	if got.Cmp(big.NewInt(23)) != 0 {
		t.Errorf("got %s, want 23", got)
	}
}

func TestTradeCost(t *testing.T) {
	// price 0.6, amount 10 tokens -> cost 6 collateral
	tr := &Trade{
		Price:  bigStr(t, "600000000000000000"),
		Amount: bigStr(t, "10000000000000000000"),
	}
	want := bigStr(t, "6000000000000000000")
	if got := tr.Cost(); got.Cmp(want) != 0 {
		t.Errorf("cost: got %s, want %s", got, want)
	}
}

func TestLowerHex(t *testing.T) {
	addr := common.HexToAddress("0xAbCdEF0000000000000000000000000000000001")
	got := LowerHex(addr)
	if got != "0xabcdef0000000000000000000000000000000001" {
		t.Errorf("got %s", got)
	}
}
