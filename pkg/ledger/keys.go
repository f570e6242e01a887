package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outcomex/clob/pkg/core"
)

// Pebble key schema. Prefix-based so each namespace supports range scans;
// addresses are stored lowercase-canonical.
const (
	prefixBalance = "bal:"   // "bal:{address}:{tokenId}"
	prefixNonce   = "nonce:" // "nonce:{address}"
)

func balanceKey(user common.Address, tokenID *big.Int) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, core.LowerHex(user), tokenID.String()))
}

func nonceKey(user common.Address) []byte {
	return []byte(prefixNonce + core.LowerHex(user))
}

// parseRowKey splits the in-memory row key "{address}:{tokenId}". The
// address part is a fixed-width 0x-prefixed hex string (42 bytes).
func parseRowKey(key string) (common.Address, *big.Int, error) {
	const addrLen = 42
	if len(key) < addrLen+2 || key[addrLen] != ':' {
		return common.Address{}, nil, fmt.Errorf("malformed row key: %q", key)
	}
	if !common.IsHexAddress(key[:addrLen]) {
		return common.Address{}, nil, fmt.Errorf("invalid address in row key: %q", key)
	}
	tokenID, ok := new(big.Int).SetString(key[addrLen+1:], 10)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("invalid token id in row key: %q", key)
	}
	return common.HexToAddress(key[:addrLen]), tokenID, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
