package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema:
//
//   ord:<fingerprint>        → resident order JSON
//   trade:<pair>:<seq>       → trade JSON (seq zero-padded for
//                              lexicographic time order)
//   esc:<instanceId>         → escrow instance JSON
const (
	prefixOrder  = "ord:"
	prefixTrade  = "trade:"
	prefixEscrow = "esc:"
)

func orderKey(fp common.Hash) []byte {
	return []byte(prefixOrder + fp.Hex())
}

func tradeKey(pair string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, pair, seq))
}

func escrowKey(id common.Hash) []byte {
	return []byte(prefixEscrow + id.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
