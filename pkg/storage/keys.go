package storage

import (
	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	venue              → ledger.Venue (JSON)
//	acc:<20-byte addr> → ledger.Account (JSON)
//	nonce:<20-byte addr> → last accepted command nonce (8-byte big endian)
//
// Raw address bytes keep a prefix scan in address order.
const (
	prefixAccount = "acc:"
	prefixNonce   = "nonce:"
)

func venueKey() []byte { return []byte("venue") }

func accountKey(addr common.Address) []byte {
	return append([]byte(prefixAccount), addr[:]...)
}

func nonceKey(addr common.Address) []byte {
	return append([]byte(prefixNonce), addr[:]...)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
