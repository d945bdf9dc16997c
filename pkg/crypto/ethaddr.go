package crypto

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Checksum renders a 20-byte address as its EIP-55 checksummed hex
// string. Used everywhere an identity is shown to a caller; comparison
// stays byte-level on common.Address, so input casing never matters.
func Checksum(addr common.Address) string {
	hexaddr := hex.EncodeToString(addr[:]) // lower
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexaddr))
	hash := h.Sum(nil)

	out := make([]byte, 2+len(hexaddr))
	copy(out, "0x")
	for i, c := range []byte(hexaddr) {
		if c >= '0' && c <= '9' {
			out[2+i] = c
			continue
		}
		// each hex char covers 4 bits; i>>1 picks the hash byte,
		// even/odd picks high/low nibble
		nibble := hash[i>>1]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[2+i] = c - ('a' - 'A')
		} else {
			out[2+i] = c
		}
	}
	return string(out)
}

// ParseAddress parses a hex address, accepting any casing.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
