// Package address canonicalises Ethereum addresses so the same identity
// always maps to the same registry key.
package address

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Valid reports whether s is a 0x-prefixed, 20-byte hex address. Checksum
// casing is not enforced.
func Valid(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return common.IsHexAddress(s)
}

// Normalize folds the address to lower case.
func Normalize(s string) string {
	return strings.ToLower(s)
}
