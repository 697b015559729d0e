// Package synchronizer holds what the content synchronizers share.
package synchronizer

import (
	"crypto/sha1"
	"math/big"
)

// SHA1 renders the SHA-1 digest of data as an unsigned hexadecimal number,
// without leading zeros, the form other diffsync peers compare.
func SHA1(data []byte) string {
	sum := sha1.Sum(data)
	return new(big.Int).SetBytes(sum[:]).Text(16)
}
