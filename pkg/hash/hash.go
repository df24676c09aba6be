// Package hash provides the checksums used by the on-disk formats.
package hash

import (
	"github.com/cespare/xxhash/v2"
)

// Checksum returns the xxhash64 digest of b.
func Checksum(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// Valid reports whether sum is the checksum of b.
func Valid(b []byte, sum uint64) bool {
	return xxhash.Sum64(b) == sum
}
