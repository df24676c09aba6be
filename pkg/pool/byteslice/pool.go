// Package byteslice pools byte slices in power-of-two size buckets.
package byteslice

import (
	"math/bits"
	"sync"
)

const (
	MinBitSize = 6  // 64 bytes (CPU cache line)
	Steps      = 20 // 64B to 32MB

	MinSize = 1 << MinBitSize
	MaxSize = 1 << (MinBitSize + Steps - 1)
)

var buckets [Steps]sync.Pool

func init() {
	for i := range buckets {
		size := MinSize << i
		buckets[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
}

// bucketIndex returns the smallest bucket whose slices hold size bytes.
func bucketIndex(size int) int {
	if size <= MinSize {
		return 0
	}
	return bits.Len(uint(size-1)) - MinBitSize
}

// BucketSize returns the capacity of slices in bucket i.
func BucketSize(i int) int {
	return MinSize << i
}

// Get returns a slice of length size. Its contents are unspecified.
func Get(size int) []byte {
	idx := bucketIndex(size)
	if idx >= Steps {
		return make([]byte, size)
	}
	b := *(buckets[idx].Get().(*[]byte))
	return b[:size]
}

// GetZeroed returns a slice of length size with every byte zero.
func GetZeroed(size int) []byte {
	b := Get(size)
	clear(b)
	return b
}

// Put returns b to its bucket. Slices whose capacity is not a bucket size
// are dropped.
func Put(b []byte) {
	c := cap(b)
	if c < MinSize || c > MaxSize || c&(c-1) != 0 {
		return
	}
	b = b[:c]
	buckets[bucketIndex(c)].Put(&b)
}
