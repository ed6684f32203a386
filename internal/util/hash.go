// Package util provides logging, traffic statistics and small helpers shared by the engines.
package util

import (
	"hash/fnv"
)

// Digest computes an FNV-32a hash over parts as if they were one contiguous
// buffer. It identifies a reassembled payload in logs; it is not a security check.
func Digest(parts ...[]byte) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum32()
}
