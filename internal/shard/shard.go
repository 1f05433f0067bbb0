// Package shard maps string keys onto a fixed number of lock shards.
//
// The presence registry and the rate bucket store both partition their maps
// by key so that unrelated connections never contend on the same mutex.
package shard

import "github.com/cespare/xxhash/v2"

// DefaultCount is the shard count used when a caller passes zero.
const DefaultCount = 64

// Index returns the shard slot for key in [0, n).
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Normalize returns a usable shard count.
func Normalize(n int) int {
	if n <= 0 {
		return DefaultCount
	}
	return n
}
