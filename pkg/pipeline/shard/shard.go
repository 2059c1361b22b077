// Package shard maps shard-key values onto a fixed number of output partitions.
//
// The mapping is a pure function of the key value and the shard count: an
// 8-byte BLAKE2b digest of the key's text, read big-endian and reduced modulo
// the shard count. It never depends on process state, so the same key lands in
// the same shard across runs and machines.
package shard

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/palantir/extractpipe/pkg/pipeline/record"
)

const digestSize = 8

// Compute returns the shard in [0, numShards) for v. Strings hash their raw
// bytes; every other value hashes its canonical JSON text, so structurally
// equal values hash alike regardless of member order. numShards must be ≥ 1.
func Compute(v record.Value, numShards uint32) uint32 {
	if numShards == 0 {
		panic("shard: numShards must be at least 1")
	}
	var text string
	if v.Kind() == record.KindString {
		text = v.Str()
	} else {
		text = record.Canonical(v)
	}
	return uint32(Hash(text) % uint64(numShards))
}

// ComputeKey routes rec by its key field. A missing key is treated like a null
// one and hashes as the text "null"; whether that is acceptable is decided by
// schema validation when the shard is flushed.
func ComputeKey(rec record.Record, key string, numShards uint32) uint32 {
	return Compute(rec.Get(key), numShards)
}

// Hash is the 64-bit digest behind Compute.
func Hash(text string) uint64 {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// Only reachable with an invalid size or key.
		panic(err)
	}
	_, _ = h.Write([]byte(text))
	return binary.BigEndian.Uint64(h.Sum(nil))
}
