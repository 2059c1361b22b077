package shard_test

import (
	"fmt"
	"testing"

	"github.com/palantir/extractpipe/pkg/pipeline/record"
	"github.com/palantir/extractpipe/pkg/pipeline/shard"
)

func TestCompute_DeterministicAndInRange(t *testing.T) {
	t.Parallel()

	for _, n := range []uint32{1, 2, 7, 128, 999} {
		for i := 0; i < 200; i++ {
			v := record.String(fmt.Sprintf("Decl.%d", i))
			a := shard.Compute(v, n)
			b := shard.Compute(v, n)
			if a != b {
				t.Fatalf("Compute not deterministic for %v/%d: %d vs %d", v, n, a, b)
			}
			if a >= n {
				t.Fatalf("Compute(%v, %d)=%d out of range", v, n, a)
			}
		}
	}
}

func TestCompute_SingleShard(t *testing.T) {
	t.Parallel()

	for _, v := range []record.Value{record.Null(), record.Int(5), record.String("x")} {
		if got := shard.Compute(v, 1); got != 0 {
			t.Fatalf("Compute(%v, 1)=%d want=0", v, got)
		}
	}
}

func TestCompute_StructOrderIndependent(t *testing.T) {
	t.Parallel()

	a := record.Struct(map[string]record.Value{
		"module": record.String("Init.Core"),
		"pos":    record.List(record.Int(1), record.Int(2)),
	})
	b := record.Struct(map[string]record.Value{
		"pos":    record.List(record.Int(1), record.Int(2)),
		"module": record.String("Init.Core"),
	})
	if shard.Compute(a, 128) != shard.Compute(b, 128) {
		t.Fatalf("structurally equal values hashed to different shards")
	}
}

func TestCompute_StringHashesRawText(t *testing.T) {
	t.Parallel()

	// A string key hashes its bytes, not its quoted JSON form.
	s := record.String("Nat.add")
	if got, want := shard.Compute(s, 999), uint32(shard.Hash("Nat.add")%999); got != want {
		t.Fatalf("Compute=%d want=%d", got, want)
	}
	if got, want := shard.Compute(record.Int(42), 999), uint32(shard.Hash("42")%999); got != want {
		t.Fatalf("Compute(int)=%d want=%d", got, want)
	}
}

// Shard assignment is part of the on-disk layout; these values must not change.
func TestCompute_GoldenShards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		v    record.Value
		want uint32
	}{
		{name: "string", v: record.String("Nat.add"), want: 663},
		{name: "null", v: record.Null(), want: 252},
		{name: "int", v: record.Int(42), want: 939},
		{name: "struct", v: record.Struct(map[string]record.Value{
			"b": record.List(record.Int(1), record.Float(2.0)),
			"a": record.String("é"),
		}), want: 979},
		{name: "small float", v: record.Float(1.5e-05), want: 417},
		{name: "large float", v: record.Float(1e16), want: 740},
	}
	for _, tt := range tests {
		if got := shard.Compute(tt.v, 999); got != tt.want {
			t.Errorf("%s: Compute(%s, 999)=%d want=%d", tt.name, record.Canonical(tt.v), got, tt.want)
		}
	}
}

func TestComputeKey_MissingMatchesNull(t *testing.T) {
	t.Parallel()

	rec := record.Record{"other": record.Int(1)}
	if shard.ComputeKey(rec, "name", 64) != shard.Compute(record.Null(), 64) {
		t.Fatalf("missing key should route like null")
	}
	if shard.Compute(record.Null(), 64) != uint32(shard.Hash("null")%64) {
		t.Fatalf("null should hash as the text null")
	}
}

func TestCompute_Spreads(t *testing.T) {
	t.Parallel()

	const n = 16
	counts := make([]int, n)
	for i := 0; i < 16000; i++ {
		counts[shard.Compute(record.String(fmt.Sprintf("Mathlib.Decl%d", i)), n)]++
	}
	for i, c := range counts {
		// Expected 1000 per shard.
		if c < 800 || c > 1200 {
			t.Fatalf("shard %d got %d keys, distribution too skewed: %v", i, c, counts)
		}
	}
}
