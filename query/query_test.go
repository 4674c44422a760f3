// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/nielstron/python-memtools/pymem"
	"github.com/nielstron/python-memtools/region"
)

// buildScanFixture lays out two ints, one float, and a tuple
// referencing the first int, all in one region.
func buildScanFixture(t *testing.T) (env *pymem.Environment, s *region.Store, int1, int2, tupleAddr Addr) {
	t.Helper()
	const base = 0x40000
	buf := make([]byte, 0x100)
	intTypeAddr := Addr(0xbeef0001)
	floatTypeAddr := Addr(0xbeef0002)
	tupleTypeAddr := Addr(0xbeef0003)

	putU64(buf, 0x00, uint64(intTypeAddr))
	putU64(buf, 0x08, 1)
	buf[0x10] = 5 // digit 0, little-endian u32 low byte

	putU64(buf, 0x20, uint64(intTypeAddr))
	putU64(buf, 0x28, 1)
	buf[0x30] = 9

	putU64(buf, 0x40, uint64(floatTypeAddr))
	putU64(buf, 0x48, 0) // float value bits, unused by this test

	putU64(buf, 0x60, uint64(tupleTypeAddr))
	putU64(buf, 0x68, 1) // count = 1
	putU64(buf, 0x70, base+0x00) // items[0] = int1

	int1 = Addr(base + 0x00)
	int2 = Addr(base + 0x20)
	tupleAddr = Addr(base + 0x60)

	s = region.NewForTesting([]region.Region{{Start: Addr(base), End: Addr(base + uint64(len(buf))), Data: buf}})
	env = pymem.NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("int", intTypeAddr)
	env.AddType("float", floatTypeAddr)
	env.AddType("tuple", tupleTypeAddr)
	return env, s, int1, int2, tupleAddr
}

func TestFindByType(t *testing.T) {
	env, s, int1, int2, _ := buildScanFixture(t)
	hits, err := FindByType(env, s, "int", 2, io.Discard, pymem.NewTraversal())
	if err != nil {
		t.Fatalf("FindByType: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Addr != int1 || hits[1].Addr != int2 {
		t.Fatalf("hits = %+v, want addresses %s then %s", hits, int1, int2)
	}
	if hits[0].Repr != "5" || hits[1].Repr != "9" {
		t.Fatalf("reprs = %q, %q, want %q, %q", hits[0].Repr, hits[1].Repr, "5", "9")
	}
}

func TestCountByType(t *testing.T) {
	env, s, _, _, _ := buildScanFixture(t)
	counts, err := CountByType(env, s, 2, io.Discard)
	if err != nil {
		t.Fatalf("CountByType: %v", err)
	}
	if len(counts) != 3 {
		t.Fatalf("got %d type rows, want 3 (int, float, tuple)", len(counts))
	}
	// int has the highest count and sorts first.
	if counts[0].TypeName != "int" || counts[0].Count != 2 {
		t.Fatalf("counts[0] = %+v, want {int 2}", counts[0])
	}
}

func TestFindObjectsByTypeName(t *testing.T) {
	env, s, int1, int2, _ := buildScanFixture(t)
	hits, err := FindObjects(env, s, ObjectQueryOptions{TypeName: "int"}, 1, io.Discard, pymem.NewTraversal())
	if err != nil {
		t.Fatalf("FindObjects: %v", err)
	}
	if len(hits) != 2 || hits[0].Addr != int1 || hits[1].Addr != int2 {
		t.Fatalf("hits = %+v, want [%s %s]", hits, int1, int2)
	}
}

func TestFindObjectsBySize(t *testing.T) {
	env, s, _, _, tupleAddr := buildScanFixture(t)
	// Every int here decodes to 20 bytes (header 8 + size 8 + 1 digit's
	// 4 bytes); the tuple decodes to 24 bytes (header 8 + count 8 +
	// one 8-byte item). Filtering by size 24 should isolate the tuple.
	hits, err := FindObjects(env, s, ObjectQueryOptions{Size: 24}, 1, io.Discard, pymem.NewTraversal())
	if err != nil {
		t.Fatalf("FindObjects: %v", err)
	}
	if len(hits) != 1 || hits[0].Addr != tupleAddr {
		t.Fatalf("hits = %+v, want exactly [%s]", hits, tupleAddr)
	}
}

// TestFindReferences is spec.md §8 property 8: find-references-to
// returns exactly the objects whose one-hop referents include the
// target, and nothing else.
func TestFindReferences(t *testing.T) {
	env, s, int1, int2, tupleAddr := buildScanFixture(t)
	hits, err := FindReferences(env, s, int1, 2, io.Discard, pymem.NewTraversal())
	if err != nil {
		t.Fatalf("FindReferences: %v", err)
	}
	if len(hits) != 1 || hits[0].Addr != tupleAddr {
		t.Fatalf("references to int1 = %+v, want exactly [%s]", hits, tupleAddr)
	}

	hits, err = FindReferences(env, s, int2, 2, io.Discard, pymem.NewTraversal())
	if err != nil {
		t.Fatalf("FindReferences: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("references to int2 = %+v, want none", hits)
	}
}
