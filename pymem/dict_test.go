// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"path/filepath"
	"testing"

	"github.com/nielstron/python-memtools/region"
)

// buildDictFixture lays out a dict object with its keys-object and
// entry array at fixed offsets within buf, and two int objects to use
// as key/value payloads. Every offset mirrors dict.go's documented
// layout exactly.
func buildDictFixture(t *testing.T) (buf []byte, base uint64, dictTypeAddr, intTypeAddr Addr) {
	t.Helper()
	const regionBase = 0x20000
	buf = make([]byte, 0x200)
	dictTypeAddr = Addr(0xdead0001)
	intTypeAddr = Addr(0xdead0002)

	// sentinel-fill the keys-object's indirection table (8 one-byte
	// slots starting at keys+24) so unfilled positions decode to -1.
	for i := 0; i < 8; i++ {
		buf[0x40+24+i] = 0xff
	}

	// dict header at 0x00
	putU64(buf, 0x00, uint64(dictTypeAddr))
	putU64(buf, 0x08, 1)            // used
	putU64(buf, 0x10, regionBase+0x40) // keysPtr
	putU64(buf, 0x18, 0)            // valuesPtr (not split)

	// keys-object at 0x40: dkSize=8, dkUsable=6, dkNentries=1
	putU64(buf, 0x40+0, 8)
	putU64(buf, 0x40+8, 6)
	putU64(buf, 0x40+16, 1)
	buf[0x40+24+3] = 0x00 // table[3] -> entry index 0

	// entry 0 at keys+32 = 0x60
	putU64(buf, 0x60+0, 0) // hash, unused by the decoder
	putU64(buf, 0x60+8, regionBase+0x110)
	putU64(buf, 0x60+16, regionBase+0x130)

	// int key at 0x110: value 42
	putU64(buf, 0x110, uint64(intTypeAddr))
	putU64(buf, 0x118, 1)
	putU32(buf, 0x120, 42)

	// int value at 0x130: value 100
	putU64(buf, 0x130, uint64(intTypeAddr))
	putU64(buf, 0x138, 1)
	putU32(buf, 0x140, 100)

	return buf, regionBase, dictTypeAddr, intTypeAddr
}

func TestDictReprSingleEntryInline(t *testing.T) {
	buf, base, dictTypeAddr, intTypeAddr := buildDictFixture(t)
	s := region.NewForTesting([]region.Region{{Start: Addr(base), End: Addr(base + uint64(len(buf))), Data: buf}})
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("dict", dictTypeAddr)
	env.AddType("int", intTypeAddr)

	tr := NewTraversal()
	got := tr.Repr(env, s, Addr(base))
	if want := "{42: 100}"; got != want {
		t.Fatalf("Repr = %q, want %q", got, want)
	}
	if !tr.IsValid() {
		t.Fatal("expected the traversal to report fully valid")
	}
}

// TestDictReprMultiEntryIndented is spec.md §8 scenario S4's
// two-or-more-entries case: output must be indented one entry per
// line rather than a single inline "{...}".
func TestDictReprMultiEntryIndented(t *testing.T) {
	buf, base, dictTypeAddr, intTypeAddr := buildDictFixture(t)

	// Widen to two entries: dkUsable drops to 5, dkNentries becomes 2,
	// and a second table slot points at entry index 1.
	putU64(buf, 0x40+8, 5)
	putU64(buf, 0x40+16, 2)
	buf[0x40+24+5] = 0x01 // table[5] -> entry index 1

	// entry 1 at keys+32+24 = 0x78
	putU64(buf, 0x78+0, 0)
	putU64(buf, 0x78+8, base+0x150)
	putU64(buf, 0x78+16, base+0x170)

	// int key at 0x150: value 7
	putU64(buf, 0x150, uint64(intTypeAddr))
	putU64(buf, 0x158, 1)
	putU32(buf, 0x160, 7)

	// int value at 0x170: value 8
	putU64(buf, 0x170, uint64(intTypeAddr))
	putU64(buf, 0x178, 1)
	putU32(buf, 0x180, 8)

	s := region.NewForTesting([]region.Region{{Start: Addr(base), End: Addr(base + uint64(len(buf))), Data: buf}})
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("dict", dictTypeAddr)
	env.AddType("int", intTypeAddr)

	tr := NewTraversal()
	got := tr.Repr(env, s, Addr(base))
	want := "{\n    42: 100,\n    7: 8,\n  }"
	if got != want {
		t.Fatalf("Repr =\n%s\nwant\n%s", got, want)
	}
	if !tr.IsValid() {
		t.Fatal("expected the traversal to report fully valid")
	}
}

// TestDictReprIdempotent is spec.md §8 property 5: repeated Repr calls
// on the same Traversal configuration produce byte-identical output.
func TestDictReprIdempotent(t *testing.T) {
	buf, base, dictTypeAddr, intTypeAddr := buildDictFixture(t)
	s := region.NewForTesting([]region.Region{{Start: Addr(base), End: Addr(base + uint64(len(buf))), Data: buf}})
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("dict", dictTypeAddr)
	env.AddType("int", intTypeAddr)

	first := NewTraversal().Repr(env, s, Addr(base))
	second := NewTraversal().Repr(env, s, Addr(base))
	if first != second {
		t.Fatalf("Repr not idempotent: %q vs %q", first, second)
	}
}

// TestDictDirectReferentsMatchGetItems is spec.md §8 property 7: every
// non-null key/value address getItems yields for a dict appears among
// the addresses DirectReferents reports (which also include the
// keys-object), and property 4: every non-null referent exists in the
// region store.
func TestDictDirectReferentsMatchGetItems(t *testing.T) {
	buf, base, dictTypeAddr, intTypeAddr := buildDictFixture(t)
	s := region.NewForTesting([]region.Region{{Start: Addr(base), End: Addr(base + uint64(len(buf))), Data: buf}})
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("dict", dictTypeAddr)
	env.AddType("int", intTypeAddr)

	items, err := getItems(s, Addr(base))
	if err != nil {
		t.Fatalf("getItems: %v", err)
	}
	want := map[Addr]bool{}
	for _, it := range items {
		want[it.key] = true
		if !it.val.IsNull() {
			want[it.val] = true
		}
	}

	referents, err := dictDecoder{}.DirectReferents(env, s, Addr(base))
	if err != nil {
		t.Fatalf("DirectReferents: %v", err)
	}
	got := map[Addr]bool{}
	for _, a := range referents {
		if a.IsNull() {
			continue
		}
		if !s.ExistsRange(a, 1) {
			t.Fatalf("referent %s does not exist in the region store", a)
		}
		if want[a] {
			got[a] = true
		}
	}
	if len(got) != len(want) {
		t.Fatalf("DirectReferents key/value set = %v, want %v", got, want)
	}
}

// TestDictReprCycleIsRecursiveRepr is spec.md §8 scenario S5: a dict
// that holds a reference to itself renders the cycle marker instead of
// recursing forever.
func TestDictReprCycleIsRecursiveRepr(t *testing.T) {
	const regionBase = 0x20000
	buf := make([]byte, 0x200)
	dictTypeAddr := Addr(0xdead0001)
	intTypeAddr := Addr(0xdead0002)

	for i := 0; i < 8; i++ {
		buf[0x40+24+i] = 0xff
	}
	putU64(buf, 0x00, uint64(dictTypeAddr))
	putU64(buf, 0x08, 1)
	putU64(buf, 0x10, regionBase+0x40)
	putU64(buf, 0x18, 0)

	putU64(buf, 0x40+0, 8)
	putU64(buf, 0x40+8, 6)
	putU64(buf, 0x40+16, 1)
	buf[0x40+24+3] = 0x00

	// entry 0: key = int(1), value = the dict itself.
	putU64(buf, 0x60+0, 0)
	putU64(buf, 0x60+8, regionBase+0x110)
	putU64(buf, 0x60+16, regionBase) // self-reference

	putU64(buf, 0x110, uint64(intTypeAddr))
	putU64(buf, 0x118, 1)
	putU32(buf, 0x120, 1)

	s := region.NewForTesting([]region.Region{{Start: Addr(regionBase), End: Addr(regionBase + uint64(len(buf))), Data: buf}})
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))
	env.AddType("dict", dictTypeAddr)
	env.AddType("int", intTypeAddr)

	tr := NewTraversal()
	got := tr.Repr(env, s, Addr(regionBase))
	if want := "{1: <dict !recursive_repr>}"; got != want {
		t.Fatalf("Repr = %q, want %q", got, want)
	}
	// The cycle marker is a structural stop, not a validation failure.
	if !tr.IsValid() {
		t.Fatal("expected the traversal to still report valid despite the cycle marker")
	}
}
