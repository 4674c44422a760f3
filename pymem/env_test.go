// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/nielstron/python-memtools/region"
)

// TestFindBaseMetaType is spec.md §8 scenario S3: a self-referential
// "type" object among distractors whose type-of pointer doesn't equal
// their own address is discovered unambiguously.
func TestFindBaseMetaType(t *testing.T) {
	const (
		addrA = 0x10000 // the genuine base meta-type
		addrB = 0x10080 // distractor: type-of points at A, not itself
		addrC = 0x100c0 // distractor: type-of points off into the blue
		// addrName is a shared "type\0" C string read by both the real
		// type object and the distractors below.
		addrName = 0x10040
	)
	buf := make([]byte, 0x200)
	putU64(buf, 0x000, addrA)
	putU64(buf, 0x008, addrName)
	putU64(buf, 0x010, typeObjectMinSize)
	putCString(buf, 0x040, "type")

	putU64(buf, 0x080, addrA) // B's type-of != B's own address
	putU64(buf, 0x088, addrName)

	putU64(buf, 0x0c0, addrC+0x1000) // C's type-of points nowhere useful
	putU64(buf, 0x0c8, addrName)

	s := region.NewForTesting([]region.Region{{Start: Addr(addrA), End: Addr(addrA + uint64(len(buf))), Data: buf}})
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))

	if err := env.FindBaseMetaType(s, 3, io.Discard); err != nil {
		t.Fatalf("FindBaseMetaType: %v", err)
	}
	if env.BaseMetaType != Addr(addrA) {
		t.Fatalf("BaseMetaType = %s, want %s", env.BaseMetaType, Addr(addrA))
	}
}

// TestFindBaseMetaTypeAmbiguous covers the multiple-candidate error
// path: two objects both self-type and both decode to "type".
func TestFindBaseMetaTypeAmbiguous(t *testing.T) {
	const (
		addrA    = 0x10000
		addrB    = 0x10080
		addrName = 0x10040
	)
	buf := make([]byte, 0x200)
	putU64(buf, 0x000, addrA)
	putU64(buf, 0x008, addrName)
	putCString(buf, 0x040, "type")

	putU64(buf, 0x080, addrB) // self-referential too
	putU64(buf, 0x088, addrName)

	s := region.NewForTesting([]region.Region{{Start: Addr(addrA), End: Addr(addrA + uint64(len(buf))), Data: buf}})
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))

	if err := env.FindBaseMetaType(s, 1, io.Discard); err == nil {
		t.Fatal("expected an error for two ambiguous base meta-type candidates")
	}
	if !env.BaseMetaType.IsNull() {
		t.Fatal("BaseMetaType must stay unset after an ambiguous bootstrap")
	}
}

func TestAddTypeCollisionPolicy(t *testing.T) {
	env := NewEnvironment(filepath.Join(t.TempDir(), "snapshot.bin"))

	name, collided := env.AddType("dict", Addr(0x1000))
	if name != "dict" || collided {
		t.Fatalf("first insertion: got (%q, %v), want (%q, false)", name, collided, "dict")
	}
	// Re-adding the same name at the same address is not a collision.
	name, collided = env.AddType("dict", Addr(0x1000))
	if name != "dict" || collided {
		t.Fatalf("re-insertion of identical (name, addr): got (%q, %v), want (%q, false)", name, collided, "dict")
	}
	name, collided = env.AddType("dict", Addr(0x2000))
	if !collided {
		t.Fatal("expected a collision when a second address claims the same name")
	}
	want := "dict+" + Addr(0x2000).String()
	if name != want {
		t.Fatalf("collided name = %q, want %q", name, want)
	}
	if got, ok := env.NameForAddr(Addr(0x2000)); !ok || got != want {
		t.Fatalf("NameForAddr(0x2000) = (%q, %v), want (%q, true)", got, ok, want)
	}
	if a, ok := env.TypeAddr("dict"); !ok || a != Addr(0x1000) {
		t.Fatalf("TypeAddr(dict) = (%s, %v), want (%s, true)", a, ok, Addr(0x1000))
	}
}
