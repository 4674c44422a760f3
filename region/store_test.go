// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"bytes"
	"testing"
)

// TestExistsAndRegions is spec.md §8 scenario S1: two disjoint regions,
// exists() true exactly within their bounds, AllRegions reports both
// and the correct total byte count.
func TestExistsAndRegions(t *testing.T) {
	zero := make([]byte, 0x1000)
	ff := make([]byte, 0x100)
	for i := range ff {
		ff[i] = 0xFF
	}
	s := NewForTesting([]Region{
		{Start: Addr(0x1000), End: Addr(0x2000), Data: zero},
		{Start: Addr(0x3000), End: Addr(0x3100), Data: ff},
	})

	regions := s.AllRegions()
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2", len(regions))
	}
	if got, want := s.TotalBytes(), int64(0x1100); got != want {
		t.Fatalf("TotalBytes() = %#x, want %#x", got, want)
	}

	for addr := uint64(0); addr < 0x4000; addr += 0x10 {
		want := (addr >= 0x1000 && addr < 0x2000) || (addr >= 0x3000 && addr < 0x3100)
		if got := s.Exists(Addr(addr)); got != want {
			t.Errorf("Exists(%#x) = %v, want %v", addr, got, want)
		}
	}
}

// TestRegionsAreDisjoint is property 1: regions reported by AllRegions
// never overlap.
func TestRegionsAreDisjoint(t *testing.T) {
	s := NewForTesting([]Region{
		{Start: Addr(0x1000), End: Addr(0x2000), Data: make([]byte, 0x1000)},
		{Start: Addr(0x3000), End: Addr(0x3100), Data: make([]byte, 0x100)},
		{Start: Addr(0x500), End: Addr(0x600), Data: make([]byte, 0x100)},
	})
	regions := s.AllRegions()
	for i := 1; i < len(regions); i++ {
		if regions[i-1].End > regions[i].Start {
			t.Fatalf("regions overlap: [%s,%s) and [%s,%s)",
				regions[i-1].Start, regions[i-1].End, regions[i].Start, regions[i].End)
		}
	}
}

// TestReadMatchesExistsRange is property 2: whenever ExistsRange holds,
// Read succeeds and returns exactly n bytes matching the snapshot.
func TestReadMatchesExistsRange(t *testing.T) {
	data := []byte("0123456789abcdef")
	s := NewForTesting([]Region{{Start: Addr(0x1000), End: Addr(0x1000 + uint64(len(data))), Data: data}})

	for addr := uint64(0x0f00); addr < 0x1100; addr++ {
		for n := int64(0); n <= 20; n++ {
			exists := s.ExistsRange(Addr(addr), n)
			got, err := s.Read(Addr(addr), n)
			if exists {
				if err != nil {
					t.Fatalf("ExistsRange(%#x,%d) true but Read failed: %v", addr, n, err)
				}
				if int64(len(got)) != n {
					t.Fatalf("Read(%#x,%d) returned %d bytes", addr, n, len(got))
				}
				off := int64(addr) - 0x1000
				if !bytes.Equal(got, data[off:off+n]) {
					t.Fatalf("Read(%#x,%d) = %q, want %q", addr, n, got, data[off:off+n])
				}
			} else if err == nil {
				t.Fatalf("ExistsRange(%#x,%d) false but Read succeeded", addr, n)
			}
		}
	}
}

func TestReadOutOfRange(t *testing.T) {
	s := NewForTesting([]Region{{Start: Addr(0x1000), End: Addr(0x1010), Data: make([]byte, 0x10)}})
	if _, err := s.Read(Addr(0x1008), 16); err == nil {
		t.Fatal("expected ErrOutOfRange for a read crossing the region boundary")
	}
	if _, err := s.Read(Addr(0x2000), 1); err == nil {
		t.Fatal("expected ErrOutOfRange for an address in no region")
	}
}

func TestParseRegionFilename(t *testing.T) {
	cases := []struct {
		name    string
		wantOK  bool
		wantHex uint64
	}{
		{"mem.1000.2000.bin", true, 0x1000},
		{"mem.DEADBEEF.DEADC0DE.bin", true, 0xDEADBEEF},
		{"mem.1000.2000.txt", false, 0},
		{"notmem.1000.2000.bin", false, 0},
		{"mem.1000.bin", false, 0},
		{"mem.zzzz.2000.bin", false, 0},
		{"readme.md", false, 0},
	}
	for _, c := range cases {
		got, ok := parseRegionFilename(c.name)
		if ok != c.wantOK {
			t.Errorf("parseRegionFilename(%q) ok = %v, want %v", c.name, ok, c.wantOK)
			continue
		}
		if ok && got != c.wantHex {
			t.Errorf("parseRegionFilename(%q) = %#x, want %#x", c.name, got, c.wantHex)
		}
	}
}

func TestObjectValid(t *testing.T) {
	s := NewForTesting([]Region{{Start: Addr(0x2000), End: Addr(0x2100), Data: make([]byte, 0x100)}})

	if !ObjectValidOrNull[Raw](s, Addr(0), 8, 16) {
		t.Error("null address should be valid-or-null")
	}
	if ObjectValid[Raw](s, Addr(0), 8, 16) {
		t.Error("null address should never be plain object-valid")
	}
	if !ObjectValid[Raw](s, Addr(0x2008), 8, 16) {
		t.Error("0x2008 is aligned and has 16 readable bytes, should be valid")
	}
	if ObjectValid[Raw](s, Addr(0x2004), 8, 16) {
		t.Error("0x2004 is not 8-byte aligned, should be invalid")
	}
	if ObjectValid[Raw](s, Addr(0x20f8), 8, 16) {
		t.Error("0x20f8+16 runs past the region end, should be invalid")
	}
	if ObjectValid[Raw](s, Addr(0x5000), 8, 16) {
		t.Error("0x5000 is in no region, should be invalid")
	}
}
