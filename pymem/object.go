// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"encoding/binary"

	"github.com/nielstron/python-memtools/region"
)

// Addr is the address of an object in the target heap. Its runtime
// type is carried by the environment's type map and the object's own
// "type-of" field, not by the Go type system: decoders dispatch on
// that field at repr/validate time the same way the original engine
// dispatches on a type pointer instead of a vtable.
type Addr = region.Addr

// PointerAlignment is the default alignment required of an embedded
// pointer field: the target runtime never places a heap object at an
// address that isn't a multiple of this.
const PointerAlignment = 8

// MinObjectSize is the minimum number of bytes any valid object must
// occupy: at least its "type-of" header word.
const MinObjectSize = 8

// TypeOf reads the "type-of" pointer at offset 0 of the object at addr.
func TypeOf(s *region.Store, addr Addr) (Addr, error) {
	data, err := s.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return Addr(binary.LittleEndian.Uint64(data)), nil
}

// readPtr reads an 8-byte little-endian pointer field at addr+offset.
func readPtr(s *region.Store, addr Addr, offset int64) (Addr, error) {
	data, err := s.Read(addr.OffsetBytes(offset), 8)
	if err != nil {
		return 0, err
	}
	return Addr(binary.LittleEndian.Uint64(data)), nil
}

// readU64 reads an 8-byte little-endian unsigned integer field.
func readU64(s *region.Store, addr Addr, offset int64) (uint64, error) {
	data, err := s.Read(addr.OffsetBytes(offset), 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// readI64 reads an 8-byte little-endian signed integer field.
func readI64(s *region.Store, addr Addr, offset int64) (int64, error) {
	v, err := readU64(s, addr, offset)
	return int64(v), err
}

// pointerValid reports whether a pointer field value is object-valid:
// non-null, aligned, and backed by at least minSize readable bytes.
func pointerValid(s *region.Store, v Addr, minSize int64) bool {
	return region.ObjectValid(s, v, PointerAlignment, minSize)
}

// pointerValidOrNull is pointerValid, but null also passes.
func pointerValidOrNull(s *region.Store, v Addr, minSize int64) bool {
	return region.ObjectValidOrNull(s, v, PointerAlignment, minSize)
}
