// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"
	"io"

	"github.com/nielstron/python-memtools/region"
)

// Decoder is the (validator, referents, repr) triple a target type
// registers itself under. Every method must be a pure function of its
// (Environment, bytes-reachable-through-Store) arguments: decoders
// never mutate the Environment, matching the thread-safety rule in
// spec.md §5.
type Decoder interface {
	// Name is the type's name as it appears in Environment.Types.
	Name() string
	// Size returns the object's size in bytes; for variable-sized
	// types this may read a count field through s.
	Size(s *region.Store, addr Addr) (int64, error)
	// Validate decides whether the bytes at addr plausibly form an
	// object of this type, returning Valid or a short reason code.
	// Structural mismatches and failed reads alike come back as a
	// reason code; it never returns an error.
	Validate(env *Environment, s *region.Store, addr Addr) InvalidReason
	// DirectReferents enumerates addresses stored directly in the
	// object's own bytes (or its immediately owned containers).
	DirectReferents(env *Environment, s *region.Store, addr Addr) ([]Addr, error)
	// Repr renders a bounded, cycle-safe textual form using t's
	// recursion/breadth/cycle state.
	Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string
}

var catalog = map[string]Decoder{}

// register adds d to the catalog under d.Name(). Called from each
// decoder file's init().
func register(d Decoder) {
	if _, exists := catalog[d.Name()]; exists {
		panic(fmt.Sprintf("pymem: duplicate decoder registered for %q", d.Name()))
	}
	catalog[d.Name()] = d
}

// LookupDecoder returns the decoder registered for the given type
// name, if any.
func LookupDecoder(name string) (Decoder, bool) {
	d, ok := catalog[name]
	return d, ok
}

// DecoderFor resolves the decoder for the object at addr by reading
// its type-of field and looking up the corresponding name in env.
func DecoderFor(env *Environment, s *region.Store, addr Addr) (Decoder, string, error) {
	typeOf, err := TypeOf(s, addr)
	if err != nil {
		return nil, "", err
	}
	name, ok := env.NameForAddr(typeOf)
	if !ok {
		return nil, "", fmt.Errorf("pymem: %w", &MissingTypeError{Name: fmt.Sprintf("<unnamed @%s>", typeOf)})
	}
	d, ok := LookupDecoder(baseName(name))
	if !ok {
		return nil, name, nil
	}
	return d, name, nil
}

// ScanValidObjects sweeps every 8-byte-aligned candidate address in s,
// resolves its declared type through env and the catalog, and invokes
// fn for each candidate whose decoder validates it. This is the shared
// sweep body behind find-all-objects, count-by-type, find-references,
// and aggregate-strings: each differs only in what it does with
// (addr, typeName, dec). fn must be safe to call concurrently; it is
// invoked from scanner worker goroutines, one per candidate address.
func ScanValidObjects(env *Environment, s *region.Store, threads int, progress io.Writer, fn func(addr Addr, typeName string, dec Decoder, threadIndex int)) error {
	return region.Scan[Header](s, func(obj Header, addr region.MappedAddress[Header], threadIndex int) {
		a := region.Cast[region.Raw](addr)
		typeOf := Addr(obj.TypeOf)
		name, ok := env.NameForAddr(typeOf)
		if !ok {
			return
		}
		dec, ok := LookupDecoder(baseName(name))
		if !ok {
			return
		}
		if reason := dec.Validate(env, s, a); reason != Valid {
			return
		}
		fn(a, name, dec, threadIndex)
	}, region.ScanOptions{Stride: 8, Threads: threads, Progress: progress})
}

// baseName strips any "+hex(addr)" collision suffix a registered type
// name may carry, so that e.g. "dict+00000000DEADBEEF" still resolves
// to the "dict" decoder.
func baseName(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '+' {
			return name[:i]
		}
	}
	return name
}
