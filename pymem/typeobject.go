// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"

	"github.com/nielstron/python-memtools/region"
)

// Layout offsets for a type object: a type is itself a heap object
// (its own "type-of" field is the meta-type, per spec.md §3), carrying
// a C-string name pointer, a basic instance size, a flags word, a
// pointer to its own attribute dict, and a pointer to its base type.
const (
	typeNameOffset      = 8
	typeBasicSizeOffset = 16
	typeFlagsOffset     = 24
	typeDictOffset      = 32
	typeBaseOffset      = 40
	typeObjectMinSize   = 48
)

// decodeTypeName reads and decodes the NUL-terminated name of the type
// object at addr. Used by both bootstrap sweeps, before the
// Environment even has a name->address map to dispatch through.
func decodeTypeName(s *region.Store, addr Addr) (string, error) {
	namePtr, err := readPtr(s, addr, typeNameOffset)
	if err != nil {
		return "", err
	}
	if !pointerValid(s, namePtr, 1) {
		return "", fmt.Errorf("pymem: type name pointer invalid at %s", addr)
	}
	return region.ReadCString(s, region.Cast[byte](namePtr))
}

// typeDecoder decodes objects whose type-of field is the base
// meta-type itself: type objects.
type typeDecoder struct{}

func (typeDecoder) Name() string { return "type" }

func (typeDecoder) Size(_ *region.Store, _ Addr) (int64, error) {
	return typeObjectMinSize, nil
}

func (d typeDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil {
		return ReasonOutOfRange
	}
	if typeOf != env.BaseMetaType {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, typeObjectMinSize) {
		return ReasonBadSize
	}
	name, err := decodeTypeName(s, addr)
	if err != nil || name == "" {
		return ReasonBadName
	}
	dict, err := readPtr(s, addr, typeDictOffset)
	if err != nil || !pointerValidOrNull(s, dict, MinObjectSize) {
		return ReasonBadPointer
	}
	base, err := readPtr(s, addr, typeBaseOffset)
	if err != nil || !pointerValidOrNull(s, base, typeObjectMinSize) {
		return ReasonBadPointer
	}
	return Valid
}

func (d typeDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	var out []Addr
	if dict, err := readPtr(s, addr, typeDictOffset); err == nil && !dict.IsNull() {
		out = append(out, dict)
	}
	if base, err := readPtr(s, addr, typeBaseOffset); err == nil && !base.IsNull() {
		out = append(out, base)
	}
	return out, nil
}

func (d typeDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	name, err := decodeTypeName(s, addr)
	if err != nil {
		return fmt.Sprintf("<type@%s !%s>", addr, ReasonBadName)
	}
	return fmt.Sprintf("<class '%s'>", name)
}

func init() { register(typeDecoder{}) }
