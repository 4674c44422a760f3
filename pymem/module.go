// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"

	"github.com/nielstron/python-memtools/region"
)

// Module layout: header(8) + dict:ptr(8, the module's __dict__).
const (
	moduleDictOffset = 8
	moduleHeaderSize = 16
)

type moduleDecoder struct{}

func (moduleDecoder) Name() string { return "module" }

func (moduleDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return moduleHeaderSize, nil }

func (d moduleDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	dict, err := readPtr(s, addr, moduleDictOffset)
	if err != nil || !pointerValid(s, dict, keysHeaderSize) {
		return ReasonBadPointer
	}
	if dec, _, err := DecoderFor(env, s, dict); err == nil && dec != nil {
		if reason := dec.Validate(env, s, dict); reason != Valid {
			return InvalidReason("invalid_dict_" + string(reason))
		}
	}
	return Valid
}

func (moduleDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	dict, err := readPtr(s, addr, moduleDictOffset)
	if err != nil {
		return nil, err
	}
	if dict.IsNull() {
		return nil, nil
	}
	return []Addr{dict}, nil
}

func (moduleDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	name, ok := ModuleName(env, s, addr)
	if !ok {
		return fmt.Sprintf("<module@%s>", addr)
	}
	return fmt.Sprintf("<module %q>", name)
}

func init() { register(moduleDecoder{}) }

// Dict returns a module's __dict__ address.
func (moduleDecoder) Dict(s *region.Store, addr Addr) (Addr, error) {
	return readPtr(s, addr, moduleDictOffset)
}

// ModuleName decodes a module's __name__ from its instance dict, per
// the find-module semantics supplemented from original_source/
// AnalysisShell.cc: walk the module's dict looking for the key whose
// decoded str value is the literal text "__name__", and decode its str
// value.
func ModuleName(env *Environment, s *region.Store, addr Addr) (string, bool) {
	dict, err := readPtr(s, addr, moduleDictOffset)
	if err != nil || dict.IsNull() {
		return "", false
	}
	items, err := getItems(s, dict)
	if err != nil {
		return "", false
	}
	for _, it := range items {
		key, ok := decodeShortStr(s, it.key)
		if ok && key == "__name__" {
			val, ok := decodeShortStr(s, it.val)
			return val, ok
		}
	}
	return "", false
}

// decodeShortStr decodes addr as a str object without going through
// the Traversal/repr machinery (no quoting, no truncation): used for
// exact-match lookups like __name__.
func decodeShortStr(s *region.Store, addr Addr) (string, bool) {
	if addr.IsNull() {
		return "", false
	}
	n, err := readI64(s, addr, seqLengthOffset)
	if err != nil || n < 0 || n > maxSeqLength {
		return "", false
	}
	data, err := s.Read(addr.OffsetBytes(seqDataOffset), n)
	if err != nil {
		return "", false
	}
	return string(data), true
}
