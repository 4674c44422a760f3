// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"sort"

	"github.com/nielstron/python-memtools/region"
)

// Set layout: header(8) + fill:int64(8) + used:int64(8) + mask:int64(8)
// + tableAddr:ptr(8), the table itself living in a separately
// allocated array of (mask+1) entries of {hash:int64(8), key:ptr(8)} =
// 16 bytes each. Invariants: fill <= mask+1, used <= fill.
const (
	setFillOffset  = 8
	setUsedOffset  = 16
	setMaskOffset  = 24
	setTableOffset = 32
	setHeaderSize  = 40

	setEntrySize      = 16
	setEntryKeyOffset = 8
)

type setDecoder struct{}

func (setDecoder) Name() string { return "set" }

func (setDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return setHeaderSize, nil }

func setFields(s *region.Store, addr Addr) (fill, used, mask int64, table Addr, err error) {
	if fill, err = readI64(s, addr, setFillOffset); err != nil {
		return
	}
	if used, err = readI64(s, addr, setUsedOffset); err != nil {
		return
	}
	if mask, err = readI64(s, addr, setMaskOffset); err != nil {
		return
	}
	table, err = readPtr(s, addr, setTableOffset)
	return
}

func (d setDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	fill, used, mask, table, err := setFields(s, addr)
	if err != nil {
		return ReasonOutOfRange
	}
	if mask < 0 || (mask+1)&mask != 0 {
		return ReasonBadCount
	}
	if fill < 0 || fill > mask+1 {
		return ReasonBadCount
	}
	if used < 0 || used > fill {
		return ReasonBadCount
	}
	if !pointerValid(s, table, (mask+1)*setEntrySize) {
		return ReasonBadPointer
	}
	for i := int64(0); i <= mask; i++ {
		key, err := readPtr(s, table, i*setEntrySize+setEntryKeyOffset)
		if err != nil || !pointerValidOrNull(s, key, MinObjectSize) {
			return ReasonBadPointer
		}
	}
	return Valid
}

func setItems(s *region.Store, addr Addr) ([]Addr, error) {
	_, _, mask, table, err := setFields(s, addr)
	if err != nil {
		return nil, err
	}
	var out []Addr
	for i := int64(0); i <= mask; i++ {
		key, err := readPtr(s, table, i*setEntrySize+setEntryKeyOffset)
		if err != nil {
			return nil, err
		}
		if !key.IsNull() {
			out = append(out, key)
		}
	}
	return out, nil
}

func (setDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	return setItems(s, addr)
}

func (setDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	items, err := setItems(s, addr)
	if err != nil {
		return "<set !out_of_range>"
	}
	if len(items) == 0 {
		return "set()"
	}
	rendered := make([]string, 0, len(items))
	for _, it := range items {
		rendered = append(rendered, t.Child(env, s, it))
	}
	sort.Strings(rendered)

	shown, truncated := t.TruncateEntries(len(rendered))
	parts := append([]string{}, rendered[:shown]...)
	if truncated {
		parts = append(parts, Ellipsis)
	}
	return t.RenderEntries(parts, "{", "}")
}

func init() { register(setDecoder{}) }
