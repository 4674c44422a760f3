// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"github.com/nielstron/python-memtools/region"
)

const (
	tupleCountOffset = 8
	tupleItemsOffset = 16
	maxTupleCount    = 1 << 24
)

// --- tuple ---
//
// Layout: header(8) + count:int64(8) + items[count]:ptr(8), items
// stored inline immediately after the header, as CPython does.

type tupleDecoder struct{}

func (tupleDecoder) Name() string { return "tuple" }

func (tupleDecoder) Size(s *region.Store, addr Addr) (int64, error) {
	n, err := readI64(s, addr, tupleCountOffset)
	return tupleItemsOffset + 8*n, err
}

func (d tupleDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	n, err := readI64(s, addr, tupleCountOffset)
	if err != nil || n < 0 || n > maxTupleCount {
		return ReasonBadCount
	}
	if !s.ExistsRange(addr, tupleItemsOffset+8*n) {
		return ReasonBadSize
	}
	for i := int64(0); i < n; i++ {
		item, err := readPtr(s, addr, tupleItemsOffset+8*i)
		if err != nil || !pointerValidOrNull(s, item, MinObjectSize) {
			return ReasonBadPointer
		}
	}
	return Valid
}

func tupleItems(s *region.Store, addr Addr) ([]Addr, error) {
	n, err := readI64(s, addr, tupleCountOffset)
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, n)
	for i := int64(0); i < n; i++ {
		item, err := readPtr(s, addr, tupleItemsOffset+8*i)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (tupleDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	items, err := tupleItems(s, addr)
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, len(items))
	for _, it := range items {
		if !it.IsNull() {
			out = append(out, it)
		}
	}
	return out, nil
}

func reprSequence(env *Environment, s *region.Store, t *Traversal, addr Addr, items []Addr, open, close, empty string) string {
	if len(items) == 0 {
		return empty
	}
	shown, truncated := t.TruncateEntries(len(items))
	parts := make([]string, 0, shown)
	for i := 0; i < shown; i++ {
		parts = append(parts, t.Child(env, s, items[i]))
	}
	if truncated {
		parts = append(parts, Ellipsis)
	}
	return t.RenderEntries(parts, open, close)
}

func (tupleDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	items, err := tupleItems(s, addr)
	if err != nil {
		return "<tuple !out_of_range>"
	}
	if len(items) == 1 {
		return "(" + t.Child(env, s, items[0]) + ",)"
	}
	return reprSequence(env, s, t, addr, items, "(", ")", "()")
}

func init() { register(tupleDecoder{}) }

// --- list ---
//
// Layout: header(8) + count:int64(8, ob_size) + items:ptr(8, to a
// separately allocated backing array) + allocated:int64(8, capacity).

const (
	listCountOffset     = 8
	listItemsPtrOffset  = 16
	listAllocatedOffset = 24
	listHeaderSize      = 32
)

type listDecoder struct{}

func (listDecoder) Name() string { return "list" }

func (listDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return listHeaderSize, nil }

func (d listDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	n, err := readI64(s, addr, listCountOffset)
	if err != nil || n < 0 || n > maxTupleCount {
		return ReasonBadCount
	}
	alloc, err := readI64(s, addr, listAllocatedOffset)
	if err != nil || alloc < n {
		return ReasonBadCount
	}
	itemsPtr, err := readPtr(s, addr, listItemsPtrOffset)
	if err != nil {
		return ReasonOutOfRange
	}
	if n > 0 && !pointerValid(s, itemsPtr, 8*n) {
		return ReasonBadPointer
	}
	for i := int64(0); i < n; i++ {
		item, err := readPtr(s, itemsPtr, 8*i)
		if err != nil || !pointerValidOrNull(s, item, MinObjectSize) {
			return ReasonBadPointer
		}
	}
	return Valid
}

func listItems(s *region.Store, addr Addr) ([]Addr, error) {
	n, err := readI64(s, addr, listCountOffset)
	if err != nil {
		return nil, err
	}
	itemsPtr, err := readPtr(s, addr, listItemsPtrOffset)
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, n)
	for i := int64(0); i < n; i++ {
		item, err := readPtr(s, itemsPtr, 8*i)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (listDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	items, err := listItems(s, addr)
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, len(items))
	for _, it := range items {
		if !it.IsNull() {
			out = append(out, it)
		}
	}
	return out, nil
}

func (listDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	items, err := listItems(s, addr)
	if err != nil {
		return "<list !out_of_range>"
	}
	return reprSequence(env, s, t, addr, items, "[", "]", "[]")
}

func init() { register(listDecoder{}) }
