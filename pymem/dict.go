// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"sort"

	"github.com/nielstron/python-memtools/region"
)

// Dict layout: header(8) + used:int64(8) + keysPtr:ptr(8) +
// valuesPtr:ptr(8, null unless the dict is "split").
//
// Keys-object layout: dkSize:int64(8, capacity, power of two) +
// dkUsable:int64(8) + dkNentries:int64(8), followed immediately by:
//   - the indirection table: dkSize signed integers, 1/2/4/8 bytes
//     wide depending on dkSize (spec.md §4.6, §9 open question);
//   - the entries array: (dkUsable+dkNentries) entries of
//     {hash:int64(8), key:ptr(8), value:ptr(8)} = 24 bytes each.
const (
	dictUsedOffset   = 8
	dictKeysOffset   = 16
	dictValuesOffset = 24
	dictHeaderSize   = 32

	keysSizeOffset     = 0
	keysUsableOffset   = 8
	keysNentriesOffset = 16
	keysTableOffset    = 24
	keysHeaderSize     = 24

	entrySize      = 24
	entryKeyOffset = 8
	entryValOffset = 16

	maxDictSize = 1 << 24
)

// bytesPerTableValue picks the indirection table's slot width for a
// keys-object of the given capacity, the same staircase CPython uses.
func bytesPerTableValue(dkSize int64) int64 {
	switch {
	case dkSize <= 0xff:
		return 1
	case dkSize <= 0xffff:
		return 2
	case dkSize <= 0xffffffff:
		return 4
	default:
		return 8
	}
}

// readTableValue reads the signed, sign-extended table slot at index
// idx within the indirection table starting at keysAddr+keysTableOffset.
func readTableValue(s *region.Store, keysAddr Addr, width, idx int64) (int64, error) {
	data, err := s.Read(keysAddr.OffsetBytes(keysTableOffset+idx*width), width)
	if err != nil {
		return 0, err
	}
	var v int64
	switch width {
	case 1:
		v = int64(int8(data[0]))
	case 2:
		v = int64(int16(uint16(data[0]) | uint16(data[1])<<8))
	case 4:
		v = int64(int32(uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24))
	case 8:
		var u uint64
		for i := 0; i < 8; i++ {
			u |= uint64(data[i]) << (8 * i)
		}
		v = int64(u)
	}
	return v, nil
}

type dictKeysInfo struct {
	size       int64
	usable     int64
	nentries   int64
	width      int64
	entriesOff int64
}

func readKeysInfo(s *region.Store, keysAddr Addr) (dictKeysInfo, error) {
	size, err := readI64(s, keysAddr, keysSizeOffset)
	if err != nil {
		return dictKeysInfo{}, err
	}
	usable, err := readI64(s, keysAddr, keysUsableOffset)
	if err != nil {
		return dictKeysInfo{}, err
	}
	nentries, err := readI64(s, keysAddr, keysNentriesOffset)
	if err != nil {
		return dictKeysInfo{}, err
	}
	width := bytesPerTableValue(size)
	return dictKeysInfo{
		size:       size,
		usable:     usable,
		nentries:   nentries,
		width:      width,
		entriesOff: keysTableOffset + size*width,
	}, nil
}

func (k dictKeysInfo) valid() bool {
	if k.size <= 0 || k.size > maxDictSize || (k.size&(k.size-1)) != 0 {
		return false
	}
	if k.usable < 0 || k.usable > k.size {
		return false
	}
	if k.nentries < 0 || k.nentries > k.usable+k.size {
		return false
	}
	return true
}

func (k dictKeysInfo) entryCount() int64 { return k.usable + k.nentries }

type dictEntry struct {
	key Addr
	val Addr
}

func readEntry(s *region.Store, keysAddr Addr, info dictKeysInfo, idx int64) (dictEntry, error) {
	base := keysAddr.OffsetBytes(info.entriesOff + idx*entrySize)
	key, err := readPtr(s, base, entryKeyOffset)
	if err != nil {
		return dictEntry{}, err
	}
	val, err := readPtr(s, base, entryValOffset)
	if err != nil {
		return dictEntry{}, err
	}
	return dictEntry{key, val}, nil
}

// dictItem is one decoded {key, value} pair, used by both
// DirectReferents and Repr (and so, through DirectReferents, by
// query.FindReferences).
type dictItem struct {
	key Addr
	val Addr
}

// getItems decodes every live entry of the dict at addr, following
// spec.md §4.6's algorithm exactly: walk the indirection table,
// resolve non-negative entries, and prefer the split values array
// over the entry's own value pointer when one is present.
func getItems(s *region.Store, addr Addr) ([]dictItem, error) {
	keysAddr, err := readPtr(s, addr, dictKeysOffset)
	if err != nil {
		return nil, err
	}
	valuesAddr, err := readPtr(s, addr, dictValuesOffset)
	if err != nil {
		return nil, err
	}
	info, err := readKeysInfo(s, keysAddr)
	if err != nil {
		return nil, err
	}

	var items []dictItem
	for pos := int64(0); pos < info.size; pos++ {
		idx, err := readTableValue(s, keysAddr, info.width, pos)
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= info.entryCount() {
			continue
		}
		entry, err := readEntry(s, keysAddr, info, idx)
		if err != nil {
			return nil, err
		}
		if entry.key.IsNull() {
			continue
		}
		val := entry.val
		if !valuesAddr.IsNull() {
			val, err = readPtr(s, valuesAddr, 8*idx)
			if err != nil {
				return nil, err
			}
		}
		items = append(items, dictItem{entry.key, val})
	}
	return items, nil
}

type dictDecoder struct{}

func (dictDecoder) Name() string { return "dict" }

func (dictDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return dictHeaderSize, nil }

func (d dictDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, dictHeaderSize) {
		return ReasonBadSize
	}
	keysAddr, err := readPtr(s, addr, dictKeysOffset)
	if err != nil || !pointerValid(s, keysAddr, keysHeaderSize) {
		return ReasonBadKeys
	}
	valuesAddr, err := readPtr(s, addr, dictValuesOffset)
	if err != nil || !pointerValidOrNull(s, valuesAddr, 8) {
		return ReasonBadPointer
	}

	info, err := readKeysInfo(s, keysAddr)
	if err != nil || !info.valid() {
		return ReasonBadKeys
	}
	if !s.ExistsRange(keysAddr, info.entriesOff+info.entryCount()*entrySize) {
		return ReasonBadKeys
	}
	if !valuesAddr.IsNull() && !s.ExistsRange(valuesAddr, 8*info.entryCount()) {
		return ReasonBadKeys
	}

	items, err := getItems(s, addr)
	if err != nil {
		return ReasonOutOfRange
	}
	// Keys and values are reachable only through a pointer field (via
	// the keys-object's entry array), so validation stops one hop deep
	// here: it checks each is obj-valid, not that it fully validates.
	// A deeper check happens lazily when the traversal actually visits
	// that referent (spec.md §4.4).
	for _, it := range items {
		if !pointerValid(s, it.key, MinObjectSize) {
			return ReasonBadPointer
		}
		if !pointerValidOrNull(s, it.val, MinObjectSize) {
			return ReasonBadPointer
		}
	}
	return Valid
}

func (dictDecoder) DirectReferents(_ *Environment, s *region.Store, addr Addr) ([]Addr, error) {
	var out []Addr
	if keysAddr, err := readPtr(s, addr, dictKeysOffset); err == nil && !keysAddr.IsNull() {
		out = append(out, keysAddr)
	}
	if valuesAddr, err := readPtr(s, addr, dictValuesOffset); err == nil && !valuesAddr.IsNull() {
		out = append(out, valuesAddr)
	}
	items, err := getItems(s, addr)
	if err != nil {
		return out, nil
	}
	for _, it := range items {
		out = append(out, it.key)
		if !it.val.IsNull() {
			out = append(out, it.val)
		}
	}
	return out, nil
}

func (dictDecoder) Repr(env *Environment, s *region.Store, t *Traversal, addr Addr) string {
	items, err := getItems(s, addr)
	if err != nil {
		return "<dict !out_of_range>"
	}
	if len(items) == 0 {
		return "{}"
	}
	type rendered struct{ key, val string }
	pairs := make([]rendered, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, rendered{t.Child(env, s, it.key), t.Child(env, s, it.val)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	shown, truncated := t.TruncateEntries(len(pairs))
	parts := make([]string, 0, shown)
	for i := 0; i < shown; i++ {
		parts = append(parts, pairs[i].key+": "+pairs[i].val)
	}
	if truncated {
		parts = append(parts, Ellipsis)
	}
	return t.RenderEntries(parts, "{", "}")
}

func init() { register(dictDecoder{}) }
