// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"
	"strconv"

	"github.com/nielstron/python-memtools/region"
)

// Both bytes and str share the layout: header(8) + length:int64(8) +
// raw payload[length] immediately following, NUL-terminated for
// convenience (the NUL is not counted in length).
const (
	seqLengthOffset = 8
	seqDataOffset   = 16
	maxSeqLength    = 1 << 32
)

func validateByteSeq(env *Environment, s *region.Store, addr Addr, wantName string) (length int64, reason InvalidReason) {
	typeOf, err := TypeOf(s, addr)
	if err != nil || !env.isKnownTypeOf(typeOf, wantName) {
		return 0, ReasonBadTypeOf
	}
	n, err := readI64(s, addr, seqLengthOffset)
	if err != nil {
		return 0, ReasonOutOfRange
	}
	if n < 0 || n > maxSeqLength {
		return 0, ReasonBadCount
	}
	if !s.ExistsRange(addr, seqDataOffset+n) {
		return 0, ReasonBadSize
	}
	return n, Valid
}

// SeqLength reads the length field shared by str and bytes objects,
// without decoding the payload or going through Traversal.
func SeqLength(s *region.Store, addr Addr) (int64, error) {
	return readI64(s, addr, seqLengthOffset)
}

func truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	return s[:max], true
}

// --- bytes ---

type bytesDecoder struct{}

func (bytesDecoder) Name() string { return "bytes" }

func (bytesDecoder) Size(s *region.Store, addr Addr) (int64, error) {
	n, err := readI64(s, addr, seqLengthOffset)
	return seqDataOffset + n, err
}

func (d bytesDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	_, reason := validateByteSeq(env, s, addr, d.Name())
	return reason
}

func (bytesDecoder) DirectReferents(_ *Environment, _ *region.Store, _ Addr) ([]Addr, error) {
	return nil, nil
}

func (bytesDecoder) Repr(_ *Environment, s *region.Store, t *Traversal, addr Addr) string {
	n, err := readI64(s, addr, seqLengthOffset)
	if err != nil {
		return "<bytes !out_of_range>"
	}
	data, err := s.Read(addr.OffsetBytes(seqDataOffset), n)
	if err != nil {
		return "<bytes !out_of_range>"
	}
	if t.BytesAsHex {
		return fmt.Sprintf("hex(%x)", data)
	}
	out, truncated := truncate(strconv.Quote(string(data)), t.MaxStringLength)
	out = "b" + out
	if truncated {
		out += Ellipsis
	}
	return out
}

func init() { register(bytesDecoder{}) }

// --- str ---

type strDecoder struct{}

func (strDecoder) Name() string { return "str" }

func (strDecoder) Size(s *region.Store, addr Addr) (int64, error) {
	n, err := readI64(s, addr, seqLengthOffset)
	return seqDataOffset + n, err
}

func (d strDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	_, reason := validateByteSeq(env, s, addr, d.Name())
	return reason
}

func (strDecoder) DirectReferents(_ *Environment, _ *region.Store, _ Addr) ([]Addr, error) {
	return nil, nil
}

func (strDecoder) Repr(_ *Environment, s *region.Store, t *Traversal, addr Addr) string {
	n, err := readI64(s, addr, seqLengthOffset)
	if err != nil {
		return "<str !out_of_range>"
	}
	data, err := s.Read(addr.OffsetBytes(seqDataOffset), n)
	if err != nil {
		return "<str !out_of_range>"
	}
	out, truncated := truncate(strconv.Quote(string(data)), t.MaxStringLength)
	if truncated {
		out += Ellipsis
	}
	return out
}

func init() { register(strDecoder{}) }
