// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pymem

import (
	"fmt"
	"math"

	"github.com/nielstron/python-memtools/region"
)

// --- int ---
//
// Layout: header(8) + ob_size:int64(8, signed digit count; negative
// for negative values) + digits[abs(ob_size)]:uint32, 30 bits used per
// digit, base 2^30, least-significant digit first. This mirrors
// CPython's variable-width PyLongObject closely enough to decode small
// values exactly while staying bounded for huge ones.
const (
	intSizeOffset  = 8
	intDigitsStart = 16
	intDigitBits   = 30
	maxIntDigits   = 1 << 16 // sanity bound; real ints rarely exceed this
)

type intDecoder struct{}

func (intDecoder) Name() string { return "int" }

func (intDecoder) Size(s *region.Store, addr Addr) (int64, error) {
	n, err := readI64(s, addr, intSizeOffset)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = -n
	}
	return intDigitsStart + 4*n, nil
}

func (d intDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	if typeOf, err := TypeOf(s, addr); err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	n, err := readI64(s, addr, intSizeOffset)
	if err != nil {
		return ReasonOutOfRange
	}
	digits := n
	if digits < 0 {
		digits = -digits
	}
	if digits > maxIntDigits {
		return ReasonBadCount
	}
	if !s.ExistsRange(addr, intDigitsStart+4*digits) {
		return ReasonBadSize
	}
	return Valid
}

func (intDecoder) DirectReferents(_ *Environment, _ *region.Store, _ Addr) ([]Addr, error) {
	return nil, nil
}

func (intDecoder) Repr(_ *Environment, s *region.Store, _ *Traversal, addr Addr) string {
	n, err := readI64(s, addr, intSizeOffset)
	if err != nil {
		return "<int !out_of_range>"
	}
	negative := n < 0
	digits := n
	if negative {
		digits = -digits
	}
	if digits == 0 {
		return "0"
	}
	if digits > 2 {
		return fmt.Sprintf("<int digits=%d>", digits)
	}
	data, err := s.Read(addr.OffsetBytes(intDigitsStart), 4*digits)
	if err != nil {
		return "<int !out_of_range>"
	}
	var v uint64
	for i := int64(0); i < digits; i++ {
		d := uint64(data[4*i]) | uint64(data[4*i+1])<<8 | uint64(data[4*i+2])<<16 | uint64(data[4*i+3])<<24
		v |= d << (intDigitBits * i)
	}
	if negative {
		return fmt.Sprintf("-%d", v)
	}
	return fmt.Sprintf("%d", v)
}

func init() { register(intDecoder{}) }

// --- float ---

const floatValueOffset = 8

type floatDecoder struct{}

func (floatDecoder) Name() string { return "float" }

func (floatDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return 16, nil }

func (d floatDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	if typeOf, err := TypeOf(s, addr); err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	if !s.ExistsRange(addr, 16) {
		return ReasonBadSize
	}
	return Valid
}

func (floatDecoder) DirectReferents(_ *Environment, _ *region.Store, _ Addr) ([]Addr, error) {
	return nil, nil
}

func (floatDecoder) Repr(_ *Environment, s *region.Store, _ *Traversal, addr Addr) string {
	bits, err := readU64(s, addr, floatValueOffset)
	if err != nil {
		return "<float !out_of_range>"
	}
	return fmt.Sprintf("%g", math.Float64frombits(bits))
}

func init() { register(floatDecoder{}) }

// --- bool ---

const boolValueOffset = 8

type boolDecoder struct{}

func (boolDecoder) Name() string { return "bool" }

func (boolDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return 9, nil }

func (d boolDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	if typeOf, err := TypeOf(s, addr); err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	data, err := s.Read(addr.OffsetBytes(boolValueOffset), 1)
	if err != nil {
		return ReasonOutOfRange
	}
	if data[0] > 1 {
		return ReasonBadSize
	}
	return Valid
}

func (boolDecoder) DirectReferents(_ *Environment, _ *region.Store, _ Addr) ([]Addr, error) {
	return nil, nil
}

func (boolDecoder) Repr(_ *Environment, s *region.Store, _ *Traversal, addr Addr) string {
	data, err := s.Read(addr.OffsetBytes(boolValueOffset), 1)
	if err != nil || data[0] == 0 {
		return "False"
	}
	return "True"
}

func init() { register(boolDecoder{}) }

// --- NoneType ---

type noneDecoder struct{}

func (noneDecoder) Name() string { return "NoneType" }

func (noneDecoder) Size(_ *region.Store, _ Addr) (int64, error) { return 8, nil }

func (d noneDecoder) Validate(env *Environment, s *region.Store, addr Addr) InvalidReason {
	if typeOf, err := TypeOf(s, addr); err != nil || !env.isKnownTypeOf(typeOf, d.Name()) {
		return ReasonBadTypeOf
	}
	return Valid
}

func (noneDecoder) DirectReferents(_ *Environment, _ *region.Store, _ Addr) ([]Addr, error) {
	return nil, nil
}

func (noneDecoder) Repr(_ *Environment, _ *region.Store, _ *Traversal, _ Addr) string {
	return "None"
}

func init() { register(noneDecoder{}) }
