// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pymem decodes typed objects out of a captured interpreter
// heap: the object-validation and graph-traversal engine that sits on
// top of a region.Store. Every decoder here is a pure function of
// (Environment, bytes); none of them mutate the Environment or hold
// state across calls.
package pymem

import "fmt"

// InvalidReason is the short machine-checkable code a validator
// returns instead of throwing. The empty string means "valid".
type InvalidReason string

// Valid is the zero InvalidReason: the object satisfies its type's
// invariants.
const Valid InvalidReason = ""

// String renders the reason the way repr embeds it: <T !reason>.
func (r InvalidReason) String() string {
	return string(r)
}

// Common reason codes shared across decoders. Type-specific decoders
// may return additional codes of their own; callers must not assume
// this is exhaustive.
const (
	ReasonBadTypeOf   InvalidReason = "invalid_ob_type"
	ReasonBadPointer  InvalidReason = "invalid_pointer"
	ReasonBadSize     InvalidReason = "invalid_size"
	ReasonBadCount    InvalidReason = "invalid_count"
	ReasonOutOfRange  InvalidReason = "out_of_range"
	ReasonBadName     InvalidReason = "invalid_name"
	ReasonBadState    InvalidReason = "invalid_f_state"
	ReasonBadKeys     InvalidReason = "invalid_ma_keys"
	ReasonUnknownType InvalidReason = "unknown_type"
)

// MissingTypeError is returned when a query needs a type name that
// isn't (yet) in the Environment.
type MissingTypeError struct {
	Name string
}

func (e *MissingTypeError) Error() string {
	return fmt.Sprintf("pymem: type %q not found in environment", e.Name)
}
