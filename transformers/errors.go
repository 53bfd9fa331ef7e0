// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transformers

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ShapeMismatchError reports an operand whose shape disagrees with what an
// operation requires. Expected and Actual carry the full shapes so the message
// always shows both sides; Expected may be the zero Shape when the operation
// only constrains part of the shape, in which case Detail explains the
// constraint.
//
// Inside graph-building code it is thrown as an exception (see Panicf style in
// the graph package); use exceptions.TryCatch[error] to convert it to a
// returned error, and IsShapeMismatch to test for it.
type ShapeMismatchError struct {
	Op       string
	Expected shapes.Shape
	Actual   shapes.Shape
	Detail   string
}

func (e *ShapeMismatchError) Error() string {
	var msg string
	if e.Expected.DType == dtypes.InvalidDType {
		msg = fmt.Sprintf("%s: shape mismatch: got %s", e.Op, e.Actual)
	} else {
		msg = fmt.Sprintf("%s: shape mismatch: expected %s, got %s", e.Op, e.Expected, e.Actual)
	}
	if e.Detail != "" {
		msg = msg + " (" + e.Detail + ")"
	}
	return msg
}

// ConfigurationError reports an invalid Config field or builder setting.
type ConfigurationError struct {
	Field  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration of %q: %s", e.Field, e.Detail)
}

// CacheStateError reports a cache whose fill index cannot accept the requested
// operation, e.g. a decode step on an already full cache.
type CacheStateError struct {
	Index     int
	MaxLength int
	Detail    string
}

func (e *CacheStateError) Error() string {
	return fmt.Sprintf("invalid cache state: %s (index=%d, max_length=%d)", e.Detail, e.Index, e.MaxLength)
}

// exceptionShapeMismatch throws a *ShapeMismatchError with a stack trace
// attached, to be caught with exceptions.TryCatch[error].
func exceptionShapeMismatch(op string, expected, actual shapes.Shape, detailFormat string, args ...any) {
	panic(errors.WithStack(&ShapeMismatchError{
		Op:       op,
		Expected: expected,
		Actual:   actual,
		Detail:   fmt.Sprintf(detailFormat, args...),
	}))
}

// exceptionConfig throws a *ConfigurationError with a stack trace attached.
func exceptionConfig(field, detailFormat string, args ...any) {
	panic(errors.WithStack(&ConfigurationError{
		Field:  field,
		Detail: fmt.Sprintf(detailFormat, args...),
	}))
}

// exceptionCacheState throws a *CacheStateError with a stack trace attached.
func exceptionCacheState(index, maxLength int, detailFormat string, args ...any) {
	panic(errors.WithStack(&CacheStateError{
		Index:     index,
		MaxLength: maxLength,
		Detail:    fmt.Sprintf(detailFormat, args...),
	}))
}

// IsShapeMismatch reports whether err is or wraps a *ShapeMismatchError.
func IsShapeMismatch(err error) bool {
	var target *ShapeMismatchError
	return errors.As(err, &target)
}

// IsConfiguration reports whether err is or wraps a *ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsCacheState reports whether err is or wraps a *CacheStateError.
func IsCacheState(err error) bool {
	var target *CacheStateError
	return errors.As(err, &target)
}
