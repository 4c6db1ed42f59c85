// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

import "fmt"

// The error taxonomy of the public API. Internal tensor invariant violations
// panic (they indicate bugs, not caller mistakes); everything a caller can
// plausibly get wrong surfaces as one of these typed errors, matchable with
// errors.As. Nothing is caught or retried inside the package.

// ShapeError reports a dimension mismatch between supplied data and the
// model's configured dimensions, or between paired batch tensors.
type ShapeError struct {
	Op   string // operation that detected the mismatch
	Want string // expected shape, human-readable
	Got  Shape  // offending shape
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("moe: %s: shape mismatch: want %s, got %v", e.Op, e.Want, e.Got)
}

// EmptyBatchError reports a zero-row batch. Empty batches are rejected
// rather than silently no-opped so the utilization running average is never
// blended with an undefined batch mean.
type EmptyBatchError struct {
	Op string
}

func (e *EmptyBatchError) Error() string {
	return fmt.Sprintf("moe: %s: empty batch", e.Op)
}

// NumericalDivergenceError reports a non-finite loss or gradient norm.
// The step that detected it applied no parameter update; recovery policy
// (if any) belongs to the caller.
type NumericalDivergenceError struct {
	Quantity string  // which value went non-finite
	Value    float32 // the offending value (NaN or +/-Inf)
}

func (e *NumericalDivergenceError) Error() string {
	return fmt.Sprintf("moe: non-finite %s: %v", e.Quantity, e.Value)
}

// ConfigurationError reports an invalid construction parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("moe: invalid configuration: %s: %s", e.Field, e.Reason)
}
