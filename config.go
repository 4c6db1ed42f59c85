// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

import "fmt"

// Config holds the hyperparameters defining a Mixture-of-Experts regression
// model. All fields are fixed at construction time.
type Config struct {
	InputDim        int   // dimensionality of each input row
	HiddenDims      []int // hidden widths of every expert MLP, in order
	OutputDim       int   // dimensionality of each output row
	NumExperts      int   // number of independent experts (>= 1)
	GatingHiddenDim int   // hidden width of the gating network
}

// DefaultConfig returns the reference configuration: 10-dim input, two
// 64-wide hidden layers per expert, scalar output, 4 experts, 32-wide gate.
func DefaultConfig() Config {
	return Config{
		InputDim:        10,
		HiddenDims:      []int{64, 64},
		OutputDim:       1,
		NumExperts:      4,
		GatingHiddenDim: 32,
	}
}

// Tiny returns a minimal configuration for fast unit tests.
func Tiny() Config {
	return Config{
		InputDim:        4,
		HiddenDims:      []int{8},
		OutputDim:       2,
		NumExperts:      3,
		GatingHiddenDim: 8,
	}
}

// Validate checks every field and returns a ConfigurationError describing
// the first violation found.
func (c Config) Validate() error {
	if c.InputDim < 1 {
		return &ConfigurationError{Field: "InputDim", Reason: "must be positive"}
	}
	if c.OutputDim < 1 {
		return &ConfigurationError{Field: "OutputDim", Reason: "must be positive"}
	}
	if len(c.HiddenDims) == 0 {
		return &ConfigurationError{Field: "HiddenDims", Reason: "at least one hidden layer is required"}
	}
	for i, h := range c.HiddenDims {
		if h < 1 {
			return &ConfigurationError{Field: "HiddenDims", Reason: fmt.Sprintf("width at index %d must be positive", i)}
		}
	}
	if c.NumExperts < 1 {
		return &ConfigurationError{Field: "NumExperts", Reason: "must be >= 1"}
	}
	if c.GatingHiddenDim < 1 {
		return &ConfigurationError{Field: "GatingHiddenDim", Reason: "must be positive"}
	}
	return nil
}

// NumParams returns the total trainable parameter count: the gating network
// plus NumExperts copies of the expert MLP (weights and biases).
func (c Config) NumParams() int {
	expert := 0
	prev := c.InputDim
	for _, h := range c.HiddenDims {
		expert += prev*h + h
		prev = h
	}
	expert += prev*c.OutputDim + c.OutputDim

	gate := c.InputDim*c.GatingHiddenDim + c.GatingHiddenDim +
		c.GatingHiddenDim*c.NumExperts + c.NumExperts

	return c.NumExperts*expert + gate
}
