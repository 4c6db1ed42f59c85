// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Gate rows must be valid probability distributions: non-negative, sum to 1.
func TestGatingForwardDistribution(t *testing.T) {
	g := NewGatingNetwork(6, 8, 4)
	x := Randn(NewShape(5, 6))

	probs := g.Forward(x)
	require.True(t, probs.Shape().Equal(NewShape(5, 4)))

	data := probs.DataPtr()
	for row := 0; row < 5; row++ {
		sum := float32(0)
		for k := 0; k < 4; k++ {
			v := data[row*4+k]
			assert.GreaterOrEqual(t, v, float32(0))
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
}

// Probs must match Forward numerically (same weights, same input) while
// leaving the cached training state untouched.
func TestGatingProbsMatchesForwardWithoutCaching(t *testing.T) {
	g := NewGatingNetwork(4, 8, 3)
	x := Randn(NewShape(2, 4))

	want := g.Forward(x).Data()
	cached := g.lastProbs

	got := g.Probs(x).Data()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6)
	}
	// Probe did not replace the cached softmax output.
	assert.Same(t, cached, g.lastProbs)
}

// Softmax Jacobian property: the logit gradient of each row sums to zero,
// because softmax outputs are constrained to sum to 1.
func TestGatingBackwardRowsSumToZero(t *testing.T) {
	g := NewGatingNetwork(4, 8, 3)
	x := Randn(NewShape(6, 4))
	g.Forward(x)

	gradProbs := Randn(NewShape(6, 3))

	// Capture fc2's input gradient indirectly: verify via the internal
	// Jacobian by recomputing it here from the cached probabilities.
	probs := g.lastProbs.DataPtr()
	gp := gradProbs.DataPtr()
	for row := 0; row < 6; row++ {
		off := row * 3
		dot := float32(0)
		for i := 0; i < 3; i++ {
			dot += probs[off+i] * gp[off+i]
		}
		rowSum := float32(0)
		for i := 0; i < 3; i++ {
			rowSum += probs[off+i] * (gp[off+i] - dot)
		}
		assert.InDelta(t, 0.0, rowSum, 1e-5)
	}

	// And the full backward pass must produce an input gradient of the right
	// shape with gradients on every gate parameter.
	gradIn := g.Backward(gradProbs)
	require.True(t, gradIn.Shape().Equal(NewShape(6, 4)))
	for i, p := range g.Parameters() {
		assert.NotNilf(t, p.Grad, "gate parameter %d received no gradient", i)
	}
}

// A single expert degenerates to a gate that always outputs 1.
func TestGatingSingleExpert(t *testing.T) {
	g := NewGatingNetwork(4, 8, 1)
	probs := g.Forward(Randn(NewShape(3, 4)))
	for _, v := range probs.Data() {
		assert.InDelta(t, 1.0, v, 1e-6)
	}
}
