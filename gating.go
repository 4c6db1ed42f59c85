// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

// GatingNetwork produces a probability distribution over experts per input
// row:
//
//	probs = softmax(W2 @ relu(W1 @ x + b1) + b2)
//
// Softmax gives differentiable soft routing: every expert contributes with a
// learned weight, so the gate and the experts train jointly by plain
// backpropagation, with no discrete routing decisions.
type GatingNetwork struct {
	fc1       *Linear
	act       *ReLU
	fc2       *Linear
	nExperts  int
	lastProbs *Tensor // cached softmax output for the backward pass
}

// NewGatingNetwork creates a gate mapping inputDim features to a distribution
// over nExperts.
func NewGatingNetwork(inputDim, hiddenDim, nExperts int) *GatingNetwork {
	return &GatingNetwork{
		fc1:      NewLinear(inputDim, hiddenDim),
		act:      NewReLU(),
		fc2:      NewLinear(hiddenDim, nExperts),
		nExperts: nExperts,
	}
}

// Forward computes gate probabilities for a [N, inputDim] batch, caching
// activations for Backward. Each output row is non-negative and sums to 1.
func (g *GatingNetwork) Forward(input *Tensor) *Tensor {
	logits := g.fc2.Forward(g.act.Forward(g.fc1.Forward(input)))
	g.lastProbs = logits.Softmax()
	return g.lastProbs
}

// Probs computes gate probabilities without touching any cached training
// state. Used for the inference-style gate probe, which must not disturb a
// pending forward/backward pair.
func (g *GatingNetwork) Probs(input *Tensor) *Tensor {
	logits := g.fc2.forward(g.act.forward(g.fc1.forward(input, false), false), false)
	return logits.Softmax()
}

// Backward takes dL/dprobs, applies the softmax Jacobian to obtain
// dL/dlogits, then backpropagates through both linear layers.
//
//	dL/dlogit_i = p_i * (dL/dp_i - sum_j p_j * dL/dp_j)
func (g *GatingNetwork) Backward(gradProbs *Tensor) *Tensor {
	if g.lastProbs == nil {
		panic("backward called before forward")
	}
	n, e := gradProbs.Shape().At(0), gradProbs.Shape().At(1)
	probs := g.lastProbs.DataPtr()
	gp := gradProbs.DataPtr()

	gradLogits := New(gradProbs.Shape())
	gl := gradLogits.DataPtr()
	for t := 0; t < n; t++ {
		off := t * e
		dot := float32(0)
		for i := 0; i < e; i++ {
			dot += probs[off+i] * gp[off+i]
		}
		for i := 0; i < e; i++ {
			gl[off+i] = probs[off+i] * (gp[off+i] - dot)
		}
	}

	return g.fc1.Backward(g.act.Backward(g.fc2.Backward(gradLogits)))
}

// Parameters returns the weights and biases of both linear layers.
func (g *GatingNetwork) Parameters() []*Tensor {
	return concatParams(g.fc1.Parameters(), g.fc2.Parameters())
}

// NumExperts returns the size of the output distribution.
func (g *GatingNetwork) NumExperts() int { return g.nExperts }
