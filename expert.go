// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

// Expert is a single feed-forward regression network: Linear+ReLU for each
// configured hidden width, then a final Linear projection to the output
// dimension. Weights are mutated only by the optimizer during training.
type Expert struct {
	layers []Layer
	inDim  int
	outDim int
}

// NewExpert builds an expert MLP from an ordered list of hidden widths.
func NewExpert(inputDim int, hiddenDims []int, outputDim int) *Expert {
	return &Expert{
		layers: newStack(inputDim, hiddenDims, outputDim),
		inDim:  inputDim,
		outDim: outputDim,
	}
}

// Forward applies the stack to a [N, inputDim] batch, producing [N, outputDim].
func (e *Expert) Forward(input *Tensor) *Tensor {
	x := input
	for _, l := range e.layers {
		x = l.Forward(x)
	}
	return x
}

// Backward propagates gradients through the stack in reverse order,
// accumulating weight and bias gradients, and returns dL/dx.
func (e *Expert) Backward(gradOutput *Tensor) *Tensor {
	grad := gradOutput
	for i := len(e.layers) - 1; i >= 0; i-- {
		grad = e.layers[i].Backward(grad)
	}
	return grad
}

// Parameters returns every weight and bias in the stack.
func (e *Expert) Parameters() []*Tensor { return stackParams(e.layers) }

// InputDim returns the expert's input dimension.
func (e *Expert) InputDim() int { return e.inDim }

// OutputDim returns the expert's output dimension.
func (e *Expert) OutputDim() int { return e.outDim }
