// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

import "github.com/chewxy/math32"

// Layer is the common interface for network layers with forward/backward
// passes and parameter access (for the optimizer).
type Layer interface {
	Forward(input *Tensor) *Tensor
	Backward(gradOutput *Tensor) *Tensor
	Parameters() []*Tensor
}

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b.
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight    *Tensor
	bias      *Tensor
	inFeat    int
	outFeat   int
	lastInput *Tensor // cached for backward pass
}

// NewLinear creates a linear layer with Kaiming initialization: N(0, sqrt(2/in)).
// Bias is initialized to zero.
func NewLinear(inFeatures, outFeatures int) *Linear {
	std := math32.Sqrt(2.0 / float32(inFeatures))
	return &Linear{
		weight:  RandnWithStd(NewShape(outFeatures, inFeatures), std),
		bias:    Zeros(NewShape(outFeatures)),
		inFeat:  inFeatures,
		outFeat: outFeatures,
	}
}

// Forward computes y = x @ W^T + b and caches the input for the backward pass.
func (l *Linear) Forward(input *Tensor) *Tensor {
	return l.forward(input, true)
}

// forward is the shared implementation behind Forward and the inference-only
// probe path. When cache is false, no training state is touched, so a probe
// between Forward and Backward cannot clobber the cached activations.
func (l *Linear) forward(input *Tensor, cache bool) *Tensor {
	if cache {
		l.lastInput = input
	}
	batchDims, batchSize, _ := splitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(NewShape(batchSize, l.inFeat))
	// Uses the trans flag on weight to avoid materializing W^T.
	output := MatmulTransposedB(flatInput, l.weight)

	out, b := output.DataPtr(), l.bias.DataPtr()
	for i := 0; i < batchSize; i++ {
		row := out[i*l.outFeat : (i+1)*l.outFeat]
		for j := range row {
			row[j] += b[j]
		}
	}

	return output.Reshape(withLastDim(batchDims, l.outFeat))
}

// Backward computes dL/dx = dL/dy @ W (the input gradient) and accumulates
// weight and bias gradients: dW = gradOutput^T @ input, db = sum(gradOutput).
func (l *Linear) Backward(gradOutput *Tensor) *Tensor {
	if l.lastInput == nil {
		panic("backward called before forward")
	}
	inputShape := l.lastInput.Shape()
	_, batchSize, _ := splitLast(gradOutput.Shape().DimsRef())
	flatGrad := gradOutput.Reshape(NewShape(batchSize, l.outFeat))
	flatInput := l.lastInput.Reshape(NewShape(batchSize, l.inFeat))

	// dX = gradOutput @ W -> [batchSize, inFeat]
	gradInput := Matmul(flatGrad, l.weight)

	// dW = gradOutput^T @ input -> [outFeat, inFeat]
	dW := make([]float32, l.outFeat*l.inFeat)
	fgData := flatGrad.DataPtr()
	fiData := flatInput.DataPtr()
	sgemmTransA(l.outFeat, l.inFeat, batchSize,
		1.0, fgData, l.outFeat,
		fiData, l.inFeat,
		0.0, dW, l.inFeat)
	l.weight.AccumulateGrad(dW)

	// db = sum(gradOutput, axis=0) -> [outFeat]
	db := make([]float32, l.outFeat)
	for i := 0; i < batchSize; i++ {
		row := fgData[i*l.outFeat : (i+1)*l.outFeat]
		for j := range row {
			db[j] += row[j]
		}
	}
	l.bias.AccumulateGrad(db)

	return gradInput.Reshape(inputShape)
}

// Parameters returns the weight and bias.
func (l *Linear) Parameters() []*Tensor { return []*Tensor{l.weight, l.bias} }

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }

// ---------------------------------------------------------------------------
// ReLU
// ---------------------------------------------------------------------------

// ReLU applies max(0, x) element-wise. It has no parameters; the cached
// input drives the backward-pass mask.
type ReLU struct {
	lastInput *Tensor
}

// NewReLU creates a ReLU activation layer.
func NewReLU() *ReLU { return &ReLU{} }

// Forward computes max(0, x) element-wise.
func (r *ReLU) Forward(input *Tensor) *Tensor {
	return r.forward(input, true)
}

func (r *ReLU) forward(input *Tensor, cache bool) *Tensor {
	if cache {
		r.lastInput = input
	}
	out := New(input.Shape())
	src, dst := input.DataPtr(), out.DataPtr()
	for i, x := range src {
		if x > 0 {
			dst[i] = x
		}
	}
	return out
}

// Backward passes gradients through only where the forward input was positive.
//
//	dL/dx_i = dL/dy_i  if x_i > 0, else 0
func (r *ReLU) Backward(gradOutput *Tensor) *Tensor {
	if r.lastInput == nil {
		panic("backward called before forward")
	}
	gradInput := New(gradOutput.Shape())
	in, gOut, gIn := r.lastInput.DataPtr(), gradOutput.DataPtr(), gradInput.DataPtr()
	for i := range gIn {
		if in[i] > 0 {
			gIn[i] = gOut[i]
		}
	}
	return gradInput
}

// Parameters returns nil: ReLU has no trainable parameters.
func (r *ReLU) Parameters() []*Tensor { return nil }

// ---------------------------------------------------------------------------
// Stack builder
// ---------------------------------------------------------------------------

// newStack builds a feed-forward stack from an ordered list of hidden widths:
// Linear+ReLU for every hidden width, then a final Linear to outDim. The
// topology is fixed at construction and never changes afterwards.
func newStack(inDim int, hiddenDims []int, outDim int) []Layer {
	layers := make([]Layer, 0, 2*len(hiddenDims)+1)
	prev := inDim
	for _, h := range hiddenDims {
		layers = append(layers, NewLinear(prev, h), NewReLU())
		prev = h
	}
	layers = append(layers, NewLinear(prev, outDim))
	return layers
}

// stackParams aggregates the parameters of a layer stack.
func stackParams(layers []Layer) []*Tensor {
	groups := make([][]*Tensor, len(layers))
	for i, l := range layers {
		groups[i] = l.Parameters()
	}
	return concatParams(groups...)
}
