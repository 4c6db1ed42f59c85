// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

// Package dataset provides the synthetic regression data and the mini-batch
// loader used by the training driver. It lives outside the core model
// package: the trainer only sees it through the moe.BatchSource interface.
package dataset

import (
	"math/rand"

	"github.com/chewxy/math32"

	moe "github.com/discover-Austin/Neural-Network-Mixture-of-Experts"
)

// SinCos generates n samples of the two-pattern regression task. Inputs are
// standard normal [n, inputDim]; the target mixes two patterns experts can
// specialize in:
//
//	y = sin(sum of the first half of the dimensions) +
//	    cos(sum of the second half)
//
// Targets are shaped [n, 1].
func SinCos(n, inputDim int, rng *rand.Rand) (x, y *moe.Tensor) {
	if inputDim < 2 {
		panic("SinCos requires inputDim >= 2")
	}
	x = moe.New(moe.NewShape(n, inputDim))
	y = moe.New(moe.NewShape(n, 1))
	xData, yData := x.DataPtr(), y.DataPtr()

	half := inputDim / 2
	for i := 0; i < n; i++ {
		row := xData[i*inputDim : (i+1)*inputDim]
		for j := range row {
			row[j] = float32(rng.NormFloat64())
		}
		sumLo, sumHi := float32(0), float32(0)
		for j := 0; j < half; j++ {
			sumLo += row[j]
		}
		for j := half; j < inputDim; j++ {
			sumHi += row[j]
		}
		yData[i] = math32.Sin(sumLo) + math32.Cos(sumHi)
	}
	return x, y
}

// Loader iterates a fixed (x, y) dataset in mini-batches. With shuffling
// enabled, the visit order is rerandomized on every Reset. The final batch
// may be smaller than batchSize. Implements moe.BatchSource.
type Loader struct {
	x, y      *moe.Tensor
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	order     []int
	pos       int
}

// NewLoader creates a loader over x [n, inDim] and y [n, outDim]. The two
// tensors must share their leading dimension. seed drives the shuffle order
// only; pass shuffle=false for deterministic validation iteration.
func NewLoader(x, y *moe.Tensor, batchSize int, shuffle bool, seed int64) *Loader {
	if x.Shape().At(0) != y.Shape().At(0) {
		panic("loader: x and y must have the same number of rows")
	}
	if batchSize < 1 {
		panic("loader: batch size must be positive")
	}
	n := x.Shape().At(0)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	l := &Loader{
		x:         x,
		y:         y,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     order,
	}
	l.Reset()
	return l
}

// Reset rewinds to the first batch and, if shuffling, rerandomizes the order.
func (l *Loader) Reset() {
	l.pos = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Next returns the next (x, y) batch pair, gathering rows in the current
// visit order. ok is false once the dataset is exhausted.
func (l *Loader) Next() (x, y *moe.Tensor, ok bool) {
	n := len(l.order)
	if l.pos >= n {
		return nil, nil, false
	}
	end := l.pos + l.batchSize
	if end > n {
		end = n
	}
	rows := l.order[l.pos:end]
	l.pos = end

	return gatherRows(l.x, rows), gatherRows(l.y, rows), true
}

// Batches returns how many batches one full pass yields.
func (l *Loader) Batches() int {
	n := len(l.order)
	return (n + l.batchSize - 1) / l.batchSize
}

// gatherRows copies the listed rows of a [n, d] tensor into a new
// [len(rows), d] tensor.
func gatherRows(t *moe.Tensor, rows []int) *moe.Tensor {
	d := t.Shape().At(1)
	src := t.DataPtr()
	out := make([]float32, len(rows)*d)
	for i, r := range rows {
		copy(out[i*d:(i+1)*d], src[r*d:(r+1)*d])
	}
	return moe.FromSliceNoCopy(out, moe.NewShape(len(rows), d))
}
