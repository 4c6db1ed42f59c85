// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package dataset

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	moe "github.com/discover-Austin/Neural-Network-Mixture-of-Experts"
)

func TestSinCosShapesAndDeterminism(t *testing.T) {
	x, y := SinCos(100, 6, rand.New(rand.NewSource(1)))
	require.True(t, x.Shape().Equal(moe.NewShape(100, 6)))
	require.True(t, y.Shape().Equal(moe.NewShape(100, 1)))

	// Targets are sin+cos of feature sums, so they stay in [-2, 2].
	for _, v := range y.Data() {
		assert.GreaterOrEqual(t, v, float32(-2))
		assert.LessOrEqual(t, v, float32(2))
	}

	// Same seed, same data.
	x2, y2 := SinCos(100, 6, rand.New(rand.NewSource(1)))
	assert.Equal(t, x.Data(), x2.Data())
	assert.Equal(t, y.Data(), y2.Data())
}

func TestSinCosRejectsDegenerateInputDim(t *testing.T) {
	assert.Panics(t, func() { SinCos(10, 1, rand.New(rand.NewSource(0))) })
}

func TestLoaderBatchCountAndPartialFinalBatch(t *testing.T) {
	x, y := SinCos(10, 4, rand.New(rand.NewSource(2)))
	l := NewLoader(x, y, 4, false, 0)
	require.Equal(t, 3, l.Batches())

	var sizes []int
	for {
		bx, by, ok := l.Next()
		if !ok {
			break
		}
		require.Equal(t, bx.Shape().At(0), by.Shape().At(0))
		sizes = append(sizes, bx.Shape().At(0))
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)

	// Reset rewinds to the first batch.
	l.Reset()
	bx, _, ok := l.Next()
	require.True(t, ok)
	assert.Equal(t, 4, bx.Shape().At(0))
}

func TestLoaderUnshuffledPreservesOrder(t *testing.T) {
	x, y := SinCos(8, 4, rand.New(rand.NewSource(3)))
	l := NewLoader(x, y, 8, false, 0)

	bx, by, ok := l.Next()
	require.True(t, ok)
	assert.Equal(t, x.Data(), bx.Data())
	assert.Equal(t, y.Data(), by.Data())
}

// Shuffling permutes rows but never drops or duplicates them.
func TestLoaderShufflePreservesRows(t *testing.T) {
	x, y := SinCos(32, 4, rand.New(rand.NewSource(4)))
	l := NewLoader(x, y, 8, true, 5)

	var got []float32
	for {
		_, by, ok := l.Next()
		if !ok {
			break
		}
		got = append(got, by.Data()...)
	}
	require.Len(t, got, 32)

	want := y.Data()
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	assert.Equal(t, want, got)
}

func TestLoaderRejectsBadArguments(t *testing.T) {
	x, y := SinCos(8, 4, rand.New(rand.NewSource(6)))
	assert.Panics(t, func() { NewLoader(x, y, 0, false, 0) })

	short, _ := SinCos(4, 4, rand.New(rand.NewSource(6)))
	assert.Panics(t, func() { NewLoader(short, y, 2, false, 0) })
}

func TestLoaderIsBatchSource(t *testing.T) {
	var _ moe.BatchSource = (*Loader)(nil)
}
