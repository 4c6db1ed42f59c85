// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTinyTrainer(t *testing.T, lbCoef float32) *MoETrainer {
	t.Helper()
	model, err := NewMixtureOfExperts(Tiny())
	require.NoError(t, err)
	tr, err := NewMoETrainer(model, NewAdam(model.Parameters(), DefaultAdamConfig()), MSELoss{}, lbCoef)
	require.NoError(t, err)
	return tr
}

func TestNewMoETrainerRejectsBadArguments(t *testing.T) {
	model, err := NewMixtureOfExperts(Tiny())
	require.NoError(t, err)
	opt := NewAdam(model.Parameters(), DefaultAdamConfig())

	var cerr *ConfigurationError

	_, err = NewMoETrainer(nil, opt, MSELoss{}, 0.1)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "model", cerr.Field)

	_, err = NewMoETrainer(model, nil, MSELoss{}, 0.1)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "optimizer", cerr.Field)

	_, err = NewMoETrainer(model, opt, nil, 0.1)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "lossFn", cerr.Field)

	_, err = NewMoETrainer(model, opt, MSELoss{}, -0.5)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "loadBalanceCoef", cerr.Field)
}

func TestTrainStepLossBreakdown(t *testing.T) {
	tr := newTinyTrainer(t, 0.1)
	x, y := Randn(NewShape(16, 4)), Randn(NewShape(16, 2))

	losses, err := tr.TrainStep(x, y)
	require.NoError(t, err)

	assert.InDelta(t, losses.Task+0.1*losses.LoadBalance, losses.Total, 1e-5)
	assert.GreaterOrEqual(t, losses.LoadBalance, float32(1)-1e-5)
	assert.LessOrEqual(t, losses.LoadBalance, float32(3)+1e-5)
}

// A zero coefficient must make Total and Task bitwise identical: the penalty
// is still reported but contributes nothing.
func TestTrainStepZeroCoefficient(t *testing.T) {
	tr := newTinyTrainer(t, 0)
	losses, err := tr.TrainStep(Randn(NewShape(8, 4)), Randn(NewShape(8, 2)))
	require.NoError(t, err)
	assert.Equal(t, losses.Task, losses.Total)
	assert.Greater(t, losses.LoadBalance, float32(0))
}

// Repeating the same batch must reduce the loss: the step actually moved the
// parameters downhill.
func TestTrainStepReducesLossOnRepeatedBatch(t *testing.T) {
	tr := newTinyTrainer(t, 0.1)
	x, y := Randn(NewShape(32, 4)), Randn(NewShape(32, 2))

	first, err := tr.TrainStep(x, y)
	require.NoError(t, err)
	var last StepLosses
	for i := 0; i < 20; i++ {
		last, err = tr.TrainStep(x, y)
		require.NoError(t, err)
	}
	assert.Less(t, last.Total, first.Total)
}

func TestTrainStepBatchValidation(t *testing.T) {
	tr := newTinyTrainer(t, 0.1)

	var serr *ShapeError
	_, err := tr.TrainStep(Randn(NewShape(4, 9)), Randn(NewShape(4, 2)))
	require.ErrorAs(t, err, &serr)

	// Target row count must match the input's.
	_, err = tr.TrainStep(Randn(NewShape(4, 4)), Randn(NewShape(3, 2)))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "TrainStep", serr.Op)

	var eerr *EmptyBatchError
	_, err = tr.TrainStep(New(NewShape(0, 4)), New(NewShape(0, 2)))
	require.ErrorAs(t, err, &eerr)
}

func TestTrainStepDetectsDivergence(t *testing.T) {
	// NaN in the target flows straight into the MSE loss.
	t.Run("nan target", func(t *testing.T) {
		tr := newTinyTrainer(t, 0.1)
		x := Randn(NewShape(4, 4))
		y := Randn(NewShape(4, 2))
		y.DataPtr()[0] = float32(math.NaN())

		before := tr.Model().Parameters()[0].Data()
		_, err := tr.TrainStep(x, y)
		var derr *NumericalDivergenceError
		require.ErrorAs(t, err, &derr)

		// No parameter update was applied.
		after := tr.Model().Parameters()[0].Data()
		assert.Equal(t, before, after)
	})

	// +Inf in the input survives ReLU (unlike NaN, which the max(0, x) mask
	// zeroes) and poisons the forward pass.
	t.Run("inf input", func(t *testing.T) {
		tr := newTinyTrainer(t, 0.1)
		x := Randn(NewShape(4, 4))
		x.DataPtr()[0] = float32(math.Inf(1))
		y := Randn(NewShape(4, 2))

		before := tr.Model().Parameters()[0].Data()
		_, err := tr.TrainStep(x, y)
		var derr *NumericalDivergenceError
		require.ErrorAs(t, err, &derr)

		after := tr.Model().Parameters()[0].Data()
		assert.Equal(t, before, after)
	})

	// NaN in the input is masked by the first ReLU, so the step completes
	// with a finite loss; the divergence check fires on what reaches the
	// loss, not on raw inputs.
	t.Run("nan input masked by relu", func(t *testing.T) {
		tr := newTinyTrainer(t, 0.1)
		x := Randn(NewShape(4, 4))
		x.DataPtr()[0] = float32(math.NaN())
		y := Randn(NewShape(4, 2))

		losses, err := tr.TrainStep(x, y)
		require.NoError(t, err)
		assert.False(t, math.IsNaN(float64(losses.Total)))
	})
}

// normRecorder stands in for the optimizer to observe the gradient norm that
// survives clipping.
type normRecorder struct {
	params []*Tensor
	norm   float32
}

func (r *normRecorder) ZeroGrad() {
	for _, p := range r.params {
		p.ZeroGrad()
	}
}

func (r *normRecorder) Step() { r.norm = globalGradNorm(r.params) }

func TestTrainStepGradClip(t *testing.T) {
	model, err := NewMixtureOfExperts(Tiny())
	require.NoError(t, err)
	rec := &normRecorder{params: model.Parameters()}
	tr, err := NewMoETrainer(model, rec, MSELoss{}, 0.1)
	require.NoError(t, err)
	tr.GradClip = 1e-3

	// Huge targets force gradients well above the clip threshold.
	y := Ones(NewShape(16, 2))
	y.ScaleInPlace(1e4)
	_, err = tr.TrainStep(Randn(NewShape(16, 4)), y)
	require.NoError(t, err)

	assert.Greater(t, rec.norm, float32(0))
	assert.LessOrEqual(t, rec.norm, tr.GradClip*(1+1e-4))
}

// sliceBatches serves a fixed list of (x, y) pairs, for Evaluate tests.
type sliceBatches struct {
	xs, ys []*Tensor
	pos    int
}

func (s *sliceBatches) Reset() { s.pos = 0 }

func (s *sliceBatches) Next() (x, y *Tensor, ok bool) {
	if s.pos >= len(s.xs) {
		return nil, nil, false
	}
	x, y = s.xs[s.pos], s.ys[s.pos]
	s.pos++
	return x, y, true
}

func TestEvaluateMeanTaskLoss(t *testing.T) {
	tr := newTinyTrainer(t, 0.1)
	src := &sliceBatches{
		xs: []*Tensor{Randn(NewShape(8, 4)), Randn(NewShape(8, 4))},
		ys: []*Tensor{Randn(NewShape(8, 2)), Randn(NewShape(8, 2))},
	}

	got, err := tr.Evaluate(src)
	require.NoError(t, err)

	// Same computation by hand, in eval mode.
	tr.Model().SetTraining(false)
	want := float32(0)
	for i := range src.xs {
		pred, err := tr.Model().Forward(src.xs[i])
		require.NoError(t, err)
		want += MSELoss{}.Loss(pred, src.ys[i])
	}
	assert.InDelta(t, want/2, got, 1e-5)
}

func TestEvaluateEmptySource(t *testing.T) {
	tr := newTinyTrainer(t, 0.1)
	_, err := tr.Evaluate(&sliceBatches{})
	var eerr *EmptyBatchError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "Evaluate", eerr.Op)
}

func TestEvaluateRestoresTrainingMode(t *testing.T) {
	tr := newTinyTrainer(t, 0.1)
	src := &sliceBatches{
		xs: []*Tensor{Randn(NewShape(4, 4))},
		ys: []*Tensor{Randn(NewShape(4, 2))},
	}

	tr.Model().SetTraining(true)
	batches := tr.Model().utilBatches
	_, err := tr.Evaluate(src)
	require.NoError(t, err)

	assert.True(t, tr.Model().Training())
	// Eval forwards left the utilization accumulator alone.
	assert.Equal(t, batches, tr.Model().utilBatches)

	tr.Model().SetTraining(false)
	_, err = tr.Evaluate(src)
	require.NoError(t, err)
	assert.False(t, tr.Model().Training())
}

func TestAdamSkipsParamsWithoutGradients(t *testing.T) {
	p := Ones(NewShape(2, 2))
	q := Ones(NewShape(2, 2))
	q.AccumulateGrad([]float32{1, 1, 1, 1})

	opt := NewAdam([]*Tensor{p, q}, DefaultAdamConfig())
	opt.Step()

	assert.Equal(t, []float32{1, 1, 1, 1}, p.Data())
	for _, v := range q.Data() {
		assert.Less(t, v, float32(1))
	}
	assert.Equal(t, 1, opt.StepCount())
}

func TestMSELossKnownValues(t *testing.T) {
	pred := FromSlice([]float32{1, 2, 3, 4}, NewShape(2, 2))
	target := FromSlice([]float32{1, 0, 3, 2}, NewShape(2, 2))

	loss := MSELoss{}.Loss(pred, target)
	assert.InDelta(t, 2.0, loss, 1e-6) // (0+4+0+4)/4

	grad := MSELoss{}.Grad(pred, target)
	assert.Equal(t, []float32{0, 1, 0, 1}, grad.Data())
}
