// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Optimizer is the contract the trainer needs from an optimizer bound to the
// model's parameter set: clear accumulated gradients, apply them.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// Loss maps a (prediction, target) pair to a scalar and to the gradient of
// that scalar with respect to the prediction.
type Loss interface {
	Loss(pred, target *Tensor) float32
	Grad(pred, target *Tensor) *Tensor
}

// BatchSource yields (x, y) batch pairs of matching leading dimension.
// Reset rewinds to the first batch; Next returns ok=false when exhausted.
type BatchSource interface {
	Reset()
	Next() (x, y *Tensor, ok bool)
}

// ---------------------------------------------------------------------------
// Adam
// ---------------------------------------------------------------------------

// AdamConfig holds the Adam optimizer hyperparameters.
type AdamConfig struct {
	LR    float32 // learning rate
	Beta1 float32 // first moment decay
	Beta2 float32 // second moment decay
	Eps   float32 // numerical stability constant
}

// DefaultAdamConfig returns the standard Adam hyperparameters (lr=1e-3).
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{LR: 1e-3, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// adamState holds the first and second moment estimates for one parameter tensor.
type adamState struct {
	m []float32
	v []float32
}

// Adam implements the Adam optimizer over a fixed parameter set.
//
// Update rule per parameter:
//
//	m = beta1*m + (1-beta1)*g
//	v = beta2*v + (1-beta2)*g^2
//	m_hat = m / (1 - beta1^t)
//	v_hat = v / (1 - beta2^t)
//	w -= lr * m_hat / (sqrt(v_hat) + eps)
type Adam struct {
	params []*Tensor
	config AdamConfig
	step   int
	states []adamState
}

// NewAdam creates an Adam optimizer bound to params, with moment buffers
// initialized to zero.
func NewAdam(params []*Tensor, cfg AdamConfig) *Adam {
	states := make([]adamState, len(params))
	for i, p := range params {
		n := len(p.DataPtr())
		states[i] = adamState{m: make([]float32, n), v: make([]float32, n)}
	}
	return &Adam{params: params, config: cfg, states: states}
}

// ZeroGrad clears the accumulated gradient of every bound parameter.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one Adam update using the accumulated gradients.
// Parameters whose Grad is nil received no gradient this step and are
// skipped, so their moment buffers do not drift.
func (a *Adam) Step() {
	a.step++
	mCorr := 1.0 / (1 - math32.Pow(a.config.Beta1, float32(a.step)))
	vCorr := 1.0 / (1 - math32.Pow(a.config.Beta2, float32(a.step)))
	lr, b1, b2, eps := a.config.LR, a.config.Beta1, a.config.Beta2, a.config.Eps

	for i, param := range a.params {
		if param.Grad == nil {
			continue
		}
		pData := param.DataPtr()
		mData, vData := a.states[i].m, a.states[i].v
		grad := param.Grad
		for j := range pData {
			g := grad[j]
			mData[j] = b1*mData[j] + (1-b1)*g
			vData[j] = b2*vData[j] + (1-b2)*g*g
			pData[j] -= lr * mData[j] * mCorr / (math32.Sqrt(vData[j]*vCorr) + eps)
		}
	}
}

// StepCount returns the number of updates applied so far.
func (a *Adam) StepCount() int { return a.step }

// ---------------------------------------------------------------------------
// MSE loss
// ---------------------------------------------------------------------------

// MSELoss is mean squared error over all elements:
//
//	L = (1/numel) * sum((pred - target)^2)
type MSELoss struct{}

// Loss computes the mean squared error.
func (MSELoss) Loss(pred, target *Tensor) float32 {
	p, t := pred.DataPtr(), target.DataPtr()
	sum := float32(0)
	for i := range p {
		d := p[i] - t[i]
		sum += d * d
	}
	return sum / float32(len(p))
}

// Grad computes dL/dpred = 2*(pred - target)/numel.
func (MSELoss) Grad(pred, target *Tensor) *Tensor {
	g := New(pred.Shape())
	p, t, out := pred.DataPtr(), target.DataPtr(), g.DataPtr()
	scale := 2.0 / float32(len(p))
	for i := range out {
		out[i] = scale * (p[i] - t[i])
	}
	return g
}

// ---------------------------------------------------------------------------
// MoETrainer
// ---------------------------------------------------------------------------

// StepLosses is the loss breakdown returned by one training step. All values
// are plain scalars, detached from any gradient state.
type StepLosses struct {
	Total       float32
	Task        float32
	LoadBalance float32
}

// MoETrainer runs single optimization steps over a MixtureOfExperts: task
// loss plus a weighted load-balance penalty, backpropagation, one optimizer
// update. It holds no state of its own between calls beyond what the
// optimizer and model accumulate internally.
type MoETrainer struct {
	model  *MixtureOfExperts
	opt    Optimizer
	lossFn Loss
	lbCoef float32

	// GradClip, when positive, clips the global L2 norm of all parameter
	// gradients to this value before the optimizer step. Zero disables
	// clipping.
	GradClip float32
}

// NewMoETrainer binds a trainer to a model, an optimizer over the model's
// parameters, a task loss, and a non-negative load-balance coefficient
// (zero disables load-balancing pressure entirely).
func NewMoETrainer(model *MixtureOfExperts, opt Optimizer, lossFn Loss, loadBalanceCoef float32) (*MoETrainer, error) {
	if model == nil {
		return nil, &ConfigurationError{Field: "model", Reason: "must not be nil"}
	}
	if opt == nil {
		return nil, &ConfigurationError{Field: "optimizer", Reason: "must not be nil"}
	}
	if lossFn == nil {
		return nil, &ConfigurationError{Field: "lossFn", Reason: "must not be nil"}
	}
	if loadBalanceCoef < 0 {
		return nil, &ConfigurationError{Field: "loadBalanceCoef", Reason: "must be non-negative"}
	}
	return &MoETrainer{model: model, opt: opt, lossFn: lossFn, lbCoef: loadBalanceCoef}, nil
}

// Model returns the trained model.
func (tr *MoETrainer) Model() *MixtureOfExperts { return tr.model }

// LoadBalanceCoef returns the auxiliary loss coefficient.
func (tr *MoETrainer) LoadBalanceCoef() float32 { return tr.lbCoef }

// checkBatch validates an (x, y) pair against the model dimensions before
// any state is touched.
func (tr *MoETrainer) checkBatch(op string, x, y *Tensor) error {
	if err := tr.model.checkInput(op, x); err != nil {
		return err
	}
	cfg := tr.model.Config()
	ys := y.Shape()
	if ys.NDim() != 2 || ys.At(1) != cfg.OutputDim || ys.At(0) != x.Shape().At(0) {
		return &ShapeError{
			Op:   op,
			Want: fmt.Sprintf("[%d, %d]", x.Shape().At(0), cfg.OutputDim),
			Got:  ys,
		}
	}
	return nil
}

// TrainStep performs one atomic optimization step:
//
//	zero grads -> forward (training mode) -> task loss -> load-balance loss
//	-> divergence check -> backward -> optional grad clip -> optimizer step
//
// The load-balance loss E*sum(u_k^2) is computed from the batch's gate
// distribution; its gradient reaches the gating network only. A non-finite
// loss or gradient norm returns NumericalDivergenceError with no parameter
// update applied.
func (tr *MoETrainer) TrainStep(x, y *Tensor) (StepLosses, error) {
	if err := tr.checkBatch("TrainStep", x, y); err != nil {
		return StepLosses{}, err
	}

	tr.opt.ZeroGrad()
	tr.model.SetTraining(true)

	pred, err := tr.model.Forward(x)
	if err != nil {
		return StepLosses{}, err
	}

	task := tr.lossFn.Loss(pred, y)
	lb := LoadBalanceLoss(tr.model.lastGate)
	total := task + tr.lbCoef*lb
	if !isFinite(total) {
		return StepLosses{}, &NumericalDivergenceError{Quantity: "total loss", Value: total}
	}

	tr.model.Backward(tr.lossFn.Grad(pred, y), tr.lbCoef)

	norm := globalGradNorm(tr.model.Parameters())
	if !isFinite(norm) {
		return StepLosses{}, &NumericalDivergenceError{Quantity: "gradient norm", Value: norm}
	}
	if tr.GradClip > 0 && norm > tr.GradClip {
		scale := tr.GradClip / (norm + 1e-12)
		for _, p := range tr.model.Parameters() {
			if p.Grad == nil {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}

	tr.opt.Step()
	return StepLosses{Total: total, Task: task, LoadBalance: lb}, nil
}

// Evaluate computes the unweighted mean task loss over every batch the
// source yields. No parameters are updated, no gradients are tracked, and
// the utilization accumulator is untouched. The model's prior train/eval
// mode is restored before returning. An exhausted-from-the-start source
// returns EmptyBatchError rather than dividing by zero.
func (tr *MoETrainer) Evaluate(batches BatchSource) (float32, error) {
	prior := tr.model.Training()
	tr.model.SetTraining(false)
	defer tr.model.SetTraining(prior)

	batches.Reset()
	sum := float32(0)
	count := 0
	for {
		x, y, ok := batches.Next()
		if !ok {
			break
		}
		if err := tr.checkBatch("Evaluate", x, y); err != nil {
			return 0, err
		}
		pred, err := tr.model.Forward(x)
		if err != nil {
			return 0, err
		}
		sum += tr.lossFn.Loss(pred, y)
		count++
	}
	if count == 0 {
		return 0, &EmptyBatchError{Op: "Evaluate"}
	}
	mean := sum / float32(count)
	if !isFinite(mean) {
		return 0, &NumericalDivergenceError{Quantity: "validation loss", Value: mean}
	}
	return mean, nil
}

// globalGradNorm returns the L2 norm of all parameter gradients taken
// together (nil grads contribute nothing).
func globalGradNorm(params []*Tensor) float32 {
	sumSq := float32(0)
	for _, p := range params {
		for _, g := range p.Grad {
			sumSq += g * g
		}
	}
	return math32.Sqrt(sumSq)
}
