// SPDX-License-Identifier: MIT
// Copyright (c) 2026 discover-Austin

package moe

import "fmt"

// MixtureOfExperts composes NumExperts independent expert MLPs with one
// gating network. Routing is dense (soft): every expert contributes to every
// output row, weighted by the gate's probability for that row. This keeps
// the whole model differentiable end to end; sparse top-k routing is a
// deliberately different design and is not implemented here.
//
//	y[n] = sum_k gate[n,k] * expert_k(x)[n]
//
// The model owns a utilization accumulator: a running mean, over all
// training batches seen, of each expert's batch-mean gate weight. Only
// training-mode forward passes update it.
type MixtureOfExperts struct {
	config   Config
	gating   *GatingNetwork
	experts  []*Expert
	training bool

	util        []float32 // running mean of batch-mean gate weight per expert
	utilBatches int       // number of training batches blended into util

	// Cached from the most recent forward for the backward pass.
	lastGate      *Tensor   // [N, NumExperts] gate probabilities
	lastExpertOut []*Tensor // per expert: [N, OutputDim]
}

// NewMixtureOfExperts constructs the model from a validated Config.
// All experts and the gate are created here and never resized.
func NewMixtureOfExperts(cfg Config) (*MixtureOfExperts, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	experts := make([]*Expert, cfg.NumExperts)
	for i := range experts {
		experts[i] = NewExpert(cfg.InputDim, cfg.HiddenDims, cfg.OutputDim)
	}
	return &MixtureOfExperts{
		config:  cfg,
		gating:  NewGatingNetwork(cfg.InputDim, cfg.GatingHiddenDim, cfg.NumExperts),
		experts: experts,
		util:    make([]float32, cfg.NumExperts),
	}, nil
}

// Config returns the model's configuration.
func (m *MixtureOfExperts) Config() Config { return m.config }

// NumExperts returns the number of experts.
func (m *MixtureOfExperts) NumExperts() int { return m.config.NumExperts }

// SetTraining switches the model between training mode (utilization
// accumulator updates on forward) and eval mode (no side effects).
func (m *MixtureOfExperts) SetTraining(training bool) { m.training = training }

// Training reports whether the model is in training mode.
func (m *MixtureOfExperts) Training() bool { return m.training }

// checkInput validates a [N, InputDim] batch for op, rejecting empty batches.
func (m *MixtureOfExperts) checkInput(op string, x *Tensor) error {
	s := x.Shape()
	if s.NDim() != 2 || s.At(1) != m.config.InputDim {
		return &ShapeError{Op: op, Want: fmt.Sprintf("[N, %d]", m.config.InputDim), Got: s}
	}
	if s.At(0) == 0 {
		return &EmptyBatchError{Op: op}
	}
	return nil
}

// Forward computes the dense mixture output for a [N, InputDim] batch:
// gate probabilities, every expert's output, then the gate-weighted sum.
// In training mode, the batch-mean gate weight per expert is blended into
// the utilization running mean. Gate probabilities and expert outputs are
// cached for Backward.
func (m *MixtureOfExperts) Forward(x *Tensor) (*Tensor, error) {
	if err := m.checkInput("Forward", x); err != nil {
		return nil, err
	}
	n := x.Shape().At(0)
	e := m.config.NumExperts
	d := m.config.OutputDim

	gate := m.gating.Forward(x)
	gData := gate.DataPtr()

	expertOut := make([]*Tensor, e)
	for k := 0; k < e; k++ {
		expertOut[k] = m.experts[k].Forward(x)
	}

	// Weighted combination: out[n] = sum_k gate[n,k] * expertOut[k][n].
	out := New(NewShape(n, d))
	oData := out.DataPtr()
	for k := 0; k < e; k++ {
		ek := expertOut[k].DataPtr()
		for t := 0; t < n; t++ {
			w := gData[t*e+k]
			oRow := oData[t*d : (t+1)*d]
			eRow := ek[t*d : (t+1)*d]
			for j := range oRow {
				oRow[j] += w * eRow[j]
			}
		}
	}

	m.lastGate = gate
	m.lastExpertOut = expertOut

	if m.training {
		m.updateUtilization(batchGateMean(gate))
	}
	return out, nil
}

// Gate exposes the raw gate probabilities for a batch, for callers that want
// expert assignments (row-wise argmax picks the primary expert). It is a
// pure read-through: no utilization update, no cached training state touched.
func (m *MixtureOfExperts) Gate(x *Tensor) (*Tensor, error) {
	if err := m.checkInput("Gate", x); err != nil {
		return nil, err
	}
	return m.gating.Probs(x), nil
}

// ExpertUtilizationRates returns the running mean of batch-mean gate weights
// per expert. Entries are in [0,1] and sum to ~1. Before any training batch
// has been seen it reports the uniform distribution.
func (m *MixtureOfExperts) ExpertUtilizationRates() []float32 {
	out := make([]float32, m.config.NumExperts)
	if m.utilBatches == 0 {
		uniform := 1.0 / float32(m.config.NumExperts)
		for i := range out {
			out[i] = uniform
		}
		return out
	}
	copy(out, m.util)
	return out
}

// updateUtilization blends a batch's mean gate weights into the running mean:
//
//	util_k <- (util_k*batches + mean_k) / (batches+1)
func (m *MixtureOfExperts) updateUtilization(batchMean []float32) {
	c := float32(m.utilBatches)
	for k := range m.util {
		m.util[k] = (m.util[k]*c + batchMean[k]) / (c + 1)
	}
	m.utilBatches++
}

// Backward propagates dL/dy through the mixture and returns dL/dx.
//
// Expert path: dL/de_k[n] = gate[n,k] * gradOutput[n].
// Gate path:   dL/dgate[n,k] = <gradOutput[n], e_k[n]>, plus the
// load-balance term lbCoef * E * 2*u_k/N which flows into the gating
// network only (it has no dependency on expert parameters). The softmax
// Jacobian is applied inside GatingNetwork.Backward.
func (m *MixtureOfExperts) Backward(gradOutput *Tensor, lbCoef float32) *Tensor {
	if m.lastGate == nil {
		panic("backward called before forward")
	}
	n := gradOutput.Shape().At(0)
	e := m.config.NumExperts
	d := m.config.OutputDim

	gData := m.lastGate.DataPtr()
	goData := gradOutput.DataPtr()
	u := batchGateMean(m.lastGate)

	gradInput := New(NewShape(n, m.config.InputDim))
	gateGrad := New(NewShape(n, e))
	ggData := gateGrad.DataPtr()

	for k := 0; k < e; k++ {
		ek := m.lastExpertOut[k].DataPtr()

		// d(load_balance)/dgate[n,k] = E * 2*u_k * (1/N)
		lbTerm := lbCoef * float32(e) * 2 * u[k] / float32(n)

		expertGrad := New(NewShape(n, d))
		egData := expertGrad.DataPtr()
		for t := 0; t < n; t++ {
			w := gData[t*e+k]
			dot := float32(0)
			goRow := goData[t*d : (t+1)*d]
			eRow := ek[t*d : (t+1)*d]
			egRow := egData[t*d : (t+1)*d]
			for j := range goRow {
				egRow[j] = w * goRow[j]
				dot += goRow[j] * eRow[j]
			}
			ggData[t*e+k] = dot + lbTerm
		}
		gradInput.AddInPlace(m.experts[k].Backward(expertGrad))
	}

	gradInput.AddInPlace(m.gating.Backward(gateGrad))
	return gradInput
}

// Parameters returns all trainable parameters: the gate's, then every
// expert's, in stable construction order (the optimizer binds to this order).
func (m *MixtureOfExperts) Parameters() []*Tensor {
	p := append([]*Tensor(nil), m.gating.Parameters()...)
	for _, ex := range m.experts {
		p = append(p, ex.Parameters()...)
	}
	return p
}

// batchGateMean returns the column means of a [N, E] gate tensor: the
// batch-mean gate weight per expert. Since each row sums to 1, the result
// sums to 1 as well.
func batchGateMean(gate *Tensor) []float32 {
	n, e := gate.Shape().At(0), gate.Shape().At(1)
	data := gate.DataPtr()
	mean := make([]float32, e)
	for t := 0; t < n; t++ {
		row := data[t*e : (t+1)*e]
		for k, v := range row {
			mean[k] += v
		}
	}
	inv := 1.0 / float32(n)
	for k := range mean {
		mean[k] *= inv
	}
	return mean
}

// LoadBalanceLoss computes the load-balancing penalty for a [N, E] tensor of
// gate probabilities:
//
//	lb = E * sum_k(u_k^2),  u_k = batch-mean gate weight for expert k
//
// Minimized at exactly 1.0 when usage is uniform (u_k = 1/E); approaches E
// as usage concentrates on a single expert.
func LoadBalanceLoss(gate *Tensor) float32 {
	u := batchGateMean(gate)
	sum := float32(0)
	for _, v := range u {
		sum += v * v
	}
	return float32(len(u)) * sum
}
