// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attention implements content-based (dot-product) attention over the
// listener outputs, plus the layer that fuses the attended context back into
// the decoder output.
package attention

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/3351-dev/kospeech/lib/tensor"
)

var (
	// ErrEmptyEncoder is returned when the encoder outputs have no timesteps.
	ErrEmptyEncoder = errors.New("encoder outputs have no timesteps")
	// ErrShapeMismatch is returned when decoder and encoder outputs disagree.
	ErrShapeMismatch = errors.New("attention shape mismatch")
)

// Module holds the fusion weights. Scoring itself is parameter free.
type Module struct {
	HiddenSize int
	// OutWeights maps [context; output] to hidden: [hidden, 2*hidden].
	OutWeights *mat.Dense
	OutBias    []float64
}

// New creates a module with fusion weights drawn from U(-1/sqrt(2h), 1/sqrt(2h)).
func New(hiddenSize int, rng *rand.Rand) *Module {
	bound := 1 / math.Sqrt(float64(2*hiddenSize))
	w := make([]float64, hiddenSize*2*hiddenSize)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * bound
	}
	b := make([]float64, hiddenSize)
	for i := range b {
		b[i] = (2*rng.Float64() - 1) * bound
	}
	return &Module{
		HiddenSize: hiddenSize,
		OutWeights: mat.NewDense(hiddenSize, 2*hiddenSize, w),
		OutBias:    b,
	}
}

// Result is the output of one attention pass.
type Result struct {
	// Context is the weighted sum of encoder outputs, [batch, L, hidden].
	Context *tensor.Tensor3
	// Weights are the alignments, [batch, L, encLen]. Each row sums to one.
	Weights *tensor.Tensor3
}

// Attend scores every decoder position in output [batch, L, hidden] against
// every encoder timestep in enc [batch, encLen, hidden].
func (m *Module) Attend(output, enc *tensor.Tensor3) (*Result, error) {
	batch, steps, hidden := output.Shape()
	encBatch, encLen, encHidden := enc.Shape()
	if encLen == 0 {
		return nil, ErrEmptyEncoder
	}
	if encBatch != batch || encHidden != hidden || hidden != m.HiddenSize {
		return nil, fmt.Errorf("%w: decoder [%d, %d, %d], encoder [%d, %d, %d]",
			ErrShapeMismatch, batch, steps, hidden, encBatch, encLen, encHidden)
	}
	if batch == 0 || steps == 0 {
		return nil, fmt.Errorf("%w: empty decoder output [%d, %d, %d]", ErrShapeMismatch, batch, steps, hidden)
	}

	res := &Result{
		Context: tensor.New(batch, steps, hidden),
		Weights: tensor.New(batch, steps, encLen),
	}
	for b := 0; b < batch; b++ {
		keys := enc.Slab(b)
		weights := res.Weights.Slab(b)
		weights.Mul(output.Slab(b), keys.T())
		for t := 0; t < steps; t++ {
			softmax(weights.RawRowView(t))
		}
		res.Context.Slab(b).Mul(weights, keys)
	}
	return res, nil
}

// Fuse combines the context with the raw decoder output:
// tanh(OutWeights · [context; output] + OutBias).
func (m *Module) Fuse(output, context *tensor.Tensor3) (*tensor.Tensor3, error) {
	batch, steps, hidden := output.Shape()
	if cb, cs, ch := context.Shape(); cb != batch || cs != steps || ch != hidden || hidden != m.HiddenSize {
		return nil, fmt.Errorf("%w: context [%d, %d, %d], output [%d, %d, %d]",
			ErrShapeMismatch, cb, cs, ch, batch, steps, hidden)
	}
	rows := batch * steps
	combined := mat.NewDense(rows, 2*hidden, nil)
	for r := 0; r < rows; r++ {
		row := combined.RawRowView(r)
		copy(row[:hidden], context.Data[r*hidden:(r+1)*hidden])
		copy(row[hidden:], output.Data[r*hidden:(r+1)*hidden])
	}
	fused := tensor.New(batch, steps, hidden)
	fm := mat.NewDense(rows, hidden, fused.Data)
	fm.Mul(combined, m.OutWeights.T())
	for r := 0; r < rows; r++ {
		row := fm.RawRowView(r)
		floats.Add(row, m.OutBias)
		for j := range row {
			row[j] = math.Tanh(row[j])
		}
	}
	return fused, nil
}

// softmax normalizes v in place, subtracting the maximum first.
func softmax(v []float64) {
	maxV := floats.Max(v)
	var sum float64
	for i, x := range v {
		e := math.Exp(x - maxV)
		v[i] = e
		sum += e
	}
	floats.Scale(1/sum, v)
}
