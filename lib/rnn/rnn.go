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

// Package rnn implements the multi-layer recurrent stack the speller runs over
// embedded tokens. Weights follow the usual gate layouts: LSTM (i, f, g, o),
// GRU (r, z, n) and a single tanh gate for the plain RNN.
package rnn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/3351-dev/kospeech/lib/tensor"
)

// ErrUnsupportedCell is returned for a cell kind outside lstm, gru and rnn.
var ErrUnsupportedCell = errors.New("unsupported recurrent cell")

// ErrShapeMismatch is returned when inputs and state disagree on a dimension.
var ErrShapeMismatch = errors.New("recurrent shape mismatch")

// CellKind names a recurrent cell.
type CellKind string

const (
	KindLSTM CellKind = "lstm"
	KindGRU  CellKind = "gru"
	KindRNN  CellKind = "rnn"
)

// ParseCellKind normalizes s and rejects unknown kinds.
func ParseCellKind(s string) (CellKind, error) {
	switch k := CellKind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindLSTM, KindGRU, KindRNN:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCell, s)
	}
}

// Gates is the number of stacked gate blocks in the weight matrices.
func (k CellKind) Gates() int {
	switch k {
	case KindLSTM:
		return 4
	case KindGRU:
		return 3
	default:
		return 1
	}
}

// HasCell reports whether the kind carries a second state component.
func (k CellKind) HasCell() bool {
	return k == KindLSTM
}

// Layer holds the weights of one recurrent layer.
type Layer struct {
	InputWeights     *mat.Dense // [gates*hidden, input]
	RecurrentWeights *mat.Dense // [gates*hidden, hidden]
	InputBias        []float64  // [gates*hidden]
	RecurrentBias    []float64  // [gates*hidden]
}

// Stack is a multi-layer recurrent network with equal input and hidden sizes.
type Stack struct {
	Kind       CellKind
	HiddenSize int
	Layers     []*Layer
}

// New creates a stack with weights drawn from U(-1/sqrt(hidden), 1/sqrt(hidden)).
func New(kind CellKind, hiddenSize, numLayers int, rng *rand.Rand) (*Stack, error) {
	if _, err := ParseCellKind(string(kind)); err != nil {
		return nil, err
	}
	if hiddenSize <= 0 || numLayers <= 0 {
		return nil, fmt.Errorf("%w: hidden size %d, layers %d", ErrShapeMismatch, hiddenSize, numLayers)
	}
	bound := 1 / math.Sqrt(float64(hiddenSize))
	rows := kind.Gates() * hiddenSize
	s := &Stack{Kind: kind, HiddenSize: hiddenSize, Layers: make([]*Layer, numLayers)}
	for l := range s.Layers {
		s.Layers[l] = &Layer{
			InputWeights:     uniformDense(rows, hiddenSize, bound, rng),
			RecurrentWeights: uniformDense(rows, hiddenSize, bound, rng),
			InputBias:        uniformVec(rows, bound, rng),
			RecurrentBias:    uniformVec(rows, bound, rng),
		}
	}
	return s, nil
}

func uniformVec(n int, bound float64, rng *rand.Rand) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = (2*rng.Float64() - 1) * bound
	}
	return v
}

func uniformDense(r, c int, bound float64, rng *rand.Rand) *mat.Dense {
	return mat.NewDense(r, c, uniformVec(r*c, bound, rng))
}

// Forward runs the stack over x shaped [batch, steps, hidden] starting from
// state. It returns the top layer outputs [batch, steps, hidden] and the state
// after the last step. state is not modified. drop, when non-nil, is applied to
// the outputs of every layer except the last.
func (s *Stack) Forward(x *tensor.Tensor3, state *State, drop Dropout) (*tensor.Tensor3, *State, error) {
	batch, steps, width := x.Shape()
	if width != s.HiddenSize {
		return nil, nil, fmt.Errorf("%w: input width %d, hidden size %d", ErrShapeMismatch, width, s.HiddenSize)
	}
	if err := state.check(s, batch); err != nil {
		return nil, nil, err
	}
	if batch == 0 || steps == 0 {
		return nil, nil, fmt.Errorf("%w: empty input [%d, %d, %d]", ErrShapeMismatch, batch, steps, width)
	}

	next := state.Clone()
	in := x
	for l, layer := range s.Layers {
		out := tensor.New(batch, steps, s.HiddenSize)

		// Input projections for every position at once: [batch*steps, gates*hidden].
		var xg mat.Dense
		xg.Mul(mat.NewDense(batch*steps, width, in.Data), layer.InputWeights.T())
		for r := 0; r < batch*steps; r++ {
			floats.Add(xg.RawRowView(r), layer.InputBias)
		}

		h := next.H.Slab(l)
		var c *mat.Dense
		if s.Kind.HasCell() {
			c = next.C.Slab(l)
		}
		for t := 0; t < steps; t++ {
			var hg mat.Dense
			hg.Mul(h, layer.RecurrentWeights.T())
			for b := 0; b < batch; b++ {
				hgRow := hg.RawRowView(b)
				floats.Add(hgRow, layer.RecurrentBias)
				var cRow []float64
				if c != nil {
					cRow = c.RawRowView(b)
				}
				hRow := h.RawRowView(b)
				s.cell(xg.RawRowView(b*steps+t), hgRow, hRow, cRow)
				copy(out.Row(b, t), hRow)
			}
		}

		if drop != nil && l < len(s.Layers)-1 {
			drop(out.Data)
		}
		in = out
	}
	return in, next, nil
}

// cell updates h (and c) in place from the gate pre-activations.
func (s *Stack) cell(xg, hg, h, c []float64) {
	n := s.HiddenSize
	switch s.Kind {
	case KindLSTM:
		for j := 0; j < n; j++ {
			i := sigmoid(xg[j] + hg[j])
			f := sigmoid(xg[n+j] + hg[n+j])
			g := math.Tanh(xg[2*n+j] + hg[2*n+j])
			o := sigmoid(xg[3*n+j] + hg[3*n+j])
			c[j] = f*c[j] + i*g
			h[j] = o * math.Tanh(c[j])
		}
	case KindGRU:
		for j := 0; j < n; j++ {
			r := sigmoid(xg[j] + hg[j])
			z := sigmoid(xg[n+j] + hg[n+j])
			cand := math.Tanh(xg[2*n+j] + r*hg[2*n+j])
			h[j] = (1-z)*cand + z*h[j]
		}
	default:
		for j := 0; j < n; j++ {
			h[j] = math.Tanh(xg[j] + hg[j])
		}
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
