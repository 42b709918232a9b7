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

package rnn

import (
	"fmt"
	"math/rand/v2"

	"github.com/3351-dev/kospeech/lib/tensor"
)

// InitRange bounds the uniform noise used for fresh hidden states.
const InitRange = 0.1

// State is the recurrent state shaped [layers, batch, hidden]. C is only set
// for LSTM stacks.
type State struct {
	H *tensor.Tensor3
	C *tensor.Tensor3
}

// NewState draws a fresh state from U[-InitRange, InitRange). The hidden
// component is drawn before the cell component.
func NewState(kind CellKind, layers, batch, hidden int, rng *rand.Rand) *State {
	s := &State{H: tensor.Uniform(layers, batch, hidden, -InitRange, InitRange, rng)}
	if kind.HasCell() {
		s.C = tensor.Uniform(layers, batch, hidden, -InitRange, InitRange, rng)
	}
	return s
}

// Batch returns the batch dimension.
func (s *State) Batch() int {
	return s.H.D1
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{H: s.H.Clone()}
	if s.C != nil {
		out.C = s.C.Clone()
	}
	return out
}

// Select returns a state holding the listed batch rows, in order.
func (s *State) Select(idx ...int) *State {
	out := &State{H: s.H.SelectD1(idx)}
	if s.C != nil {
		out.C = s.C.SelectD1(idx)
	}
	return out
}

// Concat joins states along the batch axis.
func Concat(states ...*State) (*State, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: no states to concatenate", ErrShapeMismatch)
	}
	hs := make([]*tensor.Tensor3, len(states))
	var cs []*tensor.Tensor3
	for i, st := range states {
		hs[i] = st.H
		if (st.C != nil) != (states[0].C != nil) {
			return nil, fmt.Errorf("%w: mixed cell states", ErrShapeMismatch)
		}
		if st.C != nil {
			cs = append(cs, st.C)
		}
	}
	h, err := tensor.ConcatD1(hs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	out := &State{H: h}
	if cs != nil {
		if out.C, err = tensor.ConcatD1(cs...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
		}
	}
	return out, nil
}

func (s *State) check(stack *Stack, batch int) error {
	if s == nil || s.H == nil {
		return fmt.Errorf("%w: missing hidden state", ErrShapeMismatch)
	}
	layers, b, hidden := s.H.Shape()
	if layers != len(stack.Layers) || b != batch || hidden != stack.HiddenSize {
		return fmt.Errorf("%w: state [%d, %d, %d], want [%d, %d, %d]",
			ErrShapeMismatch, layers, b, hidden, len(stack.Layers), batch, stack.HiddenSize)
	}
	if stack.Kind.HasCell() {
		if s.C == nil {
			return fmt.Errorf("%w: %s state needs a cell component", ErrShapeMismatch, stack.Kind)
		}
		if cl, cb, ch := s.C.Shape(); cl != layers || cb != b || ch != hidden {
			return fmt.Errorf("%w: cell state [%d, %d, %d] differs from hidden state", ErrShapeMismatch, cl, cb, ch)
		}
	}
	return nil
}

// Dropout zeroes activations in place. A nil Dropout is a no-op at call sites.
type Dropout func(v []float64)

// NewDropout returns inverted dropout with probability p, or nil when p is zero.
func NewDropout(p float64, rng *rand.Rand) Dropout {
	if p <= 0 || rng == nil {
		return nil
	}
	scale := 1 / (1 - p)
	return func(v []float64) {
		for i := range v {
			if rng.Float64() < p {
				v[i] = 0
			} else {
				v[i] *= scale
			}
		}
	}
}
