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

// Package tensor provides the dense three-dimensional arrays the speller moves
// between its layers. Slabs along the first axis are exposed as gonum matrices
// sharing the same backing storage, so layer math can use gonum/mat directly.
package tensor

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor3 is a row-major array shaped [D0, D1, D2].
type Tensor3 struct {
	D0, D1, D2 int
	Data       []float64
}

// New allocates a zero-filled tensor.
func New(d0, d1, d2 int) *Tensor3 {
	return &Tensor3{D0: d0, D1: d1, D2: d2, Data: make([]float64, d0*d1*d2)}
}

// FromData wraps data without copying it.
func FromData(d0, d1, d2 int, data []float64) (*Tensor3, error) {
	if d0 < 0 || d1 < 0 || d2 < 0 {
		return nil, fmt.Errorf("negative dimension in shape [%d, %d, %d]", d0, d1, d2)
	}
	if len(data) != d0*d1*d2 {
		return nil, fmt.Errorf("data length %d does not match shape [%d, %d, %d]", len(data), d0, d1, d2)
	}
	return &Tensor3{D0: d0, D1: d1, D2: d2, Data: data}, nil
}

// Uniform fills a new tensor with samples from U[lo, hi) drawn from rng.
func Uniform(d0, d1, d2 int, lo, hi float64, rng *rand.Rand) *Tensor3 {
	t := New(d0, d1, d2)
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float64()
	}
	return t
}

// Shape returns the three dimensions.
func (t *Tensor3) Shape() (int, int, int) {
	return t.D0, t.D1, t.D2
}

func (t *Tensor3) offset(i, j int) int {
	return (i*t.D1 + j) * t.D2
}

// At returns the element at [i, j, k].
func (t *Tensor3) At(i, j, k int) float64 {
	return t.Data[t.offset(i, j)+k]
}

// Set stores v at [i, j, k].
func (t *Tensor3) Set(i, j, k int, v float64) {
	t.Data[t.offset(i, j)+k] = v
}

// Row returns the innermost vector at [i, j] as a view.
func (t *Tensor3) Row(i, j int) []float64 {
	off := t.offset(i, j)
	return t.Data[off : off+t.D2 : off+t.D2]
}

// Slab returns [i, :, :] as a D1×D2 matrix view. D1 and D2 must be non-zero.
func (t *Tensor3) Slab(i int) *mat.Dense {
	n := t.D1 * t.D2
	return mat.NewDense(t.D1, t.D2, t.Data[i*n:(i+1)*n:(i+1)*n])
}

// Clone returns a deep copy.
func (t *Tensor3) Clone() *Tensor3 {
	out := &Tensor3{D0: t.D0, D1: t.D1, D2: t.D2, Data: make([]float64, len(t.Data))}
	copy(out.Data, t.Data)
	return out
}

// SelectD0 builds a new tensor from the listed first-axis slabs, in order.
// Indices may repeat.
func (t *Tensor3) SelectD0(idx []int) *Tensor3 {
	out := New(len(idx), t.D1, t.D2)
	n := t.D1 * t.D2
	for dst, src := range idx {
		copy(out.Data[dst*n:(dst+1)*n], t.Data[src*n:(src+1)*n])
	}
	return out
}

// SelectD1 builds a new tensor from the listed second-axis rows of every slab.
func (t *Tensor3) SelectD1(idx []int) *Tensor3 {
	out := New(t.D0, len(idx), t.D2)
	for i := 0; i < t.D0; i++ {
		for dst, src := range idx {
			copy(out.Row(i, dst), t.Row(i, src))
		}
	}
	return out
}

// ConcatD1 joins tensors that agree on D0 and D2 along the second axis.
func ConcatD1(parts ...*Tensor3) (*Tensor3, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	d0, d2 := parts[0].D0, parts[0].D2
	total := 0
	for _, p := range parts {
		if p.D0 != d0 || p.D2 != d2 {
			return nil, fmt.Errorf("cannot concatenate [%d, %d, %d] with [%d, _, %d]", p.D0, p.D1, p.D2, d0, d2)
		}
		total += p.D1
	}
	out := New(d0, total, d2)
	for i := 0; i < d0; i++ {
		j := 0
		for _, p := range parts {
			for pj := 0; pj < p.D1; pj++ {
				copy(out.Row(i, j), p.Row(i, pj))
				j++
			}
		}
	}
	return out, nil
}

// Argmax returns the index of the largest innermost value for every [i, j].
// Ties resolve to the lowest index.
func (t *Tensor3) Argmax() [][]int {
	out := make([][]int, t.D0)
	for i := range out {
		out[i] = make([]int, t.D1)
		for j := range out[i] {
			out[i][j] = floats.MaxIdx(t.Row(i, j))
		}
	}
	return out
}
