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

package speller

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/3351-dev/kospeech/lib/attention"
	"github.com/3351-dev/kospeech/lib/rnn"
	"github.com/3351-dev/kospeech/lib/tensor"
)

// Phase selects the forward path. Dropout is only active in PhaseTrain.
type Phase int

const (
	PhaseInfer Phase = iota
	PhaseTrain
)

func (p Phase) String() string {
	if p == PhaseTrain {
		return "train"
	}
	return "infer"
}

// StepDecoder computes one decoding step: embedding, recurrent update,
// optional attention, projection and log-softmax. It holds weights only.
type StepDecoder struct {
	cfg  Config
	kind rnn.CellKind

	// Embedding is [vocab, hidden].
	Embedding *mat.Dense
	RNN       *rnn.Stack
	// Attention is nil when the decoder runs without attention.
	Attention *attention.Module
	// OutWeights is [vocab, hidden].
	OutWeights *mat.Dense
	OutBias    []float64
}

// NewStepDecoder validates cfg and draws fresh weights from rng.
func NewStepDecoder(cfg Config, rng *rand.Rand) (*StepDecoder, error) {
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind := rnn.CellKind(cfg.CellKind)

	emb := make([]float64, cfg.VocabSize*cfg.HiddenSize)
	for i := range emb {
		emb[i] = rng.NormFloat64()
	}
	stack, err := rnn.New(kind, cfg.HiddenSize, cfg.LayerSize, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	d := &StepDecoder{
		cfg:       cfg,
		kind:      kind,
		Embedding: mat.NewDense(cfg.VocabSize, cfg.HiddenSize, emb),
		RNN:       stack,
	}
	if cfg.UseAttention {
		d.Attention = attention.New(cfg.HiddenSize, rng)
	}

	bound := 1 / math.Sqrt(float64(cfg.HiddenSize))
	w := make([]float64, cfg.VocabSize*cfg.HiddenSize)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * bound
	}
	d.OutWeights = mat.NewDense(cfg.VocabSize, cfg.HiddenSize, w)
	d.OutBias = make([]float64, cfg.VocabSize)
	for i := range d.OutBias {
		d.OutBias[i] = (2*rng.Float64() - 1) * bound
	}
	return d, nil
}

// Config returns the decoder configuration.
func (d *StepDecoder) Config() Config {
	return d.cfg
}

// StepOutput is the result of one Forward call.
type StepOutput struct {
	// LogProbs is [batch, L, vocab].
	LogProbs *tensor.Tensor3
	// State is the recurrent state after the last position.
	State *rnn.State
	// Attention is [batch, L, encLen], nil without attention.
	Attention *tensor.Tensor3
}

// Forward decodes tokens [batch][L] from state. enc is required when the
// decoder has attention and may be nil only without it. rng is only used in
// PhaseTrain.
func (d *StepDecoder) Forward(tokens [][]int, state *rnn.State, enc *tensor.Tensor3, phase Phase, rng *rand.Rand) (*StepOutput, error) {
	batch, steps, err := d.checkTokens(tokens)
	if err != nil {
		return nil, err
	}
	if state == nil || state.H == nil || state.Batch() != batch {
		return nil, fmt.Errorf("%w: hidden state batch does not match %d token rows", ErrInvalidInput, batch)
	}
	if err := d.checkEncoder(enc, batch); err != nil {
		return nil, err
	}

	var drop rnn.Dropout
	if phase == PhaseTrain {
		drop = rnn.NewDropout(d.cfg.DropoutP, rng)
	}

	hidden := d.cfg.HiddenSize
	embedded := tensor.New(batch, steps, hidden)
	for b, row := range tokens {
		for t, id := range row {
			copy(embedded.Row(b, t), d.Embedding.RawRowView(id))
		}
	}
	if drop != nil {
		drop(embedded.Data)
	}

	output, next, err := d.RNN.Forward(embedded, state, drop)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	res := &StepOutput{State: next}
	context := output
	if d.Attention != nil {
		att, err := d.Attention.Attend(output, enc)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		if context, err = d.Attention.Fuse(output, att.Context); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		res.Attention = att.Weights
	}

	rows := batch * steps
	res.LogProbs = tensor.New(batch, steps, d.cfg.VocabSize)
	logits := mat.NewDense(rows, d.cfg.VocabSize, res.LogProbs.Data)
	logits.Mul(mat.NewDense(rows, hidden, context.Data), d.OutWeights.T())
	for r := 0; r < rows; r++ {
		row := logits.RawRowView(r)
		floats.Add(row, d.OutBias)
		floats.AddConst(-floats.LogSumExp(row), row)
	}
	return res, nil
}

func (d *StepDecoder) checkTokens(tokens [][]int) (int, int, error) {
	if len(tokens) == 0 {
		return 0, 0, fmt.Errorf("%w: empty token batch", ErrInvalidInput)
	}
	steps := len(tokens[0])
	if steps == 0 {
		return 0, 0, fmt.Errorf("%w: empty token sequence", ErrInvalidInput)
	}
	for b, row := range tokens {
		if len(row) != steps {
			return 0, 0, fmt.Errorf("%w: token row %d has length %d, want %d", ErrInvalidInput, b, len(row), steps)
		}
		for _, id := range row {
			if id < 0 || id >= d.cfg.VocabSize {
				return 0, 0, fmt.Errorf("%w: token id %d outside vocabulary of %d", ErrInvalidInput, id, d.cfg.VocabSize)
			}
		}
	}
	return len(tokens), steps, nil
}

func (d *StepDecoder) checkEncoder(enc *tensor.Tensor3, batch int) error {
	if enc == nil {
		if d.Attention != nil {
			return fmt.Errorf("%w: attention needs encoder outputs", ErrInvalidInput)
		}
		return nil
	}
	encBatch, encLen, encHidden := enc.Shape()
	if encBatch != batch {
		return fmt.Errorf("%w: encoder batch %d does not match %d token rows", ErrInvalidInput, encBatch, batch)
	}
	if d.Attention == nil {
		return nil
	}
	if encLen == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, attention.ErrEmptyEncoder)
	}
	if encHidden != d.cfg.HiddenSize {
		return fmt.Errorf("%w: encoder hidden size %d, decoder hidden size %d", ErrInvalidInput, encHidden, d.cfg.HiddenSize)
	}
	return nil
}
