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

// Package beam implements k-best autoregressive search over a single decoder
// step function. Every hypothesis owns the recurrent state that produced it, so
// pruning only ever moves whole hypotheses around.
package beam

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/3351-dev/kospeech/lib/rnn"
	"github.com/3351-dev/kospeech/lib/tensor"
)

// ErrInvalidInput is returned for inputs whose batch sizes disagree.
var ErrInvalidInput = errors.New("invalid beam search input")

// StepFunc runs one decoder step. tokens is [n][1] and state and enc carry n
// rows; it returns log probabilities [n, 1, vocab] and the state after the step.
// enc is nil when the search runs without encoder outputs.
type StepFunc func(tokens [][]int, state *rnn.State, enc *tensor.Tensor3) (*tensor.Tensor3, *rnn.State, error)

// Hypothesis is one candidate sequence.
type Hypothesis struct {
	// Tokens starts with the start token.
	Tokens []int
	// Score is the cumulative log probability.
	Score float64
	// State is the batch-1 recurrent state after the last token.
	State      *rnn.State
	Terminated bool
}

// Beam is the set of hypotheses for one batch element, best first.
type Beam []*Hypothesis

// Frozen reports whether no hypothesis can be expanded any more.
func (b Beam) Frozen() bool {
	for _, h := range b {
		if !h.Terminated && !math.IsInf(h.Score, -1) {
			return false
		}
	}
	return true
}

// Options configures a Searcher.
type Options struct {
	// Width is k, the number of hypotheses kept per batch element.
	Width int
	// MaxLen bounds the sequence length including the start token.
	MaxLen int
	EOSID  int
	Logger *zap.Logger
	// OnStep, if set, observes the beams after every expansion step.
	OnStep func(step int, beams []Beam)
}

// Searcher runs beam search with a fixed step function.
type Searcher struct {
	step   StepFunc
	opts   Options
	logger *zap.Logger
}

// New validates opts and returns a Searcher.
func New(step StepFunc, opts Options) (*Searcher, error) {
	if step == nil {
		return nil, errors.New("step function is required")
	}
	if opts.Width < 1 {
		return nil, fmt.Errorf("beam width must be at least 1, got %d", opts.Width)
	}
	if opts.MaxLen < 1 {
		return nil, fmt.Errorf("max length must be at least 1, got %d", opts.MaxLen)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{step: step, opts: opts, logger: logger}, nil
}

// Result holds the outcome of a search.
type Result struct {
	// Sequences holds the best hypothesis per batch element without the start token.
	Sequences [][]int
	// Beams holds the final beams, best first.
	Beams []Beam
	// Steps is the number of expansion steps that ran.
	Steps int
}

type candidate struct {
	parent *Hypothesis
	row    int
	token  int
	score  float64
}

// Search decodes from start (one token per batch element) and init, whose batch
// dimension must match start and enc. A nil enc is passed through to the step
// function as nil.
func (s *Searcher) Search(start []int, init *rnn.State, enc *tensor.Tensor3) (*Result, error) {
	batch := len(start)
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if init == nil || init.H == nil || init.Batch() != batch || (enc != nil && enc.D0 != batch) {
		return nil, fmt.Errorf("%w: start tokens, state and encoder outputs disagree on batch size", ErrInvalidInput)
	}

	k := s.opts.Width
	beams := make([]Beam, batch)
	for b := range beams {
		root := init.Select(b)
		beams[b] = make(Beam, k)
		for i := range beams[b] {
			// Copies after the first start at -Inf so the first expansion does not
			// yield k identical sequences.
			score := math.Inf(-1)
			if i == 0 {
				score = 0
			}
			beams[b][i] = &Hypothesis{Tokens: []int{start[b]}, Score: score, State: root}
		}
	}

	steps := 0
	for ; steps < s.opts.MaxLen-1; steps++ {
		tokens, states, encRows, rows := s.gather(beams)
		if len(tokens) == 0 {
			break
		}
		state, err := rnn.Concat(states...)
		if err != nil {
			return nil, fmt.Errorf("batching hypothesis states: %w", err)
		}
		var stepEnc *tensor.Tensor3
		if enc != nil {
			stepEnc = enc.SelectD0(encRows)
		}
		logProbs, next, err := s.step(tokens, state, stepEnc)
		if err != nil {
			return nil, fmt.Errorf("beam step %d: %w", steps, err)
		}
		for b := range beams {
			if rows[b] != nil {
				beams[b] = s.prune(beams[b], rows[b], logProbs, next)
			}
		}
		s.logger.Debug("Beam step complete",
			zap.Int("step", steps),
			zap.Int("expanded", len(tokens)))
		if s.opts.OnStep != nil {
			s.opts.OnStep(steps+1, beams)
		}
	}

	res := &Result{Sequences: make([][]int, batch), Beams: beams, Steps: steps}
	for b, beam := range beams {
		best := beam[0]
		res.Sequences[b] = append([]int(nil), best.Tokens[1:]...)
	}
	return res, nil
}

// gather collects every expandable hypothesis into one step batch. rows[b][i]
// is the batch row of beams[b][i], or -1; rows[b] is nil for frozen beams.
func (s *Searcher) gather(beams []Beam) (tokens [][]int, states []*rnn.State, encRows []int, rows [][]int) {
	rows = make([][]int, len(beams))
	for b, beam := range beams {
		if beam.Frozen() {
			continue
		}
		rows[b] = make([]int, len(beam))
		for i, h := range beam {
			rows[b][i] = -1
			if h.Terminated || math.IsInf(h.Score, -1) {
				continue
			}
			rows[b][i] = len(tokens)
			tokens = append(tokens, []int{h.Tokens[len(h.Tokens)-1]})
			states = append(states, h.State)
			encRows = append(encRows, b)
		}
	}
	return tokens, states, encRows, rows
}

// prune expands every live hypothesis by its top-k tokens, carries terminated
// hypotheses over unchanged and keeps the k best candidates. Equal scores keep
// enumeration order: hypothesis index, then token rank.
func (s *Searcher) prune(beam Beam, rows []int, logProbs *tensor.Tensor3, next *rnn.State) Beam {
	k := s.opts.Width
	cands := make([]candidate, 0, len(beam)*k)
	for i, h := range beam {
		if h.Terminated {
			cands = append(cands, candidate{parent: h, row: -1, score: h.Score})
			continue
		}
		if rows[i] < 0 {
			continue
		}
		dist := logProbs.Row(rows[i], 0)
		for _, tok := range topK(dist, k) {
			cands = append(cands, candidate{parent: h, row: rows[i], token: tok, score: h.Score + dist[tok]})
		}
	}
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].score > cands[b].score
	})
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make(Beam, len(cands))
	for j, c := range cands {
		if c.row < 0 {
			out[j] = c.parent
			continue
		}
		tokens := make([]int, len(c.parent.Tokens)+1)
		copy(tokens, c.parent.Tokens)
		tokens[len(tokens)-1] = c.token
		out[j] = &Hypothesis{
			Tokens:     tokens,
			Score:      c.score,
			State:      next.Select(c.row),
			Terminated: c.token == s.opts.EOSID,
		}
	}
	return out
}

// topK returns the indices of the k largest values, largest first, lowest
// index first among equals.
func topK(v []float64, k int) []int {
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return v[idx[a]] > v[idx[b]]
	})
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
