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

// Package speller implements the attention-based character decoder of a
// listen-attend-spell model: the single step decoder and the sequence decoder
// that runs it teacher-forced, free-running or under beam search.
package speller

import (
	"fmt"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/3351-dev/kospeech/lib/beam"
	"github.com/3351-dev/kospeech/lib/rnn"
	"github.com/3351-dev/kospeech/lib/tensor"
)

// Mode is the decoding regime a call ended up using.
type Mode int

const (
	ModeTeacherForcing Mode = iota
	ModeFreeRunning
	ModeBeamSearch
)

func (m Mode) String() string {
	switch m {
	case ModeTeacherForcing:
		return "teacher_forcing"
	case ModeFreeRunning:
		return "free_running"
	case ModeBeamSearch:
		return "beam_search"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Input carries the arrays of one decode call.
type Input struct {
	// Targets is [batch][seqLen], starting with SOS. Optional.
	Targets [][]int
	// EncoderHidden is the listener's final state, [layers*directions, batch, hidden].
	// Only its batch dimension is checked: the decoder state is drawn fresh.
	EncoderHidden *tensor.Tensor3
	// EncoderOutputs is [batch, encLen, hidden].
	EncoderOutputs *tensor.Tensor3
}

// Options controls one decode call. Zero BeamWidth and MaxLen use the config.
type Options struct {
	// TeacherForcingRatio is the probability of teacher forcing for this call.
	// Nil uses the configured ratio.
	TeacherForcingRatio *float64
	BeamSearch          bool
	BeamWidth           int
	MaxLen              int
	Phase               Phase
	// OnBeamStep observes beams after every beam search step.
	OnBeamStep func(step int, beams []beam.Beam)
}

// Ratio returns p as a per-call teacher forcing ratio.
func Ratio(p float64) *float64 {
	return &p
}

// Result is the output of one decode call.
type Result struct {
	// Tokens is [batch][decodedLen]. Free-running output is not cut at EOS.
	Tokens [][]int
	// LogProbs is [batch, decodedLen, vocab]; nil under beam search.
	LogProbs *tensor.Tensor3
	Mode     Mode
	// Beam holds the final beams under beam search.
	Beam *beam.Result
}

// Speller is the sequence decoder. It is safe for concurrent use: calls share
// only the immutable weights.
type Speller struct {
	cfg    Config
	step   *StepDecoder
	logger *zap.Logger
}

// Option configures a Speller.
type Option func(*Speller)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Speller) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a speller with weights drawn from rng.
func New(cfg Config, rng *rand.Rand, opts ...Option) (*Speller, error) {
	step, err := NewStepDecoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	return NewWithDecoder(step, opts...), nil
}

// NewWithDecoder wraps an existing step decoder.
func NewWithDecoder(step *StepDecoder, opts ...Option) *Speller {
	s := &Speller{cfg: step.cfg, step: step, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the speller configuration.
func (s *Speller) Config() Config {
	return s.cfg
}

// StepDecoder returns the underlying step decoder.
func (s *Speller) StepDecoder() *StepDecoder {
	return s.step
}

// Forward decodes for supervised training: dropout is active and per-step
// distributions are returned for the loss.
func (s *Speller) Forward(in Input, teacherForcingRatio float64, rng *rand.Rand) (*Result, error) {
	return s.Decode(in, Options{TeacherForcingRatio: Ratio(teacherForcingRatio), Phase: PhaseTrain}, rng)
}

// Infer decodes without supervision and returns only the predicted sequences.
func (s *Speller) Infer(in Input, useBeamSearch bool, rng *rand.Rand) ([][]int, error) {
	res, err := s.Decode(in, Options{TeacherForcingRatio: Ratio(0), BeamSearch: useBeamSearch, Phase: PhaseInfer}, rng)
	if err != nil {
		return nil, err
	}
	return res.Tokens, nil
}

// Decode runs one decode call. The decoder state is drawn from rng first; then,
// unless beam search is requested, a single rng.Float64() below the teacher
// forcing ratio selects teacher forcing for the whole call.
func (s *Speller) Decode(in Input, opts Options, rng *rand.Rand) (*Result, error) {
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidInput)
	}
	batch, err := s.checkInput(in)
	if err != nil {
		return nil, err
	}
	maxLen := opts.MaxLen
	if maxLen == 0 {
		maxLen = s.cfg.MaxLen
	}
	if maxLen < 1 {
		return nil, fmt.Errorf("%w: max length %d", ErrInvalidInput, maxLen)
	}

	state := rnn.NewState(s.step.kind, s.cfg.LayerSize, batch, s.cfg.HiddenSize, rng)

	if opts.BeamSearch {
		width := opts.BeamWidth
		if width == 0 {
			width = s.cfg.BeamWidth
		}
		return s.beamSearch(state, in.EncoderOutputs, width, maxLen, opts.OnBeamStep)
	}

	ratio := s.cfg.TeacherForcingRatio
	if opts.TeacherForcingRatio != nil {
		ratio = *opts.TeacherForcingRatio
		if ratio < 0 || ratio > 1 {
			return nil, fmt.Errorf("%w: teacher forcing ratio %g outside [0, 1]", ErrInvalidInput, ratio)
		}
	}
	useTeacherForcing := rng.Float64() < ratio
	if useTeacherForcing && in.Targets != nil {
		return s.teacherForced(in.Targets, state, in.EncoderOutputs, opts.Phase, rng)
	}
	return s.freeRunning(state, in.EncoderOutputs, maxLen, opts.Phase, rng)
}

// Greedy runs free-running decoding from an explicit initial state.
func (s *Speller) Greedy(state *rnn.State, enc *tensor.Tensor3, maxLen int) (*Result, error) {
	if err := s.checkState(state, enc); err != nil {
		return nil, err
	}
	return s.freeRunning(state, enc, maxLen, PhaseInfer, nil)
}

// BeamSearch runs beam search from an explicit initial state.
func (s *Speller) BeamSearch(state *rnn.State, enc *tensor.Tensor3, width, maxLen int) (*Result, error) {
	if err := s.checkState(state, enc); err != nil {
		return nil, err
	}
	return s.beamSearch(state, enc, width, maxLen, nil)
}

// checkState validates an explicit initial state. enc may be nil only when the
// decoder has no attention.
func (s *Speller) checkState(state *rnn.State, enc *tensor.Tensor3) error {
	if state == nil || state.H == nil {
		return fmt.Errorf("%w: initial state is required", ErrInvalidInput)
	}
	if state.Batch() == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	return s.step.checkEncoder(enc, state.Batch())
}

func (s *Speller) checkInput(in Input) (int, error) {
	if in.EncoderOutputs == nil {
		return 0, fmt.Errorf("%w: encoder outputs are required", ErrInvalidInput)
	}
	batch := in.EncoderOutputs.D0
	if batch == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if in.Targets != nil && len(in.Targets) != batch {
		return 0, fmt.Errorf("%w: %d target rows for a batch of %d", ErrInvalidInput, len(in.Targets), batch)
	}
	if in.EncoderHidden != nil && in.EncoderHidden.D1 != batch {
		return 0, fmt.Errorf("%w: encoder hidden batch %d for a batch of %d", ErrInvalidInput, in.EncoderHidden.D1, batch)
	}
	return batch, nil
}

// teacherForced feeds targets[:, :-1] in one batched step.
func (s *Speller) teacherForced(targets [][]int, state *rnn.State, enc *tensor.Tensor3, phase Phase, rng *rand.Rand) (*Result, error) {
	inputs := make([][]int, len(targets))
	for b, row := range targets {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: target row %d needs at least 2 tokens, has %d", ErrInvalidInput, b, len(row))
		}
		inputs[b] = row[:len(row)-1]
	}
	out, err := s.step.Forward(inputs, state, enc, phase, rng)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Teacher-forced decode",
		zap.Int("batch", len(inputs)),
		zap.Int("steps", out.LogProbs.D1))
	return &Result{
		Tokens:   out.LogProbs.Argmax(),
		LogProbs: out.LogProbs,
		Mode:     ModeTeacherForcing,
	}, nil
}

// freeRunning feeds back the argmax for exactly maxLen-1 steps. It does not
// stop at EOS; trailing tokens are left to the consumer.
func (s *Speller) freeRunning(state *rnn.State, enc *tensor.Tensor3, maxLen int, phase Phase, rng *rand.Rand) (*Result, error) {
	batch := state.Batch()
	steps := maxLen - 1
	if steps < 1 {
		return nil, fmt.Errorf("%w: max length %d leaves no decode steps", ErrInvalidInput, maxLen)
	}
	logProbs := tensor.New(batch, steps, s.cfg.VocabSize)
	tokens := make([][]int, batch)
	for b := range tokens {
		tokens[b] = make([]int, steps)
	}

	input := make([][]int, batch)
	for b := range input {
		input[b] = []int{s.cfg.SOSID}
	}
	for t := 0; t < steps; t++ {
		out, err := s.step.Forward(input, state, enc, phase, rng)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", t, err)
		}
		state = out.State
		next := out.LogProbs.Argmax()
		for b := 0; b < batch; b++ {
			copy(logProbs.Row(b, t), out.LogProbs.Row(b, 0))
			tokens[b][t] = next[b][0]
			input[b] = []int{next[b][0]}
		}
	}
	s.logger.Debug("Free-running decode",
		zap.Int("batch", batch),
		zap.Int("steps", steps))
	return &Result{Tokens: tokens, LogProbs: logProbs, Mode: ModeFreeRunning}, nil
}

func (s *Speller) beamSearch(state *rnn.State, enc *tensor.Tensor3, width, maxLen int, onStep func(int, []beam.Beam)) (*Result, error) {
	searcher, err := beam.New(s.inferStep, beam.Options{
		Width:  width,
		MaxLen: maxLen,
		EOSID:  s.cfg.EOSID,
		Logger: s.logger,
		OnStep: onStep,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	start := make([]int, state.Batch())
	for b := range start {
		start[b] = s.cfg.SOSID
	}
	res, err := searcher.Search(start, state, enc)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Beam search decode",
		zap.Int("batch", len(start)),
		zap.Int("width", width),
		zap.Int("steps", res.Steps))
	return &Result{Tokens: res.Sequences, Mode: ModeBeamSearch, Beam: res}, nil
}

func (s *Speller) inferStep(tokens [][]int, state *rnn.State, enc *tensor.Tensor3) (*tensor.Tensor3, *rnn.State, error) {
	out, err := s.step.Forward(tokens, state, enc, PhaseInfer, nil)
	if err != nil {
		return nil, nil, err
	}
	return out.LogProbs, out.State, nil
}
