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
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"go.uber.org/zap/zaptest"

	"github.com/3351-dev/kospeech/lib/attention"
	"github.com/3351-dev/kospeech/lib/beam"
	"github.com/3351-dev/kospeech/lib/rnn"
	"github.com/3351-dev/kospeech/lib/tensor"
)

func testConfig() Config {
	return Config{
		VocabSize:    5,
		MaxLen:       4,
		HiddenSize:   4,
		SOSID:        0,
		EOSID:        1,
		PADID:        2,
		LayerSize:    1,
		CellKind:     "gru",
		UseAttention: true,
		BeamWidth:    2,
	}
}

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

func newSpeller(t *testing.T, cfg Config) *Speller {
	t.Helper()
	s, err := New(cfg, newRNG(42), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return s
}

func encoderOutputs(batch, encLen, hidden int, seed uint64) *tensor.Tensor3 {
	return tensor.Uniform(batch, encLen, hidden, -1, 1, newRNG(seed))
}

// assertNormalized checks every distribution in lp sums to one.
func assertNormalized(t *testing.T, lp *tensor.Tensor3) {
	t.Helper()
	for b := 0; b < lp.D0; b++ {
		for step := 0; step < lp.D1; step++ {
			assert.InDelta(t, 0.0, floats.LogSumExp(lp.Row(b, step)), 1e-9)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown cell", mutate: func(c *Config) { c.CellKind = "foo" }},
		{name: "no vocab", mutate: func(c *Config) { c.VocabSize = 0 }},
		{name: "no hidden", mutate: func(c *Config) { c.HiddenSize = 0 }},
		{name: "no layers", mutate: func(c *Config) { c.LayerSize = 0 }},
		{name: "short max len", mutate: func(c *Config) { c.MaxLen = 1 }},
		{name: "zero beam", mutate: func(c *Config) { c.BeamWidth = 0 }},
		{name: "dropout one", mutate: func(c *Config) { c.DropoutP = 1 }},
		{name: "ratio above one", mutate: func(c *Config) { c.TeacherForcingRatio = 1.5 }},
		{name: "eos outside vocab", mutate: func(c *Config) { c.EOSID = 5 }},
		{name: "negative pad", mutate: func(c *Config) { c.PADID = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := testConfig()
	cfg.CellKind = " LSTM"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "lstm", cfg.CellKind)
}

func TestNewRejectsUnknownCell(t *testing.T) {
	cfg := testConfig()
	cfg.CellKind = "foo"
	_, err := New(cfg, newRNG(1))
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.ErrorIs(t, err, rnn.ErrUnsupportedCell)

	_, err = New(testConfig(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VocabSize = 10
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "gru", cfg.CellKind)
	assert.True(t, cfg.UseAttention)
}

func TestStepDecoderForward(t *testing.T) {
	for _, kind := range []string{"lstm", "gru", "rnn"} {
		t.Run(kind, func(t *testing.T) {
			cfg := testConfig()
			cfg.CellKind = kind
			cfg.LayerSize = 2
			d, err := NewStepDecoder(cfg, newRNG(1))
			require.NoError(t, err)

			state := rnn.NewState(rnn.CellKind(kind), 2, 2, 4, newRNG(2))
			before := state.Clone()
			out, err := d.Forward([][]int{{0, 3, 4}, {0, 2, 2}}, state, encoderOutputs(2, 6, 4, 3), PhaseInfer, nil)
			require.NoError(t, err)

			d0, d1, d2 := out.LogProbs.Shape()
			assert.Equal(t, []int{2, 3, 5}, []int{d0, d1, d2})
			assertNormalized(t, out.LogProbs)
			require.NotNil(t, out.Attention)
			d0, d1, d2 = out.Attention.Shape()
			assert.Equal(t, []int{2, 3, 6}, []int{d0, d1, d2})
			assert.Equal(t, 2, out.State.Batch())
			assert.Equal(t, before.H.Data, state.H.Data)
		})
	}
}

func TestStepDecoderSequenceMatchesSteps(t *testing.T) {
	cfg := testConfig()
	cfg.CellKind = "lstm"
	d, err := NewStepDecoder(cfg, newRNG(1))
	require.NoError(t, err)
	enc := encoderOutputs(1, 5, 4, 9)
	state := rnn.NewState(rnn.KindLSTM, 1, 1, 4, newRNG(2))
	tokens := []int{0, 3, 4, 2}

	full, err := d.Forward([][]int{tokens}, state, enc, PhaseInfer, nil)
	require.NoError(t, err)

	cur := state
	for step, tok := range tokens {
		out, err := d.Forward([][]int{{tok}}, cur, enc, PhaseInfer, nil)
		require.NoError(t, err)
		assert.InDeltaSlice(t, full.LogProbs.Row(0, step), out.LogProbs.Row(0, 0), 1e-9)
		cur = out.State
	}
}

func TestStepDecoderInvalidInput(t *testing.T) {
	d, err := NewStepDecoder(testConfig(), newRNG(1))
	require.NoError(t, err)
	state := rnn.NewState(rnn.KindGRU, 1, 1, 4, newRNG(2))
	enc := encoderOutputs(1, 3, 4, 3)

	tests := []struct {
		name   string
		tokens [][]int
		state  *rnn.State
		enc    *tensor.Tensor3
	}{
		{name: "no rows", tokens: nil, state: state, enc: enc},
		{name: "empty row", tokens: [][]int{{}}, state: state, enc: enc},
		{name: "ragged", tokens: [][]int{{0, 1}, {0}}, state: rnn.NewState(rnn.KindGRU, 1, 2, 4, newRNG(2)), enc: encoderOutputs(2, 3, 4, 3)},
		{name: "id out of range", tokens: [][]int{{7}}, state: state, enc: enc},
		{name: "state batch", tokens: [][]int{{0}, {0}}, state: state, enc: encoderOutputs(2, 3, 4, 3)},
		{name: "encoder batch", tokens: [][]int{{0}}, state: state, enc: encoderOutputs(2, 3, 4, 3)},
		{name: "encoder hidden", tokens: [][]int{{0}}, state: state, enc: encoderOutputs(1, 3, 5, 3)},
		{name: "missing encoder", tokens: [][]int{{0}}, state: state, enc: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Forward(tt.tokens, tt.state, tt.enc, PhaseInfer, nil)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestTeacherForcedDecode(t *testing.T) {
	s := newSpeller(t, testConfig())
	targets := [][]int{{0, 3, 4, 2, 1}, {0, 4, 4, 1, 2}}
	res, err := s.Decode(Input{Targets: targets, EncoderOutputs: encoderOutputs(2, 6, 4, 1)},
		Options{TeacherForcingRatio: Ratio(1)}, newRNG(7))
	require.NoError(t, err)

	assert.Equal(t, ModeTeacherForcing, res.Mode)
	require.NotNil(t, res.LogProbs)
	assert.Equal(t, 4, res.LogProbs.D1)
	require.Len(t, res.Tokens, 2)
	assert.Len(t, res.Tokens[0], 4)
	assertNormalized(t, res.LogProbs)
}

func TestTeacherForcingWithoutTargetsFallsBack(t *testing.T) {
	s := newSpeller(t, testConfig())
	res, err := s.Decode(Input{EncoderOutputs: encoderOutputs(1, 3, 4, 1)},
		Options{TeacherForcingRatio: Ratio(1)}, newRNG(7))
	require.NoError(t, err)
	assert.Equal(t, ModeFreeRunning, res.Mode)
	assert.Len(t, res.Tokens[0], 3)
}

func TestTeacherForcedShortTarget(t *testing.T) {
	s := newSpeller(t, testConfig())
	_, err := s.Decode(Input{Targets: [][]int{{0}}, EncoderOutputs: encoderOutputs(1, 3, 4, 1)},
		Options{TeacherForcingRatio: Ratio(1)}, newRNG(7))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestFreeRunningDoesNotStopAtEOS(t *testing.T) {
	s := newSpeller(t, testConfig())
	// Make EOS the argmax at every step.
	s.StepDecoder().OutBias[1] = 100

	res, err := s.Decode(Input{EncoderOutputs: encoderOutputs(2, 3, 4, 1)},
		Options{MaxLen: 5}, newRNG(7))
	require.NoError(t, err)
	assert.Equal(t, ModeFreeRunning, res.Mode)
	assert.Equal(t, [][]int{{1, 1, 1, 1}, {1, 1, 1, 1}}, res.Tokens)
	assert.Equal(t, 4, res.LogProbs.D1)
	assertNormalized(t, res.LogProbs)
}

func TestFreeRunningMaxLenTooShort(t *testing.T) {
	s := newSpeller(t, testConfig())
	_, err := s.Decode(Input{EncoderOutputs: encoderOutputs(1, 3, 4, 1)}, Options{MaxLen: 1}, newRNG(7))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDecodeDrawOrder(t *testing.T) {
	cfg := testConfig()
	cfg.CellKind = "lstm"
	s := newSpeller(t, cfg)
	enc := encoderOutputs(2, 3, 4, 1)

	got, err := s.Decode(Input{EncoderOutputs: enc}, Options{MaxLen: 6}, newRNG(11))
	require.NoError(t, err)

	// Hidden then cell noise, then one teacher forcing draw.
	rng := newRNG(11)
	state := rnn.NewState(rnn.KindLSTM, 1, 2, 4, rng)
	_ = rng.Float64()
	want, err := s.Greedy(state, enc, 6)
	require.NoError(t, err)

	assert.Equal(t, want.Tokens, got.Tokens)
	assert.Equal(t, want.LogProbs.Data, got.LogProbs.Data)
}

func TestDecodeIsReproducible(t *testing.T) {
	cfg := testConfig()
	cfg.DropoutP = 0.3
	s := newSpeller(t, cfg)
	in := Input{
		Targets:        [][]int{{0, 3, 4, 1}},
		EncoderOutputs: encoderOutputs(1, 4, 4, 1),
	}

	a, err := s.Forward(in, 0.5, newRNG(3))
	require.NoError(t, err)
	b, err := s.Forward(in, 0.5, newRNG(3))
	require.NoError(t, err)
	assert.Equal(t, a.Mode, b.Mode)
	assert.Equal(t, a.Tokens, b.Tokens)
	assert.Equal(t, a.LogProbs.Data, b.LogProbs.Data)
	assertNormalized(t, a.LogProbs)

	again, err := New(cfg, newRNG(42))
	require.NoError(t, err)
	c, err := again.Forward(in, 0.5, newRNG(3))
	require.NoError(t, err)
	assert.Equal(t, a.LogProbs.Data, c.LogProbs.Data)
}

func TestDropoutOnlyInTraining(t *testing.T) {
	cfg := testConfig()
	cfg.DropoutP = 0.5
	s := newSpeller(t, cfg)
	in := Input{Targets: [][]int{{0, 3, 4, 1}}, EncoderOutputs: encoderOutputs(1, 4, 4, 1)}

	infer1, err := s.Decode(in, Options{TeacherForcingRatio: Ratio(1), Phase: PhaseInfer}, newRNG(3))
	require.NoError(t, err)
	train, err := s.Decode(in, Options{TeacherForcingRatio: Ratio(1), Phase: PhaseTrain}, newRNG(3))
	require.NoError(t, err)
	assert.NotEqual(t, infer1.LogProbs.Data, train.LogProbs.Data)

	// Without dropout both phases agree.
	plain := newSpeller(t, testConfig())
	a, err := plain.Decode(in, Options{TeacherForcingRatio: Ratio(1), Phase: PhaseInfer}, newRNG(3))
	require.NoError(t, err)
	b, err := plain.Decode(in, Options{TeacherForcingRatio: Ratio(1), Phase: PhaseTrain}, newRNG(3))
	require.NoError(t, err)
	assert.Equal(t, a.LogProbs.Data, b.LogProbs.Data)
}

func TestBeamSearchScenario(t *testing.T) {
	s := newSpeller(t, testConfig())
	var steps []int
	res, err := s.Decode(Input{EncoderOutputs: encoderOutputs(1, 5, 4, 1)}, Options{
		BeamSearch: true,
		OnBeamStep: func(step int, beams []beam.Beam) {
			steps = append(steps, step)
			for _, bm := range beams {
				assert.LessOrEqual(t, len(bm), 2)
				for i := 1; i < len(bm); i++ {
					assert.GreaterOrEqual(t, bm[i-1].Score, bm[i].Score)
				}
			}
		},
	}, newRNG(7))
	require.NoError(t, err)

	assert.Equal(t, ModeBeamSearch, res.Mode)
	assert.Nil(t, res.LogProbs)
	require.Len(t, res.Tokens, 1)
	assert.LessOrEqual(t, len(res.Tokens[0])+1, 4)
	require.NotNil(t, res.Beam)
	assert.Len(t, steps, res.Beam.Steps)
	assert.LessOrEqual(t, res.Beam.Steps, 3)

	final := res.Beam.Beams[0]
	if res.Beam.Steps < 3 {
		assert.True(t, final.Frozen())
	}
	for _, h := range final {
		assert.Equal(t, 0, h.Tokens[0])
		assert.LessOrEqual(t, len(h.Tokens), 4)
	}
}

func TestBeamSearchBatch(t *testing.T) {
	s := newSpeller(t, testConfig())
	tokens, err := s.Infer(Input{EncoderOutputs: encoderOutputs(3, 4, 4, 1)}, true, newRNG(7))
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	for _, row := range tokens {
		assert.LessOrEqual(t, len(row), 3)
		assert.NotEmpty(t, row)
	}
}

func TestBeamWidthOneMatchesGreedy(t *testing.T) {
	cfg := testConfig()
	cfg.VocabSize = 8
	cfg.MaxLen = 8
	s := newSpeller(t, cfg)

	for seed := uint64(1); seed <= 5; seed++ {
		enc := encoderOutputs(1, 5, 4, seed)
		state := rnn.NewState(rnn.KindGRU, 1, 1, 4, newRNG(seed))

		greedy, err := s.Greedy(state, enc, cfg.MaxLen)
		require.NoError(t, err)
		beamed, err := s.BeamSearch(state, enc, 1, cfg.MaxLen)
		require.NoError(t, err)

		want := greedy.Tokens[0]
		for i, tok := range want {
			if tok == cfg.EOSID {
				want = want[:i+1]
				break
			}
		}
		assert.Equal(t, want, beamed.Tokens[0], "seed %d", seed)
	}
}

func TestDecodeInvalidInput(t *testing.T) {
	s := newSpeller(t, testConfig())
	enc := encoderOutputs(1, 3, 4, 1)

	tests := []struct {
		name string
		in   Input
		opts Options
	}{
		{name: "no encoder outputs", in: Input{}},
		{name: "target batch", in: Input{Targets: [][]int{{0, 1}, {0, 1}}, EncoderOutputs: enc}, opts: Options{TeacherForcingRatio: Ratio(1)}},
		{name: "encoder hidden batch", in: Input{EncoderHidden: tensor.New(1, 2, 4), EncoderOutputs: enc}},
		{name: "zero batch", in: Input{EncoderOutputs: tensor.New(0, 3, 4)}},
		{name: "negative max len", in: Input{EncoderOutputs: enc}, opts: Options{MaxLen: -1}},
		{name: "negative beam width", in: Input{EncoderOutputs: enc}, opts: Options{BeamSearch: true, BeamWidth: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Decode(tt.in, tt.opts, newRNG(1))
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err := s.Decode(Input{EncoderOutputs: enc}, Options{}, nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestEmptyEncoderOutputs(t *testing.T) {
	s := newSpeller(t, testConfig())
	for _, useBeam := range []bool{false, true} {
		_, err := s.Decode(Input{EncoderOutputs: tensor.New(1, 0, 4)}, Options{BeamSearch: useBeam}, newRNG(1))
		require.ErrorIs(t, err, ErrInvalidInput)
		require.ErrorIs(t, err, attention.ErrEmptyEncoder)
	}
}

func TestWithoutAttention(t *testing.T) {
	cfg := testConfig()
	cfg.UseAttention = false
	s := newSpeller(t, cfg)
	assert.Nil(t, s.StepDecoder().Attention)

	res, err := s.Decode(Input{
		Targets:        [][]int{{0, 3, 1}},
		EncoderOutputs: encoderOutputs(1, 2, 4, 1),
	}, Options{TeacherForcingRatio: Ratio(1)}, newRNG(1))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LogProbs.D1)

	out, err := s.StepDecoder().Forward([][]int{{0}}, rnn.NewState(rnn.KindGRU, 1, 1, 4, newRNG(1)), nil, PhaseInfer, nil)
	require.NoError(t, err)
	assert.Nil(t, out.Attention)
}

func TestDecodeUsesConfiguredRatio(t *testing.T) {
	cfg := testConfig()
	cfg.TeacherForcingRatio = 1
	s := newSpeller(t, cfg)
	in := Input{Targets: [][]int{{0, 3, 4, 1}}, EncoderOutputs: encoderOutputs(1, 4, 4, 1)}

	res, err := s.Decode(in, Options{}, newRNG(7))
	require.NoError(t, err)
	assert.Equal(t, ModeTeacherForcing, res.Mode)

	// An explicit zero overrides the configured ratio.
	res, err = s.Decode(in, Options{TeacherForcingRatio: Ratio(0)}, newRNG(7))
	require.NoError(t, err)
	assert.Equal(t, ModeFreeRunning, res.Mode)

	// Infer never teacher-forces.
	tokens, err := s.Infer(in, false, newRNG(7))
	require.NoError(t, err)
	assert.Len(t, tokens[0], cfg.MaxLen-1)

	_, err = s.Decode(in, Options{TeacherForcingRatio: Ratio(1.5)}, newRNG(7))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestExplicitStateEntryPointsValidate(t *testing.T) {
	s := newSpeller(t, testConfig())
	enc := encoderOutputs(1, 3, 4, 1)
	state := rnn.NewState(rnn.KindGRU, 1, 1, 4, newRNG(1))

	tests := []struct {
		name  string
		state *rnn.State
		enc   *tensor.Tensor3
	}{
		{name: "nil state", state: nil, enc: enc},
		{name: "no hidden", state: &rnn.State{}, enc: enc},
		{name: "nil encoder with attention", state: state, enc: nil},
		{name: "encoder batch", state: state, enc: encoderOutputs(2, 3, 4, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Greedy(tt.state, tt.enc, 4)
			require.ErrorIs(t, err, ErrInvalidInput)
			_, err = s.BeamSearch(tt.state, tt.enc, 2, 4)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestExplicitStateWithoutAttention(t *testing.T) {
	cfg := testConfig()
	cfg.UseAttention = false
	s := newSpeller(t, cfg)
	state := rnn.NewState(rnn.KindGRU, 1, 2, 4, newRNG(1))

	greedy, err := s.Greedy(state, nil, 4)
	require.NoError(t, err)
	assert.Len(t, greedy.Tokens, 2)

	beamed, err := s.BeamSearch(state, nil, 2, 4)
	require.NoError(t, err)
	assert.Len(t, beamed.Tokens, 2)
}

func TestConfigValidateNamesFirstBadID(t *testing.T) {
	cfg := testConfig()
	cfg.SOSID = 9
	cfg.EOSID = 9
	cfg.PADID = 9
	for range 10 {
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Contains(t, err.Error(), "sos_id 9")
	}

	cfg.SOSID = 0
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "eos_id 9")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "teacher_forcing", ModeTeacherForcing.String())
	assert.Equal(t, "free_running", ModeFreeRunning.String())
	assert.Equal(t, "beam_search", ModeBeamSearch.String())
	assert.Equal(t, "train", PhaseTrain.String())
	assert.Equal(t, "infer", PhaseInfer.String())
}
