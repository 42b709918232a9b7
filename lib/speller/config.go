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
	"errors"
	"fmt"

	"github.com/3351-dev/kospeech/lib/rnn"
)

var (
	// ErrInvalidConfig is returned by New for unusable configurations.
	ErrInvalidConfig = errors.New("invalid speller config")
	// ErrInvalidInput is returned for malformed decode inputs.
	ErrInvalidInput = errors.New("invalid speller input")
)

// Config describes a speller. It is fixed for the lifetime of the decoder.
type Config struct {
	VocabSize  int `json:"vocab_size" mapstructure:"vocab_size"`
	MaxLen     int `json:"max_len" mapstructure:"max_len"`
	HiddenSize int `json:"hidden_size" mapstructure:"hidden_size"`
	SOSID      int `json:"sos_id" mapstructure:"sos_id"`
	EOSID      int `json:"eos_id" mapstructure:"eos_id"`
	PADID      int `json:"pad_id" mapstructure:"pad_id"`
	LayerSize  int `json:"layer_size" mapstructure:"layer_size"`
	// CellKind is one of lstm, gru or rnn.
	CellKind            string  `json:"rnn_cell" mapstructure:"rnn_cell"`
	DropoutP            float64 `json:"dropout_p" mapstructure:"dropout_p"`
	UseAttention        bool    `json:"use_attention" mapstructure:"use_attention"`
	BeamWidth           int     `json:"beam_width" mapstructure:"beam_width"`
	TeacherForcingRatio float64 `json:"teacher_forcing_ratio" mapstructure:"teacher_forcing_ratio"`
}

// DefaultConfig mirrors the defaults of the listen-attend-spell recipe.
func DefaultConfig() Config {
	return Config{
		MaxLen:              120,
		HiddenSize:          256,
		LayerSize:           1,
		CellKind:            string(rnn.KindGRU),
		UseAttention:        true,
		BeamWidth:           8,
		TeacherForcingRatio: 0.99,
	}
}

// Validate checks the configuration and normalizes the cell kind.
func (c *Config) Validate() error {
	kind, err := rnn.ParseCellKind(c.CellKind)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.CellKind = string(kind)

	switch {
	case c.VocabSize <= 0:
		return fmt.Errorf("%w: vocab_size must be positive, got %d", ErrInvalidConfig, c.VocabSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden_size must be positive, got %d", ErrInvalidConfig, c.HiddenSize)
	case c.LayerSize <= 0:
		return fmt.Errorf("%w: layer_size must be positive, got %d", ErrInvalidConfig, c.LayerSize)
	case c.MaxLen < 2:
		return fmt.Errorf("%w: max_len must be at least 2, got %d", ErrInvalidConfig, c.MaxLen)
	case c.BeamWidth < 1:
		return fmt.Errorf("%w: beam_width must be at least 1, got %d", ErrInvalidConfig, c.BeamWidth)
	case c.DropoutP < 0 || c.DropoutP >= 1:
		return fmt.Errorf("%w: dropout_p must be in [0, 1), got %g", ErrInvalidConfig, c.DropoutP)
	case c.TeacherForcingRatio < 0 || c.TeacherForcingRatio > 1:
		return fmt.Errorf("%w: teacher_forcing_ratio must be in [0, 1], got %g", ErrInvalidConfig, c.TeacherForcingRatio)
	}
	ids := []struct {
		name string
		id   int
	}{{"sos_id", c.SOSID}, {"eos_id", c.EOSID}, {"pad_id", c.PADID}}
	for _, v := range ids {
		if v.id < 0 || v.id >= c.VocabSize {
			return fmt.Errorf("%w: %s %d outside vocabulary of %d", ErrInvalidConfig, v.name, v.id, c.VocabSize)
		}
	}
	return nil
}
