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

package kospeech

import (
	"fmt"
	"time"

	"github.com/3351-dev/kospeech/lib/speller"
)

// ModelConfig describes one named speller.
type ModelConfig struct {
	speller.Config `mapstructure:",squash"`

	// Seed fixes the weight initialization. Zero derives a seed from the model name.
	Seed uint64 `json:"seed,omitempty" mapstructure:"seed"`
	// Labels maps token id i to Labels[i] for transcripts and scoring.
	Labels []string `json:"labels,omitempty" mapstructure:"labels"`
}

// ID2Char returns the label table as a map, or nil when no labels are set.
func (m ModelConfig) ID2Char() map[int]string {
	if len(m.Labels) == 0 {
		return nil
	}
	out := make(map[int]string, len(m.Labels))
	for id, label := range m.Labels {
		out[id] = label
	}
	return out
}

// Config is the service configuration.
type Config struct {
	Models map[string]ModelConfig `json:"models" mapstructure:"models"`
	// KeepAlive is how long a built speller stays cached after its last use
	// ("" or "0" keeps it forever).
	KeepAlive string `json:"keep_alive,omitempty" mapstructure:"keep_alive"`
	// MaxLoadedModels caps the cache (0 = unlimited).
	MaxLoadedModels uint64 `json:"max_loaded_models,omitempty" mapstructure:"max_loaded_models"`
	// MaxConcurrentDecodes bounds parallel decode calls (0 = number of CPUs).
	MaxConcurrentDecodes int `json:"max_concurrent_decodes,omitempty" mapstructure:"max_concurrent_decodes"`
}

// KeepAliveDuration parses KeepAlive.
func (c Config) KeepAliveDuration() (time.Duration, error) {
	if c.KeepAlive == "" || c.KeepAlive == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.KeepAlive)
	if err != nil {
		return 0, fmt.Errorf("invalid keep_alive %q: %w", c.KeepAlive, err)
	}
	return d, nil
}

// Validate checks every model definition.
func (c Config) Validate() error {
	for name, m := range c.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("model %s: %w", name, err)
		}
		if len(m.Labels) > 0 && len(m.Labels) != m.VocabSize {
			return fmt.Errorf("model %s: %d labels for a vocabulary of %d", name, len(m.Labels), m.VocabSize)
		}
	}
	if _, err := c.KeepAliveDuration(); err != nil {
		return err
	}
	return nil
}
