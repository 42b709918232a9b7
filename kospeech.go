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

// Package kospeech serves the listen-attend-spell speller: named models are
// built lazily by a Registry and decode calls run through a Service that
// bounds concurrency, records metrics and scores transcripts.
package kospeech

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/3351-dev/kospeech/lib/cer"
	"github.com/3351-dev/kospeech/lib/speller"
	"github.com/3351-dev/kospeech/lib/tensor"
)

// DecodeRequest is one decode call against a named model.
type DecodeRequest struct {
	Model string
	// Targets is [batch][seqLen] starting with SOS. Optional.
	Targets        [][]int
	EncoderHidden  *tensor.Tensor3
	EncoderOutputs *tensor.Tensor3

	BeamSearch          bool
	BeamWidth           int
	MaxLen              int
	// TeacherForcingRatio overrides the model's configured ratio when set.
	TeacherForcingRatio *float64
	// Train enables dropout.
	Train bool
	// Seed drives the hidden-state noise, the teacher forcing draw and dropout.
	Seed uint64
}

// DecodeResponse is the outcome of a decode call.
type DecodeResponse struct {
	Model  string
	Mode   speller.Mode
	Tokens [][]int
	// LogProbs is nil for beam search.
	LogProbs *tensor.Tensor3
	// Transcripts are set when the model has labels.
	Transcripts []string
	// Distance and Length are set when targets and labels are both present.
	Distance int
	Length   int
	CER      float64
	Duration time.Duration
}

// Service runs decode calls with bounded concurrency.
type Service struct {
	registry *Registry
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewService wraps registry. maxConcurrent <= 0 uses the number of CPUs.
func NewService(registry *Registry, maxConcurrent int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &Service{
		registry: registry,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		logger:   logger,
	}
}

// Decode runs one request. ctx only bounds the wait for a decode slot; a call
// that has started runs to completion.
func (s *Service) Decode(ctx context.Context, req DecodeRequest) (*DecodeResponse, error) {
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	model, ok := s.registry.Model(req.Model)
	if !ok {
		return nil, fmt.Errorf("speller model not found: %s", req.Model)
	}
	sp, err := s.registry.Get(req.Model)
	if err != nil {
		return nil, err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring decode slot: %w", err)
	}
	activeDecodes.Inc()
	defer func() {
		activeDecodes.Dec()
		s.sem.Release(1)
	}()

	phase := speller.PhaseInfer
	if req.Train {
		phase = speller.PhaseTrain
	}
	start := time.Now()
	res, err := sp.Decode(speller.Input{
		Targets:        req.Targets,
		EncoderHidden:  req.EncoderHidden,
		EncoderOutputs: req.EncoderOutputs,
	}, speller.Options{
		TeacherForcingRatio: req.TeacherForcingRatio,
		BeamSearch:          req.BeamSearch,
		BeamWidth:           req.BeamWidth,
		MaxLen:              req.MaxLen,
		Phase:               phase,
	}, rand.New(rand.NewPCG(req.Seed, req.Seed)))
	if err != nil {
		RecordDecodeError(req.Model)
		s.logger.Warn("Decode failed",
			zap.String("model", req.Model),
			zap.Error(err))
		return nil, err
	}
	elapsed := time.Since(start)

	resp := &DecodeResponse{
		Model:    req.Model,
		Mode:     res.Mode,
		Tokens:   res.Tokens,
		LogProbs: res.LogProbs,
		Duration: elapsed,
	}
	if id2char := model.ID2Char(); id2char != nil {
		resp.Transcripts = make([]string, len(res.Tokens))
		for i, ids := range res.Tokens {
			resp.Transcripts[i] = cer.LabelToString(ids, id2char, model.EOSID)
		}
		if req.Targets != nil {
			refs := make([][]int, len(req.Targets))
			for i, row := range req.Targets {
				refs[i] = stripSOS(row, model.SOSID)
			}
			resp.Distance, resp.Length, err = cer.Distance(refs, res.Tokens, id2char, model.EOSID)
			if err != nil {
				return nil, fmt.Errorf("scoring transcripts: %w", err)
			}
			resp.CER = cer.Rate(resp.Distance, resp.Length)
		}
	}

	mode := res.Mode.String()
	tokens := 0
	for _, row := range res.Tokens {
		tokens += len(row)
	}
	RecordDecodeRequest(req.Model, mode)
	RecordTokenDecode(req.Model, tokens)
	RecordDecodeDuration(req.Model, mode, elapsed.Seconds())
	if res.Beam != nil {
		RecordBeamSearchSteps(req.Model, res.Beam.Steps)
	}

	s.logger.Debug("Decode complete",
		zap.String("model", req.Model),
		zap.String("mode", mode),
		zap.Int("batch", len(res.Tokens)),
		zap.Int("tokens", tokens),
		zap.Duration("duration", elapsed))
	return resp, nil
}

// DecodeBatches runs independent requests concurrently. Responses keep the
// order of reqs; the first error cancels requests still waiting for a slot.
func (s *Service) DecodeBatches(ctx context.Context, reqs []DecodeRequest) ([]*DecodeResponse, error) {
	out := make([]*DecodeResponse, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := s.Decode(gctx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func stripSOS(row []int, sosID int) []int {
	if len(row) > 0 && row[0] == sosID {
		return row[1:]
	}
	return row
}
