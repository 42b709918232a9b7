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
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/3351-dev/kospeech/lib/speller"
)

// Registry builds spellers on first use and keeps them for the keep-alive
// period. Builds of the same model are deduplicated.
type Registry struct {
	models    map[string]ModelConfig
	cache     *ttlcache.Cache[string, *speller.Speller]
	sfGroup   singleflight.Group
	keepAlive time.Duration
	logger    *zap.Logger
}

// NewRegistry validates cfg and returns a registry. Nothing is built yet.
func NewRegistry(cfg Config, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keepAlive, _ := cfg.KeepAliveDuration()
	ttl := keepAlive
	if ttl == 0 {
		ttl = ttlcache.NoTTL // Never expire
	}

	cacheOpts := []ttlcache.Option[string, *speller.Speller]{
		ttlcache.WithTTL[string, *speller.Speller](ttl),
	}
	if cfg.MaxLoadedModels > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, *speller.Speller](cfg.MaxLoadedModels))
	}

	r := &Registry{
		models:    cfg.Models,
		cache:     ttlcache.New(cacheOpts...),
		keepAlive: keepAlive,
		logger:    logger,
	}
	r.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *speller.Speller]) {
		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		case ttlcache.EvictionReasonDeleted:
			reasonStr = "manually deleted"
		}
		logger.Info("Unloading speller",
			zap.String("model", item.Key()),
			zap.String("reason", reasonStr))
	})

	go r.cache.Start()

	logger.Info("Speller registry ready",
		zap.Int("models", len(cfg.Models)),
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_loaded_models", cfg.MaxLoadedModels))
	return r, nil
}

// Model returns the configuration of a named model.
func (r *Registry) Model(name string) (ModelConfig, bool) {
	m, ok := r.models[name]
	return m, ok
}

// List returns the configured model names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Get returns the speller for name, building it if needed.
func (r *Registry) Get(name string) (*speller.Speller, error) {
	if item := r.cache.Get(name); item != nil {
		RecordCacheHit("speller")
		return item.Value(), nil
	}
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("speller model not found: %s", name)
	}
	RecordCacheMiss("speller")

	v, err, shared := r.sfGroup.Do(name, func() (any, error) {
		if item := r.cache.Get(name); item != nil {
			return item.Value(), nil
		}
		start := time.Now()
		seed := ModelSeed(name, m)
		sp, err := speller.New(m.Config, rand.New(rand.NewPCG(seed, seed)), speller.WithLogger(r.logger.Named(name)))
		if err != nil {
			return nil, fmt.Errorf("building speller %s: %w", name, err)
		}
		RecordModelBuildDuration(name, time.Since(start).Seconds())
		r.cache.Set(name, sp, ttlcache.DefaultTTL)
		r.logger.Info("Built speller",
			zap.String("model", name),
			zap.Uint64("seed", seed),
			zap.String("rnn_cell", m.CellKind),
			zap.Bool("use_attention", m.UseAttention),
			zap.Duration("duration", time.Since(start)))
		return sp, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debug("Singleflight hit for speller build", zap.String("model", name))
	}
	return v.(*speller.Speller), nil
}

// Close stops the cache cleanup loop and drops every built speller.
func (r *Registry) Close() error {
	r.cache.Stop()
	r.cache.DeleteAll()
	return nil
}

// ModelSeed returns the configured seed, or a hash of the model name.
func ModelSeed(name string, m ModelConfig) uint64 {
	if m.Seed != 0 {
		return m.Seed
	}
	return xxhash.Sum64String(name)
}
