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

import "github.com/prometheus/client_golang/prometheus"

var (
	decodeRequestOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "decode_request_ops_total",
			Help:      "The total number of decode calls.",
		},
		[]string{"model", "mode"},
	)
	tokenDecodeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "token_decode_ops_total",
			Help:      "The total number of tokens decoded.",
		},
		[]string{"model"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "decode_errors_total",
			Help:      "The total number of failed decode calls.",
		},
		[]string{"model"},
	)

	decodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "decode_duration_seconds",
			Help:      "Time taken by one decode call.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"model", "mode"},
	)
	beamSearchSteps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "beam_search_steps",
			Help:      "Expansion steps run by one beam search.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
		[]string{"model"},
	)
	modelBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "model_build_duration_seconds",
			Help:      "Time taken to build a speller.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"model"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "cache_hits_total",
			Help:      "The total number of registry cache hits.",
		},
		[]string{"cache_type"},
	)
	cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "cache_misses_total",
			Help:      "The total number of registry cache misses.",
		},
		[]string{"cache_type"},
	)

	activeDecodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kospeech",
			Subsystem: "speller",
			Name:      "active_decodes",
			Help:      "Decode calls currently holding a slot.",
		},
	)
)

func init() {
	prometheus.MustRegister(decodeRequestOps)
	prometheus.MustRegister(tokenDecodeOps)
	prometheus.MustRegister(decodeErrors)
	prometheus.MustRegister(decodeDuration)
	prometheus.MustRegister(beamSearchSteps)
	prometheus.MustRegister(modelBuildDuration)
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(activeDecodes)
}

// RecordDecodeRequest increments the decode counter for a model and mode
func RecordDecodeRequest(model, mode string) {
	decodeRequestOps.WithLabelValues(model, mode).Inc()
}

// RecordTokenDecode records the number of tokens decoded
func RecordTokenDecode(model string, count int) {
	tokenDecodeOps.WithLabelValues(model).Add(float64(count))
}

// RecordDecodeError increments the decode error counter
func RecordDecodeError(model string) {
	decodeErrors.WithLabelValues(model).Inc()
}

// RecordDecodeDuration records how long a decode call took
func RecordDecodeDuration(model, mode string, seconds float64) {
	decodeDuration.WithLabelValues(model, mode).Observe(seconds)
}

// RecordBeamSearchSteps records the number of beam expansion steps
func RecordBeamSearchSteps(model string, steps int) {
	beamSearchSteps.WithLabelValues(model).Observe(float64(steps))
}

// RecordModelBuildDuration records how long it took to build a speller
func RecordModelBuildDuration(model string, seconds float64) {
	modelBuildDuration.WithLabelValues(model).Observe(seconds)
}

// RecordCacheHit increments the cache hit counter
func RecordCacheHit(cacheType string) {
	cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments the cache miss counter
func RecordCacheMiss(cacheType string) {
	cacheMisses.WithLabelValues(cacheType).Inc()
}
