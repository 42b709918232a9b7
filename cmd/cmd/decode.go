// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3351-dev/kospeech"
	"github.com/3351-dev/kospeech/lib/speller"
	"github.com/3351-dev/kospeech/lib/tensor"
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode synthetic listener outputs with a configured model",
	Long: `Draw listener outputs from a seed and decode them with a configured speller.

The listener is not part of this tool: its outputs are sampled uniformly from
[-1, 1), which is enough to exercise every decoding mode end to end.

Examples:
  # Greedy decode of a batch of 2
  kospeech decode --model base --batch 2

  # Beam search with width 4
  kospeech decode --model base --beam --beam-width 4

  # Teacher-forced decode against a target
  kospeech decode --model base --targets 0,5,6,1 --teacher-forcing 1`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)

	decodeCmd.Flags().String("model", "", "Model name from the config file")
	decodeCmd.Flags().Int("batch", 1, "Batch size")
	decodeCmd.Flags().Int("enc-len", 16, "Number of synthetic listener timesteps")
	decodeCmd.Flags().Uint64("seed", 1, "Seed for listener outputs and decoder noise")
	decodeCmd.Flags().Bool("beam", false, "Use beam search")
	decodeCmd.Flags().Int("beam-width", 0, "Beam width (0 = model default)")
	decodeCmd.Flags().Int("max-len", 0, "Maximum length including SOS (0 = model default)")
	decodeCmd.Flags().Float64("teacher-forcing", 0, "Teacher forcing probability (default: the model's teacher_forcing_ratio)")
	decodeCmd.Flags().String("targets", "", "Comma separated target ids (starting with SOS), used for every batch row")
	_ = decodeCmd.MarkFlagRequired("model")
}

func runDecode(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := kospeech.NewRegistry(cfg, logger.Named("registry"))
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()
	svc := kospeech.NewService(registry, cfg.MaxConcurrentDecodes, logger.Named("kospeech"))

	flags := cmd.Flags()
	modelName, _ := flags.GetString("model")
	batch, _ := flags.GetInt("batch")
	encLen, _ := flags.GetInt("enc-len")
	seed, _ := flags.GetUint64("seed")
	useBeam, _ := flags.GetBool("beam")
	beamWidth, _ := flags.GetInt("beam-width")
	maxLen, _ := flags.GetInt("max-len")
	var ratio *float64
	if flags.Changed("teacher-forcing") {
		v, _ := flags.GetFloat64("teacher-forcing")
		ratio = speller.Ratio(v)
	}
	targetsStr, _ := flags.GetString("targets")

	model, ok := registry.Model(modelName)
	if !ok {
		return fmt.Errorf("unknown model %q (known: %s)", modelName, strings.Join(registry.List(), ", "))
	}
	if batch < 1 {
		return fmt.Errorf("batch must be at least 1, got %d", batch)
	}

	var targets [][]int
	if targetsStr != "" {
		ids, err := parseIDs(targetsStr)
		if err != nil {
			return err
		}
		targets = make([][]int, batch)
		for i := range targets {
			targets[i] = ids
		}
	}

	rng := rand.New(rand.NewPCG(seed, ^seed))
	req := kospeech.DecodeRequest{
		Model:               modelName,
		Targets:             targets,
		EncoderOutputs:      tensor.Uniform(batch, encLen, model.HiddenSize, -1, 1, rng),
		BeamSearch:          useBeam,
		BeamWidth:           beamWidth,
		MaxLen:              maxLen,
		TeacherForcingRatio: ratio,
		Seed:                seed,
	}
	resp, err := svc.Decode(ctx, req)
	if err != nil {
		return fmt.Errorf("decoding with %s: %w", modelName, err)
	}

	logger.Info("Decoded",
		zap.String("model", modelName),
		zap.String("mode", resp.Mode.String()),
		zap.Duration("duration", resp.Duration))
	for i, ids := range resp.Tokens {
		fmt.Printf("[%d] ids=%v", i, ids)
		if resp.Transcripts != nil {
			fmt.Printf(" text=%q", resp.Transcripts[i])
		}
		fmt.Println()
	}
	if targets != nil && resp.Transcripts != nil {
		fmt.Printf("distance=%d length=%d cer=%.4f\n", resp.Distance, resp.Length, resp.CER)
	}
	return nil
}
