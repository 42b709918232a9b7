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
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/3351-dev/kospeech/lib/cer"
)

var scoreCmd = &cobra.Command{
	Use:   "score <target> <hypothesis>",
	Short: "Character edit distance between a target and a hypothesis",
	Long: `Compute the character edit distance and character error rate between two
transcripts. Spaces are ignored.

With --ids both arguments are comma separated token ids that are mapped
through the labels of --model and cut at its EOS id.

Examples:
  # Compare two strings
  kospeech score "안녕 하세요" "안녕하세"

  # Compare id sequences with the labels of a model
  kospeech score --ids --model base 5,6,7,1 5,7,1`,
	Args: cobra.ExactArgs(2),
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().Bool("ids", false, "Arguments are comma separated token ids")
	scoreCmd.Flags().String("model", "", "Model whose labels map ids to characters (with --ids)")
}

func runScore(cmd *cobra.Command, args []string) error {
	useIDs, _ := cmd.Flags().GetBool("ids")
	target, hyp := args[0], args[1]

	if useIDs {
		modelName, _ := cmd.Flags().GetString("model")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		model, ok := cfg.Models[modelName]
		if !ok {
			return fmt.Errorf("unknown model %q", modelName)
		}
		id2char := model.ID2Char()
		if id2char == nil {
			return fmt.Errorf("model %s has no labels", modelName)
		}
		targetIDs, err := parseIDs(target)
		if err != nil {
			return err
		}
		hypIDs, err := parseIDs(hyp)
		if err != nil {
			return err
		}
		target = cer.LabelToString(targetIDs, id2char, model.EOSID)
		hyp = cer.LabelToString(hypIDs, id2char, model.EOSID)
	}

	distance, length := cer.CharDistance(target, hyp)
	fmt.Printf("distance=%d length=%d cer=%.4f\n", distance, length, cer.Rate(distance, length))
	return nil
}

// parseIDs parses a comma separated list of token ids.
func parseIDs(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
