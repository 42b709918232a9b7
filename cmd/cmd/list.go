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
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3351-dev/kospeech"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured speller models",
	Long: `List the speller models defined in the config file.

Examples:
  # List models
  kospeech list

  # List models from a specific config
  kospeech list --config ./kospeech.yaml`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	registry, err := kospeech.NewRegistry(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	names := registry.List()
	if len(names) == 0 {
		fmt.Println("No models configured")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tCELL\tLAYERS\tHIDDEN\tVOCAB\tATTENTION\tBEAM\tSEED")
	for _, name := range names {
		m, _ := registry.Model(name)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%t\t%d\t%d\n",
			name, m.CellKind, m.LayerSize, m.HiddenSize, m.VocabSize, m.UseAttention, m.BeamWidth,
			kospeech.ModelSeed(name, m))
	}
	return w.Flush()
}
