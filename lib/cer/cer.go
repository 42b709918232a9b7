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

// Package cer scores decoded character sequences against references with the
// character edit distance.
package cer

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// LabelToString maps ids to characters, stopping at the first eosID.
// Ids missing from id2char are skipped.
func LabelToString(ids []int, id2char map[int]string, eosID int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == eosID {
			break
		}
		sb.WriteString(id2char[id])
	}
	return sb.String()
}

// CharDistance returns the edit distance between target and hyp and the
// length of target, both ignoring spaces. Lengths count runes.
func CharDistance(target, hyp string) (distance, length int) {
	target = strings.ReplaceAll(target, " ", "")
	hyp = strings.ReplaceAll(hyp, " ", "")
	return levenshtein.ComputeDistance(hyp, target), len([]rune(target))
}

// Distance sums CharDistance over a batch of raw id sequences.
func Distance(targets, hyps [][]int, id2char map[int]string, eosID int) (distance, length int, err error) {
	if len(targets) != len(hyps) {
		return 0, 0, fmt.Errorf("got %d targets and %d hypotheses", len(targets), len(hyps))
	}
	for i := range targets {
		d, l := CharDistance(
			LabelToString(targets[i], id2char, eosID),
			LabelToString(hyps[i], id2char, eosID),
		)
		distance += d
		length += l
	}
	return distance, length, nil
}

// Rate returns distance/length, or 0 for an empty reference.
func Rate(distance, length int) float64 {
	if length == 0 {
		return 0
	}
	return float64(distance) / float64(length)
}
