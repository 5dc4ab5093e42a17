// Copyright 2025 The Engram Authors
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

package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// MaxPromptTokens is the prompt budget for extraction calls. Window
// turns are dropped oldest-first until the assembled prompt fits.
const MaxPromptTokens = 8192

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens with the model's encoding, falling back to a
// character estimate when the encoding tables are unavailable offline.
func CountTokens(model, text string) int {
	enc := getEncoding(model)
	if enc == nil {
		// Rough 4 chars per token estimate.
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// FitTurns drops the oldest turns until the remaining ones, plus the
// fixed overhead already spent on system prompt and instructions, fit
// the prompt budget. The newest turns always survive.
func FitTurns(model string, turns []string, overheadTokens int) []string {
	budget := MaxPromptTokens - overheadTokens
	if budget <= 0 {
		return nil
	}

	total := 0
	counts := make([]int, len(turns))
	for i, turn := range turns {
		counts[i] = CountTokens(model, turn)
		total += counts[i]
	}

	start := 0
	for start < len(turns) && total > budget {
		total -= counts[start]
		start++
	}
	return turns[start:]
}

func getEncoding(model string) *tiktoken.Tiktoken {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}
