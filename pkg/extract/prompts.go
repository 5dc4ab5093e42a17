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

package extract

import (
	"fmt"
	"strings"

	"github.com/engramhq/engram/pkg/llm"
	"github.com/engramhq/engram/pkg/store"
)

const profileGateSystem = `You decide whether a conversation window contains new durable facts about the user worth extracting into their profile. Durable facts are preferences, background, constraints, or recurring behaviors. Transient task details do not count.`

const profileExtractSystem = `You maintain a user profile as a set of short, standalone factual statements. Given the user's current profile entries and a new conversation window, produce the minimal set of operations that keeps the profile accurate:
- "add": a new durable fact not covered by any existing entry.
- "replace": an existing entry (by profile_id) is outdated; provide the corrected content.
- "keep": an existing entry was confirmed by this window.
- "drop": an existing entry is contradicted and no replacement applies.
Each content value must be a single self-contained sentence about the user.`

const feedbackGateSystem = `You decide whether a conversation window contains behavioral feedback about the agent: corrections, complaints, explicit instructions about how the agent should behave, or signs the agent was blocked. Routine successful exchanges do not count.`

const feedbackExtractSystem = `You extract behavioral feedback for the agent from a conversation window. Each item states one behavior adjustment:
- feedback_content: what the user's reaction implies the agent should change.
- do_action / do_not_action: the concrete behavior to adopt or avoid, when clear.
- when_condition: the situation in which the rule applies, when the feedback is situational.
- blocking_issue: only when the agent was prevented from completing the task.
Extract nothing when the window carries no feedback signal.`

const successGateSystem = `You decide whether a request exchange can be judged for task success. It can unless the exchange is truncated or purely administrative.`

const successEvaluateSystem = `You judge whether the agent accomplished what the user asked in this exchange. Be strict: partial answers, wrong answers, and abandoned tasks are failures. On failure, classify it and state the reason in one sentence. Suggest agent_prompt_update only when a prompt change would clearly have prevented the failure.`

// buildTranscript renders window interactions oldest-first, fitted to
// the prompt token budget by dropping the oldest turns.
func buildTranscript(ins []*store.Interaction, overheadTokens int) string {
	turns := make([]string, 0, len(ins))
	for _, in := range ins {
		turn := fmt.Sprintf("[%s] %s", in.Role, in.Content)
		if in.UserAction != "" && in.UserAction != store.ActionNone {
			turn += fmt.Sprintf(" (user action: %s %s)", in.UserAction, in.UserActionDescription)
		}
		if len(in.ToolsUsed) > 0 {
			names := make([]string, 0, len(in.ToolsUsed))
			for _, t := range in.ToolsUsed {
				names = append(names, t.Name)
			}
			turn += fmt.Sprintf(" (tools: %s)", strings.Join(names, ", "))
		}
		turns = append(turns, turn)
	}
	return strings.Join(llm.FitTurns("", turns, overheadTokens), "\n")
}

// promptOverhead is a conservative token estimate for everything in the
// prompt besides the transcript.
const promptOverhead = 1024

func withCustomInstructions(prompt, custom string) string {
	if custom == "" {
		return prompt
	}
	return prompt + "\n\nAdditional instructions:\n" + custom
}
