// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompt renders model-specific chat templates.
//
// Each local model belongs to a known template family with fixed turn
// delimiters. User content is rendered inside its role delimiters and
// never escapes into the system or assistant role.
package prompt

import (
	"fmt"
	"strings"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// TemplateFamily names a chat template dialect.
type TemplateFamily string

const (
	// FamilyGemma uses <start_of_turn>/<end_of_turn> delimiters.
	FamilyGemma TemplateFamily = "gemma"
	// FamilyChatML uses <|im_start|>/<|im_end|> delimiters (Qwen et al).
	FamilyChatML TemplateFamily = "chatml"
	// FamilyLlama3 uses <|start_header_id|> header delimiters.
	FamilyLlama3 TemplateFamily = "llama3"
)

// VerificationReminder is appended to every system prompt.
const VerificationReminder = "\n\nVerify your own work. State your final answer explicitly and flag any step you are unsure about."

// phaseInstructions is the fixed per-phase instruction table.
var phaseInstructions = map[phase.Phase]string{
	phase.Brainstorm: "Brainstorm solutions to the problem. Explore thoroughly. Show all steps.",
	phase.Critique:   "Critique the other model's response. Point out errors and gaps. Be specific.",
	phase.Revise:     "Revise your answer using the critique. Fix every identified error. Show all steps.",
	phase.Synthesize: "Synthesize the strongest combined answer from both lines of work. Be concise.",
	phase.Consensus:  "State the agreed final answer. Confirm it or give the single remaining objection.",
}

// PhaseInstruction returns the instruction string for a phase.
func PhaseInstruction(p phase.Phase) string {
	if instr, ok := phaseInstructions[p]; ok {
		return instr
	}
	return "Continue working toward the final answer. Show all steps."
}

// Formatter renders prompts for one template family.
type Formatter struct {
	family TemplateFamily
}

// NewFormatter creates a formatter for the family. Unknown families
// fall back to ChatML, the most widely adopted dialect.
func NewFormatter(family TemplateFamily) *Formatter {
	switch family {
	case FamilyGemma, FamilyChatML, FamilyLlama3:
	default:
		family = FamilyChatML
	}
	return &Formatter{family: family}
}

// Family returns the formatter's template family.
func (f *Formatter) Family() TemplateFamily {
	return f.family
}

// Render produces the full prompt for one generation call. The phase
// instruction is attached to the system prompt, followed by the
// verification reminder.
func (f *Formatter) Render(systemPrompt, userPrompt string, p phase.Phase) string {
	system := strings.TrimSpace(systemPrompt)
	if system != "" {
		system += "\n\n"
	}
	system += PhaseInstruction(p) + VerificationReminder

	user := sanitizeRoleBreaks(userPrompt, f.family)

	switch f.family {
	case FamilyGemma:
		// Gemma has no distinct system role; it is folded into the
		// first user turn.
		return fmt.Sprintf("<start_of_turn>user\n%s\n\n%s<end_of_turn>\n<start_of_turn>model\n", system, user)
	case FamilyLlama3:
		return fmt.Sprintf("<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n\n%s<|eot_id|><|start_header_id|>user<|end_header_id|>\n\n%s<|eot_id|><|start_header_id|>assistant<|end_header_id|>\n\n", system, user)
	default:
		return fmt.Sprintf("<|im_start|>system\n%s<|im_end|>\n<|im_start|>user\n%s<|im_end|>\n<|im_start|>assistant\n", system, user)
	}
}

// StopSequences returns the family's turn terminators, used as
// generation stop strings.
func (f *Formatter) StopSequences() []string {
	switch f.family {
	case FamilyGemma:
		return []string{"<end_of_turn>", "<start_of_turn>"}
	case FamilyLlama3:
		return []string{"<|eot_id|>", "<|start_header_id|>"}
	default:
		return []string{"<|im_end|>", "<|im_start|>"}
	}
}

// sanitizeRoleBreaks strips template delimiters from user-supplied
// content so it cannot escape its role.
func sanitizeRoleBreaks(s string, family TemplateFamily) string {
	var delims []string
	switch family {
	case FamilyGemma:
		delims = []string{"<start_of_turn>", "<end_of_turn>"}
	case FamilyLlama3:
		delims = []string{"<|start_header_id|>", "<|end_header_id|>", "<|eot_id|>", "<|begin_of_text|>"}
	default:
		delims = []string{"<|im_start|>", "<|im_end|>"}
	}
	for _, d := range delims {
		s = strings.ReplaceAll(s, d, "")
	}
	return s
}
