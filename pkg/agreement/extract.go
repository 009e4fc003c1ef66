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

package agreement

import (
	"regexp"
	"strings"
)

// Extraction is the deterministic Stage 1 parse of one turn.
type Extraction struct {
	FinalAnswer        string   `json:"finalAnswer"`
	ConfidenceScore    float64  `json:"confidenceScore"`
	ConfidenceKeywords []string `json:"confidenceKeywords"`
	ReasoningSteps     []string `json:"reasoningSteps"`
	ErrorFlags         []string `json:"errorFlags"`
	HasExplicitAnswer  bool     `json:"hasExplicitAnswer"`
	// AnswerLocation is the byte offset of the answer in the turn.
	AnswerLocation int `json:"answerLocation"`
}

var answerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bfinal answer\s*(?:is|:)\s*\**\s*([^\n.]+?)\s*\**\s*(?:[.\n]|$)`),
	regexp.MustCompile(`(?i)\bthe answer\s*(?:is|:)\s*\**\s*([^\n.]+?)\s*\**\s*(?:[.\n]|$)`),
	regexp.MustCompile(`(?i)\bresult\s*(?:is|:)\s*\**\s*([^\n.]+?)\s*\**\s*(?:[.\n]|$)`),
	regexp.MustCompile(`(?i)\bequals\s+(-?\d[\d,.]*)`),
	regexp.MustCompile(`=\s*(-?\d[\d,.]*)\s*(?:[.\n]|$)`),
}

// confidenceBoosters raise the score when present.
var confidenceBoosters = []string{
	"definitely", "certainly", "clearly", "confident", "verified",
	"proven", "exactly", "precisely", "without doubt", "therefore",
}

// hedgingWords lower the score when present.
var hedgingWords = []string{
	"maybe", "perhaps", "might", "possibly", "probably", "roughly",
	"approximately", "i think", "i believe", "not sure", "unsure",
	"unclear", "could be", "seems", "guess", "assume",
}

var errorWords = []string{
	"error", "mistake", "incorrect", "wrong", "contradiction", "flaw",
}

var stepPattern = regexp.MustCompile(`(?i)^\s*(?:\d+[.)]|[*\-•]|(?:first|second|third|then|next|finally|therefore|thus|so|because)\b)\s*(.+)$`)

// Extract performs the Stage 1 deterministic parse of a turn.
func Extract(content string) Extraction {
	ext := Extraction{AnswerLocation: -1}
	lower := strings.ToLower(content)

	for _, re := range answerPatterns {
		loc := re.FindStringSubmatchIndex(content)
		if loc == nil {
			continue
		}
		ext.FinalAnswer = normalizeAnswer(content[loc[2]:loc[3]])
		ext.AnswerLocation = loc[2]
		ext.HasExplicitAnswer = ext.FinalAnswer != ""
		break
	}

	score := 0.5
	for _, w := range confidenceBoosters {
		if strings.Contains(lower, w) {
			score += 0.1
			ext.ConfidenceKeywords = append(ext.ConfidenceKeywords, w)
		}
	}
	for _, w := range hedgingWords {
		if strings.Contains(lower, w) {
			score -= 0.15
			ext.ConfidenceKeywords = append(ext.ConfidenceKeywords, w)
		}
	}
	if ext.HasExplicitAnswer {
		score += 0.1
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	ext.ConfidenceScore = score

	for _, line := range strings.Split(content, "\n") {
		if m := stepPattern.FindStringSubmatch(line); m != nil {
			ext.ReasoningSteps = append(ext.ReasoningSteps, strings.TrimSpace(m[1]))
		}
	}

	for _, w := range errorWords {
		if strings.Contains(lower, w) {
			ext.ErrorFlags = append(ext.ErrorFlags, w)
		}
	}

	return ext
}

// normalizeAnswer strips markup and trailing punctuation so "**255**"
// and "255." compare equal.
func normalizeAnswer(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*_` ")
	s = strings.TrimRight(s, ".,;:!")
	return strings.TrimSpace(s)
}

// answersEqual compares extracted answers case-insensitively after
// normalization.
func answersEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(normalizeAnswer(a), normalizeAnswer(b))
}
