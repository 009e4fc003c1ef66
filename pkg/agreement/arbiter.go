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
	"context"
	"encoding/json"
	"fmt"

	"github.com/kadirpekel/synergize/pkg/analytics"
	"github.com/kadirpekel/synergize/pkg/phase"
)

// arbiterTemperature keeps the arbiter deterministic enough to parse.
const arbiterTemperature = 0.2

// AnswerAgreement enumerates the arbiter's verdict on the two answers.
type AnswerAgreement string

const (
	ExactMatch AnswerAgreement = "EXACT_MATCH"
	Equivalent AnswerAgreement = "EQUIVALENT"
	Partial    AnswerAgreement = "PARTIAL"
	Disagree   AnswerAgreement = "DISAGREE"
	Unclear    AnswerAgreement = "UNCLEAR"
)

// VerificationStatus enumerates the arbiter's correctness assessment.
type VerificationStatus string

const (
	BothCorrect      VerificationStatus = "BOTH_CORRECT"
	ACorrect         VerificationStatus = "A_CORRECT"
	BCorrect         VerificationStatus = "B_CORRECT"
	BothIncorrect    VerificationStatus = "BOTH_INCORRECT"
	InsufficientInfo VerificationStatus = "INSUFFICIENT_INFO"
)

// ArbiterResult is the Stage 3 structured verdict.
type ArbiterResult struct {
	AnswerAgreement      AnswerAgreement    `json:"answerAgreement"`
	ExtractedAnswerA     any                `json:"extractedAnswerA"`
	ExtractedAnswerB     any                `json:"extractedAnswerB"`
	ConfidenceA          float64            `json:"confidenceA"`
	ConfidenceB          float64            `json:"confidenceB"`
	VerificationStatus   VerificationStatus `json:"verificationStatus"`
	CriticalErrors       []string           `json:"criticalErrors"`
	Reasoning            string             `json:"reasoning"`
	RecommendedPhase     phase.Phase        `json:"recommendedPhase"`
	IsHighConfidenceJump bool               `json:"isHighConfidenceJump"`
}

// arbitration bundles the parsed result with its derived level.
type arbitration struct {
	result     ArbiterResult
	level      AgreementLevel
	confidence float64
}

const arbiterPromptFmt = `Compare the two responses below and judge their agreement.
Respond with a single JSON object and nothing else, with exactly these keys:
"answerAgreement" (one of EXACT_MATCH, EQUIVALENT, PARTIAL, DISAGREE, UNCLEAR),
"extractedAnswerA" (string, number, or null),
"extractedAnswerB" (string, number, or null),
"confidenceA" (0.0-1.0),
"confidenceB" (0.0-1.0),
"verificationStatus" (one of BOTH_CORRECT, A_CORRECT, B_CORRECT, BOTH_INCORRECT, INSUFFICIENT_INFO),
"criticalErrors" (array of strings),
"reasoning" (string),
"recommendedPhase" (one of BRAINSTORM, CRITIQUE, REVISE, SYNTHESIZE, CONSENSUS, COMPLETE),
"isHighConfidenceJump" (boolean).

Current phase: %s

Response A:
%s

Response B:
%s
`

// arbitrate runs the Stage 3 LLM arbiter. Parse failures produce an
// INSUFFICIENT_DATA verdict, never an error.
func (e *Engine) arbitrate(ctx context.Context, turnA, turnB string, current phase.Phase) (arbitration, error) {
	prompt := fmt.Sprintf(arbiterPromptFmt, current, turnA, turnB)

	out, err := e.curator.Complete(ctx, prompt, 768, arbiterTemperature)
	if err != nil {
		return arbitration{}, fmt.Errorf("agreement arbiter: %w", err)
	}

	raw, ok := analytics.ExtractFirstJSON(out, '{')
	if !ok {
		e.logger.Warn("Arbiter output carries no JSON object")
		return insufficientArbitration(), nil
	}

	var result ArbiterResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil || !validArbiterResult(result) {
		e.logger.Warn("Arbiter output failed schema validation", "error", err)
		return insufficientArbitration(), nil
	}

	level := levelFromAgreement(result.AnswerAgreement)
	confidence := minf(result.ConfidenceA, result.ConfidenceB)
	return arbitration{result: result, level: level, confidence: confidence}, nil
}

func insufficientArbitration() arbitration {
	return arbitration{
		result: ArbiterResult{
			AnswerAgreement:    Unclear,
			VerificationStatus: InsufficientInfo,
		},
		level:      InsufficientData,
		confidence: 0,
	}
}

// validArbiterResult enforces the strict schema: enums must be one of
// the allowed values and confidences in range.
func validArbiterResult(r ArbiterResult) bool {
	switch r.AnswerAgreement {
	case ExactMatch, Equivalent, Partial, Disagree, Unclear:
	default:
		return false
	}
	switch r.VerificationStatus {
	case BothCorrect, ACorrect, BCorrect, BothIncorrect, InsufficientInfo:
	default:
		return false
	}
	if r.ConfidenceA < 0 || r.ConfidenceA > 1 || r.ConfidenceB < 0 || r.ConfidenceB > 1 {
		return false
	}
	if r.RecommendedPhase != "" && !r.RecommendedPhase.Valid() {
		return false
	}
	return true
}

func levelFromAgreement(a AnswerAgreement) AgreementLevel {
	switch a {
	case ExactMatch:
		return PerfectConsensus
	case Equivalent:
		return StrongAgreement
	case Partial:
		return PartialAgreement
	case Disagree:
		return Conflicted
	default:
		return InsufficientData
	}
}
