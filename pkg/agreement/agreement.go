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

// Package agreement decides whether two model turns agree, through a
// three-stage funnel that escalates only when a cheaper stage cannot
// decide: deterministic answer extraction, then semantic similarity,
// then an LLM arbiter.
package agreement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// AgreementLevel classifies how strongly two turns agree.
type AgreementLevel string

const (
	PerfectConsensus        AgreementLevel = "PERFECT_CONSENSUS"
	StrongAgreement         AgreementLevel = "STRONG_AGREEMENT"
	PartialAgreement        AgreementLevel = "PARTIAL_AGREEMENT"
	MethodologicalAgreement AgreementLevel = "METHODOLOGICAL_AGREEMENT"
	Conflicted              AgreementLevel = "CONFLICTED"
	InsufficientData        AgreementLevel = "INSUFFICIENT_DATA"
)

// Stage identifies which funnel stage produced the verdict.
type Stage string

const (
	StageFastPath   Stage = "FAST_PATH"
	StageSemantic   Stage = "SEMANTIC"
	StageLLMArbiter Stage = "LLM_ARBITER"
)

const (
	// fastPathConfidenceThreshold gates the Stage 1 short-circuit.
	fastPathConfidenceThreshold = 0.85

	// semanticSimilarityThreshold classifies STRONG_AGREEMENT in Stage 2.
	semanticSimilarityThreshold = 0.85

	// escalationThreshold sends low-similarity pairs to the arbiter.
	escalationThreshold = 0.4

	// consensusJumpThreshold gates the phase-jump recommendation.
	consensusJumpThreshold = 0.9
)

// Curator is the model capability the engine needs for Stages 2 and 3.
type Curator interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is the engine's verdict on a pair of turns.
type Result struct {
	Level      AgreementLevel `json:"agreementLevel"`
	Confidence float64        `json:"confidence"`
	Stage      Stage          `json:"stage"`
	Similarity float64        `json:"similarity"`

	ExtractionA Extraction `json:"extractionA"`
	ExtractionB Extraction `json:"extractionB"`

	// Arbiter is set only when Stage 3 ran.
	Arbiter *ArbiterResult `json:"arbiter,omitempty"`

	// Recommendation is the transition advice handed to the phase
	// state machine.
	Recommendation phase.Recommendation `json:"recommendation"`
}

// Engine runs the agreement funnel.
type Engine struct {
	curator Curator
	logger  *slog.Logger
}

// NewEngine creates an Engine over the curator model.
func NewEngine(curator Curator, logger *slog.Logger) (*Engine, error) {
	if curator == nil {
		return nil, fmt.Errorf("curator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{curator: curator, logger: logger}, nil
}

// Analyze compares the two most recent completed turns of a phase.
func (e *Engine) Analyze(ctx context.Context, turnA, turnB string, current phase.Phase) (Result, error) {
	extA := Extract(turnA)
	extB := Extract(turnB)

	res := Result{ExtractionA: extA, ExtractionB: extB}

	// Stage 1: identical explicit answers at high confidence settle it
	// without touching the model.
	if extA.HasExplicitAnswer && extB.HasExplicitAnswer &&
		extA.ConfidenceScore >= fastPathConfidenceThreshold &&
		extB.ConfidenceScore >= fastPathConfidenceThreshold &&
		answersEqual(extA.FinalAnswer, extB.FinalAnswer) {
		res.Level = PerfectConsensus
		res.Stage = StageFastPath
		res.Confidence = minf(extA.ConfidenceScore, extB.ConfidenceScore)
		res.Similarity = 1.0
		res.Recommendation = e.recommend(res, current)
		e.logger.Debug("Agreement fast path",
			"answer", extA.FinalAnswer, "confidence", res.Confidence)
		return res, nil
	}

	// Stage 2: semantic similarity over full contents.
	sem := e.semantic(ctx, turnA, turnB, extA, extB)
	res.Similarity = sem.Overall

	switch {
	case sem.Overall >= semanticSimilarityThreshold:
		res.Level = StrongAgreement
		res.Stage = StageSemantic
		res.Confidence = sem.Overall
	case sem.Overall > escalationThreshold:
		res.Stage = StageSemantic
		res.Confidence = sem.Overall
		if answersEqual(extA.FinalAnswer, extB.FinalAnswer) && extA.FinalAnswer != "" {
			res.Level = PartialAgreement
		} else if sem.ReasoningConverges {
			// Different answers, converging reasoning.
			res.Level = MethodologicalAgreement
		} else {
			res.Level = PartialAgreement
		}
	default:
		// Stage 3: too dissimilar to classify cheaply.
		arb, err := e.arbitrate(ctx, turnA, turnB, current)
		if err != nil {
			return Result{}, err
		}
		res.Arbiter = &arb.result
		res.Level = arb.level
		res.Stage = StageLLMArbiter
		res.Confidence = arb.confidence
	}

	res.Recommendation = e.recommend(res, current)
	return res, nil
}

// recommend applies the phase-jump rule and otherwise advises the
// normal forward step or a repeat of the current phase.
func (e *Engine) recommend(res Result, current phase.Phase) phase.Recommendation {
	jumpEligible := res.Level == PerfectConsensus || res.Level == StrongAgreement
	if res.Stage == StageLLMArbiter {
		// The arbiter must explicitly endorse the jump.
		jumpEligible = jumpEligible && res.Arbiter != nil && res.Arbiter.IsHighConfidenceJump
	}

	if jumpEligible && res.Confidence >= consensusJumpThreshold {
		target := phase.Consensus
		if current == phase.Consensus {
			target = phase.Complete
		}
		return phase.Recommendation{
			NextPhase:   target,
			Confidence:  res.Confidence,
			IsPhaseJump: true,
			JumpReason:  fmt.Sprintf("%s at confidence %.2f", res.Level, res.Confidence),
		}
	}

	// The arbiter may steer the next phase directly. Forward moves
	// only, and skipping phases needs its explicit endorsement.
	if res.Stage == StageLLMArbiter && res.Arbiter != nil &&
		res.Arbiter.RecommendedPhase.Valid() &&
		res.Confidence > escalationThreshold &&
		current.Before(res.Arbiter.RecommendedPhase) {
		target := res.Arbiter.RecommendedPhase
		if target == current.Next() {
			return phase.Recommendation{NextPhase: target, Confidence: res.Confidence}
		}
		if res.Arbiter.IsHighConfidenceJump {
			return phase.Recommendation{
				NextPhase:   target,
				Confidence:  res.Confidence,
				IsPhaseJump: true,
				JumpReason:  fmt.Sprintf("arbiter recommended %s at confidence %.2f", target, res.Confidence),
			}
		}
	}

	// Weak agreement repeats the phase; anything else steps forward.
	if res.Level == Conflicted || res.Level == InsufficientData {
		return phase.Recommendation{NextPhase: current, Confidence: res.Confidence}
	}
	return phase.Recommendation{NextPhase: current.Next(), Confidence: res.Confidence}
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
