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

// Package convstate holds the conversation data model and the manager
// that owns reads and writes of a session's ConversationState.
package convstate

import (
	"time"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// SessionStatus is the lifecycle state of a collaboration session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// CollaborationSession is the session record seeded by initiate.
type CollaborationSession struct {
	ID                  string        `json:"id"`
	OriginalQuery       string        `json:"originalQuery"`
	ParticipantModelIDs [2]string     `json:"participantModelIds"`
	CurrentPhase        phase.Phase   `json:"currentPhase"`
	Status              SessionStatus `json:"status"`
	StartTime           time.Time     `json:"startTime"`
	PeakContextUsage    int           `json:"peakContextUsage"`
	LastUpdate          time.Time     `json:"lastUpdate"`
}

// TurnMetadata carries accounting and compression data for one turn.
type TurnMetadata struct {
	TokenCount     int           `json:"tokenCount"`
	ProcessingTime time.Duration `json:"processingTime"`
	ContextUsed    int           `json:"contextUsed"`

	StructuredSolution string `json:"structuredSolution,omitempty"`

	IsCompressed     bool      `json:"isCompressed,omitempty"`
	OriginalTokens   int       `json:"originalTokens,omitempty"`
	CompressedTokens int       `json:"compressedTokens,omitempty"`
	CompressionRatio float64   `json:"compressionRatio,omitempty"`
	KeyPoints        []string  `json:"keyPoints,omitempty"`
	OptimizedBy      string    `json:"optimizedBy,omitempty"`
	OptimizedAt      time.Time `json:"optimizedAt,omitempty"`

	IsFinalAnswer  bool `json:"isFinalAnswer,omitempty"`
	IsVerification bool `json:"isVerification,omitempty"`
}

// ConversationTurn is one model contribution. Turns are append-only
// within a session.
type ConversationTurn struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"sessionId"`
	ModelID        string       `json:"modelId"`
	Phase          phase.Phase  `json:"phase"`
	TurnNumber     int          `json:"turnNumber"`
	ResponseToTurn string       `json:"responseToTurnId,omitempty"`
	Content        string       `json:"content"`
	// CompressedContent is the curator's rewrite used when the turn
	// re-enters a context window. Empty means use Content.
	CompressedContent string       `json:"compressedContent,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
	Metadata          TurnMetadata `json:"metadata"`
}

// HistoryContent returns the representation of the turn for inclusion
// in future prompts.
func (t *ConversationTurn) HistoryContent() string {
	if t.Metadata.IsCompressed && t.CompressedContent != "" {
		return t.CompressedContent
	}
	return t.Content
}

// SharedContext is the union-merged findings across turns.
type SharedContext struct {
	KeyPoints         []string `json:"keyPoints"`
	Agreements        []string `json:"agreements"`
	Disagreements     []string `json:"disagreements"`
	WorkingHypotheses []string `json:"workingHypotheses"`
	NextSteps         []string `json:"nextSteps"`
}

// SharedContextDelta is a batch of additions to the shared context.
type SharedContextDelta = SharedContext

// PhaseOutcome records the result of one completed phase.
type PhaseOutcome struct {
	Completed bool      `json:"completed"`
	Outcome   string    `json:"outcome"`
	Consensus float64   `json:"consensus"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the full per-session record, stored as one
// JSON document under conversation:state:<id>.
type ConversationState struct {
	SessionID        string                        `json:"sessionId"`
	OriginalQuery    string                        `json:"originalQuery"`
	CurrentPhase     phase.Phase                   `json:"currentPhase"`
	Participants     []string                      `json:"participants"`
	Turns            []ConversationTurn            `json:"turns"`
	SharedContext    SharedContext                 `json:"sharedContext"`
	PhaseProgress    map[phase.Phase]PhaseOutcome  `json:"phaseProgress"`
	PhaseHistory     []phase.Phase                 `json:"phaseHistory"`
	PeakContextUsage int                           `json:"peakContextUsage"`
	LastUpdate       time.Time                     `json:"lastUpdate"`
	Status           SessionStatus                 `json:"status"`
}

// TurnsForPhase returns the turns recorded in the given phase.
func (s *ConversationState) TurnsForPhase(p phase.Phase) []ConversationTurn {
	var out []ConversationTurn
	for _, t := range s.Turns {
		if t.Phase == p {
			out = append(out, t)
		}
	}
	return out
}

// LastTurnByModel returns the most recent turn for a model, or nil.
func (s *ConversationState) LastTurnByModel(modelID string) *ConversationTurn {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].ModelID == modelID {
			return &s.Turns[i]
		}
	}
	return nil
}
