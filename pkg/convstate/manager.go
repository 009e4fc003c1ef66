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

package convstate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/synergize/pkg/phase"
	"github.com/kadirpekel/synergize/pkg/store"
)

// MaxSharedContextPerCategory bounds each shared-context category.
// When a category is full, the oldest entries are dropped first.
const MaxSharedContextPerCategory = 20

// sessionLockStripes is the number of in-process mutexes guarding
// read-modify-write cycles. Sessions hash onto a stripe by ID.
const sessionLockStripes = 32

var (
	// ErrOutOfOrderTurn is returned when an appended turn's number does
	// not continue the sequence.
	ErrOutOfOrderTurn = errors.New("turn number out of order")

	// ErrPhaseMismatch is returned when an appended turn's phase does
	// not match the session's current phase.
	ErrPhaseMismatch = errors.New("turn phase does not match current phase")

	// ErrSessionNotFound is returned when no state exists for a session.
	ErrSessionNotFound = errors.New("session not found")
)

// Manager owns all reads and writes of conversation state. Every
// mutation is load-modify-save under a per-session stripe lock so
// concurrent writers within the process cannot interleave.
type Manager struct {
	store  store.Store
	logger *slog.Logger

	stripes [sessionLockStripes]sync.Mutex
}

// NewManager creates a Manager over the given store.
func NewManager(s store.Store, logger *slog.Logger) (*Manager, error) {
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}, nil
}

func (m *Manager) stripe(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &m.stripes[h.Sum32()%sessionLockStripes]
}

// Create initializes state for a new session and persists it.
func (m *Manager) Create(ctx context.Context, sessionID, query string, participants []string) (*ConversationState, error) {
	mu := m.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	state := &ConversationState{
		SessionID:     sessionID,
		OriginalQuery: query,
		CurrentPhase:  phase.Idle,
		Participants:  append([]string(nil), participants...),
		Turns:         []ConversationTurn{},
		PhaseProgress: make(map[phase.Phase]PhaseOutcome),
		PhaseHistory:  []phase.Phase{},
		Status:        StatusActive,
		LastUpdate:    time.Now(),
	}
	if err := m.save(ctx, state); err != nil {
		return nil, err
	}
	m.logger.Info("Conversation state created",
		"session", sessionID, "participants", participants)
	return state, nil
}

// Load fetches the state for a session.
func (m *Manager) Load(ctx context.Context, sessionID string) (*ConversationState, error) {
	var state ConversationState
	err := m.store.GetJSON(ctx, store.ConversationStateKey(sessionID), &state)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	if state.PhaseProgress == nil {
		state.PhaseProgress = make(map[phase.Phase]PhaseOutcome)
	}
	return &state, nil
}

func (m *Manager) save(ctx context.Context, state *ConversationState) error {
	state.LastUpdate = time.Now()
	key := store.ConversationStateKey(state.SessionID)
	if err := m.store.SetJSON(ctx, key, state, store.ConversationStateTTL); err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}

// AppendTurn appends a turn to the session. The turn's TurnNumber must
// equal the current turn count and its Phase must match the session's
// CurrentPhase; anything else is rejected (ErrOutOfOrderTurn,
// ErrPhaseMismatch) and the state is left unchanged.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, turn ConversationTurn) (*ConversationState, error) {
	mu := m.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if turn.TurnNumber != len(state.Turns) {
		return nil, fmt.Errorf("%w: got %d, expected %d",
			ErrOutOfOrderTurn, turn.TurnNumber, len(state.Turns))
	}
	if turn.Phase != state.CurrentPhase {
		return nil, fmt.Errorf("%w: turn is %s, session is in %s",
			ErrPhaseMismatch, turn.Phase, state.CurrentPhase)
	}

	turn.SessionID = sessionID
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	state.Turns = append(state.Turns, turn)
	if turn.Metadata.ContextUsed > state.PeakContextUsage {
		state.PeakContextUsage = turn.Metadata.ContextUsed
	}
	if err := m.save(ctx, state); err != nil {
		return nil, err
	}

	m.logger.Debug("Turn appended",
		"session", sessionID, "turn", turn.TurnNumber,
		"model", turn.ModelID, "phase", turn.Phase,
		"tokens", turn.Metadata.TokenCount)
	return state, nil
}

// UpdateTurnCompression attaches curator compression results to an
// existing turn, addressed by turn number.
func (m *Manager) UpdateTurnCompression(ctx context.Context, sessionID string, turnNumber int, compressed string, meta TurnMetadata) error {
	mu := m.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if turnNumber < 0 || turnNumber >= len(state.Turns) {
		return fmt.Errorf("turn %d does not exist in session %s", turnNumber, sessionID)
	}

	t := &state.Turns[turnNumber]
	t.CompressedContent = compressed
	t.Metadata.IsCompressed = meta.IsCompressed
	t.Metadata.OriginalTokens = meta.OriginalTokens
	t.Metadata.CompressedTokens = meta.CompressedTokens
	t.Metadata.CompressionRatio = meta.CompressionRatio
	t.Metadata.KeyPoints = meta.KeyPoints
	t.Metadata.OptimizedBy = meta.OptimizedBy
	t.Metadata.OptimizedAt = meta.OptimizedAt

	return m.save(ctx, state)
}

// UpdateSharedContext merges a delta into the session's shared context.
// Entries already present (case-insensitive exact match) are dropped,
// and each category keeps at most MaxSharedContextPerCategory entries,
// discarding the oldest first.
func (m *Manager) UpdateSharedContext(ctx context.Context, sessionID string, delta SharedContextDelta) (*ConversationState, error) {
	mu := m.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sc := &state.SharedContext
	sc.KeyPoints = mergeCategory(sc.KeyPoints, delta.KeyPoints)
	sc.Agreements = mergeCategory(sc.Agreements, delta.Agreements)
	sc.Disagreements = mergeCategory(sc.Disagreements, delta.Disagreements)
	sc.WorkingHypotheses = mergeCategory(sc.WorkingHypotheses, delta.WorkingHypotheses)
	sc.NextSteps = mergeCategory(sc.NextSteps, delta.NextSteps)

	if err := m.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// mergeCategory appends new entries, skipping case-insensitive
// duplicates, and trims to the per-category cap from the front.
func mergeCategory(existing, additions []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[strings.ToLower(strings.TrimSpace(e))] = true
	}
	out := existing
	for _, a := range additions {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		key := strings.ToLower(a)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	if len(out) > MaxSharedContextPerCategory {
		out = out[len(out)-MaxSharedContextPerCategory:]
	}
	return out
}

// SetPhase records a phase transition on the state.
func (m *Manager) SetPhase(ctx context.Context, sessionID string, p phase.Phase) (*ConversationState, error) {
	mu := m.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state.CurrentPhase = p
	state.PhaseHistory = append(state.PhaseHistory, p)
	switch p {
	case phase.Complete:
		state.Status = StatusCompleted
	case phase.Failed:
		state.Status = StatusFailed
	}
	if err := m.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// RecordPhaseOutcome stores the outcome of a completed phase.
func (m *Manager) RecordPhaseOutcome(ctx context.Context, sessionID string, p phase.Phase, outcome string, consensus float64) error {
	mu := m.stripe(sessionID)
	mu.Lock()
	defer mu.Unlock()

	state, err := m.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	state.PhaseProgress[p] = PhaseOutcome{
		Completed: true,
		Outcome:   outcome,
		Consensus: consensus,
		Timestamp: time.Now(),
	}
	return m.save(ctx, state)
}

// Delete removes all state for a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	return m.store.Delete(ctx, store.ConversationStateKey(sessionID))
}
