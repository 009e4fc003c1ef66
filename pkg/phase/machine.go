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

package phase

import (
	"log/slog"
)

// DefaultMaxRoundsPerPhase caps how many times both models may contribute
// to a single phase before the machine advances regardless of agreement.
const DefaultMaxRoundsPerPhase = 3

// Recommendation is the agreement engine's advice for the next transition.
type Recommendation struct {
	NextPhase   Phase
	Confidence  float64
	IsPhaseJump bool
	JumpReason  string
}

// Machine evaluates phase transitions after both models have contributed
// a turn in the current phase.
type Machine struct {
	current        Phase
	roundsInPhase  int
	maxRoundsPhase int
}

// MachineConfig configures the phase state machine.
type MachineConfig struct {
	// MaxRoundsPerPhase forces an advance after this many completed
	// rounds in one phase. Defaults to DefaultMaxRoundsPerPhase.
	MaxRoundsPerPhase int
}

// NewMachine creates a state machine starting at IDLE.
func NewMachine(cfg MachineConfig) *Machine {
	maxRounds := cfg.MaxRoundsPerPhase
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRoundsPerPhase
	}
	return &Machine{
		current:        Idle,
		maxRoundsPhase: maxRounds,
	}
}

// Current returns the machine's current phase.
func (m *Machine) Current() Phase {
	return m.current
}

// Start moves the machine from IDLE to BRAINSTORM.
func (m *Machine) Start() Phase {
	if m.current == Idle {
		m.current = Brainstorm
		m.roundsInPhase = 0
	}
	return m.current
}

// Advance evaluates a transition after a completed round. A round means
// both participants contributed one turn in the current phase. The
// recommendation may request a jump to CONSENSUS (or COMPLETE when
// already at CONSENSUS); backward jumps are rejected and replaced with
// the normal forward step.
func (m *Machine) Advance(rec Recommendation) Phase {
	if m.current.Terminal() {
		return m.current
	}

	m.roundsInPhase++

	next := m.current.Next()

	if rec.IsPhaseJump && rec.NextPhase.Valid() {
		if m.current.Before(rec.NextPhase) || (m.current == Consensus && rec.NextPhase == Complete) {
			slog.Info("Phase jump accepted",
				"from", m.current, "to", rec.NextPhase,
				"confidence", rec.Confidence, "reason", rec.JumpReason)
			m.current = rec.NextPhase
			m.roundsInPhase = 0
			return m.current
		}
		slog.Warn("Rejecting backward phase jump",
			"from", m.current, "to", rec.NextPhase)
	}

	// A non-jump recommendation may still hold the machine in the
	// current phase for another round, up to the configured cap.
	if rec.NextPhase == m.current && m.roundsInPhase < m.maxRoundsPhase {
		slog.Debug("Repeating phase for another round",
			"phase", m.current, "round", m.roundsInPhase)
		return m.current
	}

	if m.roundsInPhase >= m.maxRoundsPhase && rec.NextPhase == m.current {
		slog.Warn("Forcing phase advance at round cap",
			"phase", m.current, "rounds", m.roundsInPhase)
	}

	m.current = next
	m.roundsInPhase = 0
	return m.current
}

// Cancel moves the machine to the FAILED terminal state.
func (m *Machine) Cancel() Phase {
	if !m.current.Terminal() {
		m.current = Failed
	}
	return m.current
}
