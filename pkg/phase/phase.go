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

// Package phase defines the collaboration phases and the deterministic
// state machine that drives two models through them.
//
// Phases advance in a fixed order (BRAINSTORM → CRITIQUE → REVISE →
// SYNTHESIZE → CONSENSUS → COMPLETE) with jump edges to CONSENSUS and
// COMPLETE allowed from any non-terminal state when the agreement engine
// recommends a high-confidence jump. Backward jumps are disallowed.
package phase

// Phase is a labelled stage of the collaboration. Each participant
// produces one turn per phase under a phase-specific instruction.
type Phase string

const (
	Idle       Phase = "IDLE"
	Brainstorm Phase = "BRAINSTORM"
	Critique   Phase = "CRITIQUE"
	Revise     Phase = "REVISE"
	Synthesize Phase = "SYNTHESIZE"
	Consensus  Phase = "CONSENSUS"
	Complete   Phase = "COMPLETE"
	Failed     Phase = "FAILED"
)

// order maps each phase to its position in the forward sequence.
// Terminal and pseudo states are excluded.
var order = map[Phase]int{
	Idle:       0,
	Brainstorm: 1,
	Critique:   2,
	Revise:     3,
	Synthesize: 4,
	Consensus:  5,
	Complete:   6,
}

// Sequence returns the forward execution order of the working phases.
func Sequence() []Phase {
	return []Phase{Brainstorm, Critique, Revise, Synthesize, Consensus, Complete}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	if p == Failed {
		return true
	}
	_, ok := order[p]
	return ok
}

// Terminal reports whether the collaboration is finished at p.
func (p Phase) Terminal() bool {
	return p == Complete || p == Failed
}

// Next returns the phase that follows p in the forward sequence.
// The terminal phases return themselves.
func (p Phase) Next() Phase {
	switch p {
	case Idle:
		return Brainstorm
	case Brainstorm:
		return Critique
	case Critique:
		return Revise
	case Revise:
		return Synthesize
	case Synthesize:
		return Consensus
	case Consensus:
		return Complete
	default:
		return p
	}
}

// Before reports whether p comes strictly before other in the forward
// sequence. Unknown phases compare as not-before.
func (p Phase) Before(other Phase) bool {
	pi, ok1 := order[p]
	oi, ok2 := order[other]
	return ok1 && ok2 && pi < oi
}
