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

// Package alloc splits a model's context window into system, history and
// generation budgets according to the current collaboration phase.
package alloc

import (
	"log/slog"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// DefaultMaxContextUsage is the safety margin applied to the whole
// window. Budgets never claim more than this fraction of the context.
const DefaultMaxContextUsage = 0.7

// Allocation is the per-call split of a model's context window.
type Allocation struct {
	// ContextBudgetTokens is the budget for prior history.
	ContextBudgetTokens int
	// GenerationBudgetTokens is the budget for new tokens.
	GenerationBudgetTokens int
	// ReservedSystemTokens covers the system prompt and template overhead.
	ReservedSystemTokens int
}

// Total returns the combined allocation.
func (a Allocation) Total() int {
	return a.ContextBudgetTokens + a.GenerationBudgetTokens + a.ReservedSystemTokens
}

// policy holds the per-phase fraction of the window granted to history
// and generation respectively.
type policy struct {
	contextPct    float64
	generationPct float64
}

var phasePolicies = map[phase.Phase]policy{
	phase.Brainstorm: {0.15, 0.35},
	phase.Critique:   {0.25, 0.25},
	phase.Revise:     {0.30, 0.20},
	phase.Synthesize: {0.20, 0.30},
	phase.Consensus:  {0.25, 0.25},
}

var defaultPolicy = policy{0.20, 0.30}

// Allocator computes phase-sensitive token allocations.
type Allocator struct {
	maxContextUsage float64
}

// AllocatorConfig configures an Allocator.
type AllocatorConfig struct {
	// MaxContextUsage caps total usage as a fraction of the window.
	// Defaults to DefaultMaxContextUsage.
	MaxContextUsage float64
}

// NewAllocator creates an allocator.
func NewAllocator(cfg AllocatorConfig) *Allocator {
	usage := cfg.MaxContextUsage
	if usage <= 0 || usage > 1 {
		usage = DefaultMaxContextUsage
	}
	return &Allocator{maxContextUsage: usage}
}

// Allocate computes the split for one model invocation.
//
// The phase policy is applied to the full window, then the result is
// clamped so that system + history + generation never exceeds
// modelContextSize × maxContextUsage. System tokens are reserved first;
// generation shrinks before history when the clamp binds, but history
// never drops below approxHistoryTokens' share of what remains if the
// caller's history already fits.
func (a *Allocator) Allocate(modelContextSize int, p phase.Phase, approxHistoryTokens, approxSystemTokens int) Allocation {
	pol, ok := phasePolicies[p]
	if !ok {
		pol = defaultPolicy
	}

	usable := int(float64(modelContextSize) * a.maxContextUsage)

	reserved := approxSystemTokens
	if reserved > usable {
		// Degenerate configuration; all budget goes to the system prompt.
		slog.Warn("System prompt exceeds usable context",
			"systemTokens", approxSystemTokens, "usable", usable)
		return Allocation{ReservedSystemTokens: usable}
	}

	contextBudget := int(float64(modelContextSize) * pol.contextPct)
	generationBudget := int(float64(modelContextSize) * pol.generationPct)

	// History smaller than its budget releases the slack to generation.
	if approxHistoryTokens > 0 && approxHistoryTokens < contextBudget {
		generationBudget += contextBudget - approxHistoryTokens
		contextBudget = approxHistoryTokens
	}

	// Clamp to the usable window, shrinking generation first.
	if overflow := reserved + contextBudget + generationBudget - usable; overflow > 0 {
		if generationBudget >= overflow {
			generationBudget -= overflow
		} else {
			contextBudget -= overflow - generationBudget
			generationBudget = 0
			if contextBudget < 0 {
				contextBudget = 0
			}
		}
	}

	return Allocation{
		ContextBudgetTokens:    contextBudget,
		GenerationBudgetTokens: generationBudget,
		ReservedSystemTokens:   reserved,
	}
}

// MaxContextUsage returns the configured safety margin.
func (a *Allocator) MaxContextUsage() float64 {
	return a.maxContextUsage
}
