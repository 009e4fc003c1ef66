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

// Package synergize runs turn-based collaboration between two local GGUF
// models. The models work through a fixed sequence of phases
// (brainstorm, critique, revise, synthesize, consensus) while a third
// curator model compresses history, scores agreement, and arbitrates
// disputes. Session state lives in Redis and progress streams to the
// client over SSE.
//
// The entry point is cmd/synergize; the building blocks live under pkg/:
//
//   - pkg/orchestrator drives the collaboration loop
//   - pkg/phase holds the phase machine
//   - pkg/pool manages bounded per-model inference contexts
//   - pkg/agreement implements the three-stage agreement funnel
//   - pkg/analytics hosts curator-backed HyDE, reranking and extraction
//   - pkg/compressor shrinks turns to phase-specific token ratios
//   - pkg/server exposes the HTTP and SSE surface
package synergize
