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
	"math"
	"strings"
)

// semanticResult is the Stage 2 similarity assessment.
type semanticResult struct {
	Overall            float64
	StepSimilarities   []float64
	ReasoningConverges bool
}

// semantic computes overall similarity between the two contents,
// preferring curator embeddings and falling back to token Jaccard when
// embedding is unavailable.
func (e *Engine) semantic(ctx context.Context, turnA, turnB string, extA, extB Extraction) semanticResult {
	overall, ok := e.embeddingSimilarity(ctx, turnA, turnB)
	if !ok {
		overall = jaccard(turnA, turnB)
	}

	// Per-step similarity, aligned positionally over the shorter list.
	var steps []float64
	n := len(extA.ReasoningSteps)
	if len(extB.ReasoningSteps) < n {
		n = len(extB.ReasoningSteps)
	}
	converging := 0
	for i := 0; i < n; i++ {
		s, ok := e.embeddingSimilarity(ctx, extA.ReasoningSteps[i], extB.ReasoningSteps[i])
		if !ok {
			s = jaccard(extA.ReasoningSteps[i], extB.ReasoningSteps[i])
		}
		steps = append(steps, s)
		if s >= 0.5 {
			converging++
		}
	}

	return semanticResult{
		Overall:            overall,
		StepSimilarities:   steps,
		ReasoningConverges: n > 0 && converging*2 >= n,
	}
}

// embeddingSimilarity returns cosine similarity of the curator's
// embeddings, or ok=false when embeddings are unavailable.
func (e *Engine) embeddingSimilarity(ctx context.Context, a, b string) (float64, bool) {
	va, err := e.curator.Embed(ctx, a)
	if err != nil {
		return 0, false
	}
	vb, err := e.curator.Embed(ctx, b)
	if err != nil {
		return 0, false
	}
	if len(va) == 0 || len(va) != len(vb) {
		return 0, false
	}

	var dot, na, nb float64
	for i := range va {
		dot += float64(va[i]) * float64(vb[i])
		na += float64(va[i]) * float64(va[i])
		nb += float64(vb[i]) * float64(vb[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp into [0,1]; anti-correlated vectors count as no similarity.
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return sim, true
}

// jaccard is token-level set overlap, the fallback when no embeddings
// are available.
func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,;:!?\"'()")
		if len(t) > 2 {
			set[t] = true
		}
	}
	return set
}
