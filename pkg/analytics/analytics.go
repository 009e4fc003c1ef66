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

// Package analytics runs the curator-model operations: hypothetical
// document generation, document re-ranking, shared-context extraction,
// and synthesis summaries. Every operation is cached under a digest of
// its canonical input, so identical requests never hit the model twice
// within the cache TTL.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/synergize/pkg/phase"
	"github.com/kadirpekel/synergize/pkg/store"
)

const (
	// curatorTemperature keeps analytics output stable across runs.
	curatorTemperature = 0.3

	// rerankBatchSize is how many documents one re-rank prompt covers.
	rerankBatchSize = 5

	// hydeMaxTokens bounds the hypothetical document at roughly the
	// 150-200 word target.
	hydeMaxTokens = 300
)

// Curator is the narrow view of the curator model the engine needs.
type Curator interface {
	// Complete runs one non-streaming generation.
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
	// Embed returns an embedding for the text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is one candidate for re-ranking.
type Document struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// RankedDocument is a re-ranking verdict for one document.
type RankedDocument struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// SharedContextExtraction is the structured result of comparing two
// turns.
type SharedContextExtraction struct {
	Agreements    []string `json:"agreements"`
	Disagreements []string `json:"disagreements"`
	NewQuestions  []string `json:"newQuestions"`
	KeyInsights   []string `json:"keyInsights"`
}

// Engine runs curator-model analytics with content-addressed caching.
type Engine struct {
	curator Curator
	cache   store.Store
	logger  *slog.Logger
	metrics *Metrics
}

// NewEngine creates an Engine. metrics may be nil.
func NewEngine(curator Curator, cache store.Store, logger *slog.Logger, metrics *Metrics) (*Engine, error) {
	if curator == nil {
		return nil, fmt.Errorf("curator is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{curator: curator, cache: cache, logger: logger, metrics: metrics}, nil
}

// digest builds the content-addressed cache key for an operation over
// its canonical input parts.
func digest(op string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(op))
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cached runs op through the cache. dst must be JSON-decodable; compute
// produces the value on a miss.
func (e *Engine) cached(ctx context.Context, op, key string, dst any, compute func() (any, error)) error {
	cacheKey := store.AnalyticsCacheKey(key)
	if err := e.cache.GetJSON(ctx, cacheKey, dst); err == nil {
		if e.metrics != nil {
			e.metrics.CacheHits.WithLabelValues(op).Inc()
		}
		return nil
	}
	if e.metrics != nil {
		e.metrics.CacheMisses.WithLabelValues(op).Inc()
	}
	e.logger.Debug("Analytics cache miss", "op", op, "key", key[:12])

	v, err := compute()
	if err != nil {
		return err
	}
	if err := e.cache.SetJSON(ctx, cacheKey, v, store.AnalyticsCacheTTL); err != nil {
		// A failed cache write degrades latency, not correctness.
		e.logger.Warn("Failed to cache analytics result", "op", op, "error", err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// HypotheticalDocument generates a 150-200 word ideal answer to the
// query, used to expand vector-search queries.
func (e *Engine) HypotheticalDocument(ctx context.Context, query, context_ string, p phase.Phase) (string, error) {
	key := digest("hyde", query, context_, string(p))

	var result string
	err := e.cached(ctx, "hyde", key, &result, func() (any, error) {
		var b strings.Builder
		b.WriteString("Write an ideal, factual answer to the question below in 150-200 words. ")
		b.WriteString("Write only the answer, no preamble.\n\n")
		if p != "" && p != phase.Idle {
			fmt.Fprintf(&b, "Collaboration phase: %s\n", p)
		}
		if context_ != "" {
			fmt.Fprintf(&b, "Context:\n%s\n\n", context_)
		}
		fmt.Fprintf(&b, "Question: %s\n", query)

		out, err := e.curator.Complete(ctx, b.String(), hydeMaxTokens, curatorTemperature)
		if err != nil {
			return nil, fmt.Errorf("hypothetical document generation: %w", err)
		}
		return strings.TrimSpace(out), nil
	})
	return result, err
}

// RerankDocuments scores each document's relevance to the query and
// returns the top K, sorted by descending score. Documents are scored
// in batches of five, batches running concurrently. If the curator's
// output cannot be parsed for a batch, that batch falls back to decay
// scoring by input order.
func (e *Engine) RerankDocuments(ctx context.Context, query string, docs []Document, topK int) ([]RankedDocument, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	canonical := make([]string, 0, len(docs)+1)
	canonical = append(canonical, query)
	for _, d := range docs {
		canonical = append(canonical, d.ID, d.Content)
	}
	key := digest("rerank", append(canonical, fmt.Sprintf("top%d", topK))...)

	var ranked []RankedDocument
	err := e.cached(ctx, "rerank", key, &ranked, func() (any, error) {
		results := make([][]RankedDocument, (len(docs)+rerankBatchSize-1)/rerankBatchSize)

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < len(docs); i += rerankBatchSize {
			batchIdx := i / rerankBatchSize
			batch := docs[i:min(i+rerankBatchSize, len(docs))]
			offset := i
			g.Go(func() error {
				scored, err := e.rerankBatch(gctx, query, batch, offset)
				if err != nil {
					return err
				}
				results[batchIdx] = scored
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var all []RankedDocument
		for _, r := range results {
			all = append(all, r...)
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
		if topK > 0 && len(all) > topK {
			all = all[:topK]
		}
		return all, nil
	})
	return ranked, err
}

func (e *Engine) rerankBatch(ctx context.Context, query string, batch []Document, offset int) ([]RankedDocument, error) {
	var b strings.Builder
	b.WriteString("Score each document's relevance to the query from 0.0 to 1.0. ")
	b.WriteString("Respond with a JSON array of {\"id\",\"score\",\"reason\"} objects, nothing else.\n\n")
	fmt.Fprintf(&b, "Query: %s\n\nDocuments:\n", query)
	for _, d := range batch {
		fmt.Fprintf(&b, "[%s] %s\n", d.ID, d.Content)
	}

	out, err := e.curator.Complete(ctx, b.String(), 512, curatorTemperature)
	if err != nil {
		return nil, fmt.Errorf("document re-ranking: %w", err)
	}

	var scored []RankedDocument
	raw, ok := ExtractFirstJSON(out, '[')
	if ok {
		if err := json.Unmarshal([]byte(raw), &scored); err != nil {
			ok = false
		}
	}
	if !ok || len(scored) == 0 {
		e.logger.Warn("Re-rank output unparseable, using decay scoring",
			"batchOffset", offset, "docs", len(batch))
		return decayScores(batch, offset), nil
	}

	for i := range scored {
		scored[i].Score = clamp01(scored[i].Score)
	}
	return scored, nil
}

// decayScores assigns positional fallback scores: 1.0 - 0.05*i,
// floored at 0.1. i is the document's global input position.
func decayScores(batch []Document, offset int) []RankedDocument {
	out := make([]RankedDocument, len(batch))
	for i, d := range batch {
		score := 1.0 - 0.05*float64(offset+i)
		if score < 0.1 {
			score = 0.1
		}
		out[i] = RankedDocument{ID: d.ID, Score: score, Reason: "positional fallback"}
	}
	return out
}

// ExtractSharedContext compares two turns and pulls out agreements,
// disagreements, open questions, and key insights. On parse failure it
// returns an empty extraction rather than an error.
func (e *Engine) ExtractSharedContext(ctx context.Context, turnA, turnB string) (SharedContextExtraction, error) {
	key := digest("shared-context", turnA, turnB)

	var result SharedContextExtraction
	err := e.cached(ctx, "shared-context", key, &result, func() (any, error) {
		prompt := fmt.Sprintf(
			"Compare the two responses below. Respond with a JSON object with keys "+
				"\"agreements\", \"disagreements\", \"newQuestions\", \"keyInsights\", "+
				"each an array of short strings. Nothing else.\n\n"+
				"Response A:\n%s\n\nResponse B:\n%s\n", turnA, turnB)

		out, err := e.curator.Complete(ctx, prompt, 512, curatorTemperature)
		if err != nil {
			return nil, fmt.Errorf("shared-context extraction: %w", err)
		}

		var extraction SharedContextExtraction
		raw, ok := ExtractFirstJSON(out, '{')
		if !ok || json.Unmarshal([]byte(raw), &extraction) != nil {
			e.logger.Warn("Shared-context output unparseable, returning empty extraction")
			return SharedContextExtraction{}, nil
		}
		return extraction, nil
	})
	return result, err
}

// SynthesisSummary condenses the given turns into a single dense text
// of roughly targetTokens. On curator failure it falls back to
// concatenated snippets of the inputs.
func (e *Engine) SynthesisSummary(ctx context.Context, turns []string, originalQuery string, targetTokens int) (string, error) {
	key := digest("synthesis", append(append([]string{}, turns...),
		originalQuery, fmt.Sprintf("t%d", targetTokens))...)

	var result string
	err := e.cached(ctx, "synthesis", key, &result, func() (any, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "Synthesize the discussion below into a single dense summary of about %d tokens. ", targetTokens)
		b.WriteString("Keep every concrete result and the final answer.\n\n")
		fmt.Fprintf(&b, "Original question: %s\n\n", originalQuery)
		for i, t := range turns {
			fmt.Fprintf(&b, "Turn %d:\n%s\n\n", i+1, t)
		}

		out, err := e.curator.Complete(ctx, b.String(), targetTokens+128, curatorTemperature)
		if err != nil {
			e.logger.Warn("Synthesis summary failed, using concatenated snippets", "error", err)
			return snippetFallback(turns, targetTokens), nil
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return snippetFallback(turns, targetTokens), nil
		}
		return out, nil
	})
	return result, err
}

// snippetFallback joins the head of each turn, budgeting roughly four
// characters per token.
func snippetFallback(turns []string, targetTokens int) string {
	if len(turns) == 0 {
		return ""
	}
	budget := targetTokens * 4 / len(turns)
	if budget < 80 {
		budget = 80
	}
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		t = strings.TrimSpace(t)
		if len(t) > budget {
			t = t[:budget] + "..."
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n\n")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
