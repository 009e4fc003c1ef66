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

// Package compressor condenses turns with the curator model so prior
// turns fit future context windows. Originals stay in storage; only
// the compressed rendition re-enters prompts.
package compressor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/synergize/pkg/phase"
	"github.com/kadirpekel/synergize/pkg/tokens"
)

const (
	// bypassTokenThreshold leaves short turns uncompressed.
	bypassTokenThreshold = 200

	// maxKeyPoints caps the preserved key points per turn.
	maxKeyPoints = 5

	// batchConcurrency bounds parallel curator calls in CompressBatch.
	batchConcurrency = 2

	// compressTemperature keeps summaries stable.
	compressTemperature = 0.3
)

// phaseRatios are the target compressed/original token ratios.
var phaseRatios = map[phase.Phase]float64{
	phase.Brainstorm: 0.6,
	phase.Critique:   0.5,
	phase.Revise:     0.4,
	phase.Synthesize: 0.3,
	phase.Consensus:  0.4,
	phase.Complete:   0.3,
}

const defaultRatio = 0.5

// Summarizer is the curator capability the compressor needs.
type Summarizer interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Request identifies one turn to compress.
type Request struct {
	Content string
	Phase   phase.Phase
}

// Result is the outcome of compressing one turn.
type Result struct {
	Compressed         string   `json:"compressed"`
	Original           string   `json:"original"`
	CompressionRatio   float64  `json:"compressionRatio"`
	PreservedKeyPoints []string `json:"preservedKeyPoints"`
	OriginalTokens     int      `json:"originalTokens"`
	CompressedTokens   int      `json:"compressedTokens"`
}

// Compressor summarizes turns with phase-dependent aggressiveness.
type Compressor struct {
	summarizer Summarizer
	counter    *tokens.Counter
	logger     *slog.Logger
}

// New creates a Compressor.
func New(summarizer Summarizer, counter *tokens.Counter, logger *slog.Logger) (*Compressor, error) {
	if summarizer == nil {
		return nil, fmt.Errorf("summarizer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{summarizer: summarizer, counter: counter, logger: logger}, nil
}

// TargetRatio returns the compression ratio for a phase.
func TargetRatio(p phase.Phase) float64 {
	if r, ok := phaseRatios[p]; ok {
		return r
	}
	return defaultRatio
}

// Compress condenses one turn. Turns at or under the bypass threshold
// are returned unchanged with ratio exactly 1.0.
func (c *Compressor) Compress(ctx context.Context, req Request) (Result, error) {
	originalTokens := c.count(req.Content)
	keyPoints := extractKeyPoints(req.Content)

	if originalTokens <= bypassTokenThreshold {
		return Result{
			Compressed:         req.Content,
			Original:           req.Content,
			CompressionRatio:   1.0,
			PreservedKeyPoints: keyPoints,
			OriginalTokens:     originalTokens,
			CompressedTokens:   originalTokens,
		}, nil
	}

	ratio := TargetRatio(req.Phase)
	targetTokens := int(float64(originalTokens) * ratio)

	var b strings.Builder
	fmt.Fprintf(&b, "Compress the text below to about %d tokens. ", targetTokens)
	b.WriteString("Keep every numeric result, conclusion, and these key points verbatim:\n")
	for _, kp := range keyPoints {
		fmt.Fprintf(&b, "- %s\n", kp)
	}
	fmt.Fprintf(&b, "\nText:\n%s\n", req.Content)

	out, err := c.summarizer.Complete(ctx, b.String(), targetTokens+64, compressTemperature)
	if err != nil {
		return Result{}, fmt.Errorf("turn compression: %w", err)
	}
	compressed := strings.TrimSpace(out)
	if compressed == "" {
		compressed = req.Content
	}

	compressedTokens := c.count(compressed)
	result := Result{
		Compressed:         compressed,
		Original:           req.Content,
		CompressionRatio:   float64(compressedTokens) / float64(originalTokens),
		PreservedKeyPoints: keyPoints,
		OriginalTokens:     originalTokens,
		CompressedTokens:   compressedTokens,
	}
	c.logger.Debug("Turn compressed",
		"phase", req.Phase, "original", originalTokens,
		"compressed", compressedTokens, "targetRatio", ratio)
	return result, nil
}

// CompressBatch compresses several turns with bounded concurrency.
// Results are positionally aligned with the requests.
func (c *Compressor) CompressBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, req := range reqs {
		g.Go(func() error {
			r, err := c.Compress(gctx, req)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Compressor) count(text string) int {
	if c.counter != nil {
		return c.counter.Count(text)
	}
	return tokens.Estimate(text)
}

var (
	bulletRe   = regexp.MustCompile(`^\s*[*\-•]\s+(.+)$`)
	numberedRe = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	keyRe      = regexp.MustCompile(`(?i)^\s*(key[^:\n]*):\s*(.+)$`)
)

// extractKeyPoints pulls bullet items, numbered items, and "key ...:"
// lines out of the content, capped at maxKeyPoints.
func extractKeyPoints(content string) []string {
	var points []string
	for _, line := range strings.Split(content, "\n") {
		if len(points) >= maxKeyPoints {
			break
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			points = append(points, strings.TrimSpace(m[1]))
			continue
		}
		if m := numberedRe.FindStringSubmatch(line); m != nil {
			points = append(points, strings.TrimSpace(m[1]))
			continue
		}
		if m := keyRe.FindStringSubmatch(line); m != nil {
			points = append(points, strings.TrimSpace(m[2]))
		}
	}
	return points
}
