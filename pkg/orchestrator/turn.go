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

package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/synergize/pkg/analytics"
	"github.com/kadirpekel/synergize/pkg/compressor"
	"github.com/kadirpekel/synergize/pkg/convstate"
	"github.com/kadirpekel/synergize/pkg/phase"
	"github.com/kadirpekel/synergize/pkg/prompt"
	"github.com/kadirpekel/synergize/pkg/runtime"
	"github.com/kadirpekel/synergize/pkg/stream"
	"github.com/kadirpekel/synergize/pkg/tokens"
)

// maxDirectHistoryTurns is how many prior turns are included verbatim
// before relevance retrieval kicks in.
const maxDirectHistoryTurns = 6

// generationTailTokens is how much of a generation's tail is kept for
// failure diagnostics.
const generationTailTokens = 32

// runTurn executes one model's contribution to the current phase and
// returns the generated content.
func (o *Orchestrator) runTurn(ctx context.Context, pub *stream.Publisher, sessionID, modelID string, ph phase.Phase) (string, error) {
	turnCtx, span := o.tracer.Start(ctx, "collaboration.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("model.id", modelID),
			attribute.String("phase", string(ph)),
		))
	defer span.End()

	started := time.Now()

	state, err := o.state.Load(turnCtx, sessionID)
	if err != nil {
		return "", err
	}
	model, ok := o.registry.Get(modelID)
	if !ok {
		return "", fmt.Errorf("model %q disappeared from the registry", modelID)
	}

	system := fmt.Sprintf(
		"You are %s, collaborating with another model to solve the user's problem.", model.Name)
	history, err := o.assembleHistory(turnCtx, state, modelID, ph)
	if err != nil {
		return "", err
	}

	formatter := prompt.NewFormatter(model.TemplateFamily)
	historyText := renderHistory(history)
	allocation := o.allocator.Allocate(
		model.ContextSize, ph,
		o.count(historyText), o.count(system))

	// Trim history to its budget, newest first.
	fitted := o.counter.FitWithinLimit(history, allocation.ContextBudgetTokens)
	user := renderHistory(fitted)
	if user != "" {
		user += "\n\n"
	}
	user += fmt.Sprintf("Problem: %s", state.OriginalQuery)

	rendered := formatter.Render(system, user, ph)
	contextUsed := o.count(rendered)
	if contextUsed > state.PeakContextUsage {
		span.SetAttributes(attribute.Int("context.used", contextUsed))
	}

	_ = pub.Emit(stream.EventModelStatus, map[string]any{
		"modelId": modelID, "phase": ph, "status": "acquiring",
	})

	lease, err := o.pool.Acquire(turnCtx, modelID, o.cfg.AcquireTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to acquire context for %s: %w", modelID, err)
	}
	defer lease.Release()

	_ = pub.Emit(stream.EventModelStatus, map[string]any{
		"modelId": modelID, "phase": ph, "status": "generating",
	})

	chunks, err := lease.Context().Generate(turnCtx, runtime.GenerateRequest{
		Prompt:      rendered,
		MaxTokens:   allocation.GenerationBudgetTokens,
		Temperature: model.Settings.Temperature,
		Stop:        formatter.StopSequences(),
	})
	if err != nil {
		lease.MarkPoisoned()
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return "", fmt.Errorf("%w: %v", runtime.ErrInference, err)
	}

	var content strings.Builder
	tail := tokens.NewRing(generationTailTokens)
	evalCount := 0
	for chunk := range chunks {
		// Client disconnects stop the run before the next token write.
		if err := turnCtx.Err(); err != nil {
			return "", err
		}
		if chunk.Err != nil {
			lease.MarkPoisoned()
			span.RecordError(chunk.Err)
			span.SetStatus(codes.Error, "stream failed")
			o.logger.Warn("Generation stream failed",
				"session", sessionID, "model", modelID,
				"tokens", tail.Total(), "tail", strings.Join(tail.Tokens(), ""))
			return "", fmt.Errorf("%w: %v", runtime.ErrInference, chunk.Err)
		}
		if len(chunk.Tokens) > 0 {
			for _, tok := range chunk.Tokens {
				content.WriteString(tok)
				tail.Push(tok)
			}
			if err := pub.EmitTokens(modelID, ph, chunk.Tokens, false); err != nil {
				return "", err
			}
		}
		if chunk.Done && chunk.EvalCount > 0 {
			evalCount = chunk.EvalCount
		}
	}
	if err := pub.EmitTokens(modelID, ph, nil, true); err != nil {
		return "", err
	}

	tokenCount := tail.Total()
	if evalCount > 0 {
		tokenCount = evalCount
	}

	text := content.String()
	turn := convstate.ConversationTurn{
		ID:         uuid.NewString(),
		ModelID:    modelID,
		Phase:      ph,
		TurnNumber: len(state.Turns),
		Content:    text,
		Metadata: convstate.TurnMetadata{
			TokenCount:     tokenCount,
			ProcessingTime: time.Since(started),
			ContextUsed:    contextUsed,
			IsFinalAnswer:  ph == phase.Consensus,
		},
	}
	if _, err := o.state.AppendTurn(turnCtx, sessionID, turn); err != nil {
		return "", err
	}

	o.compressTurn(turnCtx, sessionID, turn)
	o.indexTurn(turnCtx, sessionID, turn)

	span.SetStatus(codes.Ok, "")
	return text, nil
}

// compressTurn condenses the turn for future history. Failures degrade
// to using the original content.
func (o *Orchestrator) compressTurn(ctx context.Context, sessionID string, turn convstate.ConversationTurn) {
	res, err := o.compressor.Compress(ctx, compressor.Request{
		Content: turn.Content,
		Phase:   turn.Phase,
	})
	if err != nil {
		o.logger.Warn("Turn compression failed",
			"session", sessionID, "turn", turn.TurnNumber, "error", err)
		return
	}
	if res.CompressionRatio >= 1.0 {
		return
	}
	err = o.state.UpdateTurnCompression(ctx, sessionID, turn.TurnNumber, res.Compressed,
		convstate.TurnMetadata{
			IsCompressed:     true,
			OriginalTokens:   res.OriginalTokens,
			CompressedTokens: res.CompressedTokens,
			CompressionRatio: res.CompressionRatio,
			KeyPoints:        res.PreservedKeyPoints,
			OptimizedBy:      "curator",
			OptimizedAt:      time.Now(),
		})
	if err != nil {
		o.logger.Warn("Failed to persist compression",
			"session", sessionID, "turn", turn.TurnNumber, "error", err)
	}
}

// indexTurn adds the turn to the vector memory for later retrieval.
func (o *Orchestrator) indexTurn(ctx context.Context, sessionID string, turn convstate.ConversationTurn) {
	if o.memory == nil {
		return
	}
	err := o.memory.AddTurn(ctx, sessionID, turn.ID, turn.ModelID, turn.Phase, turn.TurnNumber, turn.Content)
	if err != nil {
		o.logger.Warn("Failed to index turn",
			"session", sessionID, "turn", turn.TurnNumber, "error", err)
	}
}

// assembleHistory builds the message history for a turn: shared
// context, prior turns (compressed), and the other model's most recent
// turn last. Long conversations are filtered by relevance retrieval.
func (o *Orchestrator) assembleHistory(ctx context.Context, state *convstate.ConversationState, modelID string, ph phase.Phase) ([]tokens.Message, error) {
	var history []tokens.Message

	if sc := renderSharedContext(state.SharedContext); sc != "" {
		history = append(history, tokens.Message{Role: "shared-context", Content: sc})
	}

	prior := state.Turns
	if len(prior) > maxDirectHistoryTurns {
		selected, err := o.relevantTurns(ctx, state, ph)
		if err != nil {
			o.logger.Warn("Relevance retrieval failed, using recent turns",
				"session", state.SessionID, "error", err)
			selected = prior[len(prior)-maxDirectHistoryTurns:]
		}
		prior = selected
	}
	for i := range prior {
		t := &prior[i]
		history = append(history, tokens.Message{
			Role:    fmt.Sprintf("%s/%s", t.ModelID, t.Phase),
			Content: t.HistoryContent(),
		})
	}

	// The counterpart's latest turn always closes the history, even if
	// retrieval dropped it.
	for _, p := range state.Participants {
		if p == modelID {
			continue
		}
		if last := state.LastTurnByModel(p); last != nil {
			if len(history) == 0 || history[len(history)-1].Content != last.HistoryContent() {
				history = append(history, tokens.Message{
					Role:    fmt.Sprintf("%s/%s", last.ModelID, last.Phase),
					Content: last.HistoryContent(),
				})
			}
		}
	}
	return history, nil
}

// relevantTurns expands the query with a hypothetical document, searches
// the turn memory, and re-ranks the hits, returning the survivors in
// turn order.
func (o *Orchestrator) relevantTurns(ctx context.Context, state *convstate.ConversationState, ph phase.Phase) ([]convstate.ConversationTurn, error) {
	if o.memory == nil {
		return state.Turns[len(state.Turns)-maxDirectHistoryTurns:], nil
	}

	hyde, err := o.analytics.HypotheticalDocument(ctx, state.OriginalQuery,
		renderSharedContext(state.SharedContext), ph)
	if err != nil {
		return nil, err
	}

	hits, err := o.memory.Search(ctx, state.SessionID, hyde, maxDirectHistoryTurns*2)
	if err != nil {
		return nil, err
	}
	docs := make([]analytics.Document, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, analytics.Document{ID: h.ID, Content: h.Content})
	}
	ranked, err := o.analytics.RerankDocuments(ctx, state.OriginalQuery, docs, maxDirectHistoryTurns)
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(ranked))
	for _, r := range ranked {
		keep[r.ID] = true
	}
	var out []convstate.ConversationTurn
	for _, t := range state.Turns {
		if keep[t.ID] {
			out = append(out, t)
		}
	}
	return out, nil
}

func renderHistory(history []tokens.Message) string {
	if len(history) == 0 {
		return ""
	}
	parts := make([]string, 0, len(history))
	for _, m := range history {
		parts = append(parts, fmt.Sprintf("[%s]\n%s", m.Role, m.Content))
	}
	return strings.Join(parts, "\n\n")
}

func renderSharedContext(sc convstate.SharedContext) string {
	var b strings.Builder
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", it)
		}
	}
	section("Key points", sc.KeyPoints)
	section("Agreements", sc.Agreements)
	section("Disagreements", sc.Disagreements)
	section("Working hypotheses", sc.WorkingHypotheses)
	section("Next steps", sc.NextSteps)
	return strings.TrimSpace(b.String())
}
