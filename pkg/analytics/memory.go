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

package analytics

import (
	"context"
	"fmt"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// TurnMemory is an in-process vector index over conversation turns,
// one collection per session. It backs relevance retrieval when
// assembling prompt history: the orchestrator searches it with a
// hypothetical document instead of the raw query.
type TurnMemory struct {
	db      *chromem.DB
	curator Curator
}

// RetrievedTurn is one search hit from the turn memory.
type RetrievedTurn struct {
	ID         string
	Content    string
	Similarity float32
	ModelID    string
	Phase      phase.Phase
	TurnNumber int
}

// NewTurnMemory creates an empty in-memory turn index embedding via
// the curator model.
func NewTurnMemory(curator Curator) (*TurnMemory, error) {
	if curator == nil {
		return nil, fmt.Errorf("curator is required")
	}
	return &TurnMemory{db: chromem.NewDB(), curator: curator}, nil
}

func (m *TurnMemory) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return m.curator.Embed(ctx, text)
	}
}

func (m *TurnMemory) collection(sessionID string) (*chromem.Collection, error) {
	return m.db.GetOrCreateCollection("session-"+sessionID, nil, m.embedFunc())
}

// AddTurn indexes one turn's content for later retrieval.
func (m *TurnMemory) AddTurn(ctx context.Context, sessionID, turnID, modelID string, p phase.Phase, turnNumber int, content string) error {
	if content == "" {
		return nil
	}
	col, err := m.collection(sessionID)
	if err != nil {
		return fmt.Errorf("failed to open turn collection: %w", err)
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:      turnID,
		Content: content,
		Metadata: map[string]string{
			"modelId":    modelID,
			"phase":      string(p),
			"turnNumber": strconv.Itoa(turnNumber),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to index turn %s: %w", turnID, err)
	}
	return nil
}

// Search returns the topK most similar turns for the query text.
func (m *TurnMemory) Search(ctx context.Context, sessionID, query string, topK int) ([]RetrievedTurn, error) {
	col, err := m.collection(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to open turn collection: %w", err)
	}
	if col.Count() == 0 {
		return nil, nil
	}
	if topK > col.Count() {
		topK = col.Count()
	}

	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("turn memory query: %w", err)
	}

	out := make([]RetrievedTurn, 0, len(results))
	for _, r := range results {
		turnNumber, _ := strconv.Atoi(r.Metadata["turnNumber"])
		out = append(out, RetrievedTurn{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: r.Similarity,
			ModelID:    r.Metadata["modelId"],
			Phase:      phase.Phase(r.Metadata["phase"]),
			TurnNumber: turnNumber,
		})
	}
	return out, nil
}

// DropSession removes a session's collection and its vectors.
func (m *TurnMemory) DropSession(sessionID string) error {
	return m.db.DeleteCollection("session-" + sessionID)
}
