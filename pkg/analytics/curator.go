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
	"strings"

	"github.com/kadirpekel/synergize/pkg/pool"
	"github.com/kadirpekel/synergize/pkg/runtime"
)

// PoolCurator is a Curator backed by the shared context pool: each call
// acquires a lease on the curator model, runs to completion, and
// releases the lease.
type PoolCurator struct {
	pool    *pool.Pool
	modelID string
}

// NewPoolCurator creates a Curator over the given pool and model.
func NewPoolCurator(p *pool.Pool, modelID string) (*PoolCurator, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if modelID == "" {
		return nil, fmt.Errorf("curator model ID is required")
	}
	return &PoolCurator{pool: p, modelID: modelID}, nil
}

func (c *PoolCurator) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	lease, err := c.pool.Acquire(ctx, c.modelID, pool.DefaultAcquireTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to acquire curator context: %w", err)
	}
	defer lease.Release()

	stream, err := lease.Context().Generate(ctx, runtime.GenerateRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		lease.MarkPoisoned()
		return "", fmt.Errorf("%w: %v", runtime.ErrInference, err)
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			lease.MarkPoisoned()
			return "", fmt.Errorf("%w: %v", runtime.ErrInference, chunk.Err)
		}
		for _, tok := range chunk.Tokens {
			b.WriteString(tok)
		}
	}
	return b.String(), nil
}

func (c *PoolCurator) Embed(ctx context.Context, text string) ([]float32, error) {
	lease, err := c.pool.Acquire(ctx, c.modelID, pool.DefaultAcquireTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire curator context: %w", err)
	}
	defer lease.Release()

	vec, err := lease.Context().Embed(ctx, text)
	if err != nil {
		lease.MarkPoisoned()
		return nil, fmt.Errorf("%w: %v", runtime.ErrInference, err)
	}
	return vec, nil
}

var _ Curator = (*PoolCurator)(nil)
