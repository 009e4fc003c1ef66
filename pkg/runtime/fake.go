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

package runtime

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeRuntime is an in-process Runtime for tests. Responses are selected
// by prompt substring; unmatched prompts get DefaultResponse.
type FakeRuntime struct {
	mu sync.Mutex

	// Responses maps a prompt substring to the full response text.
	Responses map[string]string
	// DefaultResponse is returned when no substring matches.
	DefaultResponse string
	// Embeddings maps text to a fixed embedding vector.
	Embeddings map[string][]float32
	// GenerateErr, when set, fails every Generate call.
	GenerateErr error
	// TokenDelay inserts a pause between streamed tokens.
	TokenDelay time.Duration

	// CreatedContexts counts CreateContext calls.
	CreatedContexts int
	// Calls records every prompt passed to Generate.
	Calls []string
}

// NewFakeRuntime creates a fake runtime with an empty script.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		Responses:       make(map[string]string),
		DefaultResponse: "ok",
		Embeddings:      make(map[string][]float32),
	}
}

func (r *FakeRuntime) CreateContext(ctx context.Context, spec ModelSpec) (ModelContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CreatedContexts++
	return &fakeContext{runtime: r, spec: spec}, nil
}

// respond picks the scripted response for a prompt.
func (r *FakeRuntime) respond(prompt string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, prompt)
	for sub, resp := range r.Responses {
		if strings.Contains(prompt, sub) {
			return resp
		}
	}
	return r.DefaultResponse
}

type fakeContext struct {
	runtime *FakeRuntime
	spec    ModelSpec
	closed  bool
	mu      sync.Mutex
}

func (c *fakeContext) Generate(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	c.runtime.mu.Lock()
	genErr := c.runtime.GenerateErr
	delay := c.runtime.TokenDelay
	c.runtime.mu.Unlock()

	if genErr != nil {
		return nil, genErr
	}

	response := c.runtime.respond(req.Prompt)
	out := make(chan StreamChunk, 100)

	go func() {
		defer close(out)
		words := strings.Fields(response)
		count := 0
		for i, word := range words {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					out <- StreamChunk{Err: ctx.Err()}
					return
				}
			}
			tok := word
			if i < len(words)-1 {
				tok += " "
			}
			select {
			case out <- StreamChunk{Tokens: []string{tok}}:
				count++
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err()}
				return
			}
		}
		out <- StreamChunk{Done: true, EvalCount: count}
	}()

	return out, nil
}

func (c *fakeContext) Embed(ctx context.Context, text string) ([]float32, error) {
	c.runtime.mu.Lock()
	defer c.runtime.mu.Unlock()
	if vec, ok := c.runtime.Embeddings[text]; ok {
		return vec, nil
	}
	// Deterministic pseudo-embedding so similarity is stable in tests.
	vec := make([]float32, 8)
	for i, ch := range text {
		vec[i%8] += float32(ch%31) / 31.0
	}
	return vec, nil
}

func (c *fakeContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ Runtime = (*FakeRuntime)(nil)
