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

// Package runtime is the boundary to the native inference library.
//
// The library is treated as a black box that holds model weights, owns a
// number of inference contexts (KV-cache slots) per model, and emits
// tokens. The concrete implementation here talks to a llama.cpp-style
// local server over HTTP; tests use the in-process fake.
package runtime

import (
	"context"
	"errors"
)

// ErrInference is wrapped around failures surfaced by the inference
// library during generation.
var ErrInference = errors.New("inference error")

// GenerateRequest describes one generation call against a context.
type GenerateRequest struct {
	// Prompt is the fully rendered, template-formatted prompt.
	Prompt string
	// MaxTokens bounds generation; it comes from the phase allocation.
	MaxTokens int
	// Temperature for sampling.
	Temperature float64
	// Stop sequences that end generation early.
	Stop []string
}

// StreamChunk is one batch of tokens produced during generation.
type StreamChunk struct {
	// Tokens generated in this batch, in production order.
	Tokens []string
	// Done is set on the final chunk.
	Done bool
	// EvalCount is the total number of generated tokens so far,
	// populated on the final chunk when the backend reports it.
	EvalCount int
	// Err carries a mid-stream failure; the channel closes after it.
	Err error
}

// ModelContext is one inference context slot for a loaded model. A
// context is used by at most one caller at a time; the pool enforces
// this.
type ModelContext interface {
	// Generate streams tokens for the request. Cancelling ctx
	// interrupts in-flight inference.
	Generate(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error)

	// Embed returns an embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close disposes the context and its sequence handles.
	Close() error
}

// ModelSpec identifies a model to the runtime.
type ModelSpec struct {
	ID          string
	Path        string
	ContextSize int
	BatchSize   int
	Threads     int
	GPULayers   int
}

// Runtime creates inference contexts for models.
type Runtime interface {
	// CreateContext allocates a fresh inference context for the model.
	CreateContext(ctx context.Context, spec ModelSpec) (ModelContext, error)
}
