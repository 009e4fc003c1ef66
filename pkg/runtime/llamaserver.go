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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "synergize.runtime"

// LlamaServerRuntime talks to a llama.cpp-style server that has the
// model weights loaded and exposes parallel completion slots.
type LlamaServerRuntime struct {
	baseURL    string
	httpClient *http.Client
	nextSlot   atomic.Int64
}

// LlamaServerConfig configures the runtime client.
type LlamaServerConfig struct {
	// BaseURL of the inference server, e.g. http://localhost:8080.
	BaseURL string
	// Timeout for non-streaming calls. Streaming calls are bounded by
	// the caller's context only.
	Timeout time.Duration
}

// NewLlamaServerRuntime creates a runtime client.
func NewLlamaServerRuntime(cfg LlamaServerConfig) (*LlamaServerRuntime, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &LlamaServerRuntime{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CreateContext allocates a server slot for the model. Slot IDs are
// assigned round-robin client-side; the server pins the KV cache per
// slot.
func (r *LlamaServerRuntime) CreateContext(ctx context.Context, spec ModelSpec) (ModelContext, error) {
	slot := int(r.nextSlot.Add(1) - 1)
	slog.Debug("Created inference context", "model", spec.ID, "slot", slot)
	return &llamaServerContext{
		runtime: r,
		spec:    spec,
		slot:    slot,
	}, nil
}

// llamaServerContext is one slot of the inference server.
type llamaServerContext struct {
	runtime *LlamaServerRuntime
	spec    ModelSpec
	slot    int
	mu      sync.Mutex
	closed  bool
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	CachePrompt bool     `json:"cache_prompt"`
	IDSlot      int      `json:"id_slot"`
	Model       string   `json:"model,omitempty"`
}

type completionChunk struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Error           string `json:"error,omitempty"`
}

type embeddingRequest struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func (c *llamaServerContext) Generate(ctx context.Context, req GenerateRequest) (<-chan StreamChunk, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: context is closed", ErrInference)
	}
	c.mu.Unlock()

	body := completionRequest{
		Prompt:      req.Prompt,
		NPredict:    req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      true,
		CachePrompt: true,
		IDSlot:      c.slot,
		Model:       c.spec.ID,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.runtime.baseURL+"/completion", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	tracer := otel.Tracer(tracerName)
	genCtx, span := tracer.Start(ctx, "llm.generate",
		trace.WithAttributes(
			attribute.String("llm.model", c.spec.ID),
			attribute.Int("llm.slot", c.slot),
			attribute.Int("llm.max_tokens", req.MaxTokens),
			attribute.Bool("streaming", true),
		),
	)

	// Streaming calls bypass the client timeout; the caller's context
	// bounds them instead.
	client := &http.Client{Transport: c.runtime.httpClient.Transport}

	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: server returned %d: %s", ErrInference, resp.StatusCode, strings.TrimSpace(string(data)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)
		defer resp.Body.Close()
		defer span.End()

		evalCount, err := c.consumeStream(genCtx, resp.Body, outputCh)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			select {
			case outputCh <- StreamChunk{Err: err}:
			case <-genCtx.Done():
			}
			return
		}
		span.SetAttributes(attribute.Int("llm.tokens_output", evalCount))
		span.SetStatus(codes.Ok, "success")
	}()

	return outputCh, nil
}

// consumeStream reads "data: {json}" lines from the server and forwards
// token batches until the terminal chunk.
func (c *llamaServerContext) consumeStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	evalCount := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")

		var chunk completionChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			slog.Debug("Skipping unparseable stream line", "model", c.spec.ID, "line", line)
			continue
		}
		if chunk.Error != "" {
			return evalCount, fmt.Errorf("%w: %s", ErrInference, chunk.Error)
		}

		if chunk.Stop {
			evalCount = chunk.TokensPredicted
			select {
			case out <- StreamChunk{Done: true, EvalCount: evalCount}:
			case <-ctx.Done():
				return evalCount, ctx.Err()
			}
			return evalCount, nil
		}

		if chunk.Content == "" {
			continue
		}
		evalCount++
		select {
		case out <- StreamChunk{Tokens: []string{chunk.Content}}:
		case <-ctx.Done():
			return evalCount, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return evalCount, fmt.Errorf("%w: stream read failed: %v", ErrInference, err)
	}
	// Stream ended without a terminal chunk; treat as complete.
	select {
	case out <- StreamChunk{Done: true, EvalCount: evalCount}:
	case <-ctx.Done():
		return evalCount, ctx.Err()
	}
	return evalCount, nil
}

func (c *llamaServerContext) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Content: text, Model: c.spec.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.runtime.baseURL+"/embedding", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.runtime.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: embedding returned %d: %s", ErrInference, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if er.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrInference, er.Error)
	}
	return er.Embedding, nil
}

func (c *llamaServerContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

var _ Runtime = (*LlamaServerRuntime)(nil)
var _ ModelContext = (*llamaServerContext)(nil)
