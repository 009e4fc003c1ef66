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

// Package orchestrator drives a collaboration session: it alternates
// the two participant models through the phases, persists every turn,
// and publishes the token stream and phase events to the session's
// subscriber.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/synergize/pkg/agreement"
	"github.com/kadirpekel/synergize/pkg/alloc"
	"github.com/kadirpekel/synergize/pkg/analytics"
	"github.com/kadirpekel/synergize/pkg/compressor"
	"github.com/kadirpekel/synergize/pkg/convstate"
	"github.com/kadirpekel/synergize/pkg/models"
	"github.com/kadirpekel/synergize/pkg/phase"
	"github.com/kadirpekel/synergize/pkg/pool"
	"github.com/kadirpekel/synergize/pkg/store"
	"github.com/kadirpekel/synergize/pkg/stream"
	"github.com/kadirpekel/synergize/pkg/tokens"
)

var (
	// ErrSessionExpired is returned when a stream opens too late.
	ErrSessionExpired = errors.New("session expired")

	// ErrTooManySessions is returned when the concurrent session cap is
	// reached.
	ErrTooManySessions = errors.New("too many concurrent sessions")

	// ErrValidation wraps initiate request validation failures.
	ErrValidation = errors.New("validation error")
)

// SessionData is the record stored at initiate time under
// session:data:<id>.
type SessionData struct {
	Prompt    string    `json:"prompt"`
	Models    []string  `json:"models"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentSessions bounds simultaneously running sessions.
	MaxConcurrentSessions int
	// SessionTimeout bounds one whole collaboration run.
	SessionTimeout time.Duration
	// AcquireTimeout bounds waiting for an inference context.
	AcquireTimeout time.Duration
	// MaxRoundsPerPhase forces a phase advance after this many rounds.
	MaxRoundsPerPhase int
}

// Orchestrator coordinates all components for running sessions.
type Orchestrator struct {
	cfg        Config
	registry   *models.Registry
	pool       *pool.Pool
	state      *convstate.Manager
	analytics  *analytics.Engine
	memory     *analytics.TurnMemory
	compressor *compressor.Compressor
	agreement  *agreement.Engine
	hub        *stream.Hub
	store      store.Store
	counter    *tokens.Counter
	allocator  *alloc.Allocator
	logger     *slog.Logger
	tracer     trace.Tracer

	sem *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry   *models.Registry
	Pool       *pool.Pool
	State      *convstate.Manager
	Analytics  *analytics.Engine
	Memory     *analytics.TurnMemory
	Compressor *compressor.Compressor
	Agreement  *agreement.Engine
	Hub        *stream.Hub
	Store      store.Store
	Counter    *tokens.Counter
	Allocator  *alloc.Allocator
	Logger     *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("model registry is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("context pool is required")
	case deps.State == nil:
		return nil, fmt.Errorf("state manager is required")
	case deps.Analytics == nil:
		return nil, fmt.Errorf("analytics engine is required")
	case deps.Compressor == nil:
		return nil, fmt.Errorf("compressor is required")
	case deps.Agreement == nil:
		return nil, fmt.Errorf("agreement engine is required")
	case deps.Hub == nil:
		return nil, fmt.Errorf("stream hub is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 4
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Minute
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = pool.DefaultAcquireTimeout
	}
	if deps.Allocator == nil {
		deps.Allocator = alloc.NewAllocator(alloc.AllocatorConfig{})
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Orchestrator{
		cfg:        cfg,
		registry:   deps.Registry,
		pool:       deps.Pool,
		state:      deps.State,
		analytics:  deps.Analytics,
		memory:     deps.Memory,
		compressor: deps.Compressor,
		agreement:  deps.Agreement,
		hub:        deps.Hub,
		store:      deps.Store,
		counter:    deps.Counter,
		allocator:  deps.Allocator,
		logger:     deps.Logger,
		tracer:     otel.Tracer("synergize/orchestrator"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentSessions)),
		running:    make(map[string]context.CancelFunc),
	}, nil
}

// Initiate validates the request and seeds the session record. The
// collaboration itself starts when the client opens the event stream.
func (o *Orchestrator) Initiate(ctx context.Context, sessionID, prompt string, modelIDs []string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: sessionId is required", ErrValidation)
	}
	if prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if len(modelIDs) != 2 {
		return fmt.Errorf("%w: exactly two models are required, got %d", ErrValidation, len(modelIDs))
	}
	for _, id := range modelIDs {
		if _, ok := o.registry.Get(id); !ok {
			return fmt.Errorf("%w: unknown model %q", ErrValidation, id)
		}
	}

	data := SessionData{
		Prompt:    prompt,
		Models:    modelIDs,
		Status:    "initiated",
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SetJSON(ctx, store.SessionDataKey(sessionID), data, store.SessionDataTTL); err != nil {
		return fmt.Errorf("failed to store session data: %w", err)
	}
	if _, err := o.state.Create(ctx, sessionID, prompt, modelIDs); err != nil {
		return err
	}

	o.logger.Info("Session initiated",
		"session", sessionID, "models", modelIDs)
	return nil
}

// ValidateForStream checks that the session exists and is young enough
// for a subscriber to attach.
func (o *Orchestrator) ValidateForStream(ctx context.Context, sessionID string, maxAge time.Duration) (SessionData, error) {
	var data SessionData
	err := o.store.GetJSON(ctx, store.SessionDataKey(sessionID), &data)
	if errors.Is(err, store.ErrNotFound) {
		return SessionData{}, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	if err != nil {
		return SessionData{}, err
	}
	if data.CreatedAt.IsZero() || time.Since(data.CreatedAt) > maxAge {
		return SessionData{}, fmt.Errorf("%w: created %s ago", ErrSessionExpired,
			time.Since(data.CreatedAt).Round(time.Second))
	}
	if data.Status == "completed" || data.Status == "failed" {
		return SessionData{}, fmt.Errorf("%w: already %s", ErrSessionExpired, data.Status)
	}
	return data, nil
}

// setSessionStatus records the terminal status on the session record so
// a finished session cannot be streamed again.
func (o *Orchestrator) setSessionStatus(ctx context.Context, sessionID, status string) {
	key := store.SessionDataKey(sessionID)
	var data SessionData
	if err := o.store.GetJSON(ctx, key, &data); err != nil {
		o.logger.Warn("Failed to load session data", "session", sessionID, "error", err)
		return
	}
	data.Status = status
	if err := o.store.SetJSON(ctx, key, data, store.SessionDataTTL); err != nil {
		o.logger.Warn("Failed to update session status", "session", sessionID, "error", err)
	}
}

// Start launches the collaboration in a new goroutine and returns its
// cancel function. The caller (the stream handler) wires the cancel
// into the hub so client disconnects stop the run.
func (o *Orchestrator) Start(sessionID string) (context.CancelFunc, error) {
	if !o.sem.TryAcquire(1) {
		return nil, ErrTooManySessions
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SessionTimeout)

	o.mu.Lock()
	if _, ok := o.running[sessionID]; ok {
		o.mu.Unlock()
		cancel()
		o.sem.Release(1)
		return nil, fmt.Errorf("session %s is already running", sessionID)
	}
	o.running[sessionID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			o.mu.Lock()
			delete(o.running, sessionID)
			o.mu.Unlock()
			o.sem.Release(1)
		}()
		o.run(ctx, sessionID)
	}()

	return cancel, nil
}

// Cancel stops a running session.
func (o *Orchestrator) Cancel(sessionID string) {
	o.mu.Lock()
	cancel, ok := o.running[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Running reports whether the session's driver loop is active.
func (o *Orchestrator) Running(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[sessionID]
	return ok
}

// run is the driver loop. It owns the session end to end and always
// terminates with a COLLABORATION_COMPLETE event.
func (o *Orchestrator) run(ctx context.Context, sessionID string) {
	runCtx, span := o.tracer.Start(ctx, "collaboration.run",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	pub := o.hub.NewPublisher(sessionID)

	state, err := o.state.Load(runCtx, sessionID)
	if err != nil {
		o.fail(runCtx, pub, sessionID, "", "", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return
	}

	// Session lock: one writer per session across processes.
	release, err := store.AcquireLock(runCtx, o.store, sessionID)
	if err != nil {
		o.fail(runCtx, pub, sessionID, "", "", fmt.Errorf("failed to lock session: %w", err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return
	}
	defer release()

	machine := phase.NewMachine(phase.MachineConfig{MaxRoundsPerPhase: o.cfg.MaxRoundsPerPhase})
	machine.Start()
	if _, err := o.state.SetPhase(runCtx, sessionID, machine.Current()); err != nil {
		o.fail(runCtx, pub, sessionID, "", "", err)
		return
	}
	o.emitPhase(pub, machine.Current())

	participants := state.Participants
	finalAnswer := ""

	for !machine.Current().Terminal() {
		if err := runCtx.Err(); err != nil {
			o.cancelled(pub, sessionID)
			span.SetStatus(codes.Ok, "cancelled")
			return
		}

		ph := machine.Current()
		roundContents := make([]string, 0, 2)

		for _, modelID := range participants {
			content, err := o.runTurn(runCtx, pub, sessionID, modelID, ph)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					o.cancelled(pub, sessionID)
					span.SetStatus(codes.Ok, "cancelled")
					return
				}
				o.fail(runCtx, pub, sessionID, modelID, ph, err)
				span.RecordError(err)
				span.SetStatus(codes.Error, "turn failed")
				return
			}
			roundContents = append(roundContents, content)
			finalAnswer = content
		}

		// Both models contributed: compare, merge findings, advance.
		res, err := o.agreement.Analyze(runCtx, roundContents[0], roundContents[1], ph)
		if err != nil {
			o.fail(runCtx, pub, sessionID, "", ph, err)
			span.RecordError(err)
			return
		}
		_ = pub.Emit(stream.EventAgreementAnalysis, res)

		extraction, err := o.analytics.ExtractSharedContext(runCtx, roundContents[0], roundContents[1])
		if err != nil {
			o.logger.Warn("Shared-context extraction failed",
				"session", sessionID, "phase", ph, "error", err)
		} else {
			if _, err := o.state.UpdateSharedContext(runCtx, sessionID, convstate.SharedContextDelta{
				Agreements:    extraction.Agreements,
				Disagreements: extraction.Disagreements,
				NextSteps:     extraction.NewQuestions,
				KeyPoints:     extraction.KeyInsights,
			}); err != nil {
				o.fail(runCtx, pub, sessionID, "", ph, err)
				return
			}
		}

		if err := o.state.RecordPhaseOutcome(runCtx, sessionID, ph,
			string(res.Level), res.Confidence); err != nil {
			o.fail(runCtx, pub, sessionID, "", ph, err)
			return
		}

		next := machine.Advance(res.Recommendation)
		if next != ph {
			if _, err := o.state.SetPhase(runCtx, sessionID, next); err != nil {
				o.fail(runCtx, pub, sessionID, "", next, err)
				return
			}
			if next == phase.Synthesize {
				o.emitSynthesis(runCtx, pub, sessionID)
			}
			o.emitPhase(pub, next)
		}
	}

	o.setSessionStatus(context.WithoutCancel(runCtx), sessionID, "completed")
	_ = pub.Emit(stream.EventCollaborationComplete, map[string]any{
		"sessionId":   sessionID,
		"status":      "completed",
		"finalAnswer": finalAnswer,
	})
	span.SetStatus(codes.Ok, "completed")
	o.logger.Info("Collaboration completed", "session", sessionID)
}

// count is nil-safe token counting with the estimate fallback.
func (o *Orchestrator) count(text string) int {
	if o.counter != nil {
		return o.counter.Count(text)
	}
	return tokens.Estimate(text)
}

// emitSynthesis feeds a condensed view of the whole conversation to the
// client right before the synthesis phase runs.
func (o *Orchestrator) emitSynthesis(ctx context.Context, pub *stream.Publisher, sessionID string) {
	state, err := o.state.Load(ctx, sessionID)
	if err != nil {
		o.logger.Warn("Skipping synthesis update", "session", sessionID, "error", err)
		return
	}
	contents := make([]string, 0, len(state.Turns))
	for i := range state.Turns {
		contents = append(contents, state.Turns[i].HistoryContent())
	}
	summary, err := o.analytics.SynthesisSummary(ctx, contents, state.OriginalQuery, 400)
	if err != nil {
		o.logger.Warn("Synthesis summary failed", "session", sessionID, "error", err)
		return
	}
	_ = pub.Emit(stream.EventSynthesisUpdate, map[string]any{"summary": summary})
}

func (o *Orchestrator) emitPhase(pub *stream.Publisher, p phase.Phase) {
	_ = pub.Emit(stream.EventPhaseUpdate, map[string]any{"phase": p})
}

// fail emits ERROR and a failed COLLABORATION_COMPLETE, and marks the
// session failed in the state store.
func (o *Orchestrator) fail(ctx context.Context, pub *stream.Publisher, sessionID, modelID string, p phase.Phase, err error) {
	o.logger.Error("Collaboration failed",
		"session", sessionID, "phase", p, "model", modelID,
		"timestamp", time.Now().UnixNano(), "error", err)
	if _, serr := o.state.SetPhase(context.WithoutCancel(ctx), sessionID, phase.Failed); serr != nil {
		o.logger.Warn("Failed to persist failed state", "session", sessionID, "error", serr)
	}
	o.setSessionStatus(context.WithoutCancel(ctx), sessionID, "failed")
	_ = pub.Emit(stream.EventError, map[string]any{
		"sessionId": sessionID,
		"modelId":   modelID,
		"phase":     p,
		"message":   err.Error(),
	})
	_ = pub.Emit(stream.EventCollaborationComplete, map[string]any{
		"sessionId": sessionID,
		"status":    "failed",
		"reason":    err.Error(),
	})
}

// cancelled emits the terminal event for a client-driven stop.
func (o *Orchestrator) cancelled(pub *stream.Publisher, sessionID string) {
	o.logger.Info("Collaboration cancelled", "session", sessionID)
	if _, err := o.state.SetPhase(context.Background(), sessionID, phase.Failed); err != nil {
		o.logger.Warn("Failed to persist cancelled state", "session", sessionID, "error", err)
	}
	o.setSessionStatus(context.Background(), sessionID, "failed")
	_ = pub.Emit(stream.EventCollaborationComplete, map[string]any{
		"sessionId": sessionID,
		"status":    "failed",
		"reason":    "cancelled",
	})
}
