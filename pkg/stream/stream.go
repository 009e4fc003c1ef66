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

// Package stream delivers collaboration events to the client over
// server-sent events. Each session has exactly one subscriber; the
// orchestrator publishes into a bounded per-session buffer and the
// subscriber's goroutine drains it onto the socket.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/synergize/pkg/phase"
)

// EventType enumerates the SSE event envelope types.
type EventType string

const (
	EventConnection            EventType = "CONNECTION"
	EventPhaseUpdate           EventType = "PHASE_UPDATE"
	EventTokenChunk            EventType = "TOKEN_CHUNK"
	EventModelStatus           EventType = "MODEL_STATUS"
	EventSynthesisUpdate       EventType = "SYNTHESIS_UPDATE"
	EventAgreementAnalysis     EventType = "AGREEMENT_ANALYSIS"
	EventCollaborationComplete EventType = "COLLABORATION_COMPLETE"
	EventError                 EventType = "ERROR"
)

const (
	// HeartbeatInterval is how often an idle stream emits a comment
	// frame to keep intermediaries from closing it.
	HeartbeatInterval = 30 * time.Second

	// sessionBufferSize bounds queued events per session. Token chunks
	// are small, so this covers several seconds of generation.
	sessionBufferSize = 256

	// slowConsumerTimeout is how long a publish may wait on a full
	// buffer before the session is declared stuck and cancelled.
	slowConsumerTimeout = 5 * time.Second
)

var (
	// ErrSubscriberExists rejects a second subscriber for a session.
	ErrSubscriberExists = errors.New("session already has a subscriber")

	// ErrNoSubscriber is returned when publishing to an unknown session.
	ErrNoSubscriber = errors.New("no subscriber for session")

	// ErrSlowConsumer is returned when the subscriber cannot keep up.
	ErrSlowConsumer = errors.New("subscriber too slow, dropping session")
)

// Event is one SSE envelope.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// TokenChunkPayload is the payload of TOKEN_CHUNK events.
type TokenChunkPayload struct {
	ModelID    string      `json:"modelId"`
	Phase      phase.Phase `json:"phase"`
	Tokens     []string    `json:"tokens"`
	IsComplete bool        `json:"isComplete"`
}

// Encode renders the event in SSE wire format.
func (e Event) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}

// subscription is the per-session delivery state.
type subscription struct {
	events chan Event
	// cancel stops the session's orchestrator when the client goes away
	// or stops draining.
	cancel func()
	closed chan struct{}
	once   sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.closed) })
}

// Hub routes events from orchestrators to their session subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*subscription
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[string]*subscription), logger: logger}
}

// Subscribe registers the single subscriber for a session. cancel is
// invoked when the subscription dies for any reason. The first channel
// carries the session's events; the second signals Unsubscribe. The
// events channel is never closed, so drain loops must select on done.
func (h *Hub) Subscribe(sessionID string, cancel func()) (<-chan Event, <-chan struct{}, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sessionID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrSubscriberExists, sessionID)
	}
	sub := &subscription{
		events: make(chan Event, sessionBufferSize),
		cancel: cancel,
		closed: make(chan struct{}),
	}
	h.subs[sessionID] = sub
	h.logger.Debug("Stream subscriber attached", "session", sessionID)
	return sub.events, sub.closed, nil
}

// Unsubscribe detaches the session's subscriber, cancels its
// orchestrator, and releases the buffer. Safe to call twice.
func (h *Hub) Unsubscribe(sessionID string) {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	if ok {
		delete(h.subs, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.close()
	if sub.cancel != nil {
		sub.cancel()
	}
	h.logger.Debug("Stream subscriber detached", "session", sessionID)
}

// Publish queues an event for the session's subscriber. A full buffer
// blocks up to the slow-consumer timeout and then fails the session.
func (h *Hub) Publish(sessionID string, ev Event) error {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSubscriber, sessionID)
	}

	select {
	case sub.events <- ev:
		return nil
	case <-sub.closed:
		return fmt.Errorf("%w: %s", ErrNoSubscriber, sessionID)
	default:
	}

	timer := time.NewTimer(slowConsumerTimeout)
	defer timer.Stop()
	select {
	case sub.events <- ev:
		return nil
	case <-sub.closed:
		return fmt.Errorf("%w: %s", ErrNoSubscriber, sessionID)
	case <-timer.C:
		h.logger.Warn("Dropping slow stream subscriber", "session", sessionID)
		h.Unsubscribe(sessionID)
		return fmt.Errorf("%w: %s", ErrSlowConsumer, sessionID)
	}
}

// HasSubscriber reports whether the session has an attached stream.
func (h *Hub) HasSubscriber(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[sessionID]
	return ok
}

// Publisher is the session-scoped publishing handle used by the
// orchestrator; it fixes the session ID and adds typed helpers.
type Publisher struct {
	hub       *Hub
	sessionID string
}

// NewPublisher creates a publishing handle for a session.
func (h *Hub) NewPublisher(sessionID string) *Publisher {
	return &Publisher{hub: h, sessionID: sessionID}
}

// Emit publishes one event.
func (p *Publisher) Emit(t EventType, payload any) error {
	return p.hub.Publish(p.sessionID, Event{Type: t, Payload: payload})
}

// EmitTokens publishes a TOKEN_CHUNK.
func (p *Publisher) EmitTokens(modelID string, ph phase.Phase, tokens []string, complete bool) error {
	return p.Emit(EventTokenChunk, TokenChunkPayload{
		ModelID:    modelID,
		Phase:      ph,
		Tokens:     tokens,
		IsComplete: complete,
	})
}
