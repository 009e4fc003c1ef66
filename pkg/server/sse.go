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

package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/synergize/pkg/orchestrator"
	"github.com/kadirpekel/synergize/pkg/stream"
)

// handleStream attaches the single SSE subscriber for a session and
// starts the collaboration.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	if _, err := s.orch.ValidateForStream(r.Context(), sessionID, s.cfg.StreamMaxAge()); err != nil {
		if errors.Is(err, orchestrator.ErrSessionExpired) {
			s.writeError(w, http.StatusGone, "session expired or unknown")
			return
		}
		s.logger.Error("Stream validation failed", "session", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to validate session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, done, err := s.hub.Subscribe(sessionID, func() { s.orch.Cancel(sessionID) })
	if err != nil {
		s.writeError(w, http.StatusConflict, "session already has a subscriber")
		return
	}
	defer s.hub.Unsubscribe(sessionID)

	if _, err := s.orch.Start(sessionID); err != nil {
		if errors.Is(err, orchestrator.ErrTooManySessions) {
			s.writeError(w, http.StatusServiceUnavailable, "too many concurrent sessions")
			return
		}
		s.logger.Error("Failed to start collaboration", "session", sessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start collaboration")
		return
	}

	// Disable buffering anywhere between us and the client.
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.writeEvent(w, flusher, stream.Event{
		Type:    stream.EventConnection,
		Payload: map[string]string{"sessionId": sessionID},
	})

	heartbeat := time.NewTicker(stream.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; Unsubscribe cancels the orchestrator.
			s.logger.Info("Stream client disconnected", "session", sessionID)
			return
		case <-done:
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if !s.writeEvent(w, flusher, ev) {
				return
			}
			if ev.Type == stream.EventCollaborationComplete {
				return
			}
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, ev stream.Event) bool {
	raw, err := ev.Encode()
	if err != nil {
		s.logger.Warn("Dropping unencodable event", "type", ev.Type, "error", err)
		return true
	}
	if _, err := w.Write(raw); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
