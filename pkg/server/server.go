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

// Package server exposes the HTTP surface: session initiation, the SSE
// stream, model discovery, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/synergize/pkg/config"
	"github.com/kadirpekel/synergize/pkg/models"
	"github.com/kadirpekel/synergize/pkg/orchestrator"
	"github.com/kadirpekel/synergize/pkg/store"
	"github.com/kadirpekel/synergize/pkg/stream"
)

// Server is the HTTP front of the collaboration service.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	hub      *stream.Hub
	registry *models.Registry
	store    store.Store
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *stream.Hub
	Registry     *models.Registry
	Store        store.Store
	Logger       *slog.Logger
	// Metrics is the prometheus registry served at /metrics. Nil uses
	// the default gatherer.
	Metrics prometheus.Gatherer
}

// New creates the server and its router.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("config is required")
	case deps.Orchestrator == nil:
		return nil, fmt.Errorf("orchestrator is required")
	case deps.Hub == nil:
		return nil, fmt.Errorf("stream hub is required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("model registry is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		orch:     deps.Orchestrator,
		hub:      deps.Hub,
		registry: deps.Registry,
		store:    deps.Store,
		logger:   deps.Logger,
		gatherer: deps.Metrics,
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Server.Address(),
		Handler: s.Router(),
	}
	return s, nil
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Route("/api", func(r chi.Router) {
		r.Post("/synergize/initiate", s.handleInitiate)
		r.Get("/synergize/stream/{sessionId}", s.handleStream)
		r.Get("/models", s.handleModels)
	})
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// cors applies the configured allowed origin.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.cfg.Server.CORSOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type initiateRequest struct {
	Prompt    string   `json:"prompt"`
	Models    []string `json:"models"`
	SessionID string   `json:"sessionId"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.orch.Initiate(r.Context(), req.SessionID, req.Prompt, req.Models)
	if errors.Is(err, orchestrator.ErrValidation) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Initiate failed", "session", req.SessionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to initiate session")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": req.SessionID,
		"message":   "Collaboration session initiated",
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"models": s.registry.List()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
