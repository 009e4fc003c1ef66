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

// Package models discovers local GGUF models and pairs each file with
// its known configuration record.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/kadirpekel/synergize/pkg/prompt"
	"github.com/kadirpekel/synergize/pkg/runtime"
)

// Settings are per-model sampling defaults.
type Settings struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"topP"`
	TopK          int     `json:"topK"`
	RepeatPenalty float64 `json:"repeatPenalty"`
}

// ModelConfig describes one discovered model.
type ModelConfig struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Path           string                `json:"path"`
	ContextSize    int                   `json:"contextSize"`
	Settings       Settings              `json:"settings"`
	TemplateFamily prompt.TemplateFamily `json:"templateFamily"`
}

// knownModel is a catalog record matched against GGUF filenames.
type knownModel struct {
	match          string
	name           string
	contextSize    int
	settings       Settings
	templateFamily prompt.TemplateFamily
}

// knownModels is the catalog of models the collaboration is tuned for.
// Matching is by filename substring, most specific first.
var knownModels = []knownModel{
	{
		match:          "gemma",
		name:           "Gemma 3 4B Instruct",
		contextSize:    8192,
		settings:       Settings{Temperature: 0.7, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1},
		templateFamily: prompt.FamilyGemma,
	},
	{
		match:          "qwen",
		name:           "Qwen 2.5 7B Instruct",
		contextSize:    8192,
		settings:       Settings{Temperature: 0.7, TopP: 0.8, TopK: 20, RepeatPenalty: 1.05},
		templateFamily: prompt.FamilyChatML,
	},
	{
		match:          "llama",
		name:           "Llama 3.1 8B Instruct",
		contextSize:    8192,
		settings:       Settings{Temperature: 0.7, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1},
		templateFamily: prompt.FamilyLlama3,
	},
	{
		match:          "mistral",
		name:           "Mistral 7B Instruct",
		contextSize:    8192,
		settings:       Settings{Temperature: 0.7, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1},
		templateFamily: prompt.FamilyChatML,
	},
}

// defaultRecord is used for GGUF files not in the catalog.
var defaultRecord = knownModel{
	name:           "Unknown GGUF model",
	contextSize:    4096,
	settings:       Settings{Temperature: 0.7, TopP: 0.9, TopK: 40, RepeatPenalty: 1.1},
	templateFamily: prompt.FamilyChatML,
}

// Registry scans a directory for *.gguf files and serves model records.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	models map[string]ModelConfig

	watcher *fsnotify.Watcher
}

// NewRegistry creates a registry over dir and performs an initial scan.
func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if dir == "" {
		return nil, fmt.Errorf("models dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{dir: dir, logger: logger, models: make(map[string]ModelConfig)}
	if err := r.Scan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Scan re-reads the model directory. Missing directories produce an
// empty registry, not an error, so the server can start before models
// are downloaded.
func (r *Registry) Scan() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("Model directory does not exist", "dir", r.dir)
			r.mu.Lock()
			r.models = make(map[string]ModelConfig)
			r.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to scan model directory %s: %w", r.dir, err)
	}

	found := make(map[string]ModelConfig)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".gguf") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		record := catalogRecord(entry.Name())
		found[id] = ModelConfig{
			ID:             id,
			Name:           record.name,
			Path:           filepath.Join(r.dir, entry.Name()),
			ContextSize:    record.contextSize,
			Settings:       record.settings,
			TemplateFamily: record.templateFamily,
		}
	}

	r.mu.Lock()
	r.models = found
	r.mu.Unlock()
	r.logger.Info("Model registry scanned", "dir", r.dir, "models", len(found))
	return nil
}

func catalogRecord(filename string) knownModel {
	lower := strings.ToLower(filename)
	for _, km := range knownModels {
		if strings.Contains(lower, km.match) {
			return km
		}
	}
	return defaultRecord
}

// List returns all discovered models sorted by ID.
func (r *Registry) List() []ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelConfig, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the record for a model ID.
func (r *Registry) Get(id string) (ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// Specs converts the registry into runtime model specs, applying the
// runtime's global overrides where set.
func (r *Registry) Specs(rc RuntimeOverrides) []runtime.ModelSpec {
	specs := make([]runtime.ModelSpec, 0)
	for _, m := range r.List() {
		ctxSize := m.ContextSize
		if rc.ContextSize > 0 {
			ctxSize = rc.ContextSize
		}
		specs = append(specs, runtime.ModelSpec{
			ID:          m.ID,
			Path:        m.Path,
			ContextSize: ctxSize,
			BatchSize:   rc.BatchSize,
			Threads:     rc.Threads,
			GPULayers:   rc.GPULayers,
		})
	}
	return specs
}

// RuntimeOverrides are the environment-level runtime settings applied
// uniformly across models.
type RuntimeOverrides struct {
	ContextSize int
	BatchSize   int
	Threads     int
	GPULayers   int
}

// Watch re-scans the registry whenever the model directory changes.
// It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create model watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch model directory %s: %w", r.dir, err)
	}
	r.logger.Info("Watching model directory", "dir", r.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".gguf") {
				continue
			}
			r.logger.Info("Model directory changed, rescanning", "event", event.Op.String(), "file", event.Name)
			if err := r.Scan(); err != nil {
				r.logger.Error("Model rescan failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Model watcher error", "error", err)
		}
	}
}
