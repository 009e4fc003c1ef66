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

// Package config holds the Synergize configuration model.
//
// Configuration is loaded from an optional YAML file with ${VAR} and
// ${VAR:-default} environment expansion, after an optional .env file has
// been applied. Every field has a default so a bare `synergize serve`
// works against a local model directory and a local Redis.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Models        ModelsConfig        `yaml:"models"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Redis         RedisConfig         `yaml:"redis"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	LogLevel      string              `yaml:"log_level"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	CORSOrigin  string `yaml:"cors_origin"`
	Environment string `yaml:"environment"` // development | production
}

// Production reports whether the server runs in production mode.
func (c ServerConfig) Production() bool {
	return c.Environment == "production"
}

// Address returns host:port.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ModelsConfig configures model discovery.
type ModelsConfig struct {
	// Dir is scanned for *.gguf files.
	Dir string `yaml:"dir"`
	// Watch enables hot-reload of the registry on directory changes.
	Watch bool `yaml:"watch"`
	// CuratorModel names the model used for analytics, compression and
	// arbitration. Empty selects the first discovered model.
	CuratorModel string `yaml:"curator_model"`
}

// RuntimeConfig configures the local inference runtime.
type RuntimeConfig struct {
	// BaseURL of the llama.cpp-style inference server.
	BaseURL string `yaml:"base_url"`
	// ContextSize is the model context window in tokens.
	ContextSize int `yaml:"context_size"`
	// BatchSize is the prompt processing batch size.
	BatchSize int `yaml:"batch_size"`
	// Threads used for inference.
	Threads int `yaml:"threads"`
	// GPULayers offloaded to the GPU (-1 = all).
	GPULayers int `yaml:"gpu_layers"`
	// ContextsPerModel bounds each model's context pool.
	ContextsPerModel int `yaml:"contexts_per_model"`
	// AcquireTimeout bounds waiting for a pool context.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// RedisConfig configures the state store connection.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CollaborationConfig tunes the orchestration behavior.
type CollaborationConfig struct {
	// MaxConcurrentSessions bounds simultaneously active sessions.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
	// SessionTimeout bounds a whole collaboration run.
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// MaxRoundsPerPhase forces a phase advance after this many rounds.
	MaxRoundsPerPhase int `yaml:"max_rounds_per_phase"`
	// MaxContextUsage is the context window safety margin.
	MaxContextUsage float64 `yaml:"max_context_usage"`
	// StreamMaxAge is how old a session may be when the client opens
	// the SSE stream. Zero selects 60s in development, 300s in
	// production.
	StreamMaxAge time.Duration `yaml:"stream_max_age"`
}

// Default returns a fully-populated default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3001,
			CORSOrigin:  "*",
			Environment: "development",
		},
		Models: ModelsConfig{
			Dir:   "./models",
			Watch: true,
		},
		Runtime: RuntimeConfig{
			BaseURL:          "http://localhost:8080",
			ContextSize:      8192,
			BatchSize:        512,
			Threads:          8,
			GPULayers:        -1,
			ContextsPerModel: 2,
			AcquireTimeout:   30 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Collaboration: CollaborationConfig{
			MaxConcurrentSessions: 4,
			SessionTimeout:        10 * time.Minute,
			MaxRoundsPerPhase:     3,
			MaxContextUsage:       0.7,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Models.Dir == "" {
		return fmt.Errorf("models dir is required")
	}
	if c.Runtime.ContextSize <= 0 {
		return fmt.Errorf("runtime context_size must be positive, got %d", c.Runtime.ContextSize)
	}
	if c.Runtime.ContextsPerModel <= 0 {
		return fmt.Errorf("runtime contexts_per_model must be positive, got %d", c.Runtime.ContextsPerModel)
	}
	if c.Redis.Host == "" || c.Redis.Port <= 0 {
		return fmt.Errorf("redis host and port are required")
	}
	if c.Collaboration.MaxContextUsage <= 0 || c.Collaboration.MaxContextUsage > 1 {
		return fmt.Errorf("max_context_usage must be in (0, 1], got %f", c.Collaboration.MaxContextUsage)
	}
	if c.Collaboration.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be positive, got %d", c.Collaboration.MaxConcurrentSessions)
	}
	return nil
}

// StreamMaxAge returns the effective stream age limit for the configured
// environment.
func (c *Config) StreamMaxAge() time.Duration {
	if c.Collaboration.StreamMaxAge > 0 {
		return c.Collaboration.StreamMaxAge
	}
	if c.Server.Production() {
		return 300 * time.Second
	}
	return 60 * time.Second
}
