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

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration: defaults, then the YAML file at path
// (if non-empty), then direct environment overrides. A .env file in the
// working directory is applied first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("Loaded environment from .env")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables onto the
// config. These take precedence over the YAML file so that container
// deployments need no config file at all.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.CORSOrigin, "CORS_ORIGIN")
	setString(&cfg.Server.Environment, "NODE_ENV")
	setString(&cfg.Server.Environment, "ENVIRONMENT")

	setString(&cfg.Models.Dir, "MODELS_DIR")
	setString(&cfg.Models.CuratorModel, "CURATOR_MODEL")

	setString(&cfg.Runtime.BaseURL, "RUNTIME_BASE_URL")
	setInt(&cfg.Runtime.ContextSize, "MODEL_CONTEXT_SIZE")
	setInt(&cfg.Runtime.BatchSize, "MODEL_BATCH_SIZE")
	setInt(&cfg.Runtime.Threads, "MODEL_THREADS")
	setInt(&cfg.Runtime.GPULayers, "MODEL_GPU_LAYERS")
	setInt(&cfg.Runtime.ContextsPerModel, "CONTEXTS_PER_MODEL")

	setString(&cfg.Redis.Host, "REDIS_HOST")
	setInt(&cfg.Redis.Port, "REDIS_PORT")

	setInt(&cfg.Collaboration.MaxConcurrentSessions, "MAX_CONCURRENT_SESSIONS")
	setDuration(&cfg.Collaboration.SessionTimeout, "SESSION_TIMEOUT")

	setString(&cfg.LogLevel, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", val)
		return
	}
	*dst = n
}

func setDuration(dst *time.Duration, key string) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	// Accept either a Go duration string or plain seconds.
	if d, err := time.ParseDuration(val); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.Atoi(val); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	slog.Warn("Ignoring unparseable duration environment value", "key", key, "value", val)
}
