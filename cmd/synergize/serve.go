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

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kadirpekel/synergize/pkg/agreement"
	"github.com/kadirpekel/synergize/pkg/alloc"
	"github.com/kadirpekel/synergize/pkg/analytics"
	"github.com/kadirpekel/synergize/pkg/compressor"
	"github.com/kadirpekel/synergize/pkg/config"
	"github.com/kadirpekel/synergize/pkg/convstate"
	"github.com/kadirpekel/synergize/pkg/logger"
	"github.com/kadirpekel/synergize/pkg/models"
	"github.com/kadirpekel/synergize/pkg/orchestrator"
	"github.com/kadirpekel/synergize/pkg/pool"
	"github.com/kadirpekel/synergize/pkg/runtime"
	"github.com/kadirpekel/synergize/pkg/server"
	"github.com/kadirpekel/synergize/pkg/store"
	"github.com/kadirpekel/synergize/pkg/stream"
	"github.com/kadirpekel/synergize/pkg/tokens"
)

// counterModel selects the tiktoken encoding used for budget estimates.
// Local GGUF models are not in the tiktoken table, so this resolves to
// the cl100k_base fallback either way.
const counterModel = "gpt-4"

// ServeCmd starts the collaboration server.
type ServeCmd struct {
	Port      int    `help:"Port to listen on (overrides config)."`
	ModelsDir string `name:"models-dir" help:"Directory scanned for *.gguf files (overrides config)." type:"path"`
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.GetLogger()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Port > 0 {
		cfg.Server.Port = c.Port
	}
	if c.ModelsDir != "" {
		cfg.Models.Dir = c.ModelsDir
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry, err := models.NewRegistry(cfg.Models.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to create model registry: %w", err)
	}
	if cfg.Models.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil && ctx.Err() == nil {
				log.Error("Model watch failed", "error", err)
			}
		}()
	}

	rt, err := runtime.NewLlamaServerRuntime(runtime.LlamaServerConfig{
		BaseURL: cfg.Runtime.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create inference runtime: %w", err)
	}

	poolMetrics, err := pool.NewMetrics(promReg)
	if err != nil {
		return fmt.Errorf("failed to register pool metrics: %w", err)
	}
	ctxPool, err := pool.New(pool.Config{
		Runtime:     rt,
		MaxPerModel: cfg.Runtime.ContextsPerModel,
		Metrics:     poolMetrics,
	}, registry.Specs(models.RuntimeOverrides{
		ContextSize: cfg.Runtime.ContextSize,
		BatchSize:   cfg.Runtime.BatchSize,
		Threads:     cfg.Runtime.Threads,
		GPULayers:   cfg.Runtime.GPULayers,
	}))
	if err != nil {
		return fmt.Errorf("failed to create context pool: %w", err)
	}
	defer ctxPool.Shutdown()

	redisStore, err := store.NewRedisStore(ctx, store.RedisConfig{Addr: cfg.Redis.Address()})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisStore.Close()
	st := store.Store(store.WithRetry(redisStore))

	stateMgr, err := convstate.NewManager(st, log)
	if err != nil {
		return fmt.Errorf("failed to create state manager: %w", err)
	}

	curatorID := cfg.Models.CuratorModel
	if curatorID == "" {
		if list := registry.List(); len(list) > 0 {
			curatorID = list[0].ID
			log.Info("No curator model configured, using first discovered", "model", curatorID)
		} else {
			return fmt.Errorf("no models found in %s and no curator model configured", cfg.Models.Dir)
		}
	}
	curator, err := analytics.NewPoolCurator(ctxPool, curatorID)
	if err != nil {
		return fmt.Errorf("failed to create curator: %w", err)
	}

	engine, err := analytics.NewEngine(curator, st, log, analytics.NewMetrics(promReg))
	if err != nil {
		return fmt.Errorf("failed to create analytics engine: %w", err)
	}
	memory, err := analytics.NewTurnMemory(curator)
	if err != nil {
		return fmt.Errorf("failed to create turn memory: %w", err)
	}

	counter, err := tokens.NewCounter(counterModel)
	if err != nil {
		return fmt.Errorf("failed to create token counter: %w", err)
	}
	comp, err := compressor.New(curator, counter, log)
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	agree, err := agreement.NewEngine(curator, log)
	if err != nil {
		return fmt.Errorf("failed to create agreement engine: %w", err)
	}

	hub := stream.NewHub(log)
	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrentSessions: cfg.Collaboration.MaxConcurrentSessions,
		SessionTimeout:        cfg.Collaboration.SessionTimeout,
		AcquireTimeout:        cfg.Runtime.AcquireTimeout,
		MaxRoundsPerPhase:     cfg.Collaboration.MaxRoundsPerPhase,
	}, orchestrator.Deps{
		Registry:   registry,
		Pool:       ctxPool,
		State:      stateMgr,
		Analytics:  engine,
		Memory:     memory,
		Compressor: comp,
		Agreement:  agree,
		Hub:        hub,
		Store:      st,
		Counter:    counter,
		Allocator: alloc.NewAllocator(alloc.AllocatorConfig{
			MaxContextUsage: cfg.Collaboration.MaxContextUsage,
		}),
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := server.New(cfg, server.Deps{
		Orchestrator: orch,
		Hub:          hub,
		Registry:     registry,
		Store:        st,
		Logger:       log,
		Metrics:      promReg,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	log.Info("Synergize starting",
		"models_dir", cfg.Models.Dir,
		"models", len(registry.List()),
		"curator", curatorID,
		"environment", cfg.Server.Environment)
	return srv.Run(ctx)
}
