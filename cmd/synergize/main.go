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

// Command synergize runs the dual-model collaboration server.
//
// Usage:
//
//	synergize serve --config config.yaml
//	synergize models --models-dir ./models
//	synergize version
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/synergize"
	"github.com/kadirpekel/synergize/pkg/logger"
	"github.com/kadirpekel/synergize/pkg/models"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the collaboration server."`
	Models  ModelsCmd  `cmd:"" help:"List discovered GGUF models."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := synergize.GetVersion()
	fmt.Printf("synergize version %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
	return nil
}

// ModelsCmd lists the models discovered in the configured directory.
type ModelsCmd struct {
	ModelsDir string `name:"models-dir" help:"Directory scanned for *.gguf files." type:"path"`
}

func (c *ModelsCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	dir := cfg.Models.Dir
	if c.ModelsDir != "" {
		dir = c.ModelsDir
	}

	registry, err := models.NewRegistry(dir, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to scan models: %w", err)
	}

	list := registry.List()
	if len(list) == 0 {
		fmt.Printf("No GGUF models found in %s\n", dir)
		return nil
	}
	for _, m := range list {
		fmt.Printf("%-24s %-28s ctx=%-6d %s\n", m.ID, m.Name, m.ContextSize, m.TemplateFamily)
	}
	return nil
}

// initLogger initializes the logger from CLI flags and environment
// variables. CLI flags win over env vars.
func initLogger(cli *CLI) (func(), error) {
	level := cli.LogLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logFile := cli.LogFile
	if logFile == "" {
		logFile = os.Getenv("LOG_FILE")
	}
	format := cli.LogFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}

	output := os.Stderr
	var cleanup func()
	if logFile != "" {
		file, cleanupFn, err := logger.OpenLogFile(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = cleanupFn
	}

	logger.Init(logger.ParseLevel(level), output, format)
	return cleanup, nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("synergize"),
		kong.Description("Synergize - turn-based collaboration between two local LLMs"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
