// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/procflow/procflow/internal/config"
	"github.com/procflow/procflow/internal/log"
	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/internal/store/memory"
	"github.com/procflow/procflow/internal/store/sqlite"
	"github.com/procflow/procflow/pkg/observability"
	"github.com/procflow/procflow/pkg/tool"
)

// loadConfig loads configuration honoring the global --config flag.
// Failures carry the config exit code so misconfiguration is
// distinguishable from plan and execution errors.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootOpts.config)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Cause: err}
	}
	return cfg, nil
}

// newLogger builds the process logger from config, with the --verbose
// and --quiet flags overriding the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.Log.LoggerConfig()
	if rootOpts.verbose {
		lc.Level = "debug"
	}
	if rootOpts.quiet {
		lc.Level = "error"
	}
	return log.New(lc)
}

// openBackend opens the configured store backend.
func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		path, err := cfg.StorePath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve store path: %w", err)
		}
		st, err := sqlite.New(sqlite.Config{Path: path, WAL: true})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	default:
		return memory.New(), nil
	}
}

// buildRegistry assembles the tool registry from the configured
// sources: MCP servers are connected first, then the offline contracts
// catalog, and the result is wrapped with rate limiting when enabled.
// The returned cleanup closes MCP connections and must always be
// called.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tool.Registry, func(), error) {
	var sources []tool.Registry
	var mcpReg *tool.MCPRegistry

	if servers := cfg.Tools.MCPConfigs(); len(servers) > 0 {
		mcpReg = tool.NewMCPRegistry()
		for _, sc := range servers {
			if err := mcpReg.Connect(ctx, sc); err != nil {
				mcpReg.Close()
				return nil, nil, fmt.Errorf("failed to connect MCP server %q: %w", sc.Name, err)
			}
			logger.Debug("connected MCP server", "server", sc.Name)
		}
		sources = append(sources, mcpReg)
	}

	if path := cfg.Tools.ContractsFile; path != "" {
		catalog, err := tool.LoadContractsFile(path)
		if err != nil {
			if mcpReg != nil {
				mcpReg.Close()
			}
			return nil, nil, fmt.Errorf("failed to load tool contracts: %w", err)
		}
		sources = append(sources, catalog)
	}

	var reg tool.Registry
	switch len(sources) {
	case 0:
		reg = tool.NewMemoryRegistry()
	case 1:
		reg = sources[0]
	default:
		// MCP sources come first so a name collision resolves to the
		// live tool rather than a catalog-only contract with no invoker.
		reg = tool.NewMultiRegistry(sources...)
	}

	if rl := cfg.Tools.RateLimit; rl.Enabled {
		reg = tool.NewRateLimited(reg, rl.RPS, rl.Burst)
	}

	cleanup := func() {
		if mcpReg == nil {
			return
		}
		if err := mcpReg.Close(); err != nil {
			logger.Warn("failed to close MCP connections", "error", err)
		}
	}
	return reg, cleanup, nil
}

// runtime bundles the full engine stack for execution commands.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry tool.Registry
	backend  store.Backend
	tracing  *observability.Provider

	regCleanup func()
}

// newRuntime assembles config, logger, registry, store, and tracing.
// Callers must invoke close when done.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	registry, regCleanup, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, &ExitError{Code: ExitConfigError, Cause: err}
	}

	backend, err := openBackend(cfg)
	if err != nil {
		regCleanup()
		return nil, &ExitError{Code: ExitConfigError, Cause: err}
	}

	tracing, err := observability.NewProvider(ctx, cfg.Tracing.Observability(buildVersion))
	if err != nil {
		regCleanup()
		backend.Close()
		return nil, &ExitError{Code: ExitConfigError, Cause: fmt.Errorf("failed to initialize tracing: %w", err)}
	}

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		backend:    backend,
		tracing:    tracing,
		regCleanup: regCleanup,
	}, nil
}

// close flushes tracing and releases registry and store resources.
// Shutdown uses a fresh context so cleanup still runs after the command
// context is cancelled.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rt.tracing.Shutdown(ctx); err != nil {
		rt.logger.Warn("failed to shut down tracing", "error", err)
	}
	rt.regCleanup()
	if err := rt.backend.Close(); err != nil {
		rt.logger.Warn("failed to close store", "error", err)
	}
}
