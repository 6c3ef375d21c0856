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

// Package config loads procflow configuration from YAML files and
// environment variables. Precedence is environment over file over
// defaults; Load applies all three layers and validates the result.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/procflow/procflow/internal/log"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/observability"
	"github.com/procflow/procflow/pkg/pipeline"
	"github.com/procflow/procflow/pkg/procedure"
	"github.com/procflow/procflow/pkg/tool"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Store backends.
const (
	// BackendMemory keeps runs in process memory only.
	BackendMemory = "memory"

	// BackendSQLite persists runs to a SQLite database file.
	BackendSQLite = "sqlite"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m". yaml.v3 only decodes integers into time.Duration,
// which makes raw durations unusable in hand-written config files.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in the form UnmarshalYAML accepts.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the complete procflow configuration.
type Config struct {
	Log        LogConfig        `yaml:"log,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	Tracing    TracingConfig    `yaml:"tracing,omitempty"`
	Governance GovernanceConfig `yaml:"governance,omitempty"`
	Tools      ToolsConfig      `yaml:"tools,omitempty"`
	Defaults   DefaultsConfig   `yaml:"defaults,omitempty"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: PROCFLOW_LOG_LEVEL, LOG_LEVEL
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format selects the output encoding (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to log records.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source,omitempty"`
}

// LoggerConfig converts the section into the logger package's config.
func (l LogConfig) LoggerConfig() *log.Config {
	cfg := log.DefaultConfig()
	if l.Level != "" {
		cfg.Level = l.Level
	}
	if l.Format != "" {
		cfg.Format = log.Format(l.Format)
	}
	cfg.AddSource = l.AddSource
	return cfg
}

// StoreConfig selects where runs, items, and checkpoints persist.
type StoreConfig struct {
	// Backend names the storage driver (memory, sqlite).
	// Environment: PROCFLOW_STORE_BACKEND
	// Default: memory
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database file. Empty means
	// $XDG_DATA_HOME/procflow/procflow.db.
	// Environment: PROCFLOW_STORE_PATH
	Path string `yaml:"path,omitempty"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns tracing on. Off by default.
	// Environment: PROCFLOW_TRACING_ENABLED
	Enabled bool `yaml:"enabled"`

	// Exporter selects the span exporter (otlp, otlp-http, console).
	// Environment: PROCFLOW_TRACING_EXPORTER
	// Default: console
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	// Required for the otlp and otlp-http exporters.
	// Environment: PROCFLOW_TRACING_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS on OTLP connections.
	// Environment: PROCFLOW_TRACING_INSECURE
	Insecure bool `yaml:"insecure,omitempty"`

	// CACert is a PEM bundle used to verify the collector's certificate.
	CACert string `yaml:"ca_cert,omitempty"`

	// Headers are attached to every OTLP export request.
	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRate is the fraction of runs to trace, from 0.0 to 1.0.
	// Environment: PROCFLOW_TRACING_SAMPLE_RATE
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Observability converts the section into the tracing provider's config.
func (t TracingConfig) Observability(version string) observability.Config {
	cfg := observability.Config{
		Enabled:        t.Enabled,
		ServiceName:    "procflow",
		ServiceVersion: version,
		Sampling: observability.SamplingConfig{
			Enabled: t.SampleRate < 1,
			Rate:    t.SampleRate,
		},
	}
	if t.Exporter != "" {
		cfg.Exporters = []observability.ExporterConfig{{
			Type:     t.Exporter,
			Endpoint: t.Endpoint,
			Insecure: t.Insecure,
			CACert:   t.CACert,
			Headers:  t.Headers,
		}}
	}
	return cfg
}

// GovernanceConfig selects which tool governance profile applies.
type GovernanceConfig struct {
	// Profile names the active entry in Profiles. Empty disables
	// governance.
	// Environment: PROCFLOW_PROFILE
	Profile string `yaml:"profile,omitempty"`

	// Profiles are the available governance profiles, keyed by name.
	Profiles map[string]tool.Profile `yaml:"profiles,omitempty"`
}

// Active returns the selected profile, or nil when governance is off.
func (g GovernanceConfig) Active() *tool.Profile {
	if g.Profile == "" {
		return nil
	}
	p, ok := g.Profiles[g.Profile]
	if !ok {
		return nil
	}
	return &p
}

// ToolsConfig controls tool invocation behavior.
type ToolsConfig struct {
	// Timeout bounds a single tool call.
	// Environment: PROCFLOW_TOOL_TIMEOUT
	// Default: 30s
	Timeout Duration `yaml:"timeout,omitempty"`

	// RateLimit throttles tool invocations with a token bucket.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`

	// ContractsFile points at a JSON catalog of tool contracts to load
	// into the registry for validation and compilation.
	// Environment: PROCFLOW_CONTRACTS_FILE
	ContractsFile string `yaml:"contracts_file,omitempty"`

	// MCPServers are stdio MCP servers whose tools join the registry.
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`
}

// MCPConfigs converts the MCP server entries into the tool package's
// connection configs.
func (t ToolsConfig) MCPConfigs() []tool.MCPServerConfig {
	if len(t.MCPServers) == 0 {
		return nil
	}
	out := make([]tool.MCPServerConfig, 0, len(t.MCPServers))
	for _, srv := range t.MCPServers {
		out = append(out, tool.MCPServerConfig{
			Name:    srv.Name,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			Timeout: srv.Timeout.Duration(),
		})
	}
	return out
}

// RateLimitConfig throttles tool invocations across a run.
type RateLimitConfig struct {
	// Enabled turns rate limiting on.
	Enabled bool `yaml:"enabled"`

	// RPS is the sustained number of invocations per second.
	// Default: 5
	RPS float64 `yaml:"rps,omitempty"`

	// Burst is the token bucket capacity.
	// Default: 10
	Burst int `yaml:"burst,omitempty"`
}

// MCPServerConfig describes one stdio MCP server to launch.
type MCPServerConfig struct {
	// Name prefixes the server's tool names in the registry.
	Name string `yaml:"name"`

	// Command is the executable that speaks MCP on stdio.
	Command string `yaml:"command"`

	// Args are passed to the command.
	Args []string `yaml:"args,omitempty"`

	// Env sets additional environment variables for the server process.
	Env map[string]string `yaml:"env,omitempty"`

	// Timeout bounds calls routed to this server. Zero means the tool
	// package's default.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// DefaultsConfig seeds execution parameters callers can override per run.
type DefaultsConfig struct {
	// MaxParallel bounds concurrent branches in a parallel step.
	// Environment: PROCFLOW_MAX_PARALLEL
	MaxParallel int `yaml:"max_parallel,omitempty"`

	// PipelineConcurrency is the worker count for pipeline item stages.
	// Environment: PROCFLOW_PIPELINE_CONCURRENCY
	PipelineConcurrency int `yaml:"pipeline_concurrency,omitempty"`

	// BatchSize is the pipeline batch size.
	// Environment: PROCFLOW_BATCH_SIZE
	BatchSize int `yaml:"batch_size,omitempty"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   observability.ExporterConsole,
			SampleRate: 1.0,
		},
		Tools: ToolsConfig{
			Timeout: Duration(30 * time.Second),
			RateLimit: RateLimitConfig{
				Enabled: false,
				RPS:     5,
				Burst:   10,
			},
		},
		Defaults: DefaultsConfig{
			MaxParallel:         procedure.DefaultMaxParallel,
			PipelineConcurrency: pipeline.DefaultConcurrency,
			BatchSize:           pipeline.DefaultBatchSize,
		},
	}
}

// Load loads configuration from defaults, an optional YAML file, and
// environment variables, in increasing precedence.
//
// An empty path falls back to ConfigPath() when that file exists, so a
// bare `procflow` picks up ~/.config/procflow/config.yaml without flags.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if p, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
	}

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, &errors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Override with environment variables
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &errors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills in zero values with the package defaults so a
// minimal config file (e.g. just a store section) works without
// specifying every field.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Store.Backend == "" {
		c.Store.Backend = defaults.Store.Backend
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = defaults.Tracing.SampleRate
	}

	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = defaults.Tools.Timeout
	}
	if c.Tools.RateLimit.RPS == 0 {
		c.Tools.RateLimit.RPS = defaults.Tools.RateLimit.RPS
	}
	if c.Tools.RateLimit.Burst == 0 {
		c.Tools.RateLimit.Burst = defaults.Tools.RateLimit.Burst
	}

	if c.Defaults.MaxParallel == 0 {
		c.Defaults.MaxParallel = defaults.Defaults.MaxParallel
	}
	if c.Defaults.PipelineConcurrency == 0 {
		c.Defaults.PipelineConcurrency = defaults.Defaults.PipelineConcurrency
	}
	if c.Defaults.BatchSize == 0 {
		c.Defaults.BatchSize = defaults.Defaults.BatchSize
	}

	// Profiles written as map entries may omit the redundant name field.
	for name, p := range c.Governance.Profiles {
		if p.Name == "" {
			p.Name = name
			c.Governance.Profiles[name] = p
		}
	}
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	// Log configuration
	if val := os.Getenv("PROCFLOW_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	// Store configuration
	if val := os.Getenv("PROCFLOW_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("PROCFLOW_STORE_PATH"); val != "" {
		c.Store.Path = val
	}

	// Tracing configuration
	if val := os.Getenv("PROCFLOW_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROCFLOW_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("PROCFLOW_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("PROCFLOW_TRACING_INSECURE"); val != "" {
		c.Tracing.Insecure = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PROCFLOW_TRACING_SAMPLE_RATE"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Tracing.SampleRate = rate
		}
	}

	// Governance configuration
	if val := os.Getenv("PROCFLOW_PROFILE"); val != "" {
		c.Governance.Profile = val
	}

	// Tool configuration
	if val := os.Getenv("PROCFLOW_TOOL_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Tools.Timeout = Duration(duration)
		}
	}
	if val := os.Getenv("PROCFLOW_CONTRACTS_FILE"); val != "" {
		c.Tools.ContractsFile = val
	}

	// Execution defaults
	if val := os.Getenv("PROCFLOW_MAX_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Defaults.MaxParallel = n
		}
	}
	if val := os.Getenv("PROCFLOW_PIPELINE_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Defaults.PipelineConcurrency = n
		}
	}
	if val := os.Getenv("PROCFLOW_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Defaults.BatchSize = n
		}
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// Validate log configuration
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	// Validate store configuration
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite:
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be one of [memory, sqlite], got %q", c.Store.Backend))
	}

	// Validate tracing configuration
	switch c.Tracing.Exporter {
	case observability.ExporterOTLP, observability.ExporterOTLPHTTP, observability.ExporterConsole:
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [otlp, otlp-http, console], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0.0 and 1.0, got %g", c.Tracing.SampleRate))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" && c.Tracing.Exporter != observability.ExporterConsole {
		errs = append(errs, fmt.Sprintf("tracing.endpoint is required for the %s exporter", c.Tracing.Exporter))
	}

	// Validate governance configuration
	if c.Governance.Profile != "" {
		if _, ok := c.Governance.Profiles[c.Governance.Profile]; !ok {
			errs = append(errs, fmt.Sprintf("governance.profile %q not found in governance.profiles %v", c.Governance.Profile, profileNames(c.Governance.Profiles)))
		}
	}

	// Validate tool configuration
	if c.Tools.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("tools.timeout must be non-negative, got %v", c.Tools.Timeout.Duration()))
	}
	if c.Tools.RateLimit.Enabled {
		if c.Tools.RateLimit.RPS <= 0 {
			errs = append(errs, fmt.Sprintf("tools.rate_limit.rps must be positive, got %g", c.Tools.RateLimit.RPS))
		}
		if c.Tools.RateLimit.Burst <= 0 {
			errs = append(errs, fmt.Sprintf("tools.rate_limit.burst must be positive, got %d", c.Tools.RateLimit.Burst))
		}
	}

	serverNames := make(map[string]bool)
	for i, srv := range c.Tools.MCPServers {
		if srv.Name == "" {
			errs = append(errs, fmt.Sprintf("tools.mcp_servers[%d]: name is required", i))
		} else if serverNames[srv.Name] {
			errs = append(errs, fmt.Sprintf("tools.mcp_servers[%d]: duplicate server name %q", i, srv.Name))
		} else {
			serverNames[srv.Name] = true
		}
		if srv.Command == "" {
			errs = append(errs, fmt.Sprintf("tools.mcp_servers[%d] (%s): command is required", i, srv.Name))
		}
		if srv.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("tools.mcp_servers[%d] (%s): timeout must be non-negative, got %v", i, srv.Name, srv.Timeout.Duration()))
		}
	}

	// Validate execution defaults
	if c.Defaults.MaxParallel <= 0 {
		errs = append(errs, fmt.Sprintf("defaults.max_parallel must be positive, got %d", c.Defaults.MaxParallel))
	}
	if c.Defaults.PipelineConcurrency <= 0 {
		errs = append(errs, fmt.Sprintf("defaults.pipeline_concurrency must be positive, got %d", c.Defaults.PipelineConcurrency))
	}
	if c.Defaults.BatchSize <= 0 {
		errs = append(errs, fmt.Sprintf("defaults.batch_size must be positive, got %d", c.Defaults.BatchSize))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// profileNames returns sorted profile names for error messages.
func profileNames(m map[string]tool.Profile) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
