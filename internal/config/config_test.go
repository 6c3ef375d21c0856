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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/procflow/procflow/internal/log"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/observability"
	"github.com/procflow/procflow/pkg/tool"
	"gopkg.in/yaml.v3"
)

// clearEnv blanks every variable the loader reads so tests see only
// what they set themselves, and points XDG_CONFIG_HOME at an empty
// directory so Load("") never picks up a real user config.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROCFLOW_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE",
		"PROCFLOW_STORE_BACKEND", "PROCFLOW_STORE_PATH",
		"PROCFLOW_TRACING_ENABLED", "PROCFLOW_TRACING_EXPORTER",
		"PROCFLOW_TRACING_ENDPOINT", "PROCFLOW_TRACING_INSECURE",
		"PROCFLOW_TRACING_SAMPLE_RATE",
		"PROCFLOW_PROFILE", "PROCFLOW_TOOL_TIMEOUT", "PROCFLOW_CONTRACTS_FILE",
		"PROCFLOW_MAX_PARALLEL", "PROCFLOW_PIPELINE_CONCURRENCY", "PROCFLOW_BATCH_SIZE",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %s/%s, want info/json", cfg.Log.Level, cfg.Log.Format)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("store.backend = %q, want %q", cfg.Store.Backend, BackendMemory)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.Tracing.Exporter != observability.ExporterConsole {
		t.Errorf("tracing.exporter = %q, want %q", cfg.Tracing.Exporter, observability.ExporterConsole)
	}
	if cfg.Tracing.SampleRate != 1.0 {
		t.Errorf("tracing.sample_rate = %g, want 1.0", cfg.Tracing.SampleRate)
	}
	if got := cfg.Tools.Timeout.Duration(); got != 30*time.Second {
		t.Errorf("tools.timeout = %v, want 30s", got)
	}
	if cfg.Defaults.MaxParallel <= 0 || cfg.Defaults.PipelineConcurrency <= 0 || cfg.Defaults.BatchSize <= 0 {
		t.Errorf("execution defaults must be positive, got %+v", cfg.Defaults)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	want := Default()
	if cfg.Log.Level != want.Log.Level || cfg.Store.Backend != want.Store.Backend {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
	if cfg.Defaults.BatchSize != want.Defaults.BatchSize {
		t.Errorf("defaults.batch_size = %d, want %d", cfg.Defaults.BatchSize, want.Defaults.BatchSize)
	}
}

func TestLoad_FullFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
log:
  level: debug
  format: text
  add_source: true
store:
  backend: sqlite
  path: /tmp/flow.db
tracing:
  enabled: true
  exporter: otlp-http
  endpoint: collector.internal:4318
  insecure: true
  headers:
    x-api-key: secret
  sample_rate: 0.5
governance:
  profile: cautious
  profiles:
    cautious:
      blocked_tools: ["jira.*"]
      require_side_effect_confirmation: true
tools:
  timeout: 45s
  rate_limit:
    enabled: true
    rps: 2.5
    burst: 5
  contracts_file: ./contracts.json
  mcp_servers:
    - name: search
      command: mcp-search
      args: ["--inline"]
      env:
        TOKEN: abc
      timeout: 90s
defaults:
  max_parallel: 6
  pipeline_concurrency: 8
  batch_size: 25
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" || !cfg.Log.AddSource {
		t.Errorf("log = %+v, want debug/text with source", cfg.Log)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Store.Path != "/tmp/flow.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != observability.ExporterOTLPHTTP {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.Endpoint != "collector.internal:4318" || !cfg.Tracing.Insecure {
		t.Errorf("tracing endpoint = %+v", cfg.Tracing)
	}
	if cfg.Tracing.Headers["x-api-key"] != "secret" {
		t.Errorf("tracing.headers = %v", cfg.Tracing.Headers)
	}
	if cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("tracing.sample_rate = %g, want 0.5", cfg.Tracing.SampleRate)
	}

	active := cfg.Governance.Active()
	if active == nil {
		t.Fatal("governance.Active() = nil, want the cautious profile")
	}
	if active.Name != "cautious" {
		t.Errorf("active profile name = %q, want cautious (filled from the map key)", active.Name)
	}
	if !active.RequireSideEffectConfirmation || len(active.BlockedTools) != 1 {
		t.Errorf("active profile = %+v", active)
	}

	if got := cfg.Tools.Timeout.Duration(); got != 45*time.Second {
		t.Errorf("tools.timeout = %v, want 45s", got)
	}
	if !cfg.Tools.RateLimit.Enabled || cfg.Tools.RateLimit.RPS != 2.5 || cfg.Tools.RateLimit.Burst != 5 {
		t.Errorf("tools.rate_limit = %+v", cfg.Tools.RateLimit)
	}
	if cfg.Tools.ContractsFile != "./contracts.json" {
		t.Errorf("tools.contracts_file = %q", cfg.Tools.ContractsFile)
	}

	mcp := cfg.Tools.MCPConfigs()
	if len(mcp) != 1 {
		t.Fatalf("MCPConfigs() returned %d entries, want 1", len(mcp))
	}
	if mcp[0].Name != "search" || mcp[0].Command != "mcp-search" {
		t.Errorf("mcp server = %+v", mcp[0])
	}
	if mcp[0].Env["TOKEN"] != "abc" || mcp[0].Timeout != 90*time.Second {
		t.Errorf("mcp server env/timeout = %+v", mcp[0])
	}

	if cfg.Defaults.MaxParallel != 6 || cfg.Defaults.PipelineConcurrency != 8 || cfg.Defaults.BatchSize != 25 {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
}

func TestLoad_MinimalFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "store:\n  backend: sqlite\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Store.Backend != BackendSQLite {
		t.Errorf("store.backend = %q, want sqlite", cfg.Store.Backend)
	}
	// Everything else falls back to defaults.
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v, want defaults", cfg.Log)
	}
	if got := cfg.Tools.Timeout.Duration(); got != 30*time.Second {
		t.Errorf("tools.timeout = %v, want 30s", got)
	}
	if cfg.Tracing.SampleRate != 1.0 {
		t.Errorf("tracing.sample_rate = %g, want 1.0", cfg.Tracing.SampleRate)
	}
}

func TestLoad_FileMissing(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() should fail for a missing explicit path")
	}

	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %T, want *errors.ConfigError", err)
	}
	if cfgErr.Key != "config_file" {
		t.Errorf("Key = %q, want config_file", cfgErr.Key)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "log: [unclosed\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail for malformed YAML")
	}

	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %T, want *errors.ConfigError", err)
	}
	if cfgErr.Key != "config_file" {
		t.Errorf("Key = %q, want config_file", cfgErr.Key)
	}
	if cfgErr.Cause == nil || !strings.Contains(cfgErr.Cause.Error(), "failed to parse YAML") {
		t.Errorf("Cause = %v, want a YAML parse error", cfgErr.Cause)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)

	t.Setenv("PROCFLOW_LOG_LEVEL", "debug")
	t.Setenv("LOG_LEVEL", "error") // loses to the PROCFLOW_ variant
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("PROCFLOW_STORE_BACKEND", "sqlite")
	t.Setenv("PROCFLOW_STORE_PATH", "/tmp/env.db")
	t.Setenv("PROCFLOW_TRACING_ENABLED", "1")
	t.Setenv("PROCFLOW_TRACING_EXPORTER", "otlp")
	t.Setenv("PROCFLOW_TRACING_ENDPOINT", "collector:4317")
	t.Setenv("PROCFLOW_TRACING_INSECURE", "true")
	t.Setenv("PROCFLOW_TRACING_SAMPLE_RATE", "0.25")
	t.Setenv("PROCFLOW_TOOL_TIMEOUT", "45s")
	t.Setenv("PROCFLOW_MAX_PARALLEL", "8")
	t.Setenv("PROCFLOW_BATCH_SIZE", "ten") // unparseable, keeps the default

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug (PROCFLOW_LOG_LEVEL wins)", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("log.format = %q, want text", cfg.Log.Format)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Exporter != observability.ExporterOTLP {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.Endpoint != "collector:4317" || !cfg.Tracing.Insecure {
		t.Errorf("tracing endpoint = %+v", cfg.Tracing)
	}
	if cfg.Tracing.SampleRate != 0.25 {
		t.Errorf("tracing.sample_rate = %g, want 0.25", cfg.Tracing.SampleRate)
	}
	if got := cfg.Tools.Timeout.Duration(); got != 45*time.Second {
		t.Errorf("tools.timeout = %v, want 45s", got)
	}
	if cfg.Defaults.MaxParallel != 8 {
		t.Errorf("defaults.max_parallel = %d, want 8", cfg.Defaults.MaxParallel)
	}
	if cfg.Defaults.BatchSize != Default().Defaults.BatchSize {
		t.Errorf("defaults.batch_size = %d, want the default", cfg.Defaults.BatchSize)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "log:\n  level: warn\n")
	t.Setenv("PROCFLOW_LOG_LEVEL", "trace")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Log.Level != "trace" {
		t.Errorf("log.level = %q, want trace (environment beats file)", cfg.Log.Level)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "store:\n  backend: bolt\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should fail validation")
	}

	var cfgErr *errors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %T, want *errors.ConfigError", err)
	}
	if cfgErr.Key != "validation" {
		t.Errorf("Key = %q, want validation", cfgErr.Key)
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("error should wrap ErrInvalidConfig")
	}
	if !strings.Contains(cfgErr.Cause.Error(), "store.backend") {
		t.Errorf("Cause = %v, want a store.backend complaint", cfgErr.Cause)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "valid default",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "bad store backend",
			mutate:  func(c *Config) { c.Store.Backend = "bolt" },
			wantErr: "store.backend",
		},
		{
			name:    "bad exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "tracing.exporter",
		},
		{
			name:    "sample rate above one",
			mutate:  func(c *Config) { c.Tracing.SampleRate = 1.5 },
			wantErr: "tracing.sample_rate",
		},
		{
			name:    "negative sample rate",
			mutate:  func(c *Config) { c.Tracing.SampleRate = -0.1 },
			wantErr: "tracing.sample_rate",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = observability.ExporterOTLP
			},
			wantErr: "tracing.endpoint",
		},
		{
			name:    "unknown governance profile",
			mutate:  func(c *Config) { c.Governance.Profile = "strict" },
			wantErr: "governance.profile",
		},
		{
			name:    "negative tool timeout",
			mutate:  func(c *Config) { c.Tools.Timeout = Duration(-time.Second) },
			wantErr: "tools.timeout",
		},
		{
			name: "rate limit zero rps",
			mutate: func(c *Config) {
				c.Tools.RateLimit.Enabled = true
				c.Tools.RateLimit.RPS = 0
			},
			wantErr: "tools.rate_limit.rps",
		},
		{
			name: "rate limit zero burst",
			mutate: func(c *Config) {
				c.Tools.RateLimit.Enabled = true
				c.Tools.RateLimit.Burst = 0
			},
			wantErr: "tools.rate_limit.burst",
		},
		{
			name: "mcp server missing name",
			mutate: func(c *Config) {
				c.Tools.MCPServers = []MCPServerConfig{{Command: "mcp-x"}}
			},
			wantErr: "name is required",
		},
		{
			name: "mcp server missing command",
			mutate: func(c *Config) {
				c.Tools.MCPServers = []MCPServerConfig{{Name: "x"}}
			},
			wantErr: "command is required",
		},
		{
			name: "duplicate mcp server names",
			mutate: func(c *Config) {
				c.Tools.MCPServers = []MCPServerConfig{
					{Name: "x", Command: "mcp-x"},
					{Name: "x", Command: "mcp-y"},
				}
			},
			wantErr: "duplicate server name",
		},
		{
			name:    "nonpositive max parallel",
			mutate:  func(c *Config) { c.Defaults.MaxParallel = -1 },
			wantErr: "defaults.max_parallel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want an error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Error("error should wrap ErrInvalidConfig")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	type doc struct {
		Timeout Duration `yaml:"timeout"`
	}

	t.Run("parses duration strings", func(t *testing.T) {
		var d doc
		if err := yaml.Unmarshal([]byte("timeout: 1m30s\n"), &d); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got := d.Timeout.Duration(); got != 90*time.Second {
			t.Errorf("timeout = %v, want 1m30s", got)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		var d doc
		err := yaml.Unmarshal([]byte("timeout: soonish\n"), &d)
		if err == nil {
			t.Fatal("unmarshal should fail")
		}
		if !strings.Contains(err.Error(), `duration "soonish"`) {
			t.Errorf("error = %v, want the bad value quoted", err)
		}
	})

	t.Run("marshals back to a string", func(t *testing.T) {
		out, err := yaml.Marshal(doc{Timeout: Duration(90 * time.Second)})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if !strings.Contains(string(out), "1m30s") {
			t.Errorf("marshal produced %q, want 1m30s", out)
		}
	})
}

func TestTracingObservability(t *testing.T) {
	t.Run("maps the full section", func(t *testing.T) {
		tc := TracingConfig{
			Enabled:    true,
			Exporter:   observability.ExporterOTLP,
			Endpoint:   "collector:4317",
			Insecure:   true,
			Headers:    map[string]string{"x-api-key": "secret"},
			SampleRate: 0.5,
		}

		cfg := tc.Observability("1.2.3")
		if !cfg.Enabled || cfg.ServiceName != "procflow" || cfg.ServiceVersion != "1.2.3" {
			t.Errorf("config = %+v", cfg)
		}
		if !cfg.Sampling.Enabled || cfg.Sampling.Rate != 0.5 {
			t.Errorf("sampling = %+v, want enabled at 0.5", cfg.Sampling)
		}
		if len(cfg.Exporters) != 1 {
			t.Fatalf("exporters = %d, want 1", len(cfg.Exporters))
		}
		exp := cfg.Exporters[0]
		if exp.Type != observability.ExporterOTLP || exp.Endpoint != "collector:4317" || !exp.Insecure {
			t.Errorf("exporter = %+v", exp)
		}
		if exp.Headers["x-api-key"] != "secret" {
			t.Errorf("exporter headers = %v", exp.Headers)
		}
	})

	t.Run("full sample rate disables the sampler", func(t *testing.T) {
		cfg := TracingConfig{Enabled: true, Exporter: "console", SampleRate: 1.0}.Observability("dev")
		if cfg.Sampling.Enabled {
			t.Error("sampling should be disabled at rate 1.0")
		}
	})

	t.Run("empty exporter leaves the provider default", func(t *testing.T) {
		cfg := TracingConfig{Enabled: true, SampleRate: 1.0}.Observability("dev")
		if cfg.Exporters != nil {
			t.Errorf("exporters = %+v, want nil", cfg.Exporters)
		}
	})
}

func TestGovernanceActive(t *testing.T) {
	profiles := map[string]tool.Profile{
		"cautious": {Name: "cautious", RequireSideEffectConfirmation: true},
	}

	if got := (GovernanceConfig{Profiles: profiles}).Active(); got != nil {
		t.Errorf("Active() = %+v, want nil when no profile is selected", got)
	}
	if got := (GovernanceConfig{Profile: "missing", Profiles: profiles}).Active(); got != nil {
		t.Errorf("Active() = %+v, want nil for an unknown profile", got)
	}

	got := (GovernanceConfig{Profile: "cautious", Profiles: profiles}).Active()
	if got == nil || !got.RequireSideEffectConfirmation {
		t.Errorf("Active() = %+v, want the cautious profile", got)
	}
}

func TestLoggerConfig(t *testing.T) {
	cfg := LogConfig{Level: "debug", Format: "text", AddSource: true}.LoggerConfig()
	if cfg.Level != "debug" || cfg.Format != log.FormatText || !cfg.AddSource {
		t.Errorf("LoggerConfig() = %+v", cfg)
	}

	empty := LogConfig{}.LoggerConfig()
	if empty.Level != "info" || empty.Format != log.FormatJSON {
		t.Errorf("empty LoggerConfig() = %+v, want the logger defaults", empty)
	}
}

func TestXDGPaths(t *testing.T) {
	cfgHome := t.TempDir()
	dataHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfgHome)
	t.Setenv("XDG_DATA_HOME", dataHome)

	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir() failed: %v", err)
	}
	if dir != filepath.Join(cfgHome, "procflow") {
		t.Errorf("ConfigDir() = %q", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("ConfigDir() should create the directory: %v", err)
	}

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}
	if path != filepath.Join(cfgHome, "procflow", "config.yaml") {
		t.Errorf("ConfigPath() = %q", path)
	}

	data, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir() failed: %v", err)
	}
	if data != filepath.Join(dataHome, "procflow") {
		t.Errorf("DataDir() = %q", data)
	}

	cfg := Default()
	store, err := cfg.StorePath()
	if err != nil {
		t.Fatalf("StorePath() failed: %v", err)
	}
	if store != filepath.Join(dataHome, "procflow", "procflow.db") {
		t.Errorf("StorePath() = %q, want the data dir fallback", store)
	}

	cfg.Store.Path = "/var/lib/flow.db"
	store, err = cfg.StorePath()
	if err != nil {
		t.Fatalf("StorePath() failed: %v", err)
	}
	if store != "/var/lib/flow.db" {
		t.Errorf("StorePath() = %q, want the configured path", store)
	}
}
