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

// Package observability assembles the OpenTelemetry tracing pipeline:
// exporters, sampling, resource identity, and shutdown. Engine packages
// only ever see a trace.Tracer; a disabled provider hands out no-op
// tracers so call sites need no nil checks.
package observability

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultBatchSize is the maximum number of spans per export batch.
	DefaultBatchSize = 512

	// DefaultBatchInterval is how often buffered spans are flushed.
	DefaultBatchInterval = 5 * time.Second
)

// Config holds tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded and exported.
	Enabled bool

	// ServiceName identifies this process in traces.
	ServiceName string

	// ServiceVersion is the application version attached to the trace
	// resource.
	ServiceVersion string

	// Sampling configures head sampling.
	Sampling SamplingConfig

	// Exporters lists export destinations. An enabled provider with
	// none configured exports to the console.
	Exporters []ExporterConfig

	// BatchSize caps spans per export batch (default 512).
	BatchSize int

	// BatchInterval is how often to flush buffered spans (default 5s).
	BatchInterval time.Duration
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates rate-based sampling. Disabled records every
	// trace.
	Enabled bool

	// Rate is the fraction of traces to sample, 0.0 through 1.0.
	Rate float64
}

// Exporter types understood by NewProvider.
const (
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
	ExporterConsole  = "console"
)

// ExporterConfig defines one export destination.
type ExporterConfig struct {
	// Type selects the exporter: otlp, otlp-http, or console.
	Type string

	// Endpoint is the collector address, host:port for otlp and the
	// base host for otlp-http.
	Endpoint string

	// Insecure disables TLS. Development only.
	Insecure bool

	// CACert is a path to a PEM bundle for server verification,
	// replacing the system pool.
	CACert string

	// Headers are sent with every export request, typically for
	// authentication.
	Headers map[string]string

	// PrettyPrint formats console output for humans.
	PrettyPrint bool

	// Writer overrides the console destination, default stdout.
	Writer io.Writer
}

// Provider owns the SDK tracer provider and its exporters.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewProvider builds a tracing provider from configuration and installs
// it as the process global. A disabled config yields a provider whose
// tracers record nothing and whose shutdown does nothing, so callers
// handle both modes identically.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	// Empty schema URL so merging with the default resource never
	// conflicts across semconv versions.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.Sampling)),
	}

	exporters := cfg.Exporters
	if len(exporters) == 0 {
		exporters = []ExporterConfig{{Type: ExporterConsole, PrettyPrint: true}}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = DefaultBatchInterval
	}
	for i, ec := range exporters {
		exp, err := newExporter(ctx, ec)
		if err != nil {
			return nil, fmt.Errorf("exporter %d: %w", i, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(batchSize),
			sdktrace.WithBatchTimeout(interval),
		))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

// Tracer returns a tracer for the given instrumentation scope.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil || p.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// ForceFlush exports all buffered spans synchronously.
func (p *Provider) ForceFlush(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// newSampler maps sampling config onto an SDK sampler. Children follow
// their parent's decision so a run's stage spans never tear apart.
func newSampler(cfg SamplingConfig) sdktrace.Sampler {
	if !cfg.Enabled || cfg.Rate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	if cfg.Rate <= 0.0 {
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Rate))
}
