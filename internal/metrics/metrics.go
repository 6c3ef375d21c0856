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

// Package metrics exposes Prometheus instrumentation for procedure runs,
// pipeline runs, and tool invocations. Metrics are registered on the
// default registry at package load; callers record through the exported
// helpers and never touch collectors directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsStarted tracks procedure runs entering the running state
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procflow_runs_started_total",
			Help: "Total procedure runs started, by procedure",
		},
		[]string{"procedure"},
	)

	// runsFinished tracks procedure runs reaching a terminal state
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procflow_runs_finished_total",
			Help: "Total procedure runs finished, by procedure and terminal status",
		},
		[]string{"procedure", "status"},
	)

	// runDuration tracks wall-clock run duration
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procflow_run_duration_seconds",
			Help:    "Procedure run duration in seconds, by procedure and terminal status",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"procedure", "status"},
	)

	// stepsExecuted tracks step outcomes across all runs
	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procflow_steps_total",
			Help: "Total procedure steps finished, by tool and outcome status",
		},
		[]string{"tool", "status"},
	)

	// stepDuration tracks per-step duration
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procflow_step_duration_seconds",
			Help:    "Procedure step duration in seconds, by tool",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"tool"},
	)

	// toolInvocations tracks registry invocations, including pipeline stages
	toolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procflow_tool_invocations_total",
			Help: "Total tool registry invocations, by tool and result",
		},
		[]string{"tool", "result"},
	)

	// pipelineItems tracks per-stage item dispositions
	pipelineItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procflow_pipeline_items_total",
			Help: "Total pipeline items processed, by pipeline, stage and status",
		},
		[]string{"pipeline", "stage", "status"},
	)

	// pipelineRunsFinished tracks pipeline runs reaching a terminal state
	pipelineRunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procflow_pipeline_runs_finished_total",
			Help: "Total pipeline runs finished, by pipeline and terminal status",
		},
		[]string{"pipeline", "status"},
	)

	// checkpoints tracks durable checkpoint writes
	checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procflow_checkpoints_total",
			Help: "Total pipeline checkpoint writes, by pipeline and result",
		},
		[]string{"pipeline", "result"},
	)

	// checkpointDuration tracks checkpoint write latency
	checkpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "procflow_checkpoint_duration_seconds",
			Help:    "Pipeline checkpoint write duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

// RecordRunStarted increments the started-run counter.
func RecordRunStarted(procedure string) {
	runsStarted.WithLabelValues(procedure).Inc()
}

// RecordRunFinished records a terminal run status and its duration.
func RecordRunFinished(procedure, status string, d time.Duration) {
	runsFinished.WithLabelValues(procedure, status).Inc()
	runDuration.WithLabelValues(procedure, status).Observe(d.Seconds())
}

// RecordStep records a finished step outcome and its duration.
func RecordStep(tool, status string, d time.Duration) {
	stepsExecuted.WithLabelValues(tool, status).Inc()
	stepDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordToolInvocation records a registry invocation result.
func RecordToolInvocation(tool string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	toolInvocations.WithLabelValues(tool, result).Inc()
}

// RecordPipelineItems adds n items with the given disposition for a stage.
func RecordPipelineItems(pipeline, stage, status string, n int) {
	if n <= 0 {
		return
	}
	pipelineItems.WithLabelValues(pipeline, stage, status).Add(float64(n))
}

// RecordPipelineRunFinished records a terminal pipeline run status.
func RecordPipelineRunFinished(pipeline, status string) {
	pipelineRunsFinished.WithLabelValues(pipeline, status).Inc()
}

// RecordCheckpoint records a checkpoint write and its latency.
func RecordCheckpoint(pipeline string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpoints.WithLabelValues(pipeline, result).Inc()
	checkpointDuration.Observe(d.Seconds())
}
