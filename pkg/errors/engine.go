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

package errors

import "fmt"

// ResolveError represents a runtime reference resolution failure.
// A plan that passed static validation should never produce one; when it
// does, the run fails regardless of on_error and the error is logged as a
// defect signal.
type ResolveError struct {
	// Namespace is the reference namespace (steps, params, item, item_index)
	Namespace string

	// Name is the entity the reference names
	Name string

	// FieldPath is the dotted path into the entity's output, if any
	FieldPath string

	// Reason explains why resolution failed
	Reason string
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	ref := e.Namespace
	if e.Name != "" {
		ref = ref + "." + e.Name
	}
	if e.FieldPath != "" {
		ref = ref + "." + e.FieldPath
	}
	return fmt.Sprintf("cannot resolve %s: %s", ref, e.Reason)
}

// ErrorType identifies the error category for classification.
func (e *ResolveError) ErrorType() string { return "resolve" }

// IsRetryable reports whether retrying could succeed.
func (e *ResolveError) IsRetryable() bool { return false }

// TemplateError represents a template evaluation failure.
type TemplateError struct {
	// Expr is the template expression that failed
	Expr string

	// Cause is the evaluator's error
	Cause error
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %v", e.Expr, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TemplateError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category for classification.
func (e *TemplateError) ErrorType() string { return "template" }

// IsRetryable reports whether retrying could succeed.
func (e *TemplateError) IsRetryable() bool { return false }

// CompileError represents a compiler defect surfaced while transforming a
// validated plan. It is an internal error class: callers report it, they
// never retry or repair it.
type CompileError struct {
	// Path locates the plan element the compiler choked on
	Path string

	// Reason explains the defect
	Reason string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("internal compile error at %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("internal compile error: %s", e.Reason)
}

// ErrorType identifies the error category for classification.
func (e *CompileError) ErrorType() string { return "compile" }

// IsRetryable reports whether retrying could succeed.
func (e *CompileError) IsRetryable() bool { return false }

// CheckpointError represents a failed durable checkpoint write during
// pipeline execution. Previously persisted item state is untouched; the run
// can be resumed from the last durable checkpoint.
type CheckpointError struct {
	// RunID is the pipeline run whose checkpoint failed
	RunID string

	// Stage is the stage being checkpointed
	Stage string

	// Cause is the storage error
	Cause error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint for run %s at stage %s failed: %v", e.RunID, e.Stage, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CheckpointError) Unwrap() error {
	return e.Cause
}

// ErrorType identifies the error category for classification.
func (e *CheckpointError) ErrorType() string { return "checkpoint" }

// IsRetryable reports whether retrying could succeed.
func (e *CheckpointError) IsRetryable() bool { return true }
