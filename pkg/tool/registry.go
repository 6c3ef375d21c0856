// Package tool provides the contract registry the workflow engine invokes
// tools through.
//
// Tools are discrete functions that procedure steps and pipeline stages call.
// Each tool is described by a Contract (name, input schema, output shape,
// side-effect flag), and the engine only ever sees tools through the Registry
// interface: contracts feed validation, Invoke performs execution.
//
// The package ships three registries: an in-process MemoryRegistry (also
// loadable from a JSON catalog for offline validation), an MCP-backed
// registry that discovers tools from MCP servers, and a rate-limiting
// wrapper.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/procflow/procflow/pkg/errors"
)

// InvokeFunc executes a tool with resolved arguments.
type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

// Registry exposes the tool catalog to validators and executors.
type Registry interface {
	// Get retrieves the contract for a tool, reporting whether it exists
	Get(name string) (Contract, bool)

	// List returns all known contracts sorted by name
	List() []Contract

	// Invoke executes a tool with the given arguments
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// MemoryRegistry is an in-process Registry backed by a map.
type MemoryRegistry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
	invokers  map[string]InvokeFunc
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		contracts: make(map[string]Contract),
		invokers:  make(map[string]InvokeFunc),
	}
}

// Register adds a contract and its invoker to the registry.
// The invoker may be nil for contracts used only during validation and
// compilation; invoking such a tool fails.
// Returns an error if a tool with the same name is already registered.
func (r *MemoryRegistry) Register(c Contract, fn InvokeFunc) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contracts[c.Name]; exists {
		return fmt.Errorf("tool already registered: %s", c.Name)
	}

	r.contracts[c.Name] = c
	if fn != nil {
		r.invokers[c.Name] = fn
	}
	return nil
}

// Unregister removes a tool from the registry.
func (r *MemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contracts[name]; !exists {
		return &errors.NotFoundError{
			Resource: "tool",
			ID:       name,
		}
	}

	delete(r.contracts, name)
	delete(r.invokers, name)
	return nil
}

// Get retrieves the contract for a tool.
func (r *MemoryRegistry) Get(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.contracts[name]
	return c, ok
}

// Has reports whether a tool is registered.
func (r *MemoryRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all registered contracts sorted by name.
func (r *MemoryRegistry) List() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke executes a tool with the given arguments.
// Arguments the contract marks required must be present.
func (r *MemoryRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	c, ok := r.contracts[name]
	fn := r.invokers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &errors.NotFoundError{
			Resource: "tool",
			ID:       name,
		}
	}

	if err := checkRequiredArgs(c, args); err != nil {
		return nil, err
	}

	if fn == nil {
		return nil, &errors.ToolError{
			Tool:    name,
			Message: "no invoker registered (contracts-only catalog)",
		}
	}

	out, err := fn(ctx, args)
	if err != nil {
		return nil, &errors.ToolError{
			Tool:  name,
			Cause: err,
		}
	}
	return out, nil
}

// checkRequiredArgs verifies that every argument the contract marks required
// is present. Value checking is the validator's job; presence is enforced
// again here as the last line of defense before the tool runs.
func checkRequiredArgs(c Contract, args map[string]any) error {
	for _, req := range c.RequiredArgs() {
		if _, ok := args[req]; !ok {
			return &errors.ValidationError{
				Field:      req,
				Message:    fmt.Sprintf("required argument missing for tool %s", c.Name),
				Suggestion: "check the tool's input schema for required arguments",
			}
		}
	}
	return nil
}

// contractsFile is the on-disk catalog format accepted by LoadContractsFile.
type contractsFile struct {
	Tools []Contract `json:"tools"`
}

// LoadContractsFile builds a registry from a JSON catalog of tool contracts.
// Tools loaded this way carry no invoker, so the resulting registry serves
// validation and compilation only.
func LoadContractsFile(path string) (*MemoryRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contracts file: %w", err)
	}

	reg, err := ParseContracts(data)
	if err != nil {
		return nil, fmt.Errorf("invalid contracts file %s: %w", path, err)
	}
	return reg, nil
}

// ParseContracts builds a contracts-only registry from JSON catalog bytes.
// Both a bare array of contracts and a {"tools": [...]} document are
// accepted.
func ParseContracts(data []byte) (*MemoryRegistry, error) {
	trimmed := bytes.TrimSpace(data)

	var tools []Contract
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &tools); err != nil {
			return nil, fmt.Errorf("failed to parse contracts: %w", err)
		}
	} else {
		var file contractsFile
		if err := json.Unmarshal(trimmed, &file); err != nil {
			return nil, fmt.Errorf("failed to parse contracts: %w", err)
		}
		tools = file.Tools
	}

	reg := NewMemoryRegistry()
	for _, c := range tools {
		if err := reg.Register(c, nil); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
