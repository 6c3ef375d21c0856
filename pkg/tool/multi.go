package tool

import (
	"context"
	"sort"

	"github.com/procflow/procflow/pkg/errors"
)

// MultiRegistry unions several registries behind the Registry interface.
// Lookups consult sources in order, so earlier sources win on name
// collisions. Invocations route to the source that owns the contract.
//
// The CLI uses this to combine an offline contracts catalog with live
// MCP-discovered tools.
type MultiRegistry struct {
	sources []Registry
}

// NewMultiRegistry creates a registry over the given sources in
// precedence order. Nil sources are skipped.
func NewMultiRegistry(sources ...Registry) *MultiRegistry {
	m := &MultiRegistry{}
	for _, s := range sources {
		if s != nil {
			m.sources = append(m.sources, s)
		}
	}
	return m
}

// Get retrieves the contract from the first source that knows the tool.
func (m *MultiRegistry) Get(name string) (Contract, bool) {
	for _, s := range m.sources {
		if c, ok := s.Get(name); ok {
			return c, true
		}
	}
	return Contract{}, false
}

// List returns the merged catalog sorted by name. When two sources
// declare the same tool, the earlier source's contract is kept.
func (m *MultiRegistry) List() []Contract {
	seen := make(map[string]bool)
	var out []Contract
	for _, s := range m.sources {
		for _, c := range s.List() {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke executes the tool via the first source that owns its contract.
func (m *MultiRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	for _, s := range m.sources {
		if _, ok := s.Get(name); ok {
			return s.Invoke(ctx, name, args)
		}
	}
	return nil, &errors.NotFoundError{Resource: "tool", ID: name}
}
