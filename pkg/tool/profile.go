package tool

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Profile is a governance policy restricting which tools plans may invoke.
// A nil or zero profile allows everything.
type Profile struct {
	// Name identifies the profile (e.g., "default", "restricted")
	Name string `json:"name" yaml:"name"`

	// BlockedTools lists glob patterns of tools that may not be invoked.
	// Patterns use doublestar syntax ("send_*", "sharepoint.**").
	BlockedTools []string `json:"blocked_tools" yaml:"blocked_tools"`

	// RequireSideEffectConfirmation requires steps invoking side-effecting
	// tools to carry a literal confirm_side_effects: true argument.
	RequireSideEffectConfirmation bool `json:"require_side_effect_confirmation" yaml:"require_side_effect_confirmation"`
}

// Blocks reports whether the profile blocks a tool.
// Blocked patterns take precedence over everything else: a tool matching
// any blocked pattern is denied even if other policy would admit it.
func (p *Profile) Blocks(toolName string) bool {
	if p == nil {
		return false
	}

	for _, pattern := range p.BlockedTools {
		// Patterns may be written with or without a leading !
		check := strings.TrimPrefix(pattern, "!")

		if matchesToolPattern(toolName, check) {
			return true
		}
	}

	return false
}

// FilterAllowed returns the subset of contracts the profile does not block.
func (p *Profile) FilterAllowed(contracts []Contract) []Contract {
	if p == nil || len(p.BlockedTools) == 0 {
		return contracts
	}

	allowed := make([]Contract, 0, len(contracts))
	for _, c := range contracts {
		if !p.Blocks(c.Name) {
			allowed = append(allowed, c)
		}
	}

	return allowed
}

// matchesToolPattern checks if a tool name matches a pattern.
// Supports glob patterns like "send_*" or "sharepoint.**".
func matchesToolPattern(toolName, pattern string) bool {
	// Exact match
	if toolName == pattern {
		return true
	}

	// Glob pattern match
	matched, err := doublestar.Match(pattern, toolName)
	if err != nil {
		// Invalid pattern - treat as exact match
		return toolName == pattern
	}

	return matched
}
