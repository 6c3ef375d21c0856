package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfile_Blocks(t *testing.T) {
	tests := []struct {
		name     string
		profile  *Profile
		toolName string
		want     bool
	}{
		{
			name:     "nil profile blocks nothing",
			profile:  nil,
			toolName: "send_email",
			want:     false,
		},
		{
			name:     "empty profile blocks nothing",
			profile:  &Profile{Name: "default"},
			toolName: "send_email",
			want:     false,
		},
		{
			name: "exact match blocked",
			profile: &Profile{
				BlockedTools: []string{"send_email"},
			},
			toolName: "send_email",
			want:     true,
		},
		{
			name: "blocked with ! prefix",
			profile: &Profile{
				BlockedTools: []string{"!send_email"},
			},
			toolName: "send_email",
			want:     true,
		},
		{
			name: "wildcard pattern blocked",
			profile: &Profile{
				BlockedTools: []string{"send_*"},
			},
			toolName: "send_email",
			want:     true,
		},
		{
			name: "wildcard mismatch not blocked",
			profile: &Profile{
				BlockedTools: []string{"send_*"},
			},
			toolName: "search_assets",
			want:     false,
		},
		{
			name: "namespaced wildcard blocked",
			profile: &Profile{
				BlockedTools: []string{"sharepoint.*"},
			},
			toolName: "sharepoint.upload",
			want:     true,
		},
		{
			name: "block everything",
			profile: &Profile{
				BlockedTools: []string{"*"},
			},
			toolName: "anything",
			want:     true,
		},
		{
			name: "invalid pattern falls back to exact match",
			profile: &Profile{
				BlockedTools: []string{"send_[email"},
			},
			toolName: "send_[email",
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.Blocks(tt.toolName))
		})
	}
}

func TestProfile_FilterAllowed(t *testing.T) {
	contracts := []Contract{
		{Name: "search_assets"},
		{Name: "send_email", SideEffects: true},
		{Name: "sharepoint.upload", SideEffects: true},
	}

	tests := []struct {
		name    string
		profile *Profile
		want    []string
	}{
		{
			name:    "nil profile keeps all",
			profile: nil,
			want:    []string{"search_assets", "send_email", "sharepoint.upload"},
		},
		{
			name: "blocked pattern filtered out",
			profile: &Profile{
				BlockedTools: []string{"send_*", "sharepoint.*"},
			},
			want: []string{"search_assets"},
		},
		{
			name: "block everything",
			profile: &Profile{
				BlockedTools: []string{"*"},
			},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.profile.FilterAllowed(contracts)
			names := make([]string, 0, len(got))
			for _, c := range got {
				names = append(names, c.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestMatchesToolPattern(t *testing.T) {
	tests := []struct {
		name     string
		toolName string
		pattern  string
		expected bool
	}{
		{
			name:     "exact match",
			toolName: "search_assets",
			pattern:  "search_assets",
			expected: true,
		},
		{
			name:     "exact match fails",
			toolName: "search_assets",
			pattern:  "send_email",
			expected: false,
		},
		{
			name:     "wildcard suffix",
			toolName: "send_email",
			pattern:  "send_*",
			expected: true,
		},
		{
			name:     "wildcard all",
			toolName: "anything",
			pattern:  "*",
			expected: true,
		},
		{
			name:     "namespace wildcard",
			toolName: "sharepoint.upload",
			pattern:  "sharepoint.*",
			expected: true,
		},
		{
			name:     "double wildcard",
			toolName: "mcp.github.create_issue",
			pattern:  "mcp.**",
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchesToolPattern(tt.toolName, tt.pattern))
		})
	}
}
