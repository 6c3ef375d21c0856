// Package truncate bounds tool outputs before they are persisted.
//
// Bound values are views for storage and inspection, not for execution:
// the executor always binds the full output into the run environment and
// only the persisted copy passes through here. The tool contract's
// payload_profile selects the bound:
//
//   - full: the value unchanged
//   - summary: structure preserved, long strings and lists capped
//   - thin: only identifiers and counts survive
package truncate

import (
	"sort"
	"strings"

	"github.com/procflow/procflow/pkg/tool"
)

const (
	// summaryMaxString is the longest string retained under summary.
	summaryMaxString = 2048

	// summaryMaxItems is the longest list retained under summary.
	summaryMaxItems = 20

	// thinMaxIDs is the longest identifier list retained under thin.
	thinMaxIDs = 50

	// thinMaxString caps identifier strings under thin.
	thinMaxString = 128
)

// identifierKeys are the map keys the thin profile considers identifying.
// Keys ending in "_id" qualify as well.
var identifierKeys = map[string]bool{
	"id":      true,
	"name":    true,
	"slug":    true,
	"title":   true,
	"status":  true,
	"type":    true,
	"version": true,
}

// Payload returns a bounded copy of v according to the payload profile.
// The input is never mutated. Unknown profiles behave like full.
func Payload(v any, profile tool.PayloadProfile) any {
	switch profile {
	case tool.PayloadThin:
		return thin(v)
	case tool.PayloadSummary:
		return summary(v)
	default:
		return v
	}
}

// summary keeps the value's shape while capping strings and lists.
func summary(v any) any {
	switch val := v.(type) {
	case string:
		return capString(val, summaryMaxString)
	case []any:
		n := len(val)
		if n > summaryMaxItems {
			n = summaryMaxItems
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = summary(val[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = summary(item)
		}
		return out
	default:
		return v
	}
}

// thin reduces the value to identifiers and counts.
func thin(v any) any {
	switch val := v.(type) {
	case string:
		return capString(val, thinMaxString)
	case []any:
		out := map[string]any{"count": len(val)}
		ids := collectIDs(val)
		if len(ids) > 0 {
			out["ids"] = ids
		}
		return out
	case map[string]any:
		out := make(map[string]any)
		for _, k := range sortedKeys(val) {
			item := val[k]
			switch inner := item.(type) {
			case []any:
				out[k+"_count"] = len(inner)
			case map[string]any:
				out[k+"_count"] = len(inner)
			case string:
				if isIdentifierKey(k) {
					out[k] = capString(inner, thinMaxString)
				}
			default:
				if isIdentifierKey(k) {
					out[k] = item
				}
			}
		}
		return out
	default:
		return v
	}
}

// collectIDs extracts the id field from up to thinMaxIDs list elements.
func collectIDs(list []any) []any {
	var ids []any
	for _, elem := range list {
		if len(ids) == thinMaxIDs {
			break
		}
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := m["id"]; ok {
			switch id.(type) {
			case map[string]any, []any:
			default:
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func isIdentifierKey(k string) bool {
	return identifierKeys[k] || strings.HasSuffix(k, "_id")
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
