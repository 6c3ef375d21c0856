package procedure

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/procflow/procflow/pkg/errors"
)

var segmentRe = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

// renderTemplate evaluates a template string's {{ }} segments against
// the environment. A template that is one segment and nothing else
// returns the segment's raw value, so {"template": "{{ steps.search }}"}
// preserves the list a search step produced. Anything with surrounding
// text interpolates segment results into a string.
func (r *Resolver) renderTemplate(tmpl string, env *Environment) (any, error) {
	matches := segmentRe.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return tmpl, nil
	}

	if len(matches) == 1 {
		m := matches[0]
		if strings.TrimSpace(tmpl[:m[0]]) == "" && strings.TrimSpace(tmpl[m[1]:]) == "" {
			return r.evalSegment(tmpl[m[2]:m[3]], env)
		}
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(tmpl[last:m[0]])
		v, err := r.evalSegment(tmpl[m[2]:m[3]], env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

func (r *Resolver) evalSegment(expr string, env *Environment) (any, error) {
	v, err := r.eval.Evaluate(expr, env)
	if err != nil {
		var rerr *errors.ResolveError
		if errors.As(err, &rerr) {
			return nil, err
		}
		return nil, &errors.TemplateError{
			Expr:  strings.TrimSpace(expr),
			Cause: err,
		}
	}
	return v, nil
}

// stringify renders a segment value for interpolation: strings pass
// through, nil becomes empty, scalars print naturally, and structured
// values fall back to JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
