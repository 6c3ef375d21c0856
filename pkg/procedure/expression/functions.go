package expression

import (
	"encoding/json"
	"fmt"
	"html"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Guards against templates amplifying tool outputs into unbounded
// strings or scans.
const (
	maxJSONSize = 1 << 20
	maxArrayLen = 10000
)

// filterFuncs is the catalog of filter functions available inside
// template expressions.
var filterFuncs = map[string]func(args ...any) (any, error){
	"length":           lengthFunc,
	"compact":          compactFunc,
	"first":            firstFunc,
	"last":             lastFunc,
	"join":             joinFunc,
	"default":          defaultFunc,
	"keys":             keysFunc,
	"values":           valuesFunc,
	"to_json":          toJSONFunc,
	"from_json":        fromJSONFunc,
	"markdown_to_html": markdownFunc,
	"upper":            upperFunc,
	"lower":            lowerFunc,
	"trim":             trimFunc,
}

// lengthFunc returns the element count of a list or map, or the byte
// length of a string. nil has length 0.
func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length takes 1 argument, got %d", len(args))
	}
	switch t := args[0].(type) {
	case nil:
		return 0, nil
	case string:
		return len(t), nil
	case []any:
		return len(t), nil
	case map[string]any:
		return len(t), nil
	}
	rv := reflect.ValueOf(args[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("length does not apply to %T", args[0])
}

// compactFunc drops nil and empty-string entries from a list. A nil
// list compacts to an empty one, which is what makes references to
// skipped steps usable in later templates.
func compactFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("compact takes 1 argument, got %d", len(args))
	}
	list, err := toList("compact", args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(list))
	for _, v := range list {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func firstFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("first takes 1 argument, got %d", len(args))
	}
	list, err := toList("first", args[0])
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func lastFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("last takes 1 argument, got %d", len(args))
	}
	list, err := toList("last", args[0])
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

// joinFunc concatenates the stringified elements of a list with a
// separator.
func joinFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("join takes 2 arguments, got %d", len(args))
	}
	list, err := toList("join", args[0])
	if err != nil {
		return nil, err
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("join separator must be a string, got %T", args[1])
	}
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = toString(v)
	}
	return strings.Join(parts, sep), nil
}

// defaultFunc substitutes a fallback for nil or empty-string values.
func defaultFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("default takes 2 arguments, got %d", len(args))
	}
	switch t := args[0].(type) {
	case nil:
		return args[1], nil
	case string:
		if t == "" {
			return args[1], nil
		}
	}
	return args[0], nil
}

// keysFunc returns a map's keys in sorted order.
func keysFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("keys takes 1 argument, got %d", len(args))
	}
	m, err := toMap("keys", args[0])
	if err != nil {
		return nil, err
	}
	names := sortedKeys(m)
	out := make([]any, len(names))
	for i, k := range names {
		out[i] = k
	}
	return out, nil
}

// valuesFunc returns a map's values ordered by sorted key.
func valuesFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("values takes 1 argument, got %d", len(args))
	}
	m, err := toMap("values", args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, m[k])
	}
	return out, nil
}

func toJSONFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("to_json takes 1 argument, got %d", len(args))
	}
	data, err := json.Marshal(args[0])
	if err != nil {
		return nil, fmt.Errorf("to_json: %w", err)
	}
	return string(data), nil
}

func fromJSONFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("from_json takes 1 argument, got %d", len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("from_json takes a string, got %T", args[0])
	}
	if len(s) > maxJSONSize {
		return nil, fmt.Errorf("from_json input exceeds %d bytes", maxJSONSize)
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("from_json: %w", err)
	}
	return v, nil
}

func markdownFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("markdown_to_html takes 1 argument, got %d", len(args))
	}
	return markdownToHTML(toString(args[0])), nil
}

func upperFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("upper takes 1 argument, got %d", len(args))
	}
	return strings.ToUpper(toString(args[0])), nil
}

func lowerFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lower takes 1 argument, got %d", len(args))
	}
	return strings.ToLower(toString(args[0])), nil
}

func trimFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("trim takes 1 argument, got %d", len(args))
	}
	return strings.TrimSpace(toString(args[0])), nil
}

// toList coerces a value to []any. nil coerces to an empty list so a
// skipped step's output flows through list filters without erroring.
func toList(fn string, v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		if len(t) > maxArrayLen {
			return nil, fmt.Errorf("%s: list exceeds %d elements", fn, maxArrayLen)
		}
		return t, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%s takes a list, got %T", fn, v)
	}
	if rv.Len() > maxArrayLen {
		return nil, fmt.Errorf("%s: list exceeds %d elements", fn, maxArrayLen)
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toMap(fn string, v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	}
	return nil, fmt.Errorf("%s takes an object, got %T", fn, v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toString renders a value the way template interpolation does: strings
// pass through, nil becomes empty, scalars print naturally, and
// anything structured falls back to JSON.
func toString(v any) string {
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

var (
	inlineCodeRe   = regexp.MustCompile("`([^`]+)`")
	inlineBoldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	inlineItalicRe = regexp.MustCompile(`\*([^*]+)\*`)
	inlineLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// markdownToHTML converts the small markdown subset tool outputs use:
// headings, paragraphs, unordered lists, bold, italic, inline code,
// and links. Input text is HTML-escaped before conversion.
func markdownToHTML(s string) string {
	var b strings.Builder
	var para []string
	inList := false

	flushPara := func() {
		if len(para) == 0 {
			return
		}
		b.WriteString("<p>")
		b.WriteString(inlineMarkdown(strings.Join(para, " ")))
		b.WriteString("</p>\n")
		para = nil
	}
	closeList := func() {
		if inList {
			b.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flushPara()
			closeList()
		case strings.HasPrefix(trimmed, "#"):
			flushPara()
			closeList()
			level := 0
			for level < len(trimmed) && level < 6 && trimmed[level] == '#' {
				level++
			}
			text := strings.TrimSpace(trimmed[level:])
			fmt.Fprintf(&b, "<h%d>%s</h%d>\n", level, inlineMarkdown(text), level)
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flushPara()
			if !inList {
				b.WriteString("<ul>\n")
				inList = true
			}
			fmt.Fprintf(&b, "<li>%s</li>\n", inlineMarkdown(strings.TrimSpace(trimmed[2:])))
		default:
			closeList()
			para = append(para, trimmed)
		}
	}
	flushPara()
	closeList()
	return strings.TrimSuffix(b.String(), "\n")
}

func inlineMarkdown(s string) string {
	s = html.EscapeString(s)
	s = inlineCodeRe.ReplaceAllString(s, "<code>$1</code>")
	s = inlineBoldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = inlineItalicRe.ReplaceAllString(s, "<em>$1</em>")
	s = inlineLinkRe.ReplaceAllString(s, `<a href="$2">$1</a>`)
	return s
}
