package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ValueKind discriminates the three forms a plan value can take.
type ValueKind string

const (
	// ValueLiteral is a plain JSON value passed through unchanged.
	ValueLiteral ValueKind = "literal"

	// ValueRef is a structured reference such as steps.search.results.
	ValueRef ValueKind = "ref"

	// ValueTemplate is an opaque string with {{ }} expressions.
	ValueTemplate ValueKind = "template"
)

// Value is one plan argument: a literal, a structured reference, or a
// template string. The document encodings are the literal itself,
// {"ref": "namespace.name.field"}, and {"template": "..."}.
type Value struct {
	kind     ValueKind
	literal  any
	ref      string
	template string
}

// NewLiteral wraps a plain value.
func NewLiteral(v any) Value {
	return Value{kind: ValueLiteral, literal: v}
}

// NewRef wraps reference text such as "steps.search.results".
func NewRef(ref string) Value {
	return Value{kind: ValueRef, ref: ref}
}

// NewTemplate wraps a template string.
func NewTemplate(tmpl string) Value {
	return Value{kind: ValueTemplate, template: tmpl}
}

// Kind reports which form the value takes. The zero Value is a nil
// literal.
func (v Value) Kind() ValueKind {
	if v.kind == "" {
		return ValueLiteral
	}
	return v.kind
}

// Literal returns the wrapped literal, or nil for refs and templates.
func (v Value) Literal() any { return v.literal }

// Ref returns the raw reference text, or "" for other kinds.
func (v Value) Ref() string { return v.ref }

// Template returns the raw template string, or "" for other kinds.
func (v Value) Template() string { return v.template }

// UnmarshalJSON decodes a document value. An object carrying a "ref" or
// "template" key is the structured form; everything else is a literal.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		_, hasRef := obj["ref"]
		_, hasTemplate := obj["template"]
		if hasRef && hasTemplate {
			return fmt.Errorf("value cannot carry both ref and template")
		}
		if hasRef {
			var ref string
			if err := json.Unmarshal(obj["ref"], &ref); err != nil {
				return fmt.Errorf("ref must be a string")
			}
			if ref == "" {
				return fmt.Errorf("ref must not be empty")
			}
			*v = Value{kind: ValueRef, ref: ref}
			return nil
		}
		if hasTemplate {
			var tmpl string
			if err := json.Unmarshal(obj["template"], &tmpl); err != nil {
				return fmt.Errorf("template must be a string")
			}
			*v = Value{kind: ValueTemplate, template: tmpl}
			return nil
		}
	}
	var lit any
	if err := json.Unmarshal(data, &lit); err != nil {
		return err
	}
	*v = Value{kind: ValueLiteral, literal: lit}
	return nil
}

// MarshalJSON encodes the value back into its document form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind() {
	case ValueRef:
		return json.Marshal(map[string]string{"ref": v.ref})
	case ValueTemplate:
		return json.Marshal(map[string]string{"template": v.template})
	default:
		return json.Marshal(v.literal)
	}
}

// Reference namespaces.
const (
	NamespaceSteps     = "steps"
	NamespaceParams    = "params"
	NamespaceItem      = "item"
	NamespaceItemIndex = "item_index"
)

// Reference is a parsed structured pointer into the binding environment.
// FieldPath is the raw dotted/bracket tail ("results[0].id") the resolver
// walks at run time; it is empty when the reference names the whole
// entity. Name is empty for the item and item_index namespaces.
type Reference struct {
	Namespace string
	Name      string
	FieldPath string
}

// String reassembles the reference in its document form.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Namespace)
	if r.Name != "" {
		b.WriteString(".")
		b.WriteString(r.Name)
	}
	if r.FieldPath != "" {
		if !strings.HasPrefix(r.FieldPath, "[") {
			b.WriteString(".")
		}
		b.WriteString(r.FieldPath)
	}
	return b.String()
}

// ParseReference parses reference text such as "steps.search.results[0]",
// "params.limit", "item.title", or "item_index".
func ParseReference(text string) (Reference, error) {
	if text == "" {
		return Reference{}, fmt.Errorf("empty reference")
	}
	head, rest, _ := strings.Cut(text, ".")
	switch head {
	case NamespaceSteps, NamespaceParams:
		i := 0
		for i < len(rest) && isIdentChar(rest[i]) {
			i++
		}
		name := rest[:i]
		if name == "" {
			return Reference{}, fmt.Errorf("reference %q is missing a name after %s.", text, head)
		}
		path := rest[i:]
		switch {
		case path == "":
		case path[0] == '.':
			path = path[1:]
			if path == "" || path[0] == '.' {
				return Reference{}, fmt.Errorf("reference %q has a malformed field path", text)
			}
		case path[0] == '[':
		default:
			return Reference{}, fmt.Errorf("reference %q has a malformed field path", text)
		}
		return Reference{Namespace: head, Name: name, FieldPath: path}, nil
	case NamespaceItem:
		if strings.HasPrefix(rest, ".") {
			return Reference{}, fmt.Errorf("reference %q has a malformed field path", text)
		}
		return Reference{Namespace: NamespaceItem, FieldPath: rest}, nil
	case NamespaceItemIndex:
		if rest != "" {
			return Reference{}, fmt.Errorf("item_index takes no field path")
		}
		return Reference{Namespace: NamespaceItemIndex}, nil
	default:
		return Reference{}, fmt.Errorf("unknown reference namespace %q (want steps, params, item, or item_index)", head)
	}
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

var (
	templateSegmentRe = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)
	templateRefRe     = regexp.MustCompile(`\b(?:(steps|params)\.([A-Za-z_][A-Za-z0-9_]*)|(item_index|item))\b`)
)

// ContainsTemplate reports whether s carries at least one {{ }} segment.
func ContainsTemplate(s string) bool {
	return templateSegmentRe.MatchString(s)
}

// ScanTemplateRefs extracts the binding references named inside the {{ }}
// segments of a template string. The scan is lexical: it recognizes
// steps.<name>, params.<name>, item, and item_index tokens without
// parsing the surrounding expression, so references embedded in template
// text get the same integrity checks as structured ones.
func ScanTemplateRefs(s string) []Reference {
	var refs []Reference
	for _, seg := range templateSegmentRe.FindAllStringSubmatch(s, -1) {
		for _, m := range templateRefRe.FindAllStringSubmatch(seg[1], -1) {
			switch {
			case m[1] != "":
				refs = append(refs, Reference{Namespace: m[1], Name: m[2]})
			case m[3] != "":
				refs = append(refs, Reference{Namespace: m[3]})
			}
		}
	}
	return refs
}
