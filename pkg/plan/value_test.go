package plan

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    Reference
		wantErr bool
	}{
		{
			name: "step output",
			text: "steps.search",
			want: Reference{Namespace: "steps", Name: "search"},
		},
		{
			name: "step field path",
			text: "steps.search.results",
			want: Reference{Namespace: "steps", Name: "search", FieldPath: "results"},
		},
		{
			name: "step indexed path",
			text: "steps.search.results[0].id",
			want: Reference{Namespace: "steps", Name: "search", FieldPath: "results[0].id"},
		},
		{
			name: "index directly on output",
			text: "steps.search[0]",
			want: Reference{Namespace: "steps", Name: "search", FieldPath: "[0]"},
		},
		{
			name: "parameter",
			text: "params.limit",
			want: Reference{Namespace: "params", Name: "limit"},
		},
		{
			name: "item",
			text: "item",
			want: Reference{Namespace: "item"},
		},
		{
			name: "item field",
			text: "item.title",
			want: Reference{Namespace: "item", FieldPath: "title"},
		},
		{
			name: "item index",
			text: "item_index",
			want: Reference{Namespace: "item_index"},
		},
		{
			name:    "empty",
			text:    "",
			wantErr: true,
		},
		{
			name:    "unknown namespace",
			text:    "outputs.x",
			wantErr: true,
		},
		{
			name:    "missing step name",
			text:    "steps.",
			wantErr: true,
		},
		{
			name:    "double dot",
			text:    "steps.x..y",
			wantErr: true,
		},
		{
			name:    "trailing dot",
			text:    "steps.x.",
			wantErr: true,
		},
		{
			name:    "item_index with field path",
			text:    "item_index.x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseReference(tt.text)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseReference(%q) error = %v, wantErr %v", tt.text, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseReference(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestReferenceString(t *testing.T) {
	for _, text := range []string{
		"steps.search",
		"steps.search.results[0].id",
		"params.limit",
		"item.title",
		"item_index",
	} {
		ref, err := ParseReference(text)
		if err != nil {
			t.Fatalf("ParseReference(%q): %v", text, err)
		}
		if got := ref.String(); got != text {
			t.Errorf("String() = %q, want %q", got, text)
		}
	}
}

func TestValueUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantKind ValueKind
		wantErr  bool
	}{
		{name: "string literal", input: `"hello"`, wantKind: ValueLiteral},
		{name: "number literal", input: `42`, wantKind: ValueLiteral},
		{name: "null literal", input: `null`, wantKind: ValueLiteral},
		{name: "object literal", input: `{"query": "x"}`, wantKind: ValueLiteral},
		{name: "array literal", input: `[1, 2, 3]`, wantKind: ValueLiteral},
		{name: "ref", input: `{"ref": "steps.search"}`, wantKind: ValueRef},
		{name: "template", input: `{"template": "{{ steps.search }}"}`, wantKind: ValueTemplate},
		{name: "ref and template", input: `{"ref": "steps.x", "template": "y"}`, wantErr: true},
		{name: "ref not a string", input: `{"ref": 42}`, wantErr: true},
		{name: "empty ref", input: `{"ref": ""}`, wantErr: true},
		{name: "template not a string", input: `{"template": 42}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			err := json.Unmarshal([]byte(tt.input), &v)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unmarshal %s: error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && v.Kind() != tt.wantKind {
				t.Errorf("Kind() = %q, want %q", v.Kind(), tt.wantKind)
			}
		})
	}
}

func TestValueMarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{name: "ref", value: NewRef("steps.search.results"), want: `{"ref":"steps.search.results"}`},
		{name: "template", value: NewTemplate("{{ params.tone }}"), want: `{"template":"{{ params.tone }}"}`},
		{name: "literal", value: NewLiteral(map[string]any{"limit": 5}), want: `{"limit":5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.value)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("marshal = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestScanTemplateRefs(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []Reference
	}{
		{
			name: "single step ref",
			text: "Summarize: {{ steps.search }}",
			want: []Reference{{Namespace: "steps", Name: "search"}},
		},
		{
			name: "field path keeps the step name",
			text: "{{ steps.search.results }}",
			want: []Reference{{Namespace: "steps", Name: "search"}},
		},
		{
			name: "param with filter",
			text: "{{ params.tone | upper }}",
			want: []Reference{{Namespace: "params", Name: "tone"}},
		},
		{
			name: "item and item_index",
			text: "{{ item.title }} ({{ item_index }})",
			want: []Reference{{Namespace: "item"}, {Namespace: "item_index"}},
		},
		{
			name: "multiple refs in one segment",
			text: "{{ steps.a + steps.b }}",
			want: []Reference{{Namespace: "steps", Name: "a"}, {Namespace: "steps", Name: "b"}},
		},
		{
			name: "text outside segments is not scanned",
			text: "steps.hidden {{ params.x }}",
			want: []Reference{{Namespace: "params", Name: "x"}},
		},
		{
			name: "no refs",
			text: "plain text",
			want: nil,
		},
		{
			name: "no segments",
			text: "mentioning steps.search outside braces",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScanTemplateRefs(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ScanTemplateRefs(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestContainsTemplate(t *testing.T) {
	if !ContainsTemplate("a {{ b }} c") {
		t.Error("expected template segment to be detected")
	}
	if ContainsTemplate("plain text") {
		t.Error("plain text should not count as a template")
	}
	if ContainsTemplate("unclosed {{ segment") {
		t.Error("unclosed segment should not count as a template")
	}
}
