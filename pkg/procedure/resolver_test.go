package procedure

import (
	"reflect"
	"strings"
	"testing"

	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure/expression"
)

func newTestResolver() *Resolver {
	return NewResolver(TemplateEvaluator(expression.New()))
}

func TestEnvironmentScoping(t *testing.T) {
	root := NewEnvironment(map[string]any{"limit": 5})
	root.BindStep("gather", []any{"a", "b"})

	child := root.Child()
	child.BindStep("inner", "x")

	if v, ok := child.Step("gather"); !ok || !reflect.DeepEqual(v, []any{"a", "b"}) {
		t.Errorf("child sees parent binding = %v %v", v, ok)
	}
	if _, ok := root.Step("inner"); ok {
		t.Error("parent sees child binding")
	}
	if v, ok := child.Param("limit"); !ok || v != 5 {
		t.Errorf("param through child = %v %v", v, ok)
	}
	if _, ok := child.Param("unknown"); ok {
		t.Error("undeclared param reported as bound")
	}
}

func TestEnvironmentSkipMarkers(t *testing.T) {
	root := NewEnvironment(nil)
	root.BindStep("gather", "data")

	child := root.Child()
	child.MarkSkipped("gather")

	// The nearest marker wins: inside the child the step reads as
	// skipped, outside it stays bound.
	if v, ok := child.Step("gather"); !ok || v != nil {
		t.Errorf("skipped step = %v %v, want nil true", v, ok)
	}
	if !child.Skipped("gather") {
		t.Error("child.Skipped = false")
	}
	if root.Skipped("gather") {
		t.Error("skip marker leaked to parent")
	}

	// Rebinding in the same frame clears the marker.
	child.BindStep("gather", "late")
	if child.Skipped("gather") {
		t.Error("rebound step still skipped")
	}
}

func TestEnvironmentItemFrames(t *testing.T) {
	root := NewEnvironment(nil)
	iter := root.ChildWithItem(map[string]any{"id": "d1"}, 2)
	nested := iter.Child()

	if _, ok := root.Item(); ok {
		t.Error("item bound outside an iteration frame")
	}
	item, ok := nested.Item()
	if !ok || !reflect.DeepEqual(item, map[string]any{"id": "d1"}) {
		t.Errorf("item through nested frame = %v %v", item, ok)
	}
	if idx, ok := nested.ItemIndex(); !ok || idx != 2 {
		t.Errorf("item_index = %d %v, want 2 true", idx, ok)
	}
}

func TestEnvironmentSnapshot(t *testing.T) {
	root := NewEnvironment(map[string]any{"limit": 5})
	root.BindStep("gather", "parent")
	root.MarkSkipped("optional")

	iter := root.ChildWithItem("doc1", 0)
	iter.BindStep("gather", "shadow")

	snap := iter.Snapshot()
	steps, ok := snap["steps"].(map[string]any)
	if !ok {
		t.Fatalf("snapshot steps = %T", snap["steps"])
	}
	if steps["gather"] != "shadow" {
		t.Errorf("leaf binding did not win: %v", steps["gather"])
	}
	if v, present := steps["optional"]; !present || v != nil {
		t.Errorf("skipped step = %v (present %v), want nil entry", v, present)
	}
	if snap["item"] != "doc1" || snap["item_index"] != 0 {
		t.Errorf("item vars = %v/%v", snap["item"], snap["item_index"])
	}

	if _, present := root.Snapshot()["item"]; present {
		t.Error("root snapshot carries item")
	}
}

func TestResolveLiterals(t *testing.T) {
	r := newTestResolver()
	env := NewEnvironment(map[string]any{"name": "ada"})
	env.BindStep("count", 3)

	tests := []struct {
		name string
		in   plan.Value
		want any
	}{
		{"scalar", plan.NewLiteral(42), 42},
		{"plain string", plan.NewLiteral("no placeholders"), "no placeholders"},
		{"string with template", plan.NewLiteral("hi {{ params.name }}"), "hi ada"},
		{
			"nested map",
			plan.NewLiteral(map[string]any{"greeting": "hi {{ params.name }}", "n": 1}),
			map[string]any{"greeting": "hi ada", "n": 1},
		},
		{
			"nested list",
			plan.NewLiteral([]any{"{{ steps.count }}", "x"}),
			[]any{3, "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.in, env)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestResolveReferences(t *testing.T) {
	r := newTestResolver()
	env := NewEnvironment(map[string]any{"recipient": "ops@example.com"})
	env.BindStep("search", map[string]any{
		"results": []any{
			map[string]any{"id": "d1", "score": 0.9},
			map[string]any{"id": "d2"},
		},
		"total": 2,
	})
	env.MarkSkipped("optional")

	tests := []struct {
		name string
		ref  string
		want any
	}{
		{"whole step", "steps.search.total", 2},
		{"field path with index", "steps.search.results[0].id", "d1"},
		{"missing key yields nil", "steps.search.missing", nil},
		{"nil mid path yields nil", "steps.search.missing.deeper", nil},
		{"index out of range yields nil", "steps.search.results[9]", nil},
		{"param", "params.recipient", "ops@example.com"},
		{"skipped step yields nil", "steps.optional", nil},
		{"field path into skipped step yields nil", "steps.optional.anything", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(plan.NewRef(tt.ref), env)
			if err != nil {
				t.Fatalf("resolve %s: %v", tt.ref, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("resolve %s = %#v, want %#v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestResolveItemNamespace(t *testing.T) {
	r := newTestResolver()
	root := NewEnvironment(nil)
	iter := root.ChildWithItem(map[string]any{"id": "d7"}, 4)

	if got, err := r.Resolve(plan.NewRef("item.id"), iter); err != nil || got != "d7" {
		t.Errorf("item.id = %v, %v", got, err)
	}
	if got, err := r.Resolve(plan.NewRef("item_index"), iter); err != nil || got != 4 {
		t.Errorf("item_index = %v, %v", got, err)
	}

	_, err := r.Resolve(plan.NewRef("item"), root)
	if !errors.IsResolve(err) {
		t.Fatalf("item outside foreach = %v, want resolve error", err)
	}
}

func TestResolveFailures(t *testing.T) {
	r := newTestResolver()
	env := NewEnvironment(map[string]any{"limit": 5})
	env.BindStep("text", "just a string")
	env.BindStep("list", []any{"a"})

	t.Run("unbound step", func(t *testing.T) {
		_, err := r.Resolve(plan.NewRef("steps.nope"), env)
		var rerr *errors.ResolveError
		if !errors.As(err, &rerr) {
			t.Fatalf("error = %v, want *ResolveError", err)
		}
		if rerr.Namespace != "steps" || rerr.Name != "nope" {
			t.Errorf("resolve error target = %s.%s", rerr.Namespace, rerr.Name)
		}
	})

	t.Run("undeclared param", func(t *testing.T) {
		_, err := r.Resolve(plan.NewRef("params.ghost"), env)
		if !errors.IsResolve(err) {
			t.Fatalf("error = %v, want resolve error", err)
		}
	})

	t.Run("index into non-list", func(t *testing.T) {
		_, err := r.Resolve(plan.NewRef("steps.text[0]"), env)
		if err == nil {
			t.Fatal("expected error")
		}
		if errors.IsResolve(err) {
			t.Errorf("type mismatch reported as resolve error: %v", err)
		}
	})

	t.Run("field of non-map", func(t *testing.T) {
		_, err := r.Resolve(plan.NewRef("steps.list[0].id"), env)
		if err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("malformed reference", func(t *testing.T) {
		_, err := r.Resolve(plan.NewRef("steps..broken"), env)
		if !errors.IsResolve(err) {
			t.Fatalf("error = %v, want resolve error", err)
		}
	})
}

func TestResolveArgs(t *testing.T) {
	r := newTestResolver()
	env := NewEnvironment(map[string]any{"recipient": "ops@example.com"})
	env.BindStep("summarize", "Two docs")

	args, err := r.ResolveArgs(map[string]plan.Value{
		"to":      plan.NewRef("params.recipient"),
		"subject": plan.NewLiteral("Digest"),
		"body":    plan.NewRef("steps.summarize"),
	}, env)
	if err != nil {
		t.Fatalf("resolve args: %v", err)
	}
	want := map[string]any{
		"to":      "ops@example.com",
		"subject": "Digest",
		"body":    "Two docs",
	}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %#v, want %#v", args, want)
	}

	_, err = r.ResolveArgs(map[string]plan.Value{
		"body": plan.NewRef("steps.nope"),
	}, env)
	if err == nil || !strings.Contains(err.Error(), "arg body") {
		t.Errorf("error = %v, want wrapped arg name", err)
	}
	if !errors.IsResolve(err) {
		t.Errorf("wrapped error lost its resolve cause: %v", err)
	}
}
