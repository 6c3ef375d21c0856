package procedure

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
)

func mustCompile(t *testing.T, doc string) *Definition {
	t.Helper()
	p, err := plan.ParsePlan([]byte(doc))
	if err != nil {
		t.Fatalf("parse plan: %v", err)
	}
	def, err := Compile(p)
	if err != nil {
		t.Fatalf("compile plan: %v", err)
	}
	return def
}

const flowPlan = `{
  "procedure": {"name": "Nightly sweep", "slug": "nightly-sweep", "tags": ["ops", "nightly"]},
  "parameters": [
    {"name": "category", "type": "string", "required": true},
    {"name": "limit", "type": "integer", "default": 20}
  ],
  "steps": [
    {"name": "gather", "tool": "list_items", "args": {
      "category": {"ref": "params.category"},
      "limit": {"ref": "params.limit"}
    }},
    {"name": "per_item", "tool": "foreach", "foreach": {"ref": "steps.gather"}, "branches": {
      "each": [
        {"name": "annotate", "tool": "tag_item", "on_error": "continue", "args": {"id": {"ref": "item.id"}}}
      ]
    }},
    {"name": "route", "tool": "if_branch", "condition": {"template": "{{ length(steps.gather) > 0 }}"}, "branches": {
      "then": [{"name": "notify", "tool": "send_note", "args": {"text": "found items"}}],
      "else": [{"name": "log_empty", "tool": "record_event"}]
    }},
    {"name": "by_kind", "tool": "switch_branch", "condition": {"ref": "params.category"}, "branches": {
      "reports": [{"name": "file_report", "tool": "record_event"}],
      "alerts": [{"name": "page", "tool": "send_note"}],
      "default": [{"name": "archive", "tool": "record_event"}]
    }},
    {"name": "fanout", "tool": "parallel", "branches": {
      "left": [{"name": "left_probe", "tool": "record_event"}],
      "right": [{"name": "right_probe", "tool": "record_event"}]
    }}
  ]
}`

func TestCompile_StructuralFidelity(t *testing.T) {
	def := mustCompile(t, flowPlan)

	if def.Name != "Nightly sweep" || def.Slug != "nightly-sweep" {
		t.Errorf("meta = %q/%q, want Nightly sweep/nightly-sweep", def.Name, def.Slug)
	}
	if !reflect.DeepEqual(def.Tags, []string{"ops", "nightly"}) {
		t.Errorf("tags = %v", def.Tags)
	}
	if len(def.Parameters) != 2 || def.Parameters[0].Name != "category" {
		t.Fatalf("parameters = %+v", def.Parameters)
	}
	if len(def.Steps) != 5 {
		t.Fatalf("step count = %d, want 5", len(def.Steps))
	}

	wantNames := []string{"gather", "per_item", "route", "by_kind", "fanout"}
	for i, want := range wantNames {
		if got := def.Steps[i].StepName(); got != want {
			t.Errorf("step[%d] name = %q, want %q", i, got, want)
		}
	}

	gather, ok := def.Steps[0].(*SimpleStep)
	if !ok {
		t.Fatalf("step[0] = %T, want *SimpleStep", def.Steps[0])
	}
	if gather.Tool != "list_items" || len(gather.Args) != 2 {
		t.Errorf("gather = tool %q with %d args", gather.Tool, len(gather.Args))
	}

	loop, ok := def.Steps[1].(*ForeachStep)
	if !ok {
		t.Fatalf("step[1] = %T, want *ForeachStep", def.Steps[1])
	}
	if loop.Source.Kind() != plan.ValueRef || loop.Source.Ref() != "steps.gather" {
		t.Errorf("foreach source = %v %q", loop.Source.Kind(), loop.Source.Ref())
	}
	if len(loop.Body) != 1 || loop.Body[0].StepName() != "annotate" {
		t.Errorf("foreach body = %+v", loop.Body)
	}

	cond, ok := def.Steps[2].(*IfStep)
	if !ok {
		t.Fatalf("step[2] = %T, want *IfStep", def.Steps[2])
	}
	if cond.Condition.Kind() != plan.ValueTemplate {
		t.Errorf("if condition kind = %v", cond.Condition.Kind())
	}
	if len(cond.Then) != 1 || cond.Then[0].StepName() != "notify" {
		t.Errorf("then branch = %+v", cond.Then)
	}
	if len(cond.Else) != 1 || cond.Else[0].StepName() != "log_empty" {
		t.Errorf("else branch = %+v", cond.Else)
	}

	sw, ok := def.Steps[3].(*SwitchStep)
	if !ok {
		t.Fatalf("step[3] = %T, want *SwitchStep", def.Steps[3])
	}
	var labels []string
	for _, c := range sw.Cases {
		labels = append(labels, c.Label)
	}
	if !reflect.DeepEqual(labels, []string{"alerts", "reports"}) {
		t.Errorf("case labels = %v, want sorted [alerts reports]", labels)
	}
	if len(sw.Default) != 1 || sw.Default[0].StepName() != "archive" {
		t.Errorf("default branch = %+v", sw.Default)
	}

	par, ok := def.Steps[4].(*ParallelStep)
	if !ok {
		t.Fatalf("step[4] = %T, want *ParallelStep", def.Steps[4])
	}
	var branches []string
	for _, b := range par.Branches {
		branches = append(branches, b.Name)
	}
	if !reflect.DeepEqual(branches, []string{"left", "right"}) {
		t.Errorf("parallel branches = %v, want sorted [left right]", branches)
	}
}

func TestCompile_PolicyDefaults(t *testing.T) {
	def := mustCompile(t, flowPlan)

	// No plan-level policy: steps default to skip, the run default is
	// continue, and explicit step policies survive.
	if def.OnError != plan.OnErrorContinue {
		t.Errorf("run default = %q, want continue", def.OnError)
	}
	if got := def.Steps[0].(*SimpleStep).OnError; got != plan.OnErrorSkip {
		t.Errorf("gather policy = %q, want skip", got)
	}
	loop := def.Steps[1].(*ForeachStep)
	if loop.OnError != plan.OnErrorSkip {
		t.Errorf("foreach policy = %q, want skip", loop.OnError)
	}
	if got := loop.Body[0].(*SimpleStep).OnError; got != plan.OnErrorContinue {
		t.Errorf("annotate policy = %q, want explicit continue", got)
	}
}

func TestCompile_PlanLevelPolicy(t *testing.T) {
	doc := `{
	  "procedure": {"name": "Strict digest", "slug": "strict-digest"},
	  "on_error": "fail",
	  "steps": [
	    {"name": "one", "tool": "record_event"},
	    {"name": "two", "tool": "record_event", "on_error": "skip"}
	  ]
	}`
	def := mustCompile(t, doc)

	if def.OnError != plan.OnErrorFail {
		t.Errorf("run default = %q, want fail", def.OnError)
	}
	if got := def.Steps[0].(*SimpleStep).OnError; got != plan.OnErrorFail {
		t.Errorf("step one policy = %q, want inherited fail", got)
	}
	if got := def.Steps[1].(*SimpleStep).OnError; got != plan.OnErrorSkip {
		t.Errorf("step two policy = %q, want explicit skip", got)
	}
}

func TestCompile_SlugDerivation(t *testing.T) {
	doc := `{
	  "procedure": {"name": "Weekly Report  Digest!"},
	  "steps": [{"name": "one", "tool": "record_event"}]
	}`
	def := mustCompile(t, doc)
	if def.Slug != "weekly-report-digest" {
		t.Errorf("slug = %q, want weekly-report-digest", def.Slug)
	}
}

func TestCompile_Defects(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		wantPath string
		wantMsg  string
	}{
		{
			name: "foreach without source",
			doc: `{"procedure": {"name": "x", "slug": "x"}, "steps": [
			  {"name": "loop", "tool": "foreach", "branches": {"each": [{"name": "a", "tool": "t"}]}}
			]}`,
			wantPath: "$.steps[0]",
			wantMsg:  "no source",
		},
		{
			name: "if without condition",
			doc: `{"procedure": {"name": "x", "slug": "x"}, "steps": [
			  {"name": "route", "tool": "if_branch", "branches": {"then": [{"name": "a", "tool": "t"}]}}
			]}`,
			wantPath: "$.steps[0]",
			wantMsg:  "no condition",
		},
		{
			name: "tool step with branches",
			doc: `{"procedure": {"name": "x", "slug": "x"}, "steps": [
			  {"name": "odd", "tool": "record_event", "branches": {"then": [{"name": "a", "tool": "t"}]}}
			]}`,
			wantPath: "$.steps[0].branches",
			wantMsg:  "carries branches",
		},
		{
			name: "parallel with one branch",
			doc: `{"procedure": {"name": "x", "slug": "x"}, "steps": [
			  {"name": "solo", "tool": "parallel", "branches": {"only": [{"name": "a", "tool": "t"}]}}
			]}`,
			wantPath: "$.steps[0]",
			wantMsg:  "fewer than two branches",
		},
		{
			name: "duplicate step names",
			doc: `{"procedure": {"name": "x", "slug": "x"}, "steps": [
			  {"name": "twin", "tool": "record_event"},
			  {"name": "twin", "tool": "record_event"}
			]}`,
			wantPath: "$.steps[1]",
			wantMsg:  "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := plan.ParsePlan([]byte(tt.doc))
			if err != nil {
				t.Fatalf("parse plan: %v", err)
			}
			_, err = Compile(p)
			var cerr *errors.CompileError
			if !errors.As(err, &cerr) {
				t.Fatalf("error = %v, want *CompileError", err)
			}
			if !strings.HasPrefix(cerr.Path, tt.wantPath) {
				t.Errorf("path = %q, want prefix %q", cerr.Path, tt.wantPath)
			}
			if !strings.Contains(cerr.Reason, tt.wantMsg) {
				t.Errorf("reason = %q, want substring %q", cerr.Reason, tt.wantMsg)
			}
		})
	}
}

func TestCompile_NilPlan(t *testing.T) {
	_, err := Compile(nil)
	var cerr *errors.CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want *CompileError", err)
	}
}

func TestDefinitionCheck(t *testing.T) {
	valid := func() *Definition {
		return &Definition{
			Name:    "Digest",
			Slug:    "digest",
			OnError: plan.OnErrorContinue,
			Steps: []Step{
				&SimpleStep{Name: "one", Tool: "record_event", OnError: plan.OnErrorSkip},
			},
		}
	}

	if err := valid().Check(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Definition)
		want   string
	}{
		{
			name:   "missing slug",
			mutate: func(d *Definition) { d.Slug = "" },
			want:   "slug",
		},
		{
			name:   "no steps",
			mutate: func(d *Definition) { d.Steps = nil },
			want:   "step",
		},
		{
			name: "flow tool on a simple step",
			mutate: func(d *Definition) {
				d.Steps[0].(*SimpleStep).Tool = plan.ToolForeach
			},
			want: "flow",
		},
		{
			name: "unknown policy",
			mutate: func(d *Definition) {
				d.Steps[0].(*SimpleStep).OnError = "retry"
			},
			want: "policy",
		},
		{
			name: "duplicate parameter",
			mutate: func(d *Definition) {
				d.Parameters = []plan.Parameter{
					{Name: "p", Type: "string"},
					{Name: "p", Type: "string"},
				}
			},
			want: "duplicate",
		},
		{
			name: "switch case labeled default",
			mutate: func(d *Definition) {
				d.Steps = append(d.Steps, &SwitchStep{
					Name:         "pick",
					Discriminant: plan.NewRef("steps.one"),
					OnError:      plan.OnErrorSkip,
					Cases: []SwitchCase{{
						Label: "default",
						Steps: []Step{&SimpleStep{Name: "inner", Tool: "t", OnError: plan.OnErrorSkip}},
					}},
				})
			},
			want: "default",
		},
		{
			name: "foreach source not a reference",
			mutate: func(d *Definition) {
				d.Steps = append(d.Steps, &ForeachStep{
					Name:    "loop",
					Source:  plan.NewLiteral([]any{"a"}),
					OnError: plan.OnErrorSkip,
					Body: []Step{
						&SimpleStep{Name: "inner", Tool: "t", OnError: plan.OnErrorSkip},
					},
				})
			},
			want: "reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := valid()
			tt.mutate(def)
			err := def.Check()
			var cerr *errors.CompileError
			if !errors.As(err, &cerr) {
				t.Fatalf("error = %v, want *CompileError", err)
			}
			if !strings.Contains(strings.ToLower(cerr.Reason), tt.want) {
				t.Errorf("reason = %q, want substring %q", cerr.Reason, tt.want)
			}
		})
	}
}

func TestDefinitionJSONRoundTrip(t *testing.T) {
	def := mustCompile(t, flowPlan)

	first, err := json.Marshal(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Definition
	if err := json.Unmarshal(first, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(def, &back) {
		t.Errorf("round-tripped definition differs\n in: %+v\nout: %+v", def, &back)
	}

	second, err := json.Marshal(&back)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("marshal not stable\nfirst:  %s\nsecond: %s", first, second)
	}
}
