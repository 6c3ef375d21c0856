package procedure

// Environment is the namespaced binding environment a run resolves
// references against. It is an arena of frames: each frame holds the
// step bindings of one scope and points at its parent, lookups walk
// up, and writes always land in the current frame. Bindings are append
// only; a step name is bound exactly once per frame.
//
// Parameters live on the root frame and are bound once at run start.
// item and item_index are bound on the child frame a foreach iteration
// runs in and are invisible outside it. Branch frames (if, switch,
// parallel, foreach bodies) are discarded when the branch closes; only
// the flow step's own name survives into the parent, carrying the
// branch's value.
type Environment struct {
	parent  *Environment
	params  map[string]any
	steps   map[string]any
	skipped map[string]bool

	item      any
	itemIndex int
	hasItem   bool
}

// NewEnvironment creates a root frame with the run's parameters bound.
func NewEnvironment(params map[string]any) *Environment {
	if params == nil {
		params = map[string]any{}
	}
	return &Environment{
		params:  params,
		steps:   map[string]any{},
		skipped: map[string]bool{},
	}
}

// Child opens a new frame for a branch scope. The child sees every
// binding of its ancestors; the ancestors never see the child's.
func (e *Environment) Child() *Environment {
	return &Environment{
		parent:  e,
		steps:   map[string]any{},
		skipped: map[string]bool{},
	}
}

// ChildWithItem opens a foreach iteration frame with item and
// item_index bound.
func (e *Environment) ChildWithItem(item any, index int) *Environment {
	child := e.Child()
	child.item = item
	child.itemIndex = index
	child.hasItem = true
	return child
}

// BindStep binds a step's output in the current frame.
func (e *Environment) BindStep(name string, value any) {
	e.steps[name] = value
	delete(e.skipped, name)
}

// MarkSkipped records that a step ran its turn but bound nothing.
// References to it resolve to nil instead of failing.
func (e *Environment) MarkSkipped(name string) {
	e.skipped[name] = true
}

// Step looks a step binding up through the frame chain. The second
// result is false when the name is neither bound nor skipped anywhere
// in scope.
func (e *Environment) Step(name string) (any, bool) {
	for frame := e; frame != nil; frame = frame.parent {
		if v, ok := frame.steps[name]; ok {
			return v, true
		}
		if frame.skipped[name] {
			return nil, true
		}
	}
	return nil, false
}

// Skipped reports whether the nearest binding for name is a skip
// marker.
func (e *Environment) Skipped(name string) bool {
	for frame := e; frame != nil; frame = frame.parent {
		if _, ok := frame.steps[name]; ok {
			return false
		}
		if frame.skipped[name] {
			return true
		}
	}
	return false
}

// Param returns a declared parameter's value. All declared parameters
// are bound at run start, optional ones without a default as nil.
func (e *Environment) Param(name string) (any, bool) {
	root := e
	for root.parent != nil {
		root = root.parent
	}
	v, ok := root.params[name]
	return v, ok
}

// Item returns the current foreach element, walking out to the nearest
// iteration frame.
func (e *Environment) Item() (any, bool) {
	for frame := e; frame != nil; frame = frame.parent {
		if frame.hasItem {
			return frame.item, true
		}
	}
	return nil, false
}

// ItemIndex returns the current foreach element's 0-based position.
func (e *Environment) ItemIndex() (int, bool) {
	for frame := e; frame != nil; frame = frame.parent {
		if frame.hasItem {
			return frame.itemIndex, true
		}
	}
	return 0, false
}

// Snapshot flattens the environment into the variable map template
// expressions evaluate against: steps, params, and, inside a foreach
// iteration, item and item_index. Skipped steps appear as nil entries
// so templates can compact or default them.
func (e *Environment) Snapshot() map[string]any {
	var chain []*Environment
	for frame := e; frame != nil; frame = frame.parent {
		chain = append(chain, frame)
	}

	steps := map[string]any{}
	var params map[string]any
	for i := len(chain) - 1; i >= 0; i-- {
		frame := chain[i]
		if frame.params != nil {
			params = frame.params
		}
		for name := range frame.skipped {
			steps[name] = nil
		}
		for name, v := range frame.steps {
			steps[name] = v
		}
	}

	vars := map[string]any{
		"steps":  steps,
		"params": params,
	}
	if item, ok := e.Item(); ok {
		idx, _ := e.ItemIndex()
		vars["item"] = item
		vars["item_index"] = idx
	}
	return vars
}
