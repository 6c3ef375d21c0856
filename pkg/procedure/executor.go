package procedure

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/internal/log"
	"github.com/procflow/procflow/internal/metrics"
	"github.com/procflow/procflow/internal/truncate"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure/expression"
	"github.com/procflow/procflow/pkg/tool"
)

// DefaultMaxParallel bounds how many parallel branches execute
// concurrently when no limit is configured.
const DefaultMaxParallel = 3

// RunRecorder persists run state. The executor hands the run over
// after every status transition and step completion; a recorder
// failure is logged and execution continues on the in-memory state.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *Run) error
}

// StepObserver receives top-level step boundaries for progress
// streaming. Callbacks run on the executor's goroutine and should
// return quickly.
type StepObserver interface {
	OnStepStart(run *Run, step string)
	OnStepComplete(run *Run, outcome StepOutcome)
}

// Executor interprets compiled definitions. One executor serves many
// concurrent runs; per-run state lives on the Run and its environment,
// never on the executor.
type Executor struct {
	registry    tool.Registry
	resolver    *Resolver
	logger      *slog.Logger
	tracer      trace.Tracer
	recorder    RunRecorder
	observer    StepObserver
	maxParallel int
	toolTimeout time.Duration
}

// NewExecutor creates an executor over a tool registry with the
// default template evaluator.
func NewExecutor(registry tool.Registry) *Executor {
	return &Executor{
		registry:    registry,
		resolver:    NewResolver(TemplateEvaluator(expression.New())),
		logger:      slog.Default(),
		maxParallel: DefaultMaxParallel,
	}
}

// WithLogger sets the structured logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	e.logger = logger
	return e
}

// WithTracer enables span emission for runs and steps.
func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer
	return e
}

// WithRecorder sets the run state store.
func (e *Executor) WithRecorder(recorder RunRecorder) *Executor {
	e.recorder = recorder
	return e
}

// WithObserver sets the step boundary observer.
func (e *Executor) WithObserver(observer StepObserver) *Executor {
	e.observer = observer
	return e
}

// WithEvaluator swaps the template evaluator.
func (e *Executor) WithEvaluator(eval Evaluator) *Executor {
	e.resolver = NewResolver(eval)
	return e
}

// WithMaxParallel bounds concurrent parallel branches. Values below 1
// are ignored.
func (e *Executor) WithMaxParallel(n int) *Executor {
	if n > 0 {
		e.maxParallel = n
	}
	return e
}

// WithToolTimeout sets the per-invocation timeout applied to every
// tool call. A timed-out call fails the step like any other tool
// error.
func (e *Executor) WithToolTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.toolTimeout = d
	}
	return e
}

// execution bundles the per-run mutable state threaded through the
// step walk.
type execution struct {
	run    *Run
	logger *slog.Logger
}

// stepFailure is the abort signal carried up from a fail-policy step
// or a fatal resolution error, at any nesting depth. It keeps the
// failing step and tool for run reporting.
type stepFailure struct {
	step  string
	tool  string
	cause error
}

func (f *stepFailure) Error() string { return f.cause.Error() }

func (f *stepFailure) Unwrap() error { return f.cause }

// isCancellation distinguishes external cancellation from step
// failures that merely wrap a context error, such as a timed-out tool
// call under a fail policy.
func isCancellation(err error) bool {
	var sf *stepFailure
	if errors.As(err, &sf) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Execute runs a definition to a terminal state.
//
// The returned run is always populated once parameters bind; the error
// mirrors its terminal status, nil only for completed runs.
// Cancellation is cooperative: it is checked between steps, batches of
// foreach iterations, and parallel branches, never mid-tool-call.
func (e *Executor) Execute(ctx context.Context, def *Definition, params map[string]any) (*Run, error) {
	if def == nil {
		return nil, &errors.ValidationError{Field: "definition", Message: "nil definition"}
	}
	bound, err := e.bindParams(def, params)
	if err != nil {
		return nil, err
	}

	run := NewRun(def, bound)
	ex := &execution{
		run:    run,
		logger: log.WithRun(e.logger, run.ID, def.Slug),
	}

	if e.recorder != nil {
		if err := e.recorder.SaveRun(ctx, run); err != nil {
			return nil, errors.Wrap(err, "record run")
		}
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "procedure.run",
			trace.WithAttributes(
				attribute.String("procedure.slug", def.Slug),
				attribute.String("run.id", run.ID),
			))
		defer span.End()
	}

	if err := run.transition(RunRunning); err != nil {
		return run, err
	}
	metrics.RecordRunStarted(def.Slug)
	e.saveRun(ctx, ex)
	ex.logger.Info("run started",
		log.Int("steps", len(def.Steps)),
		log.Int("params", len(bound)))

	env := NewEnvironment(bound)
	_, runErr := e.runSteps(ctx, ex, def.Steps, env, true)

	switch {
	case runErr == nil:
		e.finishRun(ctx, ex, RunCompleted)
	case isCancellation(runErr):
		run.Error = runErr.Error()
		e.finishRun(ctx, ex, RunCancelled)
	default:
		var sf *stepFailure
		if errors.As(runErr, &sf) {
			run.FailedStep = sf.step
			run.FailedTool = sf.tool
		}
		run.Error = runErr.Error()
		e.finishRun(ctx, ex, RunFailed)
	}

	if span != nil && runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, run.Error)
	}
	return run, runErr
}

// bindParams applies declared defaults and checks required coverage.
// Supplied values that match no declared parameter are dropped; the
// validator guarantees no reference can name them.
func (e *Executor) bindParams(def *Definition, supplied map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(def.Parameters))
	for _, p := range def.Parameters {
		if v, ok := supplied[p.Name]; ok {
			bound[p.Name] = v
			continue
		}
		if p.Default != nil {
			bound[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, &errors.ValidationError{
				Field:      "params." + p.Name,
				Message:    "required parameter is missing",
				Suggestion: fmt.Sprintf("supply a %s value for %q", p.Type, p.Name),
			}
		}
		bound[p.Name] = nil
	}
	return bound, nil
}

func (e *Executor) finishRun(ctx context.Context, ex *execution, to RunStatus) {
	if err := ex.run.transition(to); err != nil {
		ex.logger.Error("run transition rejected", log.Error(err))
		return
	}
	metrics.RecordRunFinished(ex.run.Procedure, string(to), ex.run.Duration())
	e.saveRun(ctx, ex)

	switch to {
	case RunCompleted:
		ex.logger.Info("run completed",
			log.Duration("duration", ex.run.Duration().Milliseconds()))
	case RunFailed:
		ex.logger.Error("run failed",
			log.String(log.StepKey, ex.run.FailedStep),
			log.String(log.ToolKey, ex.run.FailedTool),
			log.String("error", ex.run.Error))
	case RunCancelled:
		ex.logger.Warn("run cancelled")
	}
}

// saveRun persists run state without inheriting cancellation, so the
// terminal state of a cancelled run still reaches the store.
func (e *Executor) saveRun(ctx context.Context, ex *execution) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveRun(context.WithoutCancel(ctx), ex.run); err != nil {
		ex.logger.Warn("run state not persisted", log.Error(err))
	}
}

// runSteps walks one step list in document order. With record set it
// maintains the run's outcomes, progress, and current step; branch
// walks pass record=false so only top-level steps shape the run
// record. The returned value is the last successfully bound output,
// which becomes the enclosing branch's value.
func (e *Executor) runSteps(ctx context.Context, ex *execution, steps []Step, env *Environment, record bool) (any, error) {
	var lastValue any
	for _, step := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		name := step.StepName()
		if record {
			ex.run.CurrentStep = name
			if e.observer != nil {
				e.observer.OnStepStart(ex.run, name)
			}
			e.saveRun(ctx, ex)
		}

		outcome, err := e.executeStep(ctx, ex, step, env)
		if err != nil {
			if record && outcome.Step != "" {
				ex.run.Outcomes = append(ex.run.Outcomes, outcome)
				e.saveRun(ctx, ex)
				if e.observer != nil {
					e.observer.OnStepComplete(ex.run, outcome)
				}
			}
			return nil, err
		}

		var abort error
		switch outcome.Status {
		case OutcomeSuccess:
			env.BindStep(name, outcome.output)
			lastValue = outcome.output
		case OutcomeSkipped:
			env.MarkSkipped(name)
		case OutcomeFailed:
			abort = e.applyFailurePolicy(ex, step, &outcome, env)
		}

		if record {
			ex.run.Outcomes = append(ex.run.Outcomes, outcome)
			if abort == nil {
				ex.run.Progress.Completed++
			}
			e.saveRun(ctx, ex)
			if e.observer != nil {
				e.observer.OnStepComplete(ex.run, outcome)
			}
		}
		if abort != nil {
			return nil, abort
		}
	}
	return lastValue, nil
}

// applyFailurePolicy decides what a failed outcome does to the run. A
// resolution failure aborts regardless of policy: the plan passed
// static validation, so an unbound reference at run time is a defect
// signal, not a recoverable condition.
func (e *Executor) applyFailurePolicy(ex *execution, step Step, outcome *StepOutcome, env *Environment) error {
	name := step.StepName()
	policy := stepPolicy(step)

	var rerr *errors.ResolveError
	if errors.As(outcome.cause, &rerr) {
		ex.logger.Error("reference resolution failed on a validated plan",
			log.String(log.StepKey, name),
			log.Error(outcome.cause))
		return &stepFailure{step: name, tool: stepTool(step), cause: outcome.cause}
	}

	switch policy {
	case plan.OnErrorFail:
		return &stepFailure{step: name, tool: stepTool(step), cause: outcome.cause}
	case plan.OnErrorContinue:
		env.BindStep(name, nil)
	default:
		env.MarkSkipped(name)
	}
	return nil
}

// executeStep dispatches one step to its variant handler and applies
// the shared span, metric, and log treatment. The returned error is an
// abort signal (cancellation or a propagated failure from a nested
// scope); policy-recoverable failures travel inside the outcome.
func (e *Executor) executeStep(ctx context.Context, ex *execution, step Step, env *Environment) (StepOutcome, error) {
	name := step.StepName()
	toolName := stepTool(step)
	logger := ex.logger.With(
		slog.String(log.StepKey, name),
		slog.String(log.ToolKey, toolName))

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "procedure.step",
			trace.WithAttributes(
				attribute.String("step.name", name),
				attribute.String("step.tool", toolName),
			))
		defer span.End()
	}

	var (
		outcome StepOutcome
		err     error
	)
	switch s := step.(type) {
	case *SimpleStep:
		outcome, err = e.executeSimple(ctx, logger, s, env)
	case *ForeachStep:
		outcome, err = e.executeForeach(ctx, ex, logger, s, env)
	case *IfStep:
		outcome, err = e.executeIf(ctx, ex, logger, s, env)
	case *SwitchStep:
		outcome, err = e.executeSwitch(ctx, ex, logger, s, env)
	case *ParallelStep:
		outcome, err = e.executeParallel(ctx, ex, logger, s, env)
	default:
		cause := &errors.CompileError{Reason: fmt.Sprintf("unknown step variant %T", step)}
		return failOutcome(StepOutcome{Step: name, StartedAt: time.Now()}, cause),
			&stepFailure{step: name, cause: cause}
	}

	if outcome.Step != "" {
		outcome.finish()
		metrics.RecordStep(toolName, string(outcome.Status), time.Duration(outcome.DurationMS)*time.Millisecond)
		switch outcome.Status {
		case OutcomeSuccess:
			logger.Debug("step completed", log.Duration("duration", outcome.DurationMS))
		case OutcomeSkipped:
			logger.Debug("step skipped")
		case OutcomeFailed:
			logger.Warn("step failed",
				log.String("policy", string(stepPolicy(step))),
				log.String("error", outcome.Error))
			if span != nil {
				span.RecordError(outcome.cause)
				span.SetStatus(codes.Error, outcome.Error)
			}
		}
	}
	return outcome, err
}

func (e *Executor) executeSimple(ctx context.Context, logger *slog.Logger, s *SimpleStep, env *Environment) (StepOutcome, error) {
	outcome := StepOutcome{Step: s.Name, Tool: s.Tool, StartedAt: time.Now()}

	if s.Condition != nil {
		ok, err := e.evalGate(*s.Condition, env)
		if err != nil {
			return failOutcome(outcome, err), nil
		}
		if !ok {
			outcome.Status = OutcomeSkipped
			return outcome, nil
		}
	}

	args, err := e.resolver.ResolveArgs(s.Args, env)
	if err != nil {
		return failOutcome(outcome, err), nil
	}
	log.Trace(logger, "resolved args", log.Attr("args", args))

	callCtx := ctx
	cancel := func() {}
	if e.toolTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.toolTimeout)
	}
	result, invokeErr := e.registry.Invoke(callCtx, s.Tool, args)
	cancel()
	metrics.RecordToolInvocation(s.Tool, invokeErr)

	if invokeErr != nil {
		if ctx.Err() != nil && errors.Is(invokeErr, ctx.Err()) {
			return StepOutcome{}, ctx.Err()
		}
		if errors.Is(invokeErr, context.DeadlineExceeded) {
			invokeErr = &errors.TimeoutError{
				Operation: "tool " + s.Tool,
				Duration:  e.toolTimeout,
				Cause:     invokeErr,
			}
		}
		var terr *errors.ToolError
		if errors.As(invokeErr, &terr) && terr.Step == "" {
			terr.Step = s.Name
		}
		return failOutcome(outcome, invokeErr), nil
	}

	outcome.Status = OutcomeSuccess
	outcome.output = result
	outcome.Value = e.boundedValue(s.Tool, result)
	return outcome, nil
}

func (e *Executor) executeForeach(ctx context.Context, ex *execution, logger *slog.Logger, s *ForeachStep, env *Environment) (StepOutcome, error) {
	outcome := StepOutcome{Step: s.Name, Tool: plan.ToolForeach, StartedAt: time.Now()}

	if s.Condition != nil {
		ok, err := e.evalGate(*s.Condition, env)
		if err != nil {
			return failOutcome(outcome, err), nil
		}
		if !ok {
			outcome.Status = OutcomeSkipped
			return outcome, nil
		}
	}

	src, err := e.resolver.Resolve(s.Source, env)
	if err != nil {
		return failOutcome(outcome, err), nil
	}
	var list []any
	switch t := src.(type) {
	case nil:
	case []any:
		list = t
	default:
		return failOutcome(outcome,
			fmt.Errorf("foreach source %s is not a list (got %T)", s.Source.Ref(), src)), nil
	}
	logger.Debug("foreach iterating", log.Int("items", len(list)))

	results := make([]any, len(list))
	for i, item := range list {
		select {
		case <-ctx.Done():
			return StepOutcome{}, ctx.Err()
		default:
		}
		val, err := e.runSteps(ctx, ex, s.Body, env.ChildWithItem(item, i), false)
		if err != nil {
			if isCancellation(err) {
				return StepOutcome{}, err
			}
			return failOutcome(outcome, err), err
		}
		results[i] = val
	}

	outcome.Status = OutcomeSuccess
	outcome.output = results
	outcome.Value = results
	return outcome, nil
}

func (e *Executor) executeIf(ctx context.Context, ex *execution, logger *slog.Logger, s *IfStep, env *Environment) (StepOutcome, error) {
	outcome := StepOutcome{Step: s.Name, Tool: plan.ToolIfBranch, StartedAt: time.Now()}

	ok, err := e.evalGate(s.Condition, env)
	if err != nil {
		return failOutcome(outcome, err), nil
	}
	branch := s.Then
	if !ok {
		branch = s.Else
	}
	if len(branch) == 0 {
		logger.Debug("no branch to run", log.Bool("condition", ok))
		outcome.Status = OutcomeSuccess
		return outcome, nil
	}

	val, err := e.runSteps(ctx, ex, branch, env.Child(), false)
	if err != nil {
		if isCancellation(err) {
			return StepOutcome{}, err
		}
		return failOutcome(outcome, err), err
	}
	outcome.Status = OutcomeSuccess
	outcome.output = val
	outcome.Value = val
	return outcome, nil
}

func (e *Executor) executeSwitch(ctx context.Context, ex *execution, logger *slog.Logger, s *SwitchStep, env *Environment) (StepOutcome, error) {
	outcome := StepOutcome{Step: s.Name, Tool: plan.ToolSwitchBranch, StartedAt: time.Now()}

	v, err := e.resolver.Resolve(s.Discriminant, env)
	if err != nil {
		return failOutcome(outcome, err), nil
	}
	label := stringify(v)

	var branch []Step
	for _, c := range s.Cases {
		if c.Label == label {
			branch = c.Steps
			break
		}
	}
	if branch == nil && len(s.Default) > 0 {
		branch = s.Default
		label = plan.BranchDefault
	}
	if branch == nil {
		logger.Debug("no case matched", log.String("discriminant", label))
		outcome.Status = OutcomeSuccess
		return outcome, nil
	}
	logger.Debug("case selected", log.String("case", label))

	val, err := e.runSteps(ctx, ex, branch, env.Child(), false)
	if err != nil {
		if isCancellation(err) {
			return StepOutcome{}, err
		}
		return failOutcome(outcome, err), err
	}
	outcome.Status = OutcomeSuccess
	outcome.output = val
	outcome.Value = val
	return outcome, nil
}

func (e *Executor) executeParallel(ctx context.Context, ex *execution, logger *slog.Logger, s *ParallelStep, env *Environment) (StepOutcome, error) {
	outcome := StepOutcome{Step: s.Name, Tool: plan.ToolParallel, StartedAt: time.Now()}

	if s.Condition != nil {
		ok, err := e.evalGate(*s.Condition, env)
		if err != nil {
			return failOutcome(outcome, err), nil
		}
		if !ok {
			outcome.Status = OutcomeSkipped
			return outcome, nil
		}
	}
	logger.Debug("parallel fan-out",
		log.Int("branches", len(s.Branches)),
		log.Int("concurrency", e.maxParallel))

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.maxParallel)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	results := make(map[string]any, len(s.Branches))

	for _, br := range s.Branches {
		wg.Add(1)
		go func(br ParallelBranch) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-branchCtx.Done():
				return
			}
			val, err := e.runSteps(branchCtx, ex, br.Steps, env.Child(), false)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			results[br.Name] = val
		}(br)
	}
	wg.Wait()

	if firstErr != nil {
		if isCancellation(firstErr) {
			if err := ctx.Err(); err != nil {
				return StepOutcome{}, err
			}
		}
		return failOutcome(outcome, firstErr), firstErr
	}

	outcome.Status = OutcomeSuccess
	outcome.output = results
	outcome.Value = results
	return outcome, nil
}

func (e *Executor) evalGate(cond plan.Value, env *Environment) (bool, error) {
	v, err := e.resolver.Resolve(cond, env)
	if err != nil {
		return false, err
	}
	return expression.Truthy(v), nil
}

// boundedValue applies the tool contract's payload profile to the copy
// of an output kept on the run record.
func (e *Executor) boundedValue(toolName string, v any) any {
	profile := tool.PayloadFull
	if c, ok := e.registry.Get(toolName); ok {
		profile = c.EffectivePayloadProfile()
	}
	return truncate.Payload(v, profile)
}

func failOutcome(o StepOutcome, err error) StepOutcome {
	o.Status = OutcomeFailed
	o.Error = err.Error()
	o.cause = err
	return o
}

func stepTool(s Step) string {
	switch t := s.(type) {
	case *SimpleStep:
		return t.Tool
	case *ForeachStep:
		return plan.ToolForeach
	case *IfStep:
		return plan.ToolIfBranch
	case *SwitchStep:
		return plan.ToolSwitchBranch
	case *ParallelStep:
		return plan.ToolParallel
	}
	return ""
}

func stepPolicy(s Step) plan.OnErrorPolicy {
	switch t := s.(type) {
	case *SimpleStep:
		return t.OnError
	case *ForeachStep:
		return t.OnError
	case *IfStep:
		return t.OnError
	case *SwitchStep:
		return t.OnError
	case *ParallelStep:
		return t.OnError
	}
	return plan.OnErrorFail
}
