package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/procflow/procflow/internal/jq"
	"github.com/procflow/procflow/internal/log"
	"github.com/procflow/procflow/internal/metrics"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/plan"
	"github.com/procflow/procflow/pkg/procedure/expression"
	"github.com/procflow/procflow/pkg/tool"
)

const (
	// DefaultBatchSize is used for stages that do not declare their
	// own batch size.
	DefaultBatchSize = 50

	// DefaultConcurrency bounds how many items of one batch are
	// processed at the same time.
	DefaultConcurrency = 4
)

// Store is the durable state behind pipeline execution. The run row
// and item rows are written together at checkpoints so a crash never
// leaves them disagreeing. internal/store's backends satisfy it.
type Store interface {
	// GetPipeline loads the active definition for a slug.
	GetPipeline(ctx context.Context, slug string) (*Pipeline, error)

	// CreatePipelineRun inserts a new run row.
	CreatePipelineRun(ctx context.Context, run *Run) error

	// UpdatePipelineRun rewrites an existing run row.
	UpdatePipelineRun(ctx context.Context, run *Run) error

	// GetPipelineRun loads a run by id.
	GetPipelineRun(ctx context.Context, id string) (*Run, error)

	// ListItems loads a run's item state in gather order.
	ListItems(ctx context.Context, runID string) ([]*ItemState, error)

	// Checkpoint persists the run and the touched items in one
	// transaction.
	Checkpoint(ctx context.Context, run *Run, items []*ItemState) error
}

// Executor drives pipeline runs: stages in declared order, items in
// batches, checkpoints where the definition asks for them. One
// executor serves any number of runs.
type Executor struct {
	registry    tool.Registry
	store       Store
	jq          *jq.Executor
	logger      *slog.Logger
	tracer      trace.Tracer
	concurrency int
	batchSize   int
	toolTimeout time.Duration
}

// NewExecutor creates a pipeline executor. A nil store runs pipelines
// ephemerally: no run rows, no checkpoints, no resume.
func NewExecutor(registry tool.Registry, st Store) *Executor {
	return &Executor{
		registry:    registry,
		store:       st,
		jq:          jq.NewExecutor(0, 0),
		logger:      slog.Default(),
		concurrency: DefaultConcurrency,
		batchSize:   DefaultBatchSize,
	}
}

// WithLogger sets the logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithTracer enables run and stage spans.
func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer
	return e
}

// WithConcurrency bounds intra-batch parallelism.
func (e *Executor) WithConcurrency(n int) *Executor {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

// WithDefaultBatchSize sets the batch size for stages that do not
// declare one.
func (e *Executor) WithDefaultBatchSize(n int) *Executor {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithToolTimeout bounds every registry invocation. A timed-out call
// counts as a tool failure under the stage's error policy.
func (e *Executor) WithToolTimeout(d time.Duration) *Executor {
	if d > 0 {
		e.toolTimeout = d
	}
	return e
}

// WithJQ replaces the built-in jq evaluator, typically to change its
// limits.
func (e *Executor) WithJQ(x *jq.Executor) *Executor {
	if x != nil {
		e.jq = x
	}
	return e
}

// execution carries one run's working state. Items are processed by
// batch goroutines but each goroutine owns its item; shared counters
// are updated under the batch mutex.
type execution struct {
	pipeline *Pipeline
	run      *Run
	logger   *slog.Logger

	items []*ItemState
	index map[string]*ItemState
}

// addItem inserts an item, or refreshes the payload when the key is
// already present. Reports whether a new row was created.
func (ex *execution) addItem(it *ItemState) bool {
	key := it.Key()
	if prev, ok := ex.index[key]; ok {
		prev.Data = it.Data
		prev.UpdatedAt = it.UpdatedAt
		return false
	}
	ex.index[key] = it
	ex.items = append(ex.items, it)
	return true
}

// activeItems lists items still in the working set that the named
// stage has not touched yet, in gather order. On a resumed run this
// is what makes already-checkpointed items stay done.
func (ex *execution) activeItems(stage string) []*ItemState {
	var work []*ItemState
	for _, it := range ex.items {
		if it.active() && it.StageStatus[stage] == "" {
			work = append(work, it)
		}
	}
	return work
}

// stageFailure marks an abort that originated inside a stage, so the
// terminal classifier can tell it apart from external cancellation
// even when the cause chain carries a context error.
type stageFailure struct {
	stage string
	item  string
	cause error
}

func (f *stageFailure) Error() string {
	if f.item == "" {
		return fmt.Sprintf("stage %q: %v", f.stage, f.cause)
	}
	return fmt.Sprintf("stage %q item %s: %v", f.stage, f.item, f.cause)
}

func (f *stageFailure) Unwrap() error { return f.cause }

// isCancellation distinguishes external cancellation from stage
// failures whose cause chain happens to contain a context error.
func isCancellation(err error) bool {
	var failure *stageFailure
	if errors.As(err, &failure) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Execute creates a run for a pipeline and drives it from the gather
// stage. The returned run carries terminal state even when the error
// is non-nil.
func (e *Executor) Execute(ctx context.Context, p *Pipeline, params map[string]any) (*Run, error) {
	if p == nil {
		return nil, &errors.ValidationError{
			Field:   "pipeline",
			Message: "pipeline definition is nil",
		}
	}
	if errs := validatePipeline(p, nil); len(errs) > 0 {
		return nil, &errors.ValidationError{
			Field:   errs[0].Path,
			Message: errs[0].Message,
		}
	}

	run := NewRun(p, params)
	if e.store != nil {
		if err := e.store.CreatePipelineRun(ctx, run); err != nil {
			return nil, errors.Wrap(err, "record pipeline run")
		}
	}
	return run, e.drive(ctx, e.newExecution(p, run), 0)
}

// Resume reloads an interrupted run and continues it from its current
// stage. Items the current stage already finished stay finished; the
// accumulated stage results end up matching an uninterrupted run.
func (e *Executor) Resume(ctx context.Context, runID string) (*Run, error) {
	if e.store == nil {
		return nil, errors.New("resume requires a store")
	}
	run, err := e.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != RunFailed && run.Status != RunRunning {
		return nil, fmt.Errorf("run %s is not resumable from status %s", runID, run.Status)
	}
	p, err := e.store.GetPipeline(ctx, run.Pipeline)
	if err != nil {
		return nil, errors.Wrap(err, "load pipeline definition")
	}
	if errs := validatePipeline(p, nil); len(errs) > 0 {
		return nil, &errors.ValidationError{
			Field:   errs[0].Path,
			Message: errs[0].Message,
		}
	}
	items, err := e.store.ListItems(ctx, run.ID)
	if err != nil {
		return nil, errors.Wrap(err, "load item state")
	}

	ex := e.newExecution(p, run)
	for _, it := range items {
		ex.addItem(it)
	}
	if p.Version != run.Version {
		ex.logger.Warn("pipeline version changed since the run started",
			log.Int("run_version", run.Version),
			log.Int("active_version", p.Version))
	}
	run.Error = ""
	ex.logger.Info("pipeline run resumed",
		log.Int("from_stage", run.CurrentStage),
		log.Int("items", len(items)))
	return run, e.drive(ctx, ex, run.CurrentStage)
}

func (e *Executor) newExecution(p *Pipeline, run *Run) *execution {
	return &execution{
		pipeline: p,
		run:      run,
		logger:   log.WithPipelineRun(e.logger, run.ID, run.Pipeline),
		index:    map[string]*ItemState{},
	}
}

// drive runs stages from an index and settles the run into a terminal
// status.
func (e *Executor) drive(ctx context.Context, ex *execution, from int) error {
	run := ex.run

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
			attribute.String("pipeline.slug", run.Pipeline),
			attribute.String("run.id", run.ID),
		))
		defer span.End()
	}

	if run.Status != RunRunning {
		if err := run.transition(RunRunning); err != nil {
			return err
		}
	}
	e.persistRun(ctx, ex)
	ex.logger.Info("pipeline run started",
		log.Int("stages", run.TotalStages),
		log.Int("from_stage", from))

	err := e.runStages(ctx, ex, from)

	switch {
	case err == nil:
		now := time.Now()
		for _, it := range ex.items {
			if it.active() {
				it.Status = ItemCompleted
				it.UpdatedAt = now
			}
		}
		e.finishRun(ctx, ex, RunCompleted)
	case isCancellation(err):
		run.Error = err.Error()
		e.finishRun(ctx, ex, RunCancelled)
	default:
		run.Error = err.Error()
		e.finishRun(ctx, ex, RunFailed)
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

// finishRun moves the run to a terminal status, records metrics, and
// persists the final state.
func (e *Executor) finishRun(ctx context.Context, ex *execution, status RunStatus) {
	run := ex.run
	if err := run.transition(status); err != nil {
		ex.logger.Error("run transition rejected", log.Error(err))
		return
	}
	metrics.RecordPipelineRunFinished(run.Pipeline, string(status))
	e.finalize(ctx, ex)

	switch status {
	case RunCompleted:
		ex.logger.Info("pipeline run completed",
			log.Int("total_items", run.TotalItems),
			log.Int("failed_items", run.FailedItems),
			log.Duration("duration", run.Duration().Milliseconds()))
	case RunFailed:
		ex.logger.Warn("pipeline run failed",
			log.Int("stage", run.CurrentStage),
			log.String("error", run.Error))
	case RunCancelled:
		ex.logger.Info("pipeline run cancelled",
			log.Int("stage", run.CurrentStage))
	}
}

// finalize writes the terminal run and item state in one transaction.
// A persistence failure here is logged, not returned: the run outcome
// already stands, and Resume can pick up from the last checkpoint.
func (e *Executor) finalize(ctx context.Context, ex *execution) {
	if e.store == nil {
		return
	}
	if err := e.store.Checkpoint(context.WithoutCancel(ctx), ex.run, ex.items); err != nil {
		ex.logger.Warn("run state not persisted", log.Error(err))
	}
}

// persistRun rewrites the run row outside a checkpoint, warn-only.
func (e *Executor) persistRun(ctx context.Context, ex *execution) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdatePipelineRun(context.WithoutCancel(ctx), ex.run); err != nil {
		ex.logger.Warn("run state not persisted", log.Error(err))
	}
}

func (e *Executor) runStages(ctx context.Context, ex *execution, from int) error {
	stages := ex.pipeline.Stages
	for idx := from; idx < len(stages); idx++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		ex.run.CurrentStage = idx
		if err := e.runStage(ctx, ex, &stages[idx]); err != nil {
			return err
		}
	}
	return nil
}

// runStage executes one stage over the working set, accumulating its
// result into the run. Stage results merge across resume attempts.
func (e *Executor) runStage(ctx context.Context, ex *execution, st *Stage) error {
	run := ex.run
	logger := ex.logger.With(log.String(log.StageKey, st.Name))

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
			attribute.String("stage.name", st.Name),
			attribute.String("stage.type", string(st.Type)),
		))
		defer span.End()
	}

	tally := run.StageResults[st.Name]
	entry := tally
	start := time.Now()

	var err error
	if st.Type == StageGather {
		if len(ex.items) == 0 {
			err = e.runGather(ctx, ex, logger, st, &tally)
		} else {
			logger.Debug("gather already complete", log.Int("items", len(ex.items)))
		}
	} else {
		err = e.runItemStage(ctx, ex, logger, st, &tally)
	}

	tally.DurationMS += time.Since(start).Milliseconds()
	run.StageResults[st.Name] = tally
	run.ProcessedItems = tally.Succeeded + tally.Skipped + tally.Failed

	if n := tally.Succeeded - entry.Succeeded; n > 0 {
		metrics.RecordPipelineItems(run.Pipeline, st.Name, "completed", n)
	}
	if n := tally.Failed - entry.Failed; n > 0 {
		metrics.RecordPipelineItems(run.Pipeline, st.Name, "failed", n)
	}
	if n := tally.Skipped - entry.Skipped; n > 0 {
		metrics.RecordPipelineItems(run.Pipeline, st.Name, "skipped", n)
	}

	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	logger.Info("stage completed",
		log.Int("succeeded", tally.Succeeded),
		log.Int("failed", tally.Failed),
		log.Int("skipped", tally.Skipped),
		log.Duration("duration", tally.DurationMS))
	return nil
}

// runGather invokes the gather function once and turns its list into
// the working set. A failed gather invocation fails the run: there is
// nothing to continue with.
func (e *Executor) runGather(ctx context.Context, ex *execution, logger *slog.Logger, st *Stage, tally *StageResult) error {
	run := ex.run

	result, err := e.invokeStage(ctx, ex, st, nil)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return ctx.Err()
		}
		return &stageFailure{stage: st.Name, cause: err}
	}

	var list []any
	switch v := result.(type) {
	case nil:
	case []any:
		list = v
	default:
		return &stageFailure{
			stage: st.Name,
			cause: fmt.Errorf("gather produced %T, want a list", result),
		}
	}

	idField := st.stringParam(ParamIDField, "id")
	itemType := st.stringParam(ParamItemType, st.Name)
	tally.Items = len(list)
	now := time.Now()
	for _, el := range list {
		id, idErr := itemID(el, idField)
		if idErr != nil {
			tally.Failed++
			run.FailedItems++
			logger.Warn("gathered item has no usable identity", log.Error(idErr))
			continue
		}
		it := &ItemState{
			RunID:     run.ID,
			Type:      itemType,
			ID:        id,
			Status:    ItemPending,
			Data:      el,
			CreatedAt: now,
			UpdatedAt: now,
		}
		it.setStage(st.Name, stageCompleted)
		if ex.addItem(it) {
			tally.Succeeded++
		} else {
			logger.Debug("duplicate gathered id, payload refreshed",
				log.String(log.ItemIDKey, it.Key()))
		}
	}

	run.TotalItems = len(ex.items)
	run.StageResults[st.Name] = *tally
	run.ProcessedItems = tally.Succeeded + tally.Failed
	logger.Info("working set gathered",
		log.Int("items", run.TotalItems),
		log.Int("rejected", tally.Failed))

	if ex.pipeline.checkpointAfter(st.Name) {
		return e.checkpoint(ctx, ex, st.Name, ex.items)
	}
	return nil
}

// runItemStage pulls the due items through one stage in batches.
func (e *Executor) runItemStage(ctx context.Context, ex *execution, logger *slog.Logger, st *Stage, tally *StageResult) error {
	run := ex.run

	work := ex.activeItems(st.Name)
	if tally.Items == 0 {
		tally.Items = len(work)
	}
	run.ProcessedItems = tally.Succeeded + tally.Skipped + tally.Failed
	if len(work) == 0 {
		logger.Debug("no items due")
		return nil
	}

	batchSize := st.BatchSize
	if batchSize <= 0 {
		batchSize = e.batchSize
	}
	policy := ex.pipeline.policy(st)
	checkpointed := ex.pipeline.checkpointAfter(st.Name)

	for startIdx := 0; startIdx < len(work); startIdx += batchSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end := startIdx + batchSize
		if end > len(work) {
			end = len(work)
		}
		batch := work[startIdx:end]

		batchErr := e.runBatch(ctx, ex, logger, st, policy, batch, tally)
		run.StageResults[st.Name] = *tally
		run.ProcessedItems = tally.Succeeded + tally.Skipped + tally.Failed
		if batchErr != nil {
			return batchErr
		}
		if checkpointed {
			if err := e.checkpoint(ctx, ex, st.Name, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// runBatch processes one batch's items concurrently under the
// executor's semaphore. The first abort-worthy failure cancels the
// rest of the batch.
func (e *Executor) runBatch(ctx context.Context, ex *execution, logger *slog.Logger, st *Stage, policy plan.OnErrorPolicy, batch []*ItemState, tally *StageResult) error {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.concurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, it := range batch {
		wg.Add(1)
		go func(it *ItemState) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-batchCtx.Done():
				return
			}
			res, err := e.processItem(batchCtx, ex, logger, st, policy, it)

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case itemDone:
				tally.Succeeded++
			case itemSkipped:
				tally.Skipped++
			case itemFailed:
				tally.Failed++
				ex.run.FailedItems++
			}
			if err != nil && firstErr == nil {
				firstErr = err
				cancel()
			}
		}(it)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return firstErr
}

// itemOutcome classifies what a stage did to one item.
type itemOutcome int

const (
	itemNone itemOutcome = iota
	itemDone
	itemSkipped
	itemFailed
)

// processItem applies a stage to one item. The returned error is
// non-nil only when the run must abort: a fail-policy failure or
// cancellation mid-call.
func (e *Executor) processItem(ctx context.Context, ex *execution, logger *slog.Logger, st *Stage, policy plan.OnErrorPolicy, it *ItemState) (itemOutcome, error) {
	if it.Status == ItemPending {
		it.Status = ItemProcessing
	}
	it.UpdatedAt = time.Now()

	result, err := e.invokeStage(ctx, ex, st, it.Data)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return itemNone, ctx.Err()
		}
		logger.Warn("item failed",
			log.String(log.ItemIDKey, it.Key()),
			log.String("policy", string(policy)),
			log.Error(err))
		switch policy {
		case plan.OnErrorFail:
			it.fail(st.Name, err)
			return itemFailed, &stageFailure{stage: st.Name, item: it.Key(), cause: err}
		case plan.OnErrorSkip:
			it.skip(st.Name)
			it.ErrorMessage = err.Error()
			return itemSkipped, nil
		default:
			it.fail(st.Name, err)
			return itemFailed, nil
		}
	}

	switch st.Type {
	case StageFilter:
		if !expression.Truthy(result) {
			it.skip(st.Name)
			return itemSkipped, nil
		}
	case StageTransform:
		it.Data = result
	case StageEnrich:
		it.setStageData(st.Name, result)
		mergeInto(it, result)
	case StageOutput:
		it.setStageData(st.Name, result)
	}
	it.setStage(st.Name, stageCompleted)
	log.Trace(logger, "item processed", log.String(log.ItemIDKey, it.Key()))
	return itemDone, nil
}

// invokeStage calls the stage's function: the built-in jq evaluator
// against the input with stage params as $params, or a registry tool
// with the input under the "item" argument. Gather stages pass a nil
// input and no item argument.
func (e *Executor) invokeStage(ctx context.Context, ex *execution, st *Stage, input any) (any, error) {
	params := e.stageParams(ex, st)
	if st.Function == FunctionJQ {
		return e.jq.Execute(ctx, st.expression(), input, params)
	}

	args := make(map[string]any, len(params)+1)
	for k, v := range params {
		args[k] = v
	}
	if st.Type != StageGather {
		args["item"] = input
	}

	callCtx := ctx
	if e.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.toolTimeout)
		defer cancel()
	}
	result, err := e.registry.Invoke(callCtx, st.Function, args)
	metrics.RecordToolInvocation(st.Function, err)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = &errors.TimeoutError{
			Operation: "tool " + st.Function,
			Duration:  e.toolTimeout,
			Cause:     err,
		}
	}
	return result, err
}

// stageParams overlays the stage's params on the run's params, stage
// winning per key.
func (e *Executor) stageParams(ex *execution, st *Stage) map[string]any {
	if len(ex.run.Params) == 0 {
		return st.Params
	}
	merged := make(map[string]any, len(ex.run.Params)+len(st.Params))
	for k, v := range ex.run.Params {
		merged[k] = v
	}
	for k, v := range st.Params {
		merged[k] = v
	}
	return merged
}

// checkpoint persists the run and the touched items in one store
// transaction. A failed write leaves CurrentStage where it is and
// aborts, so a retry resumes from the last durable state.
func (e *Executor) checkpoint(ctx context.Context, ex *execution, stage string, touched []*ItemState) error {
	run := ex.run
	run.CheckpointData = map[string]any{
		"stage":     stage,
		"processed": run.ProcessedItems,
	}
	if e.store == nil {
		return nil
	}

	start := time.Now()
	err := e.store.Checkpoint(ctx, run, touched)
	metrics.RecordCheckpoint(run.Pipeline, err, time.Since(start))
	if err != nil {
		ex.logger.Error("checkpoint failed",
			log.String(log.StageKey, stage),
			log.Error(err))
		return &errors.CheckpointError{RunID: run.ID, Stage: stage, Cause: err}
	}
	log.Trace(ex.logger, "checkpoint persisted",
		log.String(log.StageKey, stage),
		log.Int("items", len(touched)))
	return nil
}

// mergeInto folds an enrich result into the item's working payload.
// Two maps merge key by key with the result winning; anything else
// replaces the payload.
func mergeInto(it *ItemState, result any) {
	rm, ok := result.(map[string]any)
	if !ok {
		it.Data = result
		return
	}
	dm, ok := it.Data.(map[string]any)
	if !ok {
		it.Data = result
		return
	}
	for k, v := range rm {
		dm[k] = v
	}
}

// itemID extracts an item's identity from a gathered object.
func itemID(el any, field string) (string, error) {
	m, ok := el.(map[string]any)
	if !ok {
		return "", fmt.Errorf("gathered value is %T, want an object with an %q field", el, field)
	}
	v, ok := m[field]
	if !ok || v == nil {
		return "", fmt.Errorf("gathered object has no %q field", field)
	}
	switch s := v.(type) {
	case string:
		if s == "" {
			return "", fmt.Errorf("gathered object has an empty %q field", field)
		}
		return s, nil
	case json.Number:
		return s.String(), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}
