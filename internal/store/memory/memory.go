// Package memory provides an in-memory storage backend for tests and
// ephemeral runs. Records are deep-copied on the way in and out, so a
// caller mutating a run after saving it cannot corrupt the stored
// snapshot. That matches what the durable backends give you.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/internal/store"
	"github.com/procflow/procflow/pkg/errors"
	"github.com/procflow/procflow/pkg/pipeline"
	"github.com/procflow/procflow/pkg/procedure"
)

// Compile-time interface assertions, including the narrow consumer
// interfaces the executors declare.
var (
	_ store.Backend         = (*Store)(nil)
	_ procedure.RunRecorder = (*Store)(nil)
	_ pipeline.Store        = (*Store)(nil)
)

// Store is an in-memory backend.
type Store struct {
	mu sync.RWMutex

	procedures map[string][]*store.ProcedureRecord

	runs     map[string]*procedure.Run
	runOrder []string

	pipelines        map[string][]*pipeline.Pipeline
	pipelineRuns     map[string]*pipeline.Run
	pipelineRunOrder []string

	items     map[string][]*pipeline.ItemState
	itemIndex map[string]map[string]int
}

// New creates an empty in-memory backend.
func New() *Store {
	return &Store{
		procedures:   make(map[string][]*store.ProcedureRecord),
		runs:         make(map[string]*procedure.Run),
		pipelines:    make(map[string][]*pipeline.Pipeline),
		pipelineRuns: make(map[string]*pipeline.Run),
		items:        make(map[string][]*pipeline.ItemState),
		itemIndex:    make(map[string]map[string]int),
	}
}

// deepCopy clones a JSON-shaped record through encoding/json.
func deepCopy[T any](src *T) (*T, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	return dst, nil
}

// copyRecord clones a procedure record. Definition versions travel in
// the record, not the definition document, so the field is restored
// after the round trip.
func copyRecord(rec *store.ProcedureRecord) (*store.ProcedureRecord, error) {
	cp, err := deepCopy(rec)
	if err != nil {
		return nil, err
	}
	if cp.Definition != nil {
		cp.Definition.Version = cp.Version
	}
	return cp, nil
}

func procedureKey(org, slug string) string {
	return org + "/" + slug
}

// SaveProcedure stores the next version of a procedure and activates
// it.
func (s *Store) SaveProcedure(ctx context.Context, rec *store.ProcedureRecord) error {
	if rec == nil || rec.Definition == nil {
		return &errors.ValidationError{Field: "definition", Message: "procedure record has no definition"}
	}
	if rec.Slug == "" {
		return &errors.ValidationError{Field: "slug", Message: "procedure record has no slug"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := procedureKey(rec.OrganizationID, rec.Slug)
	versions := s.procedures[key]

	rec.Version = len(versions) + 1
	rec.IsActive = true
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	cp, err := copyRecord(rec)
	if err != nil {
		return err
	}
	for _, prev := range versions {
		prev.IsActive = false
	}
	s.procedures[key] = append(versions, cp)
	return nil
}

// GetProcedure loads the active version.
func (s *Store) GetProcedure(ctx context.Context, org, slug string) (*store.ProcedureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.procedures[procedureKey(org, slug)]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].IsActive {
			return copyRecord(versions[i])
		}
	}
	return nil, &errors.NotFoundError{Resource: "procedure", ID: procedureKey(org, slug)}
}

// GetProcedureVersion loads a specific version.
func (s *Store) GetProcedureVersion(ctx context.Context, org, slug string, version int) (*store.ProcedureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.procedures[procedureKey(org, slug)] {
		if rec.Version == version {
			return copyRecord(rec)
		}
	}
	return nil, &errors.NotFoundError{
		Resource: "procedure",
		ID:       fmt.Sprintf("%s@%d", procedureKey(org, slug), version),
	}
}

// ListProcedures lists active versions in an organization by slug.
func (s *Store) ListProcedures(ctx context.Context, org string) ([]*store.ProcedureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := org + "/"
	var keys []string
	for key := range s.procedures {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var recs []*store.ProcedureRecord
	for _, key := range keys {
		versions := s.procedures[key]
		for i := len(versions) - 1; i >= 0; i-- {
			if versions[i].IsActive {
				cp, err := copyRecord(versions[i])
				if err != nil {
					return nil, err
				}
				recs = append(recs, cp)
				break
			}
		}
	}
	return recs, nil
}

// SaveRun inserts or rewrites a procedure run record.
func (s *Store) SaveRun(ctx context.Context, run *procedure.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run", Message: "run has no id"}
	}
	cp, err := deepCopy(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists {
		s.runOrder = append(s.runOrder, run.ID)
	}
	s.runs[run.ID] = cp
	return nil
}

// GetRun loads a procedure run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*procedure.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return deepCopy(run)
}

// ListRuns lists procedure runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*procedure.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*procedure.Run
	skipped := 0
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if filter.Status != "" && string(run.Status) != filter.Status {
			continue
		}
		if filter.Procedure != "" && run.Procedure != filter.Procedure {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp, err := deepCopy(run)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// SavePipeline stores the next version of a pipeline.
func (s *Store) SavePipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if p == nil || p.Slug == "" {
		return &errors.ValidationError{Field: "slug", Message: "pipeline has no slug"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.pipelines[p.Slug]
	p.Version = len(versions) + 1
	cp, err := deepCopy(p)
	if err != nil {
		return err
	}
	s.pipelines[p.Slug] = append(versions, cp)
	return nil
}

// GetPipeline loads the latest version for a slug.
func (s *Store) GetPipeline(ctx context.Context, slug string) (*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.pipelines[slug]
	if len(versions) == 0 {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: slug}
	}
	return deepCopy(versions[len(versions)-1])
}

// ListPipelines lists the latest version of every pipeline by slug.
func (s *Store) ListPipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var slugs []string
	for slug := range s.pipelines {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	var result []*pipeline.Pipeline
	for _, slug := range slugs {
		versions := s.pipelines[slug]
		cp, err := deepCopy(versions[len(versions)-1])
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

// CreatePipelineRun inserts a new pipeline run.
func (s *Store) CreatePipelineRun(ctx context.Context, run *pipeline.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run", Message: "run has no id"}
	}
	cp, err := deepCopy(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelineRuns[run.ID]; exists {
		return fmt.Errorf("pipeline run already exists: %s", run.ID)
	}
	s.pipelineRuns[run.ID] = cp
	s.pipelineRunOrder = append(s.pipelineRunOrder, run.ID)
	return nil
}

// UpdatePipelineRun rewrites an existing pipeline run.
func (s *Store) UpdatePipelineRun(ctx context.Context, run *pipeline.Run) error {
	cp, err := deepCopy(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelineRuns[run.ID]; !exists {
		return &errors.NotFoundError{Resource: "pipeline run", ID: run.ID}
	}
	s.pipelineRuns[run.ID] = cp
	return nil
}

// GetPipelineRun loads a pipeline run by id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.pipelineRuns[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "pipeline run", ID: id}
	}
	return deepCopy(run)
}

// ListPipelineRuns lists pipeline runs newest first.
func (s *Store) ListPipelineRuns(ctx context.Context, filter store.PipelineRunFilter) ([]*pipeline.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*pipeline.Run
	skipped := 0
	for i := len(s.pipelineRunOrder) - 1; i >= 0; i-- {
		run := s.pipelineRuns[s.pipelineRunOrder[i]]
		if filter.Status != "" && string(run.Status) != filter.Status {
			continue
		}
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		cp, err := deepCopy(run)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// Checkpoint persists a run and the touched items atomically: all
// copies are taken before anything is applied, so a copy failure
// leaves the previous state intact.
func (s *Store) Checkpoint(ctx context.Context, run *pipeline.Run, items []*pipeline.ItemState) error {
	runCp, err := deepCopy(run)
	if err != nil {
		return err
	}
	itemCps := make([]*pipeline.ItemState, len(items))
	for i, it := range items {
		cp, err := deepCopy(it)
		if err != nil {
			return err
		}
		itemCps[i] = cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelineRuns[run.ID]; !exists {
		s.pipelineRunOrder = append(s.pipelineRunOrder, run.ID)
	}
	s.pipelineRuns[run.ID] = runCp
	for _, cp := range itemCps {
		s.upsertItemLocked(cp)
	}
	return nil
}

// UpsertItems inserts or rewrites item rows.
func (s *Store) UpsertItems(ctx context.Context, items []*pipeline.ItemState) error {
	itemCps := make([]*pipeline.ItemState, len(items))
	for i, it := range items {
		cp, err := deepCopy(it)
		if err != nil {
			return err
		}
		itemCps[i] = cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cp := range itemCps {
		s.upsertItemLocked(cp)
	}
	return nil
}

// upsertItemLocked inserts or replaces an item, keeping gather order.
// Callers hold the write lock.
func (s *Store) upsertItemLocked(it *pipeline.ItemState) {
	idx, ok := s.itemIndex[it.RunID]
	if !ok {
		idx = make(map[string]int)
		s.itemIndex[it.RunID] = idx
	}
	key := it.Key()
	if pos, exists := idx[key]; exists {
		s.items[it.RunID][pos] = it
		return
	}
	idx[key] = len(s.items[it.RunID])
	s.items[it.RunID] = append(s.items[it.RunID], it)
}

// UpdateItem rewrites one existing item row.
func (s *Store) UpdateItem(ctx context.Context, item *pipeline.ItemState) error {
	cp, err := deepCopy(item)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.itemIndex[item.RunID]
	pos, exists := idx[item.Key()]
	if !exists {
		return &errors.NotFoundError{Resource: "pipeline item", ID: item.Key()}
	}
	s.items[item.RunID][pos] = cp
	return nil
}

// ListItems loads a run's items in gather order.
func (s *Store) ListItems(ctx context.Context, runID string) ([]*pipeline.ItemState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.items[runID]
	result := make([]*pipeline.ItemState, 0, len(stored))
	for _, it := range stored {
		cp, err := deepCopy(it)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, nil
}

// CountItems counts a run's items, optionally by status.
func (s *Store) CountItems(ctx context.Context, runID string, status pipeline.ItemStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status == "" {
		return len(s.items[runID]), nil
	}
	n := 0
	for _, it := range s.items[runID] {
		if it.Status == status {
			n++
		}
	}
	return n, nil
}

// Close implements io.Closer.
func (s *Store) Close() error {
	return nil
}
