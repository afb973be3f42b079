// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package batch coordinates fan-out and fan-in state: streamed item
// ingestion with idempotency, atomic counter arithmetic, sealing, and
// boundary evaluation for foreach parents and join steps.
//
// Correctness rests on three store primitives. The (parentTaskId, itemKey)
// unique index makes item ingestion idempotent under redelivery.
// IncrementCounters keeps the arithmetic exact under concurrent callbacks.
// And every evaluation starts with a waiting-to-waiting compare-and-set on
// the parent, so once the task leaves waiting no further evaluation runs;
// racing winners are resolved by the terminal compare-and-set, which
// exactly one of them can win.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/task"
)

// Gateway is the slice of the store the coordinator needs.
type Gateway interface {
	store.TaskStore
	store.BatchStore
}

// ChildActivator materializes one child task per ingested item. The
// dispatcher implements it; the indirection keeps the dependency pointing
// from dispatch to batch, not both ways.
type ChildActivator interface {
	ActivateItem(ctx context.Context, parent *store.Task, item any, index int64) (*store.Task, error)
}

// DeadlineDisarmer drops a pending wake for a settled task. Optional: the
// terminal transition clears the durable schedule either way, so a missing
// disarm only costs a claim that finds nothing.
type DeadlineDisarmer interface {
	Disarm(taskID string)
}

// Result reports what one callback did to a batch. ChildTaskIDs lists only
// the children this callback created; redelivered items acknowledge
// without appearing here.
type Result struct {
	ParentTaskID  string           `json:"parentTaskId"`
	ParentStatus  store.TaskStatus `json:"parentStatus"`
	ChildTaskIDs  []string         `json:"childTaskIds"`
	ReceivedCount int64            `json:"receivedCount"`
	ExpectedCount int64            `json:"expectedCount"`
	Sealed        bool             `json:"isSealed"`
}

// Coordinator owns batch state transitions.
type Coordinator struct {
	store  Gateway
	tasks  *task.Service
	timers DeadlineDisarmer
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	activator ChildActivator
}

// NewCoordinator wires a coordinator. timers may be nil.
func NewCoordinator(g Gateway, tasks *task.Service, timers DeadlineDisarmer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  g,
		tasks:  tasks,
		timers: timers,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetChildActivator wires the dispatcher in after construction; the two
// packages reference each other only through this interface.
func (c *Coordinator) SetChildActivator(a ChildActivator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activator = a
}

func (c *Coordinator) getActivator() ChildActivator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activator
}

// SeedItems materializes items for a newly activated fan-out parent in
// array order; payload-mode steps pass their extracted items with
// seal=true, streaming steps pass no items and seal later through
// callbacks. The boundary is evaluated once at the end so an empty sealed
// batch settles immediately, and the batch job view exists from the first
// call either way.
func (c *Coordinator) SeedItems(ctx context.Context, parent *store.Task, items []any, total *int64, seal bool) ([]string, error) {
	created := make([]string, 0, len(items))
	base := parent.BatchCounters.ReceivedCount
	for i, item := range items {
		childID, added, err := c.addItem(ctx, parent, item, base+int64(i))
		if err != nil {
			return created, err
		}
		if added {
			created = append(created, childID)
		}
	}
	if total != nil {
		if _, err := c.store.IncrementCounters(ctx, parent.ID, store.CounterDeltas{ExpectedAtLeast: *total}); err != nil {
			return created, err
		}
	}
	if seal {
		if _, err := c.Seal(ctx, parent.ID, total); err != nil {
			return created, err
		}
	}
	if err := c.evaluateForeach(ctx, parent.ID, nil); err != nil {
		return created, err
	}
	return created, nil
}

// IngestCallback applies one normalized callback to a fan-out parent:
// items are run through the idempotency ledger, the expected total is
// raised monotonically, and the completion signal seals the batch and
// triggers evaluation. Terminal parents acknowledge without mutating;
// late callbacks after completion or cancellation are expected.
func (c *Coordinator) IngestCallback(ctx context.Context, parent *store.Task, n Normalized) (*Result, error) {
	// Seal and terminal checks below reason about current state, not the
	// caller's possibly stale copy.
	fresh, err := c.store.GetTask(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	if fresh.ForeachConfig == nil {
		return nil, &wefterrors.ValidationError{
			Field:   "stepId",
			Message: fmt.Sprintf("task %s is not a fan-out step", fresh.ID),
		}
	}
	if fresh.Status.IsTerminal() {
		return resultFrom(fresh, nil), nil
	}
	if fresh.Sealed && n.Total != nil && *n.Total != fresh.BatchCounters.ExpectedCount {
		return nil, sealConflict(fresh, *n.Total)
	}

	created := make([]string, 0, len(n.Items))
	base := fresh.BatchCounters.ReceivedCount
	for i, item := range n.Items {
		childID, added, err := c.addItem(ctx, fresh, item, base+int64(i))
		if err != nil {
			return nil, err
		}
		if added {
			created = append(created, childID)
		}
	}

	if n.Complete {
		if _, err := c.Seal(ctx, fresh.ID, n.Total); err != nil {
			return nil, err
		}
		if err := c.evaluateForeach(ctx, fresh.ID, nil); err != nil {
			return nil, err
		}
	} else if n.Total != nil {
		if _, err := c.store.IncrementCounters(ctx, fresh.ID, store.CounterDeltas{ExpectedAtLeast: *n.Total}); err != nil {
			return nil, err
		}
	}

	final, err := c.store.GetTask(ctx, fresh.ID)
	if err != nil {
		return nil, err
	}
	if !n.Complete {
		c.upsertJob(ctx, final, final.BatchCounters, viewStatus(final), nil)
	}
	return resultFrom(final, created), nil
}

// addItem runs one item through the idempotency ledger: activate a child,
// insert the ledger row, count the receipt. A known key acknowledges
// without side effects; a known key under a different payload conflicts.
func (c *Coordinator) addItem(ctx context.Context, parent *store.Task, item any, index int64) (string, bool, error) {
	key := ItemKey(item)
	hash := payloadHash(item)

	if key != "" {
		row, err := c.store.GetBatchItemByKey(ctx, parent.ID, key)
		switch {
		case err == nil:
			if row.PayloadHash != hash {
				return "", false, keyConflict(key)
			}
			return row.ChildTaskID, false, nil
		case !wefterrors.IsNotFound(err):
			return "", false, err
		}
	}

	if parent.Sealed {
		return "", false, &wefterrors.ConflictError{
			Resource: "batch",
			ID:       parent.ID,
			Reason:   "sealed batch cannot accept new items",
		}
	}

	activator := c.getActivator()
	if activator == nil {
		return "", false, &wefterrors.FatalError{Op: "batch.ingest", Reason: "no child activator registered"}
	}
	child, err := activator.ActivateItem(ctx, parent, item, index)
	if err != nil {
		return "", false, err
	}

	ledgerKey := key
	if ledgerKey == "" {
		// Keyless items are never replay-matched; the child id keeps the
		// row unique under the (parentTaskId, itemKey) index.
		ledgerKey = child.ID
	}
	err = c.store.InsertBatchItem(ctx, &store.BatchItem{
		ParentTaskID:  parent.ID,
		WorkflowRunID: parent.WorkflowRunID,
		ItemKey:       ledgerKey,
		Seq:           index,
		ChildTaskID:   child.ID,
		PayloadHash:   hash,
	})
	if wefterrors.IsConflict(err) {
		// Lost the insert race: adopt the winner's child, retire ours.
		row, gerr := c.store.GetBatchItemByKey(ctx, parent.ID, ledgerKey)
		c.retireChild(ctx, child.ID)
		if gerr != nil {
			return "", false, gerr
		}
		if row.PayloadHash != hash {
			return "", false, keyConflict(ledgerKey)
		}
		return row.ChildTaskID, false, nil
	}
	if err != nil {
		c.retireChild(ctx, child.ID)
		return "", false, err
	}

	if _, err := c.store.IncrementCounters(ctx, parent.ID, store.CounterDeltas{Received: 1}); err != nil {
		return "", false, err
	}
	return child.ID, true, nil
}

// retireChild cancels and archives a child that lost its ledger insert to
// a concurrent duplicate. The duplicate marker keeps the terminal hook
// from counting it; archiving keeps it out of join populations.
func (c *Coordinator) retireChild(ctx context.Context, id string) {
	_, err := c.tasks.Transition(ctx, id, task.TransitionRequest{
		To:       store.TaskStatusCancelled,
		Metadata: map[string]any{"duplicate": true},
		Actor:    activity.SystemActor,
	})
	if err != nil && !wefterrors.IsConflict(err) {
		c.logger.Warn("retiring duplicate batch child failed", "task", id, "error", err)
		return
	}
	if _, err := c.tasks.Archive(ctx, id, true, activity.SystemActor); err != nil {
		c.logger.Warn("archiving duplicate batch child failed", "task", id, "error", err)
	}
}

// Seal marks the expected count authoritative: it is floored to the
// larger of the given total and the received count, and no further items
// are accepted. Sealing is monotone. A sealed batch accepts an identical
// total as a no-op and rejects any other.
func (c *Coordinator) Seal(ctx context.Context, parentID string, total *int64) (*store.Task, error) {
	t, err := c.store.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if t.Sealed {
		if total != nil && *total != t.BatchCounters.ExpectedCount {
			return nil, sealConflict(t, *total)
		}
		return t, nil
	}

	floor := t.BatchCounters.ReceivedCount
	if total != nil && *total > floor {
		floor = *total
	}
	post := t
	if floor > 0 {
		post, err = c.store.IncrementCounters(ctx, parentID, store.CounterDeltas{ExpectedAtLeast: floor})
		if err != nil {
			return nil, err
		}
	}

	sealed := true
	expected := post.BatchCounters.ExpectedCount
	claimed, err := c.store.AtomicTransition(ctx, parentID,
		[]store.TaskStatus{store.TaskStatusWaiting},
		store.TaskMutation{
			To:               store.TaskStatusWaiting,
			Sealed:           &sealed,
			ExpectedQuantity: &expected,
		})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		// The parent left waiting first; whoever moved it owns the outcome.
		return c.store.GetTask(ctx, parentID)
	}
	c.upsertJob(ctx, claimed, claimed.BatchCounters, store.BatchJobSealed, nil)
	return claimed, nil
}

// OnChildTerminal is the completion-hook branch for batch bookkeeping: it
// counts the child against its fan-out parent and pokes any join watching
// the child's step or its parent's. The hook fires exactly once per
// terminal transition, so the counters move exactly once per child.
func (c *Coordinator) OnChildTerminal(ctx context.Context, child *store.Task) {
	if child.WorkflowRunID == "" || isDuplicate(child) {
		return
	}
	parentStep := ""
	if child.ParentID != "" {
		parent, err := c.store.GetTask(ctx, child.ParentID)
		switch {
		case err != nil:
			if !wefterrors.IsNotFound(err) {
				c.logger.Warn("loading batch parent failed",
					"task", child.ID, "parent", child.ParentID, "error", err)
			}
		default:
			parentStep = parent.WorkflowStepID
			if parent.ForeachConfig != nil {
				deltas := store.CounterDeltas{Failed: 1}
				if child.Status == store.TaskStatusCompleted {
					deltas = store.CounterDeltas{Processed: 1}
				}
				if _, err := c.store.IncrementCounters(ctx, parent.ID, deltas); err != nil {
					c.logger.Error("batch counter update failed",
						"parent", parent.ID, "child", child.ID, "error", err)
				} else if err := c.evaluateForeach(ctx, parent.ID, nil); err != nil {
					c.logger.Error("batch evaluation failed", "parent", parent.ID, "error", err)
				}
			}
		}
	}
	c.pokeJoins(ctx, child, parentStep)
}

// pokeJoins re-evaluates every waiting join in the run awaiting the step
// this task belongs to, or the step of its parent. The parent step covers
// computed scopes: their population members carry the child step's id, so
// a join awaiting the fan-out step would otherwise never hear about them.
// A spurious poke is harmless; evaluation is pure and election-guarded.
func (c *Coordinator) pokeJoins(ctx context.Context, child *store.Task, parentStep string) {
	if child.WorkflowStepID == "" && parentStep == "" {
		return
	}
	joins, _, err := c.store.ListTasks(ctx, store.TaskFilter{
		RunID:     child.WorkflowRunID,
		TaskTypes: []string{string(workflow.StepKindJoin)},
		Statuses:  []store.TaskStatus{store.TaskStatusWaiting},
	}, store.Page{})
	if err != nil {
		c.logger.Warn("listing joins failed", "run", child.WorkflowRunID, "error", err)
		return
	}
	for _, join := range joins {
		if join.JoinConfig == nil {
			continue
		}
		await := join.JoinConfig.AwaitStepID
		if await != child.WorkflowStepID && (parentStep == "" || await != parentStep) {
			continue
		}
		if err := c.evaluateJoin(ctx, join.ID, nil); err != nil {
			c.logger.Error("join evaluation failed", "join", join.ID, "error", err)
		}
	}
}

// RegisterJoin records the reporting view for a new join task and runs
// the first evaluation: the awaited population may already be terminal by
// the time the join activates.
func (c *Coordinator) RegisterJoin(ctx context.Context, join *store.Task) error {
	if join.JoinConfig == nil {
		return &wefterrors.ValidationError{
			Field:   "joinConfig",
			Message: fmt.Sprintf("task %s has no join configuration", join.ID),
		}
	}
	c.upsertJob(ctx, join, join.BatchCounters, store.BatchJobIngesting, nil)
	return c.evaluateJoin(ctx, join.ID, nil)
}

// OnDeadline handles batch_deadline and join_maxwait fires. The wheel
// hands over the pre-claim image, so the consumed schedule is still
// visible here and passes through as the deadline that just expired.
func (c *Coordinator) OnDeadline(ctx context.Context, t *store.Task) {
	deadline := t.ScheduledFor
	if deadline == nil {
		now := c.now()
		deadline = &now
	}
	var err error
	switch t.ScheduleKind {
	case store.TimerJoinMaxWait:
		err = c.evaluateJoin(ctx, t.ID, deadline)
	case store.TimerBatchDeadline:
		err = c.evaluateForeach(ctx, t.ID, deadline)
	default:
		return
	}
	if err != nil {
		c.logger.Error("deadline evaluation failed",
			"task", t.ID, "kind", string(t.ScheduleKind), "error", err)
	}
}

// evaluateForeach runs one boundary evaluation for a fan-out parent. The
// waiting-to-waiting compare-and-set elects an evaluator and refreshes the
// image atomically; a parent that is no longer waiting already has an
// owner, so losing the election is a clean exit.
func (c *Coordinator) evaluateForeach(ctx context.Context, parentID string, deadlineAt *time.Time) error {
	claimed, err := c.store.AtomicTransition(ctx, parentID,
		[]store.TaskStatus{store.TaskStatusWaiting},
		store.TaskMutation{To: store.TaskStatusWaiting})
	if err != nil || claimed == nil {
		return err
	}
	cfg := claimed.ForeachConfig
	if cfg == nil {
		return nil
	}
	if deadlineAt == nil && claimed.ScheduleKind == store.TimerBatchDeadline {
		deadlineAt = claimed.ScheduledFor
	}

	dec := EvaluateBoundary(claimed.BatchCounters, claimed.Sealed, ForeachRule(cfg), deadlineAt, c.now())
	if !dec.Satisfied {
		c.upsertJob(ctx, claimed, claimed.BatchCounters, viewStatus(claimed), &dec)
		return nil
	}
	return c.settle(ctx, claimed, claimed.BatchCounters, dec, dec.Failed, "batchResult")
}

// evaluateJoin runs one boundary evaluation for a fan-in step. The join
// task carries no counters of its own; the population is queried fresh on
// every evaluation, under the same election as foreach parents.
func (c *Coordinator) evaluateJoin(ctx context.Context, joinID string, deadlineAt *time.Time) error {
	claimed, err := c.store.AtomicTransition(ctx, joinID,
		[]store.TaskStatus{store.TaskStatusWaiting},
		store.TaskMutation{To: store.TaskStatusWaiting})
	if err != nil || claimed == nil {
		return err
	}
	cfg := claimed.JoinConfig
	if cfg == nil {
		return nil
	}
	counters, sealed, err := c.joinCounters(ctx, claimed, cfg)
	if err != nil {
		return err
	}
	if deadlineAt == nil && claimed.ScheduleKind == store.TimerJoinMaxWait {
		deadlineAt = claimed.ScheduledFor
	}

	dec := EvaluateBoundary(counters, sealed, JoinRule(cfg), deadlineAt, c.now())
	if !dec.Satisfied {
		c.upsertJob(ctx, claimed, counters, store.BatchJobIngesting, &dec)
		return nil
	}
	// A join that misses its threshold on a sealed population fails: the
	// step exists to gate the run on its population's success. The job
	// view still records the warning form.
	fail := dec.Failed || (dec.Warning && dec.Reason == ReasonThresholdMet)
	return c.settle(ctx, claimed, counters, dec, fail, "joinResult")
}

// joinCounters assembles the population counters for a join by its scope.
func (c *Coordinator) joinCounters(ctx context.Context, join *store.Task, cfg *workflow.JoinConfig) (store.BatchCounters, bool, error) {
	scope := cfg.Scope
	if scope == "" {
		scope = workflow.JoinScopeStepTasks
	}
	switch scope {
	case workflow.JoinScopeStepTasks:
		counts, err := c.store.CountByStatus(ctx, store.TaskFilter{
			RunID:  join.WorkflowRunID,
			StepID: cfg.AwaitStepID,
		})
		if err != nil {
			return store.BatchCounters{}, false, err
		}
		counters := countByStatus(counts)
		return counters, counters.ExpectedCount > 0, nil

	case workflow.JoinScopeChildren, workflow.JoinScopeDescendants:
		anchor, err := c.awaitAnchor(ctx, join, cfg.AwaitStepID)
		if err != nil || anchor == nil {
			return store.BatchCounters{}, false, err
		}
		var population []*store.Task
		if scope == workflow.JoinScopeChildren {
			population, err = c.store.ChildTasks(ctx, anchor.ID)
		} else {
			population, err = c.store.DescendantTasks(ctx, anchor.ID, 0)
		}
		if err != nil {
			return store.BatchCounters{}, false, err
		}
		counters := countPopulation(population)
		return counters, counters.ExpectedCount > 0, nil

	default:
		return store.BatchCounters{}, false, &wefterrors.ValidationError{
			Field:   "joinConfig.scope",
			Message: fmt.Sprintf("unknown join scope %q", scope),
		}
	}
}

// awaitAnchor locates the task the children and descendants scopes hang
// off: the oldest task of the awaited step in the run. Nil means the
// population has not materialized yet.
func (c *Coordinator) awaitAnchor(ctx context.Context, join *store.Task, awaitStepID string) (*store.Task, error) {
	tasks, _, err := c.store.ListTasks(ctx, store.TaskFilter{
		RunID:           join.WorkflowRunID,
		StepID:          awaitStepID,
		IncludeArchived: true,
	}, store.Page{Limit: 1, Sort: "createdAt"})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

// settle moves a satisfied batch parent to its terminal status and
// freezes the outcome on the task, its output, and the job view. Losing
// the terminal compare-and-set means another winner or a cancellation got
// there first; that is a clean exit, not an error.
func (c *Coordinator) settle(ctx context.Context, t *store.Task, counters store.BatchCounters, dec Decision, fail bool, resultKey string) error {
	outcome := map[string]any{
		"reason":         dec.Reason,
		"successPercent": dec.SuccessPercent,
		"processedCount": counters.ProcessedCount,
		"failedCount":    counters.FailedCount,
		"receivedCount":  counters.ReceivedCount,
		"expectedCount":  counters.ExpectedCount,
	}
	if dec.Warning {
		outcome["warning"] = true
	}

	req := task.TransitionRequest{
		To:       store.TaskStatusCompleted,
		Output:   outcome,
		Metadata: map[string]any{resultKey: outcome},
		Actor:    activity.WorkflowActor(t.WorkflowRunID),
	}
	if fail {
		req.To = store.TaskStatusFailed
		req.Error = failureMessage(dec)
	}

	settled, err := c.tasks.Transition(ctx, t.ID, req)
	if err != nil {
		if wefterrors.IsConflict(err) || wefterrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if c.timers != nil {
		c.timers.Disarm(t.ID)
	}
	c.upsertJob(ctx, settled, counters, jobStatus(dec), &dec)
	return nil
}

// upsertJob refreshes the reporting view. Failures are logged, never
// propagated: the view is advisory, the counters on the task are the
// record.
func (c *Coordinator) upsertJob(ctx context.Context, t *store.Task, counters store.BatchCounters, status store.BatchJobStatus, dec *Decision) {
	job := &store.BatchJob{
		TaskID:        t.ID,
		RunID:         t.WorkflowRunID,
		StepID:        t.WorkflowStepID,
		Status:        status,
		ExpectedTotal: counters.ExpectedCount,
	}
	if t.ScheduledFor != nil &&
		(t.ScheduleKind == store.TimerBatchDeadline || t.ScheduleKind == store.TimerJoinMaxWait) {
		at := *t.ScheduledFor
		job.DeadlineAt = &at
	}
	if dec != nil {
		job.LastEvaluation = &store.BoundaryEvaluation{
			Reason:         dec.Reason,
			SuccessPercent: dec.SuccessPercent,
			EvaluatedAt:    c.now(),
		}
	}
	if err := c.store.UpsertBatchJob(ctx, job); err != nil {
		c.logger.Warn("batch job upsert failed", "task", t.ID, "error", err)
	}
}

func resultFrom(t *store.Task, created []string) *Result {
	if created == nil {
		created = []string{}
	}
	return &Result{
		ParentTaskID:  t.ID,
		ParentStatus:  t.Status,
		ChildTaskIDs:  created,
		ReceivedCount: t.BatchCounters.ReceivedCount,
		ExpectedCount: t.BatchCounters.ExpectedCount,
		Sealed:        t.Sealed,
	}
}

// viewStatus is the job status of an unsatisfied batch.
func viewStatus(t *store.Task) store.BatchJobStatus {
	if t.Sealed {
		return store.BatchJobSealed
	}
	return store.BatchJobIngesting
}

// jobStatus maps a satisfied decision to the job view. A join that fails
// on a missed threshold still records completed_with_warnings here; the
// job view reports the boundary outcome, the task reports the step's fate.
func jobStatus(dec Decision) store.BatchJobStatus {
	switch {
	case dec.Failed:
		return store.BatchJobFailed
	case dec.Warning:
		return store.BatchJobCompletedWithWarnings
	default:
		return store.BatchJobCompleted
	}
}

func failureMessage(dec Decision) string {
	if dec.Reason == ReasonDeadline {
		return fmt.Sprintf("deadline passed with %.1f%% success", dec.SuccessPercent)
	}
	return fmt.Sprintf("success rate %.1f%% below required threshold", dec.SuccessPercent)
}

func isDuplicate(t *store.Task) bool {
	dup, _ := t.Metadata["duplicate"].(bool)
	return dup
}

func sealConflict(t *store.Task, total int64) error {
	return &wefterrors.ConflictError{
		Resource: "batch",
		ID:       t.ID,
		Reason: fmt.Sprintf("sealed with expected count %d, callback says %d",
			t.BatchCounters.ExpectedCount, total),
	}
}

func keyConflict(key string) error {
	return &wefterrors.ConflictError{
		Resource: "batch item",
		ID:       key,
		Reason:   "item key already used with a different payload",
	}
}
