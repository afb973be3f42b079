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

// Package run owns the workflow-run lifecycle: starting a run against a
// published definition, pausing and resuming it, cancelling its task tree,
// and finalizing it once the step frontier drains. Step execution itself
// lives in the dispatcher; this package reaches it only through the
// Activator interface so the dependency points one way.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/task"
	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"
)

// Gateway is the slice of the store the registry touches: runs, published
// workflow versions, and the task tree hanging off each root task.
type Gateway interface {
	store.RunStore
	store.WorkflowStore
	store.TaskStore
}

// DefinitionSource resolves the current published version of a workflow.
// The definition registry satisfies it; version-pinned starts go to the
// store instead.
type DefinitionSource interface {
	Get(id string) (*workflow.Published, error)
}

// Activator activates workflow steps. The dispatcher registers itself at
// daemon startup.
type Activator interface {
	// ActivateStep creates and starts the task for one step.
	ActivateStep(ctx context.Context, r *store.Run, step *workflow.Step, parentTaskID string, input map[string]any) (*store.Task, error)

	// ResumeStep is ActivateStep minus the pause gate, used when draining
	// activations parked by a pause.
	ResumeStep(ctx context.Context, r *store.Run, step *workflow.Step, parentTaskID string, input map[string]any) (*store.Task, error)
}

// Registry starts, lists and finalizes workflow runs.
type Registry struct {
	store       Gateway
	bus         *bus.Bus
	tasks       *task.Service
	definitions DefinitionSource
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.RWMutex
	activator Activator
}

// NewRegistry wires a run registry. The activator is registered separately
// because the dispatcher is constructed after the registry.
func NewRegistry(g Gateway, b *bus.Bus, tasks *task.Service, defs DefinitionSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       g,
		bus:         b,
		tasks:       tasks,
		definitions: defs,
		logger:      logger,
		now:         time.Now,
	}
}

// SetActivator registers the step activator. Must be called before the
// first StartWorkflow or ResumeRun.
func (reg *Registry) SetActivator(a Activator) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.activator = a
}

func (reg *Registry) getActivator() Activator {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.activator
}

// StartRequest carries everything a run needs at birth.
type StartRequest struct {
	WorkflowID string

	// Version pins a published version; zero means current.
	Version int

	Input        map[string]any
	TaskDefaults store.TaskDefaults
	Options      store.ExecutionOptions

	// ExternalID is the caller's correlation key.
	ExternalID string

	// Source records what started the run; empty defaults to "api".
	Source string

	// ParentRunID and ParentTaskID tie a subflow run to the step task
	// that spawned it.
	ParentRunID  string
	ParentTaskID string

	// SecretHash, when set, reuses the parent run's callback secret
	// (subflow inheritSecret). The plaintext is never re-issued.
	SecretHash string
}

// StartResult is what StartWorkflow hands back to the caller.
type StartResult struct {
	Run      *store.Run
	RootTask *store.Task

	// CallbackSecret is the plaintext secret, returned exactly once here.
	// Empty when the run inherits its parent's secret.
	CallbackSecret string
}

// StartWorkflow creates and starts a run: snapshot the definition, mint
// the callback secret, create the root task, move the run to running and
// activate the trigger step.
func (reg *Registry) StartWorkflow(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.WorkflowID == "" {
		return nil, &wefterrors.ValidationError{Field: "workflowId", Message: "workflowId is required"}
	}

	def, err := reg.loadDefinition(ctx, req.WorkflowID, req.Version)
	if err != nil {
		return nil, err
	}
	trigger := def.TriggerStep()
	if trigger == nil {
		return nil, &wefterrors.ValidationError{Field: "workflowId", Message: fmt.Sprintf("workflow %q has no trigger step", def.ID)}
	}

	secret := ""
	digest := req.SecretHash
	if digest == "" {
		secret, digest, err = NewCallbackSecret()
		if err != nil {
			return nil, err
		}
	}

	source := req.Source
	if source == "" {
		source = "api"
	}

	created, err := reg.store.CreateRun(ctx, &store.Run{
		WorkflowID:         def.ID,
		WorkflowName:       def.Name,
		WorkflowVersion:    def.Version,
		Steps:              def.Steps,
		Status:             store.RunStatusPending,
		InputPayload:       store.CloneMap(req.Input),
		TaskDefaults:       req.TaskDefaults,
		ExecutionOptions:   req.Options,
		CallbackSecretHash: digest,
		ExternalID:         req.ExternalID,
		Source:             source,
		ParentRunID:        req.ParentRunID,
		ParentTaskID:       req.ParentTaskID,
	})
	if err != nil {
		return nil, err
	}

	root, err := reg.createRootTask(ctx, created, def)
	if err != nil {
		return nil, err
	}
	withRoot, err := reg.store.UpdateRun(ctx, created.ID, store.UpdateRun{RootTaskID: &root.ID})
	if err != nil {
		return nil, err
	}

	running, err := reg.store.AtomicRunTransition(ctx, created.ID,
		[]store.RunStatus{store.RunStatusPending}, store.RunMutation{To: store.RunStatusRunning})
	if err != nil {
		return nil, err
	}
	if running == nil {
		// Cancelled between creation and start.
		return nil, &wefterrors.ConflictError{Resource: "run", ID: created.ID, Reason: "run left pending before start"}
	}

	reg.bus.Publish(bus.Event{Type: bus.EventRunCreated, SubjectID: withRoot.ID, Payload: withRoot})
	reg.bus.Publish(bus.Event{Type: bus.EventRunStarted, SubjectID: running.ID, Payload: running})

	activator := reg.getActivator()
	if activator == nil {
		return nil, &wefterrors.FatalError{Op: "run.start", Reason: "no step activator registered"}
	}
	if _, err := activator.ActivateStep(ctx, running, trigger, root.ID, running.InputPayload); err != nil {
		// The dispatcher has already recorded the step failure; surface it.
		return nil, err
	}

	final, err := reg.store.GetRun(ctx, running.ID)
	if err != nil {
		final = running
	}
	return &StartResult{Run: final, RootTask: root, CallbackSecret: secret}, nil
}

// loadDefinition resolves version zero through the definition source and
// pinned versions through the store, where every published version lives.
func (reg *Registry) loadDefinition(ctx context.Context, id string, version int) (*workflow.Published, error) {
	if version > 0 {
		return reg.store.GetWorkflowVersion(ctx, id, version)
	}
	if reg.definitions != nil {
		return reg.definitions.Get(id)
	}
	return reg.store.GetWorkflow(ctx, id)
}

func (reg *Registry) createRootTask(ctx context.Context, r *store.Run, def *workflow.Published) (*store.Task, error) {
	title, err := workflow.RenderTitle(def.RootTaskTitle, def.Name, &workflow.RenderContext{
		Input:    r.InputPayload,
		Run:      map[string]any{"id": r.ID, "workflowId": r.WorkflowID, "inputPayload": r.InputPayload},
		Workflow: map[string]any{"id": def.ID, "name": def.Name, "version": def.Version},
	})
	if err != nil {
		reg.logger.Warn("root task title template failed, using workflow name",
			"run", r.ID, "workflow", def.ID, "error", err)
		title = def.Name
	}

	return reg.tasks.Create(ctx, &store.Task{
		Title:         title,
		Status:        store.TaskStatusInProgress,
		TaskType:      store.TaskTypeFlow,
		ExecutionMode: store.ExecutionModeImmediate,
		WorkflowID:    r.WorkflowID,
		WorkflowRunID: r.ID,
		Urgency:       r.TaskDefaults.Urgency,
		Assignee:      r.TaskDefaults.Assignee,
		Tags:          r.TaskDefaults.Tags,
	}, activity.WorkflowActor(r.ID))
}

// GetOptions controls what Get loads alongside the run document.
type GetOptions struct {
	IncludeTasks bool
	Limit        int64
	Offset       int64
}

// RunDetail is a run plus, when asked for, a page of its tasks.
type RunDetail struct {
	Run       *store.Run    `json:"run"`
	Tasks     []*store.Task `json:"tasks,omitempty"`
	TaskTotal int64         `json:"taskTotal,omitempty"`
}

// Get returns one run, optionally with a page of its tasks.
func (reg *Registry) Get(ctx context.Context, id string, opts GetOptions) (*RunDetail, error) {
	r, err := reg.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{Run: r}
	if !opts.IncludeTasks {
		return detail, nil
	}

	tasks, total, err := reg.store.ListTasks(ctx,
		store.TaskFilter{RunID: id, IncludeArchived: true},
		store.Page{Limit: opts.Limit, Offset: opts.Offset, Sort: "createdAt"})
	if err != nil {
		return nil, err
	}
	detail.Tasks = tasks
	detail.TaskTotal = total
	return detail, nil
}

// List returns a page of runs and the total match count.
func (reg *Registry) List(ctx context.Context, filter store.RunFilter, page store.Page) ([]*store.Run, int64, error) {
	return reg.store.ListRuns(ctx, filter, page)
}

// CancelRun moves a run to cancelled and cancels every non-terminal task
// under its root, then every non-terminal child run. Cancelling a run that
// is already terminal is a no-op, not an error.
func (reg *Registry) CancelRun(ctx context.Context, id string, actor activity.Actor) (*store.Run, error) {
	from := []store.RunStatus{store.RunStatusPending, store.RunStatusRunning, store.RunStatusPaused}
	cancelled, err := reg.store.AtomicRunTransition(ctx, id, from, store.RunMutation{To: store.RunStatusCancelled})
	if err != nil {
		return nil, err
	}
	if cancelled == nil {
		// Already terminal.
		return reg.store.GetRun(ctx, id)
	}

	reg.cancelTaskTree(ctx, cancelled, actor)
	reg.cancelChildRuns(ctx, cancelled, actor)

	reg.bus.Publish(bus.Event{Type: bus.EventRunCancelled, SubjectID: cancelled.ID, Payload: cancelled})
	reg.notifyParent(ctx, cancelled)
	return cancelled, nil
}

// cancelTaskTree best-effort cancels the root task and its descendants.
// Tasks that completed concurrently keep their status; the transition
// conflict is the signal, not an error.
func (reg *Registry) cancelTaskTree(ctx context.Context, r *store.Run, actor activity.Actor) {
	if r.RootTaskID == "" {
		return
	}
	targets := []*store.Task{}
	if root, err := reg.store.GetTask(ctx, r.RootTaskID); err == nil {
		targets = append(targets, root)
	}
	descendants, err := reg.store.DescendantTasks(ctx, r.RootTaskID, 0)
	if err != nil {
		reg.logger.Warn("listing descendants for cancellation failed", "run", r.ID, "error", err)
	}
	targets = append(targets, descendants...)

	for _, t := range targets {
		if t.Status.IsTerminal() {
			continue
		}
		_, err := reg.tasks.Transition(ctx, t.ID, task.TransitionRequest{
			To:    store.TaskStatusCancelled,
			Actor: actor,
		})
		if err != nil && !wefterrors.IsConflict(err) && !wefterrors.IsNotFound(err) {
			reg.logger.Warn("cancelling task failed", "run", r.ID, "task", t.ID, "error", err)
		}
	}
}

func (reg *Registry) cancelChildRuns(ctx context.Context, r *store.Run, actor activity.Actor) {
	children, _, err := reg.store.ListRuns(ctx, store.RunFilter{ParentRunID: r.ID}, store.Page{})
	if err != nil {
		reg.logger.Warn("listing child runs for cancellation failed", "run", r.ID, "error", err)
		return
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if _, err := reg.CancelRun(ctx, child.ID, actor); err != nil {
			reg.logger.Warn("cancelling child run failed", "run", r.ID, "child", child.ID, "error", err)
		}
	}
}

// PauseRun moves a running run to paused. Step activations arriving while
// paused are parked on the run and drained by ResumeRun.
func (reg *Registry) PauseRun(ctx context.Context, id string) (*store.Run, error) {
	paused, err := reg.store.AtomicRunTransition(ctx, id,
		[]store.RunStatus{store.RunStatusRunning}, store.RunMutation{To: store.RunStatusPaused})
	if err != nil {
		return nil, err
	}
	if paused == nil {
		current, gerr := reg.store.GetRun(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == store.RunStatusPaused {
			return current, nil
		}
		return nil, &wefterrors.ConflictError{Resource: "run", ID: id, Reason: fmt.Sprintf("cannot pause a %s run", current.Status)}
	}
	reg.bus.Publish(bus.Event{Type: bus.EventRunPaused, SubjectID: paused.ID, Payload: paused})
	return paused, nil
}

// ResumeRun moves a paused run back to running and re-dispatches every
// parked activation.
func (reg *Registry) ResumeRun(ctx context.Context, id string) (*store.Run, error) {
	resumed, err := reg.store.AtomicRunTransition(ctx, id,
		[]store.RunStatus{store.RunStatusPaused}, store.RunMutation{To: store.RunStatusRunning})
	if err != nil {
		return nil, err
	}
	if resumed == nil {
		current, gerr := reg.store.GetRun(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == store.RunStatusRunning {
			return current, nil
		}
		return nil, &wefterrors.ConflictError{Resource: "run", ID: id, Reason: fmt.Sprintf("cannot resume a %s run", current.Status)}
	}
	reg.bus.Publish(bus.Event{Type: bus.EventRunResumed, SubjectID: resumed.ID, Payload: resumed})

	reg.drainPendingActivations(ctx, resumed)

	final, err := reg.store.GetRun(ctx, id)
	if err != nil {
		return resumed, nil
	}
	return final, nil
}

// drainPendingActivations replays activations parked by a pause. Each is
// removed before dispatch so a crash mid-drain never replays it twice.
func (reg *Registry) drainPendingActivations(ctx context.Context, r *store.Run) {
	if len(r.PendingActivations) == 0 {
		return
	}
	activator := reg.getActivator()
	if activator == nil {
		reg.logger.Error("parked activations with no activator registered", "run", r.ID)
		return
	}

	for stepID, input := range r.PendingActivations {
		step := stepByID(r.Steps, stepID)
		if step == nil {
			reg.logger.Error("parked activation names unknown step", "run", r.ID, "step", stepID)
			continue
		}
		if err := reg.store.RemovePendingActivation(ctx, r.ID, stepID); err != nil {
			reg.logger.Warn("unparking activation failed", "run", r.ID, "step", stepID, "error", err)
			continue
		}
		if _, err := activator.ResumeStep(ctx, r, step, r.RootTaskID, input); err != nil {
			reg.logger.Warn("resumed activation failed", "run", r.ID, "step", stepID, "error", err)
		}
	}
}

// FinalizeIfQuiescent finishes a running run whose step frontier has
// drained: failed when a step failure was recorded, completed otherwise.
// Runs that are paused, still working, or already terminal are left alone.
func (reg *Registry) FinalizeIfQuiescent(ctx context.Context, id string) (*store.Run, error) {
	r, err := reg.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != store.RunStatusRunning || len(r.CurrentStepIDs) > 0 || len(r.PendingActivations) > 0 {
		return r, nil
	}

	to := store.RunStatusCompleted
	eventType := bus.EventRunCompleted
	if r.FailedStepID != "" {
		to = store.RunStatusFailed
		eventType = bus.EventRunFailed
	}

	final, err := reg.store.AtomicRunTransition(ctx, id,
		[]store.RunStatus{store.RunStatusRunning}, store.RunMutation{To: to})
	if err != nil {
		return nil, err
	}
	if final == nil {
		// Another finalizer or a cancellation won.
		return reg.store.GetRun(ctx, id)
	}
	reg.bus.Publish(bus.Event{Type: eventType, SubjectID: final.ID, Payload: final})

	reg.mirrorRootTask(ctx, final)
	reg.notifyParent(ctx, final)
	return final, nil
}

// FailRun fails a run immediately, recording the step whose failure was
// not routed to a handler. Racing finalizers and cancellations are
// tolerated: a run already terminal is returned unchanged.
func (reg *Registry) FailRun(ctx context.Context, id, stepID, message string) (*store.Run, error) {
	final, err := reg.store.AtomicRunTransition(ctx, id,
		[]store.RunStatus{store.RunStatusRunning, store.RunStatusPaused},
		store.RunMutation{To: store.RunStatusFailed, Error: message, FailedStepID: stepID})
	if err != nil {
		return nil, err
	}
	if final == nil {
		return reg.store.GetRun(ctx, id)
	}
	reg.bus.Publish(bus.Event{Type: bus.EventRunFailed, SubjectID: final.ID, Payload: final})

	reg.mirrorRootTask(ctx, final)
	reg.notifyParent(ctx, final)
	return final, nil
}

// mirrorRootTask moves the root flow task to the run's terminal status.
// A root already cancelled by a cascade keeps its status.
func (reg *Registry) mirrorRootTask(ctx context.Context, r *store.Run) {
	if r.RootTaskID == "" {
		return
	}
	req := task.TransitionRequest{Actor: activity.WorkflowActor(r.ID)}
	switch r.Status {
	case store.RunStatusCompleted:
		req.To = store.TaskStatusCompleted
		req.Output = r.OutputPayload
	case store.RunStatusFailed:
		req.To = store.TaskStatusFailed
		req.Error = r.Error
	default:
		return
	}
	if _, err := reg.tasks.Transition(ctx, r.RootTaskID, req); err != nil &&
		!wefterrors.IsConflict(err) && !wefterrors.IsNotFound(err) {
		reg.logger.Warn("mirroring run status to root task failed", "run", r.ID, "task", r.RootTaskID, "error", err)
	}
}

// notifyParent mirrors a subflow run's terminal status onto the parent
// step task that spawned it. A cancelled child fails the parent task so
// the parent run can route the failure instead of waiting forever.
func (reg *Registry) notifyParent(ctx context.Context, r *store.Run) {
	if r.ParentTaskID == "" {
		return
	}
	req := task.TransitionRequest{Actor: activity.WorkflowActor(r.ID)}
	switch r.Status {
	case store.RunStatusCompleted:
		req.To = store.TaskStatusCompleted
		req.Output = r.OutputPayload
	case store.RunStatusFailed:
		req.To = store.TaskStatusFailed
		req.Error = fmt.Sprintf("subflow run %s failed: %s", r.ID, r.Error)
	case store.RunStatusCancelled:
		req.To = store.TaskStatusFailed
		req.Error = fmt.Sprintf("subflow run %s cancelled", r.ID)
	default:
		return
	}
	if _, err := reg.tasks.Transition(ctx, r.ParentTaskID, req); err != nil &&
		!wefterrors.IsConflict(err) && !wefterrors.IsNotFound(err) {
		reg.logger.Warn("notifying subflow parent failed", "run", r.ID, "task", r.ParentTaskID, "error", err)
	}
}

func stepByID(steps []workflow.Step, id string) *workflow.Step {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}
