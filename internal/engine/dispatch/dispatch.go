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

// Package dispatch executes workflow steps. Every step kind maps to a
// strategy that shapes the step's task document before creation and then
// launches the kind's side effects: instant completion for triggers and
// decisions, batch seeding for foreach, timer-driven delivery for
// webhooks, a nested run for subflows. The package also owns step
// completion: each terminal step task routes back here to select
// successors, move the run frontier, and hand quiescent runs to the
// registry for finalization.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/httpclient"
	"github.com/weftworks/weft/pkg/jsonpath"
	"github.com/weftworks/weft/pkg/workflow"
	"github.com/weftworks/weft/pkg/workflow/expression"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/run"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/task"
)

// Gateway is the slice of the store the dispatcher touches.
type Gateway interface {
	store.TaskStore
	store.RunStore
	store.ExternalJobStore
	store.WebhookStore
}

// Runs is the run registry surface the dispatcher drives. *run.Registry
// satisfies it; the interface keeps the dependency one-way.
type Runs interface {
	StartWorkflow(ctx context.Context, req run.StartRequest) (*run.StartResult, error)
	FinalizeIfQuiescent(ctx context.Context, id string) (*store.Run, error)
	PauseRun(ctx context.Context, id string) (*store.Run, error)
	FailRun(ctx context.Context, id, stepID, message string) (*store.Run, error)
}

// Batches is the fan-out coordinator surface. *batch.Coordinator
// satisfies it.
type Batches interface {
	SeedItems(ctx context.Context, parent *store.Task, items []any, total *int64, seal bool) ([]string, error)
	RegisterJoin(ctx context.Context, join *store.Task) error
}

// Timers wakes the scheduler early for a newly armed deadline. The
// durable schedule on the task document is the record; a missed Arm only
// delays the fire until the next sweep. Optional: may be nil.
type Timers interface {
	Arm(kind store.TimerKind, taskID string, at time.Time)
}

// Options tune the dispatcher. Zero values use engine defaults.
type Options struct {
	// Client delivers webhook requests. Nil builds a pooled client with
	// transport retries disabled; the scheduler owns webhook retries.
	Client *http.Client

	// Secrets resolves {{secret "name"}} in step templates.
	Secrets workflow.SecretResolver

	// WebhookBackoffBase is the first retry delay when a step does not
	// set backoffBaseMs. Defaults to 1s.
	WebhookBackoffBase time.Duration

	// WebhookBackoffMax caps the exponential retry delay. Defaults to 5m.
	WebhookBackoffMax time.Duration

	// WebhookTimeout is the per-attempt request timeout when a step does
	// not set timeoutMs. Defaults to 30s.
	WebhookTimeout time.Duration
}

// Dispatcher activates workflow steps and advances runs as their step
// tasks settle. It implements run.Activator and batch.ChildActivator.
type Dispatcher struct {
	store   Gateway
	bus     *bus.Bus
	tasks   *task.Service
	runs    Runs
	batches Batches
	timers  Timers
	logger  *slog.Logger
	now     func() time.Time

	eval    *expression.Evaluator
	paths   *jsonpath.Executor
	secrets workflow.SecretResolver
	client  *http.Client

	backoffBase time.Duration
	backoffMax  time.Duration
	httpTimeout time.Duration
}

// New wires a dispatcher. timers may be nil (tests); deadline fires then
// rely on the durable schedule alone.
func New(g Gateway, b *bus.Bus, tasks *task.Service, runs Runs, batches Batches, timers Timers, logger *slog.Logger, opts Options) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:       g,
		bus:         b,
		tasks:       tasks,
		runs:        runs,
		batches:     batches,
		timers:      timers,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		eval:        expression.New(),
		paths:       jsonpath.NewExecutor(0, 0),
		secrets:     opts.Secrets,
		client:      opts.Client,
		backoffBase: opts.WebhookBackoffBase,
		backoffMax:  opts.WebhookBackoffMax,
		httpTimeout: opts.WebhookTimeout,
	}
	if d.backoffBase <= 0 {
		d.backoffBase = time.Second
	}
	if d.backoffMax <= 0 {
		d.backoffMax = 5 * time.Minute
	}
	if d.httpTimeout <= 0 {
		d.httpTimeout = 30 * time.Second
	}
	if d.client == nil {
		client, err := httpclient.New(httpclient.Config{
			Timeout:       d.httpTimeout,
			RetryAttempts: 0,
			UserAgent:     "weftd/1.0",
		})
		if err != nil {
			return nil, err
		}
		d.client = client
	}
	return d, nil
}

// strategy is one step kind's activation behavior. prepare shapes the
// task document before it is stored; launch runs after creation and owns
// the kind's side effects.
type strategy interface {
	prepare(d *Dispatcher, a *activation, t *store.Task) error
	launch(ctx context.Context, d *Dispatcher, a *activation, t *store.Task) error
}

var strategies = map[workflow.StepKind]strategy{
	workflow.StepKindTrigger:  triggerStrategy{},
	workflow.StepKindAgent:    agentStrategy{},
	workflow.StepKindManual:   manualStrategy{},
	workflow.StepKindDecision: decisionStrategy{},
	workflow.StepKindForeach:  foreachStrategy{},
	workflow.StepKindJoin:     joinStrategy{},
	workflow.StepKindExternal: externalStrategy{},
	workflow.StepKindWebhook:  webhookStrategy{},
	workflow.StepKindSubflow:  subflowStrategy{},
}

// sideEffectKinds are the kinds a dry run completes without executing.
// Flow-control kinds still run so the graph shape is exercised.
var sideEffectKinds = map[workflow.StepKind]bool{
	workflow.StepKindAgent:    true,
	workflow.StepKindManual:   true,
	workflow.StepKindExternal: true,
	workflow.StepKindWebhook:  true,
	workflow.StepKindSubflow:  true,
}

// activation is one step activation in flight.
type activation struct {
	run    *store.Run
	step   *workflow.Step
	parent string
	input  map[string]any

	// item marks a foreach child materialization. Item tasks skip the
	// frontier, step events, and the pause and skip gates.
	item      bool
	itemValue any
	itemIndex int64
	itemTitle string
	itemTotal int
}

// ActivateStep creates and starts the task for one step. It implements
// run.Activator. A (nil, nil) return means the activation was parked on
// a paused run.
func (d *Dispatcher) ActivateStep(ctx context.Context, r *store.Run, step *workflow.Step, parentTaskID string, input map[string]any) (*store.Task, error) {
	return d.activate(ctx, &activation{run: r, step: step, parent: parentTaskID, input: input}, true)
}

// ResumeStep is ActivateStep minus the pause gate, used when draining
// activations parked by a pause.
func (d *Dispatcher) ResumeStep(ctx context.Context, r *store.Run, step *workflow.Step, parentTaskID string, input map[string]any) (*store.Task, error) {
	return d.activate(ctx, &activation{run: r, step: step, parent: parentTaskID, input: input}, false)
}

// ActivateItem materializes one foreach child task. It implements
// batch.ChildActivator. Item tasks carry their item under metadata
// "_item"; the coordinator rolls their terminal statuses into the
// parent, so they never touch the run frontier.
func (d *Dispatcher) ActivateItem(ctx context.Context, parent *store.Task, item any, index int64) (*store.Task, error) {
	if parent.ForeachConfig == nil || parent.ForeachConfig.ChildStepID == "" {
		return nil, &wefterrors.FatalError{Op: "dispatch.item", Reason: fmt.Sprintf("task %s is not a fan-out parent", parent.ID)}
	}
	r, err := d.store.GetRun(ctx, parent.WorkflowRunID)
	if err != nil {
		return nil, err
	}
	step := r.StepByID(parent.ForeachConfig.ChildStepID)
	if step == nil {
		return nil, &wefterrors.FatalError{Op: "dispatch.item", Reason: fmt.Sprintf("run %s snapshot has no step %s", r.ID, parent.ForeachConfig.ChildStepID)}
	}

	return d.activate(ctx, &activation{
		run:       r,
		step:      step,
		parent:    parent.ID,
		input:     metaMap(parent, "input"),
		item:      true,
		itemValue: item,
		itemIndex: index,
		itemTitle: parent.ForeachConfig.ItemTitle,
		itemTotal: int(parent.BatchCounters.ExpectedCount),
	}, false)
}

// activate runs the common activation path: gates, task materialization,
// frontier bookkeeping, then the kind strategy.
func (d *Dispatcher) activate(ctx context.Context, a *activation, pauseGate bool) (*store.Task, error) {
	r, step := a.run, a.step

	if pauseGate && !a.item {
		if r.Status == store.RunStatusPaused {
			if err := d.store.AddPendingActivation(ctx, r.ID, step.ID, a.input); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if slices.Contains(r.ExecutionOptions.PauseAtSteps, step.ID) {
			if _, err := d.runs.PauseRun(ctx, r.ID); err != nil && !wefterrors.IsConflict(err) {
				return nil, err
			}
			if err := d.store.AddPendingActivation(ctx, r.ID, step.ID, a.input); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}

	strat, ok := strategies[step.Kind]
	if !ok {
		return nil, &wefterrors.FatalError{Op: "dispatch.activate", Reason: fmt.Sprintf("run %s step %s has unknown kind %q", r.ID, step.ID, step.Kind)}
	}

	doc := d.buildTask(a)

	skipped := !a.item && slices.Contains(r.ExecutionOptions.SkipSteps, step.ID)
	dryRun := r.ExecutionOptions.DryRun && sideEffectKinds[step.Kind]
	if skipped || dryRun {
		// Gated tasks carry no config snapshot and arm no deadlines.
		doc.Status = store.TaskStatusInProgress
		doc.ExecutionMode = store.ExecutionModeImmediate
	} else if err := strat.prepare(d, a, doc); err != nil {
		d.onActivationFailure(ctx, r, step, a.parent, a.input, err)
		return nil, err
	}

	if !a.item && step.Kind != workflow.StepKindTrigger {
		if _, err := d.store.AddCurrentStep(ctx, r.ID, step.ID); err != nil {
			return nil, err
		}
	}

	created, err := d.tasks.Create(ctx, doc, activity.WorkflowActor(r.ID))
	if err != nil {
		d.onActivationFailure(ctx, r, step, a.parent, a.input, err)
		return nil, err
	}

	if !a.item && step.Kind != workflow.StepKindTrigger {
		d.bus.Publish(bus.Event{Type: bus.EventRunStepStarted, SubjectID: r.ID,
			Payload: StepEvent{RunID: r.ID, StepID: step.ID, TaskID: created.ID}})
	}

	if skipped {
		return d.completeInline(ctx, created, r, map[string]any{"skipped": true})
	}
	if dryRun {
		return d.completeInline(ctx, created, r, map[string]any{"dryRun": true})
	}

	if err := strat.launch(ctx, d, a, created); err != nil {
		d.failTask(ctx, created.ID, r.ID, err.Error())
		return created, err
	}
	return created, nil
}

// buildTask materializes the step's task document from the step, the
// run's task defaults, and the activation input.
func (d *Dispatcher) buildTask(a *activation) *store.Task {
	r, step := a.run, a.step

	t := &store.Task{
		Title:          d.renderStepTitle(a),
		Summary:        step.Summary,
		ExtraPrompt:    step.ExtraPrompt,
		ParentID:       a.parent,
		WorkflowID:     r.WorkflowID,
		WorkflowRunID:  r.ID,
		WorkflowStepID: step.ID,
		TaskType:       string(step.Kind),
		Urgency:        r.TaskDefaults.Urgency,
		Assignee:       r.TaskDefaults.Assignee,
		Tags:           mergeTags(r.TaskDefaults.Tags, step.Tags),
	}
	if step.Urgency != "" {
		t.Urgency = store.Urgency(step.Urgency)
	}
	if step.Assignee != "" {
		t.Assignee = step.Assignee
	}
	if r.TaskDefaults.DueOffsetMs > 0 {
		due := d.now().Add(time.Duration(r.TaskDefaults.DueOffsetMs) * time.Millisecond)
		t.DueAt = &due
	}
	if len(a.input) > 0 {
		t.Metadata = map[string]any{"input": store.CloneMap(a.input)}
	}
	if a.item {
		if t.Metadata == nil {
			t.Metadata = make(map[string]any, 2)
		}
		t.Metadata["_item"] = a.itemValue
		t.Metadata["_itemIndex"] = a.itemIndex
	}
	return t
}

func (d *Dispatcher) renderStepTitle(a *activation) string {
	r, step := a.run, a.step
	rc := &workflow.RenderContext{
		Input:    a.input,
		Run:      runTemplateContext(r),
		Workflow: map[string]any{"id": r.WorkflowID, "name": r.WorkflowName, "version": r.WorkflowVersion},
		Secrets:  d.secrets,
	}

	tmpl := step.Title
	fallback := step.Name
	if fallback == "" {
		fallback = step.ID
	}
	if a.item {
		rc.Item = a.itemValue
		rc.Index = int(a.itemIndex)
		rc.Total = a.itemTotal
		tmpl = a.itemTitle
		fallback = fmt.Sprintf("%s #%d", fallback, a.itemIndex+1)
	}

	title, err := workflow.RenderTitle(tmpl, fallback, rc)
	if err != nil {
		d.logger.Warn("step title template failed, using fallback",
			"run", r.ID, "step", step.ID, "error", err)
		return fallback
	}
	return title
}

// completeInline finishes a gated task on the spot; the completion hook
// then advances the run as if the step had run.
func (d *Dispatcher) completeInline(ctx context.Context, t *store.Task, r *store.Run, meta map[string]any) (*store.Task, error) {
	return d.tasks.Transition(ctx, t.ID, task.TransitionRequest{
		To:       store.TaskStatusCompleted,
		Metadata: meta,
		Actor:    activity.WorkflowActor(r.ID),
	})
}

// failTask fails a step task after a launch error; the completion hook
// routes the failure. A conflict means something else settled the task
// first.
func (d *Dispatcher) failTask(ctx context.Context, taskID, runID, msg string) {
	if _, err := d.tasks.Transition(ctx, taskID, task.TransitionRequest{
		To:    store.TaskStatusFailed,
		Error: msg,
		Actor: activity.WorkflowActor(runID),
	}); err != nil && !wefterrors.IsConflict(err) {
		d.logger.Error("failing step task after launch error", "task", taskID, "error", err)
	}
}

func (d *Dispatcher) arm(kind store.TimerKind, taskID string, at time.Time) {
	if d.timers != nil {
		d.timers.Arm(kind, taskID, at)
	}
}

// registerCallback records the inbound-callback inventory row for a
// waiting step.
func (d *Dispatcher) registerCallback(ctx context.Context, r *store.Run, step *workflow.Step, t *store.Task) error {
	return d.store.RegisterWebhook(ctx, &store.WebhookRegistration{
		RunID:  r.ID,
		StepID: step.ID,
		TaskID: t.ID,
		Path:   CallbackPath(r.ID, step.ID),
	})
}

// CallbackPath is the ingress route a waiting step listens on.
func CallbackPath(runID, stepID string) string {
	return fmt.Sprintf("/v1/runs/%s/callback/%s", runID, stepID)
}

func runTemplateContext(r *store.Run) map[string]any {
	return map[string]any{"id": r.ID, "workflowId": r.WorkflowID, "inputPayload": r.InputPayload}
}

// conditionEnv is the environment step conditions evaluate in. The error
// key is always defined so `error != ""` distinguishes failure routing
// from success routing.
func conditionEnv(input, output map[string]any) map[string]any {
	env := map[string]any{
		"input":  map[string]any{},
		"output": map[string]any{},
		"error":  "",
	}
	if input != nil {
		env["input"] = input
	}
	if output != nil {
		env["output"] = output
	}
	return env
}

// decide picks a decision step's target: the first connection whose
// condition holds, else the default target. Decisions see their input as
// both input and output so conditions read naturally against the
// upstream result.
func (d *Dispatcher) decide(r *store.Run, step *workflow.Step, input map[string]any) string {
	env := conditionEnv(input, input)
	for _, conn := range step.Next {
		ok, err := d.eval.Evaluate(conn.Condition, env)
		if err != nil {
			d.logger.Warn("decision condition failed to evaluate",
				"run", r.ID, "step", step.ID, "target", conn.TargetStepID, "error", err)
			continue
		}
		if ok {
			return conn.TargetStepID
		}
	}
	return step.DefaultTarget
}

func mergeTags(defaults, step []string) []string {
	if len(step) == 0 {
		return defaults
	}
	seen := make(map[string]bool, len(defaults)+len(step))
	merged := make([]string, 0, len(defaults)+len(step))
	for _, tags := range [][]string{defaults, step} {
		for _, tag := range tags {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			merged = append(merged, tag)
		}
	}
	return merged
}

// metaMap reads a map-valued metadata key.
func metaMap(t *store.Task, key string) map[string]any {
	if t == nil || t.Metadata == nil {
		return nil
	}
	m, _ := t.Metadata[key].(map[string]any)
	return m
}

// --- step kind strategies ---

type triggerStrategy struct{}

func (triggerStrategy) prepare(_ *Dispatcher, _ *activation, t *store.Task) error {
	t.Status = store.TaskStatusInProgress
	t.ExecutionMode = store.ExecutionModeImmediate
	return nil
}

// launch completes the trigger immediately, forwarding the run input as
// the step output.
func (triggerStrategy) launch(ctx context.Context, d *Dispatcher, a *activation, t *store.Task) error {
	_, err := d.tasks.Transition(ctx, t.ID, task.TransitionRequest{
		To:     store.TaskStatusCompleted,
		Output: a.input,
		Actor:  activity.WorkflowActor(a.run.ID),
	})
	return err
}

type agentStrategy struct{}

func (agentStrategy) prepare(_ *Dispatcher, _ *activation, t *store.Task) error {
	t.Status = store.TaskStatusInProgress
	t.ExecutionMode = store.ExecutionModeAutomated
	return nil
}

func (agentStrategy) launch(context.Context, *Dispatcher, *activation, *store.Task) error {
	// Agents claim their tasks through the API; nothing to start here.
	return nil
}

type manualStrategy struct{}

func (manualStrategy) prepare(_ *Dispatcher, _ *activation, t *store.Task) error {
	t.Status = store.TaskStatusPending
	t.ExecutionMode = store.ExecutionModeManual
	return nil
}

func (manualStrategy) launch(context.Context, *Dispatcher, *activation, *store.Task) error {
	return nil
}

type decisionStrategy struct{}

func (decisionStrategy) prepare(_ *Dispatcher, _ *activation, t *store.Task) error {
	t.Status = store.TaskStatusInProgress
	t.ExecutionMode = store.ExecutionModeImmediate
	return nil
}

func (decisionStrategy) launch(ctx context.Context, d *Dispatcher, a *activation, t *store.Task) error {
	target := d.decide(a.run, a.step, a.input)
	if target == "" {
		_, err := d.tasks.Transition(ctx, t.ID, task.TransitionRequest{
			To:    store.TaskStatusFailed,
			Error: fmt.Sprintf("no connection matched for decision step %s", a.step.ID),
			Actor: activity.WorkflowActor(a.run.ID),
		})
		return err
	}
	_, err := d.tasks.Transition(ctx, t.ID, task.TransitionRequest{
		To:             store.TaskStatusCompleted,
		DecisionResult: target,
		Actor:          activity.WorkflowActor(a.run.ID),
	})
	return err
}

type foreachStrategy struct{}

func (foreachStrategy) prepare(d *Dispatcher, a *activation, t *store.Task) error {
	cfg := a.step.Foreach
	t.Status = store.TaskStatusWaiting
	t.ExecutionMode = store.ExecutionModeImmediate
	if cfg.ItemsSource == workflow.ItemsSourceExternalCallback {
		t.ExecutionMode = store.ExecutionModeExternalCallback
	}
	t.ForeachConfig = cfg
	if cfg.DeadlineMs > 0 {
		at := d.now().Add(time.Duration(cfg.DeadlineMs) * time.Millisecond)
		t.ScheduledFor = &at
		t.ScheduleKind = store.TimerBatchDeadline
	}
	return nil
}

// launch seeds the batch. Payload sources extract and seal their items
// in one shot; streaming sources seed an empty batch and register the
// callback route that will feed it.
func (foreachStrategy) launch(ctx context.Context, d *Dispatcher, a *activation, t *store.Task) error {
	cfg := t.ForeachConfig
	if t.ScheduledFor != nil {
		d.arm(store.TimerBatchDeadline, t.ID, *t.ScheduledFor)
	}

	if cfg.ItemsSource == workflow.ItemsSourceExternalCallback {
		var total *int64
		if cfg.ExpectedCountPath != "" {
			n, err := d.paths.Count(ctx, cfg.ExpectedCountPath, a.input)
			if err != nil {
				d.logger.Warn("expected count path failed; callbacks must declare the total",
					"run", a.run.ID, "step", a.step.ID, "error", err)
			} else {
				v := int64(n)
				total = &v
			}
		}
		if _, err := d.batches.SeedItems(ctx, t, nil, total, false); err != nil {
			return err
		}
		return d.registerCallback(ctx, a.run, a.step, t)
	}

	items, err := d.paths.Items(ctx, cfg.ItemsPath, a.input)
	if err != nil {
		return fmt.Errorf("itemsPath: %w", err)
	}
	if cfg.MaxItems > 0 && len(items) > cfg.MaxItems {
		d.logger.Warn("foreach items truncated to maxItems",
			"run", a.run.ID, "step", a.step.ID, "items", len(items), "max", cfg.MaxItems)
		items = items[:cfg.MaxItems]
	}
	total := int64(len(items))
	_, err = d.batches.SeedItems(ctx, t, items, &total, true)
	return err
}

type joinStrategy struct{}

func (joinStrategy) prepare(d *Dispatcher, a *activation, t *store.Task) error {
	t.Status = store.TaskStatusWaiting
	t.ExecutionMode = store.ExecutionModeImmediate
	t.JoinConfig = a.step.Join
	if b := a.step.Join.Boundary; b != nil && b.MaxWaitMs > 0 {
		at := d.now().Add(time.Duration(b.MaxWaitMs) * time.Millisecond)
		t.ScheduledFor = &at
		t.ScheduleKind = store.TimerJoinMaxWait
	}
	return nil
}

// launch registers the join with the coordinator, which evaluates it
// once immediately so a join over an already-settled population
// completes without waiting for another child event.
func (joinStrategy) launch(ctx context.Context, d *Dispatcher, _ *activation, t *store.Task) error {
	if t.ScheduledFor != nil {
		d.arm(store.TimerJoinMaxWait, t.ID, *t.ScheduledFor)
	}
	return d.batches.RegisterJoin(ctx, t)
}

type externalStrategy struct{}

func (externalStrategy) prepare(d *Dispatcher, a *activation, t *store.Task) error {
	t.Status = store.TaskStatusWaiting
	t.ExecutionMode = store.ExecutionModeExternalCallback
	cfg := a.step.External
	if cfg == nil {
		// Config is optional; the default expects a single callback.
		cfg = &workflow.ExternalConfig{ExpectedCallbacks: 1}
	}
	t.ExternalConfig = cfg
	if cfg.TimeoutMs > 0 {
		at := d.now().Add(time.Duration(cfg.TimeoutMs) * time.Millisecond)
		t.ScheduledFor = &at
		t.ScheduleKind = store.TimerExternalTimeout
	}
	return nil
}

func (externalStrategy) launch(ctx context.Context, d *Dispatcher, a *activation, t *store.Task) error {
	if t.ScheduledFor != nil {
		d.arm(store.TimerExternalTimeout, t.ID, *t.ScheduledFor)
	}
	job := &store.ExternalJob{
		TaskID:            t.ID,
		RunID:             a.run.ID,
		StepID:            a.step.ID,
		ExpectedCallbacks: int64(t.ExternalConfig.ExpectedCallbacks),
		TimeoutAt:         t.ScheduledFor,
		Status:            store.ExternalJobWaiting,
	}
	if err := d.store.UpsertExternalJob(ctx, job); err != nil {
		return err
	}
	return d.registerCallback(ctx, a.run, a.step, t)
}

type webhookStrategy struct{}

func (webhookStrategy) prepare(d *Dispatcher, a *activation, t *store.Task) error {
	t.Status = store.TaskStatusInProgress
	t.ExecutionMode = store.ExecutionModeImmediate
	t.WebhookConfig = a.step.Webhook
	// Delivery is timer-driven from the first attempt; the schedule is
	// due immediately.
	at := d.now()
	t.ScheduledFor = &at
	t.ScheduleKind = store.TimerWebhookRetry
	return nil
}

func (webhookStrategy) launch(_ context.Context, d *Dispatcher, _ *activation, t *store.Task) error {
	d.arm(store.TimerWebhookRetry, t.ID, *t.ScheduledFor)
	return nil
}

type subflowStrategy struct{}

func (subflowStrategy) prepare(_ *Dispatcher, _ *activation, t *store.Task) error {
	t.Status = store.TaskStatusWaiting
	t.ExecutionMode = store.ExecutionModeImmediate
	return nil
}

// launch starts the child run. The parent task waits until the child
// run's terminal status mirrors back through the registry.
func (subflowStrategy) launch(ctx context.Context, d *Dispatcher, a *activation, t *store.Task) error {
	cfg := a.step.Subflow

	input := a.input
	if len(cfg.InputMapping) > 0 {
		env := map[string]any{"input": a.input, "run": runTemplateContext(a.run)}
		mapped := make(map[string]any, len(cfg.InputMapping))
		for key, path := range cfg.InputMapping {
			v, err := d.paths.Execute(ctx, path, env)
			if err != nil {
				return fmt.Errorf("inputMapping %q: %w", key, err)
			}
			mapped[key] = v
		}
		input = mapped
	}

	req := run.StartRequest{
		WorkflowID:   cfg.WorkflowID,
		Input:        input,
		TaskDefaults: a.run.TaskDefaults,
		Source:       "subflow",
		ParentRunID:  a.run.ID,
		ParentTaskID: t.ID,
	}
	if cfg.InheritSecret {
		req.SecretHash = a.run.CallbackSecretHash
	}
	res, err := d.runs.StartWorkflow(ctx, req)
	if err != nil {
		return fmt.Errorf("starting subflow %s: %w", cfg.WorkflowID, err)
	}
	if _, err := d.store.UpdateTask(ctx, t.ID, store.UpdateTask{
		Metadata: map[string]any{"subflowRunId": res.Run.ID},
	}); err != nil {
		d.logger.Warn("recording subflow run id", "task", t.ID, "run", res.Run.ID, "error", err)
	}
	return nil
}
