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

package dispatch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/pkg/workflow"

	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/store"
)

// StepEvent is the payload of step lifecycle events on the bus.
type StepEvent struct {
	RunID  string `json:"runId"`
	StepID string `json:"stepId"`
	TaskID string `json:"taskId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandleTaskTerminal advances a run when one of its step tasks settles.
// It is registered as the task service's completion hook, so it runs
// synchronously after every terminal transition commits.
func (d *Dispatcher) HandleTaskTerminal(ctx context.Context, t *store.Task) {
	if t.WorkflowRunID == "" || t.WorkflowStepID == "" {
		// Root flow tasks carry the run id but no step; the registry
		// mirrors those itself.
		return
	}
	if _, ok := t.Metadata["_item"]; ok {
		// Item tasks roll up through the batch coordinator.
		return
	}

	r, err := d.store.GetRun(ctx, t.WorkflowRunID)
	if err != nil {
		d.logger.Error("loading run for settled step task", "task", t.ID, "run", t.WorkflowRunID, "error", err)
		return
	}
	if r.Status.IsTerminal() {
		// The run already ended; late task settlements change nothing.
		return
	}

	switch t.Status {
	case store.TaskStatusCompleted:
		d.stepCompleted(ctx, r, t)
	case store.TaskStatusFailed:
		d.stepFailed(ctx, r, t, t.Error)
	case store.TaskStatusCancelled:
		// A step cancelled under a live run is a failure for routing.
		d.stepFailed(ctx, r, t, "task cancelled")
	}
}

func (d *Dispatcher) stepCompleted(ctx context.Context, r *store.Run, t *store.Task) {
	step := r.StepByID(t.WorkflowStepID)
	if step == nil {
		d.logger.Error("settled task names a step missing from the run snapshot",
			"run", r.ID, "step", t.WorkflowStepID, "task", t.ID)
		return
	}

	if step.Kind != workflow.StepKindTrigger {
		// Triggers never enter the frontier; run.started already told the
		// stream the run is moving.
		d.bus.Publish(bus.Event{Type: bus.EventRunStepCompleted, SubjectID: r.ID,
			Payload: StepEvent{RunID: r.ID, StepID: step.ID, TaskID: t.ID}})
	}

	input := metaMap(t, "input")
	output := metaMap(t, "output")
	next := output
	if len(next) == 0 {
		next = input
	}

	targets := d.selectTargets(r, step, t, input, output)
	if len(targets) == 0 {
		if step.Kind != workflow.StepKindTrigger {
			if _, err := d.store.AppendCompletedStep(ctx, r.ID, step.ID); err != nil {
				d.logger.Error("recording completed step", "run", r.ID, "step", step.ID, "error", err)
				return
			}
		}
		if len(output) > 0 {
			d.mergeRunOutput(ctx, r.ID, output)
		}
		d.finalize(ctx, r.ID)
		return
	}

	d.advance(ctx, r, step, t.ParentID, targets, next)
}

// advance moves the frontier from step to targets and activates them.
// Targets join the frontier before the source leaves it so a concurrent
// finalizer never sees the run drained mid-handoff.
func (d *Dispatcher) advance(ctx context.Context, r *store.Run, step *workflow.Step, parentTaskID string, targets []string, input map[string]any) {
	for _, target := range targets {
		if _, err := d.store.AddCurrentStep(ctx, r.ID, target); err != nil {
			d.logger.Error("adding successor to run frontier", "run", r.ID, "step", target, "error", err)
			return
		}
	}
	if step.Kind != workflow.StepKindTrigger {
		if _, err := d.store.AppendCompletedStep(ctx, r.ID, step.ID); err != nil {
			d.logger.Error("recording completed step", "run", r.ID, "step", step.ID, "error", err)
			return
		}
	}

	fresh, err := d.store.GetRun(ctx, r.ID)
	if err != nil {
		fresh = r
	}

	// Parallel branches activate independently; one branch failing must
	// not cancel its siblings, so no shared context group here.
	var g errgroup.Group
	for _, target := range targets {
		next := fresh.StepByID(target)
		if next == nil {
			d.logger.Error("connection targets a step missing from the run snapshot",
				"run", r.ID, "step", target)
			continue
		}
		g.Go(func() error {
			_, err := d.activate(ctx, &activation{run: fresh, step: next, parent: parentTaskID, input: input}, true)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// Activation failures were already routed as step failures.
		d.logger.Debug("successor activation reported failure", "run", r.ID, "error", err)
	}
}

// selectTargets picks the successors a completed step hands off to.
// Decisions route to exactly the recorded branch; every other kind
// follows all connections whose condition holds.
func (d *Dispatcher) selectTargets(r *store.Run, step *workflow.Step, t *store.Task, input, output map[string]any) []string {
	if step.Kind == workflow.StepKindDecision {
		if t.DecisionResult != "" {
			return []string{t.DecisionResult}
		}
		// Skipped decisions still decide, from their input alone.
		if target := d.decide(r, step, input); target != "" {
			return []string{target}
		}
		return nil
	}

	env := conditionEnv(input, output)
	var targets []string
	for _, conn := range step.Next {
		ok, err := d.eval.Evaluate(conn.Condition, env)
		if err != nil {
			d.logger.Warn("connection condition failed to evaluate",
				"run", r.ID, "step", step.ID, "target", conn.TargetStepID, "error", err)
			continue
		}
		if ok {
			targets = append(targets, conn.TargetStepID)
		}
	}
	return targets
}

func (d *Dispatcher) stepFailed(ctx context.Context, r *store.Run, t *store.Task, msg string) {
	step := r.StepByID(t.WorkflowStepID)
	if step == nil {
		d.logger.Error("failed task names a step missing from the run snapshot",
			"run", r.ID, "step", t.WorkflowStepID, "task", t.ID)
		return
	}

	d.bus.Publish(bus.Event{Type: bus.EventRunStepFailed, SubjectID: r.ID,
		Payload: StepEvent{RunID: r.ID, StepID: step.ID, TaskID: t.ID, Error: msg}})

	d.routeFailure(ctx, r, step, t.ParentID, metaMap(t, "input"), metaMap(t, "output"), msg)
}

// routeFailure sends a failed step down its handler connections, or
// fails the run when none match. Handler conditions see {input, output,
// error}; unconditional connections are success routes and never catch
// failures.
func (d *Dispatcher) routeFailure(ctx context.Context, r *store.Run, step *workflow.Step, parentTaskID string, input, output map[string]any, msg string) {
	env := conditionEnv(input, output)
	env["error"] = msg

	var targets []string
	for _, conn := range step.Next {
		if conn.Condition == "" {
			continue
		}
		ok, err := d.eval.Evaluate(conn.Condition, env)
		if err != nil {
			d.logger.Warn("failure handler condition failed to evaluate",
				"run", r.ID, "step", step.ID, "target", conn.TargetStepID, "error", err)
			continue
		}
		if ok {
			targets = append(targets, conn.TargetStepID)
		}
	}

	if len(targets) == 0 {
		if _, err := d.runs.FailRun(ctx, r.ID, step.ID, msg); err != nil {
			d.logger.Error("failing run after unhandled step failure", "run", r.ID, "step", step.ID, "error", err)
		}
		return
	}

	next := store.CloneMap(input)
	if next == nil {
		next = make(map[string]any, 1)
	}
	next["error"] = msg
	d.advance(ctx, r, step, parentTaskID, targets, next)
}

// onActivationFailure routes an activation that never produced a live
// task. The step is treated as failed with the activation error.
func (d *Dispatcher) onActivationFailure(ctx context.Context, r *store.Run, step *workflow.Step, parentTaskID string, input map[string]any, cause error) {
	d.logger.Error("step activation failed", "run", r.ID, "step", step.ID, "error", cause)
	d.bus.Publish(bus.Event{Type: bus.EventRunStepFailed, SubjectID: r.ID,
		Payload: StepEvent{RunID: r.ID, StepID: step.ID, Error: cause.Error()}})
	d.routeFailure(ctx, r, step, parentTaskID, input, nil, cause.Error())
}

// mergeRunOutput folds a terminal step's output into the run output, a
// read-merge-write over the run document.
func (d *Dispatcher) mergeRunOutput(ctx context.Context, runID string, output map[string]any) {
	r, err := d.store.GetRun(ctx, runID)
	if err != nil {
		d.logger.Error("loading run to merge step output", "run", runID, "error", err)
		return
	}
	merged := store.CloneMap(r.OutputPayload)
	if merged == nil {
		merged = make(map[string]any, len(output))
	}
	for k, v := range output {
		merged[k] = v
	}
	if _, err := d.store.UpdateRun(ctx, runID, store.UpdateRun{Output: merged}); err != nil {
		d.logger.Error("writing merged run output", "run", runID, "error", err)
	}
}

func (d *Dispatcher) finalize(ctx context.Context, runID string) {
	if _, err := d.runs.FinalizeIfQuiescent(ctx, runID); err != nil {
		d.logger.Error("finalizing quiescent run", "run", runID, "error", err)
	}
}
