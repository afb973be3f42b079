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

package run

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/store/memory"
	"github.com/weftworks/weft/internal/engine/task"
)

type defSource map[string]*workflow.Published

func (d defSource) Get(id string) (*workflow.Published, error) {
	if pub, ok := d[id]; ok {
		return pub, nil
	}
	return nil, &wefterrors.NotFoundError{Resource: "workflow", ID: id}
}

type activation struct {
	StepID       string
	ParentTaskID string
	Input        map[string]any
}

type stubActivator struct {
	mu        sync.Mutex
	activated []activation
	resumed   []activation
	fail      error
}

func (a *stubActivator) ActivateStep(_ context.Context, _ *store.Run, step *workflow.Step, parentTaskID string, input map[string]any) (*store.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return nil, a.fail
	}
	a.activated = append(a.activated, activation{StepID: step.ID, ParentTaskID: parentTaskID, Input: input})
	return &store.Task{ID: "task_" + step.ID}, nil
}

func (a *stubActivator) ResumeStep(_ context.Context, _ *store.Run, step *workflow.Step, parentTaskID string, input map[string]any) (*store.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumed = append(a.resumed, activation{StepID: step.ID, ParentTaskID: parentTaskID, Input: input})
	return &store.Task{ID: "task_" + step.ID}, nil
}

func testDefinition() *workflow.Published {
	return &workflow.Published{
		Definition: workflow.Definition{
			ID:            "wf_review",
			Name:          "Review Flow",
			Version:       2,
			RootTaskTitle: "Run {{.workflow.name}}",
			Steps: []workflow.Step{
				{ID: "start", Kind: workflow.StepKindTrigger, Next: []workflow.Connection{{TargetStepID: "work"}}},
				{ID: "work", Kind: workflow.StepKindAgent, Title: "Do the work"},
			},
		},
	}
}

type fixture struct {
	reg   *Registry
	tasks *task.Service
	mem   *memory.Store
	act   *stubActivator

	mu     sync.Mutex
	events []bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	b := bus.New(nil)
	tasks := task.NewService(mem, b, activity.NewRecorder(mem, nil), nil)
	reg := NewRegistry(mem, b, tasks, defSource{"wf_review": testDefinition()}, nil)
	act := &stubActivator{}
	reg.SetActivator(act)

	f := &fixture{reg: reg, tasks: tasks, mem: mem, act: act}
	b.Subscribe("*", func(e bus.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
	return f
}

func (f *fixture) countEvents(et bus.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == et {
			n++
		}
	}
	return n
}

func (f *fixture) eventTypes() []bus.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]bus.EventType, len(f.events))
	for i, e := range f.events {
		types[i] = e.Type
	}
	return types
}

var tester = activity.Actor{ID: "tester", Type: store.ActorUser}

func mustStart(t *testing.T, f *fixture, req StartRequest) *StartResult {
	t.Helper()
	res, err := f.reg.StartWorkflow(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestRegistry_StartWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res := mustStart(t, f, StartRequest{
		WorkflowID: "wf_review",
		Input:      map[string]any{"invoice": "inv_42"},
		ExternalID: "corr-1",
	})

	r := res.Run
	assert.Equal(t, store.RunStatusRunning, r.Status)
	assert.Equal(t, "wf_review", r.WorkflowID)
	assert.Equal(t, 2, r.WorkflowVersion)
	assert.Len(t, r.Steps, 2)
	assert.Equal(t, "api", r.Source)
	assert.Equal(t, "corr-1", r.ExternalID)
	assert.NotNil(t, r.StartedAt)

	root := res.RootTask
	assert.Equal(t, "Run Review Flow", root.Title)
	assert.Equal(t, store.TaskTypeFlow, root.TaskType)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, store.TaskStatusInProgress, root.Status)
	assert.Equal(t, root.ID, r.RootTaskID)
	assert.Equal(t, r.ID, root.WorkflowRunID)

	require.NotEmpty(t, res.CallbackSecret)
	assert.True(t, VerifySecret(r.CallbackSecretHash, res.CallbackSecret))
	assert.NotEqual(t, res.CallbackSecret, r.CallbackSecretHash)

	require.Len(t, f.act.activated, 1)
	assert.Equal(t, "start", f.act.activated[0].StepID)
	assert.Equal(t, root.ID, f.act.activated[0].ParentTaskID)
	assert.Equal(t, "inv_42", f.act.activated[0].Input["invoice"])

	assert.Equal(t, []bus.EventType{
		bus.EventTaskCreated,
		bus.EventRunCreated,
		bus.EventRunStarted,
	}, f.eventTypes())

	_, err := f.reg.StartWorkflow(ctx, StartRequest{})
	assert.True(t, wefterrors.IsValidation(err))

	_, err = f.reg.StartWorkflow(ctx, StartRequest{WorkflowID: "wf_missing"})
	assert.True(t, wefterrors.IsNotFound(err))
}

func TestRegistry_StartWorkflow_VersionPinned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v1 := testDefinition()
	v1.Version = 1
	v1.Steps[1].Title = "Old work"
	require.NoError(t, f.mem.PutWorkflow(ctx, v1))

	res := mustStart(t, f, StartRequest{WorkflowID: "wf_review", Version: 1})
	assert.Equal(t, 1, res.Run.WorkflowVersion)
	assert.Equal(t, "Old work", res.Run.Steps[1].Title)

	_, err := f.reg.StartWorkflow(ctx, StartRequest{WorkflowID: "wf_review", Version: 9})
	assert.True(t, wefterrors.IsNotFound(err))
}

func TestRegistry_StartWorkflow_InheritedSecret(t *testing.T) {
	f := newFixture(t)

	parentDigest := SecretDigest("parent-secret")
	res := mustStart(t, f, StartRequest{
		WorkflowID:   "wf_review",
		SecretHash:   parentDigest,
		ParentRunID:  "run_parent",
		ParentTaskID: "task_parent",
		Source:       "subflow",
	})

	assert.Empty(t, res.CallbackSecret)
	assert.Equal(t, parentDigest, res.Run.CallbackSecretHash)
	assert.Equal(t, "run_parent", res.Run.ParentRunID)
	assert.Equal(t, "subflow", res.Run.Source)
	assert.True(t, VerifySecret(res.Run.CallbackSecretHash, "parent-secret"))
}

func TestRegistry_StartWorkflow_ActivationError(t *testing.T) {
	f := newFixture(t)
	f.act.fail = &wefterrors.FatalError{Op: "dispatch", Reason: "boom"}

	_, err := f.reg.StartWorkflow(context.Background(), StartRequest{WorkflowID: "wf_review"})
	require.Error(t, err)

	// The run itself was committed before activation failed.
	runs, total, lerr := f.reg.List(context.Background(), store.RunFilter{WorkflowID: "wf_review"}, store.Page{})
	require.NoError(t, lerr)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, store.RunStatusRunning, runs[0].Status)
}

func TestRegistry_Get(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	detail, err := f.reg.Get(ctx, res.Run.ID, GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, detail.Tasks)

	detail, err = f.reg.Get(ctx, res.Run.ID, GetOptions{IncludeTasks: true, Limit: 10})
	require.NoError(t, err)
	require.Len(t, detail.Tasks, 1)
	assert.Equal(t, res.RootTask.ID, detail.Tasks[0].ID)
	assert.Equal(t, int64(1), detail.TaskTotal)

	_, err = f.reg.Get(ctx, "run_missing", GetOptions{})
	assert.True(t, wefterrors.IsNotFound(err))
}

func TestRegistry_CancelRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	live, err := f.tasks.Create(ctx, &store.Task{
		Title:         "pending step",
		ParentID:      res.RootTask.ID,
		WorkflowRunID: res.Run.ID,
		Status:        store.TaskStatusInProgress,
	}, tester)
	require.NoError(t, err)

	done, err := f.tasks.Create(ctx, &store.Task{
		Title:         "finished step",
		ParentID:      res.RootTask.ID,
		WorkflowRunID: res.Run.ID,
		Status:        store.TaskStatusInProgress,
	}, tester)
	require.NoError(t, err)
	_, err = f.tasks.Transition(ctx, done.ID, task.TransitionRequest{To: store.TaskStatusCompleted, Actor: tester})
	require.NoError(t, err)

	cancelled, err := f.reg.CancelRun(ctx, res.Run.ID, tester)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	root, err := f.tasks.Get(ctx, res.RootTask.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, root.Status)

	child, err := f.tasks.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCancelled, child.Status)

	// Concurrent completions keep their result.
	kept, err := f.tasks.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, kept.Status)

	// Cancelling again is a quiet no-op.
	again, err := f.reg.CancelRun(ctx, res.Run.ID, tester)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, again.Status)
	assert.Equal(t, 1, f.countEvents(bus.EventRunCancelled))
}

func TestRegistry_CancelRun_CascadesToChildRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	child := mustStart(t, f, StartRequest{
		WorkflowID:  "wf_review",
		ParentRunID: parent.Run.ID,
		Source:      "subflow",
	})

	_, err := f.reg.CancelRun(ctx, parent.Run.ID, tester)
	require.NoError(t, err)

	got, err := f.reg.Get(ctx, child.Run.ID, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, got.Run.Status)
}

func TestRegistry_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	paused, err := f.reg.PauseRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPaused, paused.Status)
	assert.Equal(t, 1, f.countEvents(bus.EventRunPaused))

	// Pausing a paused run is idempotent.
	paused, err = f.reg.PauseRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPaused, paused.Status)
	assert.Equal(t, 1, f.countEvents(bus.EventRunPaused))

	// Park an activation the way the dispatcher would while paused.
	require.NoError(t, f.mem.AddPendingActivation(ctx, res.Run.ID, "work", map[string]any{"from": "start"}))

	resumed, err := f.reg.ResumeRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, resumed.Status)
	assert.Empty(t, resumed.PendingActivations)
	assert.Equal(t, 1, f.countEvents(bus.EventRunResumed))

	require.Len(t, f.act.resumed, 1)
	assert.Equal(t, "work", f.act.resumed[0].StepID)
	assert.Equal(t, res.RootTask.ID, f.act.resumed[0].ParentTaskID)
	assert.Equal(t, "start", f.act.resumed[0].Input["from"])

	// Resuming a running run is idempotent.
	resumed, err = f.reg.ResumeRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, resumed.Status)
	assert.Equal(t, 1, f.countEvents(bus.EventRunResumed))

	// Terminal runs can be neither paused nor resumed.
	_, err = f.reg.CancelRun(ctx, res.Run.ID, tester)
	require.NoError(t, err)
	_, err = f.reg.PauseRun(ctx, res.Run.ID)
	assert.True(t, wefterrors.IsConflict(err))
	_, err = f.reg.ResumeRun(ctx, res.Run.ID)
	assert.True(t, wefterrors.IsConflict(err))
}

func TestRegistry_FinalizeIfQuiescent_Completes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	_, err := f.mem.UpdateRun(ctx, res.Run.ID, store.UpdateRun{Output: map[string]any{"verdict": "approved"}})
	require.NoError(t, err)

	final, err := f.reg.FinalizeIfQuiescent(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, 1, f.countEvents(bus.EventRunCompleted))

	root, err := f.tasks.Get(ctx, res.RootTask.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, root.Status)
	assert.Equal(t, map[string]any{"verdict": "approved"}, root.Metadata["output"])

	// Finalizing a terminal run changes nothing.
	again, err := f.reg.FinalizeIfQuiescent(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, again.Status)
	assert.Equal(t, 1, f.countEvents(bus.EventRunCompleted))
}

func TestRegistry_FinalizeIfQuiescent_FailsOnRecordedFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	failedStep := "work"
	reason := "agent gave up"
	_, err := f.mem.UpdateRun(ctx, res.Run.ID, store.UpdateRun{FailedStepID: &failedStep, Error: &reason})
	require.NoError(t, err)

	final, err := f.reg.FinalizeIfQuiescent(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, final.Status)
	assert.Equal(t, 1, f.countEvents(bus.EventRunFailed))

	root, err := f.tasks.Get(ctx, res.RootTask.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, root.Status)
	assert.Equal(t, reason, root.Error)
}

func TestRegistry_FinalizeIfQuiescent_SkipsBusyAndPausedRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	busy := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})
	_, err := f.mem.AddCurrentStep(ctx, busy.Run.ID, "work")
	require.NoError(t, err)
	r, err := f.reg.FinalizeIfQuiescent(ctx, busy.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, r.Status)

	idle := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})
	_, err = f.reg.PauseRun(ctx, idle.Run.ID)
	require.NoError(t, err)
	r, err = f.reg.FinalizeIfQuiescent(ctx, idle.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPaused, r.Status)
	assert.Equal(t, 0, f.countEvents(bus.EventRunCompleted))
}

func TestRegistry_FinalizeNotifiesSubflowParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	waitingTask, err := f.tasks.Create(ctx, &store.Task{
		Title:         "subflow: review",
		ParentID:      parent.RootTask.ID,
		WorkflowRunID: parent.Run.ID,
		Status:        store.TaskStatusWaiting,
	}, tester)
	require.NoError(t, err)

	child := mustStart(t, f, StartRequest{
		WorkflowID:   "wf_review",
		ParentRunID:  parent.Run.ID,
		ParentTaskID: waitingTask.ID,
		Source:       "subflow",
	})
	_, err = f.mem.UpdateRun(ctx, child.Run.ID, store.UpdateRun{Output: map[string]any{"score": 10}})
	require.NoError(t, err)

	_, err = f.reg.FinalizeIfQuiescent(ctx, child.Run.ID)
	require.NoError(t, err)

	mirrored, err := f.tasks.Get(ctx, waitingTask.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, mirrored.Status)
	assert.Equal(t, map[string]any{"score": 10}, mirrored.Metadata["output"])
}

func TestRegistry_CancelledSubflowFailsParentTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	parent := mustStart(t, f, StartRequest{WorkflowID: "wf_review"})

	waitingTask, err := f.tasks.Create(ctx, &store.Task{
		Title:         "subflow: review",
		ParentID:      parent.RootTask.ID,
		WorkflowRunID: parent.Run.ID,
		Status:        store.TaskStatusWaiting,
	}, tester)
	require.NoError(t, err)

	child := mustStart(t, f, StartRequest{
		WorkflowID:   "wf_review",
		ParentTaskID: waitingTask.ID,
		Source:       "subflow",
	})

	_, err = f.reg.CancelRun(ctx, child.Run.ID, tester)
	require.NoError(t, err)

	mirrored, err := f.tasks.Get(ctx, waitingTask.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, mirrored.Status)
	assert.Contains(t, mirrored.Error, "cancelled")
}

func TestCallbackSecrets(t *testing.T) {
	plaintext, digest, err := NewCallbackSecret()
	require.NoError(t, err)
	assert.Len(t, digest, 64)
	assert.GreaterOrEqual(t, len(plaintext), 43)
	assert.NotContains(t, plaintext, "+")
	assert.NotContains(t, plaintext, "/")
	assert.NotContains(t, plaintext, "=")

	assert.True(t, VerifySecret(digest, plaintext))
	assert.False(t, VerifySecret(digest, plaintext+"x"))
	assert.False(t, VerifySecret(digest, ""))
	assert.False(t, VerifySecret("", plaintext))

	other, _, err := NewCallbackSecret()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)
}
