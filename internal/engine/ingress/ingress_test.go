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

package ingress

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/batch"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/dispatch"
	"github.com/weftworks/weft/internal/engine/run"
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

// fixture wires the engine core the way the daemon does and puts the
// ingress on top, so callbacks drive real activations end to end.
type fixture struct {
	mem   *memory.Store
	tasks *task.Service
	reg   *run.Registry
	ing   *Ingress
}

func newFixture(t *testing.T, opts Options, defs ...*workflow.Published) *fixture {
	t.Helper()
	mem := memory.New()
	b := bus.New(nil)
	tasks := task.NewService(mem, b, activity.NewRecorder(mem, nil), nil)

	source := defSource{}
	for _, pub := range defs {
		source[pub.ID] = pub
	}
	reg := run.NewRegistry(mem, b, tasks, source, nil)
	coord := batch.NewCoordinator(mem, tasks, nil, nil)

	disp, err := dispatch.New(mem, b, tasks, reg, coord, nil, nil, dispatch.Options{})
	require.NoError(t, err)
	reg.SetActivator(disp)
	coord.SetChildActivator(disp)
	tasks.RegisterCompletionHook(func(ctx context.Context, settled *store.Task) {
		coord.OnChildTerminal(ctx, settled)
		disp.HandleTaskTerminal(ctx, settled)
	})

	return &fixture{
		mem:   mem,
		tasks: tasks,
		reg:   reg,
		ing:   New(mem, tasks, coord, nil, opts),
	}
}

var tester = activity.Actor{ID: "tester", Type: store.ActorUser}

func (f *fixture) start(t *testing.T, req run.StartRequest) *run.StartResult {
	t.Helper()
	res, err := f.reg.StartWorkflow(context.Background(), req)
	require.NoError(t, err)
	return res
}

func (f *fixture) getRun(t *testing.T, id string) *store.Run {
	t.Helper()
	r, err := f.mem.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

func (f *fixture) stepTasks(t *testing.T, runID, stepID string) []*store.Task {
	t.Helper()
	tasks, _, err := f.mem.ListTasks(context.Background(),
		store.TaskFilter{RunID: runID, StepID: stepID}, store.Page{})
	require.NoError(t, err)
	return tasks
}

func (f *fixture) stepTask(t *testing.T, runID, stepID string) *store.Task {
	t.Helper()
	tasks := f.stepTasks(t, runID, stepID)
	require.Len(t, tasks, 1, "expected exactly one task for step %s", stepID)
	return tasks[0]
}

func (f *fixture) complete(t *testing.T, id string, output map[string]any) {
	t.Helper()
	_, err := f.tasks.Transition(context.Background(), id, task.TransitionRequest{
		To: store.TaskStatusCompleted, Output: output, Actor: tester,
	})
	require.NoError(t, err)
}

func published(id, name string, steps ...workflow.Step) *workflow.Published {
	return &workflow.Published{Definition: workflow.Definition{
		ID:      id,
		Name:    name,
		Version: 1,
		Steps:   steps,
	}}
}

func conns(targets ...string) []workflow.Connection {
	out := make([]workflow.Connection, len(targets))
	for i, target := range targets {
		out[i] = workflow.Connection{TargetStepID: target}
	}
	return out
}

func headersOf(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func externalDef(id string, expectedCallbacks int) *workflow.Published {
	var cfg *workflow.ExternalConfig
	if expectedCallbacks > 0 {
		cfg = &workflow.ExternalConfig{ExpectedCallbacks: expectedCallbacks}
	}
	return published(id, "External",
		workflow.Step{ID: "start", Kind: workflow.StepKindTrigger, Next: conns("await")},
		workflow.Step{ID: "await", Kind: workflow.StepKindExternal, External: cfg, Next: conns("notify")},
		workflow.Step{ID: "notify", Kind: workflow.StepKindAgent},
	)
}

func streamingDef(id string) *workflow.Published {
	return published(id, "Stream",
		workflow.Step{ID: "start", Kind: workflow.StepKindTrigger, Next: conns("collect")},
		workflow.Step{ID: "collect", Kind: workflow.StepKindForeach,
			Foreach: &workflow.ForeachConfig{
				ItemsSource: workflow.ItemsSourceExternalCallback,
				ChildStepID: "review",
			},
			Next: conns("publish")},
		workflow.Step{ID: "review", Kind: workflow.StepKindAgent},
		workflow.Step{ID: "publish", Kind: workflow.StepKindAgent},
	)
}

func TestIngress_RejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, externalDef("wf_ext", 0))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_ext"})
	runID := res.Run.ID

	_, err := f.ing.Handle(ctx, "run_missing", "await", nil, res.CallbackSecret, ReqInfo{})
	assert.True(t, wefterrors.IsNotFound(err), "unknown run: %v", err)

	_, err = f.ing.Handle(ctx, runID, "await", nil, "wrong-secret", ReqInfo{})
	assert.True(t, wefterrors.IsUnauthorized(err), "wrong secret: %v", err)

	_, err = f.ing.Handle(ctx, runID, "await", nil, "", ReqInfo{})
	assert.True(t, wefterrors.IsUnauthorized(err), "empty secret: %v", err)

	_, err = f.ing.Handle(ctx, runID, "ghost", nil, res.CallbackSecret, ReqInfo{})
	assert.True(t, wefterrors.IsNotFound(err), "unknown step: %v", err)

	// Nothing moved.
	await := f.stepTask(t, runID, "await")
	assert.Equal(t, store.TaskStatusWaiting, await.Status)
	job, err := f.mem.GetExternalJob(ctx, await.ID)
	require.NoError(t, err)
	assert.Zero(t, job.ReceivedCallbacks)
}

func TestIngress_ExternalCallbackCompletesStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, externalDef("wf_ext", 0))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_ext"})
	runID := res.Run.ID
	await := f.stepTask(t, runID, "await")

	info := ReqInfo{
		RemoteAddr: "203.0.113.7:9400",
		Method:     http.MethodPost,
		Path:       dispatch.CallbackPath(runID, "await"),
		Headers: headersOf(
			HeaderSecret, res.CallbackSecret,
			HeaderComplete, "true",
			"Authorization", "Bearer shh",
			"X-Request-Id", "req_1",
		),
	}
	ack, err := f.ing.Handle(ctx, runID, "await", map[string]any{"result": "approved"}, res.CallbackSecret, info)
	require.NoError(t, err)

	assert.True(t, ack.Acknowledged)
	assert.Equal(t, await.ID, ack.TaskID)
	assert.Equal(t, store.TaskStatusCompleted, ack.TaskStatus)
	assert.Empty(t, ack.ChildTaskIDs)
	assert.Equal(t, int64(1), ack.ReceivedCount)
	assert.Equal(t, int64(1), ack.ExpectedCount)
	assert.True(t, ack.IsComplete)
	assert.Nil(t, ack.JoinResult)

	// The payload became the step output and flowed into the successor;
	// the control envelope injected by the header never leaks into it.
	settled := f.stepTask(t, runID, "await")
	assert.Equal(t, store.TaskStatusCompleted, settled.Status)
	assert.Equal(t, map[string]any{"result": "approved"}, settled.Metadata["output"])
	notify := f.stepTask(t, runID, "notify")
	assert.Equal(t, store.TaskStatusInProgress, notify.Status)
	assert.Equal(t, map[string]any{"result": "approved"}, notify.Metadata["input"])

	// Delivery audit: sanitized history entry plus the touched registration.
	history, ok := settled.Metadata["callbackHistory"].([]any)
	require.True(t, ok, "callbackHistory missing")
	require.Len(t, history, 1)
	entry, ok := history[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "203.0.113.7:9400", entry["remoteAddr"])
	assert.Equal(t, http.MethodPost, entry["method"])
	assert.Equal(t, dispatch.CallbackPath(runID, "await"), entry["path"])
	headers, ok := entry["headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "req_1", headers["X-Request-Id"])
	assert.NotContains(t, headers, "Authorization")
	assert.NotContains(t, headers, HeaderSecret)

	regs, err := f.mem.ListWebhooks(ctx, runID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, await.ID, regs[0].TaskID)
	assert.NotNil(t, regs[0].LastCallbackAt)

	job, err := f.mem.GetExternalJob(ctx, await.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExternalJobCompleted, job.Status)
	assert.Equal(t, int64(1), job.ReceivedCallbacks)

	// A late duplicate acknowledges without counting.
	late, err := f.ing.Handle(ctx, runID, "await", map[string]any{"result": "again"}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.True(t, late.Acknowledged)
	assert.True(t, late.IsComplete)
	assert.Equal(t, store.TaskStatusCompleted, late.TaskStatus)
	job, err = f.mem.GetExternalJob(ctx, await.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.ReceivedCallbacks)

	f.complete(t, notify.ID, map[string]any{"sent": true})
	assert.Equal(t, store.RunStatusCompleted, f.getRun(t, runID).Status)
}

func TestIngress_ExternalAwaitsAllCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, externalDef("wf_ext2", 2))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_ext2"})
	runID := res.Run.ID

	first, err := f.ing.Handle(ctx, runID, "await", map[string]any{"part": 1}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ReceivedCount)
	assert.Equal(t, int64(2), first.ExpectedCount)
	assert.False(t, first.IsComplete)
	assert.Equal(t, store.TaskStatusWaiting, first.TaskStatus)
	assert.Equal(t, store.TaskStatusWaiting, f.stepTask(t, runID, "await").Status)

	second, err := f.ing.Handle(ctx, runID, "await", map[string]any{"part": 2}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ReceivedCount)
	assert.True(t, second.IsComplete)
	assert.Equal(t, store.TaskStatusCompleted, second.TaskStatus)

	// The completing callback's payload is the output; the first one is
	// history, not data.
	settled := f.stepTask(t, runID, "await")
	assert.Equal(t, map[string]any{"part": 2}, settled.Metadata["output"])
	history, _ := settled.Metadata["callbackHistory"].([]any)
	assert.Len(t, history, 2)
}

func TestIngress_StreamingForeachLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, streamingDef("wf_stream"))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_stream"})
	runID := res.Run.ID
	collect := f.stepTask(t, runID, "collect")
	require.Equal(t, store.TaskStatusWaiting, collect.Status)

	// Two items up front, with the expected total announced by header.
	ack, err := f.ing.Handle(ctx, runID, "collect", map[string]any{
		"items": []any{map[string]any{"id": 1}, map[string]any{"id": 2}},
	}, res.CallbackSecret, ReqInfo{Headers: headersOf(HeaderExpectedCount, "3")})
	require.NoError(t, err)
	assert.Len(t, ack.ChildTaskIDs, 2)
	assert.Equal(t, int64(2), ack.ReceivedCount)
	assert.Equal(t, int64(3), ack.ExpectedCount)
	assert.False(t, ack.IsComplete)
	assert.Equal(t, store.TaskStatusWaiting, ack.TaskStatus)

	// The straggler.
	ack, err = f.ing.Handle(ctx, runID, "collect", map[string]any{
		"item": map[string]any{"id": 3},
	}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.Len(t, ack.ChildTaskIDs, 1)
	assert.Equal(t, int64(3), ack.ReceivedCount)
	assert.False(t, ack.IsComplete, "total reached but not sealed")

	reviews := f.stepTasks(t, runID, "review")
	require.Len(t, reviews, 3)
	for _, child := range reviews {
		assert.Equal(t, store.TaskStatusInProgress, child.Status)
		assert.Equal(t, collect.ID, child.ParentID)
		f.complete(t, child.ID, map[string]any{"ok": true})
	}

	// All children done, but the producer has not signalled the end.
	assert.Equal(t, store.TaskStatusWaiting, f.stepTask(t, runID, "collect").Status)

	// The completion signal seals the batch and settles it synchronously,
	// so the ack carries the boundary outcome.
	ack, err = f.ing.Handle(ctx, runID, "collect", map[string]any{
		"workflowUpdate": map[string]any{"complete": true},
	}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.Empty(t, ack.ChildTaskIDs)
	assert.True(t, ack.IsComplete)
	assert.Equal(t, store.TaskStatusCompleted, ack.TaskStatus)
	require.NotNil(t, ack.JoinResult)
	assert.Equal(t, batch.ReasonThresholdMet, ack.JoinResult["reason"])
	assert.Equal(t, float64(100), ack.JoinResult["successPercent"])
	assert.Equal(t, int64(3), ack.JoinResult["processedCount"])
	assert.Equal(t, int64(3), ack.JoinResult["expectedCount"])

	job, err := f.mem.GetBatchJob(ctx, collect.ID)
	require.NoError(t, err)
	assert.Equal(t, store.BatchJobCompleted, job.Status)

	publish := f.stepTask(t, runID, "publish")
	assert.Equal(t, store.TaskStatusInProgress, publish.Status)
	f.complete(t, publish.ID, map[string]any{"published": true})

	r := f.getRun(t, runID)
	assert.Equal(t, store.RunStatusCompleted, r.Status)
	assert.ElementsMatch(t, []string{"collect", "publish"}, r.CompletedStepIDs)
}

func TestIngress_DuplicateItemKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, streamingDef("wf_dup"))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_dup"})
	runID := res.Run.ID

	first, err := f.ing.Handle(ctx, runID, "collect", map[string]any{
		"item": map[string]any{"itemKey": "k1", "doc": "a"},
	}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	require.Len(t, first.ChildTaskIDs, 1)

	// Same key, same payload: acknowledged replay, no new child.
	replay, err := f.ing.Handle(ctx, runID, "collect", map[string]any{
		"item": map[string]any{"itemKey": "k1", "doc": "a"},
	}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.Empty(t, replay.ChildTaskIDs)
	assert.Equal(t, int64(1), replay.ReceivedCount)

	// Same key, different payload: conflict.
	_, err = f.ing.Handle(ctx, runID, "collect", map[string]any{
		"item": map[string]any{"itemKey": "k1", "doc": "CHANGED"},
	}, res.CallbackSecret, ReqInfo{})
	assert.True(t, wefterrors.IsConflict(err), "changed payload under a used key: %v", err)

	assert.Len(t, f.stepTasks(t, runID, "review"), 1)
}

func TestIngress_HeaderOverrideValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, streamingDef("wf_hdr"))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_hdr"})
	runID := res.Run.ID

	for name, h := range map[string]http.Header{
		"non-numeric count": headersOf(HeaderExpectedCount, "three"),
		"negative count":    headersOf(HeaderExpectedCount, "-2"),
		"non-boolean flag":  headersOf(HeaderComplete, "yes"),
	} {
		_, err := f.ing.Handle(ctx, runID, "collect", nil, res.CallbackSecret, ReqInfo{Headers: h})
		assert.True(t, wefterrors.IsValidation(err), "%s: %v", name, err)
	}

	collect := f.stepTask(t, runID, "collect")
	assert.Equal(t, store.TaskStatusWaiting, collect.Status)
	assert.Zero(t, collect.BatchCounters.ReceivedCount)
}

func TestIngress_RoutesRejectNonCallbackSteps(t *testing.T) {
	ctx := context.Background()
	def := published("wf_guard", "Guard",
		workflow.Step{ID: "start", Kind: workflow.StepKindTrigger, Next: conns("a", "gate")},
		workflow.Step{ID: "a", Kind: workflow.StepKindAgent},
		workflow.Step{ID: "gate", Kind: workflow.StepKindJoin,
			Join: &workflow.JoinConfig{AwaitStepID: "a"}},
	)
	f := newFixture(t, Options{}, def)
	res := f.start(t, run.StartRequest{WorkflowID: "wf_guard"})
	runID := res.Run.ID
	require.Equal(t, store.TaskStatusWaiting, f.stepTask(t, runID, "gate").Status)

	_, err := f.ing.Handle(ctx, runID, "gate", map[string]any{"x": 1}, res.CallbackSecret, ReqInfo{})
	require.True(t, wefterrors.IsValidation(err))
	assert.Contains(t, err.Error(), "awaited")

	_, err = f.ing.Handle(ctx, runID, "a", map[string]any{"x": 1}, res.CallbackSecret, ReqInfo{})
	require.True(t, wefterrors.IsValidation(err))
	assert.Contains(t, err.Error(), "does not accept callbacks")

	assert.Equal(t, store.TaskStatusInProgress, f.stepTask(t, runID, "a").Status)
}

func TestIngress_CancelledRunAcknowledges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, streamingDef("wf_cancel"))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_cancel"})
	runID := res.Run.ID

	_, err := f.ing.Handle(ctx, runID, "collect", map[string]any{
		"item": map[string]any{"id": 1},
	}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)

	_, err = f.reg.CancelRun(ctx, runID, tester)
	require.NoError(t, err)

	ack, err := f.ing.Handle(ctx, runID, "collect", map[string]any{
		"item": map[string]any{"id": 2},
	}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.True(t, ack.Acknowledged)
	assert.True(t, ack.IsComplete)
	assert.Equal(t, store.TaskStatusCancelled, ack.TaskStatus)
	assert.Empty(t, ack.ChildTaskIDs)

	// The in-flight delivery changed nothing.
	assert.Len(t, f.stepTasks(t, runID, "review"), 1)
	collect := f.stepTask(t, runID, "collect")
	assert.Equal(t, store.TaskStatusCancelled, collect.Status)
	assert.Equal(t, int64(1), collect.BatchCounters.ReceivedCount)
}

func TestIngress_RateLimitIsPerRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{CallbackRPS: 0.0001, CallbackBurst: 2}, externalDef("wf_rate", 9))

	res := f.start(t, run.StartRequest{WorkflowID: "wf_rate"})
	runID := res.Run.ID

	for i := 0; i < 2; i++ {
		_, err := f.ing.Handle(ctx, runID, "await", map[string]any{"n": i}, res.CallbackSecret, ReqInfo{})
		require.NoError(t, err)
	}
	_, err := f.ing.Handle(ctx, runID, "await", map[string]any{"n": 3}, res.CallbackSecret, ReqInfo{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	// The rejected delivery was not counted.
	job, err := f.mem.GetExternalJob(ctx, f.stepTask(t, runID, "await").ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), job.ReceivedCallbacks)

	// A second run has its own bucket.
	other := f.start(t, run.StartRequest{WorkflowID: "wf_rate"})
	_, err = f.ing.Handle(ctx, other.Run.ID, "await", map[string]any{"n": 0}, other.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
}

func TestIngress_LegacyItemRoute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, streamingDef("wf_item"))
	res := f.start(t, run.StartRequest{WorkflowID: "wf_item"})
	runID := res.Run.ID

	first, err := f.ing.HandleItem(ctx, runID, "collect", map[string]any{"sku": "a"}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.Len(t, first.ChildTaskIDs, 1)
	assert.Equal(t, int64(1), first.ReceivedCount)
	assert.Zero(t, first.ExpectedCount, "legacy adds never update the total")
	assert.False(t, first.IsComplete)

	second, err := f.ing.HandleItem(ctx, runID, "collect", map[string]any{"sku": "b"}, res.CallbackSecret, ReqInfo{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ReceivedCount)
	assert.Zero(t, second.ExpectedCount)

	collect := f.stepTask(t, runID, "collect")
	assert.False(t, collect.Sealed)
	assert.Len(t, f.stepTasks(t, runID, "review"), 2)

	// The item route only feeds fan-out steps.
	_, err = f.ing.HandleItem(ctx, runID, "review", map[string]any{"sku": "c"}, res.CallbackSecret, ReqInfo{})
	assert.True(t, wefterrors.IsValidation(err), "item for a non-fan-out step: %v", err)
}

func TestMergeOverrides(t *testing.T) {
	payload := map[string]any{
		"data":           "x",
		"workflowUpdate": map[string]any{"total": 1, "note": "keep"},
	}

	merged, err := mergeOverrides(payload, headersOf(HeaderExpectedCount, "5", HeaderComplete, "true"))
	require.NoError(t, err)
	wu, ok := merged["workflowUpdate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(5), wu["total"], "header beats body")
	assert.Equal(t, true, wu["complete"])
	assert.Equal(t, "keep", wu["note"])
	assert.Equal(t, "x", merged["data"])

	// The caller's payload is untouched.
	original := payload["workflowUpdate"].(map[string]any)
	assert.Equal(t, 1, original["total"])
	_, hasComplete := original["complete"]
	assert.False(t, hasComplete)

	// No overrides: identity.
	same, err := mergeOverrides(payload, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, payload, same)

	for name, h := range map[string]http.Header{
		"garbage count":  headersOf(HeaderExpectedCount, "lots"),
		"negative count": headersOf(HeaderExpectedCount, "-1"),
		"garbage flag":   headersOf(HeaderComplete, "yes"),
	} {
		_, err := mergeOverrides(payload, h)
		assert.True(t, wefterrors.IsValidation(err), "%s: %v", name, err)
	}
}

func TestSanitizeHeaders(t *testing.T) {
	h := http.Header{
		"X-Request-Id":      {"req_7"},
		"X-Tag":             {"a", "b"},
		"Authorization":     {"Bearer shh"},
		"Cookie":            {"session=1"},
		"x-workflow-secret": {"raw-key-built-map"},
	}
	got := sanitizeHeaders(h)
	assert.Equal(t, map[string]string{
		"X-Request-Id": "req_7",
		"X-Tag":        "a, b",
	}, got)

	assert.Nil(t, sanitizeHeaders(nil))
	assert.Nil(t, sanitizeHeaders(http.Header{}))
}
