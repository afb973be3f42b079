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

// Package ingress is the single entry point for inbound run callbacks: it
// authenticates the caller against the run's callback secret, locates the
// waiting step task, merges header overrides into the payload, and routes
// to the external-completion or batch-ingestion path. Late callbacks for
// settled tasks or ended runs are acknowledged without touching state.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/batch"
	"github.com/weftworks/weft/internal/engine/run"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/task"
	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"
)

// Override headers a caller can send instead of (or alongside) the
// payload's workflowUpdate block. Headers win over the body.
const (
	HeaderSecret        = "X-Workflow-Secret"
	HeaderExpectedCount = "X-Expected-Count"
	HeaderComplete      = "X-Workflow-Complete"
)

// callbackHistoryLimit caps metadata.callbackHistory so a streaming batch
// with thousands of deliveries cannot grow the task document unbounded.
const callbackHistoryLimit = 50

// stepTaskScan bounds the lookup of a step's task. One live task per
// (run, step) is the invariant; the headroom covers re-activated steps in
// handler loops.
const stepTaskScan = 20

// ErrRateLimited marks a callback rejected because the run's token bucket
// is empty. The HTTP layer maps it to 429.
var ErrRateLimited = errors.New("callback rate limit exceeded")

// redactedHeaders never reach metadata.callbackHistory.
var redactedHeaders = map[string]bool{
	HeaderSecret:    true,
	"Authorization": true,
	"Cookie":        true,
}

// Gateway is the slice of the store the ingress touches.
type Gateway interface {
	store.TaskStore
	store.RunStore
	store.ExternalJobStore
	store.WebhookStore
}

// ReqInfo describes the inbound request for the audit trail. Headers are
// sanitized before they are persisted.
type ReqInfo struct {
	RemoteAddr string
	Method     string
	Path       string
	Headers    http.Header

	// ReceivedAt is when the request hit the server; zero means now.
	ReceivedAt time.Time
}

// Ack is the callback response. It acknowledges receipt; activations the
// callback triggered may still be settling when the caller reads it, so
// ChildTaskIDs lists only the tasks this delivery created.
type Ack struct {
	Acknowledged  bool             `json:"acknowledged"`
	TaskID        string           `json:"taskId"`
	TaskStatus    store.TaskStatus `json:"taskStatus"`
	ChildTaskIDs  []string         `json:"childTaskIds"`
	ReceivedCount int64            `json:"receivedCount"`
	ExpectedCount int64            `json:"expectedCount"`

	// IsComplete tells the producer to stop sending: the population is
	// sealed (fan-out) or every expected callback arrived (external).
	IsComplete bool `json:"isComplete"`

	// JoinResult carries the fan-out boundary outcome when this delivery
	// settled the parent step.
	JoinResult map[string]any `json:"joinResult,omitempty"`
}

// Options tune the ingress. Zero values disable rate limiting.
type Options struct {
	// CallbackRPS is the sustained per-run callback rate. Zero or
	// negative means unlimited.
	CallbackRPS float64

	// CallbackBurst is the per-run token bucket size. Values below 1 are
	// coerced to 1 when a rate is set.
	CallbackBurst int
}

// Ingress routes inbound callbacks to the engine.
type Ingress struct {
	store    Gateway
	tasks    *task.Service
	batches  *batch.Coordinator
	logger   *slog.Logger
	limiters *limiterPool
	now      func() time.Time
}

// New wires an ingress. The dispatcher is not a dependency: external
// completions advance the run through the task service's completion hook,
// and batch ingestion activates children through the coordinator.
func New(g Gateway, tasks *task.Service, batches *batch.Coordinator, logger *slog.Logger, opts Options) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		store:    g,
		tasks:    tasks,
		batches:  batches,
		logger:   logger,
		limiters: newLimiterPool(opts.CallbackRPS, opts.CallbackBurst),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies one callback: verify the secret, find the step task,
// merge header overrides, route by step kind, record the delivery.
// Callbacks for settled tasks or ended runs acknowledge without mutating
// anything; producers with deliveries in flight at cancellation time are
// expected, not errors.
func (in *Ingress) Handle(ctx context.Context, runID, stepID string, payload map[string]any, secret string, info ReqInfo) (*Ack, error) {
	t, settled, err := in.admit(ctx, runID, stepID, secret)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return settled, nil
	}

	merged, err := mergeOverrides(payload, info.Headers)
	if err != nil {
		return nil, err
	}

	var ack *Ack
	switch workflow.StepKind(t.TaskType) {
	case workflow.StepKindForeach:
		ack, err = in.ingest(ctx, t, batch.Normalize(merged))
	case workflow.StepKindExternal:
		ack, err = in.external(ctx, t, merged, callbackActor(info))
	case workflow.StepKindJoin:
		return nil, &wefterrors.ValidationError{
			Field:   "stepId",
			Message: fmt.Sprintf("join step %s settles from its awaited tasks, not from callbacks", stepID),
		}
	default:
		return nil, &wefterrors.ValidationError{
			Field:   "stepId",
			Message: fmt.Sprintf("step %s does not accept callbacks", stepID),
		}
	}
	if err != nil {
		return nil, err
	}

	in.recordCallback(ctx, t.ID, info)
	return ack, nil
}

// HandleItem is the legacy single-item route: one child task per call,
// no total update, no seal. Kept for producers that stream items one at
// a time without batch bookkeeping.
func (in *Ingress) HandleItem(ctx context.Context, runID, stepID string, item any, secret string, info ReqInfo) (*Ack, error) {
	t, settled, err := in.admit(ctx, runID, stepID, secret)
	if err != nil {
		return nil, err
	}
	if settled != nil {
		return settled, nil
	}
	if workflow.StepKind(t.TaskType) != workflow.StepKindForeach {
		return nil, &wefterrors.ValidationError{
			Field:   "stepId",
			Message: fmt.Sprintf("step %s is not a fan-out step", stepID),
		}
	}

	ack, err := in.ingest(ctx, t, batch.Normalized{Items: []any{item}})
	if err != nil {
		return nil, err
	}
	in.recordCallback(ctx, t.ID, info)
	return ack, nil
}

// admit runs the shared preamble: secret verification, step task lookup,
// settled short-circuit, rate limit. A non-nil Ack means the callback was
// acknowledged as a no-op and routing must not run.
func (in *Ingress) admit(ctx context.Context, runID, stepID, secret string) (*store.Task, *Ack, error) {
	if stepID == "" {
		return nil, nil, &wefterrors.ValidationError{Field: "stepId", Message: "step id is required"}
	}
	r, err := in.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if !run.VerifySecret(r.CallbackSecretHash, secret) {
		return nil, nil, &wefterrors.UnauthorizedError{Reason: "callback secret mismatch"}
	}

	t, err := in.stepTask(ctx, runID, stepID)
	if err != nil {
		return nil, nil, err
	}

	if r.Status.IsTerminal() {
		in.limiters.forget(runID)
		return t, ackSettled(t), nil
	}
	if t.Status.IsTerminal() {
		return t, ackSettled(t), nil
	}

	if !in.limiters.allow(runID) {
		return nil, nil, ErrRateLimited
	}
	return t, nil, nil
}

// stepTask locates the task a callback addresses. Listings come newest
// first; the live task wins, and when every activation of the step has
// settled the newest one answers the late-delivery ack.
func (in *Ingress) stepTask(ctx context.Context, runID, stepID string) (*store.Task, error) {
	tasks, _, err := in.store.ListTasks(ctx, store.TaskFilter{RunID: runID, StepID: stepID}, store.Page{Limit: stepTaskScan})
	if err != nil {
		return nil, err
	}
	var newest *store.Task
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return t, nil
		}
		if newest == nil {
			newest = t
		}
	}
	if newest != nil {
		return newest, nil
	}
	return nil, &wefterrors.NotFoundError{Resource: "step task", ID: fmt.Sprintf("%s/%s", runID, stepID)}
}

// ingest feeds one normalized callback to the fan-out coordinator. When
// the delivery settles the parent synchronously (completion signal on a
// fully processed batch), the ack carries the boundary outcome.
func (in *Ingress) ingest(ctx context.Context, t *store.Task, n batch.Normalized) (*Ack, error) {
	res, err := in.batches.IngestCallback(ctx, t, n)
	if err != nil {
		return nil, err
	}
	ack := &Ack{
		Acknowledged:  true,
		TaskID:        res.ParentTaskID,
		TaskStatus:    res.ParentStatus,
		ChildTaskIDs:  res.ChildTaskIDs,
		ReceivedCount: res.ReceivedCount,
		ExpectedCount: res.ExpectedCount,
		IsComplete:    res.Sealed,
	}
	if res.ParentStatus.IsTerminal() {
		settled, err := in.store.GetTask(ctx, t.ID)
		if err != nil {
			in.logger.Warn("loading settled fan-out parent for ack", "task", t.ID, "error", err)
			return ack, nil
		}
		if outcome, ok := settled.Metadata["batchResult"].(map[string]any); ok {
			ack.JoinResult = outcome
		}
	}
	return ack, nil
}

// external counts one callback against the step's expectation and
// completes the task when the last expected callback lands. The payload
// of the completing callback, minus the workflowUpdate control block,
// becomes the step output; earlier payloads live in the callback history.
func (in *Ingress) external(ctx context.Context, t *store.Task, payload map[string]any, actor activity.Actor) (*Ack, error) {
	job, err := in.store.IncrementExternalCallbacks(ctx, t.ID, 1)
	if err != nil {
		return nil, err
	}

	ack := &Ack{
		Acknowledged:  true,
		TaskID:        t.ID,
		TaskStatus:    t.Status,
		ChildTaskIDs:  []string{},
		ReceivedCount: job.ReceivedCallbacks,
		ExpectedCount: job.ExpectedCallbacks,
	}
	if job.ReceivedCallbacks < job.ExpectedCallbacks {
		return ack, nil
	}

	ack.IsComplete = true
	updated, err := in.tasks.Transition(ctx, t.ID, task.TransitionRequest{
		To:     store.TaskStatusCompleted,
		Output: externalOutput(payload),
		Actor:  actor,
	})
	if err != nil {
		if wefterrors.IsConflict(err) {
			// A concurrent callback or the timeout settled the task
			// first; report the winner's status.
			if fresh, gerr := in.store.GetTask(ctx, t.ID); gerr == nil {
				ack.TaskStatus = fresh.Status
			}
			return ack, nil
		}
		return nil, err
	}
	ack.TaskStatus = updated.Status

	job.Status = store.ExternalJobCompleted
	if err := in.store.UpsertExternalJob(ctx, job); err != nil {
		in.logger.Warn("marking external job completed", "task", t.ID, "error", err)
	}
	return ack, nil
}

// recordCallback appends a sanitized request record to the task's
// callback history and stamps the registration. History is observability
// metadata, not engine state: it writes through the store without events,
// and a concurrent append losing the read-modify-write race is accepted.
func (in *Ingress) recordCallback(ctx context.Context, taskID string, info ReqInfo) {
	at := info.ReceivedAt
	if at.IsZero() {
		at = in.now()
	}
	entry := map[string]any{"at": at.Format(time.RFC3339Nano)}
	if info.RemoteAddr != "" {
		entry["remoteAddr"] = info.RemoteAddr
	}
	if info.Method != "" {
		entry["method"] = info.Method
	}
	if info.Path != "" {
		entry["path"] = info.Path
	}
	if headers := sanitizeHeaders(info.Headers); len(headers) > 0 {
		entry["headers"] = headers
	}

	fresh, err := in.store.GetTask(ctx, taskID)
	if err != nil {
		in.logger.Warn("loading task for callback history", "task", taskID, "error", err)
		return
	}
	history, _ := fresh.Metadata["callbackHistory"].([]any)
	history = append(history, entry)
	if len(history) > callbackHistoryLimit {
		history = history[len(history)-callbackHistoryLimit:]
	}
	if _, err := in.store.UpdateTask(ctx, taskID, store.UpdateTask{
		Metadata: map[string]any{"callbackHistory": history},
	}); err != nil {
		in.logger.Warn("recording callback history", "task", taskID, "error", err)
	}
	if err := in.store.TouchWebhook(ctx, taskID, at); err != nil {
		in.logger.Warn("stamping callback registration", "task", taskID, "error", err)
	}
}

// ackSettled acknowledges a delivery that arrived after the task or its
// run ended.
func ackSettled(t *store.Task) *Ack {
	return &Ack{
		Acknowledged:  true,
		TaskID:        t.ID,
		TaskStatus:    t.Status,
		ChildTaskIDs:  []string{},
		ReceivedCount: t.BatchCounters.ReceivedCount,
		ExpectedCount: t.BatchCounters.ExpectedCount,
		IsComplete:    true,
	}
}

// mergeOverrides folds the override headers into the payload's
// workflowUpdate block. The inputs are never mutated; headers win over
// body fields of the same name.
func mergeOverrides(payload map[string]any, h http.Header) (map[string]any, error) {
	var expected, complete string
	if h != nil {
		expected = strings.TrimSpace(h.Get(HeaderExpectedCount))
		complete = strings.TrimSpace(h.Get(HeaderComplete))
	}
	if expected == "" && complete == "" {
		return payload, nil
	}

	merged := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	wu := map[string]any{}
	if prev, ok := merged["workflowUpdate"].(map[string]any); ok {
		for k, v := range prev {
			wu[k] = v
		}
	}
	if expected != "" {
		n, err := strconv.ParseInt(expected, 10, 64)
		if err != nil || n < 0 {
			return nil, &wefterrors.ValidationError{
				Field:   HeaderExpectedCount,
				Message: "must be a non-negative integer",
			}
		}
		wu["total"] = n
	}
	if complete != "" {
		b, err := strconv.ParseBool(complete)
		if err != nil {
			return nil, &wefterrors.ValidationError{
				Field:   HeaderComplete,
				Message: "must be a boolean",
			}
		}
		wu["complete"] = b
	}
	merged["workflowUpdate"] = wu
	return merged, nil
}

// externalOutput strips the workflowUpdate control block; the rest of the
// payload is the step's output.
func externalOutput(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "workflowUpdate" {
			continue
		}
		out[k] = v
	}
	return out
}

func sanitizeHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if redactedHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func callbackActor(info ReqInfo) activity.Actor {
	id := info.RemoteAddr
	if id == "" {
		id = "callback"
	}
	return activity.Actor{ID: id, Type: store.ActorExternal}
}

// limiterPool hands out one token bucket per run. Terminal runs are
// forgotten so the map stays bounded by live runs.
type limiterPool struct {
	limit rate.Limit
	burst int

	mu    sync.Mutex
	byRun map[string]*rate.Limiter
}

// newLimiterPool returns nil (unlimited) when rps is not positive.
func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &limiterPool{
		limit: rate.Limit(rps),
		burst: burst,
		byRun: make(map[string]*rate.Limiter),
	}
}

func (p *limiterPool) allow(runID string) bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	lim, ok := p.byRun[runID]
	if !ok {
		lim = rate.NewLimiter(p.limit, p.burst)
		p.byRun[runID] = lim
	}
	p.mu.Unlock()
	return lim.Allow()
}

func (p *limiterPool) forget(runID string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.byRun, runID)
	p.mu.Unlock()
}
