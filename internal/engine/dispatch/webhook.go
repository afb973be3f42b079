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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/httpclient"
	"github.com/weftworks/weft/pkg/workflow"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/task"
)

// webhookResponseLimit caps how much of a response body is kept as step
// output.
const webhookResponseLimit = 256 << 10

// OnWebhookRetry runs one webhook delivery attempt. The scheduler hands
// it the claimed task image; every attempt, including the first, arrives
// through this path.
func (d *Dispatcher) OnWebhookRetry(ctx context.Context, claimed *store.Task) {
	t, err := d.store.GetTask(ctx, claimed.ID)
	if err != nil {
		d.logger.Error("loading webhook task for delivery", "task", claimed.ID, "error", err)
		return
	}
	if t.Status != store.TaskStatusInProgress {
		return
	}
	r, err := d.store.GetRun(ctx, t.WorkflowRunID)
	if err != nil {
		d.logger.Error("loading run for webhook delivery", "task", t.ID, "run", t.WorkflowRunID, "error", err)
		return
	}
	if r.Status.IsTerminal() {
		d.cancelQuiet(ctx, t, r.ID)
		return
	}

	cfg := t.WebhookConfig
	if cfg == nil {
		d.failWebhook(ctx, t, r.ID, nil, "webhook task has no delivery config")
		return
	}

	attemptNo := len(t.WebhookAttempts) + 1
	rendered, err := d.renderWebhook(r, t, cfg)
	if err != nil {
		// Template errors never heal on retry.
		attempt := store.WebhookAttempt{Attempt: attemptNo, Error: err.Error(), At: d.now()}
		d.failWebhook(ctx, t, r.ID, &attempt, fmt.Sprintf("webhook template: %v", err))
		return
	}

	attempt, output, success := d.deliver(ctx, cfg, rendered, attemptNo)
	d.recordDelivery(ctx, r, t, rendered, attempt)

	switch {
	case success:
		if _, err := d.tasks.Transition(ctx, t.ID, task.TransitionRequest{
			To:      store.TaskStatusCompleted,
			Output:  output,
			Attempt: &attempt,
			Actor:   activity.WorkflowActor(r.ID),
		}); err != nil && !wefterrors.IsConflict(err) {
			d.logger.Error("completing webhook task", "task", t.ID, "error", err)
		}
	case attemptNo > cfg.MaxRetries:
		d.failWebhook(ctx, t, r.ID, &attempt,
			fmt.Sprintf("webhook failed after %d attempts: %s", attemptNo, attempt.Error))
	default:
		d.scheduleRetry(ctx, t, cfg, attempt)
	}
}

// renderedWebhook is a delivery request after template expansion.
type renderedWebhook struct {
	method  string
	url     string
	headers map[string]string
	body    string
}

func (d *Dispatcher) renderWebhook(r *store.Run, t *store.Task, cfg *workflow.WebhookConfig) (*renderedWebhook, error) {
	rc := &workflow.RenderContext{
		Run:      runTemplateContext(r),
		Workflow: map[string]any{"id": r.WorkflowID, "name": r.WorkflowName, "version": r.WorkflowVersion},
		Secrets:  d.secrets,
	}
	if t.Metadata != nil {
		rc.Input = t.Metadata["input"]
		if item, ok := t.Metadata["_item"]; ok {
			rc.Item = item
			rc.Index = metaInt(t.Metadata["_itemIndex"])
		}
	}

	target, err := workflow.Render(cfg.URL, rc)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	if target == "" {
		return nil, fmt.Errorf("url template rendered empty")
	}

	headers := make(map[string]string, len(cfg.Headers))
	for name, tmpl := range cfg.Headers {
		v, err := workflow.Render(tmpl, rc)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		headers[name] = v
	}

	body, err := workflow.Render(cfg.Body, rc)
	if err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}

	method := cfg.Method
	if method == "" {
		method = workflow.DefaultWebhookMethod
	}
	return &renderedWebhook{method: method, url: target, headers: headers, body: body}, nil
}

// deliver performs one HTTP attempt and shapes the step output from the
// response.
func (d *Dispatcher) deliver(ctx context.Context, cfg *workflow.WebhookConfig, rw *renderedWebhook, attemptNo int) (store.WebhookAttempt, map[string]any, bool) {
	timeout := d.httpTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempt := store.WebhookAttempt{Attempt: attemptNo, At: d.now()}

	var body io.Reader
	if rw.body != "" {
		body = strings.NewReader(rw.body)
	}
	req, err := http.NewRequestWithContext(ctx, rw.method, rw.url, body)
	if err != nil {
		attempt.Error = err.Error()
		return attempt, nil, false
	}
	for name, value := range rw.headers {
		req.Header.Set(name, value)
	}
	if rw.body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	attempt.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		attempt.Error = err.Error()
		return attempt, nil, false
	}
	defer resp.Body.Close()

	attempt.StatusCode = resp.StatusCode
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, webhookResponseLimit))

	output := map[string]any{"statusCode": resp.StatusCode}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		output["response"] = parsed
	} else if len(raw) > 0 {
		output["response"] = string(raw)
	}

	if !statusAccepted(cfg, resp.StatusCode) {
		attempt.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return attempt, output, false
	}
	return attempt, output, true
}

func statusAccepted(cfg *workflow.WebhookConfig, code int) bool {
	if len(cfg.SuccessStatusCodes) > 0 {
		return slices.Contains(cfg.SuccessStatusCodes, code)
	}
	return code >= 200 && code < 300
}

// recordDelivery appends the attempt to the delivery log. Header values
// never persist; the URL is sanitized first.
func (d *Dispatcher) recordDelivery(ctx context.Context, r *store.Run, t *store.Task, rw *renderedWebhook, attempt store.WebhookAttempt) {
	safeURL := rw.url
	if parsed, err := url.Parse(rw.url); err == nil {
		safeURL = httpclient.SanitizeURL(parsed)
	}
	names := make([]string, 0, len(rw.headers))
	for name := range rw.headers {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := d.store.AppendWebhookDelivery(ctx, &store.WebhookDelivery{
		ID:          store.NewDeliveryID(),
		TaskID:      t.ID,
		RunID:       r.ID,
		StepID:      t.WorkflowStepID,
		Attempt:     attempt.Attempt,
		Method:      rw.method,
		URL:         safeURL,
		HeaderNames: names,
		StatusCode:  attempt.StatusCode,
		Error:       attempt.Error,
		DurationMs:  attempt.DurationMs,
		At:          attempt.At,
	}); err != nil {
		d.logger.Warn("recording webhook delivery", "task", t.ID, "error", err)
	}
}

// scheduleRetry stamps the next durable schedule on the task and wakes
// the timer. The backoff doubles per attempt from the step's base.
func (d *Dispatcher) scheduleRetry(ctx context.Context, t *store.Task, cfg *workflow.WebhookConfig, attempt store.WebhookAttempt) {
	base := d.backoffBase
	if cfg.BackoffBaseMs > 0 {
		base = time.Duration(cfg.BackoffBaseMs) * time.Millisecond
	}
	delay := base << (attempt.Attempt - 1)
	if delay > d.backoffMax || delay <= 0 {
		delay = d.backoffMax
	}
	nextAt := d.now().Add(delay)
	attempt.NextRetryAt = &nextAt

	updated, err := d.store.AtomicTransition(ctx, t.ID, []store.TaskStatus{store.TaskStatusInProgress}, store.TaskMutation{
		To:            store.TaskStatusInProgress,
		AppendAttempt: &attempt,
		ScheduledFor:  &nextAt,
		ScheduleKind:  store.TimerWebhookRetry,
	})
	if err != nil {
		d.logger.Error("scheduling webhook retry", "task", t.ID, "error", err)
		return
	}
	if updated == nil {
		// The task settled while the attempt ran.
		return
	}
	d.bus.Publish(bus.Event{Type: bus.EventTaskUpdated, SubjectID: t.ID, Payload: updated})
	d.arm(store.TimerWebhookRetry, t.ID, nextAt)
}

// cancelQuiet stops a webhook task whose run already ended.
func (d *Dispatcher) cancelQuiet(ctx context.Context, t *store.Task, runID string) {
	if _, err := d.tasks.Transition(ctx, t.ID, task.TransitionRequest{
		To:    store.TaskStatusCancelled,
		Actor: activity.WorkflowActor(runID),
	}); err != nil && !wefterrors.IsConflict(err) {
		d.logger.Error("cancelling webhook task for ended run", "task", t.ID, "error", err)
	}
}

func (d *Dispatcher) failWebhook(ctx context.Context, t *store.Task, runID string, attempt *store.WebhookAttempt, msg string) {
	if _, err := d.tasks.Transition(ctx, t.ID, task.TransitionRequest{
		To:      store.TaskStatusFailed,
		Error:   msg,
		Attempt: attempt,
		Actor:   activity.WorkflowActor(runID),
	}); err != nil && !wefterrors.IsConflict(err) {
		d.logger.Error("failing webhook task", "task", t.ID, "error", err)
	}
}

// OnExternalTimeout fails a waiting external step whose callbacks never
// arrived. A callback racing the timer wins through the task CAS.
func (d *Dispatcher) OnExternalTimeout(ctx context.Context, claimed *store.Task) {
	msg := "external step timed out before its callbacks arrived"
	if cfg := claimed.ExternalConfig; cfg != nil && cfg.TimeoutMs > 0 {
		msg = fmt.Sprintf("external step timed out after %dms", cfg.TimeoutMs)
	}

	if _, err := d.tasks.Transition(ctx, claimed.ID, task.TransitionRequest{
		To:    store.TaskStatusFailed,
		Error: msg,
		Actor: activity.WorkflowActor(claimed.WorkflowRunID),
	}); err != nil {
		if !wefterrors.IsConflict(err) && !wefterrors.IsNotFound(err) {
			d.logger.Error("failing timed out external task", "task", claimed.ID, "error", err)
		}
		return
	}

	job, err := d.store.GetExternalJob(ctx, claimed.ID)
	if err != nil {
		d.logger.Warn("loading external job after timeout", "task", claimed.ID, "error", err)
		return
	}
	if job.Status == store.ExternalJobWaiting {
		job.Status = store.ExternalJobExpired
		if err := d.store.UpsertExternalJob(ctx, job); err != nil {
			d.logger.Warn("marking external job expired", "task", claimed.ID, "error", err)
		}
	}
}

func metaInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
