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

// Package store defines the engine's persistent document model and the
// Gateway contract both backends (mongo, memory) implement.
//
// Every correctness decision in the engine flows through the gateway's
// atomic primitives: status changes go through AtomicTransition (a single
// compare-and-set on the status field) and batch arithmetic goes through
// IncrementCounters (a single atomic increment returning the post-image).
// Nothing else in the process may hold a lock that a concurrent writer of
// the same task needs to observe.
package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/pkg/workflow"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending is the initial state: created, not yet claimed.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusInProgress means an actor is working the task.
	TaskStatusInProgress TaskStatus = "in_progress"

	// TaskStatusWaiting means the task is parked on external input:
	// callbacks, child completions, or a join boundary.
	TaskStatusWaiting TaskStatus = "waiting"

	// TaskStatusOnHold means a person paused the task.
	TaskStatusOnHold TaskStatus = "on_hold"

	// TaskStatusCompleted is terminal success.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed is terminal failure.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled is terminal cancellation.
	TaskStatusCancelled TaskStatus = "cancelled"

	// TaskStatusArchived is accepted in list filters as an alias for the
	// archived flag. Archiving never rewrites the terminal status a task
	// died with; it only sets Task.Archived.
	TaskStatusArchived TaskStatus = "archived"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusWaiting,
		TaskStatusOnHold, TaskStatusCompleted, TaskStatusFailed,
		TaskStatusCancelled, TaskStatusArchived:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can change no further.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Urgency orders tasks for human and automated consumers.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// Valid reports whether u is a known urgency.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

// ExecutionMode describes who advances a task.
type ExecutionMode string

const (
	// ExecutionModeImmediate tasks are advanced by the engine itself.
	ExecutionModeImmediate ExecutionMode = "immediate"

	// ExecutionModeAutomated tasks wait for an automated actor (agent).
	ExecutionModeAutomated ExecutionMode = "automated"

	// ExecutionModeManual tasks wait for a person.
	ExecutionModeManual ExecutionMode = "manual"

	// ExecutionModeExternalCallback tasks wait for inbound callbacks.
	ExecutionModeExternalCallback ExecutionMode = "external_callback"
)

// TaskTypeFlow is the task type of a run's root task. All other task types
// mirror the step kind that materialized the task.
const TaskTypeFlow = "flow"

// ActorType classifies who performed an action for the activity log.
type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorSystem   ActorType = "system"
	ActorWorkflow ActorType = "workflow"
	ActorExternal ActorType = "external"
)

// TimerKind names the deadline classes persisted on subject documents. The
// (status, scheduledFor) index is the recovery scan for all of them.
type TimerKind string

const (
	TimerExternalTimeout TimerKind = "external_timeout"
	TimerJoinMaxWait     TimerKind = "join_maxwait"
	TimerWebhookRetry    TimerKind = "webhook_retry"
	TimerBatchDeadline   TimerKind = "batch_deadline"
)

// BatchCounters is the atomic arithmetic state of a fan-out or fan-in task.
// Counters only move through Gateway.IncrementCounters, never through plain
// updates, so concurrent callbacks cannot lose increments.
type BatchCounters struct {
	// ExpectedCount is the authoritative population size; zero until known
	ExpectedCount int64 `bson:"expectedCount" json:"expectedCount"`

	// ReceivedCount is how many items have been ingested
	ReceivedCount int64 `bson:"receivedCount" json:"receivedCount"`

	// ProcessedCount is how many children finished successfully
	ProcessedCount int64 `bson:"processedCount" json:"processedCount"`

	// FailedCount is how many children failed
	FailedCount int64 `bson:"failedCount" json:"failedCount"`
}

// Done is the number of children in a terminal state.
func (c BatchCounters) Done() int64 {
	return c.ProcessedCount + c.FailedCount
}

// CounterDeltas is one atomic adjustment to BatchCounters.
//
// ExpectedAtLeast raises ExpectedCount to the given value if it is higher;
// it never lowers it. Expected totals arrive from concurrent callbacks, so
// the floor semantic is what keeps them monotone without read-modify-write.
type CounterDeltas struct {
	ExpectedAtLeast int64
	Received        int64
	Processed       int64
	Failed          int64
}

// WebhookAttempt records one delivery attempt embedded on a webhook task.
type WebhookAttempt struct {
	// Attempt is 1-based
	Attempt int `bson:"attempt" json:"attempt"`

	// StatusCode is the HTTP status received, zero on transport error
	StatusCode int `bson:"statusCode,omitempty" json:"statusCode,omitempty"`

	// Error is the sanitized transport or status error, empty on success
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	// DurationMs is how long the attempt took
	DurationMs int64 `bson:"durationMs" json:"durationMs"`

	// At is when the attempt started
	At time.Time `bson:"at" json:"at"`

	// NextRetryAt is when the following attempt is scheduled, if any
	NextRetryAt *time.Time `bson:"nextRetryAt,omitempty" json:"nextRetryAt,omitempty"`
}

// Task is a materialized unit of work. Tasks are created by the dispatcher
// or the callback ingress, mutated through the task service, and frozen
// (except for the archive flag) once terminal.
type Task struct {
	ID          string     `bson:"_id" json:"id"`
	Title       string     `bson:"title" json:"title"`
	Summary     string     `bson:"summary,omitempty" json:"summary,omitempty"`
	ExtraPrompt string     `bson:"extraPrompt,omitempty" json:"extraPrompt,omitempty"`
	Status      TaskStatus `bson:"status" json:"status"`
	Urgency     Urgency    `bson:"urgency" json:"urgency"`

	// ParentID is empty on a run's root task
	ParentID string `bson:"parentId,omitempty" json:"parentId,omitempty"`

	WorkflowID     string `bson:"workflowId,omitempty" json:"workflowId,omitempty"`
	WorkflowRunID  string `bson:"workflowRunId,omitempty" json:"workflowRunId,omitempty"`
	WorkflowStepID string `bson:"workflowStepId,omitempty" json:"workflowStepId,omitempty"`

	// TaskType mirrors the originating step kind; the root task is "flow"
	TaskType string `bson:"taskType" json:"taskType"`

	ExecutionMode ExecutionMode `bson:"executionMode" json:"executionMode"`

	// ExpectedQuantity mirrors the sealed expected count for list views
	ExpectedQuantity *int64 `bson:"expectedQuantity,omitempty" json:"expectedQuantity,omitempty"`

	BatchCounters BatchCounters `bson:"batchCounters" json:"batchCounters"`

	// Sealed marks the expected count authoritative: no further growth
	Sealed bool `bson:"isSealed" json:"isSealed"`

	// Kind-specific configuration snapshots, copied from the step at
	// activation so definition edits never change in-flight tasks.
	ForeachConfig  *workflow.ForeachConfig  `bson:"foreachConfig,omitempty" json:"foreachConfig,omitempty"`
	JoinConfig     *workflow.JoinConfig     `bson:"joinConfig,omitempty" json:"joinConfig,omitempty"`
	ExternalConfig *workflow.ExternalConfig `bson:"externalConfig,omitempty" json:"externalConfig,omitempty"`
	WebhookConfig  *workflow.WebhookConfig  `bson:"webhookConfig,omitempty" json:"webhookConfig,omitempty"`

	// WebhookAttempts accumulates delivery attempts for webhook tasks
	WebhookAttempts []WebhookAttempt `bson:"webhookAttempts,omitempty" json:"webhookAttempts,omitempty"`

	// DecisionResult is the target step id a decision task selected
	DecisionResult string `bson:"decisionResult,omitempty" json:"decisionResult,omitempty"`

	Tags      []string `bson:"tags,omitempty" json:"tags,omitempty"`
	Assignee  string   `bson:"assignee,omitempty" json:"assignee,omitempty"`
	CreatedBy string   `bson:"createdBy" json:"createdBy"`

	// DueAt is an advisory due date from task defaults
	DueAt *time.Time `bson:"dueAt,omitempty" json:"dueAt,omitempty"`

	// ScheduledFor is the armed engine deadline; cleared when claimed.
	// ScheduleKind says which handler the fire belongs to.
	ScheduledFor *time.Time `bson:"scheduledFor,omitempty" json:"scheduledFor,omitempty"`
	ScheduleKind TimerKind  `bson:"scheduleKind,omitempty" json:"scheduleKind,omitempty"`

	// Archived soft-deletes the task from default listings
	Archived bool `bson:"archived" json:"archived"`

	// Metadata is free-form engine and caller state: step inputs land in
	// "input", step outputs in "output", foreach items in
	// "_item"/"_itemIndex", callback request records in "callbackHistory",
	// join results in "joinResult".
	Metadata map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`

	// Error is the failure message for failed tasks
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt" json:"updatedAt"`
	StartedAt   *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// Clone returns a deep copy. Both backends hand out clones so callers can
// never mutate a stored document in place.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.ExpectedQuantity = cloneInt64Ptr(t.ExpectedQuantity)
	out.ForeachConfig = cloneConfig(t.ForeachConfig)
	out.JoinConfig = cloneConfig(t.JoinConfig)
	out.ExternalConfig = cloneConfig(t.ExternalConfig)
	out.WebhookConfig = cloneConfig(t.WebhookConfig)
	out.WebhookAttempts = append([]WebhookAttempt(nil), t.WebhookAttempts...)
	out.Tags = append([]string(nil), t.Tags...)
	out.DueAt = cloneTime(t.DueAt)
	out.ScheduledFor = cloneTime(t.ScheduledFor)
	out.Metadata = CloneMap(t.Metadata)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	return &out
}

// TaskDefaults are run-level defaults inherited by every task the run
// materializes; step configuration wins on conflict.
type TaskDefaults struct {
	Assignee string   `bson:"assignee,omitempty" json:"assignee,omitempty"`
	Urgency  Urgency  `bson:"urgency,omitempty" json:"urgency,omitempty"`
	Tags     []string `bson:"tags,omitempty" json:"tags,omitempty"`

	// DueOffsetMs sets each task's DueAt this far after its creation
	DueOffsetMs int64 `bson:"dueOffsetMs,omitempty" json:"dueOffsetMs,omitempty"`
}

// ExecutionOptions tune how a run executes without changing its definition.
type ExecutionOptions struct {
	// PauseAtSteps pauses the run before activating any listed step
	PauseAtSteps []string `bson:"pauseAtSteps,omitempty" json:"pauseAtSteps,omitempty"`

	// SkipSteps completes listed steps immediately with metadata.skipped
	SkipSteps []string `bson:"skipSteps,omitempty" json:"skipSteps,omitempty"`

	// DryRun auto-completes agent, manual and external tasks with
	// metadata.dryRun so the graph can be exercised without side effects
	DryRun bool `bson:"dryRun,omitempty" json:"dryRun,omitempty"`
}

// Run is a live instance of a workflow definition.
type Run struct {
	ID              string `bson:"_id" json:"id"`
	WorkflowID      string `bson:"workflowId" json:"workflowId"`
	WorkflowName    string `bson:"workflowName,omitempty" json:"workflowName,omitempty"`
	WorkflowVersion int    `bson:"workflowVersion" json:"workflowVersion"`

	// Steps is the definition snapshot this run executes. Publishing a new
	// workflow version never changes it.
	Steps []workflow.Step `bson:"steps" json:"steps"`

	Status RunStatus `bson:"status" json:"status"`

	// CurrentStepIDs is the active frontier; disjoint from CompletedStepIDs
	CurrentStepIDs   []string `bson:"currentStepIds" json:"currentStepIds"`
	CompletedStepIDs []string `bson:"completedStepIds" json:"completedStepIds"`

	// PendingActivations parks activations deferred while the run is
	// paused, keyed by step id; resuming drains it. Persisted so a paused
	// run survives a restart without losing its frontier inputs.
	PendingActivations map[string]map[string]any `bson:"pendingActivations,omitempty" json:"pendingActivations,omitempty"`

	// FailedStepID records the first non-recovered step failure
	FailedStepID string `bson:"failedStepId,omitempty" json:"failedStepId,omitempty"`

	// RootTaskID points at the run's flow task
	RootTaskID string `bson:"rootTaskId,omitempty" json:"rootTaskId,omitempty"`

	InputPayload  map[string]any `bson:"inputPayload,omitempty" json:"inputPayload,omitempty"`
	OutputPayload map[string]any `bson:"outputPayload,omitempty" json:"outputPayload,omitempty"`

	TaskDefaults     TaskDefaults     `bson:"taskDefaults,omitempty" json:"taskDefaults,omitempty"`
	ExecutionOptions ExecutionOptions `bson:"executionOptions,omitempty" json:"executionOptions,omitempty"`

	// CallbackSecretHash is the SHA-256 digest of the run's callback
	// secret. The plaintext is returned once at creation and never stored.
	CallbackSecretHash string `bson:"callbackSecretHash" json:"-"`

	// ExternalID is a caller-supplied correlation id
	ExternalID string `bson:"externalId,omitempty" json:"externalId,omitempty"`

	// Source records what started the run (api, subflow, ...)
	Source string `bson:"source,omitempty" json:"source,omitempty"`

	// ParentRunID and ParentTaskID tie a subflow run to the step task
	// waiting on it
	ParentRunID  string `bson:"parentRunId,omitempty" json:"parentRunId,omitempty"`
	ParentTaskID string `bson:"parentTaskId,omitempty" json:"parentTaskId,omitempty"`

	// Error is the failure message for failed runs
	Error string `bson:"error,omitempty" json:"error,omitempty"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	StartedAt   *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}

// Clone returns a deep copy.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Steps = append([]workflow.Step(nil), r.Steps...)
	out.CurrentStepIDs = append([]string(nil), r.CurrentStepIDs...)
	out.CompletedStepIDs = append([]string(nil), r.CompletedStepIDs...)
	if r.PendingActivations != nil {
		out.PendingActivations = make(map[string]map[string]any, len(r.PendingActivations))
		for step, input := range r.PendingActivations {
			out.PendingActivations[step] = CloneMap(input)
		}
	}
	out.InputPayload = CloneMap(r.InputPayload)
	out.OutputPayload = CloneMap(r.OutputPayload)
	out.TaskDefaults.Tags = append([]string(nil), r.TaskDefaults.Tags...)
	out.ExecutionOptions.PauseAtSteps = append([]string(nil), r.ExecutionOptions.PauseAtSteps...)
	out.ExecutionOptions.SkipSteps = append([]string(nil), r.ExecutionOptions.SkipSteps...)
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	return &out
}

// StepByID returns the snapshot step with the given id, or nil.
func (r *Run) StepByID(id string) *workflow.Step {
	for i := range r.Steps {
		if r.Steps[i].ID == id {
			return &r.Steps[i]
		}
	}
	return nil
}

// FieldChange is one before/after pair in an activity entry.
type FieldChange struct {
	Field    string `bson:"field" json:"field"`
	OldValue any    `bson:"oldValue,omitempty" json:"oldValue,omitempty"`
	NewValue any    `bson:"newValue,omitempty" json:"newValue,omitempty"`
}

// ActivityEntry is one append-only audit record for a task.
type ActivityEntry struct {
	ID        string         `bson:"_id" json:"id"`
	TaskID    string         `bson:"taskId" json:"taskId"`
	EventType string         `bson:"eventType" json:"eventType"`
	ActorID   string         `bson:"actorId" json:"actorId"`
	ActorType ActorType      `bson:"actorType" json:"actorType"`
	Changes   []FieldChange  `bson:"changes,omitempty" json:"changes,omitempty"`
	Comment   string         `bson:"comment,omitempty" json:"comment,omitempty"`
	Metadata  map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Timestamp time.Time      `bson:"timestamp" json:"timestamp"`
}

// BatchItem is the idempotency ledger for streamed foreach items. The
// (parentTaskId, itemKey) unique index makes re-delivered callbacks no-ops.
type BatchItem struct {
	ID            string    `bson:"_id" json:"id"`
	ParentTaskID  string    `bson:"parentTaskId" json:"parentTaskId"`
	WorkflowRunID string    `bson:"workflowRunId" json:"workflowRunId"`
	ItemKey       string    `bson:"itemKey" json:"itemKey"`
	Seq           int64     `bson:"seq" json:"seq"`
	ChildTaskID   string    `bson:"childTaskId" json:"childTaskId"`
	PayloadHash   string    `bson:"payloadHash" json:"payloadHash"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
}

// BatchJobStatus is the reporting state of a batch job.
type BatchJobStatus string

const (
	BatchJobIngesting             BatchJobStatus = "ingesting"
	BatchJobSealed                BatchJobStatus = "sealed"
	BatchJobCompleted             BatchJobStatus = "completed"
	BatchJobCompletedWithWarnings BatchJobStatus = "completed_with_warnings"
	BatchJobFailed                BatchJobStatus = "failed"
)

// BoundaryEvaluation records the latest boundary decision on a batch job.
type BoundaryEvaluation struct {
	Reason         string    `bson:"reason" json:"reason"`
	SuccessPercent float64   `bson:"successPercent" json:"successPercent"`
	EvaluatedAt    time.Time `bson:"evaluatedAt" json:"evaluatedAt"`
}

// BatchJob is the durable reporting view of one foreach or join batch. The
// counters of record live on the task; this document exists so operators can
// list in-flight batches without scanning tasks.
type BatchJob struct {
	TaskID         string              `bson:"_id" json:"taskId"`
	RunID          string              `bson:"runId" json:"runId"`
	StepID         string              `bson:"stepId" json:"stepId"`
	Status         BatchJobStatus      `bson:"status" json:"status"`
	ExpectedTotal  int64               `bson:"expectedTotal" json:"expectedTotal"`
	DeadlineAt     *time.Time          `bson:"deadlineAt,omitempty" json:"deadlineAt,omitempty"`
	LastEvaluation *BoundaryEvaluation `bson:"lastEvaluation,omitempty" json:"lastEvaluation,omitempty"`
	CreatedAt      time.Time           `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time           `bson:"updatedAt" json:"updatedAt"`
}

// ExternalJobStatus is the state of an external-callback wait.
type ExternalJobStatus string

const (
	ExternalJobWaiting   ExternalJobStatus = "waiting"
	ExternalJobCompleted ExternalJobStatus = "completed"
	ExternalJobExpired   ExternalJobStatus = "expired"
	ExternalJobCancelled ExternalJobStatus = "cancelled"
)

// ExternalJob tracks callback progress for one external step task.
type ExternalJob struct {
	TaskID            string            `bson:"_id" json:"taskId"`
	RunID             string            `bson:"runId" json:"runId"`
	StepID            string            `bson:"stepId" json:"stepId"`
	ExpectedCallbacks int64             `bson:"expectedCallbacks" json:"expectedCallbacks"`
	ReceivedCallbacks int64             `bson:"receivedCallbacks" json:"receivedCallbacks"`
	TimeoutAt         *time.Time        `bson:"timeoutAt,omitempty" json:"timeoutAt,omitempty"`
	Status            ExternalJobStatus `bson:"status" json:"status"`
	CreatedAt         time.Time         `bson:"createdAt" json:"createdAt"`
	UpdatedAt         time.Time         `bson:"updatedAt" json:"updatedAt"`
}

// WebhookRegistration is the inventory record of one expected inbound
// callback, written when an external or streaming foreach step activates.
type WebhookRegistration struct {
	ID             string     `bson:"_id" json:"id"`
	RunID          string     `bson:"runId" json:"runId"`
	StepID         string     `bson:"stepId" json:"stepId"`
	TaskID         string     `bson:"taskId" json:"taskId"`
	Path           string     `bson:"path" json:"path"`
	CreatedAt      time.Time  `bson:"createdAt" json:"createdAt"`
	LastCallbackAt *time.Time `bson:"lastCallbackAt,omitempty" json:"lastCallbackAt,omitempty"`
}

// WebhookDelivery records one outbound webhook attempt for audit.
type WebhookDelivery struct {
	ID          string    `bson:"_id" json:"id"`
	TaskID      string    `bson:"taskId" json:"taskId"`
	RunID       string    `bson:"runId" json:"runId"`
	StepID      string    `bson:"stepId" json:"stepId"`
	Attempt     int       `bson:"attempt" json:"attempt"`
	Method      string    `bson:"method" json:"method"`
	URL         string    `bson:"url" json:"url"`
	HeaderNames []string  `bson:"headerNames,omitempty" json:"headerNames,omitempty"`
	StatusCode  int       `bson:"statusCode,omitempty" json:"statusCode,omitempty"`
	Error       string    `bson:"error,omitempty" json:"error,omitempty"`
	DurationMs  int64     `bson:"durationMs" json:"durationMs"`
	At          time.Time `bson:"at" json:"at"`
}

// ID generation. Prefixes make identifiers self-describing in logs and
// callback URLs.

// NewRunID returns a fresh run identifier.
func NewRunID() string { return "run_" + uuid.NewString() }

// NewTaskID returns a fresh task identifier.
func NewTaskID() string { return "task_" + uuid.NewString() }

// NewActivityID returns a fresh activity entry identifier.
func NewActivityID() string { return "act_" + uuid.NewString() }

// NewBatchItemID returns a fresh batch item identifier.
func NewBatchItemID() string { return "item_" + uuid.NewString() }

// NewWebhookID returns a fresh webhook registration identifier.
func NewWebhookID() string { return "wh_" + uuid.NewString() }

// NewDeliveryID returns a fresh webhook delivery identifier.
func NewDeliveryID() string { return "whd_" + uuid.NewString() }

// CloneMap deep-copies a JSON-like map. Values that are neither maps nor
// slices are treated as immutable.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneInt64Ptr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// cloneConfig value-copies a kind-config pointer. Configs are immutable
// snapshots once a task is created, so sharing their inner maps is safe.
func cloneConfig[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
