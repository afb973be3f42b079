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

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	wefterrors "github.com/weftworks/weft/pkg/errors"
	"github.com/weftworks/weft/pkg/workflow"

	"github.com/weftworks/weft/internal/engine/store"
)

func TestNew(t *testing.T) {
	s := New()
	if s == nil {
		t.Fatal("New() returned nil")
	}
	if s.tasks == nil {
		t.Error("tasks map not initialized")
	}
	if s.runs == nil {
		t.Error("runs map not initialized")
	}
	if s.batchItems == nil {
		t.Error("batchItems map not initialized")
	}
}

func TestStore_CreateTask(t *testing.T) {
	s := New()
	ctx := context.Background()

	t.Run("defaults and timestamps", func(t *testing.T) {
		created, err := s.CreateTask(ctx, &store.Task{Title: "review output"})
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		if created.ID == "" {
			t.Error("ID not assigned")
		}
		if created.Status != store.TaskStatusPending {
			t.Errorf("Status = %v, want pending", created.Status)
		}
		if created.Urgency != store.UrgencyNormal {
			t.Errorf("Urgency = %v, want normal", created.Urgency)
		}
		if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
			t.Error("timestamps not set")
		}
	})

	t.Run("duplicate id conflicts", func(t *testing.T) {
		_, err := s.CreateTask(ctx, &store.Task{ID: "task_dup", Title: "a"})
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		_, err = s.CreateTask(ctx, &store.Task{ID: "task_dup", Title: "b"})
		if !wefterrors.IsConflict(err) {
			t.Errorf("CreateTask() error = %v, want ConflictError", err)
		}
	})
}

func TestStore_GetTask(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, _ := s.CreateTask(ctx, &store.Task{Title: "fetch me"})

	t.Run("existing task", func(t *testing.T) {
		got, err := s.GetTask(ctx, created.ID)
		if err != nil {
			t.Fatalf("GetTask() error = %v", err)
		}
		if got.Title != "fetch me" {
			t.Errorf("Title = %v, want %q", got.Title, "fetch me")
		}
	})

	t.Run("missing task", func(t *testing.T) {
		_, err := s.GetTask(ctx, "task_missing")
		if !wefterrors.IsNotFound(err) {
			t.Errorf("GetTask() error = %v, want NotFoundError", err)
		}
	})
}

func TestStore_AtomicTransition(t *testing.T) {
	s := New()
	ctx := context.Background()

	t.Run("status mismatch returns nil nil", func(t *testing.T) {
		created, _ := s.CreateTask(ctx, &store.Task{Title: "t"})
		got, err := s.AtomicTransition(ctx, created.ID, []store.TaskStatus{store.TaskStatusWaiting}, store.TaskMutation{
			To: store.TaskStatusCompleted,
		})
		if err != nil {
			t.Fatalf("AtomicTransition() error = %v", err)
		}
		if got != nil {
			t.Errorf("AtomicTransition() = %+v, want nil on CAS miss", got)
		}
		// Document unchanged.
		after, _ := s.GetTask(ctx, created.ID)
		if after.Status != store.TaskStatusPending {
			t.Errorf("Status = %v, want pending", after.Status)
		}
	})

	t.Run("missing document is not found", func(t *testing.T) {
		_, err := s.AtomicTransition(ctx, "task_missing", []store.TaskStatus{store.TaskStatusPending}, store.TaskMutation{
			To: store.TaskStatusInProgress,
		})
		if !wefterrors.IsNotFound(err) {
			t.Errorf("AtomicTransition() error = %v, want NotFoundError", err)
		}
	})

	t.Run("stamps started and completed", func(t *testing.T) {
		created, _ := s.CreateTask(ctx, &store.Task{Title: "t"})

		started, err := s.AtomicTransition(ctx, created.ID, []store.TaskStatus{store.TaskStatusPending}, store.TaskMutation{
			To: store.TaskStatusInProgress,
		})
		if err != nil {
			t.Fatalf("AtomicTransition() error = %v", err)
		}
		if started.StartedAt == nil {
			t.Error("StartedAt not stamped on first in_progress")
		}
		if started.CompletedAt != nil {
			t.Error("CompletedAt stamped before terminal")
		}

		done, err := s.AtomicTransition(ctx, created.ID, []store.TaskStatus{store.TaskStatusInProgress}, store.TaskMutation{
			To: store.TaskStatusCompleted,
		})
		if err != nil {
			t.Fatalf("AtomicTransition() error = %v", err)
		}
		if done.CompletedAt == nil {
			t.Error("CompletedAt not stamped on terminal")
		}
	})

	t.Run("merges metadata and appends attempts", func(t *testing.T) {
		created, _ := s.CreateTask(ctx, &store.Task{
			Title:    "t",
			Metadata: map[string]any{"keep": "me"},
		})
		sealed := true
		got, err := s.AtomicTransition(ctx, created.ID, []store.TaskStatus{store.TaskStatusPending}, store.TaskMutation{
			To:            store.TaskStatusWaiting,
			Metadata:      map[string]any{"output": map[string]any{"n": 1}},
			Sealed:        &sealed,
			AppendAttempt: &store.WebhookAttempt{Attempt: 1, StatusCode: 503},
		})
		if err != nil {
			t.Fatalf("AtomicTransition() error = %v", err)
		}
		if got.Metadata["keep"] != "me" {
			t.Error("existing metadata key lost")
		}
		if got.Metadata["output"] == nil {
			t.Error("merged metadata key missing")
		}
		if !got.Sealed {
			t.Error("Sealed not applied")
		}
		if len(got.WebhookAttempts) != 1 || got.WebhookAttempts[0].StatusCode != 503 {
			t.Errorf("WebhookAttempts = %+v, want one 503 attempt", got.WebhookAttempts)
		}
	})

	t.Run("schedule set and clear", func(t *testing.T) {
		created, _ := s.CreateTask(ctx, &store.Task{Title: "t"})
		at := time.Now().UTC().Add(time.Minute)
		got, err := s.AtomicTransition(ctx, created.ID, []store.TaskStatus{store.TaskStatusPending}, store.TaskMutation{
			To:           store.TaskStatusWaiting,
			ScheduledFor: &at,
			ScheduleKind: store.TimerExternalTimeout,
		})
		if err != nil {
			t.Fatalf("AtomicTransition() error = %v", err)
		}
		if got.ScheduledFor == nil || got.ScheduleKind != store.TimerExternalTimeout {
			t.Errorf("schedule not applied: %+v", got)
		}

		got, err = s.AtomicTransition(ctx, created.ID, []store.TaskStatus{store.TaskStatusWaiting}, store.TaskMutation{
			To:            store.TaskStatusCompleted,
			ClearSchedule: true,
		})
		if err != nil {
			t.Fatalf("AtomicTransition() error = %v", err)
		}
		if got.ScheduledFor != nil || got.ScheduleKind != "" {
			t.Errorf("schedule not cleared: %+v", got)
		}
	})
}

// TestStore_SingleWinnerElection exercises the concurrency contract that
// fan-in completion relies on: many goroutines race the same waiting task
// to a terminal status and exactly one sees a non-nil post-image.
func TestStore_SingleWinnerElection(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, _ := s.CreateTask(ctx, &store.Task{Title: "parent", Status: store.TaskStatusWaiting})

	const racers = 50
	var wg sync.WaitGroup
	wins := make(chan *store.Task, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.AtomicTransition(ctx, created.ID, []store.TaskStatus{store.TaskStatusWaiting}, store.TaskMutation{
				To: store.TaskStatusCompleted,
			})
			if err != nil {
				t.Errorf("AtomicTransition() error = %v", err)
				return
			}
			if got != nil {
				wins <- got
			}
		}()
	}

	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

func TestStore_IncrementCounters(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, _ := s.CreateTask(ctx, &store.Task{Title: "batch"})

	t.Run("returns post-image", func(t *testing.T) {
		got, err := s.IncrementCounters(ctx, created.ID, store.CounterDeltas{Received: 1, Processed: 1})
		if err != nil {
			t.Fatalf("IncrementCounters() error = %v", err)
		}
		if got.BatchCounters.ReceivedCount != 1 || got.BatchCounters.ProcessedCount != 1 {
			t.Errorf("counters = %+v, want received=1 processed=1", got.BatchCounters)
		}
		got, _ = s.IncrementCounters(ctx, created.ID, store.CounterDeltas{Received: 2})
		if got.BatchCounters.ReceivedCount != 3 {
			t.Errorf("ReceivedCount = %d, want 3", got.BatchCounters.ReceivedCount)
		}
	})

	t.Run("negative counter is fatal", func(t *testing.T) {
		_, err := s.IncrementCounters(ctx, created.ID, store.CounterDeltas{Processed: -10})
		if !wefterrors.IsFatal(err) {
			t.Errorf("IncrementCounters() error = %v, want FatalError", err)
		}
	})

	t.Run("expected floor is monotone", func(t *testing.T) {
		fresh, _ := s.CreateTask(ctx, &store.Task{Title: "batch-total"})
		got, err := s.IncrementCounters(ctx, fresh.ID, store.CounterDeltas{ExpectedAtLeast: 50})
		if err != nil {
			t.Fatalf("IncrementCounters() error = %v", err)
		}
		if got.BatchCounters.ExpectedCount != 50 {
			t.Errorf("ExpectedCount = %d, want 50", got.BatchCounters.ExpectedCount)
		}
		// A lower total never shrinks it.
		got, _ = s.IncrementCounters(ctx, fresh.ID, store.CounterDeltas{ExpectedAtLeast: 30})
		if got.BatchCounters.ExpectedCount != 50 {
			t.Errorf("ExpectedCount = %d after lower floor, want 50", got.BatchCounters.ExpectedCount)
		}
		got, _ = s.IncrementCounters(ctx, fresh.ID, store.CounterDeltas{ExpectedAtLeast: 80})
		if got.BatchCounters.ExpectedCount != 80 {
			t.Errorf("ExpectedCount = %d after higher floor, want 80", got.BatchCounters.ExpectedCount)
		}
	})

	t.Run("concurrent increments lose nothing", func(t *testing.T) {
		fresh, _ := s.CreateTask(ctx, &store.Task{Title: "batch2"})
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.IncrementCounters(ctx, fresh.ID, store.CounterDeltas{Received: 1})
			}()
		}
		wg.Wait()
		got, _ := s.GetTask(ctx, fresh.ID)
		if got.BatchCounters.ReceivedCount != 100 {
			t.Errorf("ReceivedCount = %d, want 100", got.BatchCounters.ReceivedCount)
		}
	})
}

func TestStore_FindAndClaimDue(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	schedule := func(title string, at time.Time, kind store.TimerKind, status store.TaskStatus) *store.Task {
		created, err := s.CreateTask(ctx, &store.Task{
			Title:        title,
			Status:       status,
			ScheduledFor: &at,
			ScheduleKind: kind,
		})
		if err != nil {
			t.Fatalf("CreateTask() error = %v", err)
		}
		return created
	}

	early := schedule("early", now.Add(-2*time.Minute), store.TimerExternalTimeout, store.TaskStatusWaiting)
	schedule("late", now.Add(-time.Minute), store.TimerExternalTimeout, store.TaskStatusWaiting)
	schedule("future", now.Add(time.Hour), store.TimerExternalTimeout, store.TaskStatusWaiting)
	schedule("terminal", now.Add(-3*time.Minute), store.TimerExternalTimeout, store.TaskStatusCompleted)
	schedule("other-kind", now.Add(-5*time.Minute), store.TimerWebhookRetry, store.TaskStatusWaiting)

	t.Run("claims earliest due of requested kinds", func(t *testing.T) {
		got, err := s.FindAndClaimDue(ctx, now, []store.TimerKind{store.TimerExternalTimeout})
		if err != nil {
			t.Fatalf("FindAndClaimDue() error = %v", err)
		}
		if got == nil || got.ID != early.ID {
			t.Fatalf("FindAndClaimDue() = %+v, want task %s", got, early.ID)
		}
		// Pre-claim image still carries the schedule.
		if got.ScheduledFor == nil || got.ScheduleKind != store.TimerExternalTimeout {
			t.Errorf("pre-claim image lost schedule: %+v", got)
		}
		// Stored document had it consumed.
		after, _ := s.GetTask(ctx, early.ID)
		if after.ScheduledFor != nil || after.ScheduleKind != "" {
			t.Errorf("schedule not consumed: %+v", after)
		}
	})

	t.Run("subsequent claims drain then return nil", func(t *testing.T) {
		got, err := s.FindAndClaimDue(ctx, now, []store.TimerKind{store.TimerExternalTimeout})
		if err != nil {
			t.Fatalf("FindAndClaimDue() error = %v", err)
		}
		if got == nil || got.Title != "late" {
			t.Fatalf("FindAndClaimDue() = %+v, want the late task", got)
		}
		got, err = s.FindAndClaimDue(ctx, now, []store.TimerKind{store.TimerExternalTimeout})
		if err != nil {
			t.Fatalf("FindAndClaimDue() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindAndClaimDue() = %+v, want nil when nothing due", got)
		}
	})
}

func TestStore_ListTasks(t *testing.T) {
	s := New()
	ctx := context.Background()

	seed := []*store.Task{
		{ID: "task_1", Title: "collect invoices", Status: store.TaskStatusPending, Tags: []string{"finance"}},
		{ID: "task_2", Title: "approve invoices", Status: store.TaskStatusWaiting, Tags: []string{"finance", "review"}},
		{ID: "task_3", Title: "ship release", Status: store.TaskStatusCompleted},
		{ID: "task_4", Title: "old cleanup", Status: store.TaskStatusCompleted, Archived: true},
		{ID: "task_5", Title: "triage bug", Status: store.TaskStatusInProgress, Assignee: "dana"},
	}
	for _, task := range seed {
		if _, err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask(%s) error = %v", task.ID, err)
		}
	}

	t.Run("excludes archived by default", func(t *testing.T) {
		got, total, err := s.ListTasks(ctx, store.TaskFilter{}, store.Page{})
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if total != 4 || len(got) != 4 {
			t.Errorf("got %d/%d tasks, want 4", len(got), total)
		}
	})

	t.Run("archived status filter is an alias for the flag", func(t *testing.T) {
		got, _, err := s.ListTasks(ctx, store.TaskFilter{Statuses: []store.TaskStatus{store.TaskStatusArchived}}, store.Page{})
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "task_4" {
			t.Errorf("ListTasks(status=archived) = %+v, want only task_4", got)
		}
	})

	t.Run("includeArchived widens the default", func(t *testing.T) {
		_, total, err := s.ListTasks(ctx, store.TaskFilter{IncludeArchived: true}, store.Page{})
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if total != 5 {
			t.Errorf("total = %d, want 5", total)
		}
	})

	t.Run("tag filter requires all tags", func(t *testing.T) {
		got, _, err := s.ListTasks(ctx, store.TaskFilter{Tags: []string{"finance", "review"}}, store.Page{})
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "task_2" {
			t.Errorf("ListTasks(tags) = %+v, want only task_2", got)
		}
	})

	t.Run("text search folds case", func(t *testing.T) {
		got, _, err := s.ListTasks(ctx, store.TaskFilter{Text: "INVOICE"}, store.Page{})
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if len(got) != 2 {
			t.Errorf("ListTasks(text) returned %d tasks, want 2", len(got))
		}
	})

	t.Run("pagination reports full total", func(t *testing.T) {
		got, total, err := s.ListTasks(ctx, store.TaskFilter{}, store.Page{Limit: 2, Offset: 1, Sort: "title"})
		if err != nil {
			t.Fatalf("ListTasks() error = %v", err)
		}
		if total != 4 {
			t.Errorf("total = %d, want 4", total)
		}
		if len(got) != 2 {
			t.Errorf("page size = %d, want 2", len(got))
		}
	})
}

func TestStore_DescendantTasks(t *testing.T) {
	s := New()
	ctx := context.Background()

	mk := func(id, parent string) {
		if _, err := s.CreateTask(ctx, &store.Task{ID: id, Title: id, ParentID: parent}); err != nil {
			t.Fatalf("CreateTask(%s) error = %v", id, err)
		}
	}
	mk("task_root", "")
	mk("task_a", "task_root")
	mk("task_b", "task_root")
	mk("task_a1", "task_a")
	mk("task_a1x", "task_a1")

	t.Run("unbounded depth", func(t *testing.T) {
		got, err := s.DescendantTasks(ctx, "task_root", 0)
		if err != nil {
			t.Fatalf("DescendantTasks() error = %v", err)
		}
		if len(got) != 4 {
			t.Errorf("DescendantTasks() returned %d, want 4", len(got))
		}
	})

	t.Run("depth limit", func(t *testing.T) {
		got, err := s.DescendantTasks(ctx, "task_root", 2)
		if err != nil {
			t.Fatalf("DescendantTasks() error = %v", err)
		}
		if len(got) != 3 {
			t.Errorf("DescendantTasks(depth=2) returned %d, want 3", len(got))
		}
	})
}

func TestStore_RunFrontier(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateRun(ctx, &store.Run{WorkflowID: "wf", Status: store.RunStatusRunning})
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	t.Run("add is idempotent", func(t *testing.T) {
		_, _ = s.AddCurrentStep(ctx, created.ID, "step-a")
		got, err := s.AddCurrentStep(ctx, created.ID, "step-a")
		if err != nil {
			t.Fatalf("AddCurrentStep() error = %v", err)
		}
		if len(got.CurrentStepIDs) != 1 {
			t.Errorf("CurrentStepIDs = %v, want one entry", got.CurrentStepIDs)
		}
	})

	t.Run("complete moves step off the frontier", func(t *testing.T) {
		got, err := s.AppendCompletedStep(ctx, created.ID, "step-a")
		if err != nil {
			t.Fatalf("AppendCompletedStep() error = %v", err)
		}
		if len(got.CurrentStepIDs) != 0 {
			t.Errorf("CurrentStepIDs = %v, want empty", got.CurrentStepIDs)
		}
		if len(got.CompletedStepIDs) != 1 || got.CompletedStepIDs[0] != "step-a" {
			t.Errorf("CompletedStepIDs = %v, want [step-a]", got.CompletedStepIDs)
		}
		// Completing again must not duplicate.
		got, _ = s.AppendCompletedStep(ctx, created.ID, "step-a")
		if len(got.CompletedStepIDs) != 1 {
			t.Errorf("CompletedStepIDs = %v, want one entry", got.CompletedStepIDs)
		}
	})
}

func TestStore_AtomicRunTransition(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, _ := s.CreateRun(ctx, &store.Run{WorkflowID: "wf", Status: store.RunStatusRunning})

	t.Run("cas miss returns nil nil", func(t *testing.T) {
		got, err := s.AtomicRunTransition(ctx, created.ID, []store.RunStatus{store.RunStatusPaused}, store.RunMutation{
			To: store.RunStatusRunning,
		})
		if err != nil {
			t.Fatalf("AtomicRunTransition() error = %v", err)
		}
		if got != nil {
			t.Errorf("AtomicRunTransition() = %+v, want nil", got)
		}
	})

	t.Run("terminal stamps completion", func(t *testing.T) {
		got, err := s.AtomicRunTransition(ctx, created.ID, []store.RunStatus{store.RunStatusRunning}, store.RunMutation{
			To:     store.RunStatusCompleted,
			Output: map[string]any{"result": "ok"},
		})
		if err != nil {
			t.Fatalf("AtomicRunTransition() error = %v", err)
		}
		if got.CompletedAt == nil {
			t.Error("CompletedAt not stamped")
		}
		if got.OutputPayload["result"] != "ok" {
			t.Errorf("OutputPayload = %v, want result=ok", got.OutputPayload)
		}
	})
}

func TestStore_Workflows(t *testing.T) {
	s := New()
	ctx := context.Background()

	put := func(id string, version int) {
		err := s.PutWorkflow(ctx, &workflow.Published{
			Definition: workflow.Definition{ID: id, Name: id, Version: version},
		})
		if err != nil {
			t.Fatalf("PutWorkflow() error = %v", err)
		}
	}
	put("invoice", 1)
	put("invoice", 2)
	put("release", 1)

	t.Run("latest version wins", func(t *testing.T) {
		got, err := s.GetWorkflow(ctx, "invoice")
		if err != nil {
			t.Fatalf("GetWorkflow() error = %v", err)
		}
		if got.Version != 2 {
			t.Errorf("Version = %d, want 2", got.Version)
		}
	})

	t.Run("pinned version", func(t *testing.T) {
		got, err := s.GetWorkflowVersion(ctx, "invoice", 1)
		if err != nil {
			t.Fatalf("GetWorkflowVersion() error = %v", err)
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
	})

	t.Run("list returns latest of each", func(t *testing.T) {
		got, err := s.ListWorkflows(ctx)
		if err != nil {
			t.Fatalf("ListWorkflows() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("ListWorkflows() returned %d, want 2", len(got))
		}
		if got[0].ID != "invoice" || got[0].Version != 2 {
			t.Errorf("first = %s v%d, want invoice v2", got[0].ID, got[0].Version)
		}
	})

	t.Run("missing workflow", func(t *testing.T) {
		_, err := s.GetWorkflow(ctx, "nope")
		if !wefterrors.IsNotFound(err) {
			t.Errorf("GetWorkflow() error = %v, want NotFoundError", err)
		}
	})
}

func TestStore_BatchItems(t *testing.T) {
	s := New()
	ctx := context.Background()

	t.Run("duplicate key conflicts", func(t *testing.T) {
		first := &store.BatchItem{ParentTaskID: "task_p", ItemKey: "order-1", PayloadHash: "abc"}
		if err := s.InsertBatchItem(ctx, first); err != nil {
			t.Fatalf("InsertBatchItem() error = %v", err)
		}
		dup := &store.BatchItem{ParentTaskID: "task_p", ItemKey: "order-1", PayloadHash: "def"}
		err := s.InsertBatchItem(ctx, dup)
		if !wefterrors.IsConflict(err) {
			t.Errorf("InsertBatchItem() error = %v, want ConflictError", err)
		}
	})

	t.Run("same key under another parent is fine", func(t *testing.T) {
		err := s.InsertBatchItem(ctx, &store.BatchItem{ParentTaskID: "task_q", ItemKey: "order-1"})
		if err != nil {
			t.Fatalf("InsertBatchItem() error = %v", err)
		}
	})

	t.Run("lookup by key", func(t *testing.T) {
		got, err := s.GetBatchItemByKey(ctx, "task_p", "order-1")
		if err != nil {
			t.Fatalf("GetBatchItemByKey() error = %v", err)
		}
		if got.PayloadHash != "abc" {
			t.Errorf("PayloadHash = %v, want abc", got.PayloadHash)
		}
	})

	t.Run("list preserves insert order", func(t *testing.T) {
		_ = s.InsertBatchItem(ctx, &store.BatchItem{ParentTaskID: "task_p", ItemKey: "order-2"})
		_ = s.InsertBatchItem(ctx, &store.BatchItem{ParentTaskID: "task_p", ItemKey: "order-3"})
		got, err := s.ListBatchItems(ctx, "task_p")
		if err != nil {
			t.Fatalf("ListBatchItems() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("ListBatchItems() returned %d, want 3", len(got))
		}
		if got[0].ItemKey != "order-1" || got[2].ItemKey != "order-3" {
			t.Errorf("order = [%s %s %s], want insertion order", got[0].ItemKey, got[1].ItemKey, got[2].ItemKey)
		}
	})
}

func TestStore_ExternalJobs(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.UpsertExternalJob(ctx, &store.ExternalJob{
		TaskID:            "task_ext",
		RunID:             "run_1",
		ExpectedCallbacks: 3,
		Status:            store.ExternalJobWaiting,
	})
	if err != nil {
		t.Fatalf("UpsertExternalJob() error = %v", err)
	}

	got, err := s.IncrementExternalCallbacks(ctx, "task_ext", 1)
	if err != nil {
		t.Fatalf("IncrementExternalCallbacks() error = %v", err)
	}
	if got.ReceivedCallbacks != 1 {
		t.Errorf("ReceivedCallbacks = %d, want 1", got.ReceivedCallbacks)
	}

	// Upsert keeps the original creation time and the callback counter.
	first, _ := s.GetExternalJob(ctx, "task_ext")
	_ = s.UpsertExternalJob(ctx, &store.ExternalJob{TaskID: "task_ext", Status: store.ExternalJobCompleted})
	second, _ := s.GetExternalJob(ctx, "task_ext")
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("upsert rewrote CreatedAt")
	}
	if second.ReceivedCallbacks != 1 {
		t.Errorf("ReceivedCallbacks = %d, want 1 after upsert", second.ReceivedCallbacks)
	}
	if second.Status != store.ExternalJobCompleted {
		t.Errorf("Status = %v, want completed", second.Status)
	}
}

func TestStore_CloneIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, _ := s.CreateTask(ctx, &store.Task{
		Title:    "isolated",
		Metadata: map[string]any{"nested": map[string]any{"k": "v"}},
		Tags:     []string{"a"},
	})

	// Mutating the returned document must not leak into the store.
	created.Metadata["nested"].(map[string]any)["k"] = "tampered"
	created.Tags[0] = "tampered"
	created.Title = "tampered"

	got, _ := s.GetTask(ctx, created.ID)
	if got.Title != "isolated" {
		t.Error("title mutation leaked into store")
	}
	if got.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Error("metadata mutation leaked into store")
	}
	if got.Tags[0] != "a" {
		t.Error("tag mutation leaked into store")
	}
}

func BenchmarkStore_AtomicTransition(b *testing.B) {
	s := New()
	ctx := context.Background()

	ids := make([]string, 1000)
	for i := range ids {
		created, _ := s.CreateTask(ctx, &store.Task{Title: fmt.Sprintf("bench-%d", i)})
		ids[i] = created.ID
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Pending->pending keeps the CAS hitting the matched path.
		_, _ = s.AtomicTransition(ctx, ids[i%1000], []store.TaskStatus{store.TaskStatusPending}, store.TaskMutation{
			To: store.TaskStatusPending,
		})
	}
}

func BenchmarkStore_ListTasks(b *testing.B) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 500; i++ {
		_, _ = s.CreateTask(ctx, &store.Task{Title: fmt.Sprintf("bench-%d", i)})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = s.ListTasks(ctx, store.TaskFilter{}, store.Page{Limit: 50})
	}
}
