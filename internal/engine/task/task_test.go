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

package task

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wefterrors "github.com/weftworks/weft/pkg/errors"

	"github.com/weftworks/weft/internal/engine/activity"
	"github.com/weftworks/weft/internal/engine/bus"
	"github.com/weftworks/weft/internal/engine/store"
	"github.com/weftworks/weft/internal/engine/store/memory"
)

type fixture struct {
	svc *Service
	mem *memory.Store

	mu     sync.Mutex
	events []bus.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	b := bus.New(nil)
	rec := activity.NewRecorder(mem, nil)
	f := &fixture{svc: NewService(mem, b, rec, nil), mem: mem}
	b.Subscribe("*", func(e bus.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
	return f
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

func (f *fixture) lastEvent() bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

var tester = activity.Actor{ID: "tester", Type: store.ActorUser}

func mustCreate(t *testing.T, f *fixture, task *store.Task) *store.Task {
	t.Helper()
	created, err := f.svc.Create(context.Background(), task, tester)
	require.NoError(t, err)
	return created
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created := mustCreate(t, f, &store.Task{Title: "review invoice"})
	assert.Equal(t, store.TaskStatusPending, created.Status)
	assert.Equal(t, store.UrgencyNormal, created.Urgency)
	assert.Equal(t, "tester", created.CreatedBy)
	assert.Equal(t, []bus.EventType{bus.EventTaskCreated}, f.eventTypes())

	entries, err := f.svc.Activity(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, activity.EventCreated, entries[0].EventType)

	_, err = f.svc.Create(ctx, &store.Task{}, tester)
	assert.True(t, wefterrors.IsValidation(err))

	_, err = f.svc.Create(ctx, &store.Task{Title: "x", Status: store.TaskStatusCompleted}, tester)
	assert.True(t, wefterrors.IsValidation(err))

	_, err = f.svc.Create(ctx, &store.Task{Title: "x", ParentID: "task_missing"}, tester)
	assert.True(t, wefterrors.IsValidation(err))

	_, err = f.svc.Create(ctx, &store.Task{Title: "x", TaskType: store.TaskTypeFlow, ParentID: created.ID}, tester)
	assert.True(t, wefterrors.IsValidation(err))
}

func TestService_Create_StampsStartedAt(t *testing.T) {
	f := newFixture(t)
	created := mustCreate(t, f, &store.Task{Title: "agent work", Status: store.TaskStatusInProgress})
	require.NotNil(t, created.StartedAt)
}

func TestService_Transition_Graph(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		from store.TaskStatus
		to   store.TaskStatus
		ok   bool
	}{
		{store.TaskStatusPending, store.TaskStatusInProgress, true},
		{store.TaskStatusPending, store.TaskStatusWaiting, true},
		{store.TaskStatusPending, store.TaskStatusOnHold, true},
		{store.TaskStatusPending, store.TaskStatusCancelled, true},
		{store.TaskStatusPending, store.TaskStatusCompleted, false},
		{store.TaskStatusPending, store.TaskStatusFailed, false},
		{store.TaskStatusInProgress, store.TaskStatusWaiting, true},
		{store.TaskStatusInProgress, store.TaskStatusOnHold, true},
		{store.TaskStatusInProgress, store.TaskStatusCompleted, true},
		{store.TaskStatusInProgress, store.TaskStatusFailed, true},
		{store.TaskStatusInProgress, store.TaskStatusCancelled, true},
		{store.TaskStatusInProgress, store.TaskStatusPending, false},
		{store.TaskStatusWaiting, store.TaskStatusInProgress, true},
		{store.TaskStatusWaiting, store.TaskStatusCompleted, true},
		{store.TaskStatusWaiting, store.TaskStatusFailed, true},
		{store.TaskStatusWaiting, store.TaskStatusCancelled, true},
		{store.TaskStatusWaiting, store.TaskStatusOnHold, false},
		{store.TaskStatusOnHold, store.TaskStatusPending, true},
		{store.TaskStatusOnHold, store.TaskStatusInProgress, true},
		{store.TaskStatusOnHold, store.TaskStatusCancelled, true},
		{store.TaskStatusOnHold, store.TaskStatusCompleted, false},
		{store.TaskStatusCompleted, store.TaskStatusInProgress, false},
		{store.TaskStatusFailed, store.TaskStatusPending, false},
		{store.TaskStatusCancelled, store.TaskStatusCancelled, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			f := newFixture(t)
			created := mustCreate(t, f, &store.Task{Title: "t", Status: tc.from})

			_, err := f.svc.Transition(ctx, created.ID, TransitionRequest{To: tc.to, Actor: tester})
			if tc.ok {
				require.NoError(t, err)
			} else {
				assert.True(t, wefterrors.IsConflict(err), "expected conflict, got %v", err)
			}
		})
	}
}

func TestService_Transition_TerminalAtMostOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := mustCreate(t, f, &store.Task{Title: "t", Status: store.TaskStatusInProgress})

	done, err := f.svc.Transition(ctx, created.ID, TransitionRequest{To: store.TaskStatusCompleted, Actor: tester})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	_, err = f.svc.Transition(ctx, created.ID, TransitionRequest{To: store.TaskStatusFailed, Actor: tester})
	assert.True(t, wefterrors.IsConflict(err))
}

func TestService_Transition_SingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := mustCreate(t, f, &store.Task{Title: "contested"})

	const claimers = 32
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.Transition(ctx, created.ID, TransitionRequest{
				To:    store.TaskStatusInProgress,
				Actor: activity.Actor{ID: "agent", Type: store.ActorUser},
			})
			if err == nil {
				wins <- "won"
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	assert.Equal(t, 1, winners)
}

func TestService_Transition_CarriesOutputAndError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	done := mustCreate(t, f, &store.Task{Title: "t", Status: store.TaskStatusInProgress})
	after, err := f.svc.Transition(ctx, done.ID, TransitionRequest{
		To:     store.TaskStatusCompleted,
		Output: map[string]any{"verdict": "approve"},
		Actor:  tester,
	})
	require.NoError(t, err)
	out, ok := after.Metadata["output"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approve", out["verdict"])

	failed := mustCreate(t, f, &store.Task{Title: "t2", Status: store.TaskStatusInProgress})
	after, err = f.svc.Transition(ctx, failed.ID, TransitionRequest{
		To:    store.TaskStatusFailed,
		Error: "upstream 502",
		Actor: tester,
	})
	require.NoError(t, err)
	assert.Equal(t, "upstream 502", after.Error)
}

func TestService_Update_MostSpecificEvent(t *testing.T) {
	ctx := context.Background()

	str := func(s string) *string { return &s }
	urg := func(u store.Urgency) *store.Urgency { return &u }

	cases := []struct {
		name string
		req  UpdateRequest
		want bus.EventType
	}{
		{"assignee only", UpdateRequest{Assignee: str("bob")}, bus.EventTaskAssigneeChanged},
		{"urgency only", UpdateRequest{Urgency: urg(store.UrgencyHigh)}, bus.EventTaskPriorityChanged},
		{"metadata only", UpdateRequest{Metadata: map[string]any{"note": "x"}}, bus.EventTaskMetadataChanged},
		{"mixed", UpdateRequest{Assignee: str("bob"), Title: str("new title")}, bus.EventTaskUpdated},
		{"title only", UpdateRequest{Title: str("new title")}, bus.EventTaskUpdated},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			created := mustCreate(t, f, &store.Task{Title: "original"})

			_, err := f.svc.Update(ctx, created.ID, tc.req, tester)
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.lastEvent().Type)
			assert.NotEmpty(t, f.lastEvent().Changes)
		})
	}
}

func TestService_Update_NoChangeNoEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := mustCreate(t, f, &store.Task{Title: "same"})

	title := "same"
	_, err := f.svc.Update(ctx, created.ID, UpdateRequest{Title: &title}, tester)
	require.NoError(t, err)
	assert.Equal(t, []bus.EventType{bus.EventTaskCreated}, f.eventTypes())
}

func TestService_Update_TerminalIsImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := mustCreate(t, f, &store.Task{Title: "t", Status: store.TaskStatusInProgress})
	_, err := f.svc.Transition(ctx, created.ID, TransitionRequest{To: store.TaskStatusCompleted, Actor: tester})
	require.NoError(t, err)

	title := "rewritten"
	_, err = f.svc.Update(ctx, created.ID, UpdateRequest{Title: &title}, tester)
	assert.True(t, wefterrors.IsConflict(err))
}

func TestService_Move(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := mustCreate(t, f, &store.Task{Title: "a"})
	b := mustCreate(t, f, &store.Task{Title: "b", ParentID: a.ID})
	c := mustCreate(t, f, &store.Task{Title: "c", ParentID: b.ID})

	// Moving c under a is fine.
	moved, err := f.svc.Update(ctx, c.ID, UpdateRequest{ParentID: &a.ID}, tester)
	require.NoError(t, err)
	assert.Equal(t, a.ID, moved.ParentID)
	assert.Equal(t, bus.EventTaskMoved, f.lastEvent().Type)

	// Moving a under b would close a cycle.
	_, err = f.svc.Update(ctx, a.ID, UpdateRequest{ParentID: &b.ID}, tester)
	assert.True(t, wefterrors.IsValidation(err))

	// Self-parenting is rejected.
	_, err = f.svc.Update(ctx, a.ID, UpdateRequest{ParentID: &a.ID}, tester)
	assert.True(t, wefterrors.IsValidation(err))
}

func TestService_ArchiveRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	live := mustCreate(t, f, &store.Task{Title: "live"})
	_, err := f.svc.Archive(ctx, live.ID, true, tester)
	assert.True(t, wefterrors.IsConflict(err))

	done := mustCreate(t, f, &store.Task{Title: "done", Status: store.TaskStatusInProgress})
	_, err = f.svc.Transition(ctx, done.ID, TransitionRequest{To: store.TaskStatusCompleted, Actor: tester})
	require.NoError(t, err)

	archived, err := f.svc.Archive(ctx, done.ID, true, tester)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	// Default listings exclude archived tasks.
	tasks, total, err := f.svc.List(ctx, store.TaskFilter{}, store.Page{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, tasks, 1)
	assert.Equal(t, live.ID, tasks[0].ID)

	// Unarchive is always allowed.
	back, err := f.svc.Archive(ctx, done.ID, false, tester)
	require.NoError(t, err)
	assert.False(t, back.Archived)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	live := mustCreate(t, f, &store.Task{Title: "live"})
	err := f.svc.Delete(ctx, live.ID, tester)
	assert.True(t, wefterrors.IsConflict(err))

	parent := mustCreate(t, f, &store.Task{Title: "parent", Status: store.TaskStatusInProgress})
	mustCreate(t, f, &store.Task{Title: "child", ParentID: parent.ID})
	_, err = f.svc.Transition(ctx, parent.ID, TransitionRequest{To: store.TaskStatusCancelled, Actor: tester})
	require.NoError(t, err)
	err = f.svc.Delete(ctx, parent.ID, tester)
	assert.True(t, wefterrors.IsConflict(err))

	done := mustCreate(t, f, &store.Task{Title: "done", Status: store.TaskStatusInProgress})
	_, err = f.svc.Transition(ctx, done.ID, TransitionRequest{To: store.TaskStatusCompleted, Actor: tester})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, done.ID, tester))

	_, err = f.svc.Get(ctx, done.ID)
	assert.True(t, wefterrors.IsNotFound(err))
	assert.Equal(t, bus.EventTaskDeleted, f.lastEvent().Type)
}

func TestService_BuildTree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	root := mustCreate(t, f, &store.Task{Title: "root"})
	a := mustCreate(t, f, &store.Task{Title: "a", ParentID: root.ID})
	b := mustCreate(t, f, &store.Task{Title: "b", ParentID: root.ID})
	mustCreate(t, f, &store.Task{Title: "a1", ParentID: a.ID})

	tree, err := f.svc.BuildTree(ctx, root.ID, 0)
	require.NoError(t, err)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, a.ID, tree.Children[0].Task.ID)
	assert.Equal(t, b.ID, tree.Children[1].Task.ID)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, "a1", tree.Children[0].Children[0].Task.Title)

	shallow, err := f.svc.BuildTree(ctx, root.ID, 1)
	require.NoError(t, err)
	require.Len(t, shallow.Children, 2)
	assert.Empty(t, shallow.Children[0].Children)
}

func TestService_CompletionHook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var mu sync.Mutex
	var seen []string
	f.svc.RegisterCompletionHook(func(_ context.Context, task *store.Task) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, task.ID)
	})

	created := mustCreate(t, f, &store.Task{Title: "t"})
	_, err := f.svc.Transition(ctx, created.ID, TransitionRequest{To: store.TaskStatusInProgress, Actor: tester})
	require.NoError(t, err)
	mu.Lock()
	assert.Empty(t, seen)
	mu.Unlock()

	_, err = f.svc.Transition(ctx, created.ID, TransitionRequest{To: store.TaskStatusCompleted, Actor: tester})
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{created.ID}, seen)
	mu.Unlock()
}

func TestService_AddComment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created := mustCreate(t, f, &store.Task{Title: "t"})

	err := f.svc.AddComment(ctx, created.ID, "", tester)
	assert.True(t, wefterrors.IsValidation(err))

	require.NoError(t, f.svc.AddComment(ctx, created.ID, "looks good", tester))
	assert.Equal(t, bus.EventTaskCommentAdded, f.lastEvent().Type)

	entries, err := f.svc.Activity(ctx, created.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, activity.EventCommentAdded, last.EventType)
	assert.Equal(t, "looks good", last.Comment)
}
