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

// Package timer fires the engine's deadlines: external-callback timeouts,
// join max-waits, webhook retries and batch deadlines.
//
// The durable schedule lives on the task document (scheduledFor plus
// scheduleKind), written by whoever armed the deadline. The wheel keeps an
// in-memory heap only to wake up close to the earliest fire time; the store
// scan is the source of truth, so a restart loses nothing and a deadline
// armed by another writer still fires within one granularity tick. Claims go
// through FindAndClaimDue, which consumes the schedule atomically, making
// duplicate wakes harmless.
package timer

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/weftworks/weft/internal/engine/store"
)

// DefaultGranularity is the backstop scan interval.
const DefaultGranularity = time.Second

// Handler consumes one claimed deadline. The task is the pre-claim image,
// schedule fields intact. Handlers settle the subject through their own
// compare-and-set; a deadline that lost to a concurrent completion is a
// quiet no-op there.
type Handler func(ctx context.Context, t *store.Task)

// Wheel wakes at deadline times and routes claimed work to kind handlers.
type Wheel struct {
	store       store.TaskStore
	logger      *slog.Logger
	granularity time.Duration
	now         func() time.Time

	mu       sync.Mutex
	entries  entryHeap
	handlers map[store.TimerKind]Handler
	wake     chan struct{}
}

// New builds a wheel. Granularity zero falls back to DefaultGranularity.
func New(s store.TaskStore, granularity time.Duration, logger *slog.Logger) *Wheel {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wheel{
		store:       s,
		logger:      logger,
		granularity: granularity,
		now:         time.Now,
		handlers:    make(map[store.TimerKind]Handler),
		wake:        make(chan struct{}, 1),
	}
}

// Register binds a handler to a timer kind. Only registered kinds are
// claimed from the store.
func (w *Wheel) Register(kind store.TimerKind, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Arm schedules an in-memory wake for a deadline already persisted on the
// task document. Arming in the past wakes the loop immediately.
func (w *Wheel) Arm(kind store.TimerKind, taskID string, at time.Time) {
	w.mu.Lock()
	heap.Push(&w.entries, entry{fireAt: at, kind: kind, taskID: taskID})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Disarm drops in-memory entries for a task. The durable schedule is
// cleared by the mutation that settled the task; a stale heap entry only
// triggers a scan that claims nothing.
func (w *Wheel) Disarm(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.taskID != taskID {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	heap.Init(&w.entries)
}

// Recover claims and fires everything already due. The daemon calls it on
// startup so deadlines missed while down fire before traffic is accepted.
func (w *Wheel) Recover(ctx context.Context) int {
	return w.drainDue(ctx)
}

// Run drives the wheel until the context is cancelled. Each pass claims
// every due schedule, so a wake is a hint, never a contract.
func (w *Wheel) Run(ctx context.Context) error {
	t := time.NewTimer(w.granularity)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		case <-t.C:
			w.drainDue(ctx)
		}

		d := w.granularity
		if next, ok := w.nextFire(); ok {
			if until := next.Sub(w.now()); until < d {
				d = until
			}
			if d < 0 {
				d = 0
			}
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(d)
	}
}

func (w *Wheel) nextFire() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0].fireAt, true
}

// drainDue pops spent heap entries and claims due schedules from the store
// until none remain, routing each to its kind handler.
func (w *Wheel) drainDue(ctx context.Context) int {
	now := w.now().UTC()

	w.mu.Lock()
	for len(w.entries) > 0 && !w.entries[0].fireAt.After(now) {
		heap.Pop(&w.entries)
	}
	kinds := make([]store.TimerKind, 0, len(w.handlers))
	for k := range w.handlers {
		kinds = append(kinds, k)
	}
	w.mu.Unlock()

	if len(kinds) == 0 {
		return 0
	}

	fired := 0
	for {
		claimed, err := w.store.FindAndClaimDue(ctx, now, kinds)
		if err != nil {
			w.logger.Warn("deadline scan failed", "error", err)
			return fired
		}
		if claimed == nil {
			return fired
		}

		w.mu.Lock()
		h := w.handlers[claimed.ScheduleKind]
		w.mu.Unlock()
		if h == nil {
			// Claim already consumed the schedule; all we can do is say so.
			w.logger.Error("claimed deadline has no handler",
				"task", claimed.ID, "kind", claimed.ScheduleKind)
			continue
		}
		h(ctx, claimed)
		fired++
	}
}

type entry struct {
	fireAt time.Time
	kind   store.TimerKind
	taskID string
}

type entryHeap []entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
