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

// Package worker runs the engine's asynchronous work: step activations,
// completion fan-out, boundary evaluations and timer firings. Everything
// submitted here must be safe to run concurrently with everything else;
// ordering guarantees come from the store's compare-and-set operations,
// not from the pool.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Kind labels a work item for logs and the panic hook.
type Kind string

const (
	KindActivate   Kind = "activate"
	KindCompletion Kind = "completion"
	KindBoundary   Kind = "boundary"
	KindTimer      Kind = "timer"
)

// Item is one unit of work.
type Item struct {
	Kind Kind

	// Subject identifies what the work is about (a task or run id).
	Subject string

	Fn func(ctx context.Context)
}

// PanicHandler is invoked when a work item panics. The pool has already
// recovered; the handler decides what the panic means for the subject.
type PanicHandler func(item Item, recovered any)

// Pool executes work items on a fixed number of goroutines.
type Pool struct {
	size    int
	queue   *workQueue
	logger  *slog.Logger
	wg      sync.WaitGroup
	started bool

	mu      sync.RWMutex
	onPanic PanicHandler
}

// New builds a pool of the given size. Size zero falls back to 4.
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{size: size, queue: newWorkQueue(), logger: logger}
}

// OnPanic registers the handler invoked after a recovered panic. Without
// one, panics are only logged.
func (p *Pool) OnPanic(h PanicHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPanic = h
}

// Start launches the workers. The context bounds every work item; when it
// is cancelled workers stop after their current item even if the queue
// still holds work.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		item, ok := p.queue.dequeue(ctx)
		if !ok {
			return
		}
		p.run(ctx, item)
	}
}

func (p *Pool) run(ctx context.Context, item Item) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("work item panicked",
				"kind", item.Kind, "subject", item.Subject, "panic", r)
			p.mu.RLock()
			h := p.onPanic
			p.mu.RUnlock()
			if h != nil {
				h(item, r)
			}
		}
	}()
	item.Fn(ctx)
}

// Submit enqueues a work item without blocking. It reports false once the
// pool is draining.
func (p *Pool) Submit(item Item) bool {
	return p.queue.enqueue(item)
}

// QueueDepth is the number of items waiting for a worker.
func (p *Pool) QueueDepth() int {
	return p.queue.depth()
}

// Drain stops intake and waits for queued and in-flight work to finish.
// When the context expires first, remaining work keeps running in the
// background and the context error is returned.
func (p *Pool) Drain(ctx context.Context) error {
	p.queue.close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// workQueue is an unbounded FIFO with a wake signal. Closing stops intake
// but lets consumers drain what is queued.
type workQueue struct {
	mu     sync.Mutex
	items  []Item
	signal chan struct{}
	closed bool
}

func newWorkQueue() *workQueue {
	return &workQueue{signal: make(chan struct{}, 1)}
}

func (q *workQueue) enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *workQueue) dequeue(ctx context.Context) (Item, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Item{}, false
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.signal:
		}
	}
}

func (q *workQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *workQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
