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

package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ExecutesSubmittedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(3, nil)
	p.Start(ctx)

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		ok := p.Submit(Item{Kind: KindActivate, Subject: "task_1", Fn: func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int64(50), ran.Load())
	assert.Equal(t, 0, p.QueueDepth())
}

func TestPool_PanicDoesNotKillWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(1, nil)

	var gotItem Item
	var gotPanic any
	caught := make(chan struct{})
	p.OnPanic(func(item Item, recovered any) {
		gotItem = item
		gotPanic = recovered
		close(caught)
	})
	p.Start(ctx)

	p.Submit(Item{Kind: KindTimer, Subject: "task_boom", Fn: func(context.Context) {
		panic("deadline handler exploded")
	}})

	done := make(chan struct{})
	p.Submit(Item{Kind: KindCompletion, Subject: "task_ok", Fn: func(context.Context) {
		close(done)
	}})

	select {
	case <-caught:
	case <-time.After(2 * time.Second):
		t.Fatal("panic handler never ran")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}

	assert.Equal(t, KindTimer, gotItem.Kind)
	assert.Equal(t, "task_boom", gotItem.Subject)
	assert.Equal(t, "deadline handler exploded", gotPanic)
}

func TestPool_DrainFinishesQueuedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(2, nil)
	p.Start(ctx)

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		p.Submit(Item{Kind: KindBoundary, Fn: func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}})
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	require.NoError(t, p.Drain(drainCtx))
	assert.Equal(t, int64(10), ran.Load())

	assert.False(t, p.Submit(Item{Fn: func(context.Context) {}}), "submit after drain must be rejected")
}

func TestPool_DrainTimesOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(1, nil)
	p.Start(ctx)

	release := make(chan struct{})
	p.Submit(Item{Kind: KindActivate, Fn: func(context.Context) {
		<-release
	}})

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer drainCancel()
	err := p.Drain(drainCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
