// Copyright 2025 IndexFS Authors
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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indexfs/internal/common"
)

func TestPoolRunsTasks(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "test", MaxWorkers: 2, QueueSize: 8})
	defer p.Stop()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(Task{Name: "count", Fn: func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}}))
	}
	wg.Wait()
	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, uint64(5), p.Stats().Completed)
}

func TestPoolCountsFailures(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer p.Stop()

	done := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "boom", Fn: func(context.Context) error {
		defer close(done)
		return errors.New("boom")
	}}))
	<-done

	require.Eventually(t, func() bool {
		return p.Stats().Failed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPoolRecoversPanics(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	defer p.Stop()

	require.NoError(t, p.Submit(Task{Name: "panic", Fn: func(context.Context) error {
		panic("kaboom")
	}}))

	// The worker survives and keeps serving.
	done := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "after", Fn: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPoolRejectsWhenFull(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer p.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "block", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	// Fill the queue, then overflow it.
	require.NoError(t, p.Submit(Task{Name: "queued", Fn: func(context.Context) error { return nil }}))
	err := p.Submit(Task{Name: "overflow", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, common.ErrBusy)
	close(block)
}

func TestPoolRejectsAfterStop(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	p.Stop()

	err := p.Submit(Task{Name: "late", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, common.ErrClosed)
}

func TestSubmitWaitHonorsContext(t *testing.T) {
	t.Parallel()

	p := NewPool(Config{Name: "test", MaxWorkers: 1, QueueSize: 1})
	defer p.Stop()

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, p.Submit(Task{Name: "block", Fn: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.Submit(Task{Name: "queued", Fn: func(context.Context) error { return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.SubmitWait(ctx, Task{Name: "waiting", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
