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

// Package worker provides a bounded goroutine pool for background work:
// volume scans, index apply loops, compaction.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"indexfs/internal/common"
)

// Task is one unit of background work.
type Task struct {
	Name string
	Fn   func(context.Context) error
}

// Config sizes a pool.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
}

// Pool runs tasks on a fixed set of goroutines behind a bounded queue.
// A full queue rejects rather than buffers without bound, so producers
// feel backpressure.
type Pool struct {
	name  string
	queue chan Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	active    atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// NewPool starts a pool. Zero config fields get defaults.
func NewPool(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   cfg.Name,
		queue:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.WithFields(log.Fields{
		"pool":    p.name,
		"workers": cfg.MaxWorkers,
		"queue":   cfg.QueueSize,
	}).Debug("worker pool started")
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(id int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)
	elapsed := time.Since(start)

	fields := log.Fields{
		"pool": p.name, "worker": id, "task": task.Name, "elapsed": elapsed,
	}
	if err != nil {
		p.failed.Add(1)
		log.WithError(err).WithFields(fields).Error("background task failed")
		return
	}
	p.completed.Add(1)
	log.WithFields(fields).Debug("background task finished")
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit enqueues a task without blocking. A stopped pool or a full queue
// rejects it.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.ctx.Done():
		p.rejected.Add(1)
		return fmt.Errorf("pool %s: %w", p.name, common.ErrClosed)
	default:
	}
	select {
	case p.queue <- task:
		return nil
	default:
		p.rejected.Add(1)
		return fmt.Errorf("pool %s queue full: %w", p.name, common.ErrBusy)
	}
}

// SubmitWait blocks until the task is accepted or ctx expires.
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	select {
	case <-p.ctx.Done():
		p.rejected.Add(1)
		return fmt.Errorf("pool %s: %w", p.name, common.ErrClosed)
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.queue <- task:
		return nil
	}
}

// Stats reports pool counters.
type Stats struct {
	Active    int32
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stop cancels running tasks and waits for workers to exit. Queued tasks
// that never started are dropped.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
		log.WithField("pool", p.name).Debug("worker pool stopped")
	})
}
