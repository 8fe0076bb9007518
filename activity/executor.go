// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import "sync"

// serialExecutor runs submitted tasks one at a time in submission
// order on a background goroutine. Submit never blocks.
type serialExecutor struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool
	idle    *sync.Cond
}

func newSerialExecutor() *serialExecutor {
	executor := &serialExecutor{}
	executor.idle = sync.NewCond(&executor.mu)
	return executor
}

// Submit queues task. It reports false once the executor is closed.
func (e *serialExecutor) Submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.tasks = append(e.tasks, task)
	if !e.running {
		e.running = true
		go e.run()
	}
	return true
}

func (e *serialExecutor) run() {
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.running = false
			e.idle.Broadcast()
			e.mu.Unlock()
			return
		}
		task := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
	}
}

// Close rejects further tasks. Queued tasks still run.
func (e *serialExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// Wait blocks until no task is queued or running. It must not be
// called from a task.
func (e *serialExecutor) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.running {
		e.idle.Wait()
	}
}
