// Copyright 2025 The ocpp-ws-io Authors
// This file is part of the ocpp-ws-io library.
//
// The ocpp-ws-io library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ocpp-ws-io library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ocpp-ws-io library. If not, see <http://www.gnu.org/licenses/>.

package rpc

import (
	"container/list"
	"sync"
)

// TaskQueue serializes submitted tasks under a configurable concurrency
// limit. Tasks start in submission order; at most N run at once. A task
// panicking does not stall the queue.
//
// The per-endpoint instance with concurrency 1 is the single writer to the
// endpoint's transport.
type TaskQueue struct {
	mu          sync.Mutex
	tasks       *list.List // of func()
	running     int
	concurrency int
}

// NewTaskQueue creates a queue running at most n tasks concurrently.
// n < 1 is treated as 1.
func NewTaskQueue(n int) *TaskQueue {
	if n < 1 {
		n = 1
	}
	return &TaskQueue{tasks: list.New(), concurrency: n}
}

// Submit enqueues fn and returns a channel that is closed when fn has
// completed.
func (q *TaskQueue) Submit(fn func()) <-chan struct{} {
	done := make(chan struct{})
	q.mu.Lock()
	q.tasks.PushBack(func() {
		defer close(done)
		fn()
	})
	q.dispatchLocked()
	q.mu.Unlock()
	return done
}

// SetConcurrency changes the concurrency limit. Growing takes effect
// immediately; shrinking takes effect as running tasks complete.
func (q *TaskQueue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.concurrency = n
	q.dispatchLocked()
	q.mu.Unlock()
}

// Concurrency returns the current limit.
func (q *TaskQueue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// Pending returns the number of tasks waiting to start.
func (q *TaskQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Running returns the number of tasks currently executing.
func (q *TaskQueue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Size returns pending plus running tasks.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len() + q.running
}

func (q *TaskQueue) dispatchLocked() {
	for q.running < q.concurrency && q.tasks.Len() > 0 {
		front := q.tasks.Front()
		q.tasks.Remove(front)
		fn := front.Value.(func())
		q.running++
		go q.run(fn)
	}
}

func (q *TaskQueue) run(fn func()) {
	defer func() {
		recover() // a failed task must not stall the queue
		q.mu.Lock()
		q.running--
		q.dispatchLocked()
		q.mu.Unlock()
	}()
	fn()
}
