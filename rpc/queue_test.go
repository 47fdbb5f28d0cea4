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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFOAtConcurrencyOne(t *testing.T) {
	q := NewTaskQueue(1)
	var mu sync.Mutex
	var order []int

	var last <-chan struct{}
	for i := 0; i < 20; i++ {
		i := i
		last = q.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	<-last

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestTaskQueueConcurrencyBound(t *testing.T) {
	q := NewTaskQueue(3)
	var running, peak atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.Submit(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		})
	}
	// Let the first wave start.
	require.Eventually(t, func() bool { return q.Running() == 3 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, q.Size())
}

func TestTaskQueuePanicDoesNotStall(t *testing.T) {
	q := NewTaskQueue(1)
	<-q.Submit(func() { panic("task failure") })

	done := q.Submit(func() {})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue stalled after a panicking task")
	}
}

func TestTaskQueueSetConcurrencyGrows(t *testing.T) {
	q := NewTaskQueue(1)
	block := make(chan struct{})
	q.Submit(func() { <-block })
	second := q.Submit(func() {})

	select {
	case <-second:
		t.Fatal("second task ran despite concurrency 1")
	case <-time.After(50 * time.Millisecond):
	}

	q.SetConcurrency(2)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("growing concurrency did not start pending task")
	}
	close(block)
	assert.Equal(t, 2, q.Concurrency())
}
