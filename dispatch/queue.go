// Copyright 2021-2022 The walktrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package dispatch

import (
	"sync"

	"github.com/alwitt/walktrack/common"
)

// SampleQueue bounded FIFO of samples which evicts the oldest entry when full
type SampleQueue struct {
	lock     sync.Mutex
	items    []common.LocationSample
	capacity int
	closed   bool
	notify   chan struct{}
}

// NewSampleQueue define a new SampleQueue
func NewSampleQueue(capacity int) *SampleQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &SampleQueue{
		items:    make([]common.LocationSample, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push append a sample. Returns true if the oldest queued sample was evicted.
// Pushing onto a closed queue is a no-op.
func (q *SampleQueue) Push(sample common.LocationSample) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return false
	}
	evicted := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, sample)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Drain remove and return every queued sample, oldest first
func (q *SampleQueue) Drain() []common.LocationSample {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	result := q.items
	q.items = make([]common.LocationSample, 0, q.capacity)
	return result
}

// Len number of queued samples
func (q *SampleQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

// Ready signals that samples may be available to Drain
func (q *SampleQueue) Ready() <-chan struct{} {
	return q.notify
}

// Close stop accepting samples and drop what is queued
func (q *SampleQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	q.items = nil
}
