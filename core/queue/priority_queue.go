// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a min-heap based priority queue, used to order
// deferred work by wall-clock deadline.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
}

// PriorityQueue is a priority queue instance.  It is not safe for concurrent
// use; callers serialize access externally.
type PriorityQueue struct {
	heap []*Entry
}

// Len implements sort.Interface.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// Less implements sort.Interface.
func (q *PriorityQueue) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements sort.Interface.
func (q *PriorityQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface.  Callers use Enqueue instead.
func (q *PriorityQueue) Push(x interface{}) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements heap.Interface.  Callers use Dequeue instead.
func (q *PriorityQueue) Pop() interface{} {
	n := len(q.heap)
	if n == 0 {
		return nil
	}
	e := q.heap[n-1]
	q.heap = q.heap[:n-1]
	return e
}

// Enqueue inserts value into the queue with the specified priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	heap.Push(q, &Entry{Value: value, Priority: priority})
}

// Dequeue removes and returns the entry with the lowest priority, or nil if
// the queue is empty.
func (q *PriorityQueue) Dequeue() *Entry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// Peek returns the entry with the lowest priority without removing it, or
// nil if the queue is empty.  Callers MUST NOT alter the returned entry's
// Priority.
func (q *PriorityQueue) Peek() *Entry {
	if q.Len() == 0 {
		return nil
	}
	return q.heap[0]
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{heap: make([]*Entry, 0)}
	heap.Init(q)
	return q
}
