// SPDX-FileCopyrightText: Copyright (C) 2026 The OpenAnonymity Authors
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []Entry{
		{Value: "first", Priority: 0},
		{Value: "second", Priority: 1},
		{Value: "third", Priority: 2},
		{Value: "fourth", Priority: 3},
		{Value: "fifth", Priority: 4},
	}

	q := New()
	// Enqueue out of order, expect ordered dequeue.
	for _, i := range []int{3, 0, 4, 2, 1} {
		q.Enqueue(testEntries[i].Priority, testEntries[i].Value)
	}
	require.Equal(len(testEntries), q.Len(), "Queue length (full)")

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		ent := q.Peek()
		require.Equal(expected.Priority, ent.Priority, "Peek(): Priority")

		ent = q.Dequeue()
		require.Equal(expected.Value, ent.Value, "Dequeue(): Value")
		require.Equal(expected.Priority, ent.Priority, "Dequeue(): Priority")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.Dequeue(), "Dequeue() (empty)")
}

func TestPriorityQueueDuplicatePriority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	q.Enqueue(1, "a")
	q.Enqueue(20, "b")
	q.Enqueue(20, "c")
	require.Equal(3, q.Len())

	for _, expected := range []uint64{1, 20, 20} {
		ent := q.Dequeue()
		require.Equal(expected, ent.Priority)
	}
	require.Equal(0, q.Len(), "Queue length (empty)")
}
