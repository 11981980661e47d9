package queue

import (
	"container/heap"

	"chatengine/internal/models"
)

// delayQueue is a min-heap of messages waiting out a retry backoff, ordered
// by NextAttemptAt and then by enqueue order.
type delayQueue []*models.QueuedMessage

var _ heap.Interface = (*delayQueue)(nil)

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if q[i].NextAttemptAt.Equal(q[j].NextAttemptAt) {
		return q[i].QueuedAt.Before(q[j].QueuedAt)
	}
	return q[i].NextAttemptAt.Before(q[j].NextAttemptAt)
}

func (q delayQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *delayQueue) Push(x interface{}) {
	*q = append(*q, x.(*models.QueuedMessage))
}

func (q *delayQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q delayQueue) peek() *models.QueuedMessage {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
