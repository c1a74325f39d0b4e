package core

import (
	"container/heap"
	"time"
)

type queueItem struct {
	taskID string
	at     time.Time
	index  int
}

// dueQueue is a min-heap of (next_run_at, task_id). Items track their heap
// index so a task can be removed or rescheduled in O(log n).
type dueQueue struct {
	items []*queueItem
	byID  map[string]*queueItem
}

func newDueQueue() *dueQueue {
	return &dueQueue{byID: make(map[string]*queueItem)}
}

func (q *dueQueue) Len() int { return len(q.items) }

func (q *dueQueue) Less(i, j int) bool {
	if q.items[i].at.Equal(q.items[j].at) {
		return q.items[i].taskID < q.items[j].taskID
	}
	return q.items[i].at.Before(q.items[j].at)
}

func (q *dueQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *dueQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(q.items)
	q.items = append(q.items, item)
}

func (q *dueQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	q.items = old[:n-1]
	return item
}

// schedule inserts taskID at at, or moves it if already queued.
func (q *dueQueue) schedule(taskID string, at time.Time) {
	if item, ok := q.byID[taskID]; ok {
		item.at = at
		heap.Fix(q, item.index)
		return
	}
	item := &queueItem{taskID: taskID, at: at}
	heap.Push(q, item)
	q.byID[taskID] = item
}

// remove drops taskID from the queue; it reports whether it was queued.
func (q *dueQueue) remove(taskID string) bool {
	item, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(q, item.index)
	delete(q.byID, taskID)
	return true
}

// popDue removes and returns the earliest task due at or before now.
func (q *dueQueue) popDue(now time.Time) (string, time.Time, bool) {
	if len(q.items) == 0 || q.items[0].at.After(now) {
		return "", time.Time{}, false
	}
	item := heap.Pop(q).(*queueItem)
	delete(q.byID, item.taskID)
	return item.taskID, item.at, true
}

// peek returns the earliest scheduled time.
func (q *dueQueue) peek() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}
