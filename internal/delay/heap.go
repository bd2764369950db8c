// Package delay holds deferred jobs in due-time order and promotes them when due.
package delay

import (
	"container/heap"
	"time"

	"github.com/msageha/jobs/internal/model"
)

type jobHeap []*model.Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := dueAt(h[i]), dueAt(h[j])
	if a.Equal(b) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return a.Before(b)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*model.Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func dueAt(j *model.Job) time.Time {
	if j.NotBefore == nil {
		return j.EnqueuedAt
	}
	return *j.NotBefore
}

// Heap orders jobs by not_before, earliest first. It is not safe for concurrent use;
// callers hold their own lock.
type Heap struct {
	h jobHeap
}

func NewHeap() *Heap {
	return &Heap{}
}

func (q *Heap) Push(job *model.Job) {
	heap.Push(&q.h, job)
}

// PopDue removes and returns every job whose due time is at or before now.
func (q *Heap) PopDue(now time.Time) []*model.Job {
	var due []*model.Job
	for q.h.Len() > 0 && !dueAt(q.h[0]).After(now) {
		due = append(due, heap.Pop(&q.h).(*model.Job))
	}
	return due
}

func (q *Heap) Peek() *model.Job {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

func (q *Heap) Len() int {
	return q.h.Len()
}
