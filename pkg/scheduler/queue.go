package scheduler

import "container/heap"

// entry is a queued task plus scheduler-private bookkeeping.
type entry struct {
	task    Task
	seq     uint64 // insertion order; breaks priority ties FIFO
	lastErr error  // error of the previous attempt, for RetryAfter hints
}

// priorityQueue pops the highest priority first; equal priorities pop in
// insertion order. It is not synchronized: the owning batch guards it.
type priorityQueue struct {
	items taskHeap
	seq   uint64
}

func (q *priorityQueue) push(e *entry) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.items, e)
}

// restore re-inserts an entry that was popped but never started, keeping
// its original position among equal priorities.
func (q *priorityQueue) restore(e *entry) {
	heap.Push(&q.items, e)
}

func (q *priorityQueue) pop() (*entry, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*entry), true
}

func (q *priorityQueue) Len() int { return len(q.items) }

// drain removes every entry in pop order.
func (q *priorityQueue) drain() []*entry {
	out := make([]*entry, 0, len(q.items))
	for {
		e, ok := q.pop()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
