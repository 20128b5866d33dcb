package job

import "container/heap"

type readyEntry struct {
	job      *Job
	callback func(r *Runner)
	priority Priority
	seq      uint64
}

// readyQueue is a max-heap on priority, FIFO among equal priorities.
type readyQueue []readyEntry

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, k int) bool {
	if q[i].priority != q[k].priority {
		return q[i].priority > q[k].priority
	}
	return q[i].seq < q[k].seq
}

func (q readyQueue) Swap(i, k int) { q[i], q[k] = q[k], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyEntry)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = readyEntry{}
	*q = old[:n-1]
	return e
}

func (q *readyQueue) push(e readyEntry) { heap.Push(q, e) }

func (q *readyQueue) pop() (readyEntry, bool) {
	if q.Len() == 0 {
		return readyEntry{}, false
	}
	return heap.Pop(q).(readyEntry), true
}
