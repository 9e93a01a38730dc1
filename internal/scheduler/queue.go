package scheduler

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

type queueItem struct {
	jobID       int64
	priority    int
	submittedAt time.Time
	index       int
}

// jobQueue orders by priority ascending, then submission time, then id.
type jobQueue []*queueItem

var _ heap.Interface = (*jobQueue)(nil)

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.jobID < b.jobID
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// IDGenerator hands out job ids that are never reused.
type IDGenerator interface {
	NextID(ctx context.Context) (int64, error)
}

// MemoryIDGenerator is a process-local sequence starting at 1.
type MemoryIDGenerator struct {
	last atomic.Int64
}

func NewMemoryIDGenerator(start int64) *MemoryIDGenerator {
	g := &MemoryIDGenerator{}
	g.last.Store(start)
	return g
}

func (g *MemoryIDGenerator) NextID(context.Context) (int64, error) {
	return g.last.Add(1), nil
}
