package bus

import (
	"container/heap"

	"github.com/orchestkit/agentkernel/internal/busmodel"
)

// item wraps a message with the monotonic sequence number that breaks ties
// within a priority tier (ascending timestamp; the sequence is used
// instead of raw timestamps for stability when two messages share a
// timestamp).
type item struct {
	msg   *busmodel.Message
	seq   uint64
	index int
}

// priorityQueue orders items by (-priority, seq) ascending, i.e. highest
// priority first, FIFO within a priority tier.
type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].msg.Priority != pq[j].msg.Priority {
		return pq[i].msg.Priority > pq[j].msg.Priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

var _ heap.Interface = (*priorityQueue)(nil)
