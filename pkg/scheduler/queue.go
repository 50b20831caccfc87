package scheduler

import (
	"container/heap"

	"github.com/gatewire/permcore/pkg/permission"
)

// taskQueue is a max-heap over the shared priority total order.
type taskQueue []*permission.CheckTask

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int            { return len(q) }
func (q taskQueue) Less(i, j int) bool  { return permission.Less(q[i], q[j]) }
func (q taskQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x interface{}) { *q = append(*q, x.(*permission.CheckTask)) }

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
