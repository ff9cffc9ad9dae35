// Package timer implements the chime scheduling engine: a Min-Heap of pending
// firings owned by a single mutex-guarded struct with one background delivery
// goroutine.
//
// Core design:
//   - Min-Heap peek   → O(1): the soonest-due firing is always at the root.
//   - Insert / remove → O(log N).
//
// The run goroutine peeks at the root, sleeps until it is due, then fires the
// timer. A buffered notify channel lets Create interrupt the sleep whenever a
// newly added timer is due sooner than the current root.
package timer

import "container/heap"

// entry is one pending firing in the Min-Heap.
type entry struct {
	id    string // timer ULID
	dueAt int64  // UTC milliseconds — sort key

	// heapIdx is the entry's current position in the heap slice.
	// Maintained by minHeap.Swap so Cancel can do an O(log N) heap.Remove.
	heapIdx int
}

// minHeap is a slice of *entry satisfying heap.Interface.
// The smallest dueAt sits at index 0.
type minHeap []*entry

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].dueAt < h[j].dueAt
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	e := x.(*entry)
	e.heapIdx = n
	*h = append(*h, e)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil  // allow GC
	e.heapIdx = -1  // mark as not in heap
	*h = old[:n-1]
	return e
}

// remove removes the entry at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *entry {
	return heap.Remove(h, idx).(*entry)
}
