// Package scheduler holds scheduled commands until their delivery time.
//
// Pending entries sit in a min-heap ordered by due time, so finding the next
// due command is O(1) and adding or cancelling one is O(log N). One goroutine
// sleeps until the root is due, pops it and hands it to the ready callback.
// Schedule wakes the goroutine early when the new entry is due sooner.
package scheduler

import "container/heap"

// entry is one scheduled command.
type entry struct {
	id  string // envelope id
	key string // grouping key, e.g. the command type
	due int64  // unix nanos; heap order

	// idx is the position in the heap, kept by Swap for heap.Remove.
	idx int

	// cancelled entries are skipped when they reach the root.
	cancelled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].id < h[j].id
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

func (h *entryHeap) remove(idx int) *entry {
	return heap.Remove(h, idx).(*entry)
}
