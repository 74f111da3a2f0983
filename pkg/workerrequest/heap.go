package workerrequest

import "container/heap"

// requestHeap is a priority-ordered queue of pending requests: higher
// Priority pops first, ties broken FIFO by seq. Modeled on the
// container/heap priority-queue idiom (push/pop by index swap, Less
// comparing a derived ordering key) rather than a hand-rolled sorted
// slice, the same shape used elsewhere in the retrieved pack for
// priority work queues.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*Request))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

var _ heap.Interface = (*requestHeap)(nil)
