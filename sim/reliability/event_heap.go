package reliability

import "container/heap"

// cursorHeap orders process cursors by their pending event.
// Ordering: timestamp → registration order.
type cursorHeap struct {
	cursors []*cursor
}

func newCursorHeap() *cursorHeap {
	h := &cursorHeap{cursors: make([]*cursor, 0)}
	heap.Init(h)
	return h
}

// Len implements heap.Interface
func (h *cursorHeap) Len() int {
	return len(h.cursors)
}

// Less implements heap.Interface with deterministic ordering
func (h *cursorHeap) Less(i, j int) bool {
	ci, cj := h.cursors[i], h.cursors[j]
	if ci.next.Time != cj.next.Time {
		return ci.next.Time < cj.next.Time
	}
	return ci.order < cj.order
}

// Swap implements heap.Interface
func (h *cursorHeap) Swap(i, j int) {
	h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i]
}

// Push implements heap.Interface
func (h *cursorHeap) Push(x interface{}) {
	h.cursors = append(h.cursors, x.(*cursor))
}

// Pop implements heap.Interface
func (h *cursorHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.cursors = old[0 : n-1]
	return item
}

// schedule adds a live cursor to the heap.
func (h *cursorHeap) schedule(c *cursor) {
	heap.Push(h, c)
}

// peek returns the cursor with the earliest pending event, or nil.
func (h *cursorHeap) peek() *cursor {
	if h.Len() == 0 {
		return nil
	}
	return h.cursors[0]
}

// advanceTop moves the earliest cursor past its event and restores heap order.
func (h *cursorHeap) advanceTop() {
	top := h.cursors[0]
	top.advance()
	if top.done {
		heap.Pop(h)
		return
	}
	heap.Fix(h, 0)
}
