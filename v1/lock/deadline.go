package lock

import (
	"container/heap"
	"time"
)

// deadlineItem schedules the auto-release of one acquisition.
type deadlineItem struct {
	key   string
	gen   uint64
	at    time.Time
	index int
}

// deadlineHeap is a min-heap of pending auto-releases ordered by deadline.
type deadlineHeap []*deadlineItem

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	it := x.(*deadlineItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h *deadlineHeap) remove(it *deadlineItem) {
	if it.index >= 0 && it.index < len(*h) && (*h)[it.index] == it {
		heap.Remove(h, it.index)
	}
}

func (h deadlineHeap) peek() *deadlineItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
