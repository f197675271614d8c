package memqueue

import (
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
)

type message struct {
	inv         *domain.TaskInvocation
	queue       string
	seq         uint64
	readyAt     time.Time
	deadline    time.Time
	tag         uint64
	redelivered bool
	index       int
}

// readyHeap serves higher priority first and FIFO within a priority band
type readyHeap []*message

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	return before(h[i], h[j])
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	m := x.(*message)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.index = -1
	*h = old[:n-1]
	return m
}

// delayedHeap orders messages waiting for their ETA
type delayedHeap []*message

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	m := x.(*message)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.index = -1
	*h = old[:n-1]
	return m
}

func before(a, b *message) bool {
	if a.inv.Priority != b.inv.Priority {
		return a.inv.Priority > b.inv.Priority
	}
	return a.seq < b.seq
}
