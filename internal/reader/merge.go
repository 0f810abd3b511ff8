package reader

import (
	"container/heap"

	"github.com/ptflame/ptflame/internal/action"
)

// Merger interleaves N sources by timestamp. With a single source the
// heap is bypassed entirely.
type Merger struct {
	single  Source
	sources []Source
	heads   headHeap
	block   []action.Action
}

type sourceHead struct {
	act action.Action
	src Source
}

type headHeap []sourceHead

func (h headHeap) Len() int            { return len(h) }
func (h headHeap) Less(i, j int) bool  { return h[i].act.TS < h[j].act.TS }
func (h headHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *headHeap) Push(x interface{}) { *h = append(*h, x.(sourceHead)) }
func (h *headHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func NewMerger(sources []Source) *Merger {
	m := &Merger{sources: sources}
	if len(sources) == 1 {
		m.single = sources[0]
		return m
	}
	// a single read from every source populates the heap
	for _, src := range sources {
		m.heads = append(m.heads, sourceHead{act: src.NextAction(), src: src})
	}
	heap.Init(&m.heads)
	return m
}

// NextAction pops the earliest head and refills from its source.
func (m *Merger) NextAction() action.Action {
	if m.single != nil {
		return m.single.NextAction()
	}
	for m.heads.Len() > 0 {
		h := heap.Pop(&m.heads).(sourceHead)
		if h.act.Inst == action.End {
			continue
		}
		heap.Push(&m.heads, sourceHead{act: h.src.NextAction(), src: h.src})
		return h.act
	}
	return action.Action{}
}

// NextActionByBlock behaves like NextAction but drains consecutive
// same-thread actions from the winning source into an internal FIFO,
// yielding them as a contiguous burst. Per-source order and per-thread
// order are unchanged; the bursts reduce heap churn and keep one
// history's state hot while it is replayed.
func (m *Merger) NextActionByBlock() action.Action {
	if m.single != nil {
		return m.single.NextAction()
	}
	if len(m.block) > 0 {
		a := m.block[0]
		m.block = m.block[1:]
		return a
	}

	for m.heads.Len() > 0 {
		h := heap.Pop(&m.heads).(sourceHead)
		if h.act.Inst == action.End {
			continue
		}
		next := h.src.NextAction()
		for next.Inst != action.End && next.TID == h.act.TID {
			m.block = append(m.block, next)
			next = h.src.NextAction()
		}
		if next.Inst != action.End {
			heap.Push(&m.heads, sourceHead{act: next, src: h.src})
		}
		return h.act
	}
	return action.Action{}
}

// Stop stops every underlying source.
func (m *Merger) Stop() {
	for _, src := range m.sources {
		src.Stop()
	}
}
