package ftf

import "github.com/ptflame/ptflame/internal/calltree"

// Sink adapts a Writer to the call tree's activation events.
type Sink struct {
	W *Writer
}

func (s Sink) EmitFunction(tid, pid uint64, name string, ts uint64, kind calltree.EventKind, end uint64) {
	var t EventType
	switch kind {
	case calltree.EventBegin:
		t = EventBegin
	case calltree.EventEnd:
		t = EventEnd
	case calltree.EventComplete:
		t = EventComplete
	default:
		return
	}
	s.W.EmitFunction(tid, pid, name, ts, t, end)
}
