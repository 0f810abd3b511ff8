package replay

import (
	"fmt"
	"io"
	"sort"

	"github.com/ptflame/ptflame/internal/action"
	"github.com/ptflame/ptflame/internal/calltree"
	"github.com/ptflame/ptflame/internal/timeutil"
)

// Replay routes actions to per-thread histories, archiving a history's
// tree whenever its state machine rejects an action and starting a fresh
// one for the same thread.
type Replay struct {
	threads  map[uint64]*History
	lastSeen map[uint64]uint64

	// Archive holds the terminated roots awaiting the final merge.
	Archive []*calltree.Func
}

func New() *Replay {
	return &Replay{
		threads:  make(map[uint64]*History),
		lastSeen: make(map[uint64]uint64),
	}
}

func (r *Replay) stopAndArchive(tid uint64) {
	root := r.threads[tid].Terminate()
	r.Archive = append(r.Archive, root)
	delete(r.threads, tid)
}

// Replay consumes one action. A new thread is only born from an action
// with a known target; an unreconcilable action archives the thread's
// history and reseeds it from the action itself.
func (r *Replay) Replay(a action.Action) {
	hist, ok := r.threads[a.TID]
	if !ok {
		if a.To.IsUnknown() {
			return
		}
		r.threads[a.TID] = NewHistoryFromAction(a)
	} else if !hist.Replay(a) {
		r.stopAndArchive(a.TID)
		r.threads[a.TID] = NewHistoryFromAction(a)
	}
	r.lastSeen[a.TID] = a.TS
}

// Cleanup terminates and archives every remaining history.
func (r *Replay) Cleanup() {
	for tid := range r.threads {
		r.stopAndArchive(tid)
	}
}

// DestructiveMergeAll folds the archive into a single aggregation root.
// The synthetic global roots of all histories collapse into one.
func (r *Replay) DestructiveMergeAll() *calltree.Func {
	root := calltree.DestructiveMergeFuncs(r.Archive)
	r.Archive = nil
	return root
}

// Threads is the number of live histories.
func (r *Replay) Threads() int {
	return len(r.threads)
}

// Snapshot prints the live stack of every thread, with its last-seen time
// and the lag relative to ts.
func (r *Replay) Snapshot(w io.Writer, ts uint64) {
	fmt.Fprintf(w, "timestamp %s\n", timeutil.Pretty(ts))
	tids := make([]uint64, 0, len(r.threads))
	for tid := range r.threads {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	for _, tid := range tids {
		fmt.Fprintf(w, "%d last seen %s Δ %s\n", tid,
			timeutil.Pretty(r.lastSeen[tid]),
			timeutil.Pretty(ts-r.lastSeen[tid]))
		r.threads[tid].Snapshot(w)
		fmt.Fprintln(w)
	}
}
