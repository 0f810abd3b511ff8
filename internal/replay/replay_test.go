package replay

import (
	"strings"
	"testing"

	"github.com/ptflame/ptflame/internal/action"
	"github.com/ptflame/ptflame/internal/calltree"
	"github.com/ptflame/ptflame/internal/symbol"
)

func actFor(tid uint64, inst action.Inst, from, to symbol.Symbol, ts uint64) action.Action {
	return action.Action{Inst: inst, From: from, To: to, TS: ts, TID: tid}
}

func TestReplayIgnoresUnknownTargetForNewThread(t *testing.T) {
	rp := New()
	rp.Replay(actFor(7, action.Call, sym("x", 0x100, 0), unknown(0x999), 10))
	if rp.Threads() != 0 {
		t.Fatal("an unknown target must not give birth to a history")
	}
}

func TestReplayArchivesBrokenHistory(t *testing.T) {
	rp := New()
	rp.Replay(actFor(7, action.Call, sym("main", 0x1000, 0), sym("a", 0x2000, 0), 100))
	rp.Replay(actFor(7, action.Call, sym("a", 0x2000, 0x10), sym("b", 0x3000, 0), 110))
	// a return into a frame nowhere on the stack breaks the trace
	rp.Replay(actFor(7, action.Ret, sym("b", 0x3000, 0x20), sym("stranger", 0x9000, 5), 200))

	if len(rp.Archive) != 1 {
		t.Fatalf("archive size = %d, want 1", len(rp.Archive))
	}
	if rp.Threads() != 1 {
		t.Fatal("a fresh history must be reseeded for the thread")
	}
	// the fresh history is seeded from the breaking action's target
	h := rp.threads[7]
	if h.root.Sym.Name != "stranger" {
		t.Fatalf("reseeded root = %q, want stranger", h.root.Sym.Name)
	}
	// the archived tree contains the broken stack with inferred ends
	archived := rp.Archive[0]
	if archived.Sym.Name != "/global_root/" {
		t.Fatalf("archived root = %q", archived.Sym.Name)
	}
}

func TestCleanupArchivesEverything(t *testing.T) {
	rp := New()
	rp.Replay(actFor(1, action.Call, sym("m", 0x1000, 0), sym("f", 0x2000, 0), 100))
	rp.Replay(actFor(2, action.Call, sym("m", 0x1000, 0), sym("g", 0x3000, 0), 100))
	rp.Cleanup()

	if rp.Threads() != 0 {
		t.Fatal("cleanup must leave no live histories")
	}
	if len(rp.Archive) != 2 {
		t.Fatalf("archive size = %d, want 2", len(rp.Archive))
	}
}

// Simple call/return pair end to end through the coordinator.
func TestReplaySimplePair(t *testing.T) {
	rp := New()
	rp.Replay(actFor(42, action.Call, sym("main", 0x1000, 0), sym("foo", 0x2000, 0), 1000))
	rp.Replay(actFor(42, action.Ret, sym("foo", 0x2000, 0x10), sym("main", 0x1000, 5), 2000))
	rp.Cleanup()
	root := rp.DestructiveMergeAll()

	if root.Sym.Name != "/global_root/" {
		t.Fatalf("aggregation root = %q", root.Sym.Name)
	}
	if len(root.Callees) != 1 {
		t.Fatalf("aggregation root children = %d, want 1", len(root.Callees))
	}
	main := root.Callees[0]
	if main.Sym.Name != "main" || main.Stats.Invoked != 1 {
		t.Fatalf("main = %q invoked %d", main.Sym.Name, main.Stats.Invoked)
	}
	foo := main.FindCallee(sym("foo", 0x2000, 0))
	if foo == nil || foo.Stats.Invoked != 1 || foo.Stats.Sum != 1000 {
		t.Fatalf("foo stats = %+v, want one 1000ns sample", foo.Stats)
	}
}

// Two threads running the same function at distinct addresses merge into
// one tree with base-distinct siblings.
func TestMultiThreadMerge(t *testing.T) {
	rp := New()
	for i, base := range []uint64{0x2000, 0x8000} {
		tid := uint64(10 + i)
		f := sym("f", base, 0)
		rp.Replay(actFor(tid, action.Call, sym("r", 0x1000, 0), f, 100))
		rp.Replay(actFor(tid, action.Ret, symbol.Symbol{Name: "f", Address: base + 0x10, Offset: 0x10}, sym("r", 0x1000, 5), 200))
	}
	rp.Cleanup()
	root := rp.DestructiveMergeAll()

	// the two global roots collapsed, then the two promoted r roots
	// merged by base, leaving both f nodes side by side
	if len(root.Callees) != 1 {
		t.Fatalf("merged root children = %d, want 1", len(root.Callees))
	}
	r := root.Callees[0]
	if r.Sym.Name != "r" || len(r.Callees) != 2 {
		t.Fatalf("r = %q with %d children, want 2", r.Sym.Name, len(r.Callees))
	}
	bases := make(map[uint64]bool)
	for _, c := range r.Callees {
		if c.Sym.Name != "f" || c.Stats.Invoked != 1 {
			t.Fatalf("child %q invoked %d, want f invoked once", c.Sym.Name, c.Stats.Invoked)
		}
		if bases[c.Sym.Base()] {
			t.Fatalf("duplicate sibling base %#x", c.Sym.Base())
		}
		bases[c.Sym.Base()] = true
	}
}

// After any merge, no node has two children with the same base.
func TestMergedTreeHasBaseDistinctChildren(t *testing.T) {
	rp := New()
	for tid := uint64(1); tid <= 3; tid++ {
		rp.Replay(actFor(tid, action.Call, sym("main", 0x1000, 0), sym("work", 0x2000, 0), 100*tid))
		rp.Replay(actFor(tid, action.Call, sym("work", 0x2000, 0x10), sym("leaf", 0x3000, 0), 100*tid+10))
		rp.Replay(actFor(tid, action.Ret, sym("leaf", 0x3000, 0x20), sym("work", 0x2000, 0x15), 100*tid+50))
	}
	rp.Cleanup()
	root := rp.DestructiveMergeAll()
	assertBaseDistinct(t, root)
}

func assertBaseDistinct(t *testing.T, f *calltree.Func) {
	t.Helper()
	seen := make(map[uint64]bool)
	for _, c := range f.Callees {
		if seen[c.Sym.Base()] {
			t.Fatalf("node %q has duplicate child base %#x", f.Sym.Name, c.Sym.Base())
		}
		seen[c.Sym.Base()] = true
		assertBaseDistinct(t, c)
	}
}

func TestSnapshot(t *testing.T) {
	rp := New()
	rp.Replay(actFor(5, action.Call, sym("main", 0x1000, 0), sym("foo", 0x2000, 0), 1000))
	var b strings.Builder
	rp.Snapshot(&b, 1500)
	out := b.String()

	if !strings.Contains(out, "timestamp 1500") {
		t.Fatalf("missing timestamp header: %q", out)
	}
	if !strings.Contains(out, "5 last seen 1000 Δ 500") {
		t.Fatalf("missing thread line: %q", out)
	}
	if !strings.Contains(out, "foo\n") {
		t.Fatalf("missing stack frame: %q", out)
	}
}

func TestParallelReplayMatchesSerial(t *testing.T) {
	actions := []action.Action{
		actFor(1, action.Call, sym("m", 0x1000, 0), sym("f", 0x2000, 0), 100),
		actFor(2, action.Call, sym("m", 0x1000, 0), sym("f", 0x2000, 0), 110),
		actFor(1, action.Ret, sym("f", 0x2000, 0x10), sym("m", 0x1000, 5), 200),
		actFor(2, action.Ret, sym("f", 0x2000, 0x10), sym("m", 0x1000, 5), 210),
		actFor(3, action.Call, sym("m", 0x1000, 0), sym("g", 0x3000, 0), 120),
	}

	serial := New()
	for _, a := range actions {
		serial.Replay(a)
	}
	serial.Cleanup()
	serialRoot := serial.DestructiveMergeAll()

	pr := NewParallel(2)
	for _, a := range actions {
		pr.DeliverAction(a)
	}
	pr.WaitAll()
	parallelRoot := pr.DestructiveMergeAll()

	if got, want := treeSum(parallelRoot), treeSum(serialRoot); got != want {
		t.Fatalf("parallel tree accumulates %d, serial %d", got, want)
	}
	assertBaseDistinct(t, parallelRoot)
}

func treeSum(f *calltree.Func) uint64 {
	sum := f.Stats.SumInferred
	for _, c := range f.Callees {
		sum += treeSum(c)
	}
	return sum
}
