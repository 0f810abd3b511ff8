package replay

import (
	"io"

	"github.com/ptflame/ptflame/internal/action"
	"github.com/ptflame/ptflame/internal/calltree"
	"github.com/ptflame/ptflame/internal/symbol"
)

// Synthetic frames with impossible non-zero addresses.
var (
	globalRootFunction = symbol.Symbol{Name: "/global_root/", Address: 0x10}
	suspendedFunction  = symbol.Symbol{Name: "/suspended/", Address: 0x20}
)

const perfEventSwitchSymbol = "perf_event_switch_output"

// kernelMode is the recovery state entered when a trace restart lands in
// one of the known scheduler fast paths. The modes are mutually
// exclusive; normal dispatch resumes once the expected pattern completes.
type kernelMode int

const (
	modeNormal kernelMode = iota
	// Trace restarted inside kprobe_flush_task or prepare_task_switch.
	// Actions are consumed until the task switch returns.
	modeTaskSwitchFlushTask
	// Trace restarted inside enter_lazy_tlb; waiting for the
	// "tr strt [unknown] -> schedule" restart.
	modeEnterLazyTlbWait
	// Saw the schedule restart; the next return from schedule resumes
	// normal replay.
	modeEnterLazyTlbSched
	// Trace restarted into perf's own switch bookkeeping; the next
	// action must be its return.
	modePerfEventSwitchOutput
)

// History replays the branch actions of one thread, keeping current
// pointed at the function believed to be executing. Replay reports false
// when an action cannot be reconciled with the reconstructed stack; the
// coordinator treats that as a broken trace.
type History struct {
	root    *calltree.Func
	current *calltree.Func
	cpu     uint64
	tid     uint64

	// trace stop/start repair state
	inSyscall    bool
	pauseAddress uint64
	pauseTime    uint64
	afterSyscall bool
	kmode        kernelMode
}

func NewHistory(s symbol.Symbol, ts, cpu, tid uint64) *History {
	root := calltree.New(symbol.Symbol{Name: s.Name, Address: s.Base()}, nil, ts, tid)
	return &History{root: root, current: root, cpu: cpu, tid: tid}
}

func NewHistoryFromAction(a action.Action) *History {
	return NewHistory(a.To, a.TS, a.CPU, a.TID)
}

// makeNewRoot installs a synthetic caller above the current root. The
// call time of the new root is unavailable; the old root's first start
// minus one nanosecond keeps the two activations distinct for the trace
// sink. A called symbol always has offset zero.
func (h *History) makeNewRoot(s symbol.Symbol) {
	newRoot := calltree.New(symbol.Symbol{Name: s.Name, Address: s.Base()},
		nil, h.root.FirstStart-1, h.tid)
	newRoot.StartIsInferred = true
	h.root.Caller = newRoot
	newRoot.Callees = append(newRoot.Callees, h.root)
	h.root = newRoot
}

// call searches the ancestor chain for the frame the call site belongs
// to, unwinds to it, and enters the callee there. Gapped traces elide
// returns, so frames above the matched one are closed at ts without being
// marked inferred: they are compressed returns, not guesses.
func (h *History) call(from, to symbol.Symbol, ts uint64) bool {
	f := h.current.FindCaller(from, calltree.MatchBase)
	if f == nil {
		f = h.current.FindCaller(from, calltree.MatchName)
	}
	if f == nil {
		return false
	}

	for f != h.current {
		h.current = h.current.Ret(ts)
	}
	h.current = h.current.Call(from, to, ts)
	return true
}

// ret searches for the frame whose recorded call site matches the return
// target, then unwinds the frames above it so that frame becomes current.
// At the bottom of the stack the caller is unknown; it is inferred from
// the return target instead of rejecting the action.
func (h *History) ret(from, to symbol.Symbol, ts uint64) bool {
	if h.current.Caller == nil {
		h.current.Ret(ts)
		h.makeNewRoot(to)
		h.current = h.root
		return true
	}

	// deprioritize current: a frame rarely returns into itself
	f := h.current.Caller.FindCaller(to, calltree.MatchRetAddr)
	if f == nil && h.current.Match(calltree.MatchRetAddr, to) {
		f = h.current
	}
	if f == nil {
		f = h.current.Caller.FindCaller(to, calltree.MatchName)
	}
	if f == nil && h.current.Match(calltree.MatchName, to) {
		f = h.current
	}
	if f == nil {
		return false
	}

	for f != h.current {
		h.current = h.current.Ret(ts)
	}
	return true
}

func (h *History) Replay(a action.Action) bool {
	// tracing was stopped but never restarted
	if (h.inSyscall || h.pauseAddress != 0) && a.Inst != action.TrStart {
		return false
	}

	switch h.kmode {
	case modeTaskSwitchFlushTask:
		return h.replayTaskSwitchFlushTask(a)
	case modeEnterLazyTlbWait, modeEnterLazyTlbSched:
		return h.replayEnterLazyTlb(a)
	case modePerfEventSwitchOutput:
		h.kmode = modeNormal
		// expected: return perf_event_switch_output -> <stack symbol>;
		// the symbol mismatch against current is absorbed by ret's
		// ancestor search
		if a.Inst != action.Ret || a.From.Name != perfEventSwitchSymbol {
			return false
		}
		return h.ret(a.From, a.To, a.TS)
	}

	// the trace around a syscall entry carries a known symbol mismatch
	// (__entry_text_start vs entry_SYSCALL_64_after_hwframe); insert a
	// call to bridge the stack
	if h.afterSyscall {
		if a.Inst != action.Call {
			return false
		}
		if !h.current.Sym.Equal(a.From) {
			if !h.call(h.current.Sym, a.From, a.TS) {
				return false
			}
		}
		h.afterSyscall = false
	}

	switch a.Inst {
	case action.TrEndSyscall:
		h.inSyscall = true
		return h.call(a.From, a.To, a.TS)
	case action.Syscall:
		h.afterSyscall = true
		return h.call(a.From, a.To, a.TS)
	case action.Jmp, action.Jcc:
		// a jump whose site and target differ is a tail call or PLT
		// transfer; redundant jumps are filtered by the reader
		return h.call(a.From, a.To, a.TS)
	case action.Int, action.Call:
		return h.call(a.From, a.To, a.TS)
	case action.Sysret:
		h.inSyscall = false
		return h.ret(a.From, a.To, a.TS)
	case action.Ret, action.Iret:
		return h.ret(a.From, a.To, a.TS)
	case action.TrEnd:
		h.pauseAddress = a.From.Address
		h.pauseTime = a.TS
		return h.call(a.From, suspendedFunction, a.TS)
	case action.TrStart:
		return h.replayTraceStart(a)
	case action.End:
		return false
	}
	return false
}

func (h *History) replayTraceStart(a action.Action) bool {
	switch {
	case h.inSyscall:
		// resuming from syscall
		h.inSyscall = false
		return h.ret(a.From, a.To, a.TS)
	case h.pauseAddress != 0 && h.pauseAddress == a.To.Address:
		// resuming exactly where the trace paused
		h.pauseAddress = 0
		return h.ret(suspendedFunction, a.To, a.TS)
	case h.current.Sym.Name == "kprobe_flush_task" ||
		h.current.Sym.Name == "prepare_task_switch":
		h.kmode = modeTaskSwitchFlushTask
		return true
	case h.current.Sym.Name == "enter_lazy_tlb":
		h.kmode = modeEnterLazyTlbWait
		return true
	case a.From.IsUnknown() && a.To.Name == perfEventSwitchSymbol:
		h.kmode = modePerfEventSwitchOutput
		return true
	case a.From.Base() == 0 && a.To.IsUnknown():
		// vDSO entry resolved to nothing:
		//   call     clock_gettime@GLIBC_2.2.5 => __vdso_clock_gettime
		//   tr strt  0 [unknown] => 7fff56f8ca49 [unknown]
		// fake a call from the current frame to the unknown target
		return h.call(h.current.Sym, a.To, a.TS)
	}
	return false
}

// replayTaskSwitchFlushTask consumes actions while the kernel runs its
// pre-switch hooks. The trace loses one or two stack levels here and the
// intervening work belongs to other tasks, so nothing is recreated until
// the task switch returns.
func (h *History) replayTaskSwitchFlushTask(a action.Action) bool {
	if a.Inst != action.Ret {
		return true
	}
	switch a.To.Name {
	case "finish_task_switch":
		// stack: * > __schedule > finish_task_switch > kprobe_flush_task
		h.kmode = modeNormal
		return h.ret(h.current.Sym, a.To, a.TS)
	case "prepare_task_switch":
		// stack: * > __schedule > prepare_task_switch
		h.kmode = modeNormal
	}
	return true
}

// replayEnterLazyTlb waits out the reschedule after the trace broke in
// enter_lazy_tlb. Replay resumes only once the pattern
//
//	tr strt  [unknown] -> schedule
//	return   schedule  -> <some symbol in call stack>
//
// completes. A restart from a known symbol while waiting rejects the
// history; after the schedule restart, a call goes back to waiting and any
// other action except the schedule return rejects the history.
func (h *History) replayEnterLazyTlb(a action.Action) bool {
	if h.kmode == modeEnterLazyTlbWait {
		if a.Inst != action.TrStart {
			return true // ignore
		}
		if !a.From.IsUnknown() {
			// data loss
			h.kmode = modeNormal
			return false
		}
		if a.To.Name != "schedule" {
			return true // ignore
		}
		h.kmode = modeEnterLazyTlbSched
		return true
	}

	h.kmode = modeNormal
	switch a.Inst {
	case action.Call:
		h.kmode = modeEnterLazyTlbWait
		return true
	case action.Ret:
		if a.From.Name != "schedule" {
			return false
		}
		return h.ret(a.From, a.To, a.TS)
	default:
		return false
	}
}

// Terminate ends every open activation, accumulating latencies with a low
// bound on the return time, then installs the synthetic global root so the
// tree can be merged with every other history.
func (h *History) Terminate() *calltree.Func {
	ts := h.current.LastTime()
	if h.pauseAddress != 0 {
		ts = h.pauseTime
	}
	for h.current != h.root {
		h.current.EndIsInferred = true
		h.current = h.current.Ret(ts)
	}
	h.ret(h.root.Sym, globalRootFunction, ts)
	h.root.Ret(ts)
	return h.root
}

// Depth is the number of frames from current up to the root.
func (h *History) Depth() int {
	count := 0
	for c := h.current; c != nil; c = c.Caller {
		count++
	}
	return count
}

// Snapshot writes the live stack, one symbol per line, innermost first.
func (h *History) Snapshot(w io.Writer) {
	for c := h.current; c != nil; c = c.Caller {
		io.WriteString(w, c.Sym.Name+"\n")
	}
}
