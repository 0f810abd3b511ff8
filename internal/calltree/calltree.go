package calltree

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ptflame/ptflame/internal/symbol"
)

// NotStarted marks a Func with no activation in flight.
const NotStarted = ^uint64(0)

// callWindow is the longest x86 call instruction encoding. A return
// address within this window above the call site is considered a match.
const callWindow = 10

// Statistics aggregates completed activations of one Func.
//
// Invoked counts every completed activation; Inferred counts those whose
// start or end timestamp was synthesized by gap repair. Inferred samples
// contribute to SumInferred but not Sum, so Sum/N() stays an honest
// average over fully measured activations.
type Statistics struct {
	SumInferred uint64
	Sum         uint64
	Invoked     uint64
	Inferred    uint64
}

func (s Statistics) N() uint64 {
	return s.Invoked - s.Inferred
}

func (s Statistics) Average() float64 {
	if s.N() == 0 {
		return 0
	}
	return float64(s.Sum) / float64(s.N())
}

func (s *Statistics) AddSample(t uint64, inferred bool) {
	s.Invoked++
	s.SumInferred += t
	if inferred {
		s.Inferred++
	} else {
		s.Sum += t
	}
}

func (s *Statistics) Merge(that Statistics) {
	s.SumInferred += that.SumInferred
	s.Sum += that.Sum
	s.Invoked += that.Invoked
	s.Inferred += that.Inferred
}

// String renders the stat suffix used in flame-graph frame labels:
// invoked, the inferred count in parentheses when non-zero, and the
// average measured latency when more than one measured sample exists.
func (s Statistics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", s.Invoked)
	if s.Inferred > 0 {
		fmt.Fprintf(&b, "(%d)", s.Inferred)
	}
	if s.N() > 1 {
		fmt.Fprintf(&b, ",avg:%.0f", s.Average())
	}
	return b.String()
}

// Func is one node of a per-thread call tree. Caller and Callees form the
// tree; during destructive merges a subtree is moved by re-parenting, so a
// node is owned by whichever parent it back-references.
type Func struct {
	Sym         symbol.Symbol
	Callees     []*Func
	Caller      *Func
	CallAddress uint64
	TID         uint64

	FirstStart uint64
	// most recent start and end time, only meaningful before merging
	Start uint64
	End   uint64

	StartIsInferred bool
	EndIsInferred   bool

	Stats Statistics
}

// New creates a node for sym with its offset zeroed: calls land at
// function entry, so the node's base and address coincide.
func New(sym symbol.Symbol, caller *Func, ts, tid uint64) *Func {
	return &Func{
		Sym:        symbol.Symbol{Name: sym.Name, Address: sym.Address},
		Caller:     caller,
		TID:        tid,
		FirstStart: ts,
		Start:      ts,
	}
}

// Call activates the callee for sym under f, creating it on first entry.
// from is the call site; its address is kept to match the eventual return.
func (f *Func) Call(from, to symbol.Symbol, ts uint64) *Func {
	f.CallAddress = from.Address
	c := f.FindCallee(to)
	if c != nil {
		c.Start = ts
		c.End = 0
		c.StartIsInferred = false
	} else {
		c = New(to, f, ts, f.TID)
		f.Callees = append(f.Callees, c)
	}
	if sink != nil {
		sink.EmitFunction(c.TID, c.TID, c.Sym.Name, ts, EventBegin, 0)
	}
	return c
}

// Ret completes the current activation of f at ts and returns the caller.
func (f *Func) Ret(ts uint64) *Func {
	start := f.Start
	if start > ts {
		log.Warn().
			Str("function", f.Sym.Name).
			Uint64("start", start).
			Uint64("return", ts).
			Msg("function return earlier than start")
		f.Stats.AddSample(0, true)
	} else {
		f.Stats.AddSample(ts-start, f.StartIsInferred || f.EndIsInferred)
	}
	f.End = ts
	f.Start = NotStarted
	if f.Caller != nil {
		f.Caller.CallAddress = 0
	}
	if sink != nil {
		if f.StartIsInferred {
			sink.EmitFunction(f.TID, f.TID, f.Sym.Name, start, EventComplete, ts)
		} else {
			sink.EmitFunction(f.TID, f.TID, f.Sym.Name, ts, EventEnd, 0)
		}
	}
	return f.Caller
}

// DestructiveMerge folds that into f: statistics are merged and each of
// that's callees is either merged into a base-matching callee of f or
// re-parented under f. Matching is by base only — the same name at two
// addresses stays two siblings. that must not be used afterwards.
func (f *Func) DestructiveMerge(that *Func) {
	if that == nil {
		return
	}
	f.Stats.Merge(that.Stats)
	for len(that.Callees) > 0 {
		c := that.Callees[len(that.Callees)-1]
		that.Callees = that.Callees[:len(that.Callees)-1]
		if m := f.findCalleeByBase(c.Sym); m != nil {
			m.DestructiveMerge(c)
		} else {
			f.Callees = append(f.Callees, c)
			c.Caller = f
		}
	}
}

func (f *Func) findCalleeByBase(s symbol.Symbol) *Func {
	for _, c := range f.Callees {
		if c.Sym.Base() == s.Base() {
			return c
		}
	}
	return nil
}

// DestructiveMergeFuncs reduces fs into its first element and returns it.
// The elements after the first are consumed; fs itself is not cleared.
func DestructiveMergeFuncs(fs []*Func) *Func {
	if len(fs) == 0 {
		return nil
	}
	root := fs[0]
	for _, f := range fs[1:] {
		root.DestructiveMerge(f)
	}
	return root
}

// FindCallee returns the first callee matching by base address, else the
// first matching by name.
func (f *Func) FindCallee(s symbol.Symbol) *Func {
	for _, c := range f.Callees {
		if c.Sym.Base() == s.Base() {
			return c
		}
	}
	for _, c := range f.Callees {
		if c.Match(MatchName, s) {
			return c
		}
	}
	return nil
}

// LastTime approximates the return time of a not-yet-returned function as
// the latest of its own start and its callees' ends.
func (f *Func) LastTime() uint64 {
	t := f.Start
	for _, c := range f.Callees {
		if c.End > t {
			t = c.End
		}
	}
	return t
}

// MatchKind selects the predicate used by ancestor-chain lookups.
type MatchKind int

const (
	// MatchName compares symbol names.
	MatchName MatchKind = iota
	// MatchBase compares function entry addresses.
	MatchBase
	// MatchRetAddr accepts a return target whose address falls in the
	// call-instruction window just above the recorded call site.
	MatchRetAddr
)

func (f *Func) Match(kind MatchKind, s symbol.Symbol) bool {
	switch kind {
	case MatchName:
		return f.Sym.Name == s.Name
	case MatchBase:
		return f.Sym.Base() == s.Base()
	case MatchRetAddr:
		return f.CallAddress != 0 && f.CallAddress <= s.Address &&
			f.CallAddress+callWindow > s.Address
	}
	return false
}

// FindCaller walks the ancestor chain from f upwards and returns the
// first frame matching s under kind, or nil.
func (f *Func) FindCaller(s symbol.Symbol, kind MatchKind) *Func {
	for c := f; c != nil; c = c.Caller {
		if c.Match(kind, s) {
			return c
		}
	}
	return nil
}

// SelfTime is the latency spent in f itself, excluding callees.
func (f *Func) SelfTime() uint64 {
	var other uint64
	for _, c := range f.Callees {
		other += c.Stats.SumInferred
	}
	if f.Stats.SumInferred < other {
		log.Warn().
			Str("function", f.Sym.Name).
			Uint64("total", f.Stats.SumInferred).
			Uint64("other", other).
			Msg("total time less than callee time")
		return 0
	}
	return f.Stats.SumInferred - other
}

// PrettyPrint dumps the subtree as an indented listing, for debugging.
func (f *Func) PrettyPrint(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%s%s : called %d lat %d\n",
		prefix, f.Sym.Name, f.Stats.Invoked, f.Stats.SumInferred)
	for _, c := range f.Callees {
		c.PrettyPrint(w, prefix+"  ")
	}
}
