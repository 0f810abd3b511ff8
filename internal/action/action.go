package action

import "github.com/ptflame/ptflame/internal/symbol"

// Inst is the decoded kind of a branch-trace record. The zero value is
// End, the end-of-stream sentinel, so an empty Action means "no more
// actions".
type Inst int

const (
	End Inst = iota
	Call
	Ret
	Jmp
	Jcc
	TrStart
	TrEnd
	TrEndSyscall
	Syscall
	Sysret
	Int
	Iret
)

var instNames = map[Inst]string{
	End:          "end",
	Call:         "call",
	Ret:          "return",
	Jmp:          "jmp",
	Jcc:          "jcc",
	TrStart:      "tr strt",
	TrEnd:        "tr end",
	TrEndSyscall: "tr end syscall",
	Syscall:      "syscall",
	Sysret:       "sysret",
	Int:          "hw int",
	Iret:         "iret",
}

func (i Inst) String() string {
	if s, ok := instNames[i]; ok {
		return s
	}
	return "unknown"
}

// Action is one hardware branch-trace record decoded to a typed event.
type Action struct {
	Inst Inst
	From symbol.Symbol
	To   symbol.Symbol
	TS   uint64
	TID  uint64
	CPU  uint64
}
