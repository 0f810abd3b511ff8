package reader

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ptflame/ptflame/internal/action"
	"github.com/ptflame/ptflame/internal/errorutil"
	"github.com/ptflame/ptflame/internal/symbol"
	"github.com/ptflame/ptflame/internal/timeutil"
)

// NormalizeSymbols strips PLT and glibc version decorations from symbol
// names so stubs aggregate with their targets. Set before reading starts.
var NormalizeSymbols bool

// Instruction words as printed by
// perf script --itrace=cr --ns -F-event,-period,+addr,-comm,+flags.
// Order matters: "tr end  syscall" must match before "tr end".
var instWords = []struct {
	word string
	inst action.Inst
}{
	{"call", action.Call},
	{"return", action.Ret},
	{"jmp", action.Jmp},
	{"jcc", action.Jcc},
	{"tr strt", action.TrStart},
	{"tr end  syscall", action.TrEndSyscall},
	{"tr end", action.TrEnd},
	{"syscall", action.Syscall},
	{"sysret", action.Sysret},
	{"hw int", action.Int},
	{"iret", action.Iret},
}

// ParseLine decodes one perf script line:
//
//	TID [CPU] SEC.NSEC: ACT ADDR FUNC+OFF (BIN) => ADDR FUNC+OFF (BIN)
//
// When FUNC is [unknown] the +OFF part is omitted; with -F-dso the (BIN)
// part is omitted.
func ParseLine(line string) (action.Action, error) {
	var act action.Action

	// thread info
	i := strings.IndexByte(line, '[')
	if i < 0 {
		return act, fmt.Errorf("%w: no cpu field: %q", errorutil.ErrMalformedLine, line)
	}
	tid, err := strconv.ParseUint(strings.TrimSpace(line[:i]), 10, 64)
	if err != nil {
		return act, fmt.Errorf("%w: tid: %q", errorutil.ErrMalformedLine, line)
	}
	act.TID = tid
	rest := line[i+1:]
	i = strings.IndexByte(rest, ']')
	if i < 0 {
		return act, fmt.Errorf("%w: unterminated cpu field: %q", errorutil.ErrMalformedLine, line)
	}
	cpu, err := strconv.ParseUint(strings.TrimSpace(rest[:i]), 10, 64)
	if err != nil {
		return act, fmt.Errorf("%w: cpu: %q", errorutil.ErrMalformedLine, line)
	}
	act.CPU = cpu
	rest = rest[i+1:]

	// timestamp
	i = strings.IndexByte(rest, '.')
	if i < 0 {
		return act, fmt.Errorf("%w: timestamp: %q", errorutil.ErrMalformedLine, line)
	}
	sec, err := strconv.ParseUint(strings.TrimSpace(rest[:i]), 10, 64)
	if err != nil {
		return act, fmt.Errorf("%w: timestamp seconds: %q", errorutil.ErrMalformedLine, line)
	}
	rest = rest[i+1:]
	i = strings.IndexByte(rest, ':')
	if i < 0 {
		return act, fmt.Errorf("%w: timestamp: %q", errorutil.ErrMalformedLine, line)
	}
	nsec, err := strconv.ParseUint(rest[:i], 10, 64)
	if err != nil {
		return act, fmt.Errorf("%w: timestamp nanoseconds: %q", errorutil.ErrMalformedLine, line)
	}
	act.TS = timeutil.Make(sec, nsec)
	rest = strings.TrimLeft(rest[i+1:], " ")

	// instruction
	matched := false
	for _, w := range instWords {
		if strings.HasPrefix(rest, w.word) {
			act.Inst = w.inst
			rest = rest[len(w.word):]
			matched = true
			break
		}
	}
	if !matched {
		return act, fmt.Errorf("%w: %q", errorutil.ErrUnknownInstruction, line)
	}
	rest = strings.TrimLeft(rest, " ")

	if act.Inst == action.TrEnd {
		// perf may print subkinds like "tr end  return"; an unknown
		// subkind is treated as a plain trace end
		tok := rest
		if j := strings.IndexByte(tok, ' '); j >= 0 {
			tok = tok[:j]
		}
		if _, err := strconv.ParseUint(tok, 16, 64); err != nil {
			log.Warn().Str("line", line).Msg("unknown tr end subkind")
			rest = strings.TrimLeft(rest[len(tok):], " ")
		}
	}

	var from, to symbol.Symbol
	from, rest, err = parseSymbol(rest)
	if err != nil {
		return act, fmt.Errorf("%w: from symbol: %q", err, line)
	}
	act.From = from
	i = strings.Index(rest, "=>")
	if i < 0 {
		return act, fmt.Errorf("%w: no branch target: %q", errorutil.ErrMalformedLine, line)
	}
	to, _, err = parseSymbol(rest[i+2:])
	if err != nil {
		return act, fmt.Errorf("%w: to symbol: %q", err, line)
	}
	act.To = to
	return act, nil
}

// parseSymbol decodes "ADDR FUNC+0xOFF" or "ADDR [unknown]" and returns
// the unconsumed remainder of the line.
func parseSymbol(s string) (symbol.Symbol, string, error) {
	s = strings.TrimLeft(s, " ")
	end := strings.IndexByte(s, ' ')
	if end < 0 {
		return symbol.Symbol{}, "", errorutil.ErrMalformedLine
	}
	addr, err := strconv.ParseUint(s[:end], 16, 64)
	if err != nil {
		return symbol.Symbol{}, "", errorutil.ErrMalformedLine
	}
	s = strings.TrimLeft(s[end:], " ")
	if strings.HasPrefix(s, symbol.Unknown) {
		return symbol.Symbol{Name: symbol.Unknown, Address: addr}, s[len(symbol.Unknown):], nil
	}
	plus := strings.Index(s, "+0x")
	if plus < 0 {
		return symbol.Symbol{}, "", errorutil.ErrMalformedLine
	}
	name := s[:plus]
	if NormalizeSymbols {
		name = symbol.Normalize(name)
	}
	s = s[plus+len("+0x"):]
	end = strings.IndexByte(s, ' ')
	offStr := s
	if end >= 0 {
		offStr = s[:end]
		s = s[end:]
	} else {
		s = ""
	}
	off, err := strconv.ParseUint(offStr, 16, 64)
	if err != nil {
		return symbol.Symbol{}, "", errorutil.ErrMalformedLine
	}
	return symbol.Symbol{Name: name, Address: addr, Offset: off}, s, nil
}
