package reader

import (
	"bufio"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ptflame/ptflame/internal/action"
	"github.com/ptflame/ptflame/internal/logutil"
)

// Source yields actions in the order the trace recorded them. The zero
// Action (Inst == End) signals end of stream.
type Source interface {
	NextAction() action.Action
	Stop()
}

var (
	parseWarnOnce sync.Once
	parseWarn     zerolog.Logger
)

func warnLine(line string, err error) {
	parseWarnOnce.Do(func() {
		parseWarn = logutil.ParseWarnLogger()
	})
	parseWarn.Warn().Err(err).Str("line", line).Msg("skipping unreadable trace line")
}

// nextActionForScanner parses lines until one yields a replayable action.
// Undecodable lines are skipped with a warning; redundant jumps and
// records for tid 0 are filtered.
func nextActionForScanner(s *bufio.Scanner) action.Action {
	for s.Scan() {
		line := s.Text()
		act, err := ParseLine(line)
		if err != nil {
			warnLine(line, err)
			continue
		}
		if (act.Inst == action.Jmp || act.Inst == action.Jcc) &&
			(act.From.Base() == act.To.Base() || act.From.Name == act.To.Name) {
			continue
		}
		if act.TID == 0 {
			continue
		}
		return act
	}
	if err := s.Err(); err != nil {
		log.Error().Err(err).Msg("trace read failed")
	}
	return action.Action{}
}

// BasicReader parses a single stream inline, suitable for stdin.
type BasicReader struct {
	s *bufio.Scanner
}

func NewBasicReader(r io.Reader) *BasicReader {
	return &BasicReader{s: newScanner(r)}
}

func (b *BasicReader) NextAction() action.Action {
	return nextActionForScanner(b.s)
}

func (b *BasicReader) Stop() {}

// FileReader reads files until EOF in sequence.
type FileReader struct {
	paths   []string
	current io.ReadCloser
	s       *bufio.Scanner
}

func NewFileReader(paths ...string) *FileReader {
	return &FileReader{paths: paths}
}

func (f *FileReader) NextAction() action.Action {
	for {
		if f.s == nil {
			if len(f.paths) == 0 {
				return action.Action{}
			}
			path := f.paths[0]
			f.paths = f.paths[1:]
			rc, err := OpenTrace(path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("cannot open trace file")
				continue
			}
			f.current = rc
			f.s = newScanner(rc)
		}
		if a := nextActionForScanner(f.s); a.Inst != action.End {
			return a
		}
		f.closeCurrent()
	}
}

func (f *FileReader) closeCurrent() {
	if f.current != nil {
		f.current.Close()
	}
	f.current = nil
	f.s = nil
}

func (f *FileReader) Stop() {
	f.closeCurrent()
	f.paths = nil
}

// newScanner sizes the line buffer generously; perf script lines are
// short but symbol demangling can produce long ones.
func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return s
}
