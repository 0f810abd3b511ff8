package flamegraph

import (
	"bufio"
	"io"
	"strconv"

	"github.com/ptflame/ptflame/internal/calltree"
)

// Write serializes the aggregation tree rooted at root in the folded-stack
// convention consumed by flame-graph renderers: one line per node,
// semicolon-separated ancestor chain, trailing self time in nanoseconds.
// The synthetic global root itself is skipped; nodes that accumulated no
// time are elided.
func Write(w io.Writer, root *calltree.Func) error {
	bw := bufio.NewWriter(w)
	for _, c := range root.Callees {
		if err := writeNode(bw, c, ""); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeNode(w *bufio.Writer, f *calltree.Func, prefix string) error {
	if f.Stats.SumInferred == 0 {
		return nil
	}
	display := f.Sym.Name + ":" + f.Stats.String()
	if _, err := w.WriteString(prefix + display + " "); err != nil {
		return err
	}
	if _, err := w.WriteString(strconv.FormatUint(f.SelfTime(), 10) + "\n"); err != nil {
		return err
	}
	for _, c := range f.Callees {
		if err := writeNode(w, c, prefix+display+";"); err != nil {
			return err
		}
	}
	return nil
}
