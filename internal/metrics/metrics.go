package metrics

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/ptflame/ptflame/internal/calltree"
	"github.com/ptflame/ptflame/internal/quantile"
)

// FunctionMetrics summarizes every call-tree node sharing one function
// name. Percentiles are computed over the per-node self times: a function
// appearing at N distinct places in the aggregation tree contributes N
// samples.
type FunctionMetrics struct {
	Name      string  `json:"name"`
	P50       uint64  `json:"p50"`
	P75       uint64  `json:"p75"`
	P90       uint64  `json:"p90"`
	P99       uint64  `json:"p99"`
	Avg       float64 `json:"avg"`
	SumSelf   uint64  `json:"sum_self"`
	SumTotal  uint64  `json:"sum_total"`
	Invoked   uint64  `json:"invoked"`
	Inferred  uint64  `json:"inferred"`
	TreeNodes uint64  `json:"tree_nodes"`
}

// Aggregator collects per-function metrics from an aggregation tree.
type Aggregator struct {
	MaxUniqueFunctions int
	functions          map[string]*functionAccumulator
}

type functionAccumulator struct {
	selfTimes quantile.Quantile
	sumSelf   uint64
	sumTotal  uint64
	invoked   uint64
	inferred  uint64
	nodes     uint64
}

func NewAggregator(maxUniqueFunctions int) *Aggregator {
	return &Aggregator{
		MaxUniqueFunctions: maxUniqueFunctions,
		functions:          make(map[string]*functionAccumulator),
	}
}

// AddTree walks the aggregation tree rooted at root, skipping the
// synthetic global root itself.
func (a *Aggregator) AddTree(root *calltree.Func) {
	for _, c := range root.Callees {
		a.addNode(c)
	}
}

func (a *Aggregator) addNode(f *calltree.Func) {
	if f.Stats.SumInferred > 0 {
		acc, ok := a.functions[f.Sym.Name]
		if !ok {
			acc = &functionAccumulator{}
			a.functions[f.Sym.Name] = acc
		}
		self := f.SelfTime()
		acc.selfTimes.Add(float64(self))
		acc.sumSelf += self
		acc.sumTotal += f.Stats.SumInferred
		acc.invoked += f.Stats.Invoked
		acc.inferred += f.Stats.Inferred
		acc.nodes++
	}
	for _, c := range f.Callees {
		a.addNode(c)
	}
}

// ToMetrics renders the accumulated data, sorted by self time descending
// and truncated to MaxUniqueFunctions when that is positive.
func (a *Aggregator) ToMetrics() []FunctionMetrics {
	metrics := make([]FunctionMetrics, 0, len(a.functions))
	for name, acc := range a.functions {
		acc.selfTimes.Sort()
		metrics = append(metrics, FunctionMetrics{
			Name:      name,
			P50:       uint64(acc.selfTimes.Percentile(0.50)),
			P75:       uint64(acc.selfTimes.Percentile(0.75)),
			P90:       uint64(acc.selfTimes.Percentile(0.90)),
			P99:       uint64(acc.selfTimes.Percentile(0.99)),
			Avg:       acc.selfTimes.Mean(),
			SumSelf:   acc.sumSelf,
			SumTotal:  acc.sumTotal,
			Invoked:   acc.invoked,
			Inferred:  acc.inferred,
			TreeNodes: acc.nodes,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].SumSelf > metrics[j].SumSelf
	})
	if a.MaxUniqueFunctions > 0 && len(metrics) > a.MaxUniqueFunctions {
		metrics = metrics[:a.MaxUniqueFunctions]
	}
	return metrics
}

// Write renders the metrics as an aligned text table.
func Write(w io.Writer, metrics []FunctionMetrics) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tINVOKED\tINFERRED\tSELF\tTOTAL\tP50\tP90\tP99")
	for _, m := range metrics {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			m.Name, m.Invoked, m.Inferred, m.SumSelf, m.SumTotal,
			m.P50, m.P90, m.P99)
	}
	return tw.Flush()
}
