package speedscope

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/ptflame/ptflame/internal/calltree"
	"github.com/ptflame/ptflame/internal/symbol"
	"github.com/ptflame/ptflame/internal/testutil"
)

func node(name string, base uint64, stats calltree.Statistics, children ...*calltree.Func) *calltree.Func {
	f := calltree.New(symbol.Symbol{Name: name, Address: base}, nil, 0, 1)
	f.Stats = stats
	for _, c := range children {
		c.Caller = f
		f.Callees = append(f.Callees, c)
	}
	return f
}

func TestFromTree(t *testing.T) {
	foo := node("foo", 0x2000, calltree.Statistics{SumInferred: 1000, Invoked: 1})
	main := node("main", 0x1000, calltree.Statistics{SumInferred: 1200, Invoked: 1}, foo)
	root := node("/global_root/", 0x10, calltree.Statistics{SumInferred: 1200, Invoked: 1}, main)

	out := FromTree(root, "test")

	wantFrames := []Frame{{Name: "main"}, {Name: "foo"}}
	if diff := testutil.Diff(wantFrames, out.Shared.Frames); diff != "" {
		t.Fatalf("frames mismatch: %s", diff)
	}
	p := out.Profiles[0]
	wantSamples := [][]int{{0}, {0, 1}}
	if diff := testutil.Diff(wantSamples, p.Samples); diff != "" {
		t.Fatalf("samples mismatch: %s", diff)
	}
	wantWeights := []uint64{200, 1000}
	if diff := testutil.Diff(wantWeights, p.Weights); diff != "" {
		t.Fatalf("weights mismatch: %s", diff)
	}
	if p.EndValue != 1200 {
		t.Fatalf("end value = %d, want 1200", p.EndValue)
	}
}

func TestWriteIsValidJSON(t *testing.T) {
	main := node("main", 0x1000, calltree.Statistics{SumInferred: 100, Invoked: 1})
	root := node("/global_root/", 0x10, calltree.Statistics{SumInferred: 100, Invoked: 1}, main)

	var b strings.Builder
	if err := Write(&b, root, "test"); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(b.String()), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["exporter"] != "ptflame" {
		t.Fatalf("exporter = %v", decoded["exporter"])
	}
}

func TestEmptyTree(t *testing.T) {
	root := node("/global_root/", 0x10, calltree.Statistics{})
	out := FromTree(root, "empty")
	if len(out.Shared.Frames) != 0 || len(out.Profiles[0].Samples) != 0 {
		t.Fatal("an empty tree must produce empty frames and samples")
	}
}
