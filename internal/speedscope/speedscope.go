// Package speedscope renders the aggregation tree as a speedscope
// sampled profile: one sample per call-tree node carrying non-zero self
// time, weighted by that self time.
package speedscope

import (
	"io"

	"github.com/goccy/go-json"

	"github.com/ptflame/ptflame/internal/calltree"
)

const (
	ValueUnitNanoseconds ValueUnit = "nanoseconds"

	ProfileTypeSampled ProfileType = "sampled"

	schema  = "https://www.speedscope.app/file-format-schema.json"
	version = "0.0.1"
)

type (
	Frame struct {
		Name string `json:"name"`
	}

	SampledProfile struct {
		EndValue   uint64      `json:"endValue"`
		Name       string      `json:"name"`
		Samples    [][]int     `json:"samples"`
		StartValue uint64      `json:"startValue"`
		Type       ProfileType `json:"type"`
		Unit       ValueUnit   `json:"unit"`
		Weights    []uint64    `json:"weights"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	ProfileType string
	ValueUnit   string

	Output struct {
		Schema             string           `json:"$schema"`
		ActiveProfileIndex int              `json:"activeProfileIndex"`
		Exporter           string           `json:"exporter"`
		Name               string           `json:"name"`
		Profiles           []SampledProfile `json:"profiles"`
		Shared             SharedData       `json:"shared"`
		Version            string           `json:"version"`
	}
)

type builder struct {
	frames  map[string]int
	out     Output
	profile *SampledProfile
}

// FromTree converts the aggregation tree rooted at the global root.
func FromTree(root *calltree.Func, name string) Output {
	b := builder{frames: make(map[string]int)}
	b.out = Output{
		Schema:   schema,
		Exporter: "ptflame",
		Name:     name,
		Version:  version,
		Profiles: []SampledProfile{{
			Name: name,
			Type: ProfileTypeSampled,
			Unit: ValueUnitNanoseconds,
		}},
	}
	b.profile = &b.out.Profiles[0]
	for _, c := range root.Callees {
		b.walk(c, nil)
	}
	if b.out.Shared.Frames == nil {
		b.out.Shared.Frames = []Frame{}
	}
	if b.profile.Samples == nil {
		b.profile.Samples = [][]int{}
		b.profile.Weights = []uint64{}
	}
	return b.out
}

func (b *builder) walk(f *calltree.Func, stack []int) {
	if f.Stats.SumInferred == 0 {
		return
	}
	stack = append(stack, b.frameIndex(f.Sym.Name))
	if self := f.SelfTime(); self > 0 {
		sample := make([]int, len(stack))
		copy(sample, stack)
		b.profile.Samples = append(b.profile.Samples, sample)
		b.profile.Weights = append(b.profile.Weights, self)
		b.profile.EndValue += self
	}
	for _, c := range f.Callees {
		b.walk(c, stack)
	}
}

func (b *builder) frameIndex(name string) int {
	if idx, ok := b.frames[name]; ok {
		return idx
	}
	idx := len(b.out.Shared.Frames)
	b.frames[name] = idx
	b.out.Shared.Frames = append(b.out.Shared.Frames, Frame{Name: name})
	return idx
}

// Write encodes the tree to w as speedscope JSON.
func Write(w io.Writer, root *calltree.Func, name string) error {
	return json.NewEncoder(w).Encode(FromTree(root, name))
}
