package replay

import (
	"sync"

	"github.com/ptflame/ptflame/internal/action"
	"github.com/ptflame/ptflame/internal/calltree"
)

// ParallelReplay shards histories across workers by tid, so each history
// is only ever touched by its owning worker and per-thread timestamp
// order is preserved without locking inside the state machine.
//
// The activation sink is process-wide and not serialized, so it must stay
// disabled while sharding is on.
type ParallelReplay struct {
	shards []*shard
	wg     sync.WaitGroup
}

type shard struct {
	rp      *Replay
	actions chan action.Action
}

const shardQueueDepth = 4096

func NewParallel(workers int) *ParallelReplay {
	p := &ParallelReplay{shards: make([]*shard, workers)}
	for i := range p.shards {
		s := &shard{
			rp:      New(),
			actions: make(chan action.Action, shardQueueDepth),
		}
		p.shards[i] = s
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for a := range s.actions {
				s.rp.Replay(a)
			}
		}()
	}
	return p
}

// DeliverAction enqueues the action on its tid's shard, blocking when the
// shard is saturated.
func (p *ParallelReplay) DeliverAction(a action.Action) {
	p.shards[a.TID%uint64(len(p.shards))].actions <- a
}

// WaitAll closes every shard queue and waits for the workers to drain.
// No further actions may be delivered afterwards.
func (p *ParallelReplay) WaitAll() {
	for _, s := range p.shards {
		close(s.actions)
	}
	p.wg.Wait()
}

// DestructiveMergeAll finalizes each shard concurrently, then merges the
// per-shard roots serially. Call WaitAll first.
func (p *ParallelReplay) DestructiveMergeAll() *calltree.Func {
	roots := make([]*calltree.Func, len(p.shards))
	var wg sync.WaitGroup
	for i, s := range p.shards {
		wg.Add(1)
		go func(i int, s *shard) {
			defer wg.Done()
			s.rp.Cleanup()
			roots[i] = s.rp.DestructiveMergeAll()
		}(i, s)
	}
	wg.Wait()

	merged := roots[:0]
	for _, r := range roots {
		if r != nil {
			merged = append(merged, r)
		}
	}
	return calltree.DestructiveMergeFuncs(merged)
}
