package reader

import (
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ptflame/ptflame/internal/action"
)

// StreamReader parses one or more non-seekable streams in the background,
// handing parsed actions over in fixed-size segments. Streams are
// consumed strictly in order, so a per-CPU list of trace files keeps its
// recorded timestamp order.
type StreamReader struct {
	streams []*stream
	cur     int
	seg     []action.Action

	stop     chan struct{}
	stopOnce sync.Once
}

type stream struct {
	open     func() (io.ReadCloser, error)
	segments chan []action.Action
}

// NewStreamReader spawns parallel workers over the given files. Each
// stream is owned by exactly one worker; a worker handles streams
// idx, idx+parallel, ... so segment order within a stream is preserved.
func NewStreamReader(paths []string, parallel, step int) *StreamReader {
	r := &StreamReader{stop: make(chan struct{})}
	for _, path := range paths {
		p := path
		r.streams = append(r.streams, &stream{
			open:     func() (io.ReadCloser, error) { return OpenTrace(p) },
			segments: make(chan []action.Action, 4),
		})
	}
	if parallel < 1 {
		parallel = 1
	}
	if parallel > len(r.streams) {
		parallel = len(r.streams)
	}
	for i := 0; i < parallel; i++ {
		go r.worker(i, parallel, step)
	}
	return r
}

// NewStreamReaderFrom reads a single open stream, typically stdin.
func NewStreamReaderFrom(in io.Reader, step int) *StreamReader {
	r := &StreamReader{stop: make(chan struct{})}
	r.streams = append(r.streams, &stream{
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(in), nil
		},
		segments: make(chan []action.Action, 4),
	})
	go r.worker(0, 1, step)
	return r
}

const defaultStep = 10000

func (r *StreamReader) worker(idx, stride, step int) {
	if step <= 0 {
		step = defaultStep
	}
	for i := idx; i < len(r.streams); i += stride {
		r.parseStream(r.streams[i], step)
	}
}

func (r *StreamReader) parseStream(s *stream, step int) {
	defer close(s.segments)
	rc, err := s.open()
	if err != nil {
		log.Error().Err(err).Msg("cannot open trace stream")
		return
	}
	defer rc.Close()
	sc := newScanner(rc)
	for {
		seg := make([]action.Action, 0, step)
		for len(seg) < step {
			a := nextActionForScanner(sc)
			if a.Inst == action.End {
				break
			}
			seg = append(seg, a)
		}
		if len(seg) == 0 {
			return
		}
		select {
		case s.segments <- seg:
		case <-r.stop:
			return
		}
		if len(seg) < step {
			return
		}
	}
}

func (r *StreamReader) NextAction() action.Action {
	for len(r.seg) == 0 && r.cur < len(r.streams) {
		seg, ok := <-r.streams[r.cur].segments
		if !ok {
			r.cur++
			continue
		}
		r.seg = seg
	}
	if len(r.seg) == 0 {
		return action.Action{}
	}
	a := r.seg[0]
	r.seg = r.seg[1:]
	return a
}

func (r *StreamReader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
