package reader

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ptflame/ptflame/internal/action"
)

// ParallelReader parses a single large seekable file with several
// workers. The file is split into chunks aligned to line breaks; workers
// parse chunks independently and the consumer reassembles segments in
// file order by visiting workers round-robin.
type ParallelReader struct {
	workers []*chunkWorker

	totalSegments int
	nextSegment   int
	seg           []action.Action

	stop     chan struct{}
	stopOnce sync.Once
}

type chunkWorker struct {
	jobs     []chunkJob
	segments chan []action.Action
}

type chunkJob struct {
	pos int64
	end int64
}

// NewParallelReader splits path into chunks of roughly seekStep bytes and
// starts the workers. The chunk scan happens up front; it only seeks and
// reads one line per chunk boundary.
func NewParallelReader(path string, workers int, seekStep int64) (*ParallelReader, error) {
	if workers < 1 {
		workers = 1
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	jobs, err := scanChunks(f, seekStep)
	if err != nil {
		return nil, err
	}

	r := &ParallelReader{stop: make(chan struct{}), totalSegments: len(jobs)}
	for i := 0; i < workers; i++ {
		r.workers = append(r.workers, &chunkWorker{
			segments: make(chan []action.Action, 2),
		})
	}
	for i, job := range jobs {
		w := r.workers[i%workers]
		w.jobs = append(w.jobs, job)
	}
	for _, w := range r.workers {
		go r.work(path, w)
	}
	return r, nil
}

// scanChunks seeks forward by seekStep and aligns every boundary to the
// next line break.
func scanChunks(f *os.File, seekStep int64) ([]chunkJob, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	var jobs []chunkJob
	var pos int64
	buf := make([]byte, 4096)
	for pos < size {
		end := pos + seekStep
		if end >= size {
			end = size
		} else {
			end, err = alignToNewline(f, end, size, buf)
			if err != nil {
				return nil, err
			}
		}
		jobs = append(jobs, chunkJob{pos: pos, end: end})
		pos = end
	}
	return jobs, nil
}

func alignToNewline(f *os.File, pos, size int64, buf []byte) (int64, error) {
	for pos < size {
		n, err := f.ReadAt(buf, pos)
		for i := 0; i < n; i++ {
			if buf[i] == '\n' {
				return pos + int64(i) + 1, nil
			}
		}
		pos += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return size, nil
}

func (r *ParallelReader) work(path string, w *chunkWorker) {
	defer close(w.segments)
	f, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("cannot reopen trace for chunk worker")
		return
	}
	defer f.Close()

	for _, job := range w.jobs {
		sc := bufio.NewScanner(io.NewSectionReader(f, job.pos, job.end-job.pos))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var seg []action.Action
		for {
			a := nextActionForScanner(sc)
			if a.Inst == action.End {
				break
			}
			seg = append(seg, a)
		}
		select {
		case w.segments <- seg:
		case <-r.stop:
			return
		}
	}
}

func (r *ParallelReader) NextAction() action.Action {
	for len(r.seg) == 0 && r.nextSegment < r.totalSegments {
		w := r.workers[r.nextSegment%len(r.workers)]
		r.nextSegment++
		seg, ok := <-w.segments
		if !ok {
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

func (r *ParallelReader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}
