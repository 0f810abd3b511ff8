package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/ptflame/ptflame/internal/action"
	"github.com/ptflame/ptflame/internal/calltree"
	"github.com/ptflame/ptflame/internal/flamegraph"
	"github.com/ptflame/ptflame/internal/ftf"
	"github.com/ptflame/ptflame/internal/logutil"
	"github.com/ptflame/ptflame/internal/metrics"
	"github.com/ptflame/ptflame/internal/reader"
	"github.com/ptflame/ptflame/internal/replay"
	"github.com/ptflame/ptflame/internal/speedscope"
	"github.com/ptflame/ptflame/internal/timeutil"
)

var release string

type options struct {
	limit        uint64
	parallel     int
	readStep     int
	replayShards int

	cpuLists [][]string
	loose    []string

	stackPrefix   string
	stackWarmup   uint64
	stackInterval uint64
	stackCount    int
	stackOnly     bool
	stackAtEnd    string

	ftfFile        string
	speedscopeFile string
	metricsFile    string
}

func parseFlags(cfg ServiceConfig) (options, error) {
	opts := options{
		readStep:      cfg.ReadStep,
		stackWarmup:   cfg.StackWarmup,
		stackInterval: cfg.StackInterval,
		stackCount:    1,
	}

	fs := flag.NewFlagSet("ptflame", flag.ContinueOnError)
	fs.Uint64Var(&opts.limit, "l", 0, "limit number of actions to replay, 0 for no limit")
	fs.IntVar(&opts.parallel, "j", 0, "parallel workers to parse traces, 0 turns parallel off")
	fs.IntVar(&opts.readStep, "s", cfg.ReadStep, "split trace streams every N actions")
	fs.IntVar(&opts.replayShards, "R", 0, "parallel replay shards, 0 replays serially")

	cpu := -1
	fs.Func("c", "CPU number for the following -t traces", func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid cpu %q", v)
		}
		cpu = n
		return nil
	})
	fs.Func("t", "comma-separated ordered trace files for one CPU", func(v string) error {
		if cpu == -1 {
			return fmt.Errorf("no cpu specified, use -c before -t")
		}
		opts.cpuLists = append(opts.cpuLists, strings.Split(v, ","))
		return nil
	})

	fs.StringVar(&opts.stackPrefix, "S", "", "print stacks to files named prefix<seq>")
	fs.Uint64Var(&opts.stackWarmup, "W", cfg.StackWarmup, "warmup before the first stack print, ns")
	fs.Uint64Var(&opts.stackInterval, "I", cfg.StackInterval, "interval between stack prints, ns")
	fs.IntVar(&opts.stackCount, "C", 1, "number of stacks to print")
	fs.BoolVar(&opts.stackOnly, "O", false, "output stacks only, skip the flame graph")
	fs.StringVar(&opts.stackAtEnd, "E", "", "print one stack to the named file at end of replay")

	fs.StringVar(&opts.ftfFile, "P", "", "write FTF (Fuchsia Trace Format) for use with Perfetto")
	fs.StringVar(&opts.speedscopeFile, "G", "", "write the aggregation tree as speedscope JSON")
	fs.StringVar(&opts.metricsFile, "M", "", "write a per-function metrics table, - for stdout")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return opts, err
	}
	opts.loose = fs.Args()
	return opts, nil
}

// buildSources mirrors the trace layout onto readers: every -c/-t group
// becomes one ordered source, trailing CPU-less files become independent
// sources, and with neither, stdin is the source.
func buildSources(opts options) []reader.Source {
	var sources []reader.Source

	if len(opts.cpuLists) > 0 {
		if len(opts.loose) > 0 {
			log.Warn().Msg("extra trace files at the end of command, ignored")
		}
		streams := len(opts.cpuLists)
		if opts.parallel > 0 {
			realParallel := realParallelism(opts.parallel, streams)
			for _, list := range opts.cpuLists {
				sources = append(sources, reader.NewStreamReader(list, realParallel, opts.readStep))
			}
		} else {
			for _, list := range opts.cpuLists {
				sources = append(sources, reader.NewFileReader(list...))
			}
		}
		return sources
	}

	if len(opts.loose) == 0 {
		if opts.parallel > 0 {
			sources = append(sources, reader.NewStreamReaderFrom(os.Stdin, opts.readStep))
		} else {
			sources = append(sources, reader.NewBasicReader(os.Stdin))
		}
		return sources
	}

	if opts.parallel > 0 {
		realParallel := realParallelism(opts.parallel, len(opts.loose))
		for _, f := range opts.loose {
			if reader.Compressed(f) {
				sources = append(sources, reader.NewStreamReader([]string{f}, realParallel, opts.readStep))
				continue
			}
			pr, err := reader.NewParallelReader(f, realParallel, int64(opts.readStep)*200)
			if err != nil {
				log.Error().Err(err).Str("path", f).Msg("cannot open trace file")
				continue
			}
			sources = append(sources, pr)
		}
	} else {
		for _, f := range opts.loose {
			sources = append(sources, reader.NewFileReader(f))
		}
	}
	return sources
}

func realParallelism(parallel, streams int) int {
	rp := parallel / streams
	if rp < 1 {
		rp = 1
	}
	if rp*streams > parallel {
		log.Warn().
			Int("workers", rp*streams).
			Int("requested", parallel).
			Msg("will spawn more workers than the specified number")
	}
	return rp
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading configuration:", err)
		os.Exit(1)
	}
	logutil.ConfigureLogger(cfg.LogJSON)

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			Release:     release,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("can't initialize sentry")
		}
		defer sentry.Flush(5 * time.Second)
	}

	opts, err := parseFlags(cfg)
	if err != nil {
		os.Exit(2)
	}
	reader.NormalizeSymbols = cfg.NormalizeSymbols

	sources := buildSources(opts)
	if len(sources) == 0 {
		log.Fatal().Msg("no usable trace input")
	}
	merger := reader.NewMerger(sources)
	defer merger.Stop()

	var ftfWriter *ftf.Writer
	if opts.ftfFile != "" {
		if opts.replayShards > 0 {
			log.Warn().Msg("FTF output is disabled with parallel replay")
		} else {
			f, err := os.Create(opts.ftfFile)
			if err != nil {
				sentry.CaptureException(err)
				log.Fatal().Err(err).Str("path", opts.ftfFile).Msg("cannot create FTF output")
			}
			defer f.Close()
			ftfWriter = ftf.NewWriter(f)
			ftfWriter.EmitMagic()
			calltree.SetSink(ftf.Sink{W: ftfWriter})
		}
	}

	// prints progress every 5 seconds
	var statusPrint int32
	stopStatus := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				atomic.StoreInt32(&statusPrint, 1)
			case <-stopStatus:
				return
			}
		}
	}()

	rp := replay.New()
	var pr *replay.ParallelReplay
	if opts.replayShards > 0 {
		pr = replay.NewParallel(opts.replayShards)
		if opts.stackPrefix != "" || opts.stackAtEnd != "" {
			log.Warn().Msg("stack snapshots are disabled with parallel replay")
			opts.stackPrefix = ""
			opts.stackAtEnd = ""
		}
	}

	var counter, lastTS uint64
	var stackPrinted int
	var stackLastTS uint64
	for {
		a := merger.NextActionByBlock()
		if a.Inst == action.End {
			break
		}
		lastTS = a.TS
		if pr != nil {
			pr.DeliverAction(a)
		} else {
			rp.Replay(a)
		}

		if opts.stackPrefix != "" {
			if stackPrinted < opts.stackCount {
				if stackLastTS == 0 {
					stackLastTS = a.TS
				} else if (stackPrinted == 0 && a.TS-stackLastTS > opts.stackWarmup) ||
					(stackPrinted > 0 && a.TS-stackLastTS > opts.stackInterval) {
					printStack(rp, opts.stackPrefix+strconv.Itoa(stackPrinted), a.TS)
					stackPrinted++
					stackLastTS = a.TS
				}
			} else if opts.stackOnly {
				break
			}
		}

		if atomic.CompareAndSwapInt32(&statusPrint, 1, 0) {
			log.Info().
				Uint64("counter", counter).
				Str("ts", timeutil.Pretty(a.TS)).
				Msg("replaying")
		}

		counter++
		if opts.limit != 0 && counter >= opts.limit {
			break
		}
	}
	close(stopStatus)
	log.Info().
		Uint64("counter", counter).
		Str("ts", timeutil.Pretty(lastTS)).
		Msg("replay finished")

	if opts.stackAtEnd != "" {
		printStack(rp, opts.stackAtEnd, lastTS)
	}

	var root *calltree.Func
	if pr != nil {
		pr.WaitAll()
		root = pr.DestructiveMergeAll()
	} else {
		rp.Cleanup()
		root = rp.DestructiveMergeAll()
	}

	if root != nil && !(opts.stackPrefix != "" && opts.stackOnly) {
		if err := flamegraph.Write(os.Stdout, root); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("flame graph output failed")
		}
	}

	if root != nil && opts.speedscopeFile != "" {
		writeSpeedscope(opts.speedscopeFile, root)
	}
	if root != nil && opts.metricsFile != "" {
		writeMetrics(opts.metricsFile, root)
	}

	if ftfWriter != nil {
		if err := ftfWriter.Flush(); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("FTF output failed")
		}
	}
	log.Info().Msg("done")
}

func printStack(rp *replay.Replay, name string, ts uint64) {
	f, err := os.Create(name)
	if err != nil {
		log.Error().Err(err).Str("path", name).Msg("cannot create stack file")
		return
	}
	defer f.Close()
	rp.Snapshot(f, ts)
	log.Info().Str("stack", name).Msg("printed stack")
}

func writeSpeedscope(path string, root *calltree.Func) {
	f, err := os.Create(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("cannot create speedscope output")
		return
	}
	defer f.Close()
	if err := speedscope.Write(f, root, "ptflame"); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("speedscope output failed")
	}
}

func writeMetrics(path string, root *calltree.Func) {
	out := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("cannot create metrics output")
			return
		}
		defer f.Close()
		out = f
	}
	agg := metrics.NewAggregator(0)
	agg.AddTree(root)
	if err := metrics.Write(out, agg.ToMetrics()); err != nil {
		log.Error().Err(err).Msg("metrics output failed")
	}
}
