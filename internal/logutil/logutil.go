package logutil

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func ConfigureLogger(json bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if json {
		log.Logger = log.Hook(SeverityHook{})
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

type SeverityHook struct{}

func (h SeverityHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	e.Str("severity", level.String())
}

// ParseWarnLogger returns a logger for per-line parse warnings. A gapped
// trace can contain millions of undecodable lines, so warnings are rate
// limited to a small burst per second.
func ParseWarnLogger() zerolog.Logger {
	return log.Sample(&zerolog.BurstSampler{
		Burst:       5,
		Period:      time.Second,
		NextSampler: &zerolog.BasicSampler{N: 1000},
	})
}
