package main

import "github.com/ilyakaznacheev/cleanenv"

type (
	// ServiceConfig carries the environment-driven defaults; command-line
	// flags override the replay-related fields.
	ServiceConfig struct {
		ReadStep         int    `env:"PTFLAME_READ_STEP" env-default:"10000"`
		StackWarmup      uint64 `env:"PTFLAME_STACK_WARMUP" env-default:"2000000"`
		StackInterval    uint64 `env:"PTFLAME_STACK_INTERVAL" env-default:"1000000"`
		NormalizeSymbols bool   `env:"PTFLAME_NORMALIZE_SYMBOLS" env-default:"false"`
		LogJSON          bool   `env:"PTFLAME_LOG_JSON" env-default:"false"`
		SentryDSN        string `env:"PTFLAME_SENTRY_DSN"`
		Environment      string `env:"PTFLAME_ENVIRONMENT" env-default:"development"`
	}
)

func loadConfig() (ServiceConfig, error) {
	var c ServiceConfig
	err := cleanenv.ReadEnv(&c)
	return c, err
}
