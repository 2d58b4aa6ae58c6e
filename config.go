package keel

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "16ms" or "1.5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration, loadable from TOML.
type Config struct {
	World   WorldConfig   `toml:"world"`
	Runner  RunnerConfig  `toml:"runner"`
	Jobs    JobsConfig    `toml:"jobs"`
	Logging LoggingConfig `toml:"logging"`
}

type WorldConfig struct {
	InitialCapacity int    `toml:"initial_capacity"`
	GrowthMode      string `toml:"growth_mode"`
	GrowthStep      int    `toml:"growth_step"`
	DenyMode        string `toml:"deny_mode"`
}

type RunnerConfig struct {
	FixedStep   Duration `toml:"fixed_step"`
	MaxCatchUp  int      `toml:"max_catch_up"`
	ErrorPolicy string   `toml:"error_policy"`
	MaxRetries  int      `toml:"max_retries"`
	Barrier     string   `toml:"barrier"`
}

type JobsConfig struct {
	Workers      int `toml:"workers"`
	GateCapacity int `toml:"gate_capacity"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() Config {
	return Config{
		World: WorldConfig{
			InitialCapacity: 256,
			GrowthMode:      "doubling",
			DenyMode:        "throw",
		},
		Runner: RunnerConfig{
			FixedStep:   Duration(defaultFixedStep),
			MaxCatchUp:  defaultMaxCatchUp,
			ErrorPolicy: "fail_fast",
			MaxRetries:  1,
			Barrier:     "all",
		},
		Jobs: JobsConfig{
			Workers:      0,
			GateCapacity: defaultGateCapacity,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads a TOML file over the defaults. A missing path returns
// the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("keel: reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("keel: parsing config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds a zap logger from the logging section.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("keel: bad log level %q: %w", cfg.Level, err)
	}
	var zapCfg zap.Config
	switch cfg.Format {
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func (c WorldConfig) growthPolicy() GrowthPolicy {
	if c.GrowthMode == "step" && c.GrowthStep > 0 {
		return StepBy(c.GrowthStep)
	}
	return Doubling()
}

func (c WorldConfig) denyMode() DenyMode {
	switch c.DenyMode {
	case "log":
		return DenyLog
	case "ignore":
		return DenyIgnore
	default:
		return DenyThrow
	}
}

func (c WorldConfig) worldOptions(logger *zap.Logger) []WorldOption {
	opts := []WorldOption{
		WithGrowth(c.growthPolicy()),
		WithDenyMode(c.denyMode()),
	}
	if c.InitialCapacity > 0 {
		opts = append(opts, WithInitialCapacity(c.InitialCapacity))
	}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	return opts
}

func (c RunnerConfig) errorPolicy() ErrorPolicy {
	switch c.ErrorPolicy {
	case "skip":
		return ErrorPolicy{Mode: SkipOnError}
	case "retry":
		retries := c.MaxRetries
		if retries <= 0 {
			retries = 1
		}
		return ErrorPolicy{Mode: RetryOnError, MaxRetries: retries}
	default:
		return ErrorPolicy{Mode: FailFast}
	}
}

func (c RunnerConfig) barrierPolicy() BarrierPolicy {
	if c.Barrier == "none" {
		return BarrierNone
	}
	return BarrierAll
}

func (c RunnerConfig) runnerOptions() []RunnerOption {
	opts := []RunnerOption{
		WithErrorPolicy(c.errorPolicy()),
		WithBarrierPolicy(c.barrierPolicy()),
	}
	if c.FixedStep > 0 {
		opts = append(opts, WithFixedStep(c.FixedStep.Std()))
	}
	if c.MaxCatchUp > 0 {
		opts = append(opts, WithMaxCatchUp(c.MaxCatchUp))
	}
	return opts
}
