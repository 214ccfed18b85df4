package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/bytejit/bytejit"
)

// fileConfig is the TOML configuration file. Command-line flags override its values.
//
//	[jit]
//	enabled = true
//	trigger = "hot-counters"
//	hot_func = 127
//	hot_loop = 64
//	prof_threshold = 0.005
//	arena_size = "16MiB"
//	regalloc = "global"
//
//	[log]
//	level = "info"
//	format = "console"
type fileConfig struct {
	JIT jitConfig `toml:"jit"`
	Log logConfig `toml:"log"`
}

type jitConfig struct {
	Enabled       bool    `toml:"enabled"`
	Trigger       string  `toml:"trigger"`
	HotFunc       int     `toml:"hot_func"`
	HotLoop       int     `toml:"hot_loop"`
	ProfThreshold float64 `toml:"prof_threshold"`
	ArenaSize     string  `toml:"arena_size"`
	RegAlloc      string  `toml:"regalloc"`
}

type logConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func defaultConfig() fileConfig {
	return fileConfig{
		JIT: jitConfig{
			Enabled:       true,
			Trigger:       bytejit.TriggerHotCounters.String(),
			HotFunc:       127,
			HotLoop:       64,
			ProfThreshold: 0.005,
			ArenaSize:     "16MiB",
			RegAlloc:      bytejit.RegisterAllocationGlobal.String(),
		},
		Log: logConfig{Level: "warn", Format: "console"},
	}
}

// loadConfig reads path over the defaults. Unknown keys are errors.
func loadConfig(path string) (fileConfig, error) {
	c := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&c); err != nil {
		return c, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return c, nil
}

// configFlags are the flags shared by the commands that load a listing.
type configFlags struct {
	config        string
	interp        bool
	trigger       string
	regalloc      string
	arenaSize     string
	hotFunc       int
	hotLoop       int
	profThreshold float64
	logLevel      string
	logFormat     string
}

func registerConfigFlags(flags *flag.FlagSet) *configFlags {
	d := defaultConfig()
	f := &configFlags{}
	flags.StringVar(&f.config, "config", "", "path to a TOML config file with [jit] and [log] tables")
	flags.BoolVar(&f.interp, "interp", false, "force interpreter")
	flags.StringVar(&f.trigger, "trigger", d.JIT.Trigger,
		"when to compile: first-exec, hot-counters, script-load, doc-comment or prof-request")
	flags.StringVar(&f.regalloc, "regalloc", d.JIT.RegAlloc, "register allocation: none, local or global")
	flags.StringVar(&f.arenaSize, "arena-size", d.JIT.ArenaSize, "size of the executable code arena, e.g. 16MiB")
	flags.IntVar(&f.hotFunc, "hot-func", d.JIT.HotFunc, "calls after which hot-counters compiles a function")
	flags.IntVar(&f.hotLoop, "hot-loop", d.JIT.HotLoop, "iterations after which hot-counters compiles a loop")
	flags.Float64Var(&f.profThreshold, "prof-threshold", d.JIT.ProfThreshold,
		"share of the calls above which prof-request compiles a function")
	flags.StringVar(&f.logLevel, "log-level", d.Log.Level, "debug, info, warn or error")
	flags.StringVar(&f.logFormat, "log-format", d.Log.Format, "console or json")
	return f
}

// resolve merges the config file, if any, with the flags set explicitly.
func (f *configFlags) resolve(flags *flag.FlagSet) (fileConfig, error) {
	c := defaultConfig()
	if f.config != "" {
		var err error
		if c, err = loadConfig(f.config); err != nil {
			return c, err
		}
	}
	flags.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "interp":
			c.JIT.Enabled = !f.interp
		case "trigger":
			c.JIT.Trigger = f.trigger
		case "regalloc":
			c.JIT.RegAlloc = f.regalloc
		case "arena-size":
			c.JIT.ArenaSize = f.arenaSize
		case "hot-func":
			c.JIT.HotFunc = f.hotFunc
		case "hot-loop":
			c.JIT.HotLoop = f.hotLoop
		case "prof-threshold":
			c.JIT.ProfThreshold = f.profThreshold
		case "log-level":
			c.Log.Level = f.logLevel
		case "log-format":
			c.Log.Format = f.logFormat
		}
	})
	return c, nil
}

// runtimeConfig validates the [jit] table.
func (c *fileConfig) runtimeConfig() (*bytejit.RuntimeConfig, error) {
	policy, err := bytejit.ParseTriggerPolicy(c.JIT.Trigger)
	if err != nil {
		return nil, err
	}
	mode, err := bytejit.ParseRegisterAllocation(c.JIT.RegAlloc)
	if err != nil {
		return nil, err
	}
	size, err := units.RAMInBytes(c.JIT.ArenaSize)
	if err != nil {
		return nil, fmt.Errorf("invalid arena size: %w", err)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid arena size: %s", c.JIT.ArenaSize)
	}
	return bytejit.NewRuntimeConfig().
		WithJIT(c.JIT.Enabled).
		WithTrigger(policy).
		WithRegisterAllocation(mode).
		WithCodeArenaSize(int(size)).
		WithHotFuncThreshold(c.JIT.HotFunc).
		WithHotLoopThreshold(c.JIT.HotLoop).
		WithProfileThreshold(c.JIT.ProfThreshold), nil
}

// logger builds a development style console logger or a production style JSON logger writing to w.
func (c *fileConfig) logger(w io.Writer) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	var enc zapcore.Encoder
	switch c.Log.Format {
	case "console":
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level)), nil
}
