package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bytejit/bytejit"
	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/version"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut io.Writer, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")

	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "compile":
		doCompile(flag.Args()[1:], stdOut, stdErr, exit)
	case "run":
		doRun(flag.Args()[1:], stdOut, stdErr, exit)
	case "version":
		fmt.Fprintln(stdOut, version.GetVersion())
		exit(0)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

// job is one load of a listing: a fresh runtime loads it, optionally calls a function and dumps what was
// compiled.
type job struct {
	config *bytejit.RuntimeConfig
	logger *zap.Logger
	path   string
	// entry is the function to call, or empty to only load.
	entry  string
	args   []api.Value
	dump   string
	stdOut io.Writer
}

func (j *job) run(ctx context.Context) (err error) {
	listing, err := os.ReadFile(j.path)
	if err != nil {
		return fmt.Errorf("error reading listing: %w", err)
	}
	rt, err := bytejit.NewRuntimeWithConfig(j.config.
		WithLogger(j.logger).
		WithOutput(j.stdOut).
		WithCompileListings(j.dump == "text"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, rt.Close(ctx))
	}()

	if _, err = rt.LoadScript(ctx, filepath.Base(j.path), listing); err != nil {
		return fmt.Errorf("error loading listing: %w", err)
	}
	if j.entry != "" {
		ret, err := rt.Call(ctx, j.entry, j.args...)
		if err != nil {
			return fmt.Errorf("error calling %s: %w", j.entry, err)
		}
		if k := ret.Kind(); k != api.ValueKindNull && k != api.ValueKindUndef {
			fmt.Fprintln(j.stdOut, ret.String())
		}
	}
	return dump(j.stdOut, j.dump, rt)
}

func doRun(args []string, stdOut io.Writer, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var entry string
	flags.StringVar(&entry, "entry", "main", "function to call")

	var watchListing bool
	flags.BoolVar(&watchListing, "watch", false, "run again each time the listing changes")

	var dumpFormat string
	flags.StringVar(&dumpFormat, "dump", "", "after the call, print the compiled functions as text or json")

	cf := registerConfigFlags(flags)

	_ = flags.Parse(args)

	if help {
		printRunUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing path to listing file")
		printRunUsage(stdErr, flags)
		exit(1)
	}

	callArgs := flags.Args()[1:]
	if len(callArgs) > 0 && callArgs[0] == "--" {
		callArgs = callArgs[1:]
	}
	values := make([]api.Value, len(callArgs))
	for i, a := range callArgs {
		values[i] = parseValue(a)
	}

	j, ok := newJob(flags, cf, dumpFormat, stdOut, stdErr)
	if !ok {
		exit(1)
	}
	defer j.logger.Sync() //nolint
	j.entry, j.args = entry, values

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := j.run(ctx)
	if err != nil {
		fmt.Fprintln(stdErr, err)
	}
	if watchListing {
		if err := watch(ctx, j.path, func() error { return j.run(ctx) }, j.logger); err != nil {
			fmt.Fprintf(stdErr, "error watching listing: %v\n", err)
			exit(1)
		}
	} else if err != nil {
		exit(1)
	}
	exit(0)
}

func doCompile(args []string, stdOut io.Writer, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("compile", flag.ExitOnError)
	flags.SetOutput(stdErr)

	var help bool
	flags.BoolVar(&help, "h", false, "print usage")

	var dumpFormat string
	flags.StringVar(&dumpFormat, "dump", "text", "print the compiled functions as text or json")

	cf := registerConfigFlags(flags)

	_ = flags.Parse(args)

	if help {
		printCompileUsage(stdErr, flags)
		exit(0)
	}

	if flags.NArg() < 1 {
		fmt.Fprintln(stdErr, "missing path to listing file")
		printCompileUsage(stdErr, flags)
		exit(1)
	}

	j, ok := newJob(flags, cf, dumpFormat, stdOut, stdErr)
	if !ok {
		exit(1)
	}
	defer j.logger.Sync() //nolint
	j.config = j.config.WithJIT(true).WithTrigger(bytejit.TriggerScriptLoad)

	if err := j.run(context.Background()); err != nil {
		fmt.Fprintln(stdErr, err)
		exit(1)
	}
	exit(0)
}

// newJob resolves the configuration of a command. It prints the reason and returns false on invalid input.
func newJob(flags *flag.FlagSet, cf *configFlags, dumpFormat string, stdOut, stdErr io.Writer) (*job, bool) {
	switch dumpFormat {
	case "", "text", "json":
	default:
		fmt.Fprintf(stdErr, "invalid dump format: %s\n", dumpFormat)
		return nil, false
	}
	c, err := cf.resolve(flags)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return nil, false
	}
	rc, err := c.runtimeConfig()
	if err != nil {
		fmt.Fprintf(stdErr, "invalid config: %v\n", err)
		return nil, false
	}
	logger, err := c.logger(stdErr)
	if err != nil {
		fmt.Fprintf(stdErr, "invalid config: %v\n", err)
		return nil, false
	}
	return &job{config: rc, logger: logger, path: flags.Arg(0), dump: dumpFormat, stdOut: stdOut}, true
}

// parseValue reads a command-line argument as the script value it looks like.
func parseValue(s string) api.Value {
	switch s {
	case "null":
		return api.Null()
	case "true":
		return api.Bool(true)
	case "false":
		return api.Bool(false)
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return api.Long(v)
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return api.Double(v)
	}
	return api.String(s)
}

type dumpOutput struct {
	Stats   bytejit.Stats           `json:"stats"`
	Reports []bytejit.CompileReport `json:"reports"`
}

func dump(w io.Writer, format string, rt *bytejit.Runtime) error {
	switch format {
	case "json":
		b, err := json.MarshalIndent(dumpOutput{Stats: rt.Stats(), Reports: rt.Reports()}, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case "text":
		s := rt.Stats()
		fmt.Fprintf(w, "; %d linked, %d failed, %d of %d arena bytes used\n", s.Linked, s.Failed, s.ArenaUsed, s.ArenaSize)
		for _, r := range rt.Reports() {
			fmt.Fprintf(w, "\n; %s: %d bytes, entries %v, osr %d, %s registers, %s\n",
				r.Function, r.CodeSize, r.Entries, r.OSRPC, r.Mode, r.Duration)
			fmt.Fprint(w, r.SSA)
			fmt.Fprint(w, r.Allocation)
		}
	}
	return nil
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "bytejit CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  bytejit <command>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Commands:")
	fmt.Fprintln(stdErr, "  compile\tCompiles every function of a bytecode listing")
	fmt.Fprintln(stdErr, "  run\t\tRuns a bytecode listing, compiling functions as they get hot")
	fmt.Fprintln(stdErr, "  version\tDisplays the version of bytejit CLI")
}

func printCompileUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "bytejit CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  bytejit compile <options> <path to listing file>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}

func printRunUsage(stdErr io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(stdErr, "bytejit CLI")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Usage:\n  bytejit run <options> <path to listing file> [--] <args...>")
	fmt.Fprintln(stdErr)
	fmt.Fprintln(stdErr, "Options:")
	flags.PrintDefaults()
}
