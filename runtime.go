package bytejit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/bytecode"
	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/jit"
	"github.com/bytejit/bytejit/internal/trigger"
)

// CompileReport describes one compilation of a function to native code.
type CompileReport = jit.CompileReport

// HostFunc is a Go function scripts call by name with INIT_FCALL.
type HostFunc = interpreter.HostFunc

// Runtime loads scripts, runs their functions and compiles them to native code as its trigger policy decides.
//
// A Runtime is safe for concurrent use. Compilation happens on the goroutine whose call made a function hot.
type Runtime struct {
	config  *RuntimeConfig
	logger  *zap.Logger
	machine *interpreter.Machine
	// engine and trigger are nil when compilation is disabled or unsupported.
	engine  *jit.Engine
	trigger *trigger.Trigger

	calls  atomic.Int64
	closed atomic.Bool
}

// NewRuntime returns a runtime with the default configuration.
func NewRuntime() (*Runtime, error) {
	return NewRuntimeWithConfig(NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration. Where native code is not supported the
// runtime falls back to interpreting, which is logged at Info.
func NewRuntimeWithConfig(config *RuntimeConfig) (*Runtime, error) {
	logger := config.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	out := config.out
	if out == nil {
		out = io.Discard
	}
	r := &Runtime{config: config, logger: logger, machine: interpreter.NewMachine(out, logger)}
	if !config.jit {
		return r, nil
	}
	e, err := jit.NewEngine(jit.EngineConfig{
		Mode:      config.regalloc,
		ArenaSize: config.codeArenaSize,
		Listings:  config.listings,
		Logger:    logger,
	})
	if errors.Is(err, jit.ErrUnsupported) {
		logger.Info("native compilation disabled", zap.Error(err))
		return r, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to create the code arena: %w", err)
	}
	r.engine = e
	r.trigger = trigger.New(trigger.Config{
		Policy:           config.policy,
		HotFuncThreshold: config.hotFuncThreshold,
		HotLoopThreshold: config.hotLoopThreshold,
		ProfileThreshold: config.profileThreshold,
		Logger:           logger,
	}, e)
	return r, nil
}

// JIT returns true if functions can be compiled to native code.
func (r *Runtime) JIT() bool { return r.engine != nil }

// RegisterHost makes fn callable from scripts by name.
func (r *Runtime) RegisterHost(name string, fn HostFunc) {
	r.machine.RegisterHost(name, fn)
}

// LoadScript parses a bytecode listing and makes its functions callable. The trigger policy is applied to every
// function; load time policies compile them before LoadScript returns. A function failing to compile stays
// interpreted, which is not an error.
func (r *Runtime) LoadScript(ctx context.Context, name string, listing []byte) (*Script, error) {
	if r.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	s, err := bytecode.Parse(name, listing)
	if err != nil {
		return nil, err
	}
	fns, err := r.machine.Load(s)
	if err != nil {
		return nil, err
	}
	script := &Script{name: name, functions: make([]*Function, len(fns))}
	for i, fn := range fns {
		script.functions[i] = &Function{r: r, fn: fn}
	}
	if r.trigger == nil {
		return script, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := r.trigger.Install(fn); err != nil {
				r.logger.Debug("left interpreted", zap.String("function", fn.Name()), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	return script, nil
}

// Call calls the loaded function of the given name. Under TriggerProfRequest each call is one profiling period.
func (r *Runtime) Call(ctx context.Context, name string, args ...api.Value) (api.Value, error) {
	fn, ok := r.machine.Lookup(name)
	if !ok {
		return api.Undef(), fmt.Errorf("function %s not found", name)
	}
	return r.call(ctx, fn, args)
}

func (r *Runtime) call(ctx context.Context, fn *interpreter.Function, args []api.Value) (api.Value, error) {
	if r.closed.Load() {
		return api.Undef(), ErrRuntimeClosed
	}
	r.calls.Inc()
	ret, err := r.machine.CallFunction(ctx, fn, args...)
	if r.trigger != nil {
		r.trigger.Checkpoint()
	}
	return ret, err
}

// Lookup returns the loaded function of the given name.
func (r *Runtime) Lookup(name string) (*Function, bool) {
	fn, ok := r.machine.Lookup(name)
	if !ok {
		return nil, false
	}
	return &Function{r: r, fn: fn}, true
}

// Reports returns the compile reports of the functions running native code, in code address order.
func (r *Runtime) Reports() []CompileReport {
	if r.engine == nil {
		return nil
	}
	arts := r.engine.Artifacts()
	ret := make([]CompileReport, len(arts))
	for i, a := range arts {
		ret[i] = a.Report
	}
	return ret
}

// Stats is a snapshot of what a Runtime did.
type Stats struct {
	JIT    bool   `json:"jit"`
	Policy string `json:"policy"`

	// Calls counts Runtime.Call and Function.Call.
	Calls int64 `json:"calls"`

	// Instrumented is the number of functions still waiting for their trigger.
	Instrumented int `json:"instrumented"`

	Compiled  int64 `json:"compiled"`
	Linked    int64 `json:"linked"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	ArenaUsed int   `json:"arena_used"`
	ArenaSize int   `json:"arena_size"`
}

// Stats returns a snapshot of the runtime counters.
func (r *Runtime) Stats() Stats {
	s := Stats{JIT: r.engine != nil, Policy: r.config.policy.String(), Calls: r.calls.Load()}
	if r.engine == nil {
		return s
	}
	es := r.engine.Stats()
	s.Instrumented = r.trigger.Instrumented()
	s.Compiled, s.Linked, s.Failed, s.Skipped = es.Compiled, es.Linked, es.Failed, es.Skipped
	s.ArenaUsed, s.ArenaSize = es.ArenaUsed, es.ArenaSize
	return s
}

// Close removes the trigger hooks, unlinks native code and releases the code arena. Later calls, through the
// Runtime or a Function, fail with ErrRuntimeClosed.
//
// Close must not run concurrently with a call: native code of a running call executes from the arena that Close
// unmaps.
func (r *Runtime) Close(context.Context) (err error) {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.trigger != nil {
		r.trigger.Teardown()
	}
	if r.engine != nil {
		err = multierr.Append(err, r.engine.Close())
	}
	return err
}

// Script is a loaded bytecode listing.
type Script struct {
	name      string
	functions []*Function
}

// Name returns the name the script was loaded with.
func (s *Script) Name() string { return s.name }

// Functions returns the functions of the script in listing order.
func (s *Script) Functions() []*Function { return s.functions }

// Function returns the function of the script with the given name.
func (s *Script) Function(name string) (*Function, bool) {
	for _, f := range s.functions {
		if f.Name() == name {
			return f, true
		}
	}
	return nil, false
}

// Function is a handle to a loaded function.
type Function struct {
	r  *Runtime
	fn *interpreter.Function
}

// Name returns the function name.
func (f *Function) Name() string { return f.fn.Name() }

// Call calls the function.
func (f *Function) Call(ctx context.Context, args ...api.Value) (api.Value, error) {
	return f.r.call(ctx, f.fn, args)
}

// Compiled returns true if calls of the function run native code.
func (f *Function) Compiled() bool {
	entry := f.fn.Code.FirstNonRecv()
	if entry >= len(f.fn.Code.Code) {
		return false
	}
	p := f.fn.Patch(entry)
	return p != nil && p.Native
}

// Calls returns how many times the function was entered, including calls from scripts.
func (f *Function) Calls() int64 { return f.fn.Calls() }
