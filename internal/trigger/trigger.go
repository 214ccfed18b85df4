// Package trigger decides when functions are compiled. Policies instrument dispatch slots of interpreted
// functions with hooks that count executions or fire once, and hand the function to a Compiler at the right
// moment.
package trigger

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/jit"
	"github.com/bytejit/bytejit/internal/ssa"
)

// Policy selects when functions are compiled.
type Policy byte

const (
	// PolicyFirstExec compiles a function on its first call.
	PolicyFirstExec Policy = iota
	// PolicyHotCounters compiles a function once its entry or one of its loop headers ran often enough. A hot
	// loop header becomes an OSR entry.
	PolicyHotCounters
	// PolicyScriptLoad compiles every function when it is loaded.
	PolicyScriptLoad
	// PolicyDocComment compiles the functions whose doc comment carries @jit when they are loaded.
	PolicyDocComment
	// PolicyProfRequest counts calls and compiles, at each checkpoint, the functions taking a large enough share
	// of them.
	PolicyProfRequest
)

var policyNames = [...]string{
	PolicyFirstExec:   "first-exec",
	PolicyHotCounters: "hot-counters",
	PolicyScriptLoad:  "script-load",
	PolicyDocComment:  "doc-comment",
	PolicyProfRequest: "prof-request",
}

// String implements fmt.Stringer.
func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("Policy(%d)", p)
}

// ParsePolicy returns the Policy of the given name.
func ParsePolicy(s string) (Policy, error) {
	for i, n := range policyNames {
		if n == s {
			return Policy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown trigger policy %q", s)
}

// Patch labels of the instrumentation hooks.
const (
	LabelFirstExec = "first-exec"
	LabelHotFunc   = "hot-func"
	LabelHotLoop   = "hot-loop"
	LabelProfile   = "profile"
)

// Compiler compiles and links functions. *jit.Engine implements it.
type Compiler interface {
	Compile(req jit.Request) (*jit.Artifact, error)
}

// Config configures a Trigger.
type Config struct {
	Policy Policy
	// HotFuncThreshold is the number of calls after which PolicyHotCounters compiles a function.
	HotFuncThreshold int
	// HotLoopThreshold is the number of iterations after which PolicyHotCounters compiles a loop.
	HotLoopThreshold int
	// ProfileThreshold is the share of all profiled calls above which PolicyProfRequest compiles a function.
	ProfileThreshold float64
	Logger           *zap.Logger
}

// Trigger installs the instrumentation of one policy and owns the Counters it uses.
type Trigger struct {
	cfg      Config
	compiler Compiler
	counters *Counters
	logger   *zap.Logger
	funcCost int32
	loopCost int32

	mux sync.Mutex
	// installed holds the hooks and what they replaced, per instrumented function.
	installed map[*interpreter.Function]*instrumentation
}

type instrumentation struct {
	fn *interpreter.Function
	// saved maps instrumented instructions to their previous patch.
	saved map[int]*interpreter.Patch
	hooks map[int]*interpreter.Patch
	// calls is the profiled call count.
	calls atomic.Int64
	// compiling is set once a hook handed the function over, so that racing hooks fire at most once.
	compiling atomic.Bool
}

// New returns a Trigger compiling with c.
func New(cfg Config, c Compiler) *Trigger {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Trigger{
		cfg:       cfg,
		compiler:  c,
		counters:  NewCounters(),
		logger:    cfg.Logger,
		funcCost:  costOf(cfg.HotFuncThreshold),
		loopCost:  costOf(cfg.HotLoopThreshold),
		installed: map[*interpreter.Function]*instrumentation{},
	}
}

// Policy returns the policy of the trigger.
func (t *Trigger) Policy() Policy { return t.cfg.Policy }

// Counters returns the counters of the trigger.
func (t *Trigger) Counters() *Counters { return t.counters }

// Install applies the policy to fn. Load time policies compile fn right away; their error is the compilation
// failure, which leaves fn interpreted.
func (t *Trigger) Install(fn *interpreter.Function) error {
	switch t.cfg.Policy {
	case PolicyScriptLoad:
		return t.compile(fn, -1, nil)
	case PolicyDocComment:
		if fn.Code.HasDocTag("jit") {
			return t.compile(fn, -1, nil)
		}
		return nil
	case PolicyFirstExec:
		ins := t.instrument(fn)
		code := fn.Code
		for pc := 0; pc <= code.FirstNonRecv() && pc < len(code.Code); pc++ {
			t.hook(ins, pc, LabelFirstExec, func(fr *interpreter.Frame) (interpreter.Action, error) {
				return t.fire(ins, -1), nil
			})
		}
	case PolicyHotCounters:
		c, err := ssa.BuildCFG(fn.Code, ssa.CFGOptions{})
		if err != nil {
			// Never compilable, so not worth counting.
			t.logger.Debug("not instrumented", zap.String("function", fn.Name()), zap.Error(err))
			return nil
		}
		c.ComputeDominators()
		c.IdentifyLoops()
		ins := t.instrument(fn)
		entry := fn.Code.FirstNonRecv()
		if entry < len(fn.Code.Code) {
			counter := t.counters.assign()
			t.hook(ins, entry, LabelHotFunc, func(fr *interpreter.Frame) (interpreter.Action, error) {
				if t.counters.tick(counter, t.funcCost) {
					return t.fire(ins, -1), nil
				}
				return interpreter.ActionContinue, nil
			})
		}
		for i := range c.Blocks {
			blk := &c.Blocks[i]
			if !blk.Reachable() || blk.Flags&(ssa.BlockLoopHeader|ssa.BlockIrreducible) == 0 || blk.Start == entry {
				continue
			}
			header := blk.Start
			counter := t.counters.assign()
			t.hook(ins, header, LabelHotLoop, func(fr *interpreter.Frame) (interpreter.Action, error) {
				if t.counters.tick(counter, t.loopCost) {
					return t.fire(ins, header), nil
				}
				return interpreter.ActionContinue, nil
			})
		}
	case PolicyProfRequest:
		entry := fn.Code.FirstNonRecv()
		if entry >= len(fn.Code.Code) {
			return nil
		}
		ins := t.instrument(fn)
		t.hook(ins, entry, LabelProfile, func(fr *interpreter.Frame) (interpreter.Action, error) {
			ins.calls.Inc()
			t.counters.calls.Inc()
			return interpreter.ActionContinue, nil
		})
	default:
		return fmt.Errorf("unknown trigger policy %s", t.cfg.Policy)
	}
	return nil
}

func (t *Trigger) instrument(fn *interpreter.Function) *instrumentation {
	t.mux.Lock()
	defer t.mux.Unlock()
	ins, ok := t.installed[fn]
	if !ok {
		ins = &instrumentation{fn: fn, saved: map[int]*interpreter.Patch{}, hooks: map[int]*interpreter.Patch{}}
		t.installed[fn] = ins
	}
	return ins
}

func (t *Trigger) hook(ins *instrumentation, pc int, label string, h interpreter.Hook) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if _, ok := ins.hooks[pc]; ok {
		return
	}
	p := &interpreter.Patch{Hook: h, Label: label}
	ins.saved[pc] = ins.fn.Patch(pc)
	ins.hooks[pc] = p
	ins.fn.SetPatch(pc, p)
}

// fire hands the function over to the compiler once. The instrumentation is removed in the same patch session
// that links the native code. The returned action makes the calling hook dispatch again only if the slot
// changed.
func (t *Trigger) fire(ins *instrumentation, osrPC int) interpreter.Action {
	if !ins.compiling.CompareAndSwap(false, true) {
		// Another call is compiling the function.
		return interpreter.ActionContinue
	}
	t.mux.Lock()
	restore := make(map[int]*interpreter.Patch, len(ins.saved))
	for pc, p := range ins.saved {
		restore[pc] = p
	}
	delete(t.installed, ins.fn)
	t.mux.Unlock()
	// A failed compilation is a missed optimization: the function keeps running interpreted.
	_ = t.compile(ins.fn, osrPC, restore)
	return interpreter.ActionResume
}

func (t *Trigger) compile(fn *interpreter.Function, osrPC int, restore map[int]*interpreter.Patch) error {
	_, err := t.compiler.Compile(jit.Request{Function: fn, OSRPC: osrPC, Trigger: t.cfg.Policy.String(), Restore: restore})
	return err
}

// Checkpoint ends a profiling period: with PolicyProfRequest, the functions whose share of the calls since the
// last checkpoint reached the threshold are compiled. Other policies ignore it.
func (t *Trigger) Checkpoint() {
	if t.cfg.Policy != PolicyProfRequest {
		return
	}
	total := t.counters.calls.Swap(0)
	if total == 0 {
		return
	}
	t.mux.Lock()
	var hot []*instrumentation
	for _, ins := range t.installed {
		if float64(ins.calls.Swap(0))/float64(total) >= t.cfg.ProfileThreshold {
			hot = append(hot, ins)
		}
	}
	t.mux.Unlock()
	for _, ins := range hot {
		t.fire(ins, -1)
	}
}

// Teardown removes every hook still installed. Hooks replaced since are left alone.
func (t *Trigger) Teardown() {
	t.mux.Lock()
	defer t.mux.Unlock()
	for fn, ins := range t.installed {
		for pc, p := range ins.hooks {
			fn.SwapPatch(pc, p, ins.saved[pc])
		}
	}
	t.installed = map[*interpreter.Function]*instrumentation{}
	t.counters.Reset()
}

// Instrumented returns the number of functions with hooks installed.
func (t *Trigger) Instrumented() int {
	t.mux.Lock()
	defer t.mux.Unlock()
	return len(t.installed)
}
