package jit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bytejit/bytejit/internal/infer"
	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/jitapi"
	"github.com/bytejit/bytejit/internal/regalloc"
	"github.com/bytejit/bytejit/internal/ssa"
)

// CompilerConfig configures a Compiler.
type CompilerConfig struct {
	Mode regalloc.Mode
	// ScratchLimit bounds the Phi nodes and intervals of one attempt. Zero means unbounded.
	ScratchLimit int
	// Listings keeps the SSA form and the allocation of each attempt in its report.
	Listings bool
	Logger   *zap.Logger
}

// Compiler turns interpreter functions into Artifacts. It is safe for concurrent use: each attempt takes its
// own scratch pools, checkpointed on entry and rolled back on exit.
type Compiler struct {
	cfg     CompilerConfig
	logger  *zap.Logger
	scratch sync.Pool
}

type scratchPools struct {
	phis      jitapi.Pool[ssa.Phi]
	intervals jitapi.Pool[regalloc.Interval]
}

// NewCompiler returns a Compiler.
func NewCompiler(cfg CompilerConfig) *Compiler {
	c := &Compiler{cfg: cfg, logger: cfg.Logger}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.scratch.New = func() any {
		return &scratchPools{
			phis:      jitapi.NewPool[ssa.Phi](cfg.ScratchLimit),
			intervals: jitapi.NewPool[regalloc.Interval](cfg.ScratchLimit),
		}
	}
	return c
}

// CompileReport describes one compilation attempt.
type CompileReport struct {
	Attempt  string        `json:"attempt"`
	Function string        `json:"function"`
	Mode     string        `json:"mode"`
	OSRPC    int           `json:"osr_pc"`
	CodeSize int           `json:"code_size"`
	Entries  []int         `json:"entries"`
	Stats    Stats         `json:"stats"`
	Duration time.Duration `json:"duration"`
	// SSA and Allocation are only filled with CompilerConfig.Listings.
	SSA        string `json:"ssa,omitempty"`
	Allocation string `json:"allocation,omitempty"`
}

// Compile compiles fn. A non-negative osrPC requests an additional entry at that instruction, which must start
// a block of its own. The artifact is not linked.
func (c *Compiler) Compile(fn *interpreter.Function, osrPC int) (*Artifact, error) {
	start := time.Now()
	attempt := uuid.New()
	code := fn.Code
	fail := func(phase Phase, err error) (*Artifact, error) {
		err = &CompileError{Function: code.Name, Phase: phase, Err: err}
		c.logger.Debug("compilation failed",
			zap.String("function", code.Name), zap.String("attempt", attempt.String()),
			zap.Int("osr_pc", osrPC), zap.Error(err))
		return nil, err
	}

	var osr []int
	if osrPC >= 0 {
		osr = []int{osrPC}
	}
	cfg, err := ssa.BuildCFG(code, ssa.CFGOptions{OSREntries: osr})
	if err != nil {
		return fail(PhaseCFG, err)
	}

	pools := c.scratch.Get().(*scratchPools)
	phisCheckpoint, intervalsCheckpoint := pools.phis.Checkpoint(), pools.intervals.Checkpoint()
	defer func() {
		pools.phis.Rollback(phisCheckpoint)
		pools.intervals.Rollback(intervalsCheckpoint)
		c.scratch.Put(pools)
	}()

	f, err := ssa.Build(code, cfg, ssa.BuildOptions{Phis: &pools.phis})
	if err != nil {
		return fail(PhaseSSA, err)
	}
	if jitapi.SSAValidationEnabled {
		if err := f.Verify(); err != nil {
			return fail(PhaseSSA, err)
		}
	}
	if jitapi.PrintSSA {
		fmt.Printf("[[[SSA %s]]]\n%s\n", code.Name, f)
	}

	res := infer.Infer(f, infer.Options{})
	kinds := classify(f, res)
	alloc, err := regalloc.Allocate(f, res, regInfo, regalloc.Options{
		Mode:      c.cfg.Mode,
		Scratch:   scratchOf(f, kinds),
		Intervals: &pools.intervals,
	})
	if err != nil {
		return fail(PhaseRegAlloc, err)
	}

	g, err := newCodegen(f, res, alloc, kinds)
	if err != nil {
		return fail(PhaseCodegen, err)
	}
	machineCode, err := g.emit()
	if err != nil {
		return fail(PhaseCodegen, err)
	}
	if jitapi.PrintMachineCodeHexPerFunction {
		fmt.Printf("[[[machine code %s]]]\n%x\n", code.Name, machineCode)
	}

	a := &Artifact{
		ID:       attempt,
		Function: fn,
		EntryPC:  0,
		OSRPC:    osrPC,
		Code:     machineCode,
		entries:  make(map[int]int, len(g.entries)),
		conts:    make(map[int]int, len(g.conts)),
	}
	if first := code.FirstNonRecv(); first < len(code.Code) {
		a.EntryPC = first
	}
	for _, e := range g.entries {
		a.entries[e.pc] = int(e.label.Offset())
	}
	for _, e := range g.conts {
		a.conts[e.pc] = int(e.label.Offset())
	}
	if _, ok := a.entries[a.EntryPC]; !ok {
		return fail(PhaseCodegen, fmt.Errorf("%w: no entry at %d", ErrInvariant, a.EntryPC))
	}
	if osrPC >= 0 {
		if _, ok := a.entries[osrPC]; !ok {
			return fail(PhaseCodegen, fmt.Errorf("%w: no OSR entry at %d", ErrInvariant, osrPC))
		}
	}

	a.Report = CompileReport{
		Attempt:  attempt.String(),
		Function: code.Name,
		Mode:     c.cfg.Mode.String(),
		OSRPC:    osrPC,
		CodeSize: len(machineCode),
		Entries:  a.Entries(),
		Stats:    g.stats,
		Duration: time.Since(start),
	}
	if c.cfg.Listings {
		a.Report.SSA = f.String()
		a.Report.Allocation = alloc.String()
	}
	c.logger.Debug("compiled",
		zap.String("function", code.Name), zap.String("attempt", a.Report.Attempt),
		zap.Int("osr_pc", osrPC), zap.Int("code_size", len(machineCode)),
		zap.Duration("duration", a.Report.Duration))
	return a, nil
}

// Entries returns the instructions native code can be entered at, in increasing order.
func (a *Artifact) Entries() []int {
	ret := make([]int, 0, len(a.entries))
	for pc := range a.entries {
		ret = append(ret, pc)
	}
	sort.Ints(ret)
	return ret
}

// IsCompileError returns true if err is a failed compilation attempt.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}
