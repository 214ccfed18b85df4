package jit

import (
	"errors"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/regalloc"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	Mode         regalloc.Mode
	ArenaSize    int
	ScratchLimit int
	Listings     bool
	Logger       *zap.Logger
}

// Engine compiles and links functions on request. It is safe for concurrent use.
type Engine struct {
	compiler *Compiler
	linker   *Linker
	logger   *zap.Logger

	compiled, linked, failed, skipped atomic.Int64
}

// NewEngine returns an Engine with a fresh code arena. It fails with ErrUnsupported where native code cannot run.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	l, err := NewLinker(cfg.ArenaSize, logger)
	if err != nil {
		return nil, err
	}
	c := NewCompiler(CompilerConfig{Mode: cfg.Mode, ScratchLimit: cfg.ScratchLimit, Listings: cfg.Listings, Logger: logger})
	return &Engine{compiler: c, linker: l, logger: logger}, nil
}

// Request asks for the native code of one function.
type Request struct {
	Function *interpreter.Function
	// OSRPC is the instruction the interpreter wants to transfer control at, or -1.
	OSRPC int
	// Trigger names the policy that asked, for logs.
	Trigger string
	// Restore holds the dispatch slots to reset once the request is done, linked or not.
	Restore map[int]*interpreter.Patch
}

// Compile compiles and links the function of req. A nil artifact with a nil error means another request linked
// the same entries first. Compilation failures leave the function interpreted.
func (e *Engine) Compile(req Request) (*Artifact, error) {
	start := time.Now()
	fn := req.Function
	fields := []zap.Field{zap.String("function", fn.Name()), zap.String("trigger", req.Trigger), zap.Int("osr_pc", req.OSRPC)}

	if e.linker.Exhausted() {
		e.failed.Inc()
		return nil, e.finish(req, &CompileError{Function: fn.Name(), Phase: PhaseLink, Err: ErrArenaExhausted})
	}

	a, err := e.compiler.Compile(fn, req.OSRPC)
	if err != nil {
		e.failed.Inc()
		return nil, e.finish(req, err)
	}
	e.compiled.Inc()

	linked, err := e.linker.Link(a, req.Restore)
	if err != nil {
		e.failed.Inc()
		err = &CompileError{Function: fn.Name(), Phase: PhaseLink, Err: err}
		e.logger.Debug("link failed", append(fields, zap.String("attempt", a.Report.Attempt), zap.Error(err))...)
		return nil, err
	}
	if !linked {
		e.skipped.Inc()
		e.logger.Debug("already linked", append(fields, zap.String("attempt", a.Report.Attempt))...)
		return nil, nil
	}
	e.linked.Inc()
	e.logger.Debug("linked", append(fields,
		zap.String("attempt", a.Report.Attempt),
		zap.Int("code_size", len(a.Code)),
		zap.Duration("duration", time.Since(start)))...)
	return a, nil
}

// finish resets the dispatch slots of a request that produced no code.
func (e *Engine) finish(req Request, err error) error {
	if len(req.Restore) > 0 {
		s := e.linker.Begin()
		for pc, p := range req.Restore {
			s.Restore(req.Function, pc, p)
		}
		err = multierr.Append(err, s.End(nil))
	}
	if errors.Is(err, ErrArenaExhausted) {
		e.logger.Debug("compilation skipped", zap.String("function", req.Function.Name()),
			zap.String("trigger", req.Trigger), zap.Error(err))
	}
	return err
}

// Artifacts returns the linked artifacts in address order.
func (e *Engine) Artifacts() []*Artifact { return e.linker.Artifacts() }

// Lookup returns the linked artifact containing the native address addr.
func (e *Engine) Lookup(addr uintptr) (*Artifact, bool) { return e.linker.Lookup(addr) }

// EngineStats counts the outcomes of compilation requests.
type EngineStats struct {
	Compiled  int64 `json:"compiled"`
	Linked    int64 `json:"linked"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	ArenaUsed int   `json:"arena_used"`
	ArenaSize int   `json:"arena_size"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() EngineStats {
	used, size := e.linker.ArenaUsage()
	return EngineStats{
		Compiled:  e.compiled.Load(),
		Linked:    e.linked.Load(),
		Failed:    e.failed.Load(),
		Skipped:   e.skipped.Load(),
		ArenaUsed: used,
		ArenaSize: size,
	}
}

// Close unlinks every function and releases the code arena. No native code may be running.
func (e *Engine) Close() error { return e.linker.Close() }
