package jit

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/btree"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/bytejit/bytejit/internal/interpreter"
	"github.com/bytejit/bytejit/internal/platform"
)

// Patch labels of the dispatch slots native code is linked to.
const (
	LabelEntry = "jit"
	LabelOSR   = "osr"
)

// Linker owns the code arena and installs artifacts into dispatch slots. All mutations of the arena and of the
// dispatch slots of compiled functions happen inside a PatchSession.
type Linker struct {
	mux   sync.Mutex
	arena *platform.CodeArena
	// linked orders the linked artifacts by address.
	linked *btree.BTreeG[*Artifact]

	logger          *zap.Logger
	warnedExhausted atomic.Bool
	closed          bool
}

func artifactLess(a, b *Artifact) bool { return a.base < b.base }

// NewLinker maps a code arena of arenaSize bytes.
func NewLinker(arenaSize int, logger *zap.Logger) (*Linker, error) {
	if !nativeSupported || !platform.CompilerSupported() {
		return nil, fmt.Errorf("%w: native code on %s/%s", ErrUnsupported, runtime.GOOS, runtime.GOARCH)
	}
	arena, err := platform.NewCodeArena(arenaSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{arena: arena, linked: btree.NewG[*Artifact](8, artifactLess), logger: logger}, nil
}

// PatchSession is the critical section in which code is written to the arena and dispatch slots are patched.
// Begin starts one and End finishes it. Code emitted during a failed session is released and its patches are
// dropped; restores are applied either way.
type PatchSession struct {
	l          *Linker
	checkpoint int
	emitted    []*Artifact
	patches    []pendingPatch
	restores   []pendingPatch
}

type pendingPatch struct {
	fn    *interpreter.Function
	pc    int
	patch *interpreter.Patch
}

// Begin locks the linker and starts a session. End must be called on every path.
func (l *Linker) Begin() *PatchSession {
	l.mux.Lock()
	return &PatchSession{l: l, checkpoint: l.arena.Checkpoint()}
}

// Emit copies the code of a into the arena. The code is executable once the session ends successfully.
func (s *PatchSession) Emit(a *Artifact) error {
	if s.l.closed {
		return errors.New("linker closed")
	}
	offset, err := s.l.arena.Alloc(a.Code)
	if err != nil {
		if errors.Is(err, ErrArenaExhausted) && s.l.warnedExhausted.CompareAndSwap(false, true) {
			s.l.logger.Warn("code arena exhausted, functions stay interpreted",
				zap.Int("arena_size", s.l.arena.Size()), zap.Int("code_size", len(a.Code)))
		}
		return err
	}
	a.arenaOffset = offset
	a.base = s.l.arena.Addr(offset)
	s.emitted = append(s.emitted, a)
	return nil
}

// Patch queues writing p to the dispatch slot pc of fn once the session succeeds.
func (s *PatchSession) Patch(fn *interpreter.Function, pc int, p *interpreter.Patch) {
	s.patches = append(s.patches, pendingPatch{fn: fn, pc: pc, patch: p})
}

// Restore queues writing p to the dispatch slot pc of fn when the session ends, whether it succeeds or not.
// Restores are applied before patches and never replace native code linked earlier.
func (s *PatchSession) Restore(fn *interpreter.Function, pc int, p *interpreter.Patch) {
	s.restores = append(s.restores, pendingPatch{fn: fn, pc: pc, patch: p})
}

// End finishes the session. With a nil err the emitted code is made executable and the patches are applied,
// otherwise the arena goes back to where it was at Begin. The returned error is err or the commit failure.
func (s *PatchSession) End(err error) error {
	l := s.l
	defer l.mux.Unlock()
	if err == nil && len(s.emitted) > 0 {
		err = l.arena.Commit()
	}
	for _, r := range s.restores {
		if !isNative(r.fn, r.pc) {
			r.fn.SetPatch(r.pc, r.patch)
		}
	}
	if err != nil {
		l.arena.Rollback(s.checkpoint)
		for _, a := range s.emitted {
			a.base, a.arenaOffset = 0, 0
		}
		return err
	}
	for _, a := range s.emitted {
		l.linked.ReplaceOrInsert(a)
	}
	for _, p := range s.patches {
		p.fn.SetPatch(p.pc, p.patch)
	}
	return nil
}

// Link emits a and patches its entry and OSR dispatch slots. Linking is idempotent: when every slot a would
// patch already enters native code, nothing changes and linked is false.
func (l *Linker) Link(a *Artifact, restore map[int]*interpreter.Patch) (linked bool, err error) {
	s := l.Begin()
	defer func() { err = s.End(err) }()
	for pc, p := range restore {
		s.Restore(a.Function, pc, p)
	}
	if isNative(a.Function, a.EntryPC) && (a.OSRPC < 0 || isNative(a.Function, a.OSRPC)) {
		return false, nil
	}
	if err = s.Emit(a); err != nil {
		return false, err
	}
	s.Patch(a.Function, a.EntryPC, &interpreter.Patch{Hook: a.enter, Native: true, Label: LabelEntry})
	if a.OSRPC >= 0 && a.OSRPC != a.EntryPC {
		s.Patch(a.Function, a.OSRPC, &interpreter.Patch{Hook: a.enter, Native: true, Label: LabelOSR})
	}
	return true, nil
}

func isNative(fn *interpreter.Function, pc int) bool {
	p := fn.Patch(pc)
	return p != nil && p.Native
}

// Lookup returns the linked artifact whose code contains addr.
func (l *Linker) Lookup(addr uintptr) (*Artifact, bool) {
	l.mux.Lock()
	defer l.mux.Unlock()
	var ret *Artifact
	l.linked.DescendLessOrEqual(&Artifact{base: addr}, func(a *Artifact) bool {
		ret = a
		return false
	})
	if ret == nil || !ret.contains(addr) {
		return nil, false
	}
	return ret, true
}

// Artifacts returns the linked artifacts in address order.
func (l *Linker) Artifacts() []*Artifact {
	l.mux.Lock()
	defer l.mux.Unlock()
	ret := make([]*Artifact, 0, l.linked.Len())
	l.linked.Ascend(func(a *Artifact) bool {
		ret = append(ret, a)
		return true
	})
	return ret
}

// ArenaUsage returns the used and total bytes of the code arena.
func (l *Linker) ArenaUsage() (used, size int) {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.arena.Used(), l.arena.Size()
}

// Exhausted returns true once an artifact did not fit in the arena.
func (l *Linker) Exhausted() bool { return l.arena.Exhausted() }

// Close unlinks every artifact and unmaps the arena. Calls running native code must have returned.
func (l *Linker) Close() (err error) {
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.linked.Ascend(func(a *Artifact) bool {
		for _, pc := range []int{a.EntryPC, a.OSRPC} {
			if pc < 0 {
				continue
			}
			if p := a.Function.Patch(pc); p != nil && p.Native {
				if !a.Function.SwapPatch(pc, p, nil) {
					err = multierr.Append(err, fmt.Errorf("dispatch slot %d of %s changed while unlinking", pc, a.Function.Name()))
				}
			}
		}
		return true
	})
	l.linked.Clear(false)
	return multierr.Append(err, l.arena.Close())
}
