package platform

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/atomic"

	"github.com/bytejit/bytejit/internal/jitapi"
)

// CodeArena is a bump allocator over one executable mapping shared by all compiled functions. Every allocation
// starts on a fresh page, so committing it never changes the protection of pages other goroutines execute.
//
// Alloc, Commit and Rollback must be serialized by the caller. Exhausted may be called concurrently.
type CodeArena struct {
	mem      []byte
	pageSize int
	// top is the high-water mark.
	top int
	// committed is the page aligned end of the executable prefix.
	committed int
	exhausted atomic.Bool
}

// NewCodeArena maps size bytes, rounded up to whole pages.
func NewCodeArena(size int) (*CodeArena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid code arena size %d", size)
	}
	ps := pageSize()
	mem, err := mmapArena(alignUp(size, ps))
	if err != nil {
		return nil, fmt.Errorf("failed to map code arena: %w", err)
	}
	return &CodeArena{mem: mem, pageSize: ps}, nil
}

// Size returns the mapped size in bytes.
func (a *CodeArena) Size() int { return len(a.mem) }

// Used returns the high-water mark.
func (a *CodeArena) Used() int { return a.top }

// Exhausted returns true once an allocation did not fit. The flag is sticky.
func (a *CodeArena) Exhausted() bool { return a.exhausted.Load() }

// Checkpoint returns the high-water mark to pass to Rollback.
func (a *CodeArena) Checkpoint() int { return a.top }

// Rollback releases the allocations made after cp. Committed code is never released.
func (a *CodeArena) Rollback(cp int) {
	if alignUp(cp, a.pageSize) < a.committed {
		panic(fmt.Sprintf("BUG: rollback to %d below committed code at %d", cp, a.committed))
	}
	a.top = cp
}

// Alloc copies code to the next page and returns its offset. The copy stays writable until Commit.
func (a *CodeArena) Alloc(code []byte) (int, error) {
	if len(code) == 0 {
		return 0, errors.New("BUG: Alloc with zero length")
	}
	if a.exhausted.Load() {
		return 0, jitapi.ErrArenaExhausted
	}
	start := alignUp(a.top, a.pageSize)
	if start+len(code) > len(a.mem) {
		a.exhausted.Store(true)
		return 0, fmt.Errorf("%w: %d bytes requested, %d free", jitapi.ErrArenaExhausted, len(code), len(a.mem)-start)
	}
	copy(a.mem[start:], code)
	a.top = start + len(code)
	return start, nil
}

// Commit makes the allocations since the last Commit executable and read only.
func (a *CodeArena) Commit() error {
	end := alignUp(a.top, a.pageSize)
	if end <= a.committed {
		return nil
	}
	if err := mprotectExec(a.mem[a.committed:end]); err != nil {
		return fmt.Errorf("failed to protect code arena: %w", err)
	}
	a.committed = end
	return nil
}

// Bytes returns the n bytes at offset.
func (a *CodeArena) Bytes(offset, n int) []byte { return a.mem[offset : offset+n] }

// Addr returns the absolute address of offset.
func (a *CodeArena) Addr(offset int) uintptr {
	return uintptr(unsafe.Pointer(&a.mem[0])) + uintptr(offset)
}

// Close unmaps the arena. Code in it must not run afterwards.
func (a *CodeArena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := munmapArena(a.mem)
	a.mem = nil
	return err
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
