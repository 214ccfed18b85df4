package jitapi

const poolPageSize = 128

// Pool is a pool of T that can be allocated, checkpointed and reset.
//
// Items are addressed by the index returned from Allocate so that compilation graphs refer to each other with
// plain integers. The pointers returned by Allocate and View are stable until Reset or Rollback.
type Pool[T any] struct {
	pages            []*[poolPageSize]T
	allocated, index int
	limit            int
}

// PoolCheckpoint is a high-water mark of a Pool.
type PoolCheckpoint struct {
	allocated int
}

// NewPool returns a new Pool. A positive limit bounds the number of live items.
func NewPool[T any](limit int) Pool[T] {
	var ret Pool[T]
	ret.limit = limit
	ret.Reset()
	return ret
}

// Allocated returns the number of allocated T currently in the pool.
func (p *Pool[T]) Allocated() int {
	return p.allocated
}

// Allocate allocates a new zero T from the pool and returns its index.
func (p *Pool[T]) Allocate() (int, *T, error) {
	if p.limit > 0 && p.allocated >= p.limit {
		return -1, nil, ErrScratchExhausted
	}
	if p.index == poolPageSize {
		if len(p.pages) == cap(p.pages) {
			p.pages = append(p.pages, new([poolPageSize]T))
		} else {
			i := len(p.pages)
			p.pages = p.pages[:i+1]
			if p.pages[i] == nil {
				p.pages[i] = new([poolPageSize]T)
			}
		}
		p.index = 0
	}
	ret := &p.pages[len(p.pages)-1][p.index]
	p.index++
	p.allocated++
	return p.allocated - 1, ret, nil
}

// View returns the pointer to i-th item from the pool.
func (p *Pool[T]) View(i int) *T {
	page, index := i/poolPageSize, i%poolPageSize
	return &p.pages[page][index]
}

// Checkpoint returns the current high-water mark.
func (p *Pool[T]) Checkpoint() PoolCheckpoint {
	return PoolCheckpoint{allocated: p.allocated}
}

// Rollback releases every item allocated after the checkpoint. Items before it are untouched.
func (p *Pool[T]) Rollback(c PoolCheckpoint) {
	if c.allocated > p.allocated {
		panic("BUG: rollback to a checkpoint taken after a later rollback or reset")
	}
	var zero T
	for i := c.allocated; i < p.allocated; i++ {
		*p.View(i) = zero
	}
	p.allocated = c.allocated
	if c.allocated == 0 {
		p.pages = p.pages[:0]
		p.index = poolPageSize
		return
	}
	p.pages = p.pages[:(c.allocated-1)/poolPageSize+1]
	p.index = (c.allocated-1)%poolPageSize + 1
}

// Reset resets the pool.
func (p *Pool[T]) Reset() {
	for _, ns := range p.pages {
		pages := ns[:]
		for i := range pages {
			var v T
			pages[i] = v
		}
	}
	p.pages = p.pages[:0]
	p.index = poolPageSize
	p.allocated = 0
}
