package trigger

import (
	"go.uber.org/atomic"
)

// hotCounterCount is the size of the shared table of hot counters. Instructions are assigned a counter
// round-robin, so unrelated functions may share one.
const hotCounterCount = 128

// hotCounterInit is the value counters start from and are reset to.
const hotCounterInit = 1 << 16

// Counters holds the process wide counting state of the trigger policies: the hashed hot counters and the
// call counts of the profiling policy. It is reset when the Trigger owning it is torn down.
type Counters struct {
	hot  [hotCounterCount]atomic.Int32
	next atomic.Uint32

	// calls counts profiled calls of all functions since the last reset.
	calls atomic.Int64
}

// NewCounters returns counters at their initial values.
func NewCounters() *Counters {
	c := &Counters{}
	c.Reset()
	return c
}

// Reset sets every counter back to its initial value.
func (c *Counters) Reset() {
	for i := range c.hot {
		c.hot[i].Store(hotCounterInit)
	}
	c.calls.Store(0)
}

// assign returns the index of the hot counter for the next instrumented instruction.
func (c *Counters) assign() int {
	return int((c.next.Inc() - 1) % hotCounterCount)
}

// tick charges cost to the hot counter i and returns true when the counter ran out, in which case it starts
// over.
func (c *Counters) tick(i int, cost int32) bool {
	if c.hot[i].Sub(cost) > 0 {
		return false
	}
	c.hot[i].Store(hotCounterInit)
	return true
}

// costOf returns the charge per execution that exhausts a counter after threshold executions.
func costOf(threshold int) int32 {
	if threshold <= 1 {
		return hotCounterInit
	}
	if threshold >= hotCounterInit {
		return 1
	}
	return int32((hotCounterInit + threshold - 1) / threshold)
}
