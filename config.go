package bytejit

import (
	"io"

	"go.uber.org/zap"

	"github.com/bytejit/bytejit/internal/regalloc"
	"github.com/bytejit/bytejit/internal/trigger"
)

// TriggerPolicy selects when functions are compiled to native code.
type TriggerPolicy = trigger.Policy

const (
	// TriggerFirstExec compiles a function on its first call.
	TriggerFirstExec = trigger.PolicyFirstExec
	// TriggerHotCounters compiles a function once it, or one of its loops, ran often enough. This is the
	// default.
	TriggerHotCounters = trigger.PolicyHotCounters
	// TriggerScriptLoad compiles every function of a script when it is loaded.
	TriggerScriptLoad = trigger.PolicyScriptLoad
	// TriggerDocComment compiles, when loaded, the functions whose doc comment carries the @jit tag.
	TriggerDocComment = trigger.PolicyDocComment
	// TriggerProfRequest compiles the functions taking a large share of the calls of one Runtime.Call.
	TriggerProfRequest = trigger.PolicyProfRequest
)

// ParseTriggerPolicy returns the policy of the given name, e.g. "hot-counters".
func ParseTriggerPolicy(s string) (TriggerPolicy, error) { return trigger.ParsePolicy(s) }

// RegisterAllocation selects how much register allocation compiled code does.
type RegisterAllocation = regalloc.Mode

const (
	// RegisterAllocationNone keeps every variable in its interpreter slot.
	RegisterAllocationNone = regalloc.ModeNone
	// RegisterAllocationLocal keeps in registers only the variables living within one block.
	RegisterAllocationLocal = regalloc.ModeLocal
	// RegisterAllocationGlobal allocates registers across blocks with hints. This is the default.
	RegisterAllocationGlobal = regalloc.ModeGlobal
)

// ParseRegisterAllocation returns the mode of the given name: "none", "local" or "global".
func ParseRegisterAllocation(s string) (RegisterAllocation, error) { return regalloc.ParseMode(s) }

const (
	defaultHotFuncThreshold = 127
	defaultHotLoopThreshold = 64
	defaultProfileThreshold = 0.005
	defaultCodeArenaSize    = 16 << 20
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig.
//
// Note: RuntimeConfig is immutable. Each WithXXX function returns a new instance including the corresponding
// change.
type RuntimeConfig struct {
	jit              bool
	policy           TriggerPolicy
	hotFuncThreshold int
	hotLoopThreshold int
	profileThreshold float64
	codeArenaSize    int
	regalloc         RegisterAllocation
	listings         bool
	logger           *zap.Logger
	out              io.Writer
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &RuntimeConfig{
	jit:              true,
	policy:           TriggerHotCounters,
	hotFuncThreshold: defaultHotFuncThreshold,
	hotLoopThreshold: defaultHotLoopThreshold,
	profileThreshold: defaultProfileThreshold,
	codeArenaSize:    defaultCodeArenaSize,
	regalloc:         RegisterAllocationGlobal,
}

// NewRuntimeConfig returns the default configuration: compile hot functions and loops with global register
// allocation. Where native code is not supported, the runtime interprets everything.
func NewRuntimeConfig() *RuntimeConfig {
	return engineLessConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// WithJIT enables compilation to native code. Defaults to true. When false, every function is interpreted.
func (c *RuntimeConfig) WithJIT(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.jit = enabled
	return ret
}

// WithTrigger selects when functions are compiled. Defaults to TriggerHotCounters.
func (c *RuntimeConfig) WithTrigger(policy TriggerPolicy) *RuntimeConfig {
	ret := c.clone()
	ret.policy = policy
	return ret
}

// WithHotFuncThreshold sets how many calls make a function hot under TriggerHotCounters. Defaults to 127.
func (c *RuntimeConfig) WithHotFuncThreshold(calls int) *RuntimeConfig {
	ret := c.clone()
	ret.hotFuncThreshold = calls
	return ret
}

// WithHotLoopThreshold sets how many iterations make a loop hot under TriggerHotCounters. A hot loop is compiled
// with an entry at its header, so the running call moves to native code. Defaults to 64.
func (c *RuntimeConfig) WithHotLoopThreshold(iterations int) *RuntimeConfig {
	ret := c.clone()
	ret.hotLoopThreshold = iterations
	return ret
}

// WithProfileThreshold sets the share of the calls of one Runtime.Call above which TriggerProfRequest compiles
// a function. Defaults to 0.005.
func (c *RuntimeConfig) WithProfileThreshold(ratio float64) *RuntimeConfig {
	ret := c.clone()
	ret.profileThreshold = ratio
	return ret
}

// WithCodeArenaSize sets the size in bytes of the executable memory reserved for native code. Defaults to 16MiB.
// Once it is full, further functions stay interpreted.
func (c *RuntimeConfig) WithCodeArenaSize(size int) *RuntimeConfig {
	ret := c.clone()
	ret.codeArenaSize = size
	return ret
}

// WithRegisterAllocation selects the register allocation of compiled code. Defaults to
// RegisterAllocationGlobal.
func (c *RuntimeConfig) WithRegisterAllocation(mode RegisterAllocation) *RuntimeConfig {
	ret := c.clone()
	ret.regalloc = mode
	return ret
}

// WithCompileListings keeps the SSA form and the register allocation of every compiled function in its
// CompileReport. Defaults to false.
func (c *RuntimeConfig) WithCompileListings(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.listings = enabled
	return ret
}

// WithLogger sets the logger of the runtime and its compiler. Defaults to a no-op logger.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithOutput sets where ECHO writes. Defaults to io.Discard.
//
// Note: The caller is responsible to close any io.Writer they supply.
func (c *RuntimeConfig) WithOutput(out io.Writer) *RuntimeConfig {
	ret := c.clone()
	ret.out = out
	return ret
}
