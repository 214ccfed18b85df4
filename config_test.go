package bytejit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRuntimeConfig(t *testing.T) {
	logger := zap.NewExample()
	var out bytes.Buffer
	tests := []struct {
		name     string
		with     func(*RuntimeConfig) *RuntimeConfig
		expected func(*RuntimeConfig)
	}{
		{
			name:     "WithJIT",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithJIT(false) },
			expected: func(c *RuntimeConfig) { c.jit = false },
		},
		{
			name:     "WithTrigger",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithTrigger(TriggerScriptLoad) },
			expected: func(c *RuntimeConfig) { c.policy = TriggerScriptLoad },
		},
		{
			name:     "WithHotFuncThreshold",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithHotFuncThreshold(3) },
			expected: func(c *RuntimeConfig) { c.hotFuncThreshold = 3 },
		},
		{
			name:     "WithHotLoopThreshold",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithHotLoopThreshold(5) },
			expected: func(c *RuntimeConfig) { c.hotLoopThreshold = 5 },
		},
		{
			name:     "WithProfileThreshold",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithProfileThreshold(0.5) },
			expected: func(c *RuntimeConfig) { c.profileThreshold = 0.5 },
		},
		{
			name:     "WithCodeArenaSize",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithCodeArenaSize(1 << 20) },
			expected: func(c *RuntimeConfig) { c.codeArenaSize = 1 << 20 },
		},
		{
			name:     "WithRegisterAllocation",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithRegisterAllocation(RegisterAllocationLocal) },
			expected: func(c *RuntimeConfig) { c.regalloc = RegisterAllocationLocal },
		},
		{
			name:     "WithCompileListings",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithCompileListings(true) },
			expected: func(c *RuntimeConfig) { c.listings = true },
		},
		{
			name:     "WithLogger",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithLogger(logger) },
			expected: func(c *RuntimeConfig) { c.logger = logger },
		},
		{
			name:     "WithOutput",
			with:     func(c *RuntimeConfig) *RuntimeConfig { return c.WithOutput(&out) },
			expected: func(c *RuntimeConfig) { c.out = &out },
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			input := NewRuntimeConfig()
			rc := tc.with(input)
			expected := NewRuntimeConfig()
			tc.expected(expected)
			require.Equal(t, expected, rc)
			// The source wasn't modified
			require.Equal(t, NewRuntimeConfig(), input)
		})
	}
}

func TestNewRuntimeConfig(t *testing.T) {
	c := NewRuntimeConfig()
	require.True(t, c.jit)
	require.Equal(t, TriggerHotCounters, c.policy)
	require.Equal(t, RegisterAllocationGlobal, c.regalloc)
	require.Equal(t, 16<<20, c.codeArenaSize)
	// Each call returns a fresh copy.
	require.NotSame(t, c, NewRuntimeConfig())
}

func TestParseTriggerPolicy(t *testing.T) {
	for _, tc := range []struct {
		name     string
		expected TriggerPolicy
	}{
		{name: "first-exec", expected: TriggerFirstExec},
		{name: "hot-counters", expected: TriggerHotCounters},
		{name: "script-load", expected: TriggerScriptLoad},
		{name: "doc-comment", expected: TriggerDocComment},
		{name: "prof-request", expected: TriggerProfRequest},
	} {
		p, err := ParseTriggerPolicy(tc.name)
		require.NoError(t, err)
		require.Equal(t, tc.expected, p)
		require.Equal(t, tc.name, p.String())
	}
	_, err := ParseTriggerPolicy("hot")
	require.Error(t, err)
}

func TestParseRegisterAllocation(t *testing.T) {
	for _, mode := range []RegisterAllocation{RegisterAllocationNone, RegisterAllocationLocal, RegisterAllocationGlobal} {
		parsed, err := ParseRegisterAllocation(mode.String())
		require.NoError(t, err)
		require.Equal(t, mode, parsed)
	}
	_, err := ParseRegisterAllocation("linear")
	require.Error(t, err)
}
