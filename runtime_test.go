package bytejit

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bytejit/bytejit/api"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

const scriptListing = `
/** Sums the integers below $x. @jit */
func sum($x) {
    RECV $x long
    ASSIGN $r, 0
    ASSIGN $i, 0
    JMP cond
loop:
    ASSIGN_ADD $r, $i
    PRE_INC $i
cond:
    IS_SMALLER $i, $x => ~0
    JMPNZ ~0, loop
    RETURN $r
}

func main() {
    INIT_FCALL sum, 1
    SEND_VAL 10
    DO_FCALL => ~0
    ECHO ~0
    ECHO "\n"
    INIT_FCALL twice, 1
    SEND_VAL "21"
    DO_FCALL => ~1
    RETURN ~1
}
`

func twice(args []api.Value) (api.Value, error) {
	return api.String(args[0].AsString() + args[0].AsString()), nil
}

func newRuntime(t *testing.T, config *RuntimeConfig) (*Runtime, *bytes.Buffer) {
	var out bytes.Buffer
	r, err := NewRuntimeWithConfig(config.WithOutput(&out))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close(testCtx)) })
	r.RegisterHost("twice", twice)
	return r, &out
}

func requireJIT(t *testing.T, r *Runtime) {
	if !r.JIT() {
		t.Skip("native code is not supported on this platform")
	}
}

func TestRuntime_interpreted(t *testing.T) {
	r, out := newRuntime(t, NewRuntimeConfig().WithJIT(false))
	require.False(t, r.JIT())

	s, err := r.LoadScript(testCtx, "script", []byte(scriptListing))
	require.NoError(t, err)
	require.Equal(t, "script", s.Name())
	require.Len(t, s.Functions(), 2)

	ret, err := r.Call(testCtx, "main")
	require.NoError(t, err)
	require.Equal(t, api.String("2121"), ret)
	require.Equal(t, "45\n", out.String())

	sum, ok := s.Function("sum")
	require.True(t, ok)
	require.False(t, sum.Compiled())
	require.Equal(t, int64(1), sum.Calls())
	require.Empty(t, r.Reports())
	require.Equal(t, Stats{Policy: "hot-counters", Calls: 1}, r.Stats())
}

func TestRuntime_LoadScript_errors(t *testing.T) {
	r, _ := newRuntime(t, NewRuntimeConfig())

	_, err := r.LoadScript(testCtx, "bad", []byte("func f() {\n    BOGUS\n"))
	require.Error(t, err)

	_, err = r.LoadScript(testCtx, "first", []byte(scriptListing))
	require.NoError(t, err)
	_, err = r.LoadScript(testCtx, "second", []byte(scriptListing))
	require.EqualError(t, err, "failed to load second: function sum already defined")

	_, err = r.Call(testCtx, "missing")
	require.EqualError(t, err, "function missing not found")
}

func TestRuntime_policies(t *testing.T) {
	tests := []struct {
		name   string
		config *RuntimeConfig
		// run is called after loading the script.
		run              func(t *testing.T, r *Runtime)
		loaded, compiled []string
	}{
		{
			name:     "script load",
			config:   NewRuntimeConfig().WithTrigger(TriggerScriptLoad),
			loaded:   []string{"sum", "main"},
			compiled: []string{"sum", "main"},
		},
		{
			name:     "doc comment",
			config:   NewRuntimeConfig().WithTrigger(TriggerDocComment),
			loaded:   []string{"sum"},
			compiled: []string{"sum"},
		},
		{
			name:   "first exec",
			config: NewRuntimeConfig().WithTrigger(TriggerFirstExec),
			run: func(t *testing.T, r *Runtime) {
				ret, err := r.Call(testCtx, "sum", api.Long(10))
				require.NoError(t, err)
				require.Equal(t, api.Long(45), ret)
			},
			compiled: []string{"sum"},
		},
		{
			name:   "hot function",
			config: NewRuntimeConfig().WithHotFuncThreshold(3).WithHotLoopThreshold(1000),
			run: func(t *testing.T, r *Runtime) {
				for i := 0; i < 3; i++ {
					ret, err := r.Call(testCtx, "sum", api.Long(2))
					require.NoError(t, err)
					require.Equal(t, api.Long(1), ret)
				}
			},
			compiled: []string{"sum"},
		},
		{
			name:   "hot loop",
			config: NewRuntimeConfig().WithHotFuncThreshold(1000).WithHotLoopThreshold(10),
			run: func(t *testing.T, r *Runtime) {
				ret, err := r.Call(testCtx, "sum", api.Long(100))
				require.NoError(t, err)
				require.Equal(t, api.Long(4950), ret)
			},
			compiled: []string{"sum"},
		},
		{
			name:   "profiled request",
			config: NewRuntimeConfig().WithTrigger(TriggerProfRequest).WithProfileThreshold(0.9),
			run: func(t *testing.T, r *Runtime) {
				_, err := r.Call(testCtx, "sum", api.Long(3))
				require.NoError(t, err)
			},
			compiled: []string{"sum"},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			r, out := newRuntime(t, tc.config)
			requireJIT(t, r)
			s, err := r.LoadScript(testCtx, "script", []byte(scriptListing))
			require.NoError(t, err)
			require.Equal(t, tc.loaded, compiledNames(s))

			if tc.run != nil {
				tc.run(t, r)
			}
			require.Equal(t, tc.compiled, compiledNames(s))
			stats := r.Stats()
			require.True(t, stats.JIT)
			require.Equal(t, int64(len(tc.compiled)), stats.Linked)
			require.Zero(t, stats.Failed)
			require.NotZero(t, stats.ArenaUsed)

			// Compiled or not, results do not change.
			ret, err := r.Call(testCtx, "main")
			require.NoError(t, err)
			require.Equal(t, api.String("2121"), ret)
			require.Equal(t, "45\n", out.String())
		})
	}
}

func compiledNames(s *Script) (names []string) {
	for _, f := range s.Functions() {
		if f.Compiled() {
			names = append(names, f.Name())
		}
	}
	return
}

func TestRuntime_Reports(t *testing.T) {
	r, _ := newRuntime(t, NewRuntimeConfig().WithTrigger(TriggerDocComment).WithCompileListings(true))
	requireJIT(t, r)
	_, err := r.LoadScript(testCtx, "script", []byte(scriptListing))
	require.NoError(t, err)

	reports := r.Reports()
	require.Len(t, reports, 1)
	require.Equal(t, "sum", reports[0].Function)
	require.Equal(t, "global", reports[0].Mode)
	require.Equal(t, -1, reports[0].OSRPC)
	require.NotZero(t, reports[0].CodeSize)
	require.NotEmpty(t, reports[0].Attempt)
	require.NotEmpty(t, reports[0].SSA)
	require.NotEmpty(t, reports[0].Allocation)
}

func TestRuntime_Close(t *testing.T) {
	r, err := NewRuntimeWithConfig(NewRuntimeConfig().WithTrigger(TriggerScriptLoad))
	require.NoError(t, err)
	s, err := r.LoadScript(testCtx, "script", []byte(scriptListing))
	require.NoError(t, err)
	sum, ok := s.Function("sum")
	require.True(t, ok)
	require.Equal(t, r.JIT(), sum.Compiled())

	require.NoError(t, r.Close(testCtx))
	require.False(t, sum.Compiled())
	require.NoError(t, r.Close(testCtx))

	_, err = r.Call(testCtx, "sum", api.Long(1))
	require.ErrorIs(t, err, ErrRuntimeClosed)
	_, err = sum.Call(testCtx, api.Long(1))
	require.ErrorIs(t, err, ErrRuntimeClosed)
	_, err = r.LoadScript(testCtx, "again", []byte(scriptListing))
	require.ErrorIs(t, err, ErrRuntimeClosed)
}

func TestRuntime_Lookup(t *testing.T) {
	r, _ := newRuntime(t, NewRuntimeConfig())
	_, err := r.LoadScript(testCtx, "script", []byte(scriptListing))
	require.NoError(t, err)

	sum, ok := r.Lookup("sum")
	require.True(t, ok)
	ret, err := sum.Call(testCtx, api.Long(5))
	require.NoError(t, err)
	require.Equal(t, api.Long(10), ret)

	_, ok = r.Lookup("missing")
	require.False(t, ok)
}
