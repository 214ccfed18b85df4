// Package interpreter executes bytecode one instruction at a time through per-instruction dispatch slots.
//
// Dispatch slots are how compiled code is installed: the compiler patches the slot of an entry instruction with a
// Hook that runs native code on the same Frame.
package interpreter

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bytejit/bytejit/api"
	"github.com/bytejit/bytejit/internal/bytecode"
)

var callStackCeiling = 2000

// Machine holds the loaded functions and the state shared by every call: the interned strings and the output.
//
// A Machine is safe for concurrent calls once loading is finished.
type Machine struct {
	logger *zap.Logger

	mux       sync.RWMutex
	functions map[string]*Function
	hosts     map[string]HostFunc
	strings   []string
	stringIDs map[string]uint64

	outMux sync.Mutex
	out    io.Writer
}

// NewMachine returns a Machine writing ECHO output to out.
func NewMachine(out io.Writer, logger *zap.Logger) *Machine {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		logger:    logger,
		functions: map[string]*Function{},
		hosts:     map[string]HostFunc{},
		stringIDs: map[string]uint64{},
		out:       out,
	}
}

// Load makes every function of the script callable and returns them in script order.
func (m *Machine) Load(s *bytecode.Script) ([]*Function, error) {
	ret := make([]*Function, 0, len(s.Functions))
	for _, code := range s.Functions {
		if err := code.Validate(); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", s.Name, err)
		}
		f := &Function{Code: code, dispatch: make([]atomic.Pointer[Patch], len(code.Code))}
		f.literals = make([]Slot, len(code.Literals))
		for i, lit := range code.Literals {
			f.literals[i] = m.FromValue(lit)
		}
		ret = append(ret, f)
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	for _, f := range ret {
		if _, ok := m.functions[f.Name()]; ok {
			return nil, fmt.Errorf("failed to load %s: function %s already defined", s.Name, f.Name())
		}
	}
	for _, f := range ret {
		m.functions[f.Name()] = f
	}
	return ret, nil
}

// RegisterHost makes a Go function callable by name.
func (m *Machine) RegisterHost(name string, fn HostFunc) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.hosts[name] = fn
}

// Lookup returns the loaded function with the given name.
func (m *Machine) Lookup(name string) (*Function, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	f, ok := m.functions[name]
	return f, ok
}

// Functions returns every loaded function.
func (m *Machine) Functions() []*Function {
	m.mux.RLock()
	defer m.mux.RUnlock()
	ret := make([]*Function, 0, len(m.functions))
	for _, f := range m.functions {
		ret = append(ret, f)
	}
	return ret
}

// Intern returns the payload of a string slot holding s.
func (m *Machine) Intern(s string) uint64 {
	m.mux.RLock()
	id, ok := m.stringIDs[s]
	m.mux.RUnlock()
	if ok {
		return id
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if id, ok = m.stringIDs[s]; ok {
		return id
	}
	id = uint64(len(m.strings))
	m.strings = append(m.strings, s)
	m.stringIDs[s] = id
	return id
}

func (m *Machine) str(id uint64) string {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.strings[id]
}

// FromValue converts a public value into a slot.
func (m *Machine) FromValue(v api.Value) Slot {
	switch v.Kind() {
	case api.ValueKindString:
		return Slot{Payload: m.Intern(v.AsString()), Kind: api.ValueKindString}
	default:
		return Slot{Payload: v.Bits(), Kind: v.Kind()}
	}
}

// ToValue converts a slot into a public value.
func (m *Machine) ToValue(s Slot) api.Value {
	switch s.Kind {
	case api.ValueKindNull:
		return api.Null()
	case api.ValueKindFalse:
		return api.Bool(false)
	case api.ValueKindTrue:
		return api.Bool(true)
	case api.ValueKindLong:
		return api.Long(s.Long())
	case api.ValueKindDouble:
		return api.Double(s.Double())
	case api.ValueKindString:
		return api.String(m.str(s.Payload))
	}
	return api.Undef()
}

func (m *Machine) echo(s string) error {
	m.outMux.Lock()
	defer m.outMux.Unlock()
	_, err := io.WriteString(m.out, s)
	return err
}

// Call invokes the loaded function with the given name.
func (m *Machine) Call(ctx context.Context, name string, args ...api.Value) (api.Value, error) {
	f, ok := m.Lookup(name)
	if !ok {
		return api.Undef(), fmt.Errorf("%w: %s", ErrRuntimeUndefinedFunction, name)
	}
	return m.CallFunction(ctx, f, args...)
}

// CallFunction invokes f with the given arguments. Runtime errors abort the call and carry a backtrace.
func (m *Machine) CallFunction(ctx context.Context, f *Function, args ...api.Value) (ret api.Value, err error) {
	ce := &callEngine{ctx: ctx, m: m}
	defer func() {
		if v := recover(); v != nil {
			m.logger.Debug("recovered panic in script call", zap.Any("panic", v), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("runtime error: %v", v)
		}
	}()
	argSlots := make([]Slot, len(args))
	for i, a := range args {
		argSlots[i] = m.FromValue(a)
	}
	r, err := ce.call(f, argSlots)
	if err != nil {
		traces := make([]string, 0, len(ce.frames))
		for i := len(ce.frames) - 1; i >= 0; i-- {
			fr := ce.frames[i]
			traces = append(traces, fmt.Sprintf("\t%d: %s@%d", len(ce.frames)-1-i, fr.Fn.Name(), fr.PC))
		}
		if len(traces) > 0 {
			err = fmt.Errorf("%w\nbacktrace:\n%s", err, strings.Join(traces, "\n"))
		}
		return api.Undef(), err
	}
	return m.ToValue(r), nil
}
