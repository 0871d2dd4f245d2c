package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// EntryPoint is the global function every strategy must define.
const EntryPoint = "login"

const capabilityErrorType = "capability_error"

// Sandbox wraps a Lua state that exposes only the safe base libraries.
type Sandbox struct {
	L      *lua.LState
	name   string
	mu     sync.Mutex
	closed bool
}

// NewSandbox creates a fresh Lua environment for the strategy called name.
// Blocking capabilities observe ctx through L.Context().
func NewSandbox(ctx context.Context, name string) *Sandbox {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	// Open only safe libraries
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove functions that reach the filesystem or compile new code
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)
	L.SetGlobal("collectgarbage", lua.LNil)

	registerCapabilityError(L)

	if ctx != nil {
		L.SetContext(ctx)
	}

	return &Sandbox{
		L:    L,
		name: name,
	}
}

// Close shuts down the Lua state. It is safe to call more than once.
func (s *Sandbox) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.L.Close()
}

// LoadSource compiles source and runs its top-level statements.
func (s *Sandbox) LoadSource(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, err := s.L.Load(strings.NewReader(source), s.name)
	if err != nil {
		return classify(err, ErrScriptLoad)
	}

	s.L.Push(fn)
	if err := s.L.PCall(0, 0, nil); err != nil {
		return classify(err, ErrScriptRuntime)
	}
	return nil
}

// CallEntry invokes the global function name with args and returns its
// single string result.
func (s *Sandbox) CallEntry(name string, args ...lua.LValue) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return "", fmt.Errorf("%w: %s is %s", ErrMissingEntryPoint, name, s.L.GetGlobal(name).Type())
	}

	top := s.L.GetTop()
	err := s.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    lua.MultRet,
		Protect: true,
	}, args...)
	if err != nil {
		return "", classify(err, ErrScriptRuntime)
	}

	n := s.L.GetTop() - top
	results := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.SetTop(top)

	if n != 1 {
		return "", fmt.Errorf("%w: %s returned %d values", ErrInvalidResult, name, n)
	}
	str, ok := results[0].(lua.LString)
	if !ok {
		return "", fmt.Errorf("%w: %s returned a %s", ErrInvalidResult, name, results[0].Type())
	}
	return string(str), nil
}

// GetState returns the underlying Lua state (for API registration)
func (s *Sandbox) GetState() *lua.LState {
	return s.L
}

// Name returns the strategy name the sandbox was created for.
func (s *Sandbox) Name() string {
	return s.name
}

// capabilityError carries a Go error through the Lua stack.
type capabilityError struct {
	err error
}

func registerCapabilityError(L *lua.LState) {
	mt := L.NewTypeMetatable(capabilityErrorType)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if ce, ok := ud.Value.(*capabilityError); ok {
			L.Push(lua.LString(ce.err.Error()))
			return 1
		}
		L.Push(lua.LString(capabilityErrorType))
		return 1
	}))
}

// raise aborts the running Lua function with err. Scripts can catch it
// with pcall; uncaught it becomes ErrCapability.
func raise(L *lua.LState, err error) int {
	ud := L.NewUserData()
	ud.Value = &capabilityError{err: err}
	L.SetMetatable(ud, L.GetTypeMetatable(capabilityErrorType))
	L.Error(ud, 1)
	return 0
}

// classify maps an error from the interpreter onto the package sentinels.
// fallback is used for plain raised errors.
func classify(err error, fallback error) error {
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", fallback, err)
	}

	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if ce, ok := ud.Value.(*capabilityError); ok {
			return fmt.Errorf("%w: %w", ErrCapability, ce.err)
		}
	}

	switch apiErr.Type {
	case lua.ApiErrorSyntax:
		return fmt.Errorf("%w: %s", ErrScriptLoad, apiErr.Object.String())
	case lua.ApiErrorPanic:
		return fmt.Errorf("%w: host panic: %s", ErrScriptRuntime, apiErr.Object.String())
	default:
		return fmt.Errorf("%w: %s", fallback, apiErr.Object.String())
	}
}
