package plugin

import (
	"context"
	"sync"

	"ddlauncher/session"

	lua "github.com/yuin/gopher-lua"
)

const agentTypeName = "agent"

// AgentAPI binds the global agent() constructor. Every agent it hands out
// is closed by Close.
type AgentAPI struct {
	opts []session.Option

	mu     sync.Mutex
	agents []*session.Agent
}

// NewAgentAPI creates an agent API whose agents are built with opts.
func NewAgentAPI(opts ...session.Option) *AgentAPI {
	return &AgentAPI{opts: opts}
}

// Register adds the agent constructor and its method table to the Lua state
func (a *AgentAPI) Register(L *lua.LState) {
	mt := L.NewTypeMetatable(agentTypeName)
	methods := L.NewTable()
	methods.RawSetString("get", L.NewFunction(a.get))
	methods.RawSetString("get_with", L.NewFunction(a.getWith))
	methods.RawSetString("post", L.NewFunction(a.post))
	methods.RawSetString("load_cookie", L.NewFunction(a.loadCookie))
	L.SetField(mt, "__index", methods)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(agentTypeName))
		return 1
	}))

	L.SetGlobal("agent", L.NewFunction(a.newAgent))
}

// Close releases every agent created through this API.
func (a *AgentAPI) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, agent := range a.agents {
		agent.Close()
	}
	a.agents = nil
}

// Len returns how many agents are currently open.
func (a *AgentAPI) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.agents)
}

func (a *AgentAPI) newAgent(L *lua.LState) int {
	agent, err := session.New(a.opts...)
	if err != nil {
		return raise(L, err)
	}

	a.mu.Lock()
	a.agents = append(a.agents, agent)
	a.mu.Unlock()

	ud := L.NewUserData()
	ud.Value = agent
	L.SetMetatable(ud, L.GetTypeMetatable(agentTypeName))
	L.Push(ud)
	return 1
}

func checkAgent(L *lua.LState) *session.Agent {
	ud := L.CheckUserData(1)
	agent, ok := ud.Value.(*session.Agent)
	if !ok {
		L.ArgError(1, "agent expected")
		return nil
	}
	return agent
}

func (a *AgentAPI) get(L *lua.LState) int {
	agent := checkAgent(L)
	url := L.CheckString(2)

	body, err := agent.Get(luaContext(L), url)
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LString(body))
	return 1
}

func (a *AgentAPI) getWith(L *lua.LState) int {
	agent := checkAgent(L)
	url := L.CheckString(2)

	body, base, err := agent.GetWith(luaContext(L), url)
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LString(body))
	L.Push(lua.LString(base))
	return 2
}

func (a *AgentAPI) post(L *lua.LState) int {
	agent := checkAgent(L)
	url := L.CheckString(2)

	form, err := formValues(L.Get(3))
	if err != nil {
		return raise(L, err)
	}

	body, err := agent.Post(luaContext(L), url, form)
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LString(body))
	return 1
}

func (a *AgentAPI) loadCookie(L *lua.LState) int {
	agent := checkAgent(L)
	url := L.CheckString(2)
	cookies := L.CheckString(3)

	n, err := agent.LoadCookie(url, cookies)
	if err != nil {
		return raise(L, err)
	}
	L.Push(lua.LNumber(n))
	return 1
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
