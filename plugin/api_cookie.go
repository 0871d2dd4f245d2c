package plugin

import (
	"bytes"
	"errors"
	"os/exec"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// DefaultCookieTool is looked up on PATH when no tool path is configured.
const DefaultCookieTool = "cowv2"

// CookieAPI binds get_cookie_by_cowv2, which hands a page to the external
// capture tool and waits for the cookie string it prints.
type CookieAPI struct {
	tool   string
	logger *zap.Logger
}

// NewCookieAPI creates a cookie API that runs tool.
func NewCookieAPI(tool string, logger *zap.Logger) *CookieAPI {
	if tool == "" {
		tool = DefaultCookieTool
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CookieAPI{tool: tool, logger: logger}
}

// Register adds get_cookie_by_cowv2 to the Lua state
func (c *CookieAPI) Register(L *lua.LState) {
	L.SetGlobal("get_cookie_by_cowv2", L.NewFunction(c.capture))
}

func (c *CookieAPI) capture(L *lua.LState) int {
	url := L.CheckString(1)
	pattern := L.CheckString(2)
	title := L.CheckString(3)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(luaContext(L), c.tool, "-u", url, "-r", pattern, "-t", title)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug("Starting cookie capture", zap.String("tool", c.tool), zap.String("url", url))
	if err := cmd.Run(); err != nil {
		toolErr := &ToolError{Tool: filepath.Base(c.tool), ExitCode: -1, Stderr: stderr.String()}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			toolErr.ExitCode = exitErr.ExitCode()
		} else {
			toolErr.Err = err
		}
		c.logger.Warn("Cookie capture failed", zap.String("tool", c.tool), zap.Error(toolErr))
		return raise(L, toolErr)
	}

	L.Push(lua.LString(stdout.String()))
	return 1
}
