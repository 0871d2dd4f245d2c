package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrScriptLoad means the script text could not be compiled.
	ErrScriptLoad = errors.New("script load failed")
	// ErrMissingEntryPoint means the script defines no global login function.
	ErrMissingEntryPoint = errors.New("script has no login function")
	// ErrScriptRuntime covers errors raised while the script runs.
	ErrScriptRuntime = errors.New("script runtime error")
	// ErrInvalidResult means login returned something other than one string.
	ErrInvalidResult = errors.New("login must return a string")
	// ErrCapability wraps a failure reported by a host capability.
	ErrCapability = errors.New("capability failed")
	// ErrExternalTool means the cookie-capture tool exited unsuccessfully.
	ErrExternalTool = errors.New("external tool failed")
)

// FormError reports a form table that cannot be sent as a urlencoded body.
type FormError struct {
	Key    string
	Reason string
}

func (e *FormError) Error() string {
	if e.Key == "" {
		return "invalid form: " + e.Reason
	}
	return fmt.Sprintf("invalid form field %q: %s", e.Key, e.Reason)
}

// ToolError describes an unsuccessful run of an external tool.
type ToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s exited with no cookie", e.Tool)
	if e.ExitCode >= 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil && e.ExitCode < 0 {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", s)
	}
	return b.String()
}

func (e *ToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalTool}
	}
	return []error{ErrExternalTool, e.Err}
}
