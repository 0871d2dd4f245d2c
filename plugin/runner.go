package plugin

import (
	"context"
	"time"

	"ddlauncher/session"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Credentials are passed to the strategy's login function unchanged.
type Credentials struct {
	Username string
	Password string
	Server   string
}

// Runner executes strategies, each in its own sandbox with its own agents.
type Runner struct {
	logger     *zap.Logger
	cookieTool string
	agentOpts  []session.Option
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCookieTool sets the executable used by get_cookie_by_cowv2.
func WithCookieTool(path string) RunnerOption {
	return func(r *Runner) {
		r.cookieTool = path
	}
}

// WithAgentOptions sets the options used for every agent a script creates.
func WithAgentOptions(opts ...session.Option) RunnerOption {
	return func(r *Runner) {
		r.agentOpts = append(r.agentOpts, opts...)
	}
}

// NewRunner creates a Runner.
func NewRunner(logger *zap.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		logger:     logger,
		cookieTool: DefaultCookieTool,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run loads source as the strategy called name, runs its top-level
// statements and returns what login(username, password, server) returns.
// The sandbox and all agents are released before Run returns.
func (r *Runner) Run(ctx context.Context, name, source string, creds Credentials) (string, error) {
	start := time.Now()
	logger := r.logger.With(zap.String("strategy", name))

	sb := NewSandbox(ctx, name)
	defer sb.Close()

	agents := NewAgentAPI(r.agentOpts...)
	defer agents.Close()

	L := sb.GetState()
	agents.Register(L)
	NewCryptoAPI().Register(L)
	NewCookieAPI(r.cookieTool, logger).Register(L)
	NewUtilsAPI(name, r.logger.Named("script")).Register(L)

	if err := sb.LoadSource(source); err != nil {
		logger.Debug("Strategy failed to load", zap.Error(err))
		return "", err
	}

	result, err := sb.CallEntry(EntryPoint,
		lua.LString(creds.Username),
		lua.LString(creds.Password),
		lua.LString(creds.Server),
	)
	if err != nil {
		logger.Debug("Strategy failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return "", err
	}

	logger.Debug("Strategy returned", zap.Duration("elapsed", time.Since(start)))
	return result, nil
}
