package main

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"ddlauncher/config"
	"ddlauncher/dispatch"
	"ddlauncher/plugin"
	"ddlauncher/process"
	"ddlauncher/session"
	"ddlauncher/store"
	"ddlauncher/strategy"

	"go.uber.org/zap"
)

// ErrInvalidGameURL is returned when a URL cannot be opened as a game.
var ErrInvalidGameURL = errors.New("not a game url")

// App struct holds the application state
type App struct {
	ctx        context.Context
	cfg        *config.Config
	logger     *zap.Logger
	registry   *strategy.Registry
	dispatcher *dispatch.Dispatcher
	processes  *process.Set
	store      *store.Store

	// opener launches a detached process for a URL. Tests replace it.
	opener       func(path string, args ...string) error
	shutdownOnce sync.Once
}

// NewApp creates a new App instance
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	a.opener = a.spawn
	return a
}

// startup loads the strategies and opens the account store. Either failing
// is fatal for the caller.
func (a *App) startup(ctx context.Context) error {
	a.ctx = ctx

	registry, err := strategy.Load(a.cfg.Paths.Scripts)
	if err != nil {
		return fmt.Errorf("failed to load strategies: %w", err)
	}
	a.registry = registry
	a.logger.Info("Loaded strategies", zap.Int("count", registry.Len()), zap.String("pattern", a.cfg.Paths.Scripts))

	st, err := store.Open(a.cfg.Paths.Database, a.logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = st

	runner := plugin.NewRunner(a.logger.Named("plugin"),
		plugin.WithCookieTool(a.cfg.Paths.CookieTool),
		plugin.WithAgentOptions(
			session.WithUserAgent(a.cfg.Agent.UserAgent),
			session.WithMaxBodyBytes(a.cfg.Agent.MaxBodyBytes),
		),
	)
	a.dispatcher = dispatch.New(a.registry, runner, a.logger.Named("dispatch"),
		dispatch.WithRetention(a.cfg.Dispatch.RetainFor))
	a.processes = process.NewSet(a.logger.Named("process"))
	return nil
}

// shutdown kills auxiliary processes and closes the store. Later calls are no-ops.
func (a *App) shutdown() {
	a.shutdownOnce.Do(func() {
		if a.processes != nil {
			n := a.processes.Shutdown()
			a.logger.Info("Terminated child processes", zap.Int("count", n))
		}
		if a.dispatcher != nil {
			a.dispatcher.Close()
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.logger.Warn("Failed to close database", zap.Error(err))
			}
		}
	})
}

// ListStrategies returns the loaded strategy names, sorted.
func (a *App) ListStrategies() []string {
	names := a.registry.List()
	sort.Strings(names)
	return names
}

// ReloadStrategies merges the scripts matching the configured pattern into
// the registry.
func (a *App) ReloadStrategies() error {
	if err := a.registry.Load(a.cfg.Paths.Scripts); err != nil {
		return err
	}
	a.logger.Info("Reloaded strategies", zap.Int("count", a.registry.Len()))
	return nil
}

// RunStrategy starts a login and returns at once. onDone receives the launch
// URL, or a failure tagged with "error: ", exactly once. It returns false
// when the strategy could not be started.
func (a *App) RunStrategy(name, username, password, server string, onDone func(string)) bool {
	_, err := a.StartInvocation(name, plugin.Credentials{Username: username, Password: password, Server: server}, onDone)
	if err != nil {
		if onDone != nil {
			result := dispatch.Outcome{Err: err}.String()
			go onDone(result)
		}
		return false
	}
	return true
}

// StartInvocation dispatches name with creds. onDone may be nil.
func (a *App) StartInvocation(name string, creds plugin.Credentials, onDone func(string)) (*dispatch.Invocation, error) {
	var done func(dispatch.Outcome)
	if onDone != nil {
		done = func(o dispatch.Outcome) { onDone(o.String()) }
	}
	inv, err := a.dispatcher.Dispatch(name, creds, done)
	if err != nil {
		a.logger.Warn("Failed to start strategy", zap.String("strategy", name), zap.Error(err))
		return nil, err
	}
	return inv, nil
}

// StartAccount dispatches the account's strategy and, once it has started,
// marks the account as used.
func (a *App) StartAccount(id string, onDone func(string)) (*dispatch.Invocation, error) {
	acc, err := a.store.Get(id)
	if err != nil {
		return nil, err
	}
	inv, err := a.StartInvocation(acc.Strategy, plugin.Credentials{
		Username: acc.Username,
		Password: acc.Password,
		Server:   acc.Server,
	}, onDone)
	if err != nil {
		return nil, err
	}
	if _, err := a.store.Touch(id, time.Now()); err != nil {
		a.logger.Warn("Failed to update last used", zap.String("account", id), zap.Error(err))
	}
	return inv, nil
}

// Invocation returns a running or recently finished invocation.
func (a *App) Invocation(id string) (*dispatch.Invocation, bool) {
	return a.dispatcher.Lookup(id)
}

// IsGameURL reports whether url can be handed to PlayFlash.
func IsGameURL(url string) bool {
	return strings.HasPrefix(url, "http") || strings.HasPrefix(url, "roadclient://")
}

// PlayFlash opens a launch URL: browser hosts go to the system browser,
// everything else to the flash player.
func (a *App) PlayFlash(url string) error {
	if !IsGameURL(url) {
		return fmt.Errorf("%w: %q", ErrInvalidGameURL, url)
	}

	if a.opensInBrowser(url) {
		a.logger.Info("Opening in browser", zap.String("url", url))
		name, args := browserCommand(url)
		return a.opener(name, args...)
	}

	a.logger.Info("Opening with flash player", zap.String("player", a.cfg.Paths.FlashPlayer), zap.String("url", url))
	return a.opener(a.cfg.Paths.FlashPlayer, url)
}

func (a *App) opensInBrowser(url string) bool {
	for _, host := range a.cfg.Player.BrowserHosts {
		if strings.Contains(host, "://") {
			if strings.HasPrefix(url, host) {
				return true
			}
			continue
		}
		if strings.Contains(url, host) {
			return true
		}
	}
	return false
}

func browserCommand(url string) (string, []string) {
	switch runtime.GOOS {
	case "windows":
		return "cmd", []string{"/c", "start", "", url}
	case "darwin":
		return "open", []string{url}
	default:
		return "xdg-open", []string{url}
	}
}

// OpenLauncher starts the auxiliary launcher. It reports false when the
// launcher could not be started.
func (a *App) OpenLauncher() bool {
	if err := a.opener(a.cfg.Paths.Launcher); err != nil {
		return false
	}
	return true
}

func (a *App) spawn(path string, args ...string) error {
	h, err := a.processes.Spawn(path, args...)
	if err != nil {
		a.logger.Error("Failed to start process", zap.String("path", path), zap.Error(err))
		return err
	}
	a.logger.Debug("Process started", zap.String("path", path), zap.Int("pid", h.Pid()))
	return nil
}

// Accounts lists saved accounts, most recently used first, keeping only
// those whose display name contains query.
func (a *App) Accounts(query string) ([]store.Record, error) {
	records, err := a.store.List()
	if err != nil {
		return nil, err
	}
	store.SortByLastUsed(records)
	records = store.Filter(records, query)
	if records == nil {
		records = []store.Record{}
	}
	return records, nil
}

// Account returns one saved account.
func (a *App) Account(id string) (store.Account, error) {
	return a.store.Get(id)
}

// AddAccount saves acc under a new id.
func (a *App) AddAccount(acc store.Account) (string, error) {
	if err := validateAccount(acc); err != nil {
		return "", err
	}
	return a.store.Add(acc)
}

// ReplaceAccount overwrites the account stored under id.
func (a *App) ReplaceAccount(id string, acc store.Account) error {
	if err := validateAccount(acc); err != nil {
		return err
	}
	return a.store.Put(id, acc)
}

// DeleteAccount removes a saved account.
func (a *App) DeleteAccount(id string) error {
	return a.store.Delete(id)
}

// ErrInvalidAccount is returned for accounts missing required fields.
var ErrInvalidAccount = errors.New("invalid account")

func validateAccount(acc store.Account) error {
	switch {
	case acc.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidAccount)
	case acc.Strategy == "":
		return fmt.Errorf("%w: strategy is required", ErrInvalidAccount)
	}
	return nil
}
