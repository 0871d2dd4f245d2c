package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ddlauncher/config"
	"ddlauncher/dispatch"
	"ddlauncher/plugin"
	"ddlauncher/store"
	"ddlauncher/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const okScript = `
function login(username, password, server)
  return "http://game.example/play?u=" .. username .. "&s=" .. server
end
`

const failScript = `
function login(username, password, server)
  error("bad password")
end
`

type openCall struct {
	path string
	args []string
}

type fakeOpener struct {
	mu    sync.Mutex
	calls []openCall
	err   error
}

func (f *fakeOpener) open(path string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, openCall{path: path, args: args})
	return f.err
}

func (f *fakeOpener) Calls() []openCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]openCall(nil), f.calls...)
}

func newTestApp(t *testing.T) (*App, *fakeOpener) {
	t.Helper()
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	require.NoError(t, os.MkdirAll(scripts, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "ok.lua"), []byte(okScript), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(scripts, "fail.lua"), []byte(failScript), 0644))

	cfg := config.NewDefaultConfig()
	cfg.Paths.Scripts = filepath.Join(scripts, "*.lua")
	cfg.Paths.Database = filepath.Join(dir, "userdata.db")
	cfg.Paths.Launcher = filepath.Join(dir, "launcher")
	cfg.Paths.FlashPlayer = filepath.Join(dir, "flashplayer")

	app := NewApp(cfg, zaptest.NewLogger(t))
	require.NoError(t, app.startup(t.Context()))
	opener := &fakeOpener{}
	app.opener = opener.open

	t.Cleanup(func() {
		app.dispatcher.Wait()
		app.shutdown()
	})
	return app, opener
}

func testCreds() plugin.Credentials {
	return plugin.Credentials{Username: "alice", Password: "secret", Server: "7"}
}

func waitResult(t *testing.T, results <-chan string) string {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("no result delivered")
		return ""
	}
}

func TestListStrategies(t *testing.T) {
	app, _ := newTestApp(t)
	assert.Equal(t, []string{"fail.lua", "ok.lua"}, app.ListStrategies())
}

func TestReloadStrategies(t *testing.T) {
	app, _ := newTestApp(t)
	dir := filepath.Dir(app.cfg.Paths.Scripts)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.lua"), []byte(okScript), 0644))

	require.NoError(t, app.ReloadStrategies())
	assert.Equal(t, []string{"fail.lua", "new.lua", "ok.lua"}, app.ListStrategies())
}

func TestRunStrategy_Success(t *testing.T) {
	app, _ := newTestApp(t)
	results := make(chan string, 1)

	started := app.RunStrategy("ok.lua", "alice", "secret", "7", func(r string) { results <- r })
	require.True(t, started)
	assert.Equal(t, "http://game.example/play?u=alice&s=7", waitResult(t, results))
}

func TestRunStrategy_ScriptFailure(t *testing.T) {
	app, _ := newTestApp(t)
	results := make(chan string, 1)

	require.True(t, app.RunStrategy("fail.lua", "alice", "wrong", "7", func(r string) { results <- r }))
	result := waitResult(t, results)
	assert.True(t, strings.HasPrefix(result, dispatch.FailurePrefix), result)
	assert.Contains(t, result, "bad password")
}

func TestRunStrategy_UnknownStrategy(t *testing.T) {
	app, _ := newTestApp(t)
	results := make(chan string, 1)

	assert.False(t, app.RunStrategy("missing.lua", "u", "p", "s", func(r string) { results <- r }))
	result := waitResult(t, results)
	assert.True(t, strings.HasPrefix(result, dispatch.FailurePrefix), result)
	assert.Contains(t, result, "missing.lua")
}

func TestStartInvocation_UnknownStrategy(t *testing.T) {
	app, _ := newTestApp(t)
	_, err := app.StartInvocation("missing.lua", testCreds(), nil)
	assert.ErrorIs(t, err, strategy.ErrStrategyNotFound)
}

func TestInvocationLookup(t *testing.T) {
	app, _ := newTestApp(t)
	inv, err := app.StartInvocation("ok.lua", testCreds(), nil)
	require.NoError(t, err)

	outcome, err := inv.Wait(t.Context())
	require.NoError(t, err)
	assert.True(t, outcome.OK())

	got, ok := app.Invocation(inv.ID)
	require.True(t, ok)
	assert.Equal(t, dispatch.Completed, got.State())
}

func TestStartAccount_TouchesLastUsed(t *testing.T) {
	app, _ := newTestApp(t)
	id, err := app.AddAccount(store.Account{Username: "bob", Password: "pw", Strategy: "ok.lua", Server: "3"})
	require.NoError(t, err)

	before := time.Now().Add(-time.Second)
	inv, err := app.StartAccount(id, nil)
	require.NoError(t, err)
	outcome, err := inv.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "http://game.example/play?u=bob&s=3", outcome.URL)

	acc, err := app.Account(id)
	require.NoError(t, err)
	require.NotNil(t, acc.LastUsed)
	assert.True(t, acc.LastUsed.Time().After(before))
}

func TestStartAccount_UnknownStrategyLeavesLastUsed(t *testing.T) {
	app, _ := newTestApp(t)
	id, err := app.AddAccount(store.Account{Username: "dave", Strategy: "gone.lua"})
	require.NoError(t, err)

	_, err = app.StartAccount(id, nil)
	assert.ErrorIs(t, err, strategy.ErrStrategyNotFound)

	acc, err := app.Account(id)
	require.NoError(t, err)
	assert.Nil(t, acc.LastUsed)
}

func TestConcurrentInvocationsKeepCookiesApart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: r.URL.Query().Get("u"), Path: "/"})
			return
		}
		time.Sleep(5 * time.Millisecond)
		sid, extra := "none", "none"
		if c, err := r.Cookie("sid"); err == nil {
			sid = c.Value
		}
		if c, err := r.Cookie("extra"); err == nil {
			extra = c.Value
		}
		_, _ = w.Write([]byte(sid + ":" + extra))
	}))
	defer srv.Close()

	app, _ := newTestApp(t)
	script := fmt.Sprintf(`
local base = %q
function login(username, password, server)
  local a = agent()
  a:get(base .. "/login?u=" .. username)
  a:load_cookie(base, "extra=" .. username)
  return a:get(base .. "/whoami")
end
`, srv.URL)
	dir := filepath.Dir(app.cfg.Paths.Scripts)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cookies.lua"), []byte(script), 0644))
	require.NoError(t, app.ReloadStrategies())

	const n = 30
	invocations := make([]*dispatch.Invocation, n)
	for i := range invocations {
		creds := plugin.Credentials{Username: fmt.Sprintf("user%d", i)}
		inv, err := app.StartInvocation("cookies.lua", creds, nil)
		require.NoError(t, err)
		invocations[i] = inv
	}

	for i, inv := range invocations {
		outcome, err := inv.Wait(t.Context())
		require.NoError(t, err)
		require.True(t, outcome.OK(), outcome.String())
		user := fmt.Sprintf("user%d", i)
		assert.Equal(t, user+":"+user, outcome.URL)
	}
}

func TestStartAccount_Missing(t *testing.T) {
	app, _ := newTestApp(t)
	_, err := app.StartAccount("3f1c9a52-8f0b-4b8e-9a43-1d2f6c0e7b11", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccounts_SortedAndFiltered(t *testing.T) {
	app, _ := newTestApp(t)
	nick := "Main Tank"
	tank, err := app.AddAccount(store.Account{Username: "alice", Strategy: "ok.lua", Nickname: &nick})
	require.NoError(t, err)
	_, err = app.AddAccount(store.Account{Username: "bob", Strategy: "ok.lua"})
	require.NoError(t, err)
	used, err := app.AddAccount(store.Account{Username: "carol", Strategy: "ok.lua"})
	require.NoError(t, err)
	_, err = app.store.Touch(used, time.UnixMilli(1700000000000))
	require.NoError(t, err)

	records, err := app.Accounts("")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, used, records[0].ID)

	records, err = app.Accounts("tank")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, tank, records[0].ID)

	records, err = app.Accounts("nobody")
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestAddAccount_Validation(t *testing.T) {
	app, _ := newTestApp(t)
	_, err := app.AddAccount(store.Account{Strategy: "ok.lua"})
	assert.ErrorIs(t, err, ErrInvalidAccount)
	_, err = app.AddAccount(store.Account{Username: "u"})
	assert.ErrorIs(t, err, ErrInvalidAccount)

	id, err := app.AddAccount(store.Account{Username: "u", Strategy: "ok.lua"})
	require.NoError(t, err)
	assert.ErrorIs(t, app.ReplaceAccount(id, store.Account{}), ErrInvalidAccount)
	require.NoError(t, app.ReplaceAccount(id, store.Account{Username: "v", Strategy: "ok.lua"}))

	acc, err := app.Account(id)
	require.NoError(t, err)
	assert.Equal(t, "v", acc.Username)

	require.NoError(t, app.DeleteAccount(id))
	assert.ErrorIs(t, app.DeleteAccount(id), store.ErrNotFound)
}

func TestIsGameURL(t *testing.T) {
	assert.True(t, IsGameURL("http://s1.example/game.swf"))
	assert.True(t, IsGameURL("https://example.com"))
	assert.True(t, IsGameURL("roadclient://launch?token=1"))
	assert.False(t, IsGameURL("error: failed"))
	assert.False(t, IsGameURL(""))
}

func TestPlayFlash_Routing(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		browser bool
	}{
		{"browser host substring", "https://web.337.com/game?id=1", true},
		{"browser host prefix", "http://s12.example.com/index.html", true},
		{"flash player", "https://cdn.example.com/game.swf", false},
		{"client scheme", "roadclient://launch?token=1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, opener := newTestApp(t)
			require.NoError(t, app.PlayFlash(tt.url))

			calls := opener.Calls()
			require.Len(t, calls, 1)
			if tt.browser {
				name, args := browserCommand(tt.url)
				assert.Equal(t, name, calls[0].path)
				assert.Equal(t, args, calls[0].args)
			} else {
				assert.Equal(t, app.cfg.Paths.FlashPlayer, calls[0].path)
				assert.Equal(t, []string{tt.url}, calls[0].args)
			}
		})
	}
}

func TestPlayFlash_RejectsNonGameURL(t *testing.T) {
	app, opener := newTestApp(t)
	assert.ErrorIs(t, app.PlayFlash("error: bad password"), ErrInvalidGameURL)
	assert.Empty(t, opener.Calls())
}

func TestOpenLauncher(t *testing.T) {
	app, opener := newTestApp(t)
	assert.True(t, app.OpenLauncher())
	calls := opener.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, app.cfg.Paths.Launcher, calls[0].path)
	assert.Empty(t, calls[0].args)
}

func TestOpenLauncher_FailureReportsFalse(t *testing.T) {
	app, _ := newTestApp(t)
	app.opener = app.spawn
	// cfg.Paths.Launcher points at a file that does not exist.
	assert.False(t, app.OpenLauncher())
	assert.Zero(t, app.processes.Len())
}

func TestShutdown_Twice(t *testing.T) {
	app, _ := newTestApp(t)
	app.shutdown()
	app.shutdown()
}
