package strategy

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

func sorted(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

func TestLoad_MatchesPattern(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "337.lua", "function login() return 'a' end")
	writeScript(t, dir, "ddtank.lua", "function login() return 'b' end")
	writeScript(t, dir, "notes.txt", "ignored")
	writeScript(t, dir, filepath.Join("nested", "deep.lua"), "ignored too")

	r, err := Load(filepath.Join(dir, "*.lua"))
	require.NoError(t, err)

	assert.Equal(t, []string{"337.lua", "ddtank.lua"}, sorted(r.List()))
	src, err := r.Get("ddtank.lua")
	require.NoError(t, err)
	assert.Equal(t, "function login() return 'b' end", src)
}

func TestLoad_DoubleStarCrossesDirectories(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "top.lua", "top")
	writeScript(t, dir, filepath.Join("a", "b", "deep.lua"), "deep")

	r, err := Load(filepath.Join(dir, "**.lua"))
	require.NoError(t, err)
	assert.Equal(t, []string{"deep.lua", "top.lua"}, sorted(r.List()))
}

func TestLoad_PlainFile(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "only.lua", "only")

	r, err := Load(filepath.Join(dir, "only.lua"))
	require.NoError(t, err)
	assert.Equal(t, []string{"only.lua"}, r.List())
}

func TestLoad_NoMatches(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "missing", "*.lua"))
	require.NoError(t, err)
	assert.Empty(t, r.List())
}

func TestLoad_InvalidPattern(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "[*.lua"))
	assert.Error(t, err)
}

func TestLoad_InvalidUTF8IsFatal(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "good.lua", "good")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.lua"), []byte{0xff, 0xfe, 0x00}, 0644))

	r := NewRegistry()
	err := r.Load(filepath.Join(dir, "*.lua"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.lua")
	assert.Zero(t, r.Len())
}

func TestLoad_MergesAndOverwrites(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeScript(t, first, "a.lua", "a1")
	writeScript(t, first, "b.lua", "b1")
	writeScript(t, second, "b.lua", "b2")
	writeScript(t, second, "c.lua", "c2")

	r, err := Load(filepath.Join(first, "*.lua"))
	require.NoError(t, err)
	require.NoError(t, r.Load(filepath.Join(second, "*.lua")))

	assert.Equal(t, []string{"a.lua", "b.lua", "c.lua"}, sorted(r.List()))
	src, err := r.Get("b.lua")
	require.NoError(t, err)
	assert.Equal(t, "b2", src)
}

func TestGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope.lua")
	require.ErrorIs(t, err, ErrStrategyNotFound)
	assert.Contains(t, err.Error(), "nope.lua")
}

func TestRegistry_ConcurrentReload(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.lua", "a")
	r, err := Load(filepath.Join(dir, "*.lua"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Load(filepath.Join(dir, "*.lua")))
		}()
		go func() {
			defer wg.Done()
			_, err := r.Get("a.lua")
			assert.NoError(t, err)
			_ = r.List()
		}()
	}
	wg.Wait()
}
