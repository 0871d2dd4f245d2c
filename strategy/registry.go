package strategy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// ErrStrategyNotFound is returned when a name is not present in the registry.
var ErrStrategyNotFound = errors.New("strategy not found")

// Registry maps a strategy name (the script's base filename) to its source.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]string)}
}

// Load creates a registry and fills it from pattern.
func Load(pattern string) (*Registry, error) {
	r := NewRegistry()
	if err := r.Load(pattern); err != nil {
		return nil, err
	}
	return r, nil
}

// Load reads every file matching pattern and merges it into the registry.
// Existing names are overwritten, nothing is removed. Any unreadable or
// non-UTF-8 file aborts the load and leaves the registry unchanged.
func (r *Registry) Load(pattern string) error {
	files, err := match(pattern)
	if err != nil {
		return err
	}

	loaded := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read strategy %s: %w", file, err)
		}
		if !utf8.Valid(data) {
			return fmt.Errorf("failed to read strategy %s: not valid UTF-8", file)
		}
		loaded[filepath.Base(file)] = string(data)
	}

	r.mu.Lock()
	for name, src := range loaded {
		r.scripts[name] = src
	}
	r.mu.Unlock()
	return nil
}

// List returns the names of all loaded strategies, in no particular order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.scripts))
	for name := range r.scripts {
		names = append(names, name)
	}
	return names
}

// Get returns the source of the named strategy.
func (r *Registry) Get(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src, ok := r.scripts[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrStrategyNotFound, name)
	}
	return src, nil
}

// Len returns the number of loaded strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}

// match returns the regular files matching pattern. "*" stays inside one
// path segment, "**" crosses segments.
func match(pattern string) ([]string, error) {
	slashed := path.Clean(filepath.ToSlash(pattern))
	g, err := glob.Compile(slashed, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid strategy pattern %q: %w", pattern, err)
	}

	root, rest := splitStatic(slashed)
	// Without "**" nothing deeper than the pattern itself can match.
	maxDepth := -1
	if !strings.Contains(rest, "**") {
		maxDepth = strings.Count(rest, "/") + 1
	}

	if !hasMeta(rest) {
		// A plain file path.
		info, err := os.Stat(filepath.FromSlash(slashed))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to stat %s: %w", pattern, err)
		}
		if info.IsDir() {
			return nil, nil
		}
		return []string{filepath.FromSlash(slashed)}, nil
	}

	var files []string
	walkRoot := "."
	if root != "" {
		walkRoot = filepath.Clean(filepath.FromSlash(root))
	}
	err = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == walkRoot && errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		candidate := filepath.ToSlash(p)
		if d.IsDir() {
			if p != walkRoot && maxDepth >= 0 && depth(root, candidate) >= maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !isRegular(p, d) {
			return nil
		}
		if g.Match(candidate) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategies under %s: %w", walkRoot, err)
	}
	return files, nil
}

// splitStatic splits a slash pattern into its leading meta-free directory
// and the remainder. The root keeps a trailing slash when it is non-empty.
func splitStatic(pattern string) (root, rest string) {
	segments := strings.Split(pattern, "/")
	i := 0
	for ; i < len(segments)-1; i++ {
		if hasMeta(segments[i]) {
			break
		}
	}
	if i == 0 {
		return "", pattern
	}
	root = strings.Join(segments[:i], "/") + "/"
	return root, strings.Join(segments[i:], "/")
}

func depth(root, p string) int {
	rel := strings.TrimPrefix(p, root)
	if rel == "" || rel == "." {
		return 0
	}
	return strings.Count(rel, "/") + 1
}

func isRegular(p string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(p)
		return err == nil && info.Mode().IsRegular()
	}
	return d.Type().IsRegular()
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{\\")
}
