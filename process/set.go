package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ErrShutdown is returned by Spawn after Shutdown.
var ErrShutdown = errors.New("process set is shut down")

// Handle is a child process that can be terminated.
type Handle interface {
	Pid() int
	Kill() error
}

// Set tracks auxiliary child processes so they can all be killed at teardown.
type Set struct {
	logger *zap.Logger

	mu      sync.Mutex
	handles []Handle
	closed  bool
}

// NewSet creates an empty Set.
func NewSet(logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{logger: logger}
}

// Spawn starts path with args and tracks it. The process is reaped by a
// background goroutine when it exits; it stays tracked until Shutdown.
func (s *Set) Spawn(path string, args ...string) (Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	h := &cmdHandle{cmd: cmd, name: filepath.Base(path), done: make(chan struct{})}
	go h.reap(s.logger)

	if err := s.Track(h); err != nil {
		_ = h.Kill()
		return nil, err
	}
	s.logger.Info("Spawned process", zap.String("name", h.name), zap.Int("pid", h.Pid()))
	return h, nil
}

// Track adds an already running process to the set.
func (s *Set) Track(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	s.handles = append(s.handles, h)
	return nil
}

// Len returns the number of tracked processes.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Shutdown kills every tracked process exactly once and returns how many
// were signalled. Processes that already exited are not an error. Later
// calls kill nothing.
func (s *Set) Shutdown() int {
	s.mu.Lock()
	handles := s.handles
	s.handles = nil
	s.closed = true
	s.mu.Unlock()

	for _, h := range handles {
		if err := h.Kill(); err != nil {
			s.logger.Warn("Failed to kill process", zap.Int("pid", h.Pid()), zap.Error(err))
			continue
		}
		s.logger.Debug("Killed process", zap.Int("pid", h.Pid()))
	}
	return len(handles)
}

type cmdHandle struct {
	cmd  *exec.Cmd
	name string
	done chan struct{}
}

func (h *cmdHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *cmdHandle) Kill() error {
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done is closed once the process has exited and been reaped.
func (h *cmdHandle) Done() <-chan struct{} {
	return h.done
}

func (h *cmdHandle) reap(logger *zap.Logger) {
	defer close(h.done)
	err := h.cmd.Wait()
	fields := []zap.Field{zap.String("name", h.name), zap.Int("pid", h.Pid())}
	if err != nil {
		logger.Debug("Process exited", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("Process exited", fields...)
}
