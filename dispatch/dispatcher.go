package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ddlauncher/plugin"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRetainFor is how long a finished invocation stays queryable.
const DefaultRetainFor = 5 * time.Minute

// FailurePrefix tags a failed result string.
const FailurePrefix = "error: "

// ErrPanic marks an invocation whose runner panicked.
var ErrPanic = errors.New("strategy panicked")

// Source resolves a strategy name to its script text.
type Source interface {
	Get(name string) (string, error)
}

// Runner executes one strategy script.
type Runner interface {
	Run(ctx context.Context, name, source string, creds plugin.Credentials) (string, error)
}

// State is the lifecycle position of an invocation.
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Outcome is the terminal value of an invocation: a launch URL or an error.
type Outcome struct {
	URL string
	Err error
}

// String renders the outcome as the single tagged string the UI expects.
func (o Outcome) String() string {
	if o.Err != nil {
		return FailurePrefix + o.Err.Error()
	}
	return o.URL
}

// OK reports whether the outcome carries a URL.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// ParseResult reverses Outcome.String.
func ParseResult(s string) Outcome {
	if msg, ok := strings.CutPrefix(s, FailurePrefix); ok {
		return Outcome{Err: errors.New(msg)}
	}
	return Outcome{URL: s}
}

// Invocation tracks one run of a strategy.
type Invocation struct {
	ID       string
	Strategy string
	Started  time.Time

	mu       sync.RWMutex
	state    State
	outcome  Outcome
	finished time.Time
	done     chan struct{}
}

// State returns the current state.
func (i *Invocation) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Outcome returns the terminal outcome, or false while still in flight.
func (i *Invocation) Outcome() (Outcome, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.outcome, i.state.Terminal()
}

// Finished returns when the invocation reached a terminal state.
func (i *Invocation) Finished() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.finished
}

// Done is closed once the invocation is terminal.
func (i *Invocation) Done() <-chan struct{} {
	return i.done
}

// Wait blocks until the invocation is terminal or ctx ends.
func (i *Invocation) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-i.done:
		o, _ := i.Outcome()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (i *Invocation) setState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

func (i *Invocation) finish(o Outcome) {
	i.mu.Lock()
	i.outcome = o
	i.finished = time.Now()
	if o.Err != nil {
		i.state = Failed
	} else {
		i.state = Completed
	}
	i.mu.Unlock()
	close(i.done)
}

// Dispatcher runs each strategy invocation on its own goroutine.
type Dispatcher struct {
	source    Source
	runner    Runner
	logger    *zap.Logger
	retainFor time.Duration

	mu          sync.RWMutex
	invocations map[string]*Invocation
	timers      map[string]*time.Timer
	closed      bool
	wg          sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetention sets how long finished invocations are kept for Lookup.
// Zero forgets them as soon as they finish.
func WithRetention(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d >= 0 {
			disp.retainFor = d
		}
	}
}

// New creates a Dispatcher.
func New(source Source, runner Runner, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		source:      source,
		runner:      runner,
		logger:      logger,
		retainFor:   DefaultRetainFor,
		invocations: make(map[string]*Invocation),
		timers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves name and starts it in the background. It returns
// immediately; done, if not nil, is called exactly once with the terminal
// outcome. An unknown name is reported here and done is never called.
func (d *Dispatcher) Dispatch(name string, creds plugin.Credentials, done func(Outcome)) (*Invocation, error) {
	source, err := d.source.Get(name)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		ID:       uuid.NewString(),
		Strategy: name,
		Started:  time.Now(),
		state:    Pending,
		done:     make(chan struct{}),
	}

	d.mu.Lock()
	d.invocations[inv.ID] = inv
	d.mu.Unlock()

	d.wg.Add(1)
	go d.execute(inv, source, creds, done)

	return inv, nil
}

func (d *Dispatcher) execute(inv *Invocation, source string, creds plugin.Credentials, done func(Outcome)) {
	defer d.wg.Done()
	logger := d.logger.With(zap.String("invocation", inv.ID), zap.String("strategy", inv.Strategy))

	var outcome Outcome
	defer func() {
		// A panicking runner becomes a Failed outcome.
		if r := recover(); r != nil {
			logger.Error("Strategy panicked", zap.Any("panic", r))
			outcome = Outcome{Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
		d.complete(inv, outcome, done, logger)
	}()

	inv.setState(Running)
	logger.Info("Invocation started")

	url, err := d.runner.Run(context.Background(), inv.Strategy, source, creds)
	outcome = Outcome{URL: url, Err: err}
}

func (d *Dispatcher) complete(inv *Invocation, outcome Outcome, done func(Outcome), logger *zap.Logger) {
	inv.finish(outcome)

	fields := []zap.Field{
		zap.Stringer("state", inv.State()),
		zap.Duration("elapsed", inv.Finished().Sub(inv.Started)),
	}
	if outcome.Err != nil {
		logger.Warn("Invocation failed", append(fields, zap.Error(outcome.Err))...)
	} else {
		logger.Info("Invocation completed", fields...)
	}

	d.scheduleForget(inv.ID)

	if done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Completion handler panicked", zap.Any("panic", r))
		}
	}()
	done(outcome)
}

func (d *Dispatcher) scheduleForget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retainFor == 0 || d.closed {
		delete(d.invocations, id)
		return
	}
	d.timers[id] = time.AfterFunc(d.retainFor, func() {
		d.forget(id)
	})
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.invocations, id)
	delete(d.timers, id)
}

// Lookup returns a running or recently finished invocation.
func (d *Dispatcher) Lookup(id string) (*Invocation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inv, ok := d.invocations[id]
	return inv, ok
}

// Len returns the number of tracked invocations.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.invocations)
}

// Wait blocks until every dispatched invocation has delivered its outcome.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops the retention timers and forgets finished invocations.
// Running invocations are not interrupted; they are forgotten as soon as
// they finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.invocations, id)
		delete(d.timers, id)
	}
}
