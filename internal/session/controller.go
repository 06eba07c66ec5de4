// Package session sequences one traced launch: load the program, connect to
// the host bridge, run the event loop, arm the trace, invoke, and then either
// finish or fall back to an interactive shell until shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/gotrace/internal/host"
	"github.com/joeycumines/gotrace/internal/loop"
	"github.com/joeycumines/gotrace/internal/program"
	"github.com/joeycumines/gotrace/internal/shell"
)

// Defaults for Options.
const (
	DefaultFunction     = "main"
	DefaultServer       = "localhost"
	DefaultReadyTimeout = time.Second
	DefaultIdleInterval = time.Second
)

// FallbackPrompt is shown under the failure report.
const FallbackPrompt = "Press Enter to trace; ^C to abort"

// Options tunes a Controller. The zero value is usable.
type Options struct {
	// NewLoop creates the session's event loop. Defaults to loop.New.
	NewLoop func() Loop

	// Notify and StopNotify install the signal handler. They default to
	// os/signal.
	Notify     func(c chan<- os.Signal, sig ...os.Signal)
	StopNotify func(c chan<- os.Signal)

	// Stdin feeds the shell console when the launch is threaded.
	Stdin io.Reader
	// Stderr receives the failure report. Defaults to os.Stderr.
	Stderr io.Writer
	Styled bool

	// ReadyTimeout bounds the wait for the trace to be armed.
	ReadyTimeout time.Duration
	// IdleInterval is the fallback idle tick.
	IdleInterval time.Duration

	Logger *slog.Logger
}

// Controller runs a single session. It owns the state, the host handle and
// the loop; nothing about a session lives in package globals.
type Controller struct {
	spec      LaunchSpec
	loader    Loader
	connector Connector
	opts      Options
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	outcome     State
	transitions []Transition
	host        HostHandle
	shell       Shell

	loop     Loop
	shutdown *ShutdownCoordinator
}

// New creates a controller for spec.
func New(spec LaunchSpec, loader Loader, connector Connector, opts Options) *Controller {
	if spec.Function == "" {
		spec.Function = DefaultFunction
	}
	if spec.Server == "" {
		spec.Server = DefaultServer
	}
	if spec.Port == 0 {
		spec.Port = host.DefaultPort
	}
	if opts.NewLoop == nil {
		opts.NewLoop = func() Loop { return loop.New() }
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		spec:      spec,
		loader:    loader,
		connector: connector,
		opts:      opts,
		logger:    logger,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Outcome returns Succeeded or InteractiveFallback once the invocation has
// finished. Before that, or if it never ran, it returns the current state.
func (c *Controller) Outcome() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome != Idle {
		return c.outcome
	}
	return c.state
}

// Transitions returns the state changes so far, in order.
func (c *Controller) Transitions() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition(nil), c.transitions...)
}

// Host returns the live host handle, or nil once shut down.
func (c *Controller) Host() HostHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// RequestShutdown ends the session from outside, e.g. on behalf of an
// operator. It is a no-op before the loop exists.
func (c *Controller) RequestShutdown(reason string) {
	c.mu.Lock()
	sd := c.shutdown
	c.mu.Unlock()
	if sd != nil {
		sd.RequestShutdown(reason)
	}
}

// transition moves to the next state. Once shutdown has begun an outcome is
// still recorded but the state stays put. It reports whether the state
// changed.
func (c *Controller) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if to == Succeeded || to == InteractiveFallback {
		if c.outcome == Idle {
			c.outcome = to
		}
	}
	if c.state == ShuttingDown || c.state == Closed {
		if to.isOutcome() {
			return false
		}
	}
	if !CanTransition(c.state, to) {
		if c.state != to {
			c.logger.Debug("state transition refused", "from", c.state, "to", to)
		}
		return false
	}
	c.transitions = append(c.transitions, Transition{From: c.state, To: to})
	c.logger.Debug("session state", "from", c.state, "to", to)
	c.state = to
	return true
}

// Run executes the session to completion. The error is non-nil only for
// load and connect failures; an invocation failure becomes the
// InteractiveFallback outcome instead.
func (c *Controller) Run(ctx context.Context) (outcome State, err error) {
	c.transition(Loading)
	prog, err := c.loader.Load(c.spec.FilePath, c.spec.Function)
	if err != nil {
		c.transition(Closed)
		return c.Outcome(), err
	}
	hostName := c.spec.HostName
	if hostName == "" {
		hostName = prog.Name()
	}

	c.transition(Connecting)
	lp := c.opts.NewLoop()
	sd := NewShutdownCoordinator(lp, c.shutdownAction, c.logger)
	c.mu.Lock()
	c.loop = lp
	c.shutdown = sd
	c.mu.Unlock()

	conn, err := c.connector.Connect(ctx, ConnectRequest{
		HostName:   hostName,
		Server:     c.spec.Server,
		Port:       c.spec.Port,
		Namespace:  prog.Namespace(),
		Scheduler:  lp,
		Threaded:   c.spec.Threaded,
		Unsafe:     c.spec.Unsafe,
		InitScript: c.spec.InitScript,
		OnExit:     func() { sd.RequestShutdown("operator exit") },
	})
	if err != nil {
		c.transition(ShuttingDown)
		lp.Stop()
		c.transition(Closed)
		var ce *ConnectionError
		if !errors.As(err, &ce) {
			err = &ConnectionError{Server: c.spec.Server, Port: c.spec.Port, HostName: hostName, Err: err}
		}
		return c.Outcome(), err
	}
	c.mu.Lock()
	c.host = conn.Host
	c.shell = conn.Shell
	c.mu.Unlock()
	c.logger.Info("connected to host bridge", "server", c.spec.Server, "port", c.spec.Port, "host", hostName)

	var stopSignals func()
	defer func() {
		sd.RequestShutdown("session complete")
		sd.Wait()
		if stopSignals != nil {
			stopSignals()
		}
		outcome = c.Outcome()
	}()

	c.transition(LoopStarting)
	lp.Start()
	stopSignals = c.watchSignals()
	if c.spec.Threaded && c.opts.Stdin != nil {
		if err := conn.Shell.StartConsole(c.opts.Stdin); err != nil {
			c.logger.Warn("console unavailable", "error", err)
		}
	}

	if !c.transition(TraceArmed) {
		return c.Outcome(), nil
	}
	conn.Shell.StuffLines("trace " + c.spec.Function)
	conn.Shell.Loop()
	c.awaitArmed(conn.Shell, lp)

	if !c.transition(Invoking) {
		return c.Outcome(), nil
	}
	finished, callErr := c.invoke(prog, lp)
	if !finished {
		c.logger.Warn("session ended while the invocation was still running", "function", c.spec.Function)
		return c.Outcome(), nil
	}
	if callErr == nil {
		c.transition(Succeeded)
		c.logger.Info("invocation returned", "function", c.spec.Function)
		return c.Outcome(), nil
	}

	c.transition(Failed)
	c.transition(InteractiveFallback)
	c.logger.Warn("invocation failed, entering interactive fallback", "function", c.spec.Function, "error", callErr)
	c.reportFailure(callErr)
	if err := conn.Shell.Execute("cd " + shell.RootContext); err != nil {
		c.logger.Warn("resetting shell context failed", "error", err)
	}
	c.idle(ctx, lp)
	return c.Outcome(), nil
}

func (c *Controller) awaitArmed(sh Shell, lp Loop) {
	armed, ok := sh.Armed(c.spec.Function)
	if !ok {
		c.logger.Warn("trace was not armed", "function", c.spec.Function)
		return
	}
	t := time.NewTimer(c.opts.ReadyTimeout)
	defer t.Stop()
	select {
	case <-armed:
	case <-lp.Done():
	case <-t.C:
		c.logger.Warn("trace not acknowledged in time, invoking anyway", "function", c.spec.Function, "timeout", c.opts.ReadyTimeout)
	}
}

// invoke runs the call and waits for it, unless the loop stops first. An
// abandoned call keeps running; there is no way to interrupt it.
func (c *Controller) invoke(prog Program, lp Loop) (finished bool, err error) {
	result := make(chan error, 1)
	go func() { result <- prog.Call(c.spec.Function, c.spec.Args) }()
	select {
	case err := <-result:
		return true, err
	case <-lp.Done():
		select {
		case err := <-result:
			return true, err
		default:
			return false, nil
		}
	}
}

func (c *Controller) reportFailure(err error) {
	text := err.Error()
	var ie *program.InvocationError
	if errors.As(err, &ie) && ie.Stack != "" {
		text = ie.Stack
	}
	_, _ = fmt.Fprintln(c.opts.Stderr, shell.Banner(text, c.opts.Styled))
	_, _ = fmt.Fprintln(c.opts.Stderr, FallbackPrompt)
}

// idle keeps the foreground parked while the shell stays available. Only
// shutdown, or ctx, ends it.
func (c *Controller) idle(ctx context.Context, lp Loop) {
	ticker := time.NewTicker(c.opts.IdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lp.Done():
			return
		case <-ctx.Done():
			c.logger.Info("context done, leaving interactive fallback", "error", ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

// shutdownAction runs once, on the loop.
func (c *Controller) shutdownAction(reason string) {
	c.logger.Info("Shutting down", "reason", reason)
	c.transition(ShuttingDown)

	c.mu.Lock()
	sh, h, lp := c.shell, c.host, c.loop
	c.host = nil
	c.mu.Unlock()

	if sh != nil {
		if err := sh.Close(); err != nil {
			c.logger.Warn("closing shell failed", "error", err)
		}
	}
	if h != nil {
		if err := h.Close(); err != nil {
			c.logger.Warn("closing host connection failed", "error", err)
		}
	}
	if lp != nil {
		lp.Stop()
	}
	c.transition(Closed)
}
