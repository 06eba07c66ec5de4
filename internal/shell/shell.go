// Package shell implements the trace shell: a small command interpreter bound
// to a loaded program's namespace. Commands arrive from the host bridge, from
// the local console, or are queued by the launcher itself.
package shell

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/joeycumines/gotrace/internal/host"
	"github.com/joeycumines/gotrace/internal/program"
)

// Scheduler is the event loop as seen by the shell.
type Scheduler interface {
	Schedule(fn func()) bool
	OnLoop() bool
}

// Sink receives everything the shell reports. *host.Conn implements it.
type Sink interface {
	Output(text string) error
	Trace(ev host.TraceEvent) error
}

// Options configures a Shell.
type Options struct {
	// Unsafe enables commands that evaluate arbitrary code in the namespace.
	Unsafe bool
	// Prompt is shown by the interactive console.
	Prompt string
	// Console is where output is echoed locally. Nil discards it.
	Console io.Writer
	// Styled enables terminal colours on Console.
	Styled bool
	// OnExit is called, on the loop, when the operator asks to end the
	// session.
	OnExit func()
	Logger *slog.Logger
}

// Shell is a trace shell session. Its methods are safe for concurrent use;
// namespace access goes through the program's lock.
type Shell struct {
	ns     *program.Namespace
	sched  Scheduler
	opts   Options
	logger *slog.Logger

	sinkMu sync.RWMutex
	sink   Sink

	consoleMu sync.Mutex

	mu     sync.Mutex
	queue  []string
	cwd    []string
	traces map[string]*tracepoint

	depth  atomic.Int32
	closed atomic.Bool

	console *console
}

// New creates a shell bound to ns. Jobs that must run on the event loop are
// handed to sched.
func New(ns *program.Namespace, sched Scheduler, opts Options) *Shell {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Prompt == "" {
		opts.Prompt = "otrace> "
	}
	return &Shell{
		ns:     ns,
		sched:  sched,
		opts:   opts,
		logger: logger,
		traces: make(map[string]*tracepoint),
	}
}

// SetSink attaches the remote end. Until it is set, output is only echoed to
// the console.
func (s *Shell) SetSink(sink Sink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sink = sink
}

// StuffLines queues command lines for the next Loop.
func (s *Shell) StuffLines(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range lines {
		s.queue = append(s.queue, strings.TrimRight(l, "\r\n"))
	}
}

// Loop executes queued lines until the queue is empty. Errors are reported
// through the shell's output and do not stop the loop.
func (s *Shell) Loop() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		line := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		_ = s.Execute(line)
	}
}

// Pending returns the number of queued lines.
func (s *Shell) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Execute runs a single command line directly. Failures are also printed.
func (s *Shell) Execute(line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	cmd, ok := commands[name]
	if !ok {
		err := fmt.Errorf("unknown command %q (try 'help')", name)
		s.printf("%v", err)
		return err
	}
	if cmd.unsafe && !s.opts.Unsafe {
		err := fmt.Errorf("%s: not permitted in safe mode", name)
		s.printf("%v", err)
		return err
	}

	s.logger.Debug("shell command", "line", line)
	err := cmd.run(s, rest)
	if err != nil {
		if errors.Is(err, program.ErrBusy) {
			s.printf("%s: program is running; try again when it returns", name)
		} else {
			s.printf("%s: %v", name, err)
		}
	}
	return err
}

// Close releases the console. It is idempotent.
func (s *Shell) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.consoleMu.Lock()
	c := s.console
	s.consoleMu.Unlock()
	if c != nil {
		return c.close()
	}
	return nil
}

// access runs fn against the namespace. On the loop it never waits for the
// lock, so a running invocation cannot stall the loop.
func (s *Shell) access(fn func(vm *goja.Runtime) error) error {
	if s.sched != nil && s.sched.OnLoop() {
		return s.ns.TryDo(fn)
	}
	return s.ns.Do(fn)
}

// onLoop runs fn on the loop, or inline if already there. If the loop is
// gone, fn runs inline too: there is nothing left to race with.
func (s *Shell) onLoop(fn func()) {
	if s.sched == nil || s.sched.OnLoop() || !s.sched.Schedule(fn) {
		fn()
	}
}

func (s *Shell) currentSink() Sink {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	return s.sink
}

// printf reports text locally and to the host. The host write happens on the
// loop.
func (s *Shell) printf(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	s.echo(text, plainStyle)
	s.onLoop(func() {
		if sink := s.currentSink(); sink != nil {
			if err := sink.Output(text); err != nil {
				s.logger.Debug("host output dropped", "error", err)
			}
		}
	})
}

func (s *Shell) echo(text string, st style) {
	if s.opts.Console == nil {
		return
	}
	if s.opts.Styled {
		text = st.render(text)
	}
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	_, _ = fmt.Fprintln(s.opts.Console, text)
}
