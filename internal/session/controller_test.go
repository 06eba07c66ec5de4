package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/joeycumines/gotrace/internal/host"
	"github.com/joeycumines/gotrace/internal/host/hosttest"
	"github.com/joeycumines/gotrace/internal/loop"
	"github.com/joeycumines/gotrace/internal/program"
	"github.com/joeycumines/gotrace/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProgram struct {
	name    string
	callErr error
	block   chan struct{}
	entered chan struct{}
	calls   atomic.Int32
}

func (p *fakeProgram) Name() string                  { return p.name }
func (p *fakeProgram) Namespace() *program.Namespace { return nil }
func (p *fakeProgram) Call(string, []string) error {
	p.calls.Add(1)
	if p.entered != nil {
		close(p.entered)
	}
	if p.block != nil {
		<-p.block
	}
	return p.callErr
}

type fakeLoader struct {
	prog  Program
	err   error
	calls atomic.Int32
}

func (l *fakeLoader) Load(string, string) (Program, error) {
	l.calls.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	return l.prog, nil
}

type fakeHost struct {
	closes atomic.Int32
	err    error
}

func (h *fakeHost) Close() error {
	h.closes.Add(1)
	return h.err
}

type fakeShell struct {
	mu       sync.Mutex
	queue    []string
	executed []string
	armed    map[string]chan struct{}
	noAck    bool
	closes   atomic.Int32
	consoles atomic.Int32
}

func newFakeShell() *fakeShell {
	return &fakeShell{armed: make(map[string]chan struct{})}
}

func (s *fakeShell) StuffLines(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, lines...)
}

func (s *fakeShell) Loop() {
	s.mu.Lock()
	lines := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, l := range lines {
		_ = s.Execute(l)
	}
}

func (s *fakeShell) Execute(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, line)
	if fn, ok := strings.CutPrefix(line, "trace "); ok {
		ch := make(chan struct{})
		if !s.noAck {
			close(ch)
		}
		s.armed[fn] = ch
	}
	return nil
}

func (s *fakeShell) Executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.executed)
}

func (s *fakeShell) Armed(fn string) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.armed[fn]
	return ch, ok
}

func (s *fakeShell) StartConsole(io.Reader) error {
	s.consoles.Add(1)
	return nil
}

func (s *fakeShell) Close() error {
	s.closes.Add(1)
	return nil
}

type fakeConnector struct {
	host  *fakeHost
	shell *fakeShell
	err   error
	calls atomic.Int32

	mu  sync.Mutex
	req ConnectRequest
}

func (c *fakeConnector) Connect(_ context.Context, req ConnectRequest) (*Connection, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.req = req
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &Connection{Host: c.host, Secret: "s", Shell: c.shell}, nil
}

func (c *fakeConnector) Request() ConnectRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.req
}

type countingLoop struct {
	*loop.Runner
	starts atomic.Int32
	stops  atomic.Int32
}

func (l *countingLoop) Start() {
	l.starts.Add(1)
	l.Runner.Start()
}

func (l *countingLoop) Stop() {
	l.stops.Add(1)
	l.Runner.Stop()
}

type harness struct {
	loader    *fakeLoader
	prog      *fakeProgram
	connector *fakeConnector
	loops     []*countingLoop
	newLoops  atomic.Int32
	signals   chan chan<- os.Signal
	stderr    *bytes.Buffer
	opts      Options
}

func newHarness() *harness {
	h := &harness{
		prog:      &fakeProgram{name: "demo"},
		connector: &fakeConnector{host: &fakeHost{}, shell: newFakeShell()},
		signals:   make(chan chan<- os.Signal, 1),
		stderr:    &bytes.Buffer{},
	}
	h.loader = &fakeLoader{prog: h.prog}
	h.opts = Options{
		NewLoop: func() Loop {
			h.newLoops.Add(1)
			l := &countingLoop{Runner: loop.New()}
			h.loops = append(h.loops, l)
			return l
		},
		Notify:       func(c chan<- os.Signal, _ ...os.Signal) { h.signals <- c },
		StopNotify:   func(chan<- os.Signal) {},
		Stderr:       h.stderr,
		ReadyTimeout: time.Second,
		IdleInterval: 5 * time.Millisecond,
	}
	return h
}

func (h *harness) controller(spec LaunchSpec) *Controller {
	if spec.FilePath == "" {
		spec.FilePath = "demo.js"
	}
	return New(spec, h.loader, h.connector, h.opts)
}

func (h *harness) signal(t *testing.T, sig os.Signal) {
	t.Helper()
	select {
	case ch := <-h.signals:
		ch <- sig
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler never installed")
	}
}

func states(ts []Transition) []State {
	out := []State{Idle}
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func TestRun_Success(t *testing.T) {
	h := newHarness()
	c := h.controller(LaunchSpec{Function: "main", Server: "localhost", Port: 9999})

	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Succeeded, outcome)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, []State{Idle, Loading, Connecting, LoopStarting, TraceArmed, Invoking, Succeeded, ShuttingDown, Closed}, states(c.Transitions()))

	req := h.connector.Request()
	assert.Equal(t, "demo", req.HostName, "host name defaults to the module name")
	assert.Equal(t, 9999, req.Port)

	assert.Equal(t, int32(1), h.prog.calls.Load())
	assert.Equal(t, []string{"trace main"}, h.connector.shell.Executed())
	assert.Equal(t, int32(1), h.connector.host.closes.Load())
	assert.Equal(t, int32(1), h.connector.shell.closes.Load())
	require.Len(t, h.loops, 1)
	assert.Equal(t, int32(1), h.loops[0].starts.Load())
	assert.Equal(t, int32(1), h.loops[0].stops.Load())
	assert.True(t, h.loops[0].Stopped())
	assert.Nil(t, c.Host())
}

func TestRun_FallbackStaysUpUntilSignal(t *testing.T) {
	h := newHarness()
	h.prog.callErr = &program.InvocationError{Function: "main", Stack: "Error: kaboom\n\tat main", Err: errors.New("kaboom")}
	c := h.controller(LaunchSpec{})

	done := make(chan State, 1)
	go func() {
		o, err := c.Run(context.Background())
		assert.NoError(t, err)
		done <- o
	}()

	var sigCh chan<- os.Signal
	select {
	case sigCh = <-h.signals:
	case <-time.After(2 * time.Second):
		t.Fatal("signal handler never installed")
	}

	require.Eventually(t, func() bool {
		return slices.Contains(h.connector.shell.Executed(), "cd "+shell.RootContext)
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, InteractiveFallback, c.State())
	assert.Equal(t, InteractiveFallback, c.Outcome())

	// parked: nothing ends the session on its own
	select {
	case <-done:
		t.Fatal("fallback returned without a shutdown request")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, h.connector.host.closes.Load())

	sigCh <- syscall.SIGTERM
	select {
	case o := <-done:
		assert.Equal(t, InteractiveFallback, o)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after SIGTERM")
	}

	assert.Equal(t, []State{Idle, Loading, Connecting, LoopStarting, TraceArmed, Invoking, Failed, InteractiveFallback, ShuttingDown, Closed}, states(c.Transitions()))
	assert.Equal(t, int32(1), h.connector.host.closes.Load())
	assert.Equal(t, int32(1), h.loops[0].stops.Load())
	assert.Contains(t, h.stderr.String(), "Error: kaboom")
	assert.Contains(t, h.stderr.String(), FallbackPrompt)
	for _, tr := range c.Transitions() {
		assert.False(t, tr.From == Failed && tr.To == Invoking)
	}
}

func TestRun_OperatorExitEndsFallback(t *testing.T) {
	h := newHarness()
	h.prog.callErr = errors.New("plain failure")
	c := h.controller(LaunchSpec{})

	done := make(chan State, 1)
	go func() {
		o, _ := c.Run(context.Background())
		done <- o
	}()
	require.Eventually(t, func() bool { return c.State() == InteractiveFallback }, 2*time.Second, time.Millisecond)

	h.connector.Request().OnExit()
	select {
	case o := <-done:
		assert.Equal(t, InteractiveFallback, o)
	case <-time.After(2 * time.Second):
		t.Fatal("operator exit did not end the session")
	}
	assert.Contains(t, h.stderr.String(), "plain failure")
}

func TestRun_LoadErrorTouchesNothing(t *testing.T) {
	h := newHarness()
	h.loader.err = &program.LoadError{Path: "missing.js", Err: program.ErrFileUnreadable}
	c := h.controller(LaunchSpec{FilePath: "missing.js"})

	_, err := c.Run(context.Background())
	var le *program.LoadError
	require.ErrorAs(t, err, &le)
	assert.Zero(t, h.connector.calls.Load())
	assert.Zero(t, h.newLoops.Load())
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, []State{Idle, Loading, Closed}, states(c.Transitions()))
}

func TestRun_ConnectErrorIsFatal(t *testing.T) {
	h := newHarness()
	h.connector.err = errors.New("connection refused")
	c := h.controller(LaunchSpec{Server: "localhost", Port: 9999})

	_, err := c.Run(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 9999, ce.Port)

	assert.Equal(t, []State{Idle, Loading, Connecting, ShuttingDown, Closed}, states(c.Transitions()))
	require.Len(t, h.loops, 1)
	assert.Zero(t, h.loops[0].starts.Load())
	assert.Zero(t, h.prog.calls.Load())
	assert.Nil(t, c.Host())
}

func TestRun_SignalDuringInvocation(t *testing.T) {
	h := newHarness()
	h.prog.block = make(chan struct{})
	h.prog.entered = make(chan struct{})
	defer close(h.prog.block)
	c := h.controller(LaunchSpec{})

	done := make(chan State, 1)
	go func() {
		o, _ := c.Run(context.Background())
		done <- o
	}()
	<-h.prog.entered
	h.signal(t, syscall.SIGTERM)

	select {
	case o := <-done:
		assert.Equal(t, Closed, o, "no outcome was reached")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return while the invocation was blocked")
	}
	assert.Equal(t, []State{Idle, Loading, Connecting, LoopStarting, TraceArmed, Invoking, ShuttingDown, Closed}, states(c.Transitions()))
	assert.Equal(t, int32(1), h.connector.host.closes.Load())
}

func TestRun_ProceedsWhenArmingIsNotAcknowledged(t *testing.T) {
	h := newHarness()
	h.connector.shell.noAck = true
	h.opts.ReadyTimeout = 20 * time.Millisecond
	c := h.controller(LaunchSpec{})

	start := time.Now()
	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Succeeded, outcome)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int32(1), h.prog.calls.Load())
}

func TestRun_ThreadedStartsConsole(t *testing.T) {
	h := newHarness()
	h.opts.Stdin = bytes.NewReader(nil)
	c := h.controller(LaunchSpec{Threaded: true, InitScript: "demo.trc"})
	_, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.connector.shell.consoles.Load())
	assert.True(t, h.connector.Request().Threaded)
	assert.Equal(t, "demo.trc", h.connector.Request().InitScript)
}

func TestRun_HostCloseErrorIsOnlyLogged(t *testing.T) {
	h := newHarness()
	h.connector.host.err = errors.New("broken pipe")
	c := h.controller(LaunchSpec{})
	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Succeeded, outcome)
	assert.Equal(t, Closed, c.State())
}

func TestRun_EndToEndWithBridge(t *testing.T) {
	bridge := hosttest.New(t, "s3cret")
	server, port := bridge.Addr()

	dir := t.TempDir()
	path := filepath.Join(dir, "demo.js")
	require.NoError(t, os.WriteFile(path, []byte(`
function square(n) { return n * n; }
function main(argv) { return square(argv ? argv.length : 3); }
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.trc"), []byte("# init\ntrace square\n"), 0o644))

	c := New(LaunchSpec{
		Server:     server,
		Port:       port,
		FilePath:   path,
		Args:       []string{"a", "b"},
		InitScript: filepath.Join(dir, "demo.trc"),
	}, ProgramLoader{}, &BridgeConnector{HandshakeTimeout: time.Second}, Options{
		Notify:     func(chan<- os.Signal, ...os.Signal) {},
		StopNotify: func(chan<- os.Signal) {},
		Stderr:     io.Discard,
	})

	outcome, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Succeeded, outcome)

	bridge.WaitDisconnects(1, 2*time.Second)
	var byes int
	var returned []string
	for _, m := range bridge.Messages() {
		switch m.Type {
		case host.TypeBye:
			byes++
		case host.TypeTrace:
			if m.Event.Kind == shell.EventReturn {
				returned = append(returned, m.Event.Function+"="+m.Event.Result)
			}
		}
	}
	assert.Equal(t, []string{"demo"}, bridge.HelloHosts())
	assert.Equal(t, 1, byes)
	assert.Equal(t, []string{"square=4", "main=4"}, returned)
}

func TestRun_EndToEndConnectRefused(t *testing.T) {
	bridge := hosttest.New(t, "x")
	bridge.Reject("demo", "host name in use")
	server, port := bridge.Addr()

	path := filepath.Join(t.TempDir(), "demo.js")
	require.NoError(t, os.WriteFile(path, []byte("function main() {}"), 0o644))

	c := New(LaunchSpec{Server: server, Port: port, FilePath: path}, ProgramLoader{}, &BridgeConnector{}, Options{Stderr: io.Discard})
	_, err := c.Run(context.Background())
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	var re *host.RejectedError
	assert.ErrorAs(t, err, &re)
	assert.Equal(t, Closed, c.State())
}

func TestProgramLoader_MissingFunction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.js")
	require.NoError(t, os.WriteFile(path, []byte("var x = 1;"), 0o644))
	_, err := ProgramLoader{}.Load(path, "main")
	assert.ErrorIs(t, err, program.ErrTargetFunctionMissing)
}
