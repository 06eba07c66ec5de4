package shell

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/gotrace/internal/host"
	"github.com/joeycumines/gotrace/internal/loop"
	"github.com/joeycumines/gotrace/internal/program"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoProgram = `
var greeting = "hi";
var cfg = { level: { depth: 2 }, name: "cfg" };
function add(a, b) { return (a || 0) + (b || 0); }
function boom() { throw new Error("kaboom"); }
function main(argv) { return add(1, 2); }
`

type recordingSink struct {
	mu      sync.Mutex
	outputs []string
	events  []host.TraceEvent
}

func (r *recordingSink) Output(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, text)
	return nil
}

func (r *recordingSink) Trace(ev host.TraceEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Outputs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outputs...)
}

func (r *recordingSink) Events() []host.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]host.TraceEvent(nil), r.events...)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

type fixture struct {
	sh      *Shell
	prog    *program.Program
	loop    *loop.Runner
	sink    *recordingSink
	console *syncBuffer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.js")
	require.NoError(t, os.WriteFile(path, []byte(demoProgram), 0o644))
	prog, err := program.Load(path)
	require.NoError(t, err)

	r := loop.New()
	r.Start()
	t.Cleanup(r.Stop)

	f := &fixture{prog: prog, loop: r, sink: &recordingSink{}, console: &syncBuffer{}}
	opts.Console = f.console
	f.sh = New(prog.Namespace(), r, opts)
	f.sh.SetSink(f.sink)
	t.Cleanup(func() { _ = f.sh.Close() })
	return f
}

// onLoop runs line on the loop and waits for it.
func (f *fixture) onLoop(t *testing.T, line string) error {
	t.Helper()
	var err error
	require.NoError(t, f.loop.RunSync(func() error {
		err = f.sh.Execute(line)
		return nil
	}))
	return err
}

func (f *fixture) waitOutput(t *testing.T, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, o := range f.sink.Outputs() {
			if strings.Contains(o, substr) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no output containing %q; got %q", substr, f.sink.Outputs())
}

func TestExecute_UnknownAndBlank(t *testing.T) {
	f := newFixture(t, Options{})
	assert.NoError(t, f.sh.Execute(""))
	assert.NoError(t, f.sh.Execute("   # a comment"))

	err := f.sh.Execute("frobnicate now")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "frobnicate"`)
	f.waitOutput(t, "unknown command")
	assert.Contains(t, f.console.String(), "unknown command")
}

func TestExecute_SafeModeGates(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.sh.Execute("eval var x = 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not permitted in safe mode")

	err = f.sh.Execute("print 1 + 2")
	require.Error(t, err)

	require.NoError(t, f.sh.Execute("print greeting"))
	f.waitOutput(t, `"hi"`)
	require.NoError(t, f.sh.Execute("p cfg.level.depth"))
	f.waitOutput(t, "2")
}

func TestExecute_UnsafeEval(t *testing.T) {
	f := newFixture(t, Options{Unsafe: true})
	require.NoError(t, f.sh.Execute("eval var extra = 40 + 2"))
	require.NoError(t, f.sh.Execute("print extra"))
	f.waitOutput(t, "42")
	require.NoError(t, f.sh.Execute("print add(2, 3)"))
	f.waitOutput(t, "5")
}

func TestContextNavigation(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, RootContext, f.sh.Context())

	require.NoError(t, f.sh.Execute("cd cfg"))
	assert.Equal(t, "~~/cfg", f.sh.Context())
	require.NoError(t, f.sh.Execute("cd level"))
	assert.Equal(t, "~~/cfg/level", f.sh.Context())

	require.NoError(t, f.sh.Execute("print depth"))
	f.waitOutput(t, "2")

	require.NoError(t, f.sh.Execute("cd .."))
	assert.Equal(t, "~~/cfg", f.sh.Context())

	require.NoError(t, f.sh.Execute("ls"))
	f.waitOutput(t, "level  name")

	assert.Error(t, f.sh.Execute("cd name"), "strings are not contexts")
	assert.Error(t, f.sh.Execute("cd missing"))
	assert.Equal(t, "~~/cfg", f.sh.Context())

	require.NoError(t, f.sh.Execute("cd ~~"))
	assert.Equal(t, RootContext, f.sh.Context())
	require.NoError(t, f.sh.Execute("pwd"))
	f.waitOutput(t, RootContext)
}

func TestResolvePath(t *testing.T) {
	for _, tc := range []struct {
		cwd  []string
		arg  string
		want []string
	}{
		{nil, "", nil},
		{[]string{"a"}, "~~", nil},
		{[]string{"a"}, "b/c", []string{"a", "b", "c"}},
		{[]string{"a", "b"}, "..", []string{"a"}},
		{nil, "..", nil},
		{[]string{"a"}, "~~/x/./y", []string{"x", "y"}},
		{[]string{"a"}, "/x", []string{"x"}},
	} {
		assert.Equal(t, tc.want, resolvePath(tc.cwd, tc.arg), "cd %q from %v", tc.arg, tc.cwd)
	}
}

func TestParseTrace(t *testing.T) {
	name, cond, err := parseTrace("main")
	require.NoError(t, err)
	assert.Equal(t, "main", name)
	assert.Empty(t, cond)

	name, cond, err = parseTrace("add if len(args) > 1")
	require.NoError(t, err)
	assert.Equal(t, "add", name)
	assert.Equal(t, "len(args) > 1", cond)

	for _, bad := range []string{"", "main if", "cfg.level", "two words"} {
		_, _, err := parseTrace(bad)
		assert.Error(t, err, bad)
	}
}

func TestTrace_ArmedAndEvents(t *testing.T) {
	f := newFixture(t, Options{})

	_, ok := f.sh.Armed("main")
	assert.False(t, ok)

	f.sh.StuffLines("trace main", "trace add")
	assert.Equal(t, 2, f.sh.Pending())
	f.sh.Loop()
	assert.Equal(t, 0, f.sh.Pending())

	armed, ok := f.sh.Armed("main")
	require.True(t, ok)
	select {
	case <-armed:
	case <-time.After(2 * time.Second):
		t.Fatal("trace never armed")
	}
	// the arming notice precedes the ack
	assert.Contains(t, f.sink.Outputs(), "tracing main()")
	assert.Equal(t, []string{"add", "main"}, f.sh.Traced())

	require.NoError(t, f.prog.Call("main", nil))

	require.Eventually(t, func() bool { return len(f.sink.Events()) == 4 }, 2*time.Second, 5*time.Millisecond)
	events := f.sink.Events()
	assert.Equal(t, EventCall, events[0].Kind)
	assert.Equal(t, "main", events[0].Function)
	assert.Equal(t, 1, events[0].Depth)
	assert.Equal(t, EventCall, events[1].Kind)
	assert.Equal(t, "add", events[1].Function)
	assert.Equal(t, []string{"1", "2"}, events[1].Args)
	assert.Equal(t, 2, events[1].Depth)
	assert.Equal(t, EventReturn, events[2].Kind)
	assert.Equal(t, "3", events[2].Result)
	assert.Equal(t, EventReturn, events[3].Kind)
	assert.Equal(t, "main", events[3].Function)

	assert.Contains(t, f.console.String(), "-> main() #1")
	assert.Contains(t, f.console.String(), "  -> add(1, 2) #1")
}

func TestTrace_Condition(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.sh.Execute("trace add if args[0] > 1"))

	require.NoError(t, f.prog.Namespace().Do(func(vm *goja.Runtime) error {
		v, err := vm.RunString("add(1, 1) + add(5, 1)")
		require.NoError(t, err)
		assert.Equal(t, int64(8), v.ToInteger())
		return nil
	}))

	require.Eventually(t, func() bool { return len(f.sink.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	events := f.sink.Events()
	assert.Equal(t, []string{"5", "1"}, events[0].Args)
	assert.Equal(t, 2, events[0].Call, "calls are counted even when filtered")

	assert.Error(t, f.sh.Execute("trace add if args[0] >"))
}

func TestTrace_RetraceKeepsCondition(t *testing.T) {
	f := newFixture(t, Options{})
	f.sh.StuffLines("trace main if len(args) > 5", "trace main")
	require.NoError(t, f.loop.RunSync(func() error {
		f.sh.Loop()
		return nil
	}))
	f.waitOutput(t, "tracing main() if len(args) > 5")

	require.NoError(t, f.prog.Call("main", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.sink.Events())

	// a new condition still replaces the old one
	require.NoError(t, f.sh.Execute("trace main if len(args) == 0"))
	require.NoError(t, f.prog.Call("main", nil))
	require.Eventually(t, func() bool { return len(f.sink.Events()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "main", f.sink.Events()[0].Function)
}

func TestTrace_ErrorIsRethrown(t *testing.T) {
	f := newFixture(t, Options{Styled: true})
	require.NoError(t, f.sh.Execute("trace boom"))

	err := f.prog.Call("boom", nil)
	var ie *program.InvocationError
	require.ErrorAs(t, err, &ie)
	assert.Contains(t, ie.Stack, "kaboom")

	require.Eventually(t, func() bool { return len(f.sink.Events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	ev := f.sink.Events()[1]
	assert.Equal(t, EventError, ev.Kind)
	assert.Contains(t, ev.Error, "kaboom")
}

func TestUntrace(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Error(t, f.sh.Execute("untrace add"))
	require.NoError(t, f.sh.Execute("trace add"))
	require.NoError(t, f.sh.Execute("traces"))
	f.waitOutput(t, "add() calls=0")

	require.NoError(t, f.sh.Execute("untrace add"))
	assert.Empty(t, f.sh.Traced())
	require.NoError(t, f.prog.Call("main", nil))
	assert.Empty(t, f.sink.Events())

	require.NoError(t, f.sh.Execute("traces"))
	f.waitOutput(t, "no traces")
}

func TestExecute_BusyWhileInvoking(t *testing.T) {
	f := newFixture(t, Options{})
	release := make(chan struct{})
	entered := make(chan struct{})
	require.NoError(t, f.prog.Namespace().Do(func(vm *goja.Runtime) error {
		return vm.Set("block", func() {
			close(entered)
			<-release
		})
	}))

	done := make(chan error, 1)
	go func() { done <- f.prog.Call("block", nil) }()
	<-entered

	err := f.onLoop(t, "ls")
	assert.ErrorIs(t, err, program.ErrBusy)
	f.waitOutput(t, "ls: program is running")

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, f.onLoop(t, "ls"))
}

func TestExit_CallsOnExitOnLoop(t *testing.T) {
	var f *fixture
	exited := make(chan bool, 1)
	f = newFixture(t, Options{OnExit: func() { exited <- f.loop.OnLoop() }})
	require.NoError(t, f.sh.Execute("quit"))
	select {
	case onLoop := <-exited:
		assert.True(t, onLoop)
	case <-time.After(2 * time.Second):
		t.Fatal("OnExit not called")
	}
}

func TestHelp_HidesUnsafeCommands(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.sh.Execute("help"))
	f.waitOutput(t, "trace <function> [if <condition>]")
	for _, o := range f.sink.Outputs() {
		assert.NotContains(t, o, "eval <statement>")
	}
}

func TestStartConsole_LineReader(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.sh.StartConsole(strings.NewReader("pwd\ncd cfg\n")))

	select {
	case <-f.sh.ConsoleDone():
	case <-time.After(2 * time.Second):
		t.Fatal("console reader did not finish")
	}
	require.Eventually(t, func() bool { return f.sh.Context() == "~~/cfg" }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.sh.Close())
	require.NoError(t, f.sh.Close())
	assert.Error(t, f.sh.StartConsole(strings.NewReader("")))
}

func TestFormatEvent(t *testing.T) {
	assert.Equal(t, "-> f(1) #3", FormatEvent(host.TraceEvent{Kind: EventCall, Function: "f", Args: []string{"1"}, Depth: 1, Call: 3}))
	assert.Equal(t, "  <- f = 2 [1ms]", FormatEvent(host.TraceEvent{Kind: EventReturn, Function: "f", Result: "2", Depth: 2, Elapsed: time.Millisecond}))
}
