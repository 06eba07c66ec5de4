package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/joeycumines/gotrace/internal/host"
)

// Event kinds.
const (
	EventCall   = "call"
	EventReturn = "return"
	EventError  = "error"
)

// conditionEnv is what a trace condition can see.
type conditionEnv struct {
	Args  []any  `expr:"args"`
	Name  string `expr:"name"`
	Call  int    `expr:"call"`
	Depth int    `expr:"depth"`
}

type tracepoint struct {
	name string
	orig goja.Value
	fn   goja.Callable

	mu      sync.Mutex
	cond    *vm.Program
	condSrc string

	calls atomic.Int64

	armOnce sync.Once
	armed   chan struct{}
}

func (tp *tracepoint) condition() (*vm.Program, string) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.cond, tp.condSrc
}

func (tp *tracepoint) setCondition(p *vm.Program, src string) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.cond, tp.condSrc = p, src
}

func (tp *tracepoint) arm() {
	tp.armOnce.Do(func() { close(tp.armed) })
}

func compileCondition(src string) (*vm.Program, error) {
	return expr.Compile(src,
		expr.Env(conditionEnv{}),
		expr.AsBool(),
	)
}

// parseTrace splits "name [if condition]".
func parseTrace(arg string) (name, cond string, err error) {
	name, cond, found := strings.Cut(arg, " if ")
	name = strings.TrimSpace(name)
	cond = strings.TrimSpace(cond)
	if strings.HasSuffix(name, " if") || name == "if" {
		return "", "", errors.New("missing condition after 'if'")
	}
	if name == "" {
		return "", "", errors.New("usage: trace <function> [if <condition>]")
	}
	if strings.ContainsAny(name, " .") || !isPath(name) {
		return "", "", fmt.Errorf("%q is not a global function name", name)
	}
	if found && cond == "" {
		return "", "", errors.New("missing condition after 'if'")
	}
	return name, cond, nil
}

func (s *Shell) cmdTrace(arg string) error {
	name, condSrc, err := parseTrace(arg)
	if err != nil {
		return err
	}
	var cond *vm.Program
	if condSrc != "" {
		if cond, err = compileCondition(condSrc); err != nil {
			return fmt.Errorf("bad condition: %w", err)
		}
	}

	var tp *tracepoint
	err = s.access(func(rt *goja.Runtime) error {
		s.mu.Lock()
		existing := s.traces[name]
		s.mu.Unlock()
		if existing != nil {
			// a bare re-trace keeps the condition; untrace clears it
			if condSrc != "" {
				existing.setCondition(cond, condSrc)
			}
			tp = existing
			return nil
		}

		orig := rt.Get(name)
		fn, ok := goja.AssertFunction(orig)
		if !ok {
			return fmt.Errorf("no function named %q", name)
		}
		tp = &tracepoint{
			name:    name,
			orig:    orig,
			fn:      fn,
			cond:    cond,
			condSrc: condSrc,
			armed:   make(chan struct{}),
		}
		if err := rt.Set(name, s.wrap(rt, tp)); err != nil {
			return err
		}
		s.mu.Lock()
		s.traces[name] = tp
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	if _, condSrc = tp.condition(); condSrc != "" {
		s.printf("tracing %s() if %s", name, condSrc)
	} else {
		s.printf("tracing %s()", name)
	}
	// queued behind the notice, so Armed fires once it has gone out
	s.onLoop(tp.arm)
	return nil
}

func (s *Shell) cmdUntrace(arg string) error {
	name := strings.TrimSpace(arg)
	if name == "" {
		return errors.New("usage: untrace <function>")
	}
	err := s.access(func(rt *goja.Runtime) error {
		s.mu.Lock()
		tp := s.traces[name]
		s.mu.Unlock()
		if tp == nil {
			return fmt.Errorf("%s is not traced", name)
		}
		if err := rt.Set(name, tp.orig); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.traces, name)
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	s.printf("untraced %s()", name)
	return nil
}

func (s *Shell) cmdTraces(string) error {
	s.mu.Lock()
	lines := make([]string, 0, len(s.traces))
	for name, tp := range s.traces {
		line := fmt.Sprintf("%s() calls=%d", name, tp.calls.Load())
		if _, src := tp.condition(); src != "" {
			line += " if " + src
		}
		lines = append(lines, line)
	}
	s.mu.Unlock()

	if len(lines) == 0 {
		s.printf("no traces")
		return nil
	}
	sort.Strings(lines)
	s.printf("%s", strings.Join(lines, "\n"))
	return nil
}

// Armed returns a channel closed once the trace on fn is in place and its
// notice has been flushed to the host. ok is false if fn is not traced.
func (s *Shell) Armed(fn string) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp, ok := s.traces[fn]
	if !ok {
		return nil, false
	}
	return tp.armed, true
}

// Traced lists the traced function names, sorted.
func (s *Shell) Traced() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.traces))
	for name := range s.traces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wrap builds the replacement installed in the namespace. It runs on
// whichever goroutine holds the namespace, so it must not take the lock.
func (s *Shell) wrap(rt *goja.Runtime, tp *tracepoint) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		n := int(tp.calls.Add(1))
		depth := int(s.depth.Add(1))
		defer s.depth.Add(-1)

		if !s.matches(tp, call.Arguments, n, depth) {
			res, err := tp.fn(call.This, call.Arguments...)
			if err != nil {
				rethrow(rt, err)
			}
			return res
		}

		s.emit(host.TraceEvent{
			Kind:     EventCall,
			Function: tp.name,
			Args:     formatArgs(call.Arguments),
			Depth:    depth,
			Call:     n,
		})
		start := time.Now()
		res, err := tp.fn(call.This, call.Arguments...)
		elapsed := time.Since(start)
		if err != nil {
			s.emit(host.TraceEvent{
				Kind:     EventError,
				Function: tp.name,
				Error:    errorText(err),
				Depth:    depth,
				Call:     n,
				Elapsed:  elapsed,
			})
			rethrow(rt, err)
		}
		s.emit(host.TraceEvent{
			Kind:     EventReturn,
			Function: tp.name,
			Result:   formatValue(res),
			Depth:    depth,
			Call:     n,
			Elapsed:  elapsed,
		})
		return res
	}
}

func (s *Shell) matches(tp *tracepoint, args []goja.Value, n, depth int) bool {
	cond, src := tp.condition()
	if cond == nil {
		return true
	}
	exported := make([]any, len(args))
	for i, a := range args {
		exported[i] = a.Export()
	}
	out, err := expr.Run(cond, conditionEnv{Args: exported, Name: tp.name, Call: n, Depth: depth})
	if err != nil {
		s.logger.Warn("trace condition failed", "function", tp.name, "condition", src, "error", err)
		return false
	}
	b, _ := out.(bool)
	return b
}

// emit echoes the event locally and forwards it to the host on the loop.
func (s *Shell) emit(ev host.TraceEvent) {
	st := callStyle
	switch ev.Kind {
	case EventReturn:
		st = returnStyle
	case EventError:
		st = errorStyle
	}
	s.echo(FormatEvent(ev), st)
	s.onLoop(func() {
		if sink := s.currentSink(); sink != nil {
			if err := sink.Trace(ev); err != nil {
				s.logger.Debug("trace event dropped", "function", ev.Function, "error", err)
			}
		}
	})
}

// FormatEvent renders a trace event as one console line.
func FormatEvent(ev host.TraceEvent) string {
	indent := strings.Repeat("  ", max(ev.Depth-1, 0))
	switch ev.Kind {
	case EventCall:
		return fmt.Sprintf("%s-> %s(%s) #%d", indent, ev.Function, strings.Join(ev.Args, ", "), ev.Call)
	case EventReturn:
		return fmt.Sprintf("%s<- %s = %s [%s]", indent, ev.Function, ev.Result, ev.Elapsed)
	case EventError:
		return fmt.Sprintf("%s!! %s: %s [%s]", indent, ev.Function, ev.Error, ev.Elapsed)
	default:
		return fmt.Sprintf("%s?? %s %s", indent, ev.Kind, ev.Function)
	}
}

func formatArgs(args []goja.Value) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if a == nil || goja.IsUndefined(a) || goja.IsNull(a) {
			out[i] = fmt.Sprint(a)
			continue
		}
		if b, err := json.Marshal(a.Export()); err == nil {
			out[i] = string(b)
		} else {
			out[i] = a.String()
		}
	}
	return out
}

func errorText(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value().String()
	}
	return err.Error()
}

// rethrow propagates err to the JS caller unchanged.
func rethrow(rt *goja.Runtime, err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex)
	}
	panic(rt.NewGoError(err))
}
