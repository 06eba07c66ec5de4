package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/dop251/goja"
)

// RootContext is the path of the namespace root.
const RootContext = "~~"

type command struct {
	usage  string
	help   string
	unsafe bool
	run    func(s *Shell, arg string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"trace":   {usage: "trace <function> [if <condition>]", help: "report calls to a global function", run: (*Shell).cmdTrace},
		"untrace": {usage: "untrace <function>", help: "stop tracing a function", run: (*Shell).cmdUntrace},
		"traces":  {usage: "traces", help: "list traced functions", run: (*Shell).cmdTraces},
		"cd":      {usage: "cd [path]", help: "change context; ~~ is the root, .. the parent", run: (*Shell).cmdCd},
		"pwd":     {usage: "pwd", help: "print the current context", run: (*Shell).cmdPwd},
		"ls":      {usage: "ls", help: "list names in the current context", run: (*Shell).cmdLs},
		"print":   {usage: "print <name|expression>", help: "show a value", run: (*Shell).cmdPrint},
		"eval":    {usage: "eval <statement>", help: "run code in the program namespace", unsafe: true, run: (*Shell).cmdEval},
		"help":    {usage: "help", help: "list commands", run: (*Shell).cmdHelp},
		"exit":    {usage: "exit", help: "end the session", run: (*Shell).cmdExit},
	}
	commands["p"] = commands["print"]
	commands["quit"] = commands["exit"]
}

func (s *Shell) cmdHelp(string) error {
	names := make([]string, 0, len(commands))
	for name, c := range commands {
		// aliases share their target's usage line
		if c.usage == name || strings.HasPrefix(c.usage, name+" ") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		c := commands[name]
		if c.unsafe && !s.opts.Unsafe {
			continue
		}
		fmt.Fprintf(&b, "  %-34s %s\n", c.usage, c.help)
	}
	s.printf("%s", strings.TrimRight(b.String(), "\n"))
	return nil
}

func (s *Shell) cmdExit(string) error {
	s.printf("ending session")
	if s.opts.OnExit != nil {
		s.onLoop(s.opts.OnExit)
	}
	return nil
}

// Context returns the current context path.
func (s *Shell) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return formatPath(s.cwd)
}

func (s *Shell) cmdPwd(string) error {
	s.printf("%s", s.Context())
	return nil
}

func (s *Shell) cmdCd(arg string) error {
	s.mu.Lock()
	next := resolvePath(s.cwd, arg)
	s.mu.Unlock()

	if len(next) > 0 {
		err := s.access(func(vm *goja.Runtime) error {
			v, err := lookupPath(vm, next)
			if err != nil {
				return err
			}
			if _, ok := v.(*goja.Object); !ok {
				return fmt.Errorf("%s is not an object", formatPath(next))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cwd = next
	s.mu.Unlock()
	s.printf("%s", formatPath(next))
	return nil
}

func (s *Shell) cmdLs(string) error {
	s.mu.Lock()
	cwd := slices.Clone(s.cwd)
	s.mu.Unlock()

	var entries []string
	err := s.access(func(vm *goja.Runtime) error {
		v, err := lookupPath(vm, cwd)
		if err != nil {
			return err
		}
		obj := v.ToObject(vm)
		keys := obj.Keys()
		sort.Strings(keys)
		for _, k := range keys {
			if _, ok := goja.AssertFunction(obj.Get(k)); ok {
				k += "()"
			}
			entries = append(entries, k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.printf("%s", strings.Join(entries, "  "))
	return nil
}

func (s *Shell) cmdPrint(arg string) error {
	if arg == "" {
		return errors.New("usage: print <name|expression>")
	}
	s.mu.Lock()
	cwd := slices.Clone(s.cwd)
	s.mu.Unlock()

	var out string
	err := s.access(func(vm *goja.Runtime) error {
		if isPath(arg) {
			if v, err := lookupPath(vm, append(cwd, strings.Split(arg, ".")...)); err == nil {
				out = formatValue(v)
				return nil
			} else if !s.opts.Unsafe {
				return err
			}
		}
		if !s.opts.Unsafe {
			return errors.New("expressions are not permitted in safe mode")
		}
		v, err := vm.RunString(arg)
		if err != nil {
			return err
		}
		out = formatValue(v)
		return nil
	})
	if err != nil {
		return err
	}
	s.printf("%s", out)
	return nil
}

func (s *Shell) cmdEval(arg string) error {
	if arg == "" {
		return errors.New("usage: eval <statement>")
	}
	var out string
	err := s.access(func(vm *goja.Runtime) error {
		v, err := vm.RunString(arg)
		if err != nil {
			return err
		}
		if v != nil && !goja.IsUndefined(v) {
			out = formatValue(v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if out != "" {
		s.printf("%s", out)
	}
	return nil
}

// resolvePath applies a cd argument to the current path.
func resolvePath(cwd []string, arg string) []string {
	arg = strings.TrimSpace(arg)
	var next []string
	switch {
	case arg == "" || arg == RootContext || arg == "~" || arg == "/":
		return nil
	case strings.HasPrefix(arg, RootContext+"/"):
		arg = strings.TrimPrefix(arg, RootContext+"/")
	case strings.HasPrefix(arg, "/"):
		arg = strings.TrimPrefix(arg, "/")
	default:
		next = slices.Clone(cwd)
	}
	for _, seg := range strings.Split(arg, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(next) > 0 {
				next = next[:len(next)-1]
			}
		default:
			next = append(next, seg)
		}
	}
	return next
}

func formatPath(path []string) string {
	if len(path) == 0 {
		return RootContext
	}
	return RootContext + "/" + strings.Join(path, "/")
}

func lookupPath(vm *goja.Runtime, path []string) (goja.Value, error) {
	var v goja.Value = vm.GlobalObject()
	for i, seg := range path {
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return nil, fmt.Errorf("no such name: %s", strings.Join(path[:i+1], "."))
		}
		next := v.ToObject(vm).Get(seg)
		if next == nil {
			return nil, fmt.Errorf("no such name: %s", strings.Join(path[:i+1], "."))
		}
		v = next
	}
	return v, nil
}

func isPath(s string) bool {
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		for i, r := range seg {
			ok := r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
			if !ok {
				return false
			}
		}
	}
	return true
}

// formatValue renders a JS value for display: primitives as themselves,
// functions by name, everything else as JSON where possible.
func formatValue(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return v.String()
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		if s, isStr := v.Export().(string); isStr {
			return fmt.Sprintf("%q", s)
		}
		return v.String()
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		name := obj.Get("name")
		if name == nil || name.String() == "" {
			return "function"
		}
		return fmt.Sprintf("function %s()", name.String())
	}
	if b, err := json.Marshal(obj.Export()); err == nil {
		return string(b)
	}
	return v.String()
}
