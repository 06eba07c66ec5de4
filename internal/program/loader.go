// Package program loads a user-supplied JavaScript file as a standalone unit
// and exposes its global scope as a shared, lock-guarded namespace.
package program

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// Program is a loaded program file.
type Program struct {
	// ModuleName is the file's base name without its extension.
	ModuleName string
	// Path is the absolute path of the file.
	Path string
	// Dir is the directory containing the file; require() resolves from here.
	Dir string

	ns *Namespace
}

// CheckFile verifies that path names a readable regular file.
func CheckFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: not a regular file", ErrFileUnreadable)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileUnreadable, err)
	}
	return f.Close()
}

// Load reads, compiles and runs the file at path, so its top-level statements
// execute exactly once. Errors are always *LoadError.
func Load(path string) (*Program, error) {
	if err := CheckFile(path); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %w", ErrFileUnreadable, err)}
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %w", ErrFileUnreadable, err)}
	}

	dir, base := filepath.Split(abs)
	p := &Program{
		ModuleName: strings.TrimSuffix(base, filepath.Ext(base)),
		Path:       abs,
		Dir:        filepath.Clean(dir),
	}

	vm := goja.New()
	registry := require.NewRegistry(require.WithGlobalFolders(p.Dir))
	registry.Enable(vm)
	console.Enable(vm)
	if err := vm.Set("__name__", p.ModuleName); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if err := vm.Set("__file__", p.Path); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	prg, err := goja.Compile(abs, string(src), false)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("compile: %w", err)}
	}
	if err := runTopLevel(vm, prg); err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	p.ns = newNamespace(vm)
	return p, nil
}

func runTopLevel(vm *goja.Runtime, prg *goja.Program) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("top-level panic: %v", r)
		}
	}()
	if _, err := vm.RunProgram(prg); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// Namespace returns the program's global scope.
func (p *Program) Namespace() *Namespace {
	return p.ns
}

// Lookup checks that name is defined and callable, returning a *LoadError
// wrapping ErrTargetFunctionMissing otherwise.
func (p *Program) Lookup(name string) error {
	return p.ns.Do(func(vm *goja.Runtime) error {
		if _, ok := goja.AssertFunction(vm.Get(name)); !ok {
			return &LoadError{Path: p.Path, Function: name, Err: ErrTargetFunctionMissing}
		}
		return nil
	})
}

// Call invokes the global function name while holding the namespace. With no
// args the function is called with no arguments, otherwise with a single
// array of the args. The function is resolved at call time, so a trace
// wrapper installed beforehand is what runs.
func (p *Program) Call(name string, args []string) error {
	return p.ns.Do(func(vm *goja.Runtime) (err error) {
		fn, ok := goja.AssertFunction(vm.Get(name))
		if !ok {
			return &LoadError{Path: p.Path, Function: name, Err: ErrTargetFunctionMissing}
		}

		defer func() {
			if r := recover(); r != nil {
				err = &InvocationError{
					Function: name,
					Stack:    fmt.Sprintf("panic: %v", r),
					Err:      fmt.Errorf("panic: %v", r),
				}
			}
		}()

		var callArgs []goja.Value
		if len(args) > 0 {
			items := make([]any, len(args))
			for i, a := range args {
				items[i] = a
			}
			callArgs = append(callArgs, vm.NewArray(items...))
		}

		if _, callErr := fn(goja.Undefined(), callArgs...); callErr != nil {
			ie := &InvocationError{Function: name, Err: callErr, Stack: callErr.Error()}
			if ex, ok := callErr.(*goja.Exception); ok {
				ie.Stack = ex.String()
			}
			return ie
		}
		return nil
	})
}

// Name is the module name, used as the default host name.
func (p *Program) Name() string {
	return p.ModuleName
}
