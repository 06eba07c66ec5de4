package program

import (
	"sort"
	"sync"

	"github.com/dop251/goja"
)

// Namespace is the program's global scope. The goja runtime behind it is not
// safe for concurrent use, so every access, from the foreground invocation or
// from the shell, goes through Do or TryDo.
type Namespace struct {
	mu sync.Mutex
	vm *goja.Runtime
}

func newNamespace(vm *goja.Runtime) *Namespace {
	return &Namespace{vm: vm}
}

// Do runs fn with exclusive access to the runtime, waiting for the lock.
func (n *Namespace) Do(fn func(vm *goja.Runtime) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn(n.vm)
}

// TryDo is Do without waiting: it returns ErrBusy if the namespace is held.
// Event loop jobs use it so a long-running invocation can't stall the loop.
func (n *Namespace) TryDo(fn func(vm *goja.Runtime) error) error {
	if !n.mu.TryLock() {
		return ErrBusy
	}
	defer n.mu.Unlock()
	return fn(n.vm)
}

// Names lists the global symbols defined by the program, sorted.
func (n *Namespace) Names() ([]string, error) {
	var names []string
	err := n.Do(func(vm *goja.Runtime) error {
		names = vm.GlobalObject().Keys()
		return nil
	})
	sort.Strings(names)
	return names, err
}
