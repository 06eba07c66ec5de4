// Package loop runs the session's event loop on a dedicated goroutine.
//
// All asynchronous session work (inbound host frames, shell commands from the
// console, trace notifications and the shutdown action) runs as jobs on this
// loop. Schedule is the only way in from any other goroutine.
package loop

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/joeycumines/gotrace/internal/goroutineid"
)

// ErrNotRunning is returned by RunSync when the loop has stopped.
var ErrNotRunning = errors.New("event loop not running")

// DefaultSyncTimeout bounds RunSync.
const DefaultSyncTimeout = 5 * time.Second

// Runner owns a single goja_nodejs event loop.
//
// Lifecycle: New creates the loop without starting it. Jobs scheduled before
// Start are queued and run once it starts. Start spawns exactly one goroutine,
// and Stop is the only thing that ends it.
type Runner struct {
	loop *eventloop.EventLoop

	// loopID is the goroutine id of the loop, captured by the first job that
	// runs.
	loopID atomic.Int64

	mu      sync.Mutex
	started bool
	stopped bool

	done    chan struct{}
	timeout time.Duration
}

// New creates a stopped Runner. The eventloop package always builds its own
// goja runtime; jobs here are plain Go funcs and never touch it, since the
// program lives on program.Namespace's runtime. Console is left off so the
// idle runtime stays minimal.
func New() *Runner {
	return &Runner{
		loop:    eventloop.NewEventLoop(eventloop.EnableConsole(false)),
		done:    make(chan struct{}),
		timeout: DefaultSyncTimeout,
	}
}

// Start launches the loop goroutine. Calling Start more than once, or after
// Stop, has no effect.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.loop.Start()
}

// Schedule queues fn to run on the loop goroutine. It is safe to call from
// any goroutine, including signal handlers and loop jobs. It returns false if
// the loop has been stopped, in which case fn will never run.
func (r *Runner) Schedule(fn func()) bool {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return false
	}
	return r.loop.RunOnLoop(func(*goja.Runtime) {
		if r.loopID.Load() == 0 {
			r.loopID.Store(goroutineid.Get())
		}
		fn()
	})
}

// RunSync schedules fn and waits for it to return. Called from the loop
// goroutine it runs fn inline, since waiting would deadlock.
func (r *Runner) RunSync(fn func() error) error {
	if r.OnLoop() {
		return fn()
	}
	errCh := make(chan error, 1)
	if !r.Schedule(func() { errCh <- fn() }) {
		return ErrNotRunning
	}
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-r.done:
		return ErrNotRunning
	case <-timer.C:
		return fmt.Errorf("loop: operation timed out after %v", r.timeout)
	}
}

// OnLoop reports whether the caller is running on the loop goroutine.
func (r *Runner) OnLoop() bool {
	id := r.loopID.Load()
	return id != 0 && id == goroutineid.Get()
}

// Stop terminates the loop. It is idempotent and may be called from inside a
// loop job, where it returns without waiting for the loop goroutine to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	switch {
	case !started:
		// nothing to stop
	case r.OnLoop():
		r.loop.StopNoWait()
	default:
		r.loop.Stop()
	}
	close(r.done)
}

// Done is closed once Stop has been called.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Started reports whether Start has been called.
func (r *Runner) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Stopped reports whether Stop has been called.
func (r *Runner) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
