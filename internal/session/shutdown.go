package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// ShutdownCoordinator funnels every shutdown request, from whichever
// goroutine, into a single run of the shutdown action on the event loop.
type ShutdownCoordinator struct {
	sched  Scheduler
	action func(reason string)
	logger *slog.Logger

	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
}

// NewShutdownCoordinator returns a coordinator that runs action on sched.
func NewShutdownCoordinator(sched Scheduler, action func(reason string), logger *slog.Logger) *ShutdownCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{
		sched:  sched,
		action: action,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// RequestShutdown asks for the session to end. It never runs the action
// itself: only the first request schedules it onto the loop, later ones
// return immediately. If the loop has already stopped the request is a no-op.
func (s *ShutdownCoordinator) RequestShutdown(reason string) {
	if !s.requested.CompareAndSwap(false, true) {
		s.logger.Debug("shutdown already requested", "reason", reason)
		return
	}
	if !s.sched.Schedule(func() { s.run(reason) }) {
		s.logger.Debug("shutdown requested after loop stopped", "reason", reason)
		s.once.Do(func() { close(s.done) })
	}
}

func (s *ShutdownCoordinator) run(reason string) {
	s.once.Do(func() {
		defer close(s.done)
		s.action(reason)
	})
}

// Requested reports whether RequestShutdown has been called.
func (s *ShutdownCoordinator) Requested() bool {
	return s.requested.Load()
}

// Done is closed once the shutdown action has run.
func (s *ShutdownCoordinator) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the shutdown action has run.
func (s *ShutdownCoordinator) Wait() {
	<-s.done
}
