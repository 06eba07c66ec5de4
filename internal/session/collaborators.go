package session

import (
	"context"
	"fmt"
	"io"

	"github.com/joeycumines/gotrace/internal/program"
)

// LaunchSpec describes one traced launch.
type LaunchSpec struct {
	// Function is the global to invoke. Defaults to "main".
	Function string
	// Server is the bridge host. Defaults to "localhost".
	Server string
	// Port is the bridge port. Defaults to host.DefaultPort.
	Port int
	// HostName identifies this session to the bridge. Defaults to the
	// program's module name.
	HostName string
	FilePath string
	Args     []string

	// Threaded starts the shell's own console reader alongside the loop.
	Threaded bool
	// Unsafe allows shell commands that evaluate arbitrary code.
	Unsafe bool
	// InitScript is a file of shell commands queued at connect, if present.
	InitScript string
}

// Program is a loaded program as the controller needs it.
type Program interface {
	Name() string
	Namespace() *program.Namespace
	Call(function string, args []string) error
}

// Loader turns a file into a Program, checking that function exists.
type Loader interface {
	Load(path, function string) (Program, error)
}

// Scheduler is the only way into the event loop from another goroutine.
type Scheduler interface {
	Schedule(fn func()) bool
	OnLoop() bool
}

// Loop is the event loop as driven by the controller.
type Loop interface {
	Scheduler
	Start()
	Stop()
	Done() <-chan struct{}
}

// HostHandle is the live bridge connection.
type HostHandle interface {
	Close() error
}

// Shell is the trace shell as driven by the controller.
type Shell interface {
	StuffLines(lines ...string)
	Loop()
	Execute(line string) error
	Armed(function string) (<-chan struct{}, bool)
	StartConsole(in io.Reader) error
	Close() error
}

// ConnectRequest is everything a Connector needs to open a session.
type ConnectRequest struct {
	HostName  string
	Server    string
	Port      int
	Namespace *program.Namespace
	Scheduler Scheduler

	Threaded   bool
	Unsafe     bool
	InitScript string

	// OnExit is bound to the shell's exit command.
	OnExit func()
}

// Connection is an established session.
type Connection struct {
	Host   HostHandle
	Secret string
	Shell  Shell
}

// Connector negotiates a session with the host bridge.
type Connector interface {
	Connect(ctx context.Context, req ConnectRequest) (*Connection, error)
}

// ConnectionError is a failure to establish the bridge session. The
// underlying message is kept verbatim.
type ConnectionError struct {
	Server   string
	Port     int
	HostName string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to connect to %s:%d as %q: %v", e.Server, e.Port, e.HostName, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProgramLoader is the goja-backed Loader.
type ProgramLoader struct{}

func (ProgramLoader) Load(path, function string) (Program, error) {
	p, err := program.Load(path)
	if err != nil {
		return nil, err
	}
	if err := p.Lookup(function); err != nil {
		return nil, err
	}
	return p, nil
}
