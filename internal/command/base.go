package command

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// Command represents a command that can be executed.
type Command interface {
	// Name returns the command name.
	Name() string

	// Description returns a short description of the command.
	Description() string

	// Usage returns the usage string for the command.
	Usage() string

	// SetupFlags configures the flag.FlagSet for this command.
	SetupFlags(fs *flag.FlagSet)

	// Execute runs the command with the arguments left after flag parsing.
	Execute(args []string, stdout, stderr io.Writer) error
}

// BaseCommand provides a basic implementation that other commands can embed.
type BaseCommand struct {
	name        string
	description string
	usage       string
}

// NewBaseCommand creates a new BaseCommand.
func NewBaseCommand(name, description, usage string) *BaseCommand {
	return &BaseCommand{
		name:        name,
		description: description,
		usage:       usage,
	}
}

// Name returns the command name.
func (c *BaseCommand) Name() string {
	return c.name
}

// Description returns the command description.
func (c *BaseCommand) Description() string {
	return c.description
}

// Usage returns the command usage.
func (c *BaseCommand) Usage() string {
	return c.usage
}

// SetupFlags is a default implementation that does nothing.
func (c *BaseCommand) SetupFlags(fs *flag.FlagSet) {}

// ArgumentError is a bad command line. The usage is printed with it.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return e.Msg }

// ExitCode maps the result of a command to a process exit status.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	return 1
}

// Run parses args for cmd, executes it, and reports any failure on stderr
// prefixed with the command name. It returns the exit status.
func Run(cmd Command, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", cmd.Usage())
		_, _ = fmt.Fprintf(stderr, "\n%s\n\n", cmd.Description())
		_, _ = fmt.Fprintln(stderr, "Options:")
		fs.PrintDefaults()
		if h, ok := cmd.(interface{ ConfigHelp() string }); ok {
			_, _ = fmt.Fprintf(stderr, "\nConfig file %s", h.ConfigHelp())
		}
	}
	cmd.SetupFlags(fs)

	if err := fs.Parse(args); err != nil {
		// flag has already printed the problem and the usage
		return ExitCode(err)
	}

	err := cmd.Execute(fs.Args(), stdout, stderr)
	var argErr *ArgumentError
	switch {
	case err == nil:
	case errors.As(err, &argErr):
		_, _ = fmt.Fprintf(stderr, "%s: %s\n", cmd.Name(), argErr.Msg)
		fs.Usage()
	default:
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd.Name(), err)
	}
	return ExitCode(err)
}
