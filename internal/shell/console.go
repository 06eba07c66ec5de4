package shell

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-prompt"
	istrings "github.com/joeycumines/go-prompt/strings"
	"golang.org/x/term"
)

// console feeds local input into the shell.
type console struct {
	fd     int
	state  *term.State
	prompt *prompt.Prompt
	done   chan struct{}

	closing atomic.Bool
}

func (c *console) close() error {
	if c.prompt != nil {
		c.closing.Store(true)
		// Close is a no-op until RunNoExit has started, so retry until the
		// prompt goroutine is gone.
		for range 20 {
			c.prompt.Close()
			select {
			case <-c.done:
			case <-time.After(50 * time.Millisecond):
				continue
			}
			break
		}
	}
	if c.state != nil {
		return term.Restore(c.fd, c.state)
	}
	return nil
}

// StartConsole reads command lines from in and runs each one on the loop. A
// terminal gets an interactive prompt, where ^C ends the session like exit.
// Anything else is read line by line. It returns once the reader is running.
func (s *Shell) StartConsole(in io.Reader) error {
	if s.closed.Load() {
		return errors.New("shell closed")
	}
	c := &console{done: make(chan struct{})}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.fd = int(f.Fd())
		state, err := term.GetState(c.fd)
		if err != nil {
			return err
		}
		c.state = state
		var reader prompt.Reader
		if f == os.Stdin {
			reader = prompt.NewStdinReader()
		} else {
			reader = newTTYReader(f.Name())
		}
		c.prompt = prompt.New(
			s.submit,
			prompt.WithReader(reader),
			prompt.WithPrefix(s.opts.Prompt),
			prompt.WithCompleter(s.complete),
			prompt.WithKeyBind(prompt.KeyBind{
				Key: prompt.ControlC,
				Fn: func(*prompt.Prompt) bool {
					s.submit("exit")
					return false
				},
			}),
			prompt.WithExitChecker(func(string, bool) bool { return s.closed.Load() }),
		)
		go func() {
			defer close(c.done)
			if c.closing.Load() {
				return
			}
			// Run would os.Exit when the prompt catches a signal.
			c.prompt.RunNoExit()
		}()
	} else {
		go func() {
			defer close(c.done)
			sc := bufio.NewScanner(in)
			for sc.Scan() {
				if s.closed.Load() {
					return
				}
				s.submit(sc.Text())
			}
			if err := sc.Err(); err != nil && !s.closed.Load() {
				s.logger.Debug("console input ended", "error", err)
			}
		}()
	}

	s.consoleMu.Lock()
	s.console = c
	s.consoleMu.Unlock()
	return nil
}

// ConsoleDone is closed when the console reader stops. It is nil if no
// console was started.
func (s *Shell) ConsoleDone() <-chan struct{} {
	s.consoleMu.Lock()
	defer s.consoleMu.Unlock()
	if s.console == nil {
		return nil
	}
	return s.console.done
}

func (s *Shell) submit(line string) {
	if s.closed.Load() {
		return
	}
	if s.sched == nil || !s.sched.Schedule(func() { _ = s.Execute(line) }) {
		s.logger.Debug("console line dropped", "line", line)
	}
}

// complete suggests command names, then global names for the argument.
func (s *Shell) complete(d prompt.Document) ([]prompt.Suggest, istrings.RuneNumber, istrings.RuneNumber) {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	end := istrings.RuneNumber(len([]rune(before)))
	start := end - istrings.RuneNumber(len([]rune(word)))

	var out []prompt.Suggest
	if !strings.Contains(strings.TrimLeft(before, " "), " ") {
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := commands[name]
			if c.unsafe && !s.opts.Unsafe {
				continue
			}
			if strings.HasPrefix(name, word) {
				out = append(out, prompt.Suggest{Text: name, Description: c.help})
			}
		}
		return out, start, end
	}

	// never wait here: the program may be running
	_ = s.ns.TryDo(func(rt *goja.Runtime) error {
		keys := rt.GlobalObject().Keys()
		sort.Strings(keys)
		for _, k := range keys {
			if strings.HasPrefix(k, word) {
				out = append(out, prompt.Suggest{Text: k})
			}
		}
		return nil
	})
	return out, start, end
}
