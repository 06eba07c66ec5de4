//go:build unix

package shell

import (
	"io"
	"syscall"

	"github.com/joeycumines/go-prompt"
	"golang.org/x/term"
)

// ttyReader is go-prompt's stdin reader for a terminal other than the
// process's own. It opens its own descriptor so the non-blocking flag does
// not leak to other users of the terminal.
type ttyReader struct {
	path  string
	fd    int
	open  bool
	state *term.State
}

func newTTYReader(path string) prompt.Reader {
	return &ttyReader{path: path}
}

func (r *ttyReader) Open() error {
	fd, err := syscall.Open(r.path, syscall.O_RDONLY|syscall.O_NOCTTY, 0)
	if err != nil {
		return err
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		_ = syscall.Close(fd)
		return err
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		_ = syscall.Close(fd)
		return err
	}
	r.fd, r.state, r.open = fd, state, true
	return nil
}

func (r *ttyReader) Close() error {
	if !r.open {
		return nil
	}
	r.open = false
	err := term.Restore(r.fd, r.state)
	if cerr := syscall.Close(r.fd); err == nil {
		err = cerr
	}
	return err
}

func (r *ttyReader) Read(p []byte) (int, error) {
	n, err := syscall.Read(r.fd, p)
	switch {
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (r *ttyReader) GetWinSize() *prompt.WinSize {
	w, h, err := term.GetSize(r.fd)
	if err != nil || w <= 0 || h <= 0 {
		return &prompt.WinSize{Row: prompt.DefRowCount, Col: prompt.DefColCount}
	}
	return &prompt.WinSize{Row: uint16(h), Col: uint16(w)}
}
