package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joeycumines/gotrace/internal/host"
	"github.com/joeycumines/gotrace/internal/shell"
)

// BridgeConnector opens a host bridge session over websocket and binds a
// trace shell to it.
type BridgeConnector struct {
	// Console receives the shell's local echo. Nil discards it.
	Console io.Writer
	Styled  bool
	Prompt  string

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (b *BridgeConnector) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Connect implements Connector. Inbound commands are handed to
// req.Scheduler, so they execute on the loop once it starts.
func (b *BridgeConnector) Connect(ctx context.Context, req ConnectRequest) (*Connection, error) {
	logger := b.logger()
	sh := shell.New(req.Namespace, req.Scheduler, shell.Options{
		Unsafe:  req.Unsafe,
		Prompt:  b.Prompt,
		Console: b.Console,
		Styled:  b.Styled,
		OnExit:  req.OnExit,
		Logger:  logger,
	})

	conn, secret, err := host.Connect(ctx, host.Options{
		HostName:         req.HostName,
		Server:           req.Server,
		Port:             req.Port,
		HandshakeTimeout: b.HandshakeTimeout,
		Logger:           logger,
		OnCommand: func(line string) {
			if !req.Scheduler.Schedule(func() { _ = sh.Execute(line) }) {
				logger.Debug("host command dropped, loop stopped", "line", line)
			}
		},
	})
	if err != nil {
		return nil, &ConnectionError{Server: req.Server, Port: req.Port, HostName: req.HostName, Err: err}
	}
	sh.SetSink(conn)

	if req.InitScript != "" {
		lines, err := readInitScript(req.InitScript)
		switch {
		case err == nil:
			logger.Debug("queued init script", "path", req.InitScript, "lines", len(lines))
			sh.StuffLines(lines...)
		case errors.Is(err, fs.ErrNotExist):
		default:
			logger.Warn("init script unreadable", "path", req.InitScript, "error", err)
		}
	}

	return &Connection{Host: conn, Secret: secret, Shell: sh}, nil
}

func readInitScript(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
