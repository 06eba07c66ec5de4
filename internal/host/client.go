package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("host connection closed")

// RejectedError is the bridge refusing the session, e.g. for an unknown or
// duplicate host name, or an unsupported protocol version.
type RejectedError struct {
	Host   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("host %q rejected: %s", e.Host, e.Reason)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Options configures Connect.
type Options struct {
	HostName string
	Server   string
	Port     int

	// HandshakeTimeout bounds dial plus hello/welcome. Zero means 10s.
	HandshakeTimeout time.Duration

	// OnCommand receives every command line sent by the bridge. It is called
	// from the connection's reader goroutine and must hand the work off
	// rather than touch session state directly.
	OnCommand func(line string)

	Logger *slog.Logger
}

// Conn is a live host session. It is the session's host handle: exactly one
// exists per session, and after Close it must not be used.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	nonce  string

	wmu    sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// URL returns the bridge endpoint for a host name.
func URL(server string, port int, hostName string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(server, strconv.Itoa(port)),
		Path:   PathPrefix + hostName,
	}
	return u.String()
}

// Connect dials the bridge, performs the hello/welcome exchange and starts
// the reader goroutine. It returns the connection and the session secret.
func Connect(ctx context.Context, opts Options) (*Conn, string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := URL(opts.Server, opts.Port, opts.HostName)
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Conn{
		ws:     ws,
		logger: logger.With("host", opts.HostName),
		nonce:  uuid.NewString(),
		done:   make(chan struct{}),
	}

	secret, err := c.handshake(opts.HostName, time.Now().Add(timeout))
	if err != nil {
		_ = ws.Close()
		return nil, "", err
	}

	go c.readLoop(opts.OnCommand)
	c.logger.Debug("host session established", "endpoint", endpoint, "nonce", c.nonce)
	return c, secret, nil
}

func (c *Conn) handshake(hostName string, deadline time.Time) (string, error) {
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(Message{
		Type:    TypeHello,
		Host:    hostName,
		Nonce:   c.nonce,
		Version: ProtocolVersion,
	}); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}

	_ = c.ws.SetReadDeadline(deadline)
	var reply Message
	if err := c.ws.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read welcome: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	switch reply.Type {
	case TypeWelcome:
		if reply.Version != 0 && reply.Version != ProtocolVersion {
			return "", &RejectedError{Host: hostName, Reason: fmt.Sprintf("protocol version mismatch: bridge speaks %d, client %d", reply.Version, ProtocolVersion)}
		}
		return reply.Secret, nil
	case TypeReject:
		return "", &RejectedError{Host: hostName, Reason: reply.Error}
	default:
		return "", fmt.Errorf("unexpected %q frame during handshake", reply.Type)
	}
}

func (c *Conn) readLoop(onCommand func(string)) {
	defer close(c.done)
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("host connection read failed", "error", err)
			}
			return
		}
		switch m.Type {
		case TypeCommand:
			if onCommand != nil {
				onCommand(m.Line)
			}
		default:
			c.logger.Debug("ignoring host frame", "type", m.Type)
		}
	}
}

// Nonce is the random id this client sent in hello.
func (c *Conn) Nonce() string { return c.nonce }

// Done is closed once the reader goroutine has exited, i.e. the bridge has
// gone away or Close was called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send writes one frame. It is safe for concurrent use.
func (c *Conn) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(m)
}

// Output sends shell output text.
func (c *Conn) Output(text string) error {
	return c.Send(Message{Type: TypeOutput, Text: text})
}

// Trace sends a trace event.
func (c *Conn) Trace(ev TraceEvent) error {
	return c.Send(Message{Type: TypeTrace, Event: &ev})
}

func (c *Conn) isClosed() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.closed
}

// Close ends the session cleanly: bye, a normal close frame, then the socket.
// Only the first call does anything; later calls return the same result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		deadline := time.Now().Add(writeTimeout)
		_ = c.ws.SetWriteDeadline(deadline)
		byeErr := c.ws.WriteJSON(Message{Type: TypeBye})
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			deadline,
		)
		c.closed = true
		c.wmu.Unlock()

		if err := c.ws.Close(); err != nil {
			c.closeErr = err
		} else if byeErr != nil {
			c.closeErr = fmt.Errorf("send bye: %w", byeErr)
		}
	})
	return c.closeErr
}
