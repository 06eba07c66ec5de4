// Package hosttest provides an in-process host bridge for tests.
package hosttest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joeycumines/gotrace/internal/host"
)

// Server is a minimal bridge: it accepts hosts, records every frame they
// send, and can push command lines to them.
type Server struct {
	t      testing.TB
	srv    *httptest.Server
	secret string

	mu       sync.Mutex
	reject   map[string]string
	conns    []*websocket.Conn
	messages []host.Message
	hellos   []host.Message
	closed   int
	changed  chan struct{}
}

// New starts a bridge that answers every hello with secret, and stops it
// when the test ends.
func New(t testing.TB, secret string) *Server {
	s := &Server{
		t:       t,
		secret:  secret,
		reject:  make(map[string]string),
		changed: make(chan struct{}, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(host.PathPrefix, s.handle)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Reject makes the bridge refuse hostName with reason.
func (s *Server) Reject(hostName, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[hostName] = reason
}

// Addr returns the server address and port to pass to host.Connect.
func (s *Server) Addr() (string, int) {
	h, p, err := net.SplitHostPort(strings.TrimPrefix(s.srv.URL, "http://"))
	if err != nil {
		s.t.Fatalf("hosttest: bad server url %q: %v", s.srv.URL, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		s.t.Fatalf("hosttest: bad port %q: %v", p, err)
	}
	return h, port
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var hello host.Message
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != host.TypeHello {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, host.PathPrefix)

	s.mu.Lock()
	s.hellos = append(s.hellos, hello)
	reason, rejected := s.reject[name]
	s.mu.Unlock()

	switch {
	case rejected:
		_ = ws.WriteJSON(host.Message{Type: host.TypeReject, Error: reason})
		return
	case hello.Version != host.ProtocolVersion:
		_ = ws.WriteJSON(host.Message{Type: host.TypeReject, Error: "protocol version mismatch"})
		return
	}
	if err := ws.WriteJSON(host.Message{Type: host.TypeWelcome, Secret: s.secret, Version: host.ProtocolVersion}); err != nil {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.mu.Unlock()

	for {
		var m host.Message
		if err := ws.ReadJSON(&m); err != nil {
			s.mu.Lock()
			s.closed++
			s.mu.Unlock()
			s.notify()
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, m)
		s.mu.Unlock()
		s.notify()
	}
}

func (s *Server) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// SendCommand pushes a command line to every connected host.
func (s *Server) SendCommand(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if err := c.WriteJSON(host.Message{Type: host.TypeCommand, Line: line}); err != nil {
			s.t.Logf("hosttest: send command: %v", err)
		}
	}
}

// Hellos is the number of handshakes attempted.
func (s *Server) Hellos() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hellos)
}

// HelloHosts returns the host name of every handshake, in order.
func (s *Server) HelloHosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.hellos))
	for i, m := range s.hellos {
		out[i] = m.Host
	}
	return out
}

// Disconnects is the number of accepted hosts whose connection has ended.
func (s *Server) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Messages returns a copy of every frame received after the handshake.
func (s *Server) Messages() []host.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]host.Message(nil), s.messages...)
}

// WaitFor blocks until a received frame satisfies match, failing the test
// after timeout.
func (s *Server) WaitFor(timeout time.Duration, match func(host.Message) bool) host.Message {
	s.t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, m := range s.Messages() {
			if match(m) {
				return m
			}
		}
		select {
		case <-s.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline.C:
			s.t.Fatalf("hosttest: no matching frame within %v; got %+v", timeout, s.Messages())
			return host.Message{}
		}
	}
}

// WaitDisconnects blocks until at least n hosts have disconnected.
func (s *Server) WaitDisconnects(n int, timeout time.Duration) {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	for s.Disconnects() < n {
		if time.Now().After(deadline) {
			s.t.Fatalf("hosttest: %d disconnects after %v, want %d", s.Disconnects(), timeout, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
