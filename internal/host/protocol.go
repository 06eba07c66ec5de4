// Package host is the client side of the host bridge: a websocket session
// between a traced program and the remote terminal that displays and drives
// its shell.
//
// Every frame is a JSON text message with a "type" discriminator:
//
//	hello    client → bridge   {host, nonce, version}
//	welcome  bridge → client   {secret}
//	reject   bridge → client   {error}
//	command  bridge → client   {line}
//	output   client → bridge   {text}
//	trace    client → bridge   {event}
//	bye      client → bridge   {}
package host

import "time"

// DefaultPort is the bridge's well-known host port.
const DefaultPort = 8899

// ProtocolVersion is sent in hello; the bridge rejects versions it does not
// speak.
const ProtocolVersion = 1

// PathPrefix is the URL path under which the bridge accepts hosts. The host
// name is appended.
const PathPrefix = "/_gterm/host/"

// Frame types.
const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypeReject  = "reject"
	TypeCommand = "command"
	TypeOutput  = "output"
	TypeTrace   = "trace"
	TypeBye     = "bye"
)

// Message is the single wire frame. Only the fields relevant to Type are set.
type Message struct {
	Type    string      `json:"type"`
	Host    string      `json:"host,omitempty"`
	Nonce   string      `json:"nonce,omitempty"`
	Version int         `json:"version,omitempty"`
	Secret  string      `json:"secret,omitempty"`
	Error   string      `json:"error,omitempty"`
	Line    string      `json:"line,omitempty"`
	Text    string      `json:"text,omitempty"`
	Event   *TraceEvent `json:"event,omitempty"`
}

// TraceEvent reports one step of a traced function.
type TraceEvent struct {
	// Kind is "call", "return" or "error".
	Kind     string        `json:"kind"`
	Function string        `json:"function"`
	Args     []string      `json:"args,omitempty"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Depth    int           `json:"depth"`
	Call     int           `json:"call"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
}
