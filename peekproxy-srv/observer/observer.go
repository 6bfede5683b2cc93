// Package observer defines the events the proxy reports while handling
// connections, and the records produced for classified requests.
package observer

import (
	"net"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/request"
)

// Observer receives point events from the proxy. Implementations must be safe
// for concurrent use and must not block the caller beyond writing a line.
type Observer interface {
	ProxyStarted(addr string)
	ConnectionAccepted(clientAddr string)
	HTTPRequest(log *RequestLog)
	ConnectRequest(log *ConnectLog)
	ConnectionEstablished(target string)
	ConnectionFailed(ev ErrorEvent)
	TunnelClosed(target string, sent, received int64, duration time.Duration)
	Error(ev ErrorEvent)
}

// Error categories. Statistics group errors by category, so a category never
// carries addresses or other per-connection detail.
const (
	CategoryAccept     = "accept"
	CategoryRead       = "read"
	CategoryMalformed  = "malformed"
	CategoryDial       = "dial"
	CategoryRelay      = "relay"
	CategoryReply      = "reply"
	CategoryStatistics = "statistics"
)

// ErrorEvent is a failure seen while accepting or serving a connection.
type ErrorEvent struct {
	Category     string
	Subject      string // client or target address, empty for listener errors
	ConnectionID int64  // statistics record of the connection, 0 if none
	Err          error
}

// Message joins the subject and the error text.
func (e ErrorEvent) Message() string {
	text := "<nil>"
	if e.Err != nil {
		text = e.Err.Error()
	}
	if e.Subject == "" {
		return text
	}
	return e.Subject + ": " + text
}

// RequestLog is a snapshot of a non-CONNECT request.
type RequestLog struct {
	Line       request.Line
	Headers    request.Headers
	ClientAddr string
	Raw        []byte
	Timestamp  time.Time
}

// ConnectLog is a snapshot of a CONNECT request with a valid target.
type ConnectLog struct {
	Target     request.ConnectTarget
	Version    string
	Headers    request.Headers
	ClientAddr string
	Raw        []byte
	Timestamp  time.Time
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func copyBytes(buf []byte) []byte {
	return append([]byte(nil), buf...)
}

// ParseAndLogHTTPRequest builds the record for a non-CONNECT request. It
// returns false if buf does not start with a request line or the method is
// CONNECT.
func ParseAndLogHTTPRequest(buf []byte, clientAddr net.Addr) (*RequestLog, bool) {
	head, ok := request.ParseHead(buf)
	if !ok || head.Line.IsConnect() {
		return nil, false
	}

	return &RequestLog{
		Line:       head.Line,
		Headers:    head.Headers,
		ClientAddr: addrString(clientAddr),
		Raw:        copyBytes(buf),
		Timestamp:  time.Now(),
	}, true
}

// ParseAndLogConnectRequest builds the record for a CONNECT request. It
// returns false unless buf holds a CONNECT line with a valid host:port.
func ParseAndLogConnectRequest(buf []byte, clientAddr net.Addr) (*ConnectLog, bool) {
	head, ok := request.ParseHead(buf)
	if !ok || !head.Line.IsConnect() {
		return nil, false
	}

	target, err := request.ParseConnectTarget(head.Line.Target)
	if err != nil {
		return nil, false
	}

	return &ConnectLog{
		Target:     target,
		Version:    head.Line.Version,
		Headers:    head.Headers,
		ClientAddr: addrString(clientAddr),
		Raw:        copyBytes(buf),
		Timestamp:  time.Now(),
	}, true
}

// Nop discards every event.
type Nop struct{}

func (Nop) ProxyStarted(string)                              {}
func (Nop) ConnectionAccepted(string)                        {}
func (Nop) HTTPRequest(*RequestLog)                          {}
func (Nop) ConnectRequest(*ConnectLog)                       {}
func (Nop) ConnectionEstablished(string)                     {}
func (Nop) ConnectionFailed(ErrorEvent)                      {}
func (Nop) TunnelClosed(string, int64, int64, time.Duration) {}
func (Nop) Error(ErrorEvent)                                 {}

// Multi forwards every event to each observer in order.
type Multi []Observer

func (m Multi) ProxyStarted(addr string) {
	for _, o := range m {
		o.ProxyStarted(addr)
	}
}

func (m Multi) ConnectionAccepted(clientAddr string) {
	for _, o := range m {
		o.ConnectionAccepted(clientAddr)
	}
}

func (m Multi) HTTPRequest(log *RequestLog) {
	for _, o := range m {
		o.HTTPRequest(log)
	}
}

func (m Multi) ConnectRequest(log *ConnectLog) {
	for _, o := range m {
		o.ConnectRequest(log)
	}
}

func (m Multi) ConnectionEstablished(target string) {
	for _, o := range m {
		o.ConnectionEstablished(target)
	}
}

func (m Multi) ConnectionFailed(ev ErrorEvent) {
	for _, o := range m {
		o.ConnectionFailed(ev)
	}
}

func (m Multi) TunnelClosed(target string, sent, received int64, duration time.Duration) {
	for _, o := range m {
		o.TunnelClosed(target, sent, received, duration)
	}
}

func (m Multi) Error(ev ErrorEvent) {
	for _, o := range m {
		o.Error(ev)
	}
}
