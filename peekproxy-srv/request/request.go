// Package request parses the head of an HTTP/1.x style request: the request
// line and the header lines up to the first blank line. Parsing is lenient
// and never fails on invalid UTF-8.
package request

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// MethodConnect is the method that asks the proxy for a tunnel.
const MethodConnect = "CONNECT"

var (
	// ErrMissingPort is returned for a CONNECT target without a colon.
	ErrMissingPort = errors.New("missing port in connect target")
	// ErrInvalidPort is returned when the port is not an unsigned 16 bit number.
	ErrInvalidPort = errors.New("invalid port in connect target")
	// ErrMissingHost is returned when nothing precedes the port.
	ErrMissingHost = errors.New("missing host in connect target")
)

// Line is the first line of a request.
type Line struct {
	Method  string
	Target  string
	Version string
}

func (l Line) String() string {
	return l.Method + " " + l.Target + " " + l.Version
}

// IsConnect reports whether the line asks for a tunnel.
func (l Line) IsConnect() bool {
	return l.Method == MethodConnect
}

// ParseLine splits a request line on whitespace. Fewer than three tokens is
// not a request line; tokens after the third are ignored.
func ParseLine(line string) (Line, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Line{}, false
	}
	return Line{Method: fields[0], Target: fields[1], Version: fields[2]}, true
}

// ConnectTarget is the host and port of a CONNECT request.
type ConnectTarget struct {
	Host string
	Port uint16
}

// Addr returns the dialable host:port form.
func (t ConnectTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.FormatUint(uint64(t.Port), 10))
}

func (t ConnectTarget) String() string {
	return t.Addr()
}

// ParseConnectTarget splits target on its last colon. Brackets around an
// IPv6 host are removed.
func ParseConnectTarget(target string) (ConnectTarget, error) {
	idx := strings.LastIndexByte(target, ':')
	if idx < 0 {
		return ConnectTarget{}, fmt.Errorf("%w: %q", ErrMissingPort, target)
	}

	port, err := strconv.ParseUint(target[idx+1:], 10, 16)
	if err != nil {
		return ConnectTarget{}, fmt.Errorf("%w: %q", ErrInvalidPort, target)
	}

	host := target[:idx]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return ConnectTarget{}, fmt.Errorf("%w: %q", ErrMissingHost, target)
	}

	return ConnectTarget{Host: host, Port: uint16(port)}, nil
}

// Headers maps header names, as received, to their values.
type Headers map[string]string

// Get returns the value of name, matched case-insensitively.
func (h Headers) Get(name string) string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// Names returns the header names in sorted order.
func (h Headers) Names() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ParseHeaders builds Headers from header lines. Parsing stops at the first
// empty line. Each line is split on its first colon, name and value are
// trimmed, and the last duplicate wins. Lines without a colon are dropped.
func ParseHeaders(lines []string) Headers {
	headers := make(Headers, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers
}

// Head is a parsed request head.
type Head struct {
	Line    Line
	Headers Headers
}

// Decode converts raw bytes to text, replacing invalid UTF-8 with U+FFFD.
func Decode(buf []byte) string {
	return strings.ToValidUTF8(string(buf), "\uFFFD")
}

// ParseHead parses the request line and headers found in buf. It reports
// false when the first line is not a request line.
func ParseHead(buf []byte) (Head, bool) {
	text := Decode(buf)
	if end := HeadEnd([]byte(text)); end >= 0 {
		text = text[:end]
	}

	lines := strings.Split(text, "\n")
	line, ok := ParseLine(strings.TrimRight(lines[0], "\r"))
	if !ok {
		return Head{}, false
	}
	return Head{Line: line, Headers: ParseHeaders(lines[1:])}, true
}

var (
	crlfTerminator = []byte("\r\n\r\n")
	lfTerminator   = []byte("\n\n")
)

// HeadEnd returns the offset just past the blank line ending the head, or
// -1 if buf holds no complete head yet. Both CRLF and bare LF endings are
// accepted; the earlier one wins.
func HeadEnd(buf []byte) int {
	end := -1
	if i := bytes.Index(buf, crlfTerminator); i >= 0 {
		end = i + len(crlfTerminator)
	}
	if i := bytes.Index(buf, lfTerminator); i >= 0 && (end < 0 || i+len(lfTerminator) < end) {
		end = i + len(lfTerminator)
	}
	return end
}
