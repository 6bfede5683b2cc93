package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/request"
)

// Kind is the outcome of classifying the first bytes of a connection.
type Kind int

const (
	// KindEmpty means the client closed without sending anything.
	KindEmpty Kind = iota
	// KindRequest is any request line whose method is not CONNECT.
	KindRequest
	// KindConnect is a CONNECT request with a valid host:port target.
	KindConnect
	// KindInvalidConnect is a CONNECT request whose target does not parse.
	KindInvalidConnect
	// KindUnrecognized means the first line is not a request line.
	KindUnrecognized
	// KindTooLarge means the head exceeded the configured maximum.
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindRequest:
		return "request"
	case KindConnect:
		return "connect"
	case KindInvalidConnect:
		return "invalid-connect"
	case KindUnrecognized:
		return "unrecognized"
	case KindTooLarge:
		return "too-large"
	default:
		return "unknown"
	}
}

// Classification describes what a client asked for.
type Classification struct {
	Kind    Kind
	Line    request.Line
	Target  request.ConnectTarget // set for KindConnect
	Headers request.Headers
	Raw     []byte // the head as read, terminator included
	Pending []byte // bytes that arrived after the head
	Err     error  // set for KindUnrecognized, KindInvalidConnect, KindTooLarge
}

// Classify inspects buf, everything read from a connection so far. It never
// fails; malformed input yields KindUnrecognized or KindInvalidConnect.
func Classify(buf []byte) Classification {
	if len(buf) == 0 {
		return Classification{Kind: KindEmpty}
	}

	c := Classification{Raw: buf}
	if end := request.HeadEnd(buf); end >= 0 {
		c.Raw = buf[:end]
		if end < len(buf) {
			c.Pending = buf[end:]
		}
	}

	head, ok := request.ParseHead(c.Raw)
	if !ok {
		c.Kind = KindUnrecognized
		c.Err = newCodedError(ErrCodeMalformedRequest, fmt.Errorf("%q", firstLine(c.Raw)))
		return c
	}
	c.Line = head.Line
	c.Headers = head.Headers

	if !head.Line.IsConnect() {
		c.Kind = KindRequest
		return c
	}

	target, err := request.ParseConnectTarget(head.Line.Target)
	if err != nil {
		c.Kind = KindInvalidConnect
		c.Err = newCodedError(ErrCodeInvalidConnectTarget, fmt.Errorf("%q: %w", head.Line.Target, err))
		return c
	}
	c.Kind = KindConnect
	c.Target = target
	return c
}

func firstLine(buf []byte) string {
	text := request.Decode(buf)
	for i := 0; i < len(text); i++ {
		if text[i] == '\r' || text[i] == '\n' {
			return text[:i]
		}
	}
	return text
}

// readRequestHead reads from conn until the head terminator shows up, the
// client stops sending, or more than maxBytes arrived. Bytes read past the
// terminator are returned too. A client that sends nothing yields
// ErrEmptyRequest; an oversized head yields ErrRequestTooLarge together with
// what was read.
func readRequestHead(conn net.Conn, maxBytes int, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, newCodedError(ErrCodeHTTPRequestReadFailed, err)
		}
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	chunk := getHeadChunk()
	defer putHeadChunk(chunk)

	var buf []byte
	for {
		n, err := conn.Read(*chunk)
		if n > 0 {
			buf = append(buf, (*chunk)[:n]...)
			if end := request.HeadEnd(buf); end >= 0 {
				if end > maxBytes {
					return buf, ErrRequestTooLarge
				}
				return buf, nil
			}
			if len(buf) > maxBytes {
				return buf, ErrRequestTooLarge
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				return buf, newCodedError(ErrCodeHTTPRequestReadFailed, err)
			}
			if len(buf) == 0 {
				return nil, ErrEmptyRequest
			}
			return buf, nil
		}
	}
}

// readClassification reads the head from conn and classifies it. The
// returned error is set only for read failures other than a clean EOF.
func readClassification(conn net.Conn, maxBytes int, timeout time.Duration) (Classification, error) {
	buf, err := readRequestHead(conn, maxBytes, timeout)
	switch {
	case errors.Is(err, ErrEmptyRequest):
		return Classification{Kind: KindEmpty}, nil
	case errors.Is(err, ErrRequestTooLarge):
		return Classification{
			Kind: KindTooLarge,
			Raw:  buf,
			Err:  newCodedError(ErrCodeRequestTooLarge, fmt.Errorf("%w: more than %d bytes", err, maxBytes)),
		}, nil
	case err != nil:
		return Classification{}, err
	}
	return Classify(buf), nil
}
