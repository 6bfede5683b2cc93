package proxy

import (
	"context"
	"net"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/observer"
	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
)

const (
	badRequestResponse      = "HTTP/1.1 400 Bad Request\r\n\r\n"
	headerTooLargeResponse  = "HTTP/1.1 431 Request Header Fields Too Large\r\n\r\n"
	redirectResponsePrefix  = "HTTP/1.1 302 Found\r\nLocation: "
	redirectResponseTrailer = "\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
)

// redirectResponse answers a plain request by pointing the client at the
// target it asked for. The target cannot hold whitespace since the request
// line was split on it.
func redirectResponse(target string) string {
	return redirectResponsePrefix + target + redirectResponseTrailer
}

// fallback answers every request the proxy does not tunnel.
type fallback struct {
	observer  observer.Observer
	collector stats.Collector
}

// redirect writes the 302 stub for a non-CONNECT request. No origin is
// contacted and no body is read.
func (f *fallback) redirect(ctx context.Context, client net.Conn, c Classification) {
	detached := context.WithoutCancel(ctx)
	start := time.Now()

	clientAddr := client.RemoteAddr().String()
	connectionID, err := f.collector.StartConnection(detached, clientIP(client.RemoteAddr()), c.Line.Target, 0, stats.KindRedirect)
	if err != nil {
		f.observer.Error(observer.ErrorEvent{Category: observer.CategoryStatistics, Subject: clientAddr, Err: err})
	}

	response := redirectResponse(c.Line.Target)
	reason := stats.CloseReasonNormal
	var sent int64
	if err := writeResponse(client, response); err != nil {
		reason = stats.CloseReasonRelayFailed
		f.observer.Error(observer.ErrorEvent{Category: observer.CategoryReply, Subject: clientAddr, ConnectionID: connectionID, Err: err})
	} else {
		sent = int64(len(response))
	}

	_ = f.collector.EndConnection(detached, connectionID, int64(len(c.Raw)), sent, time.Since(start), reason)
}

// reject answers a request the proxy cannot serve with a bare status line.
func (f *fallback) reject(client net.Conn, c Classification) {
	var response string
	switch c.Kind {
	case KindTooLarge:
		response = headerTooLargeResponse
	case KindInvalidConnect:
		response = badGatewayResponse
	default:
		response = badRequestResponse
	}

	clientAddr := client.RemoteAddr().String()
	if c.Err != nil {
		f.observer.Error(observer.ErrorEvent{Category: observer.CategoryMalformed, Subject: clientAddr, Err: c.Err})
	}
	if err := writeResponse(client, response); err != nil {
		f.observer.Error(observer.ErrorEvent{Category: observer.CategoryReply, Subject: clientAddr, Err: err})
	}
}
