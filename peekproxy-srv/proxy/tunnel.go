package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/observer"
	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
	"golang.org/x/sync/errgroup"
)

const (
	connectEstablishedResponse = "HTTP/1.1 200 Connection Established\r\n\r\n"
	badGatewayResponse         = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// tunnel carries one CONNECT request from dial to teardown.
type tunnel struct {
	dialer      Dialer
	dialTimeout time.Duration
	observer    observer.Observer
	collector   stats.Collector
}

// serve dials the target of c and relays between client and upstream until
// both sides are done. The client connection is left to the caller to close.
func (t *tunnel) serve(ctx context.Context, client net.Conn, c Classification) {
	target := c.Target.Addr()
	// Statistics and established tunnels outlive a server shutdown; only the
	// dial follows ctx.
	detached := context.WithoutCancel(ctx)
	clientAddr := client.RemoteAddr().String()
	connectionID, err := t.collector.StartConnection(detached, clientIP(client.RemoteAddr()), c.Target.Host, int(c.Target.Port), stats.KindTunnel)
	if err != nil {
		t.observer.Error(observer.ErrorEvent{Category: observer.CategoryStatistics, Subject: clientAddr, Err: err})
	}
	// fail builds an event tied to this connection's statistics record.
	fail := func(category, subject string, err error) observer.ErrorEvent {
		return observer.ErrorEvent{Category: category, Subject: subject, ConnectionID: connectionID, Err: err}
	}

	start := time.Now()
	upstream, err := t.dial(ctx, target)
	if err != nil {
		dialErr := newCodedError(ErrCodeUpstreamConnectFailed, err)
		t.observer.ConnectionFailed(fail(observer.CategoryDial, target, dialErr))
		_ = t.collector.EndConnection(detached, connectionID, 0, 0, time.Since(start), stats.CloseReasonDialFailed)
		if werr := writeResponse(client, badGatewayResponse); werr != nil {
			t.observer.Error(fail(observer.CategoryReply, clientAddr, werr))
		}
		return
	}

	tracked := newTrackedConn(detached, upstream, t.collector, connectionID)
	if err := writeResponse(client, connectEstablishedResponse); err != nil {
		t.observer.Error(fail(observer.CategoryReply, clientAddr, err))
		_ = tracked.finish(stats.CloseReasonRelayFailed)
		return
	}
	t.observer.ConnectionEstablished(target)

	sent, received, relayErr := relay(detached, client, tracked, c.Pending)

	reason := stats.CloseReasonNormal
	if relayErr != nil {
		reason = stats.CloseReasonRelayFailed
		t.observer.Error(fail(observer.CategoryRelay, target, relayErr))
	}
	_ = tracked.finish(reason)
	t.observer.TunnelClosed(target, sent, received, time.Since(start))
}

func (t *tunnel) dial(ctx context.Context, target string) (net.Conn, error) {
	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// relay copies client to upstream and upstream to client at the same time.
// pending is written to upstream before anything else read from client. A
// direction that reaches EOF half-closes its destination and the other one
// keeps draining. The first failure closes both connections and is
// returned. sent counts bytes that reached upstream, received counts bytes
// that reached the client.
func relay(ctx context.Context, client, upstream net.Conn, pending []byte) (sent, received int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error {
		if len(pending) > 0 {
			n, err := upstream.Write(pending)
			sent += int64(n)
			if err != nil {
				if isClosedErr(err) {
					return nil
				}
				return fmt.Errorf("client->upstream: %w", err)
			}
		}
		n, err := pipe(upstream, client)
		sent += n
		if err != nil {
			return fmt.Errorf("client->upstream: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		n, err := pipe(client, upstream)
		received = n
		if err != nil {
			return fmt.Errorf("upstream->client: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return sent, received, newCodedError(ErrCodeRelayFailed, err)
	}
	return sent, received, nil
}

// pipe copies src to dst and then half-closes dst. Closure of either side
// is not an error.
func pipe(dst, src net.Conn) (int64, error) {
	n, err := copyBuffer(dst, src)
	if err != nil && !isClosedErr(err) {
		return n, err
	}
	closeWrite(dst)
	return n, nil
}

// closeWrite signals EOF to the peer behind conn. Connections without a
// write side of their own are closed entirely.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil || isClosedErr(err) {
			return
		}
	}
	_ = conn.Close()
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func writeResponse(conn net.Conn, response string) error {
	if _, err := io.WriteString(conn, response); err != nil {
		return newCodedError(ErrCodeHTTPResponseWriteFailed, err)
	}
	return nil
}

func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
