package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codefionn/peekproxy/peekproxy-srv/config"
	"github.com/codefionn/peekproxy/peekproxy-srv/observer"
	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
)

// event is one call received by recordingObserver.
type event struct {
	name         string
	target       string
	category     string
	connectionID int64
	err          error
	request      *observer.RequestLog
	connect      *observer.ConnectLog
	sent         int64
	received     int64
}

// recordingObserver keeps every event for later assertions.
type recordingObserver struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingObserver) add(ev event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) byName(name string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, ev := range r.events {
		if ev.name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingObserver) waitFor(t *testing.T, name string, count int) []event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.byName(name)) >= count
	}, 3*time.Second, 10*time.Millisecond, "waiting for %d %s event(s)", count, name)
	return r.byName(name)
}

func (r *recordingObserver) ProxyStarted(addr string) { r.add(event{name: "started", target: addr}) }
func (r *recordingObserver) ConnectionAccepted(clientAddr string) {
	r.add(event{name: "accepted", target: clientAddr})
}
func (r *recordingObserver) HTTPRequest(log *observer.RequestLog) {
	r.add(event{name: "request", request: log})
}
func (r *recordingObserver) ConnectRequest(log *observer.ConnectLog) {
	r.add(event{name: "connect", connect: log})
}
func (r *recordingObserver) ConnectionEstablished(target string) {
	r.add(event{name: "established", target: target})
}
func (r *recordingObserver) ConnectionFailed(ev observer.ErrorEvent) {
	r.add(event{name: "failed", target: ev.Subject, category: ev.Category, connectionID: ev.ConnectionID, err: ev.Err})
}
func (r *recordingObserver) TunnelClosed(target string, sent, received int64, _ time.Duration) {
	r.add(event{name: "closed", target: target, sent: sent, received: received})
}
func (r *recordingObserver) Error(ev observer.ErrorEvent) {
	r.add(event{name: "error", target: ev.Subject, category: ev.Category, connectionID: ev.ConnectionID, err: ev.Err})
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	other, ok := <-accepted
	require.True(t, ok, "accept failed")

	t.Cleanup(func() {
		_ = dialed.Close()
		_ = other.Close()
	})
	return dialed, other
}

// startEchoServer starts a TCP server that writes back whatever it reads.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// unusedAddr returns a loopback address nothing listens on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ListenHost = "127.0.0.1"
	return cfg
}

// startServer serves a proxy on a loopback listener until the test ends.
func startServer(t *testing.T, cfg *config.Config, obs observer.Observer, collector stats.Collector) *Server {
	t.Helper()
	s, err := NewServer(cfg, obs, collector)
	require.NoError(t, err)
	serveServer(t, s)
	return s
}

func serveServer(t *testing.T, s *Server) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.StartWithListener(ln) }()
	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		require.NoError(t, s.Stop())
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("server did not return after Stop")
		}
	})
}

func dialProxy(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readAll reads from conn until EOF or the deadline passes.
func readAll(t *testing.T, conn net.Conn, timeout time.Duration) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	data, err := io.ReadAll(conn)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatalf("timed out reading, got %q so far", data)
	}
	require.NoError(t, err)
	return string(data)
}

// readExactly reads n bytes from conn or fails the test.
func readExactly(t *testing.T, conn net.Conn, n int) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err, "got %q", buf)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return string(buf)
}

// blockingDialer never connects; dials return once their context is done or
// release is closed.
type blockingDialer struct {
	release chan struct{}
	started chan string
}

func newBlockingDialer() *blockingDialer {
	return &blockingDialer{release: make(chan struct{}), started: make(chan string, 16)}
}

func (d *blockingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.started <- addr
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.release:
		return nil, errors.New("released without connecting")
	}
}
