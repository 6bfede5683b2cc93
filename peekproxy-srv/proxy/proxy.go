package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/config"
	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	"github.com/codefionn/peekproxy/peekproxy-srv/observer"
	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
	"golang.org/x/sync/semaphore"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts raw TCP connections and serves each one on its own
// goroutine: CONNECT requests become tunnels, everything else gets a stub
// response.
type Server struct {
	config    *config.Config
	observer  observer.Observer
	collector stats.Collector
	dialer    Dialer
	slots     *semaphore.Weighted // nil when admission is unlimited

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	stopped  bool

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewServer creates a server for cfg. A nil observer discards events and a
// nil collector records nothing.
func NewServer(cfg *config.Config, obs observer.Observer, collector stats.Collector) (*Server, error) {
	if cfg == nil {
		return nil, newCodedError(ErrCodeInvalidServerConfig, errors.New("missing configuration"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, newCodedError(ErrCodeInvalidServerConfig, err)
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	dialer, err := NewDialer(cfg.Upstream, cfg.DialTimeout())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		observer:  obs,
		collector: collector,
		dialer:    dialer,
		ctx:       ctx,
		cancel:    cancel,
	}
	if cfg.MaxConcurrentConnections > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections))
	}
	return s, nil
}

// Start binds the configured address and serves until Stop is called.
func (s *Server) Start() error {
	addr := s.config.ListenAddr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return newCodedError(ErrCodeListenerCreateFailed, fmt.Errorf("listen on %s: %w", addr, err))
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves connections from listener until Stop is called,
// then returns nil. Accept failures are reported and retried with a backoff
// of 5ms doubling up to 1s. With a connection limit a slot is taken before
// each Accept, so clients beyond the limit wait in the listen backlog.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.observer.ProxyStarted(listener.Addr().String())

	var backoff time.Duration
	for {
		if s.slots != nil {
			if err := s.slots.Acquire(s.ctx, 1); err != nil {
				return nil
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			s.releaseSlot()
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}

			backoff = nextBackoff(backoff)
			s.observer.Error(observer.ErrorEvent{Category: observer.CategoryAccept, Err: err})
			logger.Debug("Accept failed, retrying in %s", backoff)
			if !s.sleep(backoff) {
				return nil
			}
			continue
		}
		backoff = 0

		s.active.Add(1)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}

// sleep waits for d unless the server stops first.
func (s *Server) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseSlot()
	defer s.active.Add(-1)
	defer conn.Close()

	clientAddr := conn.RemoteAddr().String()
	s.observer.ConnectionAccepted(clientAddr)

	c, err := readClassification(conn, s.config.MaxRequestBytes, s.config.ReadTimeout())
	if err != nil {
		s.observer.Error(observer.ErrorEvent{Category: observer.CategoryRead, Subject: clientAddr, Err: err})
		return
	}

	logger.Trace("%s", logger.WithConn(clientAddr, "classified as %s", c.Kind))

	fb := &fallback{observer: s.observer, collector: s.collector}
	switch c.Kind {
	case KindEmpty:
		return
	case KindConnect:
		if log, ok := observer.ParseAndLogConnectRequest(c.Raw, conn.RemoteAddr()); ok {
			s.observer.ConnectRequest(log)
		}
		t := &tunnel{
			dialer:      s.dialer,
			dialTimeout: s.config.DialTimeout(),
			observer:    s.observer,
			collector:   s.collector,
		}
		t.serve(s.ctx, conn, c)
	case KindRequest:
		if log, ok := observer.ParseAndLogHTTPRequest(c.Raw, conn.RemoteAddr()); ok {
			s.observer.HTTPRequest(log)
		}
		fb.redirect(s.ctx, conn, c)
	default:
		fb.reject(conn, c)
	}
}

// Addr returns the address the server listens on, nil before it started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Stop closes the listener and aborts pending dials. Connections already
// accepted are served to the end; established tunnels run until their peers
// close them.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	s.mu.Unlock()

	s.cancel()
	if listener == nil {
		return nil
	}
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Wait blocks until every accepted connection has been served.
func (s *Server) Wait() {
	s.wg.Wait()
}
