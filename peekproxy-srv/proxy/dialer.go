package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/config"
	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	"golang.org/x/net/proxy"
)

// Dialer opens the upstream side of a tunnel.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns the dialer for the configured upstream. timeout bounds
// each dial, zero means no bound beyond the context.
func NewDialer(upstream config.UpstreamConfig, timeout time.Duration) (Dialer, error) {
	switch upstream.Type {
	case "", config.UpstreamTypeDirect:
		return &directDialer{dialer: net.Dialer{Timeout: timeout}}, nil
	case config.UpstreamTypeSocks5:
		return newSocks5Dialer(upstream, timeout)
	default:
		return nil, newCodedError(ErrCodeInvalidServerConfig, fmt.Errorf("unsupported upstream type %q", upstream.Type))
	}
}

// directDialer opens a plain TCP connection to every target.
type directDialer struct {
	dialer net.Dialer
}

func (d *directDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, newCodedError(ErrCodeDialFailed, err)
	}
	return conn, nil
}

// socks5Dialer reaches every target through one SOCKS5 proxy.
type socks5Dialer struct {
	address string
	dialer  proxy.Dialer
}

func newSocks5Dialer(upstream config.UpstreamConfig, timeout time.Duration) (*socks5Dialer, error) {
	var auth *proxy.Auth
	if upstream.Username != nil && upstream.Password != nil {
		auth = &proxy.Auth{
			User:     *upstream.Username,
			Password: *upstream.Password,
		}
	} else if upstream.Username != nil {
		// Password might be optional depending on SOCKS server config
		auth = &proxy.Auth{User: *upstream.Username}
	}

	forward := &net.Dialer{Timeout: timeout}
	socksDialer, err := proxy.SOCKS5("tcp", upstream.Address, auth, forward)
	if err != nil {
		return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", upstream.Address, err))
	}

	return &socks5Dialer{address: upstream.Address, dialer: socksDialer}, nil
}

func (d *socks5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	logger.Debug("Dialing %s via SOCKS5 proxy %s", addr, d.address)

	if ctxDialer, ok := d.dialer.(proxy.ContextDialer); ok {
		conn, err := ctxDialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, d.connectError(addr, err)
		}
		return conn, nil
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := d.dialer.Dial(network, addr)
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, d.connectError(addr, res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The dial goroutine still finishes; close whatever it produced.
		go func() {
			if res := <-resultChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, d.connectError(addr, ctx.Err())
	}
}

func (d *socks5Dialer) connectError(addr string, err error) error {
	return newCodedError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", addr, d.address, err))
}
