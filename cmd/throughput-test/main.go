package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/config"
	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	"github.com/codefionn/peekproxy/peekproxy-srv/proxy"
	"golang.org/x/sync/errgroup"
)

var (
	numTunnels  = flag.Int("tunnels", 100, "Total number of CONNECT tunnels to open")
	concurrency = flag.Int("concurrency", 10, "Number of tunnels open at the same time")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Bytes the target sends through each tunnel")
	proxyAddr   = flag.String("proxy", "", "Measure an already running proxy instead of an in-process one")
)

// serveData writes payload to every accepted connection and closes it.
func serveData(ln net.Listener, payload []byte) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if _, err := conn.Write(payload); err != nil {
				logger.Error("failed to write data: %v", err)
			}
		}()
	}
}

// fetchThroughTunnel opens a CONNECT tunnel to target and reads until the
// target closes.
func fetchThroughTunnel(ctx context.Context, proxyAddr, target string) (int64, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return 0, fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		return 0, fmt.Errorf("write CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	if !strings.Contains(status, " 200 ") {
		return 0, fmt.Errorf("unexpected status %q", strings.TrimSpace(status))
	}
	// Skip the rest of the response head
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("read response head: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	n, err := io.Copy(io.Discard, reader)
	if err != nil {
		return n, fmt.Errorf("read payload: %w", err)
	}
	if n != int64(*dataSize) {
		return n, fmt.Errorf("read %d bytes, want %d", n, *dataSize)
	}
	return n, nil
}

func startProxy() (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	cfg := config.Default()
	cfg.ListenHost = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.DialTimeoutSeconds = 5

	server, err := proxy.NewServer(cfg, nil, nil)
	if err != nil {
		_ = ln.Close()
		return "", nil, err
	}
	go func() {
		if err := server.StartWithListener(ln); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()
	return ln.Addr().String(), func() { _ = server.Stop() }, nil
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)
	os.Exit(run())
}

// run performs the measurement and returns the process exit code.
func run() int {
	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	payload := []byte(strings.Repeat("a", *dataSize))

	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen for target: %v\n", err)
		return 1
	}
	defer targetLn.Close()
	go serveData(targetLn, payload)

	addr := *proxyAddr
	if addr == "" {
		var stop func()
		addr, stop, err = startProxy()
		if err != nil {
			fmt.Fprintf(os.Stderr, "start proxy: %v\n", err)
			return 1
		}
		defer stop()
	}

	var success, failures, total atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(*concurrency)

	start := time.Now()
	for range *numTunnels {
		g.Go(func() error {
			n, err := fetchThroughTunnel(ctx, addr, targetLn.Addr().String())
			if err != nil {
				failures.Add(1)
				logger.Error("tunnel failed: %v", err)
				return nil
			}
			success.Add(1)
			total.Add(n)
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)

	tps := float64(success.Load()) / dur.Seconds()
	mbps := float64(total.Load()) / dur.Seconds() / 1024 / 1024

	fmt.Printf("Duration: %.2f s, Success: %d, Errors: %d\n", dur.Seconds(), success.Load(), failures.Load())
	fmt.Printf("Tunnels/s: %.2f, Throughput: %.2f MB/s\n", tps, mbps)

	if failures.Load() > 0 || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, "Test failed: timeout or errors")
		return 1
	}
	return 0
}
