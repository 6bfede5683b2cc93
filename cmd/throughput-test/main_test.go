package main

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setFlags(t *testing.T, tunnels, size int, proxy string) {
	t.Helper()
	oldTunnels, oldConcurrency, oldTimeout, oldSize, oldProxy := *numTunnels, *concurrency, *testTimeout, *dataSize, *proxyAddr
	t.Cleanup(func() {
		*numTunnels, *concurrency, *testTimeout, *dataSize, *proxyAddr = oldTunnels, oldConcurrency, oldTimeout, oldSize, oldProxy
	})
	*numTunnels = tunnels
	*concurrency = 2
	*testTimeout = 5 * time.Second
	*dataSize = size
	*proxyAddr = proxy
}

func TestRunExitCodes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := ln.Addr().String()
	require.NoError(t, ln.Close())

	tests := []struct {
		name  string
		proxy string
		want  int
	}{
		{"in-process proxy", "", 0},
		{"unreachable proxy", closed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setFlags(t, 4, 4096, tt.proxy)
			assert.Equal(t, tt.want, run())
		})
	}
}
