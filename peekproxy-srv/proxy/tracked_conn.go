package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/stats"
)

// dataTransferFlushBytes is how many unreported bytes a tracked connection
// accumulates before it reports a data transfer event.
const dataTransferFlushBytes = 10240

// trackedConn wraps the upstream side of a tunnel and counts the bytes
// written to it (sent by the client) and read from it (received by the
// client).
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	connectionID  int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	startTime     time.Time
	ctx           context.Context

	flushMu       sync.Mutex
	flushSent     int64
	flushReceived int64
	endOnce       sync.Once
}

// newTrackedConn creates a new tracked connection.
func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		c.bytesReceived.Add(int64(n))
		c.maybeFlush()
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		c.bytesSent.Add(int64(n))
		c.maybeFlush()
	}
	return n, err
}

// CloseWrite half-closes the underlying connection. It fails with
// errors.ErrUnsupported if the connection has no write side to close.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.ErrUnsupported
}

// Totals returns the bytes sent to and received from the connection so far.
func (c *trackedConn) Totals() (sent, received int64) {
	return c.bytesSent.Load(), c.bytesReceived.Load()
}

func (c *trackedConn) maybeFlush() {
	c.flushMu.Lock()
	sent, received := c.Totals()
	toReportSent := sent - c.flushSent
	toReportRecv := received - c.flushReceived
	if toReportSent+toReportRecv < dataTransferFlushBytes {
		c.flushMu.Unlock()
		return
	}
	c.flushSent, c.flushReceived = sent, received
	c.flushMu.Unlock()

	_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, toReportSent, toReportRecv)
}

// finish closes the connection and ends the statistics record with reason.
// A failing close overrides the given reason unless the connection was
// already closed by the relay. Only the first call reaches the collector;
// plain Close calls never do.
func (c *trackedConn) finish(reason string) error {
	err := c.Conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if err != nil {
		reason = err.Error()
	}

	c.endOnce.Do(func() {
		duration := time.Since(c.startTime)

		c.flushMu.Lock()
		finalSent, finalReceived := c.Totals()
		toReportSent := finalSent - c.flushSent
		toReportRecv := finalReceived - c.flushReceived
		c.flushSent, c.flushReceived = finalSent, finalReceived
		c.flushMu.Unlock()

		if toReportSent > 0 || toReportRecv > 0 {
			_ = c.collector.RecordDataTransfer(c.ctx, c.connectionID, toReportSent, toReportRecv)
		}
		_ = c.collector.EndConnection(c.ctx, c.connectionID, finalSent, finalReceived, duration, reason)
	})
	return err
}
