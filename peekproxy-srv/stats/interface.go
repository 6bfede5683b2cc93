package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Bandwidth tracking
	RecordDataTransfer(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64) error

	// Error tracking. connectionID is 0 when the error is not tied to a
	// recorded connection.
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error

	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error)

	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// Connection kinds recorded by the proxy
const (
	KindTunnel   = "connect"
	KindRedirect = "redirect"
)

// Close reasons recorded when a connection ends
const (
	CloseReasonNormal      = "normal"
	CloseReasonDialFailed  = "dial_failed"
	CloseReasonRelayFailed = "relay_failed"
)

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64  `json:"total_connections"`
	ActiveConnections int64  `json:"active_connections"`
	TotalErrors       int64  `json:"total_errors"`
	TotalBytesIn      int64  `json:"total_bytes_in"`
	TotalBytesOut     int64  `json:"total_bytes_out"`
	Uptime            string `json:"uptime"`
}

// ErrorSummary represents error statistics
type ErrorSummary struct {
	ErrorType    string    `json:"error_type"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}
