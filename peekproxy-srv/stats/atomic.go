package stats

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCollectorClosed is returned by collectors after Close.
var ErrCollectorClosed = errors.New("stats collector closed")

// ConnectionRecord is what the in-memory collector keeps per connection.
type ConnectionRecord struct {
	ID            int64
	ClientIP      string
	TargetHost    string
	TargetPort    int
	Kind          string
	StartedAt     time.Time
	EndedAt       *time.Time
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	CloseReason   string
}

// ErrorRecord is a single recorded error.
type ErrorRecord struct {
	ConnectionID int64
	ErrorType    string
	ErrorMessage string
	Timestamp    time.Time
}

// AtomicCollector keeps statistics in memory. Counters are lock-free; the
// per-connection records sit behind a mutex. It backs the "memory" backend
// and tests.
type AtomicCollector struct {
	counters AtomicCounters
	nextID   AtomicInt64Counter
	closed   AtomicBool
	started  time.Time

	mu          sync.Mutex
	connections map[int64]*ConnectionRecord
	errors      []ErrorRecord
}

// NewAtomicCollector creates an empty in-memory collector
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		started:     time.Now(),
		connections: make(map[int64]*ConnectionRecord),
	}
}

// StartConnection records the start of a connection
func (a *AtomicCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	if a.closed.Load() {
		return 0, ErrCollectorClosed
	}

	id := a.nextID.Add(1)
	a.counters.TotalConnections.Add(1)
	a.counters.ActiveConnections.Add(1)

	a.mu.Lock()
	a.connections[id] = &ConnectionRecord{
		ID:         id,
		ClientIP:   clientIP,
		TargetHost: targetHost,
		TargetPort: targetPort,
		Kind:       kind,
		StartedAt:  time.Now(),
	}
	a.mu.Unlock()

	return id, nil
}

// EndConnection records the end of a connection. Ending an unknown or
// already ended connection is a no-op.
func (a *AtomicCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	if a.closed.Load() {
		return ErrCollectorClosed
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	conn, ok := a.connections[connectionID]
	if !ok || conn.EndedAt != nil {
		return nil
	}

	now := time.Now()
	conn.EndedAt = &now
	conn.BytesSent = bytesSent
	conn.BytesReceived = bytesReceived
	conn.Duration = duration
	conn.CloseReason = closeReason

	a.counters.ActiveConnections.Add(-1)
	a.counters.TotalBytesOut.Add(bytesSent)
	a.counters.TotalBytesIn.Add(bytesReceived)
	return nil
}

// RecordDataTransfer counts a transfer event. Byte totals are taken from
// EndConnection so they are not counted twice.
func (a *AtomicCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	if a.closed.Load() {
		return ErrCollectorClosed
	}
	a.counters.DataTransferEvents.Add(1)
	return nil
}

// RecordError records an error
func (a *AtomicCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	if a.closed.Load() {
		return ErrCollectorClosed
	}

	a.counters.TotalErrors.Add(1)

	a.mu.Lock()
	a.errors = append(a.errors, ErrorRecord{
		ConnectionID: connectionID,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		Timestamp:    time.Now(),
	})
	a.mu.Unlock()
	return nil
}

// GetOverviewStats returns overview statistics
func (a *AtomicCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	snapshot := a.counters.Snapshot()
	return &OverviewStats{
		TotalConnections:  snapshot.TotalConnections,
		ActiveConnections: snapshot.ActiveConnections,
		TotalErrors:       snapshot.TotalErrors,
		TotalBytesIn:      snapshot.TotalBytesIn,
		TotalBytesOut:     snapshot.TotalBytesOut,
		Uptime:            time.Since(a.started).Round(time.Second).String(),
	}, nil
}

// GetRecentErrors groups errors by type, most recently seen first
func (a *AtomicCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	type group struct {
		summary ErrorSummary
		last    int
	}

	a.mu.Lock()
	byType := make(map[string]*group)
	for i, e := range a.errors {
		g, ok := byType[e.ErrorType]
		if !ok {
			g = &group{summary: ErrorSummary{ErrorType: e.ErrorType}}
			byType[e.ErrorType] = g
		}
		g.summary.Count++
		g.summary.LastMessage = e.ErrorMessage
		g.summary.LastOccurred = e.Timestamp
		g.last = i
	}
	a.mu.Unlock()

	groups := make([]*group, 0, len(byType))
	for _, g := range byType {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].last > groups[j].last })
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}

	summaries := make([]ErrorSummary, len(groups))
	for i, g := range groups {
		summaries[i] = g.summary
	}
	return summaries, nil
}

// Connection returns a copy of the record for id.
func (a *AtomicCollector) Connection(id int64) (ConnectionRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.connections[id]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *conn, true
}

// Connections returns copies of all records ordered by id.
func (a *AtomicCollector) Connections() []ConnectionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	records := make([]ConnectionRecord, 0, len(a.connections))
	for _, conn := range a.connections {
		records = append(records, *conn)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Errors returns a copy of every recorded error.
func (a *AtomicCollector) Errors() []ErrorRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ErrorRecord(nil), a.errors...)
}

// Snapshot returns the current counter values
func (a *AtomicCollector) Snapshot() CounterSnapshot {
	return a.counters.Snapshot()
}

// HealthCheck fails once the collector is closed
func (a *AtomicCollector) HealthCheck(ctx context.Context) error {
	if a.closed.Load() {
		return ErrCollectorClosed
	}
	return nil
}

// Close marks the collector closed; recorded data stays readable.
func (a *AtomicCollector) Close() error {
	a.closed.Set(true)
	return nil
}
