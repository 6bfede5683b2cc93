package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	db      *sql.DB
	started time.Time
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := initSchema(context.Background(), db, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector sqlite (%s)", dbPath)

	return &SQLiteCollector{db: db, started: time.Now()}, nil
}

// StartConnection records the start of a connection
func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, kind, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		nullableString(clientIP), targetHost, targetPort, kind, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get connection ID: %w", err)
	}

	return id, nil
}

// EndConnection records the end of a connection
func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ? AND ended_at IS NULL`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDataTransfer adds transferred bytes to a connection that is still open
func (s *SQLiteCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?
		 WHERE id = ? AND ended_at IS NULL`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *SQLiteCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		nullableConnectionID(connectionID), errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// GetOverviewStats returns overview statistics
func (s *SQLiteCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).
		Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.TotalBytesOut, &stats.TotalBytesIn)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}

	stats.Uptime = time.Since(s.started).Round(time.Second).String()
	return stats, nil
}

// GetRecentErrors returns error counts grouped by type, most recent first
func (s *SQLiteCollector) GetRecentErrors(ctx context.Context, limit int) (errorSummaries []ErrorSummary, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.error_type, COUNT(*),
		        (SELECT error_message FROM errors l WHERE l.error_type = e.error_type ORDER BY l.id DESC LIMIT 1),
		        MAX(e.timestamp)
		 FROM errors e
		 GROUP BY e.error_type
		 ORDER BY MAX(e.id) DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent errors: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var summary ErrorSummary
		var lastOccurred string
		if err := rows.Scan(&summary.ErrorType, &summary.Count, &summary.LastMessage, &lastOccurred); err != nil {
			return nil, fmt.Errorf("failed to scan error summary row: %w", err)
		}
		summary.LastOccurred = parseSQLiteTime(lastOccurred)
		errorSummaries = append(errorSummaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read error summaries: %w", err)
	}

	return errorSummaries, nil
}

// parseSQLiteTime parses timestamps returned from aggregates, which lose the
// column type and come back as text.
func parseSQLiteTime(value string) time.Time {
	formats := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		time.RFC3339Nano,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

// HealthCheck checks if the database connection is healthy
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteCollector) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
