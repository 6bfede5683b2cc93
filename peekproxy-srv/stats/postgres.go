package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/peekproxy/peekproxy-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLCollector implements Collector using PostgreSQL
type PostgreSQLCollector struct {
	db      *sql.DB
	started time.Time
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initSchema(context.Background(), db, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector postgresql")

	return &PostgreSQLCollector{db: db, started: time.Now()}, nil
}

// StartConnection records the start of a connection
func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, kind string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, kind)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		nullableString(clientIP), targetHost, targetPort, kind).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = NOW(), bytes_sent = $1, bytes_received = $2, duration_ms = $3, close_reason = $4
		 WHERE id = $5 AND ended_at IS NULL`,
		bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDataTransfer adds transferred bytes to a connection that is still open
func (p *PostgreSQLCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET bytes_sent = bytes_sent + $1, bytes_received = bytes_received + $2
		 WHERE id = $3 AND ended_at IS NULL`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record data transfer: %w", err)
	}
	return nil
}

// RecordError records an error
func (p *PostgreSQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message)
		 VALUES ($1, $2, $3)`,
		nullableConnectionID(connectionID), errorType, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// GetOverviewStats returns overview statistics
func (p *PostgreSQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE ended_at IS NULL),
		        COALESCE(SUM(bytes_sent), 0),
		        COALESCE(SUM(bytes_received), 0)
		 FROM connections`).
		Scan(&stats.TotalConnections, &stats.ActiveConnections, &stats.TotalBytesOut, &stats.TotalBytesIn)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection stats: %w", err)
	}

	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}

	stats.Uptime = time.Since(p.started).Round(time.Second).String()
	return stats, nil
}

// GetRecentErrors returns error counts grouped by type, most recent first
func (p *PostgreSQLCollector) GetRecentErrors(ctx context.Context, limit int) (errorSummaries []ErrorSummary, err error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT error_type, COUNT(*),
		        (ARRAY_AGG(error_message ORDER BY id DESC))[1],
		        MAX(timestamp)
		 FROM errors
		 GROUP BY error_type
		 ORDER BY MAX(id) DESC
		 LIMIT $1`, limit)
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
		if err := rows.Scan(&summary.ErrorType, &summary.Count, &summary.LastMessage, &summary.LastOccurred); err != nil {
			return nil, fmt.Errorf("failed to scan error summary row: %w", err)
		}
		errorSummaries = append(errorSummaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read error summaries: %w", err)
	}

	return errorSummaries, nil
}

// HealthCheck checks if the database connection is healthy
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgreSQLCollector) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
