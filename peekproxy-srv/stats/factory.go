package stats

import (
	"context"
	"fmt"

	"github.com/codefionn/peekproxy/peekproxy-srv/config"
)

// DefaultSQLitePath is used when the sqlite backend has no explicit path.
const DefaultSQLitePath = "peekproxy_stats.db"

// CollectorFactory creates statistics collectors based on configuration
type CollectorFactory struct{}

// NewCollectorFactory creates a new collector factory
func NewCollectorFactory() *CollectorFactory {
	return &CollectorFactory{}
}

// CreateCollector creates a statistics collector based on the provided configuration
func (f *CollectorFactory) CreateCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if cfg == nil || !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case "sqlite":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = DefaultSQLitePath
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "memory":
		collector = NewAtomicCollector()
	case "dummy", "":
		collector = NewDummyCollector()
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	return collector, nil
}

// CreateCollectorFromConfig creates a collector from the main configuration
func (f *CollectorFactory) CreateCollectorFromConfig(cfg *config.Config) (Collector, error) {
	return f.CreateCollector(&cfg.Statistics)
}

// HealthChecker provides health check functionality for collectors
type HealthChecker struct {
	collector Collector
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(collector Collector) *HealthChecker {
	return &HealthChecker{collector: collector}
}

// Check performs a health check on the collector
func (h *HealthChecker) Check(ctx context.Context) error {
	if h.collector == nil {
		return fmt.Errorf("no collector configured")
	}
	return h.collector.HealthCheck(ctx)
}
