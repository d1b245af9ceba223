// pkg/connector/duckdb.go
package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/config"
)

// DuckDBConnector implements the DatabaseConnector interface for an embedded DuckDB file
type DuckDBConnector struct {
	db     *sqlx.DB
	logger *zap.Logger
	cfg    *config.DuckDBConfig
}

// NewDuckDBConnector opens the DuckDB warehouse
func NewDuckDBConnector(ctx context.Context, cfg *config.DuckDBConfig) (*DuckDBConnector, error) {
	logger := zap.L().Named("duckdb-connector")

	logger.Info("Opening DuckDB warehouse",
		zap.String("path", cfg.Path),
		zap.Int("threads", cfg.Threads))

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create warehouse directory: %w", err)
	}

	db, err := sqlx.Open("duckdb", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB connection: %w", err)
	}

	if err := PingWithTimeout(ctx, db.DB, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open DuckDB warehouse: %w", err)
	}

	return &DuckDBConnector{
		db:     db,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// DB returns the underlying database handle
func (c *DuckDBConnector) DB() *sqlx.DB {
	return c.db
}

// Dialect returns the DuckDB dialect
func (c *DuckDBConnector) Dialect() Dialect {
	return DuckDBDialect()
}

// Validate checks the DuckDB engine responds
func (c *DuckDBConnector) Validate(ctx context.Context) error {
	var version string
	if err := c.db.GetContext(ctx, &version, "SELECT version()"); err != nil {
		return fmt.Errorf("failed to query DuckDB version: %w", err)
	}
	c.logger.Debug("Connected to DuckDB", zap.String("version", version))
	return nil
}

// Close closes the database connection
func (c *DuckDBConnector) Close() error {
	c.logger.Debug("Closing DuckDB warehouse")
	LogConnectionStats(c.logger, c.cfg.Path, c.db.DB)
	return c.db.Close()
}
