// pkg/connector/sqlite.go
package connector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/config"
)

// InMemoryPath opens a private in-memory SQLite database
const InMemoryPath = ":memory:"

// SQLiteConnector implements the DatabaseConnector interface for a SQLite file
type SQLiteConnector struct {
	db     *sqlx.DB
	logger *zap.Logger
	cfg    *config.SQLiteConfig
}

// NewSQLiteConnector opens the SQLite warehouse, creating its directory if needed
func NewSQLiteConnector(ctx context.Context, cfg *config.SQLiteConfig) (*SQLiteConnector, error) {
	logger := zap.L().Named("sqlite-connector")

	logger.Info("Opening SQLite warehouse", zap.String("path", cfg.Path))

	if cfg.Path != InMemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create warehouse directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite connection: %w", err)
	}

	// One connection: SQLite has a single writer, and an in-memory database
	// lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := PingWithTimeout(ctx, db.DB, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open SQLite warehouse: %w", err)
	}

	return &SQLiteConnector{
		db:     db,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// DB returns the underlying database handle
func (c *SQLiteConnector) DB() *sqlx.DB {
	return c.db
}

// Dialect returns the SQLite dialect
func (c *SQLiteConnector) Dialect() Dialect {
	return SQLiteDialect()
}

// Validate checks the SQLite library responds
func (c *SQLiteConnector) Validate(ctx context.Context) error {
	var version string
	if err := c.db.GetContext(ctx, &version, "SELECT sqlite_version()"); err != nil {
		return fmt.Errorf("failed to query SQLite version: %w", err)
	}
	c.logger.Debug("Connected to SQLite", zap.String("version", version))
	return nil
}

// Close closes the database connection
func (c *SQLiteConnector) Close() error {
	c.logger.Debug("Closing SQLite warehouse")
	LogConnectionStats(c.logger, c.cfg.Path, c.db.DB)
	return c.db.Close()
}
