// pkg/connector/factory.go
package connector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/config"
)

// ConnectorFactory creates warehouse connectors
type ConnectorFactory struct {
	cfg    *config.WarehouseConfig
	logger *zap.Logger
}

// NewConnectorFactory creates a new connector factory
func NewConnectorFactory(cfg *config.WarehouseConfig, logger *zap.Logger) *ConnectorFactory {
	return &ConnectorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// Open creates a connector for the configured driver. The caller owns it and must Close it.
func (f *ConnectorFactory) Open(ctx context.Context) (DatabaseConnector, error) {
	f.logger.Debug("Creating warehouse connector", zap.String("driver", f.cfg.Driver))

	var (
		conn DatabaseConnector
		err  error
	)

	switch f.cfg.Driver {
	case config.DriverSQLite:
		conn, err = NewSQLiteConnector(ctx, f.cfg.SQLite)
	case config.DriverDuckDB:
		conn, err = NewDuckDBConnector(ctx, f.cfg.DuckDB)
	case config.DriverPostgres:
		conn, err = NewPostgresConnector(ctx, f.cfg.Postgres)
	case config.DriverSnowflake:
		conn, err = NewSnowflakeConnector(ctx, f.cfg.Snowflake)
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", f.cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector: %w", f.cfg.Driver, err)
	}

	return conn, nil
}
