// pkg/config/database.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/snowflakedb/gosnowflake"
)

// Supported warehouse drivers
const (
	DriverSQLite    = "sqlite"
	DriverDuckDB    = "duckdb"
	DriverPostgres  = "postgres"
	DriverSnowflake = "snowflake"
)

// WarehouseConfig selects and configures the warehouse backend
type WarehouseConfig struct {
	Driver    string
	SQLite    *SQLiteConfig
	DuckDB    *DuckDBConfig
	Postgres  *PostgresConfig
	Snowflake *SnowflakeConfig
}

// SQLiteConfig holds SQLite file settings
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// DuckDBConfig holds DuckDB file settings
type DuckDBConfig struct {
	Path    string
	Threads int
}

// SnowflakeConfig holds Snowflake connection parameters
type SnowflakeConfig struct {
	User          string
	Password      string
	Account       string
	Warehouse     string
	Database      string
	Schema        string
	Role          string
	Authenticator gosnowflake.AuthType

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Query timeout
	QueryTimeout time.Duration
}

// PostgresConfig holds PostgreSQL connection parameters
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Statement timeout
	StatementTimeout time.Duration
}

// LoadWarehouseConfig loads the configuration of the selected warehouse driver
func LoadWarehouseConfig() (*WarehouseConfig, error) {
	cfg := &WarehouseConfig{
		Driver: strings.ToLower(getEnv("WAREHOUSE_DRIVER", DriverSQLite)),
	}

	var err error
	switch cfg.Driver {
	case DriverSQLite:
		cfg.SQLite = &SQLiteConfig{
			Path:        getEnv("SQLITE_PATH", "data/database/warehouse.db"),
			BusyTimeout: time.Duration(getEnvAsInt("SQLITE_BUSY_TIMEOUT_MS", 5000)) * time.Millisecond,
		}
	case DriverDuckDB:
		cfg.DuckDB = &DuckDBConfig{
			Path:    getEnv("DUCKDB_PATH", "data/database/warehouse.duckdb"),
			Threads: getEnvAsInt("DUCKDB_THREADS", 0),
		}
	case DriverPostgres:
		cfg.Postgres, err = LoadPostgresConfig()
	case DriverSnowflake:
		cfg.Snowflake, err = LoadSnowflakeConfig()
	default:
		return nil, fmt.Errorf("unsupported WAREHOUSE_DRIVER %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the selected driver has its settings
func (w *WarehouseConfig) Validate() error {
	switch w.Driver {
	case DriverSQLite:
		if w.SQLite == nil || w.SQLite.Path == "" {
			return errors.New("sqlite warehouse requires SQLITE_PATH")
		}
	case DriverDuckDB:
		if w.DuckDB == nil || w.DuckDB.Path == "" {
			return errors.New("duckdb warehouse requires DUCKDB_PATH")
		}
	case DriverPostgres:
		if w.Postgres == nil {
			return errors.New("postgreSQL configuration is required")
		}
	case DriverSnowflake:
		if w.Snowflake == nil {
			return errors.New("snowflake configuration is required")
		}
	default:
		return fmt.Errorf("unsupported warehouse driver %q", w.Driver)
	}
	return nil
}

// LoadSnowflakeConfig loads Snowflake configuration from environment variables
func LoadSnowflakeConfig() (*SnowflakeConfig, error) {
	user := os.Getenv("SNOWFLAKE_USER")
	if user == "" {
		return nil, errors.New("SNOWFLAKE_USER environment variable is required")
	}

	password := os.Getenv("SNOWFLAKE_PASSWORD")
	if password == "" {
		return nil, errors.New("SNOWFLAKE_PASSWORD environment variable is required")
	}

	account := os.Getenv("SNOWFLAKE_ACCOUNT")
	if account == "" {
		return nil, errors.New("SNOWFLAKE_ACCOUNT environment variable is required")
	}

	warehouse := os.Getenv("SNOWFLAKE_WAREHOUSE")
	if warehouse == "" {
		return nil, errors.New("SNOWFLAKE_WAREHOUSE environment variable is required")
	}

	var authenticator gosnowflake.AuthType
	switch getEnv("SNOWFLAKE_AUTHENTICATOR", "snowflake") {
	case "oauth":
		authenticator = gosnowflake.AuthTypeOAuth
	case "externalbrowser":
		authenticator = gosnowflake.AuthTypeExternalBrowser
	case "username_password_mfa":
		authenticator = gosnowflake.AuthTypeUsernamePasswordMFA
	case "jwt":
		authenticator = gosnowflake.AuthTypeJwt
	case "okta":
		authenticator = gosnowflake.AuthTypeOkta
	default:
		authenticator = gosnowflake.AuthTypeSnowflake
	}

	cfg := &SnowflakeConfig{
		User:          user,
		Password:      password,
		Account:       account,
		Warehouse:     warehouse,
		Database:      getEnv("SNOWFLAKE_DATABASE", "RETAIL_WAREHOUSE"),
		Schema:        getEnv("SNOWFLAKE_SCHEMA", "MEDALLION"),
		Role:          getEnv("SNOWFLAKE_ROLE", ""),
		Authenticator: authenticator,

		MaxOpenConns:    getEnvAsInt("SNOWFLAKE_MAX_OPEN_CONNS", 4),
		MaxIdleConns:    getEnvAsInt("SNOWFLAKE_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: time.Duration(getEnvAsInt("SNOWFLAKE_CONN_MAX_LIFETIME_SECONDS", 600)) * time.Second,
		ConnMaxIdleTime: time.Duration(getEnvAsInt("SNOWFLAKE_CONN_MAX_IDLE_TIME_SECONDS", 300)) * time.Second,
		QueryTimeout:    time.Duration(getEnvAsInt("SNOWFLAKE_QUERY_TIMEOUT_SECONDS", 300)) * time.Second,
	}

	return cfg, nil
}

// LoadPostgresConfig loads PostgreSQL configuration from environment variables
func LoadPostgresConfig() (*PostgresConfig, error) {
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		return nil, errors.New("POSTGRES_USER environment variable is required")
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		return nil, errors.New("POSTGRES_PASSWORD environment variable is required")
	}

	database := os.Getenv("POSTGRES_DB")
	if database == "" {
		return nil, errors.New("POSTGRES_DB environment variable is required")
	}

	cfg := &PostgresConfig{
		Host:     getEnv("POSTGRES_HOST", "localhost"),
		Port:     getEnvAsInt("POSTGRES_PORT", 5432),
		User:     user,
		Password: password,
		Database: database,
		Schema:   getEnv("POSTGRES_SCHEMA", "public"),
		SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		MaxOpenConns:     getEnvAsInt("POSTGRES_MAX_OPEN_CONNS", 4),
		MaxIdleConns:     getEnvAsInt("POSTGRES_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime:  time.Duration(getEnvAsInt("POSTGRES_CONN_MAX_LIFETIME_SECONDS", 1800)) * time.Second,
		ConnMaxIdleTime:  time.Duration(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_TIME_SECONDS", 600)) * time.Second,
		StatementTimeout: time.Duration(getEnvAsInt("POSTGRES_STATEMENT_TIMEOUT_SECONDS", 300)) * time.Second,
	}

	return cfg, nil
}

// ConnectionString returns a SQLite DSN with a busy timeout and immediate write locks
func (c *SQLiteConfig) ConnectionString() string {
	return fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate", c.Path, c.BusyTimeout.Milliseconds())
}

// ConnectionString returns the DuckDB DSN
func (c *DuckDBConfig) ConnectionString() string {
	if c.Threads > 0 {
		return fmt.Sprintf("%s?threads=%d", c.Path, c.Threads)
	}
	return c.Path
}

// ConnectionString returns a formatted Snowflake DSN
func (c *SnowflakeConfig) ConnectionString() (string, error) {
	return gosnowflake.DSN(&gosnowflake.Config{
		Account:       c.Account,
		User:          c.User,
		Password:      c.Password,
		Database:      c.Database,
		Schema:        c.Schema,
		Warehouse:     c.Warehouse,
		Role:          c.Role,
		Authenticator: c.Authenticator,
	})
}

// ConnectionString returns a formatted PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s search_path=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
		c.Schema,
	)
}
