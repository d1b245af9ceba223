// pkg/connector/dialect.go
package connector

import (
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/David-Botos/retail-medallion/pkg/model"
)

func init() {
	// sqlx does not know these drivers; both take '?' placeholders
	sqlx.BindDriver("duckdb", sqlx.QUESTION)
	sqlx.BindDriver("snowflake", sqlx.QUESTION)
}

// Dialect captures the SQL differences between supported warehouses
type Dialect interface {
	// Name returns the driver name
	Name() string

	// QuoteIdentifier quotes a table or column name
	QuoteIdentifier(name string) string

	// ColumnType maps a logical column type to a native column type
	ColumnType(t model.ColumnType) string

	// ListTablesQuery returns a query listing table names matching one LIKE pattern argument
	ListTablesQuery() string

	// MaxBindParams is the number of bind parameters allowed in one statement
	MaxBindParams() int

	// TransactionalDDL reports whether CREATE/DROP TABLE roll back with the transaction
	TransactionalDDL() bool
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string                       { return "sqlite" }
func (sqliteDialect) QuoteIdentifier(name string) string { return quoteANSI(name) }
func (sqliteDialect) MaxBindParams() int                 { return 32766 }
func (sqliteDialect) TransactionalDDL() bool             { return true }

func (sqliteDialect) ColumnType(t model.ColumnType) string {
	return string(t)
}

func (sqliteDialect) ListTablesQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ORDER BY name`
}

type duckDBDialect struct{}

func (duckDBDialect) Name() string                       { return "duckdb" }
func (duckDBDialect) QuoteIdentifier(name string) string { return quoteANSI(name) }
func (duckDBDialect) MaxBindParams() int                 { return 65535 }
func (duckDBDialect) TransactionalDDL() bool             { return true }

func (duckDBDialect) ColumnType(t model.ColumnType) string {
	switch t {
	case model.ColumnInteger:
		return "BIGINT"
	case model.ColumnReal:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

func (duckDBDialect) ListTablesQuery() string {
	return informationSchemaTables
}

type postgresDialect struct{}

func (postgresDialect) Name() string                       { return "postgres" }
func (postgresDialect) QuoteIdentifier(name string) string { return pq.QuoteIdentifier(name) }
func (postgresDialect) MaxBindParams() int                 { return 65535 }
func (postgresDialect) TransactionalDDL() bool             { return true }

func (postgresDialect) ColumnType(t model.ColumnType) string {
	switch t {
	case model.ColumnInteger:
		return "BIGINT"
	case model.ColumnReal:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}

func (postgresDialect) ListTablesQuery() string {
	return informationSchemaTables
}

type snowflakeDialect struct{}

func (snowflakeDialect) Name() string                       { return "snowflake" }
func (snowflakeDialect) QuoteIdentifier(name string) string { return quoteANSI(name) }
func (snowflakeDialect) MaxBindParams() int                 { return 16384 }

// Snowflake commits implicitly around DDL statements
func (snowflakeDialect) TransactionalDDL() bool { return false }

func (snowflakeDialect) ColumnType(t model.ColumnType) string {
	switch t {
	case model.ColumnInteger:
		return "NUMBER(38,0)"
	case model.ColumnReal:
		return "FLOAT"
	default:
		return "VARCHAR"
	}
}

func (snowflakeDialect) ListTablesQuery() string {
	return informationSchemaTables
}

const informationSchemaTables = `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_name LIKE ?
ORDER BY table_name`

func quoteANSI(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SQLiteDialect returns the SQLite dialect
func SQLiteDialect() Dialect { return sqliteDialect{} }

// DuckDBDialect returns the DuckDB dialect
func DuckDBDialect() Dialect { return duckDBDialect{} }

// PostgresDialect returns the PostgreSQL dialect
func PostgresDialect() Dialect { return postgresDialect{} }

// SnowflakeDialect returns the Snowflake dialect
func SnowflakeDialect() Dialect { return snowflakeDialect{} }
