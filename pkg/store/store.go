// pkg/store/store.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/connector"
	"github.com/David-Botos/retail-medallion/pkg/model"
)

// DefaultBatchSize is the number of rows written per INSERT statement
const DefaultBatchSize = 1000

// Store is the tabular store used by every pipeline stage. It is bound to one
// connector for the duration of a stage.
type Store struct {
	db        *sqlx.DB
	dialect   connector.Dialect
	logger    *zap.Logger
	batchSize int
}

// New creates a store over an open connector
func New(conn connector.DatabaseConnector, logger *zap.Logger) *Store {
	return &Store{
		db:        conn.DB(),
		dialect:   conn.Dialect(),
		logger:    logger.Named("store"),
		batchSize: DefaultBatchSize,
	}
}

// WithBatchSize sets the number of rows per INSERT statement
func (s *Store) WithBatchSize(batchSize int) *Store {
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	return s
}

// Dialect returns the warehouse dialect
func (s *Store) Dialect() connector.Dialect {
	return s.dialect
}

// Quote quotes an identifier for the warehouse dialect
func (s *Store) Quote(name string) string {
	return s.dialect.QuoteIdentifier(name)
}

// Select runs a query with '?' placeholders and scans all rows into dest
func (s *Store) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...)
}

// Get runs a query with '?' placeholders and scans a single row into dest
func (s *Store) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return s.db.GetContext(ctx, dest, s.db.Rebind(query), args...)
}

// Query runs a query with '?' placeholders. The caller must close the rows.
func (s *Store) Query(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	return s.db.QueryxContext(ctx, s.db.Rebind(query), args...)
}

// ListTables returns the table names matching a LIKE pattern, ordered by name
func (s *Store) ListTables(ctx context.Context, pattern string) ([]string, error) {
	var tables []string
	if err := s.Select(ctx, &tables, s.dialect.ListTablesQuery(), pattern); err != nil {
		return nil, fmt.Errorf("failed to list tables matching %s: %w", pattern, err)
	}
	return tables, nil
}

// TableExists reports whether a table with exactly this name exists
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	tables, err := s.ListTables(ctx, name)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == name {
			return true, nil
		}
	}
	return false, nil
}

// CountRows returns the number of rows in a table
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	var count int64
	if err := s.Get(ctx, &count, "SELECT COUNT(*) FROM "+s.Quote(table)); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// ReadTable reads the given columns of a table into a model.Table. Values are
// scanned according to the declared column types; NULL becomes nil.
func (s *Store) ReadTable(ctx context.Context, name string, columns ...model.Column) (*model.Table, error) {
	if len(columns) == 0 {
		return nil, errors.New("read table requires at least one column")
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = s.Quote(col.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), s.Quote(name))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", name, err)
	}
	defer rows.Close()

	table := model.NewTable(name, columns...)
	for rows.Next() {
		dest := make([]interface{}, len(columns))
		for i, col := range columns {
			switch col.Type {
			case model.ColumnInteger:
				dest[i] = new(sql.NullInt64)
			case model.ColumnReal:
				dest[i] = new(sql.NullFloat64)
			default:
				dest[i] = new(sql.NullString)
			}
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", name, err)
		}

		values := make([]interface{}, len(columns))
		for i, d := range dest {
			values[i] = nullableValue(d)
		}
		table.AddRow(values...)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows of %s: %w", name, err)
	}

	return table, nil
}

func nullableValue(v interface{}) interface{} {
	switch n := v.(type) {
	case *sql.NullInt64:
		if n.Valid {
			return n.Int64
		}
	case *sql.NullFloat64:
		if n.Valid {
			return n.Float64
		}
	case *sql.NullString:
		if n.Valid {
			return n.String
		}
	}
	return nil
}

// WithTx runs fn inside one transaction. The transaction is committed when fn
// returns nil and rolled back on error or panic. While fn runs, all statements
// must go through the Tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx := &Tx{tx: sqlTx, store: s}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = multierr.Append(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
