// pkg/store/tx.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/model"
)

// Tx is a stage-scoped transaction
type Tx struct {
	tx    *sqlx.Tx
	store *Store
}

// Quote quotes an identifier for the warehouse dialect
func (t *Tx) Quote(name string) string {
	return t.store.Quote(name)
}

// Exec runs a statement with '?' placeholders
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

// Get runs a query with '?' placeholders and scans a single row into dest
func (t *Tx) Get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

// Select runs a query with '?' placeholders and scans all rows into dest
func (t *Tx) Select(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}

// CreateTable creates the table if it does not already exist
func (t *Tx) CreateTable(ctx context.Context, table *model.Table) error {
	if len(table.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", table.Name)
	}

	dialect := t.store.dialect
	defs := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		defs[i] = fmt.Sprintf("%s %s", t.Quote(col.Name), dialect.ColumnType(col.Type))
	}

	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Quote(table.Name), strings.Join(defs, ", "))
	if _, err := t.tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table.Name, err)
	}
	return nil
}

// DropTable drops the table if it exists
func (t *Tx) DropTable(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t.Quote(name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	return nil
}

// ReplaceTable drops and recreates the table, then writes all rows
func (t *Tx) ReplaceTable(ctx context.Context, table *model.Table) (int64, error) {
	if !t.store.dialect.TransactionalDDL() {
		t.store.logger.Warn("DDL commits implicitly on this warehouse; a failed replace can leave the table dropped",
			zap.String("dialect", t.store.dialect.Name()),
			zap.String("table", table.Name))
	}

	if err := t.DropTable(ctx, table.Name); err != nil {
		return 0, err
	}

	if err := t.CreateTable(ctx, table); err != nil {
		return 0, err
	}

	inserted, err := t.insertRows(ctx, table)
	if err != nil {
		return inserted, err
	}

	t.store.logger.Debug("Replaced table",
		zap.String("table", table.Name),
		zap.Int64("rows", inserted))
	return inserted, nil
}

// AppendRows creates the table if missing and appends all rows
func (t *Tx) AppendRows(ctx context.Context, table *model.Table) (int64, error) {
	if err := t.CreateTable(ctx, table); err != nil {
		return 0, err
	}

	inserted, err := t.insertRows(ctx, table)
	if err != nil {
		return inserted, err
	}

	t.store.logger.Debug("Appended rows",
		zap.String("table", table.Name),
		zap.Int64("rows", inserted))
	return inserted, nil
}

// insertRows performs multi-row INSERTs, bounded by the batch size and the
// dialect's bind parameter limit
func (t *Tx) insertRows(ctx context.Context, table *model.Table) (int64, error) {
	if table.Len() == 0 {
		return 0, nil
	}

	columnCount := len(table.Columns)
	batchSize := t.store.batchSize
	if maxRows := t.store.dialect.MaxBindParams() / columnCount; maxRows < batchSize {
		batchSize = maxRows
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("table %s has too many columns for one statement", table.Name)
	}

	quotedColumns := make([]string, columnCount)
	for i, name := range table.ColumnNames() {
		quotedColumns[i] = t.Quote(name)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", t.Quote(table.Name), strings.Join(quotedColumns, ", "))
	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnCount), ", ") + ")"

	var totalRowsInserted int64

	// Process in batches
	for i := 0; i < table.Len(); i += batchSize {
		end := i + batchSize
		if end > table.Len() {
			end = table.Len()
		}

		currentBatch := table.Rows[i:end]

		placeholders := make([]string, len(currentBatch))
		args := make([]interface{}, 0, len(currentBatch)*columnCount)
		for j, row := range currentBatch {
			if len(row) != columnCount {
				return totalRowsInserted, fmt.Errorf("row %d of %s has %d values, expected %d",
					i+j, table.Name, len(row), columnCount)
			}
			placeholders[j] = rowPlaceholder
			args = append(args, row...)
		}

		query := t.tx.Rebind(prefix + strings.Join(placeholders, ", "))
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return totalRowsInserted, fmt.Errorf("batch insert into %s failed: %w", table.Name, err)
		}

		totalRowsInserted += int64(len(currentBatch))
	}

	return totalRowsInserted, nil
}
