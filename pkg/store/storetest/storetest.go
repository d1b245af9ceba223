// Package storetest provides in-memory warehouses for tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/connector"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/store"
)

// New returns a store over a private in-memory SQLite database that is closed
// when the test ends.
func New(t testing.TB) *store.Store {
	t.Helper()

	conn, err := connector.NewSQLiteConnector(context.Background(), &config.SQLiteConfig{
		Path:        connector.InMemoryPath,
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return store.New(conn, zap.NewNop())
}

// Seed writes tables in one transaction, replacing any existing table of the same name
func Seed(t testing.TB, s *store.Store, tables ...*model.Table) {
	t.Helper()

	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		for _, table := range tables {
			if _, err := tx.ReplaceTable(context.Background(), table); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// Rows reads all rows of a table as strings keyed by column, in the given ORDER BY
func Rows(t testing.TB, s *store.Store, table, orderBy string) []map[string]interface{} {
	t.Helper()

	query := "SELECT * FROM " + s.Quote(table)
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}

	var rows []map[string]interface{}
	err := func() error {
		r, err := s.Query(context.Background(), query)
		if err != nil {
			return err
		}
		defer r.Close()
		for r.Next() {
			row := make(map[string]interface{})
			if err := r.MapScan(row); err != nil {
				return err
			}
			for k, v := range row {
				if b, ok := v.([]byte); ok {
					row[k] = string(b)
				}
			}
			rows = append(rows, row)
		}
		return r.Err()
	}()
	require.NoError(t, err)
	return rows
}
