// pkg/model/table.go
package model

import "strings"

// Layer names used as table prefixes
const (
	LayerBronze = "BRONZE"
	LayerSilver = "SILVER"
	LayerGold   = "GOLD"
)

// ColumnType is the portable logical type of a warehouse column
type ColumnType string

const (
	ColumnInteger ColumnType = "INTEGER"
	ColumnReal    ColumnType = "REAL"
	ColumnText    ColumnType = "TEXT"
)

// Column describes a single table column
type Column struct {
	Name string
	Type ColumnType
}

// Table is a named, typed set of rows ready to be written to the warehouse.
// Row values are positional and follow Columns; nil means NULL.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]interface{}
}

// NewTable creates an empty table with the given columns
func NewTable(name string, columns ...Column) *Table {
	return &Table{
		Name:    name,
		Columns: columns,
		Rows:    make([][]interface{}, 0),
	}
}

// AddRow appends a row. The caller guarantees len(values) == len(Columns).
func (t *Table) AddRow(values ...interface{}) {
	t.Rows = append(t.Rows, values)
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnNames returns the column names in order
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

// ColumnIndex returns the position of a column (case-insensitive) or -1
func (t *Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if strings.EqualFold(col.Name, name) {
			return i
		}
	}
	return -1
}
