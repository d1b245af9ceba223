// pkg/converter/converter.go
package converter

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/model"
)

// TypeConverter infers warehouse column types from raw text cells and converts the cells
type TypeConverter struct {
	logger *zap.Logger
	// Configuration options
	config TypeConverterConfig
}

// TypeConverterConfig provides configuration options for type conversion
type TypeConverterConfig struct {
	// Cell values read as NULL, compared after trimming
	NullTokens []string
	// Whether to trim surrounding whitespace before inferring numbers
	TrimNumbers bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() TypeConverterConfig {
	return TypeConverterConfig{
		NullTokens:  []string{"", "NA", "N/A", "NaN", "nan", "NULL", "null", "None", "#N/A"},
		TrimNumbers: true,
	}
}

// NewTypeConverter creates a new TypeConverter with default configuration
func NewTypeConverter(logger *zap.Logger) *TypeConverter {
	return NewTypeConverterWithConfig(logger, DefaultConfig())
}

// NewTypeConverterWithConfig creates a TypeConverter with custom configuration
func NewTypeConverterWithConfig(logger *zap.Logger, config TypeConverterConfig) *TypeConverter {
	return &TypeConverter{
		logger: logger,
		config: config,
	}
}

// BuildTable turns a header and raw records into a typed table. Column names
// are normalized and each column's type is inferred from all of its cells.
func (c *TypeConverter) BuildTable(name string, header []string, records [][]string) (*model.Table, error) {
	columns := make([]model.Column, len(header))
	seen := make(map[string]int, len(header))

	for i, raw := range header {
		colName := NormalizeColumnName(raw)
		if colName == "" {
			colName = fmt.Sprintf("COLUMN_%d", i+1)
		}
		if prev, dup := seen[colName]; dup {
			return nil, fmt.Errorf("columns %d and %d both normalize to %s", prev+1, i+1, colName)
		}
		seen[colName] = i

		cells := make([]string, len(records))
		for r, record := range records {
			if i < len(record) {
				cells[r] = record[i]
			}
		}

		columns[i] = model.Column{Name: colName, Type: c.InferColumnType(cells)}
	}

	table := model.NewTable(name, columns...)
	for r, record := range records {
		if len(record) != len(header) {
			return nil, fmt.Errorf("record %d has %d fields, expected %d", r+1, len(record), len(header))
		}

		values := make([]interface{}, len(columns))
		for i, col := range columns {
			v, err := c.ConvertValue(record[i], col.Type)
			if err != nil {
				return nil, fmt.Errorf("record %d column %s: %w", r+1, col.Name, err)
			}
			values[i] = v
		}
		table.AddRow(values...)
	}

	for _, col := range columns {
		c.logger.Debug("Inferred column type",
			zap.String("table", name),
			zap.String("column", col.Name),
			zap.String("type", string(col.Type)))
	}

	return table, nil
}

// IsNull determines if a raw cell should be treated as NULL
func (c *TypeConverter) IsNull(value string) bool {
	trimmed := strings.TrimSpace(value)
	for _, token := range c.config.NullTokens {
		if trimmed == token {
			return true
		}
	}
	return false
}
