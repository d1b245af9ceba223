// pkg/model/diagnostic.go
package model

import (
	"time"
)

// Diagnostic records a per-row degradation applied instead of failing a stage
type Diagnostic struct {
	Stage         string      // Stage that produced the record
	TableName     string      // Affected table
	ColumnName    string      // Affected column
	RowKey        string      // Natural key of the affected row
	OriginalValue interface{} // Original value (may be nil)
	NewValue      interface{} // Value written instead (may be nil)
	Operation     string      // e.g. "null_rate", "null_product_name"
	Reason        string      // e.g. "rate_unavailable", "denylisted"
	RecordedAt    time.Time
}

// Common diagnostic operations
const (
	OpNullRate           = "null_rate"
	OpNullMetadata       = "null_metadata"
	OpNullProductName    = "null_product_name"
	OpDropRow            = "drop_row"
	OpCoerceNull         = "coerce_null"
	OpSurrogateCollision = "surrogate_collision"
)
