// pkg/converter/naming.go
package converter

import (
	"regexp"
	"strings"
)

var nonAlnumRun = regexp.MustCompile(`[^A-Za-z0-9]+`)

// NormalizeColumnName trims and upper-cases a source header, then collapses every
// run of characters outside [A-Z0-9] into one underscore ("Customer ID" -> "CUSTOMER_ID").
// Leading and trailing underscores are dropped.
func NormalizeColumnName(name string) string {
	return strings.Trim(nonAlnumRun.ReplaceAllString(strings.ToUpper(strings.TrimSpace(name)), "_"), "_")
}

// TableName builds the warehouse identity <LAYER>_<NAME>
func TableName(layer, name string) string {
	return NormalizeColumnName(layer) + "_" + NormalizeColumnName(name)
}
