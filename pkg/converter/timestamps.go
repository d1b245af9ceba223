// pkg/converter/timestamps.go
package converter

import (
	"fmt"
	"strings"
	"time"
)

// Storage layouts for cleaned timestamps
const (
	TimestampLayout = "2006-01-02T15:04:05"
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05"
	MonthLayout     = "2006-01"
)

// timeFormats are tried in order by DetectTimeFormat
var timeFormats = []string{
	"2006-01-02 15:04:05",              // SQL timestamp
	"2006-01-02T15:04:05",              // ISO8601 without zone
	"2006-01-02T15:04:05Z07:00",        // ISO8601 with zone
	"2006-01-02T15:04:05.999999999",    // ISO8601 with fraction
	"2006-01-02 15:04:05.999999999",    // SQL timestamp with fraction
	"2006-01-02T15:04:05.999999-07:00", // ISO8601 with microseconds and TZ
	"2006-01-02 15:04",                 // SQL timestamp without seconds
	"1/2/2006 15:04",                   // spreadsheet export, month first
	"1/2/2006 15:04:05",                // spreadsheet export with seconds
	"2006-01-02",                       // Date only
	"20060102T150405Z",                 // Compact ISO8601
}

// DetectTimeFormat analyzes a value to determine its timestamp format
func DetectTimeFormat(value string) string {
	for _, format := range timeFormats {
		if _, err := time.Parse(format, value); err == nil {
			return format
		}
	}
	return ""
}

// ParseTimestamp parses a raw invoice timestamp. Zone-less values are taken as
// UTC wall-clock times; zoned values are converted to UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	format := DetectTimeFormat(value)
	if format == "" {
		return time.Time{}, fmt.Errorf("cannot parse '%s' as timestamp", value)
	}

	t, err := time.Parse(format, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse '%s' as timestamp: %w", value, err)
	}
	return t.UTC(), nil
}

// FormatTimestamp renders a timestamp in the cleaned storage layout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// SplitTimestamp returns the YYYY-MM-DD date and HH:MM:SS time of a timestamp
func SplitTimestamp(t time.Time) (date, clock string) {
	t = t.UTC()
	return t.Format(DateLayout), t.Format(TimeLayout)
}

// ParseDate parses a stored YYYY-MM-DD date
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse '%s' as date: %w", value, err)
	}
	return t, nil
}
