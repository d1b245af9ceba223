// pkg/pipeline/error.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/snowflakedb/gosnowflake"

	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// ErrorKind classifies why a stage failed
type ErrorKind string

const (
	// KindTransientExternal is a reference-data source that timed out or
	// refused. Stages degrade the affected rows instead of failing.
	KindTransientExternal ErrorKind = "transient_external"
	// KindStorage covers warehouse I/O, connection and constraint failures
	KindStorage ErrorKind = "storage"
	// KindSchema is a missing table or column or an unexpected layout
	KindSchema ErrorKind = "schema"
	// KindTransform is a bug or impossible value inside a transformation
	KindTransform ErrorKind = "transform"
	// KindConfig is a missing or invalid setting or business-input file
	KindConfig ErrorKind = "config"
	// KindInsufficientData means the upstream history cannot support the computation
	KindInsufficientData ErrorKind = "insufficient_data"
	// KindCanceled means the run was interrupted
	KindCanceled ErrorKind = "canceled"
)

// Sentinels stages wrap to steer classification
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrMissingTable     = errors.New("required table is missing")
	ErrMissingColumn    = errors.New("required column is missing")
	ErrConfig           = errors.New("invalid configuration")
)

// StageError is the failure half of a stage Result
type StageError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Detail, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError classifies err and wraps it with detail
func NewStageError(detail string, err error) *StageError {
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	return &StageError{Kind: CategorizeError(err), Detail: detail, Err: err}
}

// CategorizeError determines the kind of an error. Typed driver errors are
// inspected first; message heuristics catch the rest.
func CategorizeError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var se *StageError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrInsufficientData):
		return KindInsufficientData
	case errors.Is(err, ErrMissingTable), errors.Is(err, ErrMissingColumn):
		return KindSchema
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, watermark.ErrRegression):
		return KindStorage
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return categorizeSQLState(pgErr.Code)
	}

	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		if sfErr.SQLState != "" {
			return categorizeSQLState(sfErr.SQLState)
		}
		return KindStorage
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code == sqlite3.ErrError && containsAny(strings.ToLower(liteErr.Error()), "no such table", "no such column", "has no column") {
			return KindSchema
		}
		return KindStorage
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindStorage
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "no such table", "no such column", "does not exist", "catalog error", "undefined column"):
		return KindSchema
	case containsAny(msg, "connection", "database is locked", "disk", "permission denied", "broken pipe"):
		return KindStorage
	case containsAny(msg, "config", "environment variable"):
		return KindConfig
	default:
		return KindTransform
	}
}

// categorizeSQLState maps an ANSI SQLSTATE class to a kind
func categorizeSQLState(state string) ErrorKind {
	if len(state) < 2 {
		return KindStorage
	}
	switch state[:2] {
	case "42":
		// syntax error or access rule violation, undefined table/column
		return KindSchema
	case "22":
		return KindTransform
	case "57":
		if state == "57014" {
			return KindCanceled
		}
		return KindStorage
	default:
		return KindStorage
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
