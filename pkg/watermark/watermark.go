// pkg/watermark/watermark.go
package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/store"
)

// TableName is the warehouse table holding one checkpoint per stream
const TableName = "_WATERMARKS"

// Stream identifiers, one per stage checkpoint
const (
	StreamBronzeCSVFiles       = "bronze_csv_files"
	StreamBronzeRFMMapping     = "bronze_rfm_mapping"
	StreamSilverSales          = "silver_sales"
	StreamSilverRFMMapping     = "silver_rfm_mapping"
	StreamSilverCountryMapping = "silver_country_mapping"
	StreamSilverExchangeRate   = "silver_exchange_rate"
	StreamSilverProductMapping = "silver_product_mapping"
	StreamGoldLayer            = "gold_layer"
	StreamGoldRFMScoring       = "gold_rfm_scoring"
	StreamGoldCLTV             = "gold_cltv"
)

// Kind describes how a watermark value is ordered
type Kind string

const (
	KindTimestamp Kind = "timestamp"
	KindID        Kind = "id"
)

// ErrRegression is returned when a Set would move a stream backwards
var ErrRegression = errors.New("watermark cannot move backwards")

// Record is one row of the watermark table
type Record struct {
	StreamID  string `db:"STREAM_ID"`
	LastValue string `db:"LAST_VALUE"`
	ValueKind string `db:"VALUE_KIND"`
	UpdatedAt string `db:"UPDATED_AT"`
}

// Store reads and writes stream checkpoints
type Store struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a watermark store on top of a tabular store
func NewStore(s *store.Store, logger *zap.Logger) *Store {
	return &Store{
		store:  s,
		logger: logger.Named("watermark"),
		now:    time.Now,
	}
}

// WithClock overrides the clock used for UPDATED_AT
func (w *Store) WithClock(now func() time.Time) *Store {
	w.now = now
	return w
}

func schema() *model.Table {
	return model.NewTable(TableName,
		model.Column{Name: "STREAM_ID", Type: model.ColumnText},
		model.Column{Name: "LAST_VALUE", Type: model.ColumnText},
		model.Column{Name: "VALUE_KIND", Type: model.ColumnText},
		model.Column{Name: "UPDATED_AT", Type: model.ColumnText},
	)
}

// EnsureTable creates the watermark table if it does not exist
func (w *Store) EnsureTable(ctx context.Context) error {
	return w.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateTable(ctx, schema())
	})
}

// Get returns the last committed value of a stream. ok is false until the first Set.
func (w *Store) Get(ctx context.Context, stream string) (value string, ok bool, err error) {
	var rec Record
	err = w.store.Get(ctx, &rec, w.selectQuery(), stream)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read watermark %s: %w", stream, err)
	}
	return rec.LastValue, true, nil
}

// GetTime returns the stream value parsed as a timestamp
func (w *Store) GetTime(ctx context.Context, stream string) (time.Time, bool, error) {
	value, ok, err := w.Get(ctx, stream)
	if err != nil || !ok {
		return time.Time{}, ok, err
	}

	ts, err := ParseTime(value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark %s holds an invalid timestamp %q: %w", stream, value, err)
	}
	return ts, true, nil
}

// List returns every stream checkpoint ordered by stream id
func (w *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record
	query := fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s ORDER BY %s",
		w.store.Quote("STREAM_ID"), w.store.Quote("LAST_VALUE"), w.store.Quote("VALUE_KIND"),
		w.store.Quote("UPDATED_AT"), w.store.Quote(TableName), w.store.Quote("STREAM_ID"))
	if err := w.store.Select(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	return records, nil
}

// Set records a new value for a stream inside the caller's transaction, so
// the checkpoint becomes visible only if the stage's data commits.
func (w *Store) Set(ctx context.Context, tx *store.Tx, stream, value string, kind Kind) error {
	var current Record
	err := tx.Get(ctx, &current, w.selectQuery(), stream)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read watermark %s: %w", stream, err)
	default:
		older, cmpErr := After(current.LastValue, value, kind)
		if cmpErr != nil {
			return fmt.Errorf("failed to compare watermark %s: %w", stream, cmpErr)
		}
		if older {
			return fmt.Errorf("%w: %s from %s to %s", ErrRegression, stream, current.LastValue, value)
		}
	}

	updatedAt := w.now().UTC().Format(time.RFC3339Nano)

	res, err := tx.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s = ?, %s = ?, %s = ? WHERE %s = ?",
		tx.Quote(TableName), tx.Quote("LAST_VALUE"), tx.Quote("VALUE_KIND"), tx.Quote("UPDATED_AT"), tx.Quote("STREAM_ID")),
		value, string(kind), updatedAt, stream)
	if err != nil {
		return fmt.Errorf("failed to update watermark %s: %w", stream, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update watermark %s: %w", stream, err)
	}

	if affected == 0 {
		_, err = tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s) VALUES (?, ?, ?, ?)",
			tx.Quote(TableName), tx.Quote("STREAM_ID"), tx.Quote("LAST_VALUE"), tx.Quote("VALUE_KIND"), tx.Quote("UPDATED_AT")),
			stream, value, string(kind), updatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert watermark %s: %w", stream, err)
		}
	}

	w.logger.Info("Watermark advanced",
		zap.String("stream", stream),
		zap.String("from", current.LastValue),
		zap.String("to", value))
	return nil
}

func (w *Store) selectQuery() string {
	return fmt.Sprintf("SELECT %s, %s, %s, %s FROM %s WHERE %s = ?",
		w.store.Quote("STREAM_ID"), w.store.Quote("LAST_VALUE"), w.store.Quote("VALUE_KIND"),
		w.store.Quote("UPDATED_AT"), w.store.Quote(TableName), w.store.Quote("STREAM_ID"))
}

// After reports whether value is strictly later than last under the given kind
func After(value, last string, kind Kind) (bool, error) {
	switch kind {
	case KindTimestamp:
		v, err := ParseTime(value)
		if err != nil {
			return false, err
		}
		l, err := ParseTime(last)
		if err != nil {
			return false, err
		}
		return v.After(l), nil
	case KindID:
		v, errV := strconv.ParseInt(value, 10, 64)
		l, errL := strconv.ParseInt(last, 10, 64)
		if errV == nil && errL == nil {
			return v > l, nil
		}
		return value > last, nil
	default:
		return false, fmt.Errorf("unknown watermark kind %q", kind)
	}
}

// Layouts accepted for timestamp watermarks, most precise first
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses a stored timestamp watermark. Values without a zone are UTC.
func ParseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// FormatTime renders a timestamp the way it is stored for file and run-clock streams
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
