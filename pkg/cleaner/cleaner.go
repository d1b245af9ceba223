// pkg/cleaner/cleaner.go
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/store"
)

// DiagnosticsTable is the append-only log of per-row degradations
const DiagnosticsTable = "_DIAGNOSTICS"

// Recorder collects per-row degradations during a stage and writes them in
// the stage's transaction
type Recorder struct {
	runID   uuid.UUID
	stage   string
	pending []model.Diagnostic
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder for one pipeline run
func NewRecorder(runID uuid.UUID, logger *zap.Logger) *Recorder {
	return &Recorder{
		runID:  runID,
		logger: logger.Named("diagnostics"),
		now:    time.Now,
	}
}

// Begin discards anything pending and attributes new records to a stage
func (r *Recorder) Begin(stage string) {
	r.stage = stage
	r.pending = r.pending[:0]
}

// Record queues a diagnostic. Stage and time are filled in when missing.
func (r *Recorder) Record(d model.Diagnostic) {
	if d.Stage == "" {
		d.Stage = r.stage
	}
	if d.RecordedAt.IsZero() {
		d.RecordedAt = r.now().UTC()
	}

	r.logger.Debug("Row degraded",
		zap.String("stage", d.Stage),
		zap.String("table", d.TableName),
		zap.String("column", d.ColumnName),
		zap.String("row", d.RowKey),
		zap.String("operation", d.Operation),
		zap.String("reason", d.Reason))

	r.pending = append(r.pending, d)
}

// Pending returns the queued diagnostics
func (r *Recorder) Pending() []model.Diagnostic {
	return r.pending
}

// Flush writes the queued diagnostics through tx and clears the queue
func (r *Recorder) Flush(ctx context.Context, tx *store.Tx) (int64, error) {
	if len(r.pending) == 0 {
		return 0, nil
	}

	table := model.NewTable(DiagnosticsTable,
		model.Column{Name: "RUN_ID", Type: model.ColumnText},
		model.Column{Name: "STAGE", Type: model.ColumnText},
		model.Column{Name: "TABLE_NAME", Type: model.ColumnText},
		model.Column{Name: "COLUMN_NAME", Type: model.ColumnText},
		model.Column{Name: "ROW_KEY", Type: model.ColumnText},
		model.Column{Name: "ORIGINAL_VALUE", Type: model.ColumnText},
		model.Column{Name: "NEW_VALUE", Type: model.ColumnText},
		model.Column{Name: "OPERATION", Type: model.ColumnText},
		model.Column{Name: "REASON", Type: model.ColumnText},
		model.Column{Name: "RECORDED_AT", Type: model.ColumnText},
	)

	for _, d := range r.pending {
		table.AddRow(
			r.runID.String(),
			d.Stage,
			d.TableName,
			d.ColumnName,
			d.RowKey,
			toNullableString(d.OriginalValue),
			toNullableString(d.NewValue),
			d.Operation,
			d.Reason,
			d.RecordedAt.Format(time.RFC3339Nano),
		)
	}

	n, err := tx.AppendRows(ctx, table)
	if err != nil {
		return n, fmt.Errorf("failed to record diagnostics: %w", err)
	}

	r.logger.Info("Recorded diagnostics",
		zap.String("stage", r.stage),
		zap.Int64("count", n))
	r.pending = r.pending[:0]
	return n, nil
}

func toNullableString(v interface{}) interface{} {
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", v)
	}
}
