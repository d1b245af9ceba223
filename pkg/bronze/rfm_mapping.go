package bronze

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// RFMMappingTable holds the business-maintained segment names
const RFMMappingTable = "BRONZE_RFM_MAPPING"

// RFMMappingColumns is the fixed layout of the segment mapping
var RFMMappingColumns = []model.Column{
	{Name: "RFM_SCORE", Type: model.ColumnInteger},
	{Name: "RFM_SEGMENT", Type: model.ColumnText},
	{Name: "RFM_NAME", Type: model.ColumnText},
}

// RFMMappingLoader reloads the segment mapping whenever its file changes
type RFMMappingLoader struct {
	path   string
	logger *zap.Logger
}

// NewRFMMappingLoader creates a loader for the mapping file at path
func NewRFMMappingLoader(path string, logger *zap.Logger) *RFMMappingLoader {
	return &RFMMappingLoader{
		path:   path,
		logger: logger.Named("bronze-rfm-mapping"),
	}
}

// Load replaces BRONZE_RFM_MAPPING when the file is newer than the watermark
func (l *RFMMappingLoader) Load(ctx context.Context, env *pipeline.Env) pipeline.Result {
	if l.path == "" {
		return pipeline.Skipped("no RFM mapping file configured")
	}

	info, err := os.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("RFM mapping file not found", zap.String("path", l.path))
		return pipeline.Skipped("RFM mapping file not found")
	}
	if err != nil {
		return pipeline.Failed("failed to stat RFM mapping file", err)
	}
	mtime := info.ModTime().UTC()

	since, ok, err := env.Watermarks.GetTime(ctx, watermark.StreamBronzeRFMMapping)
	if err != nil {
		return pipeline.Failed("failed to read watermark", err)
	}
	if ok && !mtime.After(since) {
		return pipeline.Skipped("RFM mapping unchanged")
	}

	table, err := l.read()
	if err != nil {
		return pipeline.FailedWith(pipeline.KindConfig, "invalid RFM mapping file", err)
	}

	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		n, err := tx.ReplaceTable(ctx, table)
		if err != nil {
			return err
		}
		written = n
		return env.Watermarks.Set(ctx, tx, watermark.StreamBronzeRFMMapping, watermark.FormatTime(mtime), watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write RFM mapping", err)
	}

	l.logger.Info("Loaded RFM mapping",
		zap.String("path", l.path),
		zap.Int64("rows", written))
	return pipeline.Ok(written)
}

func (l *RFMMappingLoader) read() (*model.Table, error) {
	header, records, err := readCSV(l.path)
	if err != nil {
		return nil, err
	}

	positions := make([]int, len(RFMMappingColumns))
	for i, col := range RFMMappingColumns {
		positions[i] = -1
		for j, h := range header {
			if converter.NormalizeColumnName(h) == col.Name {
				positions[i] = j
				break
			}
		}
		if positions[i] < 0 {
			return nil, fmt.Errorf("%w: %s has no %s column", pipeline.ErrConfig, l.path, col.Name)
		}
	}

	table := model.NewTable(RFMMappingTable, RFMMappingColumns...)
	for n, rec := range records {
		cell := func(i int) string {
			if positions[i] >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[positions[i]])
		}

		score, err := parseScore(cell(0))
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", pipeline.ErrConfig, l.path, n+2, err)
		}
		table.AddRow(score, nullIfEmpty(cell(1)), nullIfEmpty(cell(2)))
	}
	return table, nil
}

// parseScore accepts "111" and spreadsheet renderings such as "111.0"
func parseScore(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("RFM_SCORE %q is not an integer", s)
	}
	return int64(f), nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
