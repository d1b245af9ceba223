package silver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/bronze"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// RFMMappingTable is the deduplicated segment mapping
const RFMMappingTable = "SILVER_RFM_MAPPING"

// RFMMapping copies the Bronze segment mapping whenever Bronze reloaded it
type RFMMapping struct {
	logger *zap.Logger
}

// NewRFMMapping creates the mapping copier
func NewRFMMapping(logger *zap.Logger) *RFMMapping {
	return &RFMMapping{logger: logger.Named("silver-rfm-mapping")}
}

// Load runs the copy when bronze_rfm_mapping is ahead of silver_rfm_mapping
func (m *RFMMapping) Load(ctx context.Context, env *pipeline.Env) pipeline.Result {
	upstream, ok, err := env.Watermarks.Get(ctx, watermark.StreamBronzeRFMMapping)
	if err != nil {
		return pipeline.Failed("failed to read watermark", err)
	}
	if !ok {
		return pipeline.Skipped("RFM mapping not loaded")
	}

	current, ok, err := env.Watermarks.Get(ctx, watermark.StreamSilverRFMMapping)
	if err != nil {
		return pipeline.Failed("failed to read watermark", err)
	}
	if ok {
		ahead, err := watermark.After(upstream, current, watermark.KindTimestamp)
		if err != nil {
			return pipeline.Failed("failed to compare watermarks", err)
		}
		if !ahead {
			return pipeline.Skipped("RFM mapping unchanged")
		}
	}

	if err := env.RequireTable(ctx, bronze.RFMMappingTable); err != nil {
		return pipeline.Failed("RFM mapping missing", err)
	}
	src, err := env.Store.ReadTable(ctx, bronze.RFMMappingTable, bronze.RFMMappingColumns...)
	if err != nil {
		return pipeline.Failed("failed to read RFM mapping", err)
	}

	out := dedupeRows(src, RFMMappingTable)

	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		n, err := tx.ReplaceTable(ctx, out)
		if err != nil {
			return err
		}
		written = n
		return env.Watermarks.Set(ctx, tx, watermark.StreamSilverRFMMapping, upstream, watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write RFM mapping", err)
	}

	m.logger.Info("Copied RFM mapping",
		zap.Int("read", src.Len()),
		zap.Int64("written", written))
	return pipeline.Ok(written)
}

// dedupeRows copies src under a new name, keeping the first of each identical row
func dedupeRows(src *model.Table, name string) *model.Table {
	out := model.NewTable(name, src.Columns...)
	seen := make(map[string]struct{}, src.Len())
	for _, row := range src.Rows {
		k := fmt.Sprintf("%#v", row)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.AddRow(row...)
	}
	return out
}
