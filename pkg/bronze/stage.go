// Package bronze lands raw CSV extracts in the warehouse unchanged.
package bronze

import (
	"context"

	"github.com/David-Botos/retail-medallion/pkg/pipeline"
)

// Stage loads the sales extracts and then the RFM segment mapping
type Stage struct {
	CSV        *CSVLoader
	RFMMapping *RFMMappingLoader
}

// Name implements pipeline.Stage
func (s *Stage) Name() string { return "bronze" }

// Run implements pipeline.Stage
func (s *Stage) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	csvRes := s.CSV.Load(ctx, env)
	if csvRes.Err != nil {
		return csvRes
	}
	if s.RFMMapping == nil {
		return csvRes
	}
	return pipeline.Merge(csvRes, s.RFMMapping.Load(ctx, env))
}
