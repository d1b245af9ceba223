// Package silver cleans, standardizes and enriches the Bronze extracts.
package silver

import (
	"context"

	"github.com/David-Botos/retail-medallion/pkg/pipeline"
)

// Stage builds Silver Sales and then copies the RFM segment mapping
type Stage struct {
	Sales      *Sales
	RFMMapping *RFMMapping
}

// Name implements pipeline.Stage
func (s *Stage) Name() string { return "silver" }

// Run implements pipeline.Stage
func (s *Stage) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	sales := s.Sales.Load(ctx, env)
	if sales.Err != nil {
		return sales
	}
	return pipeline.Merge(sales, s.RFMMapping.Load(ctx, env))
}
