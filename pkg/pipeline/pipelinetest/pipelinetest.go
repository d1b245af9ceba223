// Package pipelinetest builds stage environments over in-memory warehouses.
package pipelinetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store/storetest"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// DefaultConfig mirrors the shipped defaults without reading the environment
func DefaultConfig() *config.Config {
	return &config.Config{
		ChunkSize:         500,
		SalesTablePattern: "BRONZE_ONLINE_RETAIL%",
		APIs:              config.APIConfig{BaseCurrency: "GBP"},
		Analytics: config.AnalyticsConfig{
			ActiveWindowDays: 90,
			TrainMonths:      12,
			TestFraction:     0.2,
			Seed:             42,
			CapQuantile:      0.95,
			CVFolds:          5,
		},
	}
}

// NewEnv returns an environment over a fresh in-memory warehouse with the
// watermark table created. The recorder is positioned on stage.
func NewEnv(t testing.TB, stage string) *pipeline.Env {
	t.Helper()

	st := storetest.New(t)
	wms := watermark.NewStore(st, zap.NewNop())
	require.NoError(t, wms.EnsureTable(context.Background()))

	runID := uuid.New()
	diag := cleaner.NewRecorder(runID, zap.NewNop())
	diag.Begin(stage)

	return &pipeline.Env{
		Store:       st,
		Watermarks:  wms,
		Diagnostics: diag,
		Reports:     report.Discard,
		RunID:       runID,
		Logger:      zap.NewNop(),
		Config:      DefaultConfig(),
	}
}

// Watermark returns the committed value of a stream, or "" when absent
func Watermark(t testing.TB, env *pipeline.Env, stream string) string {
	t.Helper()
	v, _, err := env.Watermarks.Get(context.Background(), stream)
	require.NoError(t, err)
	return v
}

// RequireOk fails the test unless res is a success
func RequireOk(t testing.TB, res pipeline.Result) {
	t.Helper()
	if res.Err != nil {
		require.FailNow(t, "stage failed", "%v", res.Err)
	}
}

// Recorded collects reports in memory
type Recorded struct {
	Reports []*report.Report
}

// Write implements report.Writer
func (r *Recorded) Write(_ context.Context, rep *report.Report) error {
	r.Reports = append(r.Reports, rep)
	return nil
}
