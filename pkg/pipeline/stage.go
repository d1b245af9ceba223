// pkg/pipeline/stage.go
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// Stage is one step of the medallion pipeline
type Stage interface {
	Name() string
	Run(ctx context.Context, env *Env) Result
}

// Env is what a stage may touch during one execution. The store is only
// valid until Run returns.
type Env struct {
	Store       *store.Store
	Watermarks  *watermark.Store
	Diagnostics *cleaner.Recorder
	Reports     report.Writer
	RunID       uuid.UUID
	Logger      *zap.Logger
	Config      *config.Config
}

// Commit runs fn in one transaction and writes the stage's pending
// diagnostics in the same transaction
func (e *Env) Commit(ctx context.Context, fn func(tx *store.Tx) error) error {
	return e.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if _, err := e.Diagnostics.Flush(ctx, tx); err != nil {
			return err
		}
		return nil
	})
}

// Report hands a report to the configured writer. Export failures are
// logged and never fail the stage.
func (e *Env) Report(ctx context.Context, r *report.Report) {
	if e.Reports == nil {
		return
	}
	if err := e.Reports.Write(ctx, r); err != nil {
		e.Logger.Warn("Failed to export report",
			zap.String("report", r.Name),
			zap.Error(err))
	}
}

// RequireTable fails with ErrMissingTable when name is absent
func (e *Env) RequireTable(ctx context.Context, name string) error {
	ok, err := e.Store.TableExists(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingTable, name)
	}
	return nil
}

// InitWatermarks creates the watermark table; it is the first step of every run
type InitWatermarks struct{}

// Name implements Stage
func (InitWatermarks) Name() string { return "init_watermarks" }

// Run implements Stage
func (InitWatermarks) Run(ctx context.Context, env *Env) Result {
	if err := env.Watermarks.EnsureTable(ctx); err != nil {
		return Failed("failed to create watermark table", err)
	}
	return Ok(0)
}

// Find returns the stage with the given name
func Find(stages []Stage, name string) (Stage, bool) {
	for _, s := range stages {
		if strings.EqualFold(s.Name(), name) {
			return s, true
		}
	}
	return nil, false
}

// Names lists stage names in execution order
func Names(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	return names
}
