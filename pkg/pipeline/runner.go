// pkg/pipeline/runner.go
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/connector"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// Opener acquires a warehouse connection for the duration of one stage
type Opener interface {
	Open(ctx context.Context) (connector.DatabaseConnector, error)
}

// Runner executes stages sequentially, each with its own connection
type Runner struct {
	opener      Opener
	cfg         *config.Config
	reports     report.Writer
	metrics     *StageMetrics
	run         *RunMetrics
	diagnostics *cleaner.Recorder
	runID       uuid.UUID
	logger      *zap.Logger
}

// NewRunner creates a runner for one pipeline run
func NewRunner(opener Opener, cfg *config.Config, logger *zap.Logger) *Runner {
	runID := uuid.New()
	logger = logger.Named("pipeline").With(zap.String("runID", runID.String()))
	return &Runner{
		opener:      opener,
		cfg:         cfg,
		reports:     report.Discard,
		run:         NewRunMetrics(logger),
		diagnostics: cleaner.NewRecorder(runID, logger),
		runID:       runID,
		logger:      logger,
	}
}

// WithReports sets where stage reports are exported
func (r *Runner) WithReports(w report.Writer) *Runner {
	if w != nil {
		r.reports = w
	}
	return r
}

// WithMetrics sets the Prometheus collectors
func (r *Runner) WithMetrics(m *StageMetrics) *Runner {
	r.metrics = m
	return r
}

// RunID identifies this run in diagnostics and logs
func (r *Runner) RunID() uuid.UUID { return r.runID }

// Metrics returns the run summary
func (r *Runner) Metrics() *RunMetrics { return r.run }

// Run executes stages in order and stops at the first failure. Results of
// every stage that ran are returned.
func (r *Runner) Run(ctx context.Context, stages []Stage) ([]Result, error) {
	defer r.run.Complete()

	results := make([]Result, 0, len(stages))
	for _, s := range stages {
		res := r.RunStage(ctx, s)
		results = append(results, res)
		if res.Err != nil {
			return results, fmt.Errorf("stage %s failed: %w", s.Name(), res.Err)
		}
	}
	return results, nil
}

// RunStage executes one stage on a freshly opened connection. The
// connection is closed on every exit path and panics become transform errors.
func (r *Runner) RunStage(ctx context.Context, s Stage) (res Result) {
	start := time.Now()
	logger := r.logger.With(zap.String("stage", s.Name()))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("Stage panicked", zap.Any("panic", p), zap.Stack("stack"))
			res = FailedWith(KindTransform, "stage panicked", fmt.Errorf("%v", p))
		}
		res.Stage = s.Name()
		res.Duration = time.Since(start)
		r.finish(logger, res)
	}()

	if err := ctx.Err(); err != nil {
		return FailedWith(KindCanceled, "run canceled", err)
	}

	logger.Info("Starting stage")

	conn, err := r.opener.Open(ctx)
	if err != nil {
		return FailedWith(KindStorage, "failed to open warehouse", err)
	}
	defer func() {
		connector.LogConnectionStats(logger, conn.Dialect().Name(), conn.DB().DB)
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("Failed to close warehouse connection", zap.Error(cerr))
		}
	}()

	st := store.New(conn, logger)
	if r.cfg != nil && r.cfg.ChunkSize > 0 {
		st = st.WithBatchSize(r.cfg.ChunkSize)
	}
	wms := watermark.NewStore(st, logger)
	if err := wms.EnsureTable(ctx); err != nil {
		return Failed("failed to prepare watermark table", err)
	}

	r.diagnostics.Begin(s.Name())
	env := &Env{
		Store:       st,
		Watermarks:  wms,
		Diagnostics: r.diagnostics,
		Reports:     r.reports,
		RunID:       r.runID,
		Logger:      logger,
		Config:      r.cfg,
	}

	res = s.Run(ctx, env)

	if records, err := wms.List(ctx); err == nil {
		r.metrics.ObserveWatermarks(records)
	}
	return res
}

func (r *Runner) finish(logger *zap.Logger, res Result) {
	r.run.RecordStage(res)
	r.metrics.Observe(res)

	switch {
	case res.Err != nil:
		logger.Error("Stage failed",
			zap.String("kind", string(res.Err.Kind)),
			zap.String("detail", res.Err.Detail),
			zap.Error(res.Err.Err),
			zap.Duration("duration", res.Duration))
	case res.IsSkipped():
		logger.Info("Stage skipped",
			zap.String("reason", res.Note),
			zap.Duration("duration", res.Duration))
	default:
		logger.Info("Stage completed",
			zap.Int64("rowsWritten", res.RowsWritten),
			zap.String("note", res.Note),
			zap.Duration("duration", res.Duration))
	}
}
