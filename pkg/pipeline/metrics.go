// pkg/pipeline/metrics.go
package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// StageMetrics exports stage outcomes to Prometheus
type StageMetrics struct {
	runs      *prometheus.CounterVec
	rows      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	watermark *prometheus.GaugeVec
}

// NewStageMetrics registers the stage metrics on the provided registerer.
func NewStageMetrics(reg prometheus.Registerer) *StageMetrics {
	if reg == nil {
		return &StageMetrics{}
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medallion",
		Name:      "stage_runs_total",
		Help:      "Stage executions by outcome.",
	}, []string{"stage", "outcome"})
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "medallion",
		Name:      "stage_rows_written_total",
		Help:      "Rows written by each stage.",
	}, []string{"stage"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "medallion",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of stage executions.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})
	wm := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "medallion",
		Name:      "watermark_timestamp_seconds",
		Help:      "Committed timestamp watermark per stream.",
	}, []string{"stream"})
	reg.MustRegister(runs, rows, duration, wm)
	return &StageMetrics{runs: runs, rows: rows, duration: duration, watermark: wm}
}

// Observe records one stage result
func (m *StageMetrics) Observe(r Result) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(r.Stage, r.Outcome()).Inc()
	m.rows.WithLabelValues(r.Stage).Add(float64(r.RowsWritten))
	m.duration.WithLabelValues(r.Stage).Observe(r.Duration.Seconds())
}

// ObserveWatermarks publishes every timestamp watermark
func (m *StageMetrics) ObserveWatermarks(records []watermark.Record) {
	if m == nil || m.watermark == nil {
		return
	}
	for _, rec := range records {
		if watermark.Kind(rec.ValueKind) != watermark.KindTimestamp {
			continue
		}
		if ts, err := watermark.ParseTime(rec.LastValue); err == nil {
			m.watermark.WithLabelValues(rec.StreamID).Set(float64(ts.Unix()))
		}
	}
}

// WriteTextfile writes everything gathered by g to path for the node
// exporter textfile collector
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

// RunMetrics summarizes one pipeline run
type RunMetrics struct {
	mu               sync.Mutex
	logger           *zap.Logger
	StartTime        time.Time
	EndTime          time.Time
	SuccessfulStages int
	SkippedStages    int
	FailedStages     int
	TotalRowsWritten int64
	ErrorCounts      map[ErrorKind]int
	StageDurations   map[string]time.Duration
	stageOrder       []string
}

// NewRunMetrics creates a new RunMetrics instance
func NewRunMetrics(logger *zap.Logger) *RunMetrics {
	return &RunMetrics{
		logger:         logger,
		StartTime:      time.Now(),
		ErrorCounts:    make(map[ErrorKind]int),
		StageDurations: make(map[string]time.Duration),
	}
}

// RecordStage records the result of a completed stage
func (rm *RunMetrics) RecordStage(r Result) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	switch {
	case r.Err != nil:
		rm.FailedStages++
		rm.ErrorCounts[r.Err.Kind]++
	case r.IsSkipped():
		rm.SkippedStages++
	default:
		rm.SuccessfulStages++
	}

	rm.TotalRowsWritten += r.RowsWritten
	if _, seen := rm.StageDurations[r.Stage]; !seen {
		rm.stageOrder = append(rm.stageOrder, r.Stage)
	}
	rm.StageDurations[r.Stage] += r.Duration
}

// Complete marks the run as complete and logs the summary
func (rm *RunMetrics) Complete() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.EndTime = time.Now()

	if rm.logger != nil {
		rm.logger.Info("Pipeline run completed",
			zap.Duration("totalDuration", rm.duration()),
			zap.Int("successfulStages", rm.SuccessfulStages),
			zap.Int("skippedStages", rm.SkippedStages),
			zap.Int("failedStages", rm.FailedStages),
			zap.Int64("totalRowsWritten", rm.TotalRowsWritten))
	}
}

// Duration returns the total duration of the run
func (rm *RunMetrics) Duration() time.Duration {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.duration()
}

func (rm *RunMetrics) duration() time.Duration {
	if rm.EndTime.IsZero() {
		return time.Since(rm.StartTime)
	}
	return rm.EndTime.Sub(rm.StartTime)
}

// formatDuration formats a duration to a human-readable string
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// GenerateMetricsReport creates a plain-text run report
func (rm *RunMetrics) GenerateMetricsReport() string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, `
Pipeline Run Report
===================
Duration:            %s
Successful Stages:   %d
Skipped Stages:      %d
Failed Stages:       %d
Rows Written:        %d
`,
		formatDuration(rm.duration()),
		rm.SuccessfulStages,
		rm.SkippedStages,
		rm.FailedStages,
		rm.TotalRowsWritten)

	sb.WriteString("\nStage Durations\n---------------\n")
	for _, stage := range rm.stageOrder {
		fmt.Fprintf(&sb, "- %s: %s\n", stage, formatDuration(rm.StageDurations[stage]))
	}

	if len(rm.ErrorCounts) > 0 {
		sb.WriteString("\nErrors\n------\n")
		kinds := make([]string, 0, len(rm.ErrorCounts))
		for kind := range rm.ErrorCounts {
			kinds = append(kinds, string(kind))
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Fprintf(&sb, "- %s: %d\n", kind, rm.ErrorCounts[ErrorKind(kind)])
		}
	}

	return sb.String()
}

// ToJSON serializes the run summary
func (rm *RunMetrics) ToJSON() ([]byte, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	durations := make(map[string]string, len(rm.StageDurations))
	for stage, d := range rm.StageDurations {
		durations[stage] = formatDuration(d)
	}

	return json.Marshal(struct {
		Duration         string            `json:"duration"`
		SuccessfulStages int               `json:"successfulStages"`
		SkippedStages    int               `json:"skippedStages"`
		FailedStages     int               `json:"failedStages"`
		TotalRowsWritten int64             `json:"totalRowsWritten"`
		ErrorCounts      map[ErrorKind]int `json:"errorCounts"`
		StageDurations   map[string]string `json:"stageDurations"`
	}{
		Duration:         formatDuration(rm.duration()),
		SuccessfulStages: rm.SuccessfulStages,
		SkippedStages:    rm.SkippedStages,
		FailedStages:     rm.FailedStages,
		TotalRowsWritten: rm.TotalRowsWritten,
		ErrorCounts:      rm.ErrorCounts,
		StageDurations:   durations,
	})
}
