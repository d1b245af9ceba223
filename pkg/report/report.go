// pkg/report/report.go
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/model"
)

// Kind discriminates report sections
type Kind string

const (
	KindTable Kind = "table"
	KindList  Kind = "list"
	KindChart Kind = "chart"
)

// Section is one exported artifact: a Table, a List or a Chart
type Section interface {
	SectionName() string
	Kind() Kind
}

// Table is a tabular section
type Table struct {
	Name    string          `json:"name"`
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// List is an ordered list of values
type List struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// Chart is a set of named series, rendered by whatever consumes the report
type Chart struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	XLabel string   `json:"x_label,omitempty"`
	YLabel string   `json:"y_label,omitempty"`
	Series []Series `json:"series"`
}

// Series is one line or bar group of a chart
type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// Point is one observation
type Point struct {
	X string  `json:"x"`
	Y float64 `json:"y"`
}

func (t *Table) SectionName() string { return t.Name }
func (t *Table) Kind() Kind          { return KindTable }
func (l *List) SectionName() string  { return l.Name }
func (l *List) Kind() Kind           { return KindList }
func (c *Chart) SectionName() string { return c.Name }
func (c *Chart) Kind() Kind          { return KindChart }

// FromModel copies a warehouse table into a report table
func FromModel(name string, t *model.Table) *Table {
	rows := make([][]interface{}, len(t.Rows))
	copy(rows, t.Rows)
	return &Table{Name: name, Columns: t.ColumnNames(), Rows: rows}
}

// Report groups the sections one stage exports
type Report struct {
	Name        string
	Stage       string
	GeneratedAt time.Time
	Sections    []Section
}

// New starts an empty report
func New(name, stage string) *Report {
	return &Report{Name: name, Stage: stage, GeneratedAt: time.Now().UTC()}
}

// Add appends sections and returns the report for chaining
func (r *Report) Add(sections ...Section) *Report {
	r.Sections = append(r.Sections, sections...)
	return r
}

type sectionEnvelope struct {
	Kind    Kind    `json:"kind"`
	Section Section `json:"section"`
}

// MarshalJSON tags every section with its kind
func (r *Report) MarshalJSON() ([]byte, error) {
	sections := make([]sectionEnvelope, 0, len(r.Sections))
	for _, s := range r.Sections {
		sections = append(sections, sectionEnvelope{Kind: s.Kind(), Section: s})
	}
	return json.Marshal(struct {
		Name        string            `json:"name"`
		Stage       string            `json:"stage"`
		GeneratedAt time.Time         `json:"generated_at"`
		Sections    []sectionEnvelope `json:"sections"`
	}{r.Name, r.Stage, r.GeneratedAt, sections})
}

// Writer persists reports
type Writer interface {
	Write(ctx context.Context, r *Report) error
}

// Discard drops every report
var Discard Writer = discard{}

type discard struct{}

func (discard) Write(context.Context, *Report) error { return nil }

// FileWriter writes each report as a JSON document under a directory
type FileWriter struct {
	dir    string
	logger *zap.Logger
}

// NewFileWriter creates a writer rooted at dir
func NewFileWriter(dir string, logger *zap.Logger) *FileWriter {
	return &FileWriter{dir: dir, logger: logger.Named("report")}
}

var nonWordRun = regexp.MustCompile(`\W+`)

// FileName returns the document name used for a report
func FileName(name string) string {
	return nonWordRun.ReplaceAllString(strings.ToLower(name), "_") + ".json"
}

// Write implements Writer. Documents are replaced atomically.
func (w *FileWriter) Write(ctx context.Context, r *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir %s: %w", w.dir, err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report %s: %w", r.Name, err)
	}

	path := filepath.Join(w.dir, FileName(r.Name))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish report %s: %w", path, err)
	}

	w.logger.Info("Report written",
		zap.String("report", r.Name),
		zap.String("path", path),
		zap.Int("sections", len(r.Sections)))
	return nil
}
