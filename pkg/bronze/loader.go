// pkg/bronze/loader.go
package bronze

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// SourceFile is a CSV extract selected for loading
type SourceFile struct {
	Path    string
	Table   string
	ModTime time.Time
}

// CSVLoader copies every new or modified CSV extract into its own Bronze table
type CSVLoader struct {
	dir         string
	patterns    []string
	converter   *converter.TypeConverter
	parallelism int
	logger      *zap.Logger
}

// NewCSVLoader creates a loader over the files in dir matching patterns
func NewCSVLoader(dir string, patterns []string, conv *converter.TypeConverter, logger *zap.Logger) *CSVLoader {
	if len(patterns) == 0 {
		patterns = []string{"*.csv"}
	}
	return &CSVLoader{
		dir:         dir,
		patterns:    patterns,
		converter:   conv,
		parallelism: runtime.NumCPU(),
		logger:      logger.Named("bronze-csv"),
	}
}

// WithParallelism bounds how many files are parsed at once
func (l *CSVLoader) WithParallelism(n int) *CSVLoader {
	if n > 0 {
		l.parallelism = n
	}
	return l
}

// Discover lists the matching files whose modification time is strictly
// after since. A zero since selects every file.
func (l *CSVLoader) Discover(since time.Time) ([]SourceFile, error) {
	seen := make(map[string]bool)
	tables := make(map[string]string)
	var files []SourceFile

	for _, pattern := range l.patterns {
		matches, err := filepath.Glob(filepath.Join(l.dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("%w: bad CSV pattern %q: %v", pipeline.ErrConfig, pattern, err)
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true

			info, err := os.Stat(path)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", path, err)
			}
			if !info.Mode().IsRegular() {
				continue
			}

			stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			table := converter.TableName(model.LayerBronze, stem)
			if other, dup := tables[table]; dup {
				return nil, fmt.Errorf("%w: %s and %s both load into %s", pipeline.ErrConfig, other, path, table)
			}
			tables[table] = path

			mtime := info.ModTime().UTC()
			if !since.IsZero() && !mtime.After(since) {
				l.logger.Debug("Skipping unchanged file", zap.String("file", path))
				continue
			}
			files = append(files, SourceFile{Path: path, Table: table, ModTime: mtime})
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Load runs the incremental CSV ingestion. Every selected file and the new
// watermark are written in one transaction.
func (l *CSVLoader) Load(ctx context.Context, env *pipeline.Env) pipeline.Result {
	since, _, err := env.Watermarks.GetTime(ctx, watermark.StreamBronzeCSVFiles)
	if err != nil {
		return pipeline.Failed("failed to read watermark", err)
	}

	files, err := l.Discover(since)
	if err != nil {
		return pipeline.Failed("failed to list CSV files", err)
	}
	if len(files) == 0 {
		return pipeline.Skipped("no new or modified CSV files")
	}

	l.logger.Info("Loading CSV files",
		zap.Int("files", len(files)),
		zap.Time("since", since))

	tables := make([]*model.Table, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := l.parse(f)
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pipeline.Failed("failed to parse CSV files", err)
	}

	latest := since
	for _, f := range files {
		if f.ModTime.After(latest) {
			latest = f.ModTime
		}
	}

	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		for _, t := range tables {
			n, err := tx.ReplaceTable(ctx, t)
			if err != nil {
				return err
			}
			written += n
			l.logger.Info("Loaded bronze table",
				zap.String("table", t.Name),
				zap.Int64("rows", n))
		}
		return env.Watermarks.Set(ctx, tx, watermark.StreamBronzeCSVFiles, watermark.FormatTime(latest), watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write bronze tables", err)
	}

	return pipeline.Ok(written).WithNote(fmt.Sprintf("%d file(s)", len(files)))
}

func (l *CSVLoader) parse(f SourceFile) (*model.Table, error) {
	header, records, err := readCSV(f.Path)
	if err != nil {
		return nil, err
	}
	t, err := l.converter.BuildTable(f.Table, header, records)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", f.Path, err)
	}
	return t, nil
}

// readCSV reads a header and all records. A leading UTF-8 byte order mark is dropped.
func readCSV(path string) ([]string, [][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.ReuseRecord = false

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%s is empty", path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return header, records, nil
}
