// Command medallion runs the retail Bronze, Silver and Gold pipeline and its
// customer analytics against the configured warehouse.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/David-Botos/retail-medallion/pkg/analytics"
	"github.com/David-Botos/retail-medallion/pkg/bronze"
	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/connector"
	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/gold"
	"github.com/David-Botos/retail-medallion/pkg/lookup"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/silver"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "medallion",
		Short:         "Incremental retail medallion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run every stage in order, stopping at the first failure",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), func(a *app) error {
					_, err := a.runner.Run(cmd.Context(), a.stages)
					return a.finish(err)
				})
			},
		},
		&cobra.Command{
			Use:   "stage <name>",
			Short: "Run a single stage",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(a *app) error {
					s, ok := pipeline.Find(a.stages, args[0])
					if !ok {
						return fmt.Errorf("unknown stage %q, expected one of: %s",
							args[0], strings.Join(pipeline.Names(a.stages), ", "))
					}
					var err error
					if res := a.runner.RunStage(cmd.Context(), s); res.Err != nil {
						err = res.Err
					}
					return a.finish(err)
				})
			},
		},
		&cobra.Command{
			Use:   "stages",
			Short: "List stages in execution order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				for _, name := range stageNames() {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "watermarks",
			Short: "Show the committed watermark of every stream",
			Args:  cobra.NoArgs,
			RunE:  showWatermarks,
		},
	)
	return root
}

// stageNames lists the pipeline order without building clients
func stageNames() []string {
	return []string{
		pipeline.InitWatermarks{}.Name(),
		(&bronze.Stage{}).Name(),
		(&silver.Stage{}).Name(),
		(&silver.Country{}).Name(),
		(&silver.ExchangeRate{}).Name(),
		(&silver.Product{}).Name(),
		(&gold.Builder{}).Name(),
		(&analytics.RFM{}).Name(),
		(&analytics.CLTV{}).Name(),
	}
}

type app struct {
	cfg      *config.Config
	runner   *pipeline.Runner
	stages   []pipeline.Stage
	registry *prometheus.Registry
	logger   *zap.Logger
}

// withApp loads configuration, wires the stages and runs fn
func withApp(ctx context.Context, fn func(*app) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return err
	}
	defer func() { _ = logger.Sync() }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize pipeline", zap.Error(err))
		return err
	}
	return fn(a)
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	registry := prometheus.NewRegistry()

	lookups, err := lookup.NewSet(cfg.APIs, registry, logger.Named("lookup"))
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup clients: %w", err)
	}
	rules, err := config.LoadProductRules(cfg.Paths.ProductRulesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load product rules: %w", err)
	}

	var reports report.Writer
	if cfg.Paths.ReportDir != "" {
		reports = report.NewFileWriter(cfg.Paths.ReportDir, logger)
	}

	factory := connector.NewConnectorFactory(cfg.Warehouse, logger)
	runner := pipeline.NewRunner(factory, cfg, logger).
		WithReports(reports).
		WithMetrics(pipeline.NewStageMetrics(registry))

	var rfmMapping *bronze.RFMMappingLoader
	if cfg.Paths.RFMMappingFile != "" {
		rfmMapping = bronze.NewRFMMappingLoader(cfg.Paths.RFMMappingFile, logger)
	}

	stages := []pipeline.Stage{
		pipeline.InitWatermarks{},
		&bronze.Stage{
			CSV:        bronze.NewCSVLoader(cfg.Paths.CSVDir, cfg.Paths.CSVPatterns, converter.NewTypeConverter(logger), logger),
			RFMMapping: rfmMapping,
		},
		&silver.Stage{
			Sales:      silver.NewSales(logger),
			RFMMapping: silver.NewRFMMapping(logger),
		},
		silver.NewCountry(lookups.Countries, lookups.Geocoder, lookups.Timezones, logger),
		silver.NewExchangeRate(lookups.Rates, logger),
		silver.NewProduct(rules, logger),
		gold.NewBuilder(logger),
		analytics.NewRFM(logger),
		analytics.NewCLTV(logger),
	}

	return &app{cfg: cfg, runner: runner, stages: stages, registry: registry, logger: logger}, nil
}

// finish prints the run summary and exports metrics. err is the run outcome.
func (a *app) finish(err error) error {
	fmt.Fprint(os.Stdout, a.runner.Metrics().GenerateMetricsReport())

	if path := a.cfg.Paths.MetricsTextfile; path != "" {
		if werr := pipeline.WriteTextfile(path, a.registry); werr != nil {
			a.logger.Warn("Failed to export metrics", zap.Error(werr))
		}
	}
	if err != nil {
		a.logger.Error("Pipeline run failed", zap.Error(err))
	}
	return err
}

func showWatermarks(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	conn, err := connector.NewConnectorFactory(cfg.Warehouse, logger).Open(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	st := store.New(conn, logger)
	exists, err := st.TableExists(ctx, watermark.TableName)
	if err != nil {
		return err
	}
	if !exists {
		return errors.New("watermark table does not exist; run the pipeline first")
	}
	records, err := watermark.NewStore(st, logger).List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM\tLAST VALUE\tKIND\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.StreamID, r.LastValue, r.ValueKind, r.UpdatedAt)
	}
	return w.Flush()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
