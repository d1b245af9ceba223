// pkg/analytics/cltv.go
package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// CLTV tables, replaced on every run
const (
	CustomerCLTVTable = "GOLD_DIM_CUSTOMER_CLTV"
	ModelResultsTable = "GOLD_DIM_CLTV_MODEL_RESULTS"
)

// CustomerCLTVColumns is the layout of GOLD_DIM_CUSTOMER_CLTV
var CustomerCLTVColumns = []model.Column{
	{Name: "CUSTOMER_ID", Type: model.ColumnText},
	{Name: "ACTUAL_CLV", Type: model.ColumnReal},
	{Name: "PREDICTED_CLV", Type: model.ColumnReal},
	{Name: "ERROR", Type: model.ColumnReal},
	{Name: "ERROR_PCT", Type: model.ColumnReal},
}

// ModelResultsColumns is the layout of GOLD_DIM_CLTV_MODEL_RESULTS
var ModelResultsColumns = []model.Column{
	{Name: "MODEL", Type: model.ColumnText},
	{Name: "R2", Type: model.ColumnReal},
	{Name: "MAE", Type: model.ColumnReal},
	{Name: "RMSE", Type: model.ColumnReal},
	{Name: "MAPE", Type: model.ColumnReal},
	{Name: "CV_MAE", Type: model.ColumnReal},
	{Name: "SELECTED", Type: model.ColumnInteger},
}

// TimeFeatureNames are the features derived from the monthly revenue pivot
var TimeFeatureNames = []string{
	"AVG_MONTHLY_REVENUE",
	"STD_MONTHLY_REVENUE",
	"MAX_MONTHLY_REVENUE",
	"FIRST_HALF_REVENUE",
	"SECOND_HALF_REVENUE",
	"RECENT_3M_REVENUE",
	"EARLY_3M_REVENUE",
	"REVENUE_TREND",
	"GROWTH_RATE",
	"MONTHS_ACTIVE",
	"ACTIVITY_RATE",
	"PURCHASE_CONSISTENCY",
}

// rfmFeatureColumns are the numeric columns of the RFM dimension used as features
func rfmFeatureColumns() []model.Column {
	var cols []model.Column
	for _, c := range CustomerRFMColumns {
		if c.Type != model.ColumnText {
			cols = append(cols, c)
		}
	}
	return cols
}

// MonthlyPivot is the revenue of every customer in every observed month
type MonthlyPivot struct {
	Customers []string
	Months    []string
	Revenue   [][]float64
}

// PivotMonthly sums revenue per customer and calendar month. Customers and
// months are sorted.
func PivotMonthly(txns []Transaction) *MonthlyPivot {
	monthSet := make(map[string]struct{})
	sums := make(map[string]map[string]float64)
	for _, t := range txns {
		month := t.Date.Format(converter.MonthLayout)
		monthSet[month] = struct{}{}
		if sums[t.CustomerID] == nil {
			sums[t.CustomerID] = make(map[string]float64)
		}
		sums[t.CustomerID][month] += t.Revenue
	}

	p := &MonthlyPivot{}
	for m := range monthSet {
		p.Months = append(p.Months, m)
	}
	sort.Strings(p.Months)
	for c := range sums {
		p.Customers = append(p.Customers, c)
	}
	sort.Strings(p.Customers)

	p.Revenue = make([][]float64, len(p.Customers))
	for i, c := range p.Customers {
		p.Revenue[i] = make([]float64, len(p.Months))
		for j, m := range p.Months {
			p.Revenue[i][j] = sums[c][m]
		}
	}
	return p
}

// TimeFeatures derives the TimeFeatureNames values from one customer's
// monthly revenue. Undefined statistics are NaN.
func TimeFeatures(monthly []float64) []float64 {
	n := len(monthly)
	half := n / 2
	first, second := monthly[:half], monthly[half:]
	recent, early := monthly[max(n-3, 0):], monthly[:min(3, n)]

	avg := stat.Mean(monthly, nil)
	std := stat.StdDev(monthly, nil)
	firstSum, secondSum := floats.Sum(first), floats.Sum(second)

	active := 0
	for _, v := range monthly {
		if v > 0 {
			active++
		}
	}

	return []float64{
		avg,
		std,
		floats.Max(monthly),
		firstSum,
		secondSum,
		floats.Sum(recent),
		floats.Sum(early),
		meanOrNaN(second) - meanOrNaN(first),
		secondSum/(firstSum+1) - 1,
		float64(active),
		float64(active) / float64(n),
		1 - std/(avg+1),
	}
}

func meanOrNaN(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	return stat.Mean(v, nil)
}

// Dataset is the feature matrix and capped target of the CLTV model
type Dataset struct {
	Customers    []string
	Months       []string
	FeatureNames []string
	X            *mat.Dense
	Target       []float64
	Cap          float64
	CappedCount  int
}

// BuildDataset joins time features with the customers' RFM features and
// derives the target from the months after the training window. Missing
// and undefined feature values are zero.
func BuildDataset(txns []Transaction, rfm map[string][]float64, rfmNames []string, cfg config.AnalyticsConfig) (*Dataset, error) {
	pivot := PivotMonthly(txns)
	if len(pivot.Customers) == 0 {
		return nil, fmt.Errorf("%w: no valid sales", pipeline.ErrInsufficientData)
	}
	if len(pivot.Months) <= cfg.TrainMonths {
		return nil, fmt.Errorf("%w: %d month(s) of sales, need more than %d",
			pipeline.ErrInsufficientData, len(pivot.Months), cfg.TrainMonths)
	}

	ds := &Dataset{
		Customers:    pivot.Customers,
		Months:       pivot.Months,
		FeatureNames: append(append([]string(nil), TimeFeatureNames...), rfmNames...),
		Target:       make([]float64, len(pivot.Customers)),
	}
	ds.X = mat.NewDense(len(ds.Customers), len(ds.FeatureNames), nil)
	for i, c := range ds.Customers {
		row := TimeFeatures(pivot.Revenue[i])
		if vals, ok := rfm[c]; ok {
			row = append(row, vals...)
		} else {
			row = append(row, make([]float64, len(rfmNames))...)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				v = 0
			}
			ds.X.Set(i, j, v)
		}
		ds.Target[i] = floats.Sum(pivot.Revenue[i][cfg.TrainMonths:])
	}

	ds.Cap = Quantile(ds.Target, cfg.CapQuantile)
	for i, y := range ds.Target {
		if y > ds.Cap {
			ds.Target[i] = ds.Cap
			ds.CappedCount++
		}
	}
	return ds, nil
}

// ModelResult is the evaluation of one candidate
type ModelResult struct {
	Name     string
	Metrics  Metrics
	CVMAE    float64
	Selected bool
}

// Outcome is the result of training every candidate on one split
type Outcome struct {
	Results      []ModelResult
	Best         string
	TestRows     []int
	Actual       []float64
	Predicted    []float64
	Coefficients []float64
}

// Split shuffles row indices with a seeded generator and holds out the
// first ceil(n*testFraction) as the test set
func Split(n int, testFraction float64, seed uint64) (train, test []int) {
	perm := rand.New(rand.NewPCG(seed, seed)).Perm(n)
	nTest := int(math.Ceil(float64(n) * testFraction))
	return perm[nTest:], perm[:nTest]
}

// Train fits every candidate on the standardized training split and selects
// the one with the highest held-out R2. Earlier candidates win ties.
func Train(ds *Dataset, candidates []Candidate, cfg config.AnalyticsConfig, logger *zap.Logger) (*Outcome, error) {
	train, test := Split(len(ds.Customers), cfg.TestFraction, cfg.Seed)
	if len(train) < cfg.CVFolds || len(test) < 2 {
		return nil, fmt.Errorf("%w: %d customer(s) cannot form a %d-fold training set and a test set",
			pipeline.ErrInsufficientData, len(ds.Customers), cfg.CVFolds)
	}

	xTrain, xTest := selectRows(ds.X, train), selectRows(ds.X, test)
	scaler := FitScaler(xTrain)
	xTrain, xTest = scaler.Transform(xTrain), scaler.Transform(xTest)
	yTrain, yTest := pick(ds.Target, train), pick(ds.Target, test)

	out := &Outcome{TestRows: test, Actual: yTest}
	predictions := make(map[string][]float64)
	coefficients := make(map[string][]float64)
	for _, c := range candidates {
		m := c.New()
		if err := m.Fit(xTrain, yTrain); err != nil {
			logger.Warn("Candidate model failed to fit", zap.String("model", c.Name), zap.Error(err))
			continue
		}
		pred := m.Predict(xTest)
		cv, err := CrossValMAE(c, xTrain, yTrain, cfg.CVFolds)
		if err != nil {
			logger.Warn("Cross validation failed", zap.String("model", c.Name), zap.Error(err))
			cv = math.NaN()
		}

		res := ModelResult{Name: c.Name, Metrics: Evaluate(yTest, pred), CVMAE: cv}
		logger.Info("Evaluated model",
			zap.String("model", c.Name),
			zap.Float64("r2", res.Metrics.R2),
			zap.Float64("mae", res.Metrics.MAE),
			zap.Float64("rmse", res.Metrics.RMSE),
			zap.Float64("cv_mae", cv))

		out.Results = append(out.Results, res)
		predictions[c.Name] = pred
		coefficients[c.Name] = m.Coefficients()
	}
	if len(out.Results) < 2 {
		return nil, errors.New("fewer than two candidate models could be fitted")
	}

	sort.SliceStable(out.Results, func(i, j int) bool { return out.Results[i].Metrics.R2 > out.Results[j].Metrics.R2 })
	out.Results[0].Selected = true
	out.Best = out.Results[0].Name
	out.Predicted = predictions[out.Best]
	out.Coefficients = coefficients[out.Best]
	return out, nil
}

// CLTV predicts each customer's revenue after the training window
type CLTV struct {
	candidates []Candidate
	logger     *zap.Logger
}

// NewCLTV creates the CLTV stage with the default candidate models
func NewCLTV(logger *zap.Logger) *CLTV {
	return &CLTV{
		candidates: DefaultCandidates(),
		logger:     logger.Named("cltv"),
	}
}

// WithCandidates replaces the compared models
func (s *CLTV) WithCandidates(candidates ...Candidate) *CLTV {
	s.candidates = candidates
	return s
}

// Name implements pipeline.Stage
func (s *CLTV) Name() string { return "cltv" }

// Run implements pipeline.Stage
func (s *CLTV) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	latest, err := factGate(ctx, env, watermark.StreamGoldCLTV)
	if err != nil {
		return pipeline.Failed("failed to check gold fact sales", err)
	}
	if latest == "" {
		return pipeline.Skipped("gold fact sales unchanged since last CLTV run")
	}
	if err := env.RequireTable(ctx, CustomerRFMTable); err != nil {
		return pipeline.Failed("customer RFM not built", err)
	}

	txns, err := loadTransactions(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to load transactions", err)
	}
	rfm, rfmNames, err := s.rfmFeatures(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to read customer RFM", err)
	}

	cfg := env.Config.Analytics
	ds, err := BuildDataset(txns, rfm, rfmNames, cfg)
	if err != nil {
		return pipeline.Failed("failed to build CLTV dataset", err)
	}
	s.logger.Info("Built CLTV dataset",
		zap.Int("customers", len(ds.Customers)),
		zap.Int("features", len(ds.FeatureNames)),
		zap.String("first_month", ds.Months[0]),
		zap.String("last_month", ds.Months[len(ds.Months)-1]),
		zap.Float64("target_cap", ds.Cap),
		zap.Int("capped", ds.CappedCount))

	outcome, err := Train(ds, s.candidates, cfg, s.logger)
	if err != nil {
		if errors.Is(err, pipeline.ErrInsufficientData) {
			return pipeline.Failed("not enough customers to train", err)
		}
		return pipeline.FailedWith(pipeline.KindTransform, "failed to train CLTV models", err)
	}
	s.logger.Info("Selected CLTV model", zap.String("model", outcome.Best))

	predictions := PredictionTable(ds, outcome)
	results := ResultsTable(outcome)
	err = env.Commit(ctx, func(tx *store.Tx) error {
		if _, err := tx.ReplaceTable(ctx, predictions); err != nil {
			return err
		}
		if _, err := tx.ReplaceTable(ctx, results); err != nil {
			return err
		}
		return env.Watermarks.Set(ctx, tx, watermark.StreamGoldCLTV, latest, watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write CLTV tables", err)
	}

	env.Report(ctx, s.explorationReport(ds, outcome, predictions, results))
	return pipeline.Ok(int64(predictions.Len() + results.Len())).WithNote("selected " + outcome.Best)
}

// rfmFeatures reads the numeric RFM columns keyed by customer
func (s *CLTV) rfmFeatures(ctx context.Context, env *pipeline.Env) (map[string][]float64, []string, error) {
	cols := rfmFeatureColumns()
	t, err := env.Store.ReadTable(ctx, CustomerRFMTable,
		append([]model.Column{{Name: "CUSTOMER_ID", Type: model.ColumnText}}, cols...)...)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}

	out := make(map[string][]float64, t.Len())
	for _, row := range t.Rows {
		id, ok := row[0].(string)
		if !ok {
			continue
		}
		vals := make([]float64, len(cols))
		for j, v := range row[1:] {
			switch n := v.(type) {
			case int64:
				vals[j] = float64(n)
			case float64:
				vals[j] = n
			}
		}
		out[id] = vals
	}
	return out, names, nil
}

// PredictionTable lists the held-out customers with the selected model's prediction
func PredictionTable(ds *Dataset, o *Outcome) *model.Table {
	table := model.NewTable(CustomerCLTVTable, CustomerCLTVColumns...)
	for i, row := range o.TestRows {
		actual, predicted := o.Actual[i], o.Predicted[i]
		residual := actual - predicted
		table.AddRow(ds.Customers[row], actual, predicted, residual, residual/(actual+1)*100)
	}
	return table
}

// ResultsTable lists every candidate ordered by held-out R2
func ResultsTable(o *Outcome) *model.Table {
	table := model.NewTable(ModelResultsTable, ModelResultsColumns...)
	for _, r := range o.Results {
		var cv interface{}
		if !math.IsNaN(r.CVMAE) {
			cv = r.CVMAE
		}
		table.AddRow(r.Name, r.Metrics.R2, r.Metrics.MAE, r.Metrics.RMSE, r.Metrics.MAPE, cv, boolInt(r.Selected))
	}
	return table
}

func (s *CLTV) explorationReport(ds *Dataset, o *Outcome, predictions, results *model.Table) *report.Report {
	features := &report.Table{Name: "Time Features", Columns: append([]string{"CUSTOMER_ID"}, ds.FeatureNames...)}
	for i, c := range ds.Customers {
		row := []interface{}{c}
		for _, v := range ds.X.RawRowView(i) {
			row = append(row, v)
		}
		features.Rows = append(features.Rows, row)
	}

	order := make([]int, len(o.Coefficients))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(o.Coefficients[order[a]]) > math.Abs(o.Coefficients[order[b]])
	})
	importance := &report.Table{Name: "Feature Importance", Columns: []string{"FEATURE", "IMPORTANCE"}}
	for _, j := range order {
		importance.Rows = append(importance.Rows, []interface{}{ds.FeatureNames[j], math.Abs(o.Coefficients[j])})
	}

	r2 := report.Series{Name: "R2"}
	for _, r := range o.Results {
		r2.Points = append(r2.Points, report.Point{X: r.Name, Y: r.Metrics.R2})
	}

	return report.New("cltv_exploration", s.Name()).Add(
		report.FromModel("Customer CLTV", predictions),
		report.FromModel("Model Results", results),
		features,
		importance,
		&report.Chart{Name: "Held-out R2 by model", Type: "bar", XLabel: "model", YLabel: "R2", Series: []report.Series{r2}},
	)
}
