package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/gold"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/pipeline/pipelinetest"
	"github.com/David-Botos/retail-medallion/pkg/store/storetest"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func txn(invoice, customer, date string, qty int64, revenue float64) Transaction {
	return Transaction{Invoice: invoice, CustomerID: customer, InvoiceDay: date, Quantity: qty, Revenue: revenue, Date: day(date)}
}

// factRow is a Gold fact line with price derived from revenue
func factRow(invoice, customer, date string, qty int64, revenue float64) []interface{} {
	price := 0.0
	if qty != 0 {
		price = revenue / float64(qty)
	}
	return []interface{}{invoice, "85123A", qty, price, customer, date, "10:00:00", cleaner.InvoiceSale, int64(1), int64(2), revenue}
}

func factTable(rows ...[]interface{}) *model.Table {
	t := model.NewTable(gold.FactSalesTable, gold.FactSalesColumns...)
	for _, r := range rows {
		t.AddRow(r...)
	}
	return t
}

func TestQuantile(t *testing.T) {
	values := []float64{4, 1, 3, 2}
	assert.Equal(t, 2.5, Quantile(values, 0.5))
	assert.Equal(t, 1.0, Quantile(values, 0))
	assert.Equal(t, 4.0, Quantile(values, 1))
	assert.InDelta(t, 3.85, Quantile(values, 0.95), 1e-12)
	assert.Equal(t, []float64{4, 1, 3, 2}, values)
	assert.True(t, math.IsNaN(Quantile(nil, 0.5)))
}

func TestRankFirst(t *testing.T) {
	assert.Equal(t, []int{3, 1, 4, 2}, RankFirst([]float64{3, 1, 3, 2}))
}

func TestQuantileBins(t *testing.T) {
	values := []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	assert.Equal(t, []int{5, 5, 4, 4, 3, 3, 2, 2, 1, 1}, QuantileBins(values, 5))

	// ties are split by order of appearance
	assert.Equal(t, []int{1, 2, 3, 4, 5}, QuantileBins([]float64{1, 1, 1, 1, 1}, 5))
	assert.Equal(t, []int{1}, QuantileBins([]float64{42}, 5))
}

func TestBuildCustomers(t *testing.T) {
	customers := BuildCustomers([]Transaction{
		txn("536365", "13085", "2010-12-01", 6, 15.3),
		txn("536365", "13085", "2010-12-01", 2, 4.7),
		txn("536370", "13085", "2010-12-11", 10, 20),
		txn("536380", "12583", "2010-12-05", 1, 5),
	}, 90)
	require.Len(t, customers, 2)

	b, a := customers[0], customers[1]
	assert.Equal(t, "12583", b.CustomerID)
	assert.Equal(t, "13085", a.CustomerID)

	assert.Equal(t, int64(1), a.Recency)
	assert.Equal(t, int64(10), a.Tenure)
	assert.Equal(t, int64(2), a.Frequency)
	assert.Equal(t, 18.0, a.SoldQuantity)
	assert.Equal(t, 6.0, a.AvgBasketSize)
	assert.InDelta(t, 40, a.TotalRevenue, 1e-9)
	assert.InDelta(t, 40.0/3, a.AvgOrderValue, 1e-9)
	assert.Equal(t, 20.0, a.MaxOrderValue)
	assert.Equal(t, 4.7, a.MinOrderValue)
	assert.True(t, a.IsRepeat)
	assert.Equal(t, 5.0, a.AvgDaysBetween)
	assert.InDelta(t, 1.0/6, a.ChurnRiskScore, 1e-12)
	assert.True(t, a.IsActive)

	assert.Equal(t, int64(7), b.Recency)
	assert.Equal(t, int64(0), b.Tenure)
	assert.False(t, b.IsRepeat)
	assert.Equal(t, 1.0, b.PurchaseFreqRate)

	assert.Nil(t, BuildCustomers(nil, 90))
}

func TestScoreCustomers(t *testing.T) {
	var txns []Transaction
	for i := 0; i < 5; i++ {
		customer := fmt.Sprintf("C%d", i)
		// customer i buys i+1 times, the last purchase i days before the latest
		for j := 0; j <= i; j++ {
			date := day("2011-01-20").AddDate(0, 0, -i-j).Format("2006-01-02")
			txns = append(txns, txn(fmt.Sprintf("%d-%d", i, j), customer, date, 1, float64(10*(i+1))))
		}
	}
	customers := BuildCustomers(txns, 90)
	ScoreCustomers(customers)

	for i, c := range customers {
		assert.Equal(t, 5-i, c.RecencyScore, c.CustomerID)
		assert.Equal(t, i+1, c.FrequencyScore, c.CustomerID)
		assert.Equal(t, i+1, c.MonetaryScore, c.CustomerID)
	}
	assert.Equal(t, "511", customers[0].Score())
	assert.Equal(t, "155", customers[4].Score())
}

func TestRFMScoresCustomersAndJoinsSegments(t *testing.T) {
	env := pipelinetest.NewEnv(t, "rfm")
	ctx := context.Background()

	mapping := model.NewTable(gold.DimRFMMappingTable,
		model.Column{Name: "RFM_SCORE", Type: model.ColumnInteger},
		model.Column{Name: "RFM_SEGMENT", Type: model.ColumnText},
		model.Column{Name: "RFM_NAME", Type: model.ColumnText})
	mapping.AddRow(int64(515), "Big spender", "Recent high value")
	storetest.Seed(t, env.Store, mapping, factTable(
		factRow("536365", "13085", "2010-12-01", 6, 15.3),
		factRow("536366", "12583", "2010-12-02", 2, 30),
		factRow("C536367", "12583", "2010-12-02", -2, -30),
		factRow("536368", cleaner.Unknown, "2010-12-02", 4, 8),
	))

	recorded := &pipelinetest.Recorded{}
	env.Reports = recorded
	res := NewRFM(zap.NewNop()).Run(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Equal(t, "1 customer(s) without segment", res.Note)
	assert.Equal(t, "2010-12-02", pipelinetest.Watermark(t, env, watermark.StreamGoldRFMScoring))

	rows := storetest.Rows(t, env.Store, CustomerRFMTable, `"CUSTOMER_ID"`)
	require.Len(t, rows, 2)
	assert.Equal(t, "12583", rows[0]["CUSTOMER_ID"])
	assert.Equal(t, "515", rows[0]["RFM_SCORE"])
	assert.Equal(t, "Big spender", rows[0]["RFM_SEGMENT"])
	assert.Equal(t, int64(1), rows[0]["RECENCY"])
	assert.Equal(t, "13085", rows[1]["CUSTOMER_ID"])
	assert.Equal(t, "151", rows[1]["RFM_SCORE"])
	assert.Nil(t, rows[1]["RFM_SEGMENT"])

	require.Len(t, recorded.Reports, 1)
	assert.Equal(t, "gold_customer_rfm", recorded.Reports[0].Name)
	assert.Len(t, recorded.Reports[0].Sections, 4)

	res = NewRFM(zap.NewNop()).Run(ctx, env)
	assert.True(t, res.IsSkipped())
}

func TestRFMWithoutValidSales(t *testing.T) {
	env := pipelinetest.NewEnv(t, "rfm")
	storetest.Seed(t, env.Store, factTable(
		factRow("C536367", "12583", "2010-12-02", -2, -30),
		factRow("536368", cleaner.Unknown, "2010-12-02", 4, 8),
	))

	res := NewRFM(zap.NewNop()).Run(context.Background(), env)
	require.NotNil(t, res.Err)
	assert.Equal(t, pipeline.KindInsufficientData, res.Err.Kind)
	assert.True(t, errors.Is(res.Err, pipeline.ErrInsufficientData))
	assert.Empty(t, pipelinetest.Watermark(t, env, watermark.StreamGoldRFMScoring))
}

func TestRFMRequiresFactTable(t *testing.T) {
	env := pipelinetest.NewEnv(t, "rfm")
	res := NewRFM(zap.NewNop()).Run(context.Background(), env)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, pipeline.ErrMissingTable))
}

func TestTimeFeatures(t *testing.T) {
	f := TimeFeatures([]float64{0, 10, 20, 30})
	std := math.Sqrt(500.0 / 3)

	expected := []float64{15, std, 30, 10, 50, 60, 30, 20, 50.0/11 - 1, 3, 0.75, 1 - std/16}
	require.Len(t, f, len(TimeFeatureNames))
	assert.InDeltaSlice(t, expected, f, 1e-9)

	single := TimeFeatures([]float64{5})
	assert.True(t, math.IsNaN(single[1]))
	assert.True(t, math.IsNaN(single[7]))
}

func TestPivotMonthly(t *testing.T) {
	p := PivotMonthly([]Transaction{
		txn("1", "B", "2011-02-03", 1, 5),
		txn("2", "A", "2010-12-01", 1, 10),
		txn("3", "A", "2010-12-20", 1, 2.5),
		txn("4", "A", "2011-02-01", 1, 1),
	})
	assert.Equal(t, []string{"A", "B"}, p.Customers)
	assert.Equal(t, []string{"2010-12", "2011-02"}, p.Months)
	assert.Equal(t, [][]float64{{12.5, 1}, {0, 5}}, p.Revenue)
}

// cltvFacts gives customers steadily growing monthly spend over months
func cltvFacts(customers, months int) *model.Table {
	var rows [][]interface{}
	start := day("2010-01-15")
	for c := 0; c < customers; c++ {
		for m := 0; m < months; m++ {
			if (c+m)%4 == 3 {
				continue
			}
			date := start.AddDate(0, m, c%10).Format("2006-01-02")
			revenue := float64((c%7+1)*(m+1)) + float64(c)
			rows = append(rows, factRow(fmt.Sprintf("%d-%d", c, m), fmt.Sprintf("%05d", 12000+c), date, int64(m+1), revenue))
		}
	}
	return factTable(rows...)
}

func TestBuildDatasetCapsTarget(t *testing.T) {
	txns := []Transaction{
		txn("1", "A", "2011-01-01", 1, 10),
		txn("2", "A", "2011-02-01", 1, 100),
		txn("3", "B", "2011-01-01", 1, 10),
		txn("4", "B", "2011-02-01", 1, 1),
		txn("5", "C", "2011-01-01", 1, 10),
	}
	cfg := pipelinetest.DefaultConfig().Analytics
	cfg.TrainMonths = 1
	cfg.CapQuantile = 0.5

	ds, err := BuildDataset(txns, map[string][]float64{"A": {7}}, []string{"RECENCY"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, ds.Customers)
	assert.Equal(t, 1.0, ds.Cap)
	assert.Equal(t, []float64{1, 1, 0}, ds.Target)
	assert.Equal(t, 1, ds.CappedCount)

	_, cols := ds.X.Dims()
	assert.Equal(t, len(TimeFeatureNames)+1, cols)
	assert.Equal(t, 7.0, ds.X.At(0, cols-1))
	assert.Equal(t, 0.0, ds.X.At(1, cols-1))

	cfg.TrainMonths = 2
	_, err = BuildDataset(txns, nil, nil, cfg)
	assert.True(t, errors.Is(err, pipeline.ErrInsufficientData))
}

func TestSplitIsSeeded(t *testing.T) {
	train, test := Split(10, 0.2, 42)
	assert.Len(t, train, 8)
	assert.Len(t, test, 2)

	train2, test2 := Split(10, 0.2, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)

	_, test3 := Split(11, 0.2, 42)
	assert.Len(t, test3, 3)
}

func runCLTV(t *testing.T, env *pipeline.Env) pipeline.Result {
	t.Helper()
	pipelinetest.RequireOk(t, NewRFM(zap.NewNop()).Run(context.Background(), env))
	return NewCLTV(zap.NewNop()).Run(context.Background(), env)
}

func TestCLTVTrainsAndSelectsModel(t *testing.T) {
	env := pipelinetest.NewEnv(t, "cltv")
	env.Config.Analytics.TrainMonths = 4
	storetest.Seed(t, env.Store, cltvFacts(30, 6))

	recorded := &pipelinetest.Recorded{}
	env.Reports = recorded
	res := runCLTV(t, env)
	pipelinetest.RequireOk(t, res)
	assert.Contains(t, res.Note, "selected ")

	predictions := storetest.Rows(t, env.Store, CustomerCLTVTable, "")
	assert.Len(t, predictions, 6)
	for _, p := range predictions {
		actual, predicted := p["ACTUAL_CLV"].(float64), p["PREDICTED_CLV"].(float64)
		assert.InDelta(t, actual-predicted, p["ERROR"], 1e-9)
	}

	results := storetest.Rows(t, env.Store, ModelResultsTable, "")
	require.Len(t, results, 3)
	selected := 0
	for i, r := range results {
		if r["SELECTED"] == int64(1) {
			selected++
			assert.Equal(t, 0, i)
		}
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1]["R2"].(float64), r["R2"].(float64))
		}
	}
	assert.Equal(t, 1, selected)
	assert.Equal(t, "Customer CLTV", recorded.Reports[len(recorded.Reports)-1].Sections[0].SectionName())

	assert.NotEmpty(t, pipelinetest.Watermark(t, env, watermark.StreamGoldCLTV))
	assert.True(t, NewCLTV(zap.NewNop()).Run(context.Background(), env).IsSkipped())
}

func TestCLTVNeedsTargetPeriod(t *testing.T) {
	env := pipelinetest.NewEnv(t, "cltv")
	storetest.Seed(t, env.Store, cltvFacts(30, 6))

	res := runCLTV(t, env)
	require.NotNil(t, res.Err)
	assert.Equal(t, pipeline.KindInsufficientData, res.Err.Kind)
	assert.Empty(t, pipelinetest.Watermark(t, env, watermark.StreamGoldCLTV))
}

func TestCLTVNeedsEnoughCustomers(t *testing.T) {
	env := pipelinetest.NewEnv(t, "cltv")
	env.Config.Analytics.TrainMonths = 4
	storetest.Seed(t, env.Store, cltvFacts(4, 6))

	res := runCLTV(t, env)
	require.NotNil(t, res.Err)
	assert.Equal(t, pipeline.KindInsufficientData, res.Err.Kind)
}

func TestCLTVRequiresCustomerRFM(t *testing.T) {
	env := pipelinetest.NewEnv(t, "cltv")
	storetest.Seed(t, env.Store, cltvFacts(10, 3))

	res := NewCLTV(zap.NewNop()).Run(context.Background(), env)
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, pipeline.ErrMissingTable))
}
