// pkg/analytics/rfm.go
package analytics

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/gold"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// CustomerRFMTable holds one scored row per customer
const CustomerRFMTable = "GOLD_DIM_CUSTOMER_RFM"

const scoreBins = 5

// CustomerRFMColumns is the layout of GOLD_DIM_CUSTOMER_RFM
var CustomerRFMColumns = []model.Column{
	{Name: "CUSTOMER_ID", Type: model.ColumnText},
	{Name: "RECENCY", Type: model.ColumnInteger},
	{Name: "TENURE", Type: model.ColumnInteger},
	{Name: "DATE_FIRST_PURCHASE", Type: model.ColumnText},
	{Name: "DATE_LAST_PURCHASE", Type: model.ColumnText},
	{Name: "FREQUENCY", Type: model.ColumnInteger},
	{Name: "SOLD_QUANTITY", Type: model.ColumnReal},
	{Name: "AVG_BASKET_SIZE", Type: model.ColumnReal},
	{Name: "TOTAL_REVENUE", Type: model.ColumnReal},
	{Name: "AVG_ORDER_VALUE", Type: model.ColumnReal},
	{Name: "MAX_ORDER_VALUE", Type: model.ColumnReal},
	{Name: "MIN_ORDER_VALUE", Type: model.ColumnReal},
	{Name: "PURCHASE_FREQUENCY_RATE", Type: model.ColumnReal},
	{Name: "REVENUE_PER_DAY", Type: model.ColumnReal},
	{Name: "IS_REPEAT_CUSTOMER", Type: model.ColumnInteger},
	{Name: "AVG_DAYS_BETWEEN_PURCHASES", Type: model.ColumnReal},
	{Name: "CHURN_RISK_SCORE", Type: model.ColumnReal},
	{Name: "IS_ACTIVE", Type: model.ColumnInteger},
	{Name: "RECENCY_SCORE", Type: model.ColumnInteger},
	{Name: "FREQUENCY_SCORE", Type: model.ColumnInteger},
	{Name: "MONETARY_SCORE", Type: model.ColumnInteger},
	{Name: "RFM_SCORE", Type: model.ColumnText},
	{Name: "RFM_SEGMENT", Type: model.ColumnText},
	{Name: "RFM_NAME", Type: model.ColumnText},
}

// CustomerRFM is the behaviour and score of one customer
type CustomerRFM struct {
	CustomerID       string
	Recency          int64
	Tenure           int64
	FirstPurchase    time.Time
	LastPurchase     time.Time
	Frequency        int64
	SoldQuantity     float64
	AvgBasketSize    float64
	TotalRevenue     float64
	AvgOrderValue    float64
	MaxOrderValue    float64
	MinOrderValue    float64
	PurchaseFreqRate float64
	RevenuePerDay    float64
	IsRepeat         bool
	AvgDaysBetween   float64
	ChurnRiskScore   float64
	IsActive         bool
	RecencyScore     int
	FrequencyScore   int
	MonetaryScore    int
	Segment          string
	Name             string

	segmentKnown bool
	lines        int
	invoices     map[string]struct{}
}

// Score is the concatenated R, F and M scores, e.g. "555"
func (c *CustomerRFM) Score() string {
	return fmt.Sprintf("%d%d%d", c.RecencyScore, c.FrequencyScore, c.MonetaryScore)
}

// days is the number of whole days between two dates
func days(from, to time.Time) int64 {
	return int64(to.Sub(from).Hours() / 24)
}

// BuildCustomers aggregates transactions per customer. Recency is measured
// from the day after the latest transaction. Customers are ordered by id.
func BuildCustomers(txns []Transaction, activeWindowDays int) []*CustomerRFM {
	if len(txns) == 0 {
		return nil
	}

	var maxDate time.Time
	byID := make(map[string]*CustomerRFM)
	for _, t := range txns {
		if t.Date.After(maxDate) {
			maxDate = t.Date
		}
		c, ok := byID[t.CustomerID]
		if !ok {
			c = &CustomerRFM{
				CustomerID:    t.CustomerID,
				FirstPurchase: t.Date,
				LastPurchase:  t.Date,
				MaxOrderValue: t.Revenue,
				MinOrderValue: t.Revenue,
				invoices:      make(map[string]struct{}),
			}
			byID[t.CustomerID] = c
		}
		if t.Date.Before(c.FirstPurchase) {
			c.FirstPurchase = t.Date
		}
		if t.Date.After(c.LastPurchase) {
			c.LastPurchase = t.Date
		}
		if t.Revenue > c.MaxOrderValue {
			c.MaxOrderValue = t.Revenue
		}
		if t.Revenue < c.MinOrderValue {
			c.MinOrderValue = t.Revenue
		}
		c.invoices[t.Invoice] = struct{}{}
		c.SoldQuantity += float64(t.Quantity)
		c.TotalRevenue += t.Revenue
		c.lines++
	}
	snapshot := maxDate.AddDate(0, 0, 1)

	customers := make([]*CustomerRFM, 0, len(byID))
	for _, c := range byID {
		c.Recency = days(c.LastPurchase, snapshot)
		c.Tenure = days(c.FirstPurchase, c.LastPurchase)
		c.Frequency = int64(len(c.invoices))
		c.AvgBasketSize = c.SoldQuantity / float64(c.lines)
		c.AvgOrderValue = c.TotalRevenue / float64(c.lines)
		c.PurchaseFreqRate = float64(c.Frequency) / float64(c.Tenure+1)
		c.RevenuePerDay = c.TotalRevenue / float64(c.Tenure+1)
		c.IsRepeat = c.Frequency > 1
		c.AvgDaysBetween = float64(c.Tenure) / float64(c.Frequency)
		c.ChurnRiskScore = float64(c.Recency) / (c.AvgDaysBetween + 1)
		c.IsActive = c.Recency <= int64(activeWindowDays)
		customers = append(customers, c)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].CustomerID < customers[j].CustomerID })
	return customers
}

// ScoreCustomers assigns quintile scores from the current population.
// Lower recency scores higher; frequency and monetary score as they rank.
func ScoreCustomers(customers []*CustomerRFM) {
	recency := make([]float64, len(customers))
	frequency := make([]float64, len(customers))
	monetary := make([]float64, len(customers))
	for i, c := range customers {
		recency[i] = float64(c.Recency)
		frequency[i] = float64(c.Frequency)
		monetary[i] = c.TotalRevenue
	}

	r := QuantileBins(recency, scoreBins)
	f := QuantileBins(frequency, scoreBins)
	m := QuantileBins(monetary, scoreBins)
	for i, c := range customers {
		c.RecencyScore = scoreBins + 1 - r[i]
		c.FrequencyScore = f[i]
		c.MonetaryScore = m[i]
	}
}

// segment is one row of the business segment mapping
type segment struct {
	name, label string
}

// RFM scores every customer of the Gold fact table
type RFM struct {
	logger *zap.Logger
}

// NewRFM creates the RFM scoring stage
func NewRFM(logger *zap.Logger) *RFM {
	return &RFM{logger: logger.Named("rfm")}
}

// Name implements pipeline.Stage
func (s *RFM) Name() string { return "rfm" }

// Run implements pipeline.Stage
func (s *RFM) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	latest, err := factGate(ctx, env, watermark.StreamGoldRFMScoring)
	if err != nil {
		return pipeline.Failed("failed to check gold fact sales", err)
	}
	if latest == "" {
		return pipeline.Skipped("gold fact sales unchanged since last scoring")
	}

	txns, err := loadTransactions(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to load transactions", err)
	}
	customers := BuildCustomers(txns, env.Config.Analytics.ActiveWindowDays)
	if len(customers) == 0 {
		return pipeline.FailedWith(pipeline.KindInsufficientData, "no valid sales to score",
			fmt.Errorf("%w: no customer has a valid sale", pipeline.ErrInsufficientData))
	}
	ScoreCustomers(customers)

	segments, err := s.segments(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to read RFM mapping", err)
	}
	unmapped := 0
	for _, c := range customers {
		if seg, ok := segments[c.Score()]; ok {
			c.Segment, c.Name, c.segmentKnown = seg.name, seg.label, true
		} else {
			unmapped++
		}
	}

	s.logger.Info("Scored customers",
		zap.Int("transactions", len(txns)),
		zap.Int("customers", len(customers)),
		zap.Int("unmapped_scores", unmapped),
		zap.String("latest_fact_date", latest))

	table := CustomerTable(customers)
	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		n, err := tx.ReplaceTable(ctx, table)
		if err != nil {
			return err
		}
		written = n
		return env.Watermarks.Set(ctx, tx, watermark.StreamGoldRFMScoring, latest, watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write customer RFM", err)
	}

	env.Report(ctx, report.New("gold_customer_rfm", s.Name()).Add(
		report.FromModel("Customer RFM score", table),
		scoreSummary("Summary recency", "RECENCY", customers,
			func(c *CustomerRFM) int { return c.RecencyScore }, func(c *CustomerRFM) float64 { return float64(c.Recency) }),
		scoreSummary("Summary frequency", "FREQUENCY", customers,
			func(c *CustomerRFM) int { return c.FrequencyScore }, func(c *CustomerRFM) float64 { return float64(c.Frequency) }),
		scoreSummary("Summary monetary", "MONETARY", customers,
			func(c *CustomerRFM) int { return c.MonetaryScore }, func(c *CustomerRFM) float64 { return c.TotalRevenue }),
	))

	res := pipeline.Ok(written)
	if unmapped > 0 && len(segments) > 0 {
		res = res.WithNote(fmt.Sprintf("%d customer(s) without segment", unmapped))
	}
	return res
}

// segments reads the Gold segment mapping, keyed by RFM score. A missing
// mapping leaves segments empty.
func (s *RFM) segments(ctx context.Context, env *pipeline.Env) (map[string]segment, error) {
	out := make(map[string]segment)
	exists, err := env.Store.TableExists(ctx, gold.DimRFMMappingTable)
	if err != nil || !exists {
		return out, err
	}

	mapping, err := env.Store.ReadTable(ctx, gold.DimRFMMappingTable,
		model.Column{Name: "RFM_SCORE", Type: model.ColumnInteger},
		model.Column{Name: "RFM_SEGMENT", Type: model.ColumnText},
		model.Column{Name: "RFM_NAME", Type: model.ColumnText})
	if err != nil {
		return nil, err
	}
	for _, row := range mapping.Rows {
		score, ok := row[0].(int64)
		if !ok {
			continue
		}
		seg := segment{}
		seg.name, _ = row[1].(string)
		seg.label, _ = row[2].(string)
		out[strconv.FormatInt(score, 10)] = seg
	}
	return out, nil
}

// CustomerTable renders scored customers as GOLD_DIM_CUSTOMER_RFM
func CustomerTable(customers []*CustomerRFM) *model.Table {
	table := model.NewTable(CustomerRFMTable, CustomerRFMColumns...)
	for _, c := range customers {
		var seg, name interface{}
		if c.segmentKnown {
			seg, name = textOrNull(c.Segment), textOrNull(c.Name)
		}
		table.AddRow(
			c.CustomerID, c.Recency, c.Tenure,
			c.FirstPurchase.Format(converter.DateLayout), c.LastPurchase.Format(converter.DateLayout),
			c.Frequency, c.SoldQuantity, c.AvgBasketSize, c.TotalRevenue,
			c.AvgOrderValue, c.MaxOrderValue, c.MinOrderValue,
			c.PurchaseFreqRate, c.RevenuePerDay, boolInt(c.IsRepeat),
			c.AvgDaysBetween, c.ChurnRiskScore, boolInt(c.IsActive),
			int64(c.RecencyScore), int64(c.FrequencyScore), int64(c.MonetaryScore),
			c.Score(), seg, name,
		)
	}
	return table
}

// scoreSummary gives the value range and size of each score bucket
func scoreSummary(name, metric string, customers []*CustomerRFM, score func(*CustomerRFM) int, value func(*CustomerRFM) float64) *report.Table {
	type bucket struct {
		min, max float64
		count    int
	}
	buckets := make(map[int]*bucket)
	for _, c := range customers {
		s, v := score(c), value(c)
		b, ok := buckets[s]
		if !ok {
			buckets[s] = &bucket{min: v, max: v, count: 1}
			continue
		}
		if v < b.min {
			b.min = v
		}
		if v > b.max {
			b.max = v
		}
		b.count++
	}

	scores := make([]int, 0, len(buckets))
	for s := range buckets {
		scores = append(scores, s)
	}
	sort.Ints(scores)

	t := &report.Table{Name: name, Columns: []string{metric + "_SCORE", "MIN_" + metric, "MAX_" + metric, "COUNT"}}
	for _, s := range scores {
		b := buckets[s]
		t.Rows = append(t.Rows, []interface{}{s, b.min, b.max, b.count})
	}
	return t
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func textOrNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
