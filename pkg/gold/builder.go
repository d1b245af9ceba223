// Package gold rebuilds the star schema from the Silver layer.
package gold

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/bronze"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/silver"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// Gold tables, all dropped and recreated on every build
const (
	FactSalesTable       = "GOLD_FACT_SALES"
	DimCountryTable      = "GOLD_DIM_COUNTRY"
	DimProductTable      = "GOLD_DIM_PRODUCT"
	DimExchangeRateTable = "GOLD_DIM_EXCHANGE_RATE"
	DimRFMMappingTable   = "GOLD_DIM_RFM_MAPPING"
)

// ErrRowCountMismatch is returned when the fact table does not hold one row per Silver sale
var ErrRowCountMismatch = errors.New("fact row count does not match silver sales")

// FactSalesColumns is the layout of GOLD_FACT_SALES
var FactSalesColumns = []model.Column{
	{Name: "INVOICE", Type: model.ColumnText},
	{Name: "STOCKCODE", Type: model.ColumnText},
	{Name: "QUANTITY", Type: model.ColumnInteger},
	{Name: "PRICE", Type: model.ColumnReal},
	{Name: "CUSTOMER_ID", Type: model.ColumnText},
	{Name: "INVOICE_DATE", Type: model.ColumnText},
	{Name: "INVOICE_TIME", Type: model.ColumnText},
	{Name: "INVOICE_TYPE", Type: model.ColumnText},
	{Name: "COUNTRY_ID", Type: model.ColumnInteger},
	{Name: "PRODUCT_ID", Type: model.ColumnInteger},
	{Name: "REVENUE", Type: model.ColumnReal},
}

// DimCountryColumns is the layout of GOLD_DIM_COUNTRY
var DimCountryColumns = []model.Column{
	{Name: "COUNTRY_STANDARDIZED", Type: model.ColumnText},
	{Name: "CONTINENT", Type: model.ColumnText},
	{Name: "CAPITAL", Type: model.ColumnText},
	{Name: "ISO3", Type: model.ColumnText},
	{Name: "CURRENCY", Type: model.ColumnText},
	{Name: "TIMEZONE", Type: model.ColumnText},
	{Name: "COUNTRY_ID", Type: model.ColumnInteger},
}

// DimProductColumns is the layout of GOLD_DIM_PRODUCT
var DimProductColumns = []model.Column{
	{Name: "STOCKCODE", Type: model.ColumnText},
	{Name: "DESCRIPTION_RAW", Type: model.ColumnText},
	{Name: "PRODUCT_NAME", Type: model.ColumnText},
	{Name: "PRODUCT_ID", Type: model.ColumnInteger},
}

// Star is one complete build of the Gold tables
type Star struct {
	Fact         *model.Table
	Country      *model.Table
	Product      *model.Table
	ExchangeRate *model.Table
	RFMMapping   *model.Table

	// natural key -> surrogate key, used for collision checks
	CountryKeys map[string]int64
	ProductKeys map[string]int64
}

// Tables lists the tables in write order
func (s *Star) Tables() []*model.Table {
	return []*model.Table{s.Fact, s.Country, s.Product, s.ExchangeRate, s.RFMMapping}
}

// SilverInput holds the Silver tables a build reads
type SilverInput struct {
	Sales        *model.Table
	Country      *model.Table
	Product      *model.Table
	ExchangeRate *model.Table
	RFMMapping   *model.Table
}

// Builder rebuilds the Gold layer whenever Silver Sales has moved past the
// last build
type Builder struct {
	verifier *Verifier
	logger   *zap.Logger
}

// NewBuilder creates the Gold stage
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{
		verifier: NewVerifier(logger),
		logger:   logger.Named("gold"),
	}
}

// Name implements pipeline.Stage
func (b *Builder) Name() string { return "gold" }

// Run implements pipeline.Stage
func (b *Builder) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	if err := env.RequireTable(ctx, silver.SalesTable); err != nil {
		return pipeline.Failed("silver sales not built", err)
	}

	latest, err := b.latestSilverDate(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to read latest silver date", err)
	}
	if latest == "" {
		return pipeline.Skipped("silver sales is empty")
	}

	last, ok, err := env.Watermarks.Get(ctx, watermark.StreamGoldLayer)
	if err != nil {
		return pipeline.Failed("failed to read watermark", err)
	}
	if ok {
		newer, err := watermark.After(latest, last, watermark.KindTimestamp)
		if err != nil {
			return pipeline.Failed("failed to compare watermark", err)
		}
		if !newer {
			return pipeline.Skipped("silver sales unchanged since last build")
		}
	}

	b.logger.Info("Building gold layer",
		zap.String("latest_silver_date", latest),
		zap.String("last_build", last))

	in, err := b.readSilver(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to read silver tables", err)
	}

	star := Build(in)

	collisions := append(
		b.verifier.FindCollisions(DimCountryTable, star.CountryKeys),
		b.verifier.FindCollisions(DimProductTable, star.ProductKeys)...)
	for _, c := range collisions {
		column := "COUNTRY_ID"
		if c.Table == DimProductTable {
			column = "PRODUCT_ID"
		}
		for _, k := range c.Keys {
			env.Diagnostics.Record(model.Diagnostic{
				TableName:     c.Table,
				ColumnName:    column,
				RowKey:        k,
				OriginalValue: k,
				NewValue:      c.ID,
				Operation:     model.OpSurrogateCollision,
				Reason:        fmt.Sprintf("shared by %d keys", len(c.Keys)),
			})
		}
	}

	verification := &VerificationReport{Collisions: collisions}
	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		for _, t := range star.Tables() {
			n, err := tx.ReplaceTable(ctx, t)
			if err != nil {
				return err
			}
			if t == star.Fact {
				written = n
			}
		}

		matches, src, dst, err := b.verifier.VerifyRowCount(ctx, tx, silver.SalesTable, FactSalesTable)
		if err != nil {
			return err
		}
		verification.SourceRowCount, verification.TargetRowCount, verification.RowCountMatches = src, dst, matches
		if !matches {
			return fmt.Errorf("%w: %d fact rows for %d silver rows", ErrRowCountMismatch, dst, src)
		}

		issues, err := b.verifier.VerifyDataIntegrity(ctx, tx, FactSalesTable, "COUNTRY_ID", "PRODUCT_ID")
		if err != nil {
			return err
		}
		verification.IntegrityIssues = issues

		return env.Watermarks.Set(ctx, tx, watermark.StreamGoldLayer, latest, watermark.KindTimestamp)
	})
	if err != nil {
		if errors.Is(err, ErrRowCountMismatch) {
			return pipeline.FailedWith(pipeline.KindTransform, "gold verification failed", err)
		}
		return pipeline.Failed("failed to write gold tables", err)
	}

	env.Report(ctx, verificationReport(b.Name(), star, verification))

	res := pipeline.Ok(written)
	if n := len(verification.IntegrityIssues) + len(collisions); n > 0 {
		res = res.WithNote(fmt.Sprintf("%d verification issue(s)", n))
	}
	return res
}

func (b *Builder) latestSilverDate(ctx context.Context, env *pipeline.Env) (string, error) {
	var latest sql.NullString
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", env.Store.Quote("INVOICE_DATE"), env.Store.Quote(silver.SalesTable))
	if err := env.Store.Get(ctx, &latest, query); err != nil {
		return "", err
	}
	return latest.String, nil
}

// readSilver loads every Silver table. Country and product mappings are
// required; missing rates or RFM mapping yield empty dimensions.
func (b *Builder) readSilver(ctx context.Context, env *pipeline.Env) (*SilverInput, error) {
	for _, name := range []string{silver.CountryTable, silver.ProductTable} {
		if err := env.RequireTable(ctx, name); err != nil {
			return nil, err
		}
	}

	in := &SilverInput{}
	var err error
	if in.Sales, err = env.Store.ReadTable(ctx, silver.SalesTable, silver.SalesColumns...); err != nil {
		return nil, err
	}
	if in.Country, err = env.Store.ReadTable(ctx, silver.CountryTable, silver.CountryColumns...); err != nil {
		return nil, err
	}
	if in.Product, err = env.Store.ReadTable(ctx, silver.ProductTable, silver.ProductColumns...); err != nil {
		return nil, err
	}
	if in.ExchangeRate, err = b.readOptional(ctx, env, silver.ExchangeRateTable, silver.ExchangeRateColumns); err != nil {
		return nil, err
	}
	if in.RFMMapping, err = b.readOptional(ctx, env, silver.RFMMappingTable, bronze.RFMMappingColumns); err != nil {
		return nil, err
	}
	return in, nil
}

func (b *Builder) readOptional(ctx context.Context, env *pipeline.Env, name string, columns []model.Column) (*model.Table, error) {
	exists, err := env.Store.TableExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		b.logger.Warn("Silver table missing, building an empty dimension", zap.String("table", name))
		return model.NewTable(name, columns...), nil
	}
	return env.Store.ReadTable(ctx, name, columns...)
}

// Build derives the star schema from the Silver tables. Sales are left
// joined to country by raw country and to product by (stock code, raw
// description); unmatched keys stay NULL.
func Build(in *SilverInput) *Star {
	star := &Star{
		Fact:         model.NewTable(FactSalesTable, FactSalesColumns...),
		Country:      model.NewTable(DimCountryTable, DimCountryColumns...),
		Product:      model.NewTable(DimProductTable, DimProductColumns...),
		ExchangeRate: copyTable(DimExchangeRateTable, in.ExchangeRate),
		RFMMapping:   copyTable(DimRFMMappingTable, in.RFMMapping),
		CountryKeys:  make(map[string]int64),
		ProductKeys:  make(map[string]int64),
	}

	countryRows := sortedRows(in.Country, 0)
	for _, row := range countryRows {
		raw, ok := row[0].(string)
		if !ok {
			continue
		}
		if _, dup := star.CountryKeys[raw]; dup {
			continue
		}
		id := CountryID(raw)
		star.CountryKeys[raw] = id
		// drop COUNTRY_RAW and COUNTRY_CONFIDENCE
		star.Country.AddRow(row[1], row[3], row[4], row[5], row[6], row[7], id)
	}

	type productKey struct{ code, raw string }
	productIDs := make(map[productKey]int64)
	for _, row := range sortedRows(in.Product, 0, 1) {
		code, okCode := row[0].(string)
		raw, okRaw := row[1].(string)
		if !okCode || !okRaw {
			continue
		}
		k := productKey{code, raw}
		if _, dup := productIDs[k]; dup {
			continue
		}
		id := ProductID(code, raw)
		productIDs[k] = id
		star.ProductKeys[code+" | "+raw] = id
		star.Product.AddRow(code, raw, row[2], id)
	}

	col := func(name string) int { return in.Sales.ColumnIndex(name) }
	iInvoice, iCode, iDesc, iQty, iPrice := col("INVOICE"), col("STOCKCODE"), col("DESCRIPTION"), col("QUANTITY"), col("PRICE")
	iCustomer, iCountry, iDate, iTime, iType := col("CUSTOMER_ID"), col("COUNTRY"), col("INVOICE_DATE"), col("INVOICE_TIME"), col("INVOICE_TYPE")

	for _, row := range in.Sales.Rows {
		var countryID, productID interface{}
		if raw, ok := row[iCountry].(string); ok {
			if id, found := star.CountryKeys[raw]; found {
				countryID = id
			}
		}
		code, _ := row[iCode].(string)
		desc, _ := row[iDesc].(string)
		if id, found := productIDs[productKey{code, desc}]; found {
			productID = id
		}

		star.Fact.AddRow(
			row[iInvoice], row[iCode], row[iQty], row[iPrice], row[iCustomer],
			row[iDate], row[iTime], row[iType],
			countryID, productID, Revenue(row[iQty], row[iPrice]),
		)
	}

	return star
}

// Revenue multiplies quantity by price in decimal arithmetic. A NULL operand
// yields NULL.
func Revenue(quantity, price interface{}) interface{} {
	q, okQ := quantity.(int64)
	p, okP := price.(float64)
	if !okQ || !okP {
		return nil
	}
	rev, _ := decimal.NewFromInt(q).Mul(decimal.NewFromFloat(p)).Float64()
	return rev
}

func copyTable(name string, src *model.Table) *model.Table {
	dst := model.NewTable(name, src.Columns...)
	for _, row := range src.Rows {
		dst.AddRow(append([]interface{}(nil), row...)...)
	}
	return dst
}

// sortedRows orders rows by the text columns at the given positions
func sortedRows(t *model.Table, positions ...int) [][]interface{} {
	rows := append([][]interface{}(nil), t.Rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		for _, p := range positions {
			a, _ := rows[i][p].(string)
			b, _ := rows[j][p].(string)
			if a != b {
				return a < b
			}
		}
		return false
	})
	return rows
}

func verificationReport(stage string, star *Star, v *VerificationReport) *report.Report {
	checks := &report.List{Name: "Verification", Items: []string{
		fmt.Sprintf("silver sales rows: %d", v.SourceRowCount),
		fmt.Sprintf("fact sales rows: %d", v.TargetRowCount),
		fmt.Sprintf("countries: %d", star.Country.Len()),
		fmt.Sprintf("products: %d", star.Product.Len()),
	}}
	for _, issue := range v.IntegrityIssues {
		checks.Items = append(checks.Items,
			fmt.Sprintf("%s.%s: %d %s", issue.Table, issue.Column, issue.Count, issue.IssueType))
	}

	rep := report.New("gold_layer", stage).Add(checks)
	if len(v.Collisions) > 0 {
		collisions := &report.Table{Name: "Surrogate key collisions", Columns: []string{"TABLE", "ID", "KEYS"}}
		for _, c := range v.Collisions {
			collisions.Rows = append(collisions.Rows, []interface{}{c.Table, c.ID, fmt.Sprint(c.Keys)})
		}
		rep.Add(collisions)
	}
	return rep
}
