// pkg/silver/sales.go
package silver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// SalesTable is the cleaned, typed sales fact source
const SalesTable = "SILVER_SALES"

// SalesColumns is the layout of SILVER_SALES
var SalesColumns = []model.Column{
	{Name: "INVOICE", Type: model.ColumnText},
	{Name: "STOCKCODE", Type: model.ColumnText},
	{Name: "DESCRIPTION", Type: model.ColumnText},
	{Name: "QUANTITY", Type: model.ColumnInteger},
	{Name: "PRICE", Type: model.ColumnReal},
	{Name: "CUSTOMER_ID", Type: model.ColumnText},
	{Name: "COUNTRY", Type: model.ColumnText},
	{Name: "INVOICE_DATE", Type: model.ColumnText},
	{Name: "INVOICE_TIME", Type: model.ColumnText},
	{Name: "INVOICE_TYPE", Type: model.ColumnText},
}

// RawSale is one Bronze sales line with every field read as text
type RawSale struct {
	Invoice     sql.NullString `db:"INVOICE"`
	StockCode   sql.NullString `db:"STOCKCODE"`
	Description sql.NullString `db:"DESCRIPTION"`
	Quantity    sql.NullString `db:"QUANTITY"`
	InvoiceDate sql.NullString `db:"INVOICEDATE"`
	Price       sql.NullString `db:"PRICE"`
	CustomerID  sql.NullString `db:"CUSTOMER_ID"`
	Country     sql.NullString `db:"COUNTRY"`
}

var rawSaleColumns = []string{"INVOICE", "STOCKCODE", "DESCRIPTION", "QUANTITY", "INVOICEDATE", "PRICE", "CUSTOMER_ID", "COUNTRY"}

func (r RawSale) key() string {
	fields := []sql.NullString{r.Invoice, r.StockCode, r.Description, r.Quantity, r.InvoiceDate, r.Price, r.CustomerID, r.Country}
	var b strings.Builder
	for _, f := range fields {
		if f.Valid {
			b.WriteByte('v')
			b.WriteString(f.String)
		}
		b.WriteByte(0x1f)
	}
	return b.String()
}

// SalesBatch is the cleaned output of one incremental run
type SalesBatch struct {
	Table  *model.Table
	Latest time.Time
	Read   int
	Kept   int
}

// SalesCleaner turns newly arrived Bronze lines into Silver rows
type SalesCleaner struct {
	diagnostics *cleaner.Recorder
}

// NewSalesCleaner creates a cleaner that reports degradations to rec (may be nil)
func NewSalesCleaner(rec *cleaner.Recorder) *SalesCleaner {
	return &SalesCleaner{diagnostics: rec}
}

// Clean keeps the lines whose timestamp is strictly after since (all lines
// when since is zero), removes exact duplicates and normalizes each field.
// Lines with an unparseable timestamp are dropped.
func (c *SalesCleaner) Clean(rows []RawSale, since time.Time) *SalesBatch {
	batch := &SalesBatch{
		Table: model.NewTable(SalesTable, SalesColumns...),
		Read:  len(rows),
	}
	seen := make(map[string]struct{}, len(rows))

	for _, r := range rows {
		ts, err := converter.ParseTimestamp(r.InvoiceDate.String)
		if !r.InvoiceDate.Valid || err != nil {
			c.record(model.Diagnostic{
				TableName:     SalesTable,
				ColumnName:    "INVOICEDATE",
				RowKey:        r.Invoice.String,
				OriginalValue: nullable(r.InvoiceDate),
				Operation:     model.OpDropRow,
				Reason:        "unparseable_timestamp",
			})
			continue
		}
		if !since.IsZero() && !ts.After(since) {
			continue
		}

		k := r.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		invoice := cleaner.NormalizeToken(r.Invoice)
		quantity, qtyOK := cleaner.CoerceQuantity(r.Quantity)
		price, priceOK := cleaner.CoercePrice(r.Price)
		if r.Quantity.Valid && !qtyOK {
			c.coerced(invoice, "QUANTITY", r.Quantity.String)
		}
		if r.Price.Valid && !priceOK {
			c.coerced(invoice, "PRICE", r.Price.String)
		}

		date, clock := converter.SplitTimestamp(ts)
		batch.Table.AddRow(
			invoice,
			cleaner.NormalizeToken(r.StockCode),
			cleaner.NormalizeToken(r.Description),
			nullIf(quantity, !qtyOK),
			nullIf(price, !priceOK),
			cleaner.NormalizeCustomerID(r.CustomerID),
			cleaner.NormalizeCountry(r.Country),
			date,
			clock,
			cleaner.ClassifyInvoice(invoice, quantity, qtyOK),
		)

		if ts.After(batch.Latest) {
			batch.Latest = ts
		}
	}

	batch.Kept = batch.Table.Len()
	return batch
}

func (c *SalesCleaner) coerced(invoice, column, value string) {
	c.record(model.Diagnostic{
		TableName:     SalesTable,
		ColumnName:    column,
		RowKey:        invoice,
		OriginalValue: value,
		Operation:     model.OpCoerceNull,
		Reason:        "not_numeric",
	})
}

func (c *SalesCleaner) record(d model.Diagnostic) {
	if c.diagnostics != nil {
		c.diagnostics.Record(d)
	}
}

func nullIf(v interface{}, null bool) interface{} {
	if null {
		return nil
	}
	return v
}

func nullable(v sql.NullString) interface{} {
	if !v.Valid {
		return nil
	}
	return v.String
}

// Sales appends newly arrived Bronze lines to SILVER_SALES. Each run only
// sees lines after the watermark, so earlier batches stay in place.
type Sales struct {
	logger *zap.Logger
}

// NewSales creates the sales transformer
func NewSales(logger *zap.Logger) *Sales {
	return &Sales{logger: logger.Named("silver-sales")}
}

// Load runs the incremental sales transformation
func (s *Sales) Load(ctx context.Context, env *pipeline.Env) pipeline.Result {
	since, _, err := env.Watermarks.GetTime(ctx, watermark.StreamSilverSales)
	if err != nil {
		return pipeline.Failed("failed to read watermark", err)
	}

	rows, tables, err := s.readBronze(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to read bronze sales", err)
	}
	if len(tables) == 0 {
		return pipeline.Skipped("no bronze sales tables")
	}

	batch := NewSalesCleaner(env.Diagnostics).Clean(rows, since)
	s.logger.Info("Incremental filter applied",
		zap.Strings("tables", tables),
		zap.Int("read", batch.Read),
		zap.Int("kept", batch.Kept),
		zap.Time("since", since))

	if batch.Kept == 0 {
		return pipeline.Skipped("no new sales data")
	}

	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		n, err := tx.AppendRows(ctx, batch.Table)
		if err != nil {
			return err
		}
		written = n
		return env.Watermarks.Set(ctx, tx, watermark.StreamSilverSales,
			converter.FormatTimestamp(batch.Latest), watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write silver sales", err)
	}

	return pipeline.Ok(written)
}

func (s *Sales) readBronze(ctx context.Context, env *pipeline.Env) ([]RawSale, []string, error) {
	tables, err := env.Store.ListTables(ctx, env.Config.SalesTablePattern)
	if err != nil {
		return nil, nil, err
	}

	quoted := make([]string, len(rawSaleColumns))
	for i, col := range rawSaleColumns {
		quoted[i] = env.Store.Quote(col)
	}

	var rows []RawSale
	for _, table := range tables {
		var part []RawSale
		query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), env.Store.Quote(table))
		if err := env.Store.Select(ctx, &part, query); err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", table, err)
		}
		rows = append(rows, part...)
	}
	return rows, tables, nil
}
