// Package analytics builds the customer marts on top of the Gold fact table:
// RFM segmentation and a customer lifetime value model.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/converter"
	"github.com/David-Botos/retail-medallion/pkg/gold"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// Transaction is one valid Gold sales line
type Transaction struct {
	Invoice    string    `db:"INVOICE"`
	CustomerID string    `db:"CUSTOMER_ID"`
	InvoiceDay string    `db:"INVOICE_DATE"`
	Quantity   int64     `db:"QUANTITY"`
	Revenue    float64   `db:"REVENUE"`
	Date       time.Time `db:"-"`
}

// factGate returns the latest Gold invoice date when it is past the stream's
// watermark. An empty date means there is nothing new to process.
func factGate(ctx context.Context, env *pipeline.Env, stream string) (string, error) {
	if err := env.RequireTable(ctx, gold.FactSalesTable); err != nil {
		return "", err
	}

	var latest sql.NullString
	query := fmt.Sprintf("SELECT MAX(%s) FROM %s", env.Store.Quote("INVOICE_DATE"), env.Store.Quote(gold.FactSalesTable))
	if err := env.Store.Get(ctx, &latest, query); err != nil {
		return "", err
	}
	if !latest.Valid {
		return "", nil
	}

	last, ok, err := env.Watermarks.Get(ctx, stream)
	if err != nil || !ok {
		return latest.String, err
	}
	newer, err := watermark.After(latest.String, last, watermark.KindTimestamp)
	if err != nil || !newer {
		return "", err
	}
	return latest.String, nil
}

// loadTransactions reads the sales lines usable for customer analytics:
// positive quantity and price, a known customer and a revenue
func loadTransactions(ctx context.Context, env *pipeline.Env) ([]Transaction, error) {
	q := env.Store.Quote
	query := fmt.Sprintf(
		"SELECT %s, %s, %s, %s, %s FROM %s WHERE %s > 0 AND %s > 0 AND %s IS NOT NULL AND %s <> ? AND %s IS NOT NULL AND %s IS NOT NULL",
		q("INVOICE"), q("CUSTOMER_ID"), q("INVOICE_DATE"), q("QUANTITY"), q("REVENUE"),
		q(gold.FactSalesTable),
		q("QUANTITY"), q("PRICE"), q("CUSTOMER_ID"), q("CUSTOMER_ID"), q("INVOICE_DATE"), q("REVENUE"))

	var txns []Transaction
	if err := env.Store.Select(ctx, &txns, query, cleaner.Unknown); err != nil {
		return nil, fmt.Errorf("failed to read fact sales: %w", err)
	}
	for i := range txns {
		d, err := converter.ParseDate(txns[i].InvoiceDay)
		if err != nil {
			return nil, fmt.Errorf("invalid invoice date %q: %w", txns[i].InvoiceDay, err)
		}
		txns[i].Date = d
	}
	return txns, nil
}
