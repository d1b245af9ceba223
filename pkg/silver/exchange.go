package silver

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// ExchangeRateTable holds one rate per (invoice date, currency)
const ExchangeRateTable = "SILVER_EXCHANGE_RATE"

// ExchangeRateColumns is the layout of SILVER_EXCHANGE_RATE
var ExchangeRateColumns = []model.Column{
	{Name: "INVOICE_DATE", Type: model.ColumnText},
	{Name: "CURRENCY", Type: model.ColumnText},
	{Name: "EXCHANGE_RATE_TO_GBP", Type: model.ColumnReal},
}

// RateResolver converts a currency into the base currency on a date
type RateResolver interface {
	Base() string
	Resolve(ctx context.Context, date, currency string) (rate float64, source string, err error)
}

type ratePair struct {
	Date     string
	Currency string
}

type salesDay struct {
	Country string `db:"COUNTRY"`
	Date    string `db:"INVOICE_DATE"`
}

type countryCurrency struct {
	Country  string  `db:"COUNTRY_RAW"`
	Currency *string `db:"CURRENCY"`
}

type storedPair struct {
	Date     string  `db:"INVOICE_DATE"`
	Currency *string `db:"CURRENCY"`
}

// ExchangeRate appends historical rates for (date, currency) pairs not fetched before
type ExchangeRate struct {
	rates  RateResolver
	logger *zap.Logger
}

// NewExchangeRate creates the exchange-rate step
func NewExchangeRate(rates RateResolver, logger *zap.Logger) *ExchangeRate {
	return &ExchangeRate{
		rates:  rates,
		logger: logger.Named("silver-exchange-rate"),
	}
}

// Name implements pipeline.Stage
func (e *ExchangeRate) Name() string { return "silver_exchange_rate" }

// Run implements pipeline.Stage
func (e *ExchangeRate) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	if err := env.RequireTable(ctx, SalesTable); err != nil {
		return pipeline.Failed("silver sales not built", err)
	}

	since, ok, err := env.Watermarks.Get(ctx, watermark.StreamSilverExchangeRate)
	if err != nil {
		return pipeline.Failed("failed to read watermark", err)
	}

	days, err := e.salesDays(ctx, env, since, ok)
	if err != nil {
		return pipeline.Failed("failed to read sales dates", err)
	}
	if len(days) == 0 {
		return pipeline.Skipped("no new invoice dates")
	}

	currencies, err := e.currencies(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to read country currencies", err)
	}
	stored, err := e.storedPairs(ctx, env)
	if err != nil {
		return pipeline.Failed("failed to read stored rates", err)
	}

	pairs := make(map[ratePair]struct{})
	unknown, unknownLatest := 0, ""
	for _, d := range days {
		currency, known := currencies[d.Country]
		if !known || currency == "" {
			unknown++
			if d.Date > unknownLatest {
				unknownLatest = d.Date
			}
			env.Diagnostics.Record(model.Diagnostic{
				TableName:     ExchangeRateTable,
				ColumnName:    "CURRENCY",
				RowKey:        d.Date + "/" + d.Country,
				OriginalValue: d.Country,
				Operation:     model.OpNullRate,
				Reason:        "currency_unknown",
			})
			continue
		}
		p := ratePair{Date: d.Date, Currency: currency}
		if _, done := stored[p]; done {
			continue
		}
		pairs[p] = struct{}{}
	}
	if len(pairs) == 0 {
		if unknown == 0 {
			return pipeline.Skipped("no new (date, currency) pairs")
		}
		// only unresolvable days: keep their diagnostics and move past them
		err := env.Commit(ctx, func(tx *store.Tx) error {
			return env.Watermarks.Set(ctx, tx, watermark.StreamSilverExchangeRate, unknownLatest, watermark.KindTimestamp)
		})
		if err != nil {
			return pipeline.Failed("failed to record unknown currencies", err)
		}
		e.logger.Warn("No currency for new invoice days", zap.Int("days", unknown))
		return pipeline.Ok(0).WithNote(fmt.Sprintf("%d day(s) with unknown currency", unknown))
	}

	ordered := make([]ratePair, 0, len(pairs))
	for p := range pairs {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Date != ordered[j].Date {
			return ordered[i].Date < ordered[j].Date
		}
		return ordered[i].Currency < ordered[j].Currency
	})

	e.logger.Info("Fetching exchange rates", zap.Int("pairs", len(ordered)))

	table := model.NewTable(ExchangeRateTable, ExchangeRateColumns...)
	missing := &report.List{Name: "Missing rates"}
	latest := ""
	for _, p := range ordered {
		rate, source, err := e.rates.Resolve(ctx, p.Date, p.Currency)
		if ctx.Err() != nil {
			return pipeline.Failed("rate lookup interrupted", ctx.Err())
		}
		if err != nil {
			e.logger.Warn("Exchange rate unavailable",
				zap.String("date", p.Date),
				zap.String("currency", p.Currency),
				zap.Error(err))
			env.Diagnostics.Record(model.Diagnostic{
				TableName:  ExchangeRateTable,
				ColumnName: "EXCHANGE_RATE_TO_GBP",
				RowKey:     p.Date + "/" + p.Currency,
				Operation:  model.OpNullRate,
				Reason:     "rate_unavailable",
			})
			missing.Items = append(missing.Items, p.Date+" "+p.Currency)
			table.AddRow(p.Date, p.Currency, nil)
		} else {
			e.logger.Debug("Resolved rate",
				zap.String("date", p.Date),
				zap.String("currency", p.Currency),
				zap.String("source", source),
				zap.Float64("rate", rate))
			table.AddRow(p.Date, p.Currency, rate)
		}
		if p.Date > latest {
			latest = p.Date
		}
	}

	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		n, err := tx.AppendRows(ctx, table)
		if err != nil {
			return err
		}
		written = n
		return env.Watermarks.Set(ctx, tx, watermark.StreamSilverExchangeRate, latest, watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write exchange rates", err)
	}

	rep := report.New("silver_pair_currency_date", e.Name()).Add(report.FromModel("New rates", table))
	if len(missing.Items) > 0 {
		rep.Add(missing)
	}
	env.Report(ctx, rep)

	res := pipeline.Ok(written)
	if len(missing.Items) > 0 {
		res = res.WithNote(fmt.Sprintf("%d rate(s) unavailable", len(missing.Items)))
	}
	return res
}

func (e *ExchangeRate) salesDays(ctx context.Context, env *pipeline.Env, since string, filtered bool) ([]salesDay, error) {
	query := fmt.Sprintf("SELECT DISTINCT %s, %s FROM %s WHERE %s IS NOT NULL",
		env.Store.Quote("COUNTRY"), env.Store.Quote("INVOICE_DATE"), env.Store.Quote(SalesTable), env.Store.Quote("INVOICE_DATE"))
	var args []interface{}
	if filtered {
		query += fmt.Sprintf(" AND %s > ?", env.Store.Quote("INVOICE_DATE"))
		args = append(args, since)
	}

	var days []salesDay
	if err := env.Store.Select(ctx, &days, query, args...); err != nil {
		return nil, err
	}
	return days, nil
}

func (e *ExchangeRate) currencies(ctx context.Context, env *pipeline.Env) (map[string]string, error) {
	out := make(map[string]string)
	exists, err := env.Store.TableExists(ctx, CountryTable)
	if err != nil || !exists {
		return out, err
	}

	var rows []countryCurrency
	query := fmt.Sprintf("SELECT DISTINCT %s, %s FROM %s",
		env.Store.Quote("COUNTRY_RAW"), env.Store.Quote("CURRENCY"), env.Store.Quote(CountryTable))
	if err := env.Store.Select(ctx, &rows, query); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.Currency != nil {
			out[r.Country] = *r.Currency
		} else if _, ok := out[r.Country]; !ok {
			out[r.Country] = ""
		}
	}
	return out, nil
}

func (e *ExchangeRate) storedPairs(ctx context.Context, env *pipeline.Env) (map[ratePair]struct{}, error) {
	out := make(map[ratePair]struct{})
	exists, err := env.Store.TableExists(ctx, ExchangeRateTable)
	if err != nil || !exists {
		return out, err
	}

	var rows []storedPair
	query := fmt.Sprintf("SELECT %s, %s FROM %s",
		env.Store.Quote("INVOICE_DATE"), env.Store.Quote("CURRENCY"), env.Store.Quote(ExchangeRateTable))
	if err := env.Store.Select(ctx, &rows, query); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.Currency != nil {
			out[ratePair{Date: r.Date, Currency: *r.Currency}] = struct{}{}
		}
	}
	return out, nil
}
