package silver

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/bronze"
	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/config"
	"github.com/David-Botos/retail-medallion/pkg/lookup"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/pipeline/pipelinetest"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/store/storetest"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

func ns(s string) sql.NullString { return sql.NullString{String: s, Valid: true} }

func raw(invoice, stock, desc, qty, ts, price, customer, country string) RawSale {
	opt := func(s string) sql.NullString {
		if s == "" {
			return sql.NullString{}
		}
		return ns(s)
	}
	return RawSale{
		Invoice: opt(invoice), StockCode: opt(stock), Description: opt(desc), Quantity: opt(qty),
		InvoiceDate: opt(ts), Price: opt(price), CustomerID: opt(customer), Country: opt(country),
	}
}

func rowMap(t *model.Table, i int) map[string]interface{} {
	m := make(map[string]interface{})
	for j, c := range t.Columns {
		m[c.Name] = t.Rows[i][j]
	}
	return m
}

func TestSalesCleanerNormalizesAndClassifies(t *testing.T) {
	rec := cleaner.NewRecorder(uuid.New(), zap.NewNop())
	rows := []RawSale{
		raw(" 489434 ", "85048", " 15cm christmas  glass ", "12", "2009-12-01 07:45:00", "6.95", "13085.0", "United Kingdom"),
		raw(" 489434 ", "85048", " 15cm christmas  glass ", "12", "2009-12-01 07:45:00", "6.95", "13085.0", "United Kingdom"),
		raw("C489449", "22087", "paper bunting", "-12", "2009-12-01 10:33:00", "2.95", "", "Unspecified"),
		raw("489450", "POST", "", "abc", "2009-12-02 09:00:00", "x", "12346", ""),
		raw("489451", "22087", "paper bunting", "1", "not a date", "2.95", "12346", "France"),
	}

	batch := NewSalesCleaner(rec).Clean(rows, time.Time{})
	require.Equal(t, 3, batch.Kept)
	assert.Equal(t, 5, batch.Read)
	assert.Equal(t, time.Date(2009, 12, 2, 9, 0, 0, 0, time.UTC), batch.Latest)

	first := rowMap(batch.Table, 0)
	assert.Equal(t, "489434", first["INVOICE"])
	assert.Equal(t, "15CM_CHRISTMAS_GLASS", first["DESCRIPTION"])
	assert.Equal(t, int64(12), first["QUANTITY"])
	assert.Equal(t, "13085", first["CUSTOMER_ID"])
	assert.Equal(t, "UNITED_KINGDOM", first["COUNTRY"])
	assert.Equal(t, "2009-12-01", first["INVOICE_DATE"])
	assert.Equal(t, "07:45:00", first["INVOICE_TIME"])
	assert.Equal(t, cleaner.InvoiceSale, first["INVOICE_TYPE"])

	ret := rowMap(batch.Table, 1)
	assert.Equal(t, cleaner.InvoiceReturn, ret["INVOICE_TYPE"])
	assert.Equal(t, cleaner.Unknown, ret["CUSTOMER_ID"])
	assert.Equal(t, cleaner.Unknown, ret["COUNTRY"])

	bad := rowMap(batch.Table, 2)
	assert.Nil(t, bad["QUANTITY"])
	assert.Nil(t, bad["PRICE"])
	assert.Equal(t, cleaner.Unknown, bad["DESCRIPTION"])
	assert.Equal(t, cleaner.Unknown, bad["COUNTRY"])
	assert.Equal(t, cleaner.InvoiceSale, bad["INVOICE_TYPE"])

	ops := map[string]int{}
	for _, d := range rec.Pending() {
		ops[d.Operation]++
	}
	assert.Equal(t, map[string]int{model.OpCoerceNull: 2, model.OpDropRow: 1}, ops)
}

func TestSalesCleanerFiltersStrictlyAfterWatermark(t *testing.T) {
	rows := []RawSale{
		raw("1", "A", "X", "1", "2010-01-01 10:00:00", "1", "1", "France"),
		raw("2", "A", "X", "1", "2010-01-01 10:00:01", "1", "1", "France"),
	}
	batch := NewSalesCleaner(nil).Clean(rows, time.Date(2010, 1, 1, 10, 0, 0, 0, time.UTC))
	require.Equal(t, 1, batch.Kept)
	assert.Equal(t, "2", batch.Table.Rows[0][0])
}

func bronzeSales(name string, rows ...[]interface{}) *model.Table {
	t := model.NewTable(name,
		model.Column{Name: "INVOICE", Type: model.ColumnText},
		model.Column{Name: "STOCKCODE", Type: model.ColumnText},
		model.Column{Name: "DESCRIPTION", Type: model.ColumnText},
		model.Column{Name: "QUANTITY", Type: model.ColumnInteger},
		model.Column{Name: "INVOICEDATE", Type: model.ColumnText},
		model.Column{Name: "PRICE", Type: model.ColumnReal},
		model.Column{Name: "CUSTOMER_ID", Type: model.ColumnReal},
		model.Column{Name: "COUNTRY", Type: model.ColumnText},
	)
	for _, r := range rows {
		t.AddRow(r...)
	}
	return t
}

func TestSalesLoadAppendsIncrementally(t *testing.T) {
	ctx := context.Background()
	env := pipelinetest.NewEnv(t, "silver")
	storetest.Seed(t, env.Store,
		bronzeSales("BRONZE_ONLINE_RETAIL_2009",
			[]interface{}{"489434", "85048", "GLASS BALL", int64(12), "2009-12-01 07:45:00", 6.95, 13085.0, "United Kingdom"}),
		bronzeSales("BRONZE_ONLINE_RETAIL_2010",
			[]interface{}{"C489449", "22087", "BUNTING", int64(-12), "2010-01-05 10:33:00", 2.95, nil, "Australia"}),
	)

	sales := NewSales(zap.NewNop())
	res := sales.Load(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Equal(t, "2010-01-05T10:33:00", pipelinetest.Watermark(t, env, watermark.StreamSilverSales))

	assert.True(t, sales.Load(ctx, env).IsSkipped())

	storetest.Seed(t, env.Store,
		bronzeSales("BRONZE_ONLINE_RETAIL_2010",
			[]interface{}{"C489449", "22087", "BUNTING", int64(-12), "2010-01-05 10:33:00", 2.95, nil, "Australia"},
			[]interface{}{"489500", "22087", "BUNTING", int64(3), "2010-02-01 12:00:00", 2.95, 12346.0, "Eire"}),
	)
	res = sales.Load(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(1), res.RowsWritten)

	rows := storetest.Rows(t, env.Store, SalesTable, `"INVOICE_DATE"`)
	require.Len(t, rows, 3)
	assert.Equal(t, "13085", rows[0]["CUSTOMER_ID"])
	assert.Equal(t, "12346", rows[2]["CUSTOMER_ID"])
	assert.Equal(t, "EIRE", rows[2]["COUNTRY"])
}

func TestSalesLoadSkipsWithoutBronze(t *testing.T) {
	res := NewSales(zap.NewNop()).Load(context.Background(), pipelinetest.NewEnv(t, "silver"))
	assert.True(t, res.IsSkipped())
}

func setWatermark(t *testing.T, env *pipeline.Env, stream, value string) {
	t.Helper()
	require.NoError(t, env.Store.WithTx(context.Background(), func(tx *store.Tx) error {
		return env.Watermarks.Set(context.Background(), tx, stream, value, watermark.KindTimestamp)
	}))
}

func TestRFMMappingCopiesWhenBronzeIsAhead(t *testing.T) {
	ctx := context.Background()
	env := pipelinetest.NewEnv(t, "silver")
	m := NewRFMMapping(zap.NewNop())

	assert.True(t, m.Load(ctx, env).IsSkipped(), "nothing loaded in bronze yet")

	mapping := model.NewTable(bronze.RFMMappingTable, bronze.RFMMappingColumns...)
	mapping.AddRow(int64(555), "Champions", "Champions")
	mapping.AddRow(int64(555), "Champions", "Champions")
	mapping.AddRow(int64(111), "Lost", "Lost customers")
	storetest.Seed(t, env.Store, mapping)
	setWatermark(t, env, watermark.StreamBronzeRFMMapping, "2024-02-01T00:00:00Z")

	res := m.Load(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(2), res.RowsWritten)
	assert.Equal(t, "2024-02-01T00:00:00Z", pipelinetest.Watermark(t, env, watermark.StreamSilverRFMMapping))

	assert.True(t, m.Load(ctx, env).IsSkipped())

	setWatermark(t, env, watermark.StreamBronzeRFMMapping, "2024-03-01T00:00:00Z")
	pipelinetest.RequireOk(t, m.Load(ctx, env))
	assert.Equal(t, "2024-03-01T00:00:00Z", pipelinetest.Watermark(t, env, watermark.StreamSilverRFMMapping))
}

func TestResolveCountryName(t *testing.T) {
	cases := []struct {
		raw, name, confidence string
	}{
		{"UNITED_KINGDOM", "United Kingdom", ConfidenceExact},
		{"EIRE", "Ireland", ConfidenceMapped},
		{"RSA", "Republic of South Africa", ConfidenceMapped},
		{"CHANNEL_ISLANDS", "Jersey", ConfidenceMapped},
		{"EUROPEAN_COMMUNITY", "European Community", ConfidenceMapped},
		{"UNKNOWN", "Unknown", ConfidenceMapped},
		{"", "", ConfidenceInvalid},
	}
	for _, tc := range cases {
		name, confidence := ResolveCountryName(tc.raw)
		assert.Equal(t, tc.name, name, tc.raw)
		assert.Equal(t, tc.confidence, confidence, tc.raw)
	}
}

type fakeCountries struct {
	data  map[string]*lookup.CountryMetadata
	calls []string
}

func (f *fakeCountries) Country(_ context.Context, name string) (*lookup.CountryMetadata, error) {
	f.calls = append(f.calls, name)
	if m, ok := f.data[name]; ok {
		return m, nil
	}
	return nil, lookup.ErrNotFound
}

type fakeGeocoder struct{ calls []string }

func (g *fakeGeocoder) Geocode(_ context.Context, q string) (float64, float64, error) {
	g.calls = append(g.calls, q)
	return 18.47, -69.89, nil
}

type fakeOffsets struct{}

func (fakeOffsets) UTCOffset(lat, _ float64) (string, bool) {
	switch {
	case lat > 50:
		return "+0000", true
	case lat > 40:
		return "+0100", true
	case lat > 10:
		return "-0400", true
	}
	return "", false
}

func salesRow(invoice, stock, desc, qty, price, customer, country, date string) []interface{} {
	var q, p interface{}
	if qty != "" {
		var n int64
		for _, c := range qty {
			n = n*10 + int64(c-'0')
		}
		q = n
	}
	if price != "" {
		p = 1.5
	}
	return []interface{}{invoice, stock, desc, q, p, customer, country, date, "10:00:00", cleaner.InvoiceSale}
}

func seedSilverSales(t *testing.T, env *pipeline.Env, rows ...[]interface{}) {
	t.Helper()
	table := model.NewTable(SalesTable, SalesColumns...)
	for _, r := range rows {
		table.AddRow(r...)
	}
	storetest.Seed(t, env.Store, table)
}

func TestCountryAppendsNewCountriesOnly(t *testing.T) {
	ctx := context.Background()
	env := pipelinetest.NewEnv(t, "silver_country")
	seedSilverSales(t, env,
		salesRow("1", "A", "X", "1", "1", "1", "UNITED_KINGDOM", "2010-01-01"),
		salesRow("2", "A", "X", "1", "1", "1", "EUROPEAN_COMMUNITY", "2010-01-01"),
		salesRow("3", "A", "X", "1", "1", "1", "ATLANTIS", "2010-01-01"),
	)

	countries := &fakeCountries{data: map[string]*lookup.CountryMetadata{
		"United Kingdom": {Continent: "Europe", Capital: "London", ISO3: "GBR", Currency: "GBP", Latitude: 54, Longitude: -2, HasLatLng: true},
		"France":         {Continent: "Europe", Capital: "Paris", ISO3: "FRA", Currency: "EUR", Latitude: 46, Longitude: 2, HasLatLng: true},
	}}
	clock := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	stage := NewCountry(countries, &fakeGeocoder{}, fakeOffsets{}, zap.NewNop()).WithClock(func() time.Time { return clock })

	res := stage.Run(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(3), res.RowsWritten)
	assert.ElementsMatch(t, []string{"United Kingdom", "France", "Atlantis"}, countries.calls)
	assert.Equal(t, watermark.FormatTime(clock), pipelinetest.Watermark(t, env, watermark.StreamSilverCountryMapping))

	rows := storetest.Rows(t, env.Store, CountryTable, `"COUNTRY_RAW"`)
	require.Len(t, rows, 3)
	assert.Equal(t, "ATLANTIS", rows[0]["COUNTRY_RAW"])
	assert.Equal(t, ConfidenceExact, rows[0]["COUNTRY_CONFIDENCE"])
	assert.Nil(t, rows[0]["CURRENCY"])
	assert.Equal(t, "European Community", rows[1]["COUNTRY_STANDARDIZED"])
	assert.Equal(t, ConfidenceMapped, rows[1]["COUNTRY_CONFIDENCE"])
	assert.Equal(t, "EUR", rows[1]["CURRENCY"])
	assert.Equal(t, "+0100", rows[1]["TIMEZONE"])
	assert.Equal(t, "+0000", rows[2]["TIMEZONE"])

	diag := storetest.Rows(t, env.Store, cleaner.DiagnosticsTable, "")
	require.NotEmpty(t, diag)
	assert.Equal(t, "country_not_found", diag[0]["REASON"])

	countries.calls = nil
	assert.True(t, stage.Run(ctx, env).IsSkipped())
	assert.Empty(t, countries.calls)

	seedSilverSales(t, env,
		salesRow("1", "A", "X", "1", "1", "1", "UNITED_KINGDOM", "2010-01-01"),
		salesRow("4", "A", "X", "1", "1", "1", "WEST_INDIES", "2010-01-02"),
	)
	countries.data["Dominican Republic"] = &lookup.CountryMetadata{Capital: "Santo Domingo", Currency: "DOP"}
	geo := &fakeGeocoder{}
	stage.geocoder = geo

	res = stage.Run(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(1), res.RowsWritten)
	assert.Equal(t, []string{"Dominican Republic"}, countries.calls)
	assert.Equal(t, []string{"Santo Domingo"}, geo.calls)

	rows = storetest.Rows(t, env.Store, CountryTable, `"COUNTRY_RAW"`)
	require.Len(t, rows, 4)
	assert.Equal(t, "-0400", rows[3]["TIMEZONE"])
}

type fakeRates struct {
	rates map[string]float64
	calls []string
}

func (f *fakeRates) Base() string { return "GBP" }

func (f *fakeRates) Resolve(_ context.Context, date, currency string) (float64, string, error) {
	if currency == "GBP" {
		return 1.0, "base", nil
	}
	f.calls = append(f.calls, date+"/"+currency)
	if r, ok := f.rates[date+"/"+currency]; ok {
		return r, "fake", nil
	}
	return 0, "", errors.New("no rate")
}

func seedCountries(t *testing.T, env *pipeline.Env, pairs ...[2]string) {
	t.Helper()
	table := model.NewTable(CountryTable, CountryColumns...)
	for _, p := range pairs {
		var currency interface{}
		if p[1] != "" {
			currency = p[1]
		}
		table.AddRow(p[0], p[0], ConfidenceExact, nil, nil, nil, currency, nil)
	}
	storetest.Seed(t, env.Store, table)
}

func TestExchangeRateFetchesNewPairs(t *testing.T) {
	ctx := context.Background()
	env := pipelinetest.NewEnv(t, "silver_exchange_rate")
	seedSilverSales(t, env,
		salesRow("1", "A", "X", "1", "1", "1", "UNITED_KINGDOM", "2010-01-01"),
		salesRow("2", "A", "X", "1", "1", "1", "FRANCE", "2010-01-01"),
		salesRow("3", "A", "X", "1", "1", "1", "GERMANY", "2010-01-02"),
		salesRow("4", "A", "X", "1", "1", "1", "USA", "2010-01-02"),
		salesRow("5", "A", "X", "1", "1", "1", "ATLANTIS", "2010-01-03"),
	)
	seedCountries(t, env, [2]string{"UNITED_KINGDOM", "GBP"}, [2]string{"FRANCE", "EUR"},
		[2]string{"GERMANY", "EUR"}, [2]string{"USA", "USD"}, [2]string{"ATLANTIS", ""})

	rates := &fakeRates{rates: map[string]float64{"2010-01-01/EUR": 1.12, "2010-01-02/EUR": 1.13}}
	stage := NewExchangeRate(rates, zap.NewNop())

	res := stage.Run(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(4), res.RowsWritten)
	assert.Contains(t, res.Note, "1 rate(s) unavailable")
	assert.ElementsMatch(t, []string{"2010-01-01/EUR", "2010-01-02/EUR", "2010-01-02/USD"}, rates.calls)
	assert.Equal(t, "2010-01-02", pipelinetest.Watermark(t, env, watermark.StreamSilverExchangeRate))

	rows := storetest.Rows(t, env.Store, ExchangeRateTable, `"INVOICE_DATE", "CURRENCY"`)
	require.Len(t, rows, 4)
	assert.Equal(t, "GBP", rows[1]["CURRENCY"])
	assert.Equal(t, 1.0, rows[1]["EXCHANGE_RATE_TO_GBP"])
	assert.Equal(t, "USD", rows[3]["CURRENCY"])
	assert.Nil(t, rows[3]["EXCHANGE_RATE_TO_GBP"])

	reasons := map[string]int{}
	for _, d := range storetest.Rows(t, env.Store, cleaner.DiagnosticsTable, "") {
		reasons[d["REASON"].(string)]++
	}
	assert.Equal(t, map[string]int{"rate_unavailable": 1, "currency_unknown": 1}, reasons)

	rates.calls = nil
	assert.True(t, stage.Run(ctx, env).IsSkipped())
	assert.Empty(t, rates.calls)
}

func TestExchangeRateRecordsUnknownCurrencyWithoutPairs(t *testing.T) {
	ctx := context.Background()
	env := pipelinetest.NewEnv(t, "silver_exchange_rate")
	seedSilverSales(t, env,
		salesRow("1", "A", "X", "1", "1", "1", "ATLANTIS", "2010-01-03"),
		salesRow("2", "A", "X", "1", "1", "1", "ATLANTIS", "2010-01-04"),
	)
	seedCountries(t, env, [2]string{"ATLANTIS", ""})

	rates := &fakeRates{}
	stage := NewExchangeRate(rates, zap.NewNop())

	res := stage.Run(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(0), res.RowsWritten)
	assert.Contains(t, res.Note, "2 day(s) with unknown currency")
	assert.Empty(t, rates.calls)
	assert.Equal(t, "2010-01-04", pipelinetest.Watermark(t, env, watermark.StreamSilverExchangeRate))

	diag := storetest.Rows(t, env.Store, cleaner.DiagnosticsTable, `"ROW_KEY"`)
	require.Len(t, diag, 2)
	assert.Equal(t, "currency_unknown", diag[0]["REASON"])
	assert.Equal(t, "2010-01-03/ATLANTIS", diag[0]["ROW_KEY"])

	assert.True(t, stage.Run(ctx, env).IsSkipped())
	assert.Len(t, storetest.Rows(t, env.Store, cleaner.DiagnosticsTable, ""), 2)
}

func testRules() *config.ProductRules {
	rules, err := config.ParseProductRules([]byte(`
version: 1
pass2:
  denylist: [DAMAGED]
  null_shared_names: true
  allowlist: [POSTAGE]
pass3:
  denylist: [SHOWROOM]
`))
	if err != nil {
		panic(err)
	}
	return rules
}

func lines(pairs ...string) []ProductLine {
	out := make([]ProductLine, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, ProductLine{StockCode: pairs[i], Description: pairs[i+1]})
	}
	return out
}

func TestProductResolverDiscardsDenylistedMajority(t *testing.T) {
	res := NewProductResolver(testRules()).Resolve(lines(
		"85123A", "DAMAGED",
		"85123A", "DAMAGED",
		"85123A", "BLUE VASE",
	))
	assert.Equal(t, "BLUE_VASE", res.Canonical["85123A"])
	require.Len(t, res.Nulled, 1)
	assert.Equal(t, NulledName{StockCode: "85123A", Name: "DAMAGED", Pass: 2, Reason: reasonDenylisted}, res.Nulled[0])
}

func TestProductResolverTieBreaks(t *testing.T) {
	res := NewProductResolver(testRules()).Resolve(lines(
		"1", "RED MUG",
		"1", "RED MUG LARGE",
		"2", "ABC",
		"2", "ABD",
		"3", "",
		"3", "UNKNOWN",
	))
	assert.Equal(t, "RED_MUG_LARGE", res.Canonical["1"])
	assert.Equal(t, "ABC", res.Canonical["2"])
	assert.Equal(t, cleaner.Unknown, res.Canonical["3"])
}

func TestProductResolverSharedNamesAndAllowlist(t *testing.T) {
	res := NewProductResolver(testRules()).Resolve(lines(
		"10", "SHARED THING",
		"10", "LAMP",
		"10", "SHARED THING",
		"11", "SHARED THING",
		"20", "POSTAGE",
		"21", "POSTAGE",
		"30", "SHOWROOM",
		"30", "SHOWROOM",
		"30", "CHAIR",
	))
	assert.Equal(t, "LAMP", res.Canonical["10"])
	assert.Equal(t, cleaner.Unknown, res.Canonical["11"])
	assert.Equal(t, "POSTAGE", res.Canonical["20"])
	assert.Equal(t, "POSTAGE", res.Canonical["21"])
	assert.Equal(t, "CHAIR", res.Canonical["30"])
	assert.Equal(t, 2, res.Shared["SHARED_THING"])
}

func TestProductAppendsNewStockCodesOnly(t *testing.T) {
	ctx := context.Background()
	env := pipelinetest.NewEnv(t, "silver_product")
	seedSilverSales(t, env,
		salesRow("1", "85123A", "WHITE_HANGING_HEART", "1", "1", "1", "FRANCE", "2010-01-01"),
		salesRow("2", "85123A", "DAMAGED", "1", "1", "1", "FRANCE", "2010-01-01"),
		salesRow("3", "22087", "PAPER_BUNTING", "1", "1", "1", "FRANCE", "2010-01-01"),
	)
	rec := &pipelinetest.Recorded{}
	env.Reports = rec

	stage := NewProduct(testRules(), zap.NewNop())
	res := stage.Run(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(3), res.RowsWritten)
	require.Len(t, rec.Reports, 1)
	assert.Len(t, rec.Reports[0].Sections, 3)

	rows := storetest.Rows(t, env.Store, ProductTable, `"STOCKCODE", "DESCRIPTION_RAW"`)
	require.Len(t, rows, 3)
	assert.Equal(t, "PAPER_BUNTING", rows[0]["PRODUCT_NAME"])
	assert.Equal(t, "WHITE_HANGING_HEART", rows[1]["PRODUCT_NAME"])
	assert.Equal(t, "DAMAGED", rows[1]["DESCRIPTION_RAW"])
	assert.Equal(t, "WHITE_HANGING_HEART", rows[2]["PRODUCT_NAME"])

	assert.True(t, stage.Run(ctx, env).IsSkipped())

	seedSilverSales(t, env,
		salesRow("1", "85123A", "WHITE_HANGING_HEART", "1", "1", "1", "FRANCE", "2010-01-01"),
		salesRow("4", "84029E", "RED_WOOLLY_HOTTIE", "1", "1", "1", "FRANCE", "2010-01-02"),
	)
	res = stage.Run(ctx, env)
	pipelinetest.RequireOk(t, res)
	assert.Equal(t, int64(1), res.RowsWritten)
	assert.Len(t, storetest.Rows(t, env.Store, ProductTable, ""), 4)
}
