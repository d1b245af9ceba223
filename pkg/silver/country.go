// pkg/silver/country.go
package silver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/cleaner"
	"github.com/David-Botos/retail-medallion/pkg/lookup"
	"github.com/David-Botos/retail-medallion/pkg/model"
	"github.com/David-Botos/retail-medallion/pkg/pipeline"
	"github.com/David-Botos/retail-medallion/pkg/report"
	"github.com/David-Botos/retail-medallion/pkg/store"
	"github.com/David-Botos/retail-medallion/pkg/watermark"
)

// CountryTable holds one enriched row per raw country string
const CountryTable = "SILVER_COUNTRY_METADATA"

// Confidence of a country name resolution
const (
	ConfidenceExact   = "EXACT"
	ConfidenceMapped  = "MAPPED"
	ConfidenceInvalid = "INVALID"
)

// CountryColumns is the layout of SILVER_COUNTRY_METADATA
var CountryColumns = []model.Column{
	{Name: "COUNTRY_RAW", Type: model.ColumnText},
	{Name: "COUNTRY_STANDARDIZED", Type: model.ColumnText},
	{Name: "COUNTRY_CONFIDENCE", Type: model.ColumnText},
	{Name: "CONTINENT", Type: model.ColumnText},
	{Name: "CAPITAL", Type: model.ColumnText},
	{Name: "ISO3", Type: model.ColumnText},
	{Name: "CURRENCY", Type: model.ColumnText},
	{Name: "TIMEZONE", Type: model.ColumnText},
}

// countryAliases maps normalized names the source data uses to the name kept
// in Silver. Names mapped to themselves are known non-countries.
var countryAliases = map[string]string{
	"European Community": "European Community",
	"Unknown":            "Unknown",
	"West Indies":        "West Indies",
	"Eire":               "Ireland",
	"Rsa":                "Republic of South Africa",
	"Channel Islands":    "Jersey",
}

// metadataOverrides names the country whose metadata stands in for a
// standardized name the country source cannot resolve
var metadataOverrides = map[string]string{
	"European Community": "France",
	"Unknown":            "United Kingdom",
	"West Indies":        "Dominican Republic",
}

// CountryLookup fetches reference metadata for a country name
type CountryLookup interface {
	Country(ctx context.Context, name string) (*lookup.CountryMetadata, error)
}

// Geocoder resolves a place name to coordinates
type Geocoder interface {
	Geocode(ctx context.Context, query string) (lat, lng float64, err error)
}

// OffsetLocator returns the current UTC offset at coordinates
type OffsetLocator interface {
	UTCOffset(lat, lng float64) (string, bool)
}

// ResolveCountryName standardizes a raw Silver country token
func ResolveCountryName(raw string) (standardized, confidence string) {
	norm := cleaner.StandardizeCountryName(raw)
	if norm == "" {
		return "", ConfidenceInvalid
	}
	if alias, ok := countryAliases[norm]; ok {
		return alias, ConfidenceMapped
	}
	return norm, ConfidenceExact
}

// countryInfo is the enrichment of one standardized name; empty fields are NULL
type countryInfo struct {
	continent, capital, iso3, currency, timezone string
}

// Country appends metadata rows for countries not seen before
type Country struct {
	countries CountryLookup
	geocoder  Geocoder
	offsets   OffsetLocator
	now       func() time.Time
	logger    *zap.Logger
}

// NewCountry creates the country enrichment step. geocoder may be nil.
func NewCountry(countries CountryLookup, geocoder Geocoder, offsets OffsetLocator, logger *zap.Logger) *Country {
	return &Country{
		countries: countries,
		geocoder:  geocoder,
		offsets:   offsets,
		now:       time.Now,
		logger:    logger.Named("silver-country"),
	}
}

// WithClock overrides the clock used for the run watermark
func (c *Country) WithClock(now func() time.Time) *Country {
	c.now = now
	return c
}

// Name implements pipeline.Stage
func (c *Country) Name() string { return "silver_country" }

// Run implements pipeline.Stage
func (c *Country) Run(ctx context.Context, env *pipeline.Env) pipeline.Result {
	if err := env.RequireTable(ctx, SalesTable); err != nil {
		return pipeline.Failed("silver sales not built", err)
	}

	var current []string
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", env.Store.Quote("COUNTRY"), env.Store.Quote(SalesTable))
	if err := env.Store.Select(ctx, &current, query); err != nil {
		return pipeline.Failed("failed to read countries", err)
	}

	known, err := existingKeys(ctx, env, CountryTable, "COUNTRY_RAW")
	if err != nil {
		return pipeline.Failed("failed to read country metadata", err)
	}

	var fresh []string
	for _, raw := range current {
		if _, ok := known[raw]; !ok {
			fresh = append(fresh, raw)
		}
	}
	if len(fresh) == 0 {
		return pipeline.Skipped("no new countries")
	}
	sort.Strings(fresh)

	c.logger.Info("Resolving new countries",
		zap.Int("new", len(fresh)),
		zap.Int("known", len(known)))

	table := model.NewTable(CountryTable, CountryColumns...)
	resolved := make(map[string]countryInfo)
	for _, raw := range fresh {
		standardized, confidence := ResolveCountryName(raw)
		if confidence == ConfidenceInvalid {
			env.Diagnostics.Record(model.Diagnostic{
				TableName:     CountryTable,
				ColumnName:    "COUNTRY_RAW",
				RowKey:        raw,
				OriginalValue: raw,
				Operation:     model.OpNullMetadata,
				Reason:        "invalid_country_name",
			})
			table.AddRow(raw, nil, confidence, nil, nil, nil, nil, nil)
			continue
		}

		info, ok := resolved[standardized]
		if !ok {
			info, err = c.enrich(ctx, env, standardized)
			if err != nil {
				return pipeline.Failed("country lookup interrupted", err)
			}
			resolved[standardized] = info
		}

		table.AddRow(raw, standardized, confidence,
			textOrNull(info.continent), textOrNull(info.capital), textOrNull(info.iso3),
			textOrNull(info.currency), textOrNull(info.timezone))
	}

	var written int64
	err = env.Commit(ctx, func(tx *store.Tx) error {
		n, err := tx.AppendRows(ctx, table)
		if err != nil {
			return err
		}
		written = n
		return env.Watermarks.Set(ctx, tx, watermark.StreamSilverCountryMapping,
			watermark.FormatTime(c.now()), watermark.KindTimestamp)
	})
	if err != nil {
		return pipeline.Failed("failed to write country metadata", err)
	}

	env.Report(ctx, report.New("silver_country_mapping", c.Name()).Add(report.FromModel("New countries", table)))
	return pipeline.Ok(written)
}

// enrich looks up one standardized name. Lookup failures degrade to empty
// fields; only cancellation is returned.
func (c *Country) enrich(ctx context.Context, env *pipeline.Env, standardized string) (countryInfo, error) {
	var info countryInfo
	queryName := standardized
	if override, ok := metadataOverrides[standardized]; ok {
		queryName = override
	}

	meta, err := c.countries.Country(ctx, queryName)
	if err != nil {
		if ctx.Err() != nil {
			return info, ctx.Err()
		}
		reason := "lookup_failed"
		if errors.Is(err, lookup.ErrNotFound) {
			reason = "country_not_found"
		}
		c.logger.Warn("Country metadata unavailable",
			zap.String("country", standardized),
			zap.Error(err))
		env.Diagnostics.Record(model.Diagnostic{
			TableName:     CountryTable,
			RowKey:        standardized,
			OriginalValue: queryName,
			Operation:     model.OpNullMetadata,
			Reason:        reason,
		})
		return info, nil
	}

	info.continent = meta.Continent
	info.capital = meta.Capital
	info.iso3 = meta.ISO3
	info.currency = meta.Currency

	lat, lng, located := meta.Latitude, meta.Longitude, meta.HasLatLng
	if !located && meta.Capital != "" && c.geocoder != nil {
		lat, lng, err = c.geocoder.Geocode(ctx, meta.Capital)
		if err == nil {
			located = true
		} else if ctx.Err() != nil {
			return info, ctx.Err()
		} else {
			c.logger.Debug("Capital not geocoded",
				zap.String("capital", meta.Capital),
				zap.Error(err))
		}
	}

	if located {
		if offset, ok := c.offsets.UTCOffset(lat, lng); ok {
			info.timezone = offset
		}
	}
	if info.timezone == "" {
		env.Diagnostics.Record(model.Diagnostic{
			TableName:  CountryTable,
			ColumnName: "TIMEZONE",
			RowKey:     standardized,
			Operation:  model.OpNullMetadata,
			Reason:     "timezone_unresolved",
		})
	}
	return info, nil
}

// existingKeys returns the distinct values of column in table, or an empty
// set when the table does not exist yet
func existingKeys(ctx context.Context, env *pipeline.Env, table, column string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	exists, err := env.Store.TableExists(ctx, table)
	if err != nil || !exists {
		return keys, err
	}

	var values []string
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL",
		env.Store.Quote(column), env.Store.Quote(table), env.Store.Quote(column))
	if err := env.Store.Select(ctx, &values, query); err != nil {
		return nil, err
	}
	for _, v := range values {
		keys[v] = struct{}{}
	}
	return keys, nil
}

func textOrNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
