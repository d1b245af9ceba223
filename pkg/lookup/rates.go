package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	SourceFrankfurter = "frankfurter"
	SourceCurrencyAPI = "currency-api"
)

// RateSource returns how many units of quote one unit of base buys on date (YYYY-MM-DD)
type RateSource interface {
	Name() string
	Rate(ctx context.Context, date, base, quote string) (float64, error)
}

// FrankfurterClient reads ECB reference rates from the Frankfurter API
type FrankfurterClient struct {
	client
}

// NewFrankfurterClient builds a client against baseURL (e.g. https://api.frankfurter.app)
func NewFrankfurterClient(baseURL string, opts ...Option) *FrankfurterClient {
	return &FrankfurterClient{client: newClient(SourceFrankfurter, baseURL, opts)}
}

// Name identifies the source in logs and diagnostics
func (c *FrankfurterClient) Name() string { return c.source }

// Rate implements RateSource
func (c *FrankfurterClient) Rate(ctx context.Context, date, base, quote string) (float64, error) {
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)

	params := url.Values{}
	params.Set("base", base)
	params.Set("symbols", quote)

	var payload struct {
		Rates map[string]*float64 `json:"rates"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(date), params.Encode()), &payload); err != nil {
		return 0, err
	}

	rate, ok := payload.Rates[quote]
	if !ok || rate == nil {
		return 0, fmt.Errorf("%w: %s/%s on %s", ErrNotFound, base, quote, date)
	}
	return *rate, nil
}

// CurrencyAPIClient reads daily snapshots published by the open currency-api project
type CurrencyAPIClient struct {
	client
}

// NewCurrencyAPIClient builds a client against the package root
// (e.g. https://cdn.jsdelivr.net/npm/@fawazahmed0/currency-api)
func NewCurrencyAPIClient(baseURL string, opts ...Option) *CurrencyAPIClient {
	return &CurrencyAPIClient{client: newClient(SourceCurrencyAPI, baseURL, opts)}
}

// Name identifies the source in logs and diagnostics
func (c *CurrencyAPIClient) Name() string { return c.source }

// Rate implements RateSource
func (c *CurrencyAPIClient) Rate(ctx context.Context, date, base, quote string) (float64, error) {
	base, quote = strings.ToLower(base), strings.ToLower(quote)

	var payload map[string]interface{}
	endpoint := fmt.Sprintf("%s@%s/v1/currencies/%s.json", c.baseURL, url.PathEscape(date), url.PathEscape(base))
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return 0, err
	}

	table, ok := payload[base].(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("%w: no %s table on %s", ErrNotFound, base, date)
	}
	rate, ok := table[quote].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s on %s", ErrNotFound, base, quote, date)
	}
	return rate, nil
}

// RateResolver asks each source in turn until one answers. The base
// currency resolves to 1.0 without any call.
type RateResolver struct {
	base    string
	sources []RateSource
	logger  *zap.Logger
}

// NewRateResolver creates a resolver converting into base
func NewRateResolver(base string, logger *zap.Logger, sources ...RateSource) *RateResolver {
	return &RateResolver{
		base:    strings.ToUpper(base),
		sources: sources,
		logger:  logger.Named("rates"),
	}
}

// Base returns the currency every rate is quoted against
func (r *RateResolver) Base() string { return r.base }

// Resolve returns the rate for currency on date and the source that supplied it
func (r *RateResolver) Resolve(ctx context.Context, date, currency string) (float64, string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == r.base {
		return 1.0, "base", nil
	}

	var errs error
	for _, src := range r.sources {
		rate, err := src.Rate(ctx, date, r.base, currency)
		if err == nil {
			return rate, src.Name(), nil
		}
		if errors.Is(err, context.Canceled) {
			return 0, "", err
		}
		r.logger.Debug("Rate source failed",
			zap.String("source", src.Name()),
			zap.String("date", date),
			zap.String("currency", currency),
			zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", src.Name(), err))
	}
	if errs == nil {
		errs = errors.New("no rate sources configured")
	}
	return 0, "", fmt.Errorf("failed to resolve %s/%s on %s: %w", r.base, currency, date, errs)
}
