package lookup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/David-Botos/retail-medallion/pkg/config"
)

// Set bundles every reference-data client a pipeline run needs
type Set struct {
	Countries *CountryClient
	Geocoder  *Geocoder
	Timezones *TimezoneFinder
	Rates     *RateResolver
}

// NewSet wires the clients from configuration. reg may be nil.
func NewSet(cfg config.APIConfig, reg prometheus.Registerer, logger *zap.Logger) (*Set, error) {
	metrics := NewMetrics(reg)
	common := []Option{
		WithRetry(cfg.RetryAttempts, cfg.RetryDelay),
		WithUserAgent(cfg.UserAgent),
		WithMetrics(metrics),
		WithLogger(logger),
	}
	with := func(extra ...Option) []Option {
		return append(append([]Option{}, common...), extra...)
	}

	timezones, err := NewTimezoneFinder()
	if err != nil {
		return nil, err
	}

	return &Set{
		Countries: NewCountryClient(cfg.CountryURL, with(WithTimeout(cfg.CountryTimeout))...),
		Geocoder:  NewGeocoder(cfg.GeocoderURL, with(WithTimeout(cfg.CountryTimeout), WithRateLimit(time.Second))...),
		Timezones: timezones,
		Rates: NewRateResolver(cfg.BaseCurrency, logger,
			NewFrankfurterClient(cfg.PrimaryRateURL, with(WithTimeout(cfg.RateTimeout))...),
			NewCurrencyAPIClient(cfg.FallbackRateURL, with(WithTimeout(cfg.RateTimeout))...),
		),
	}, nil
}
