package lookup

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const SourceNominatim = "nominatim"

// Geocoder resolves place names to coordinates through Nominatim search
type Geocoder struct {
	client
}

// NewGeocoder builds a geocoder against baseURL. Nominatim rejects requests
// without a User-Agent, so pass WithUserAgent.
func NewGeocoder(baseURL string, opts ...Option) *Geocoder {
	return &Geocoder{client: newClient(SourceNominatim, baseURL, opts)}
}

// Geocode returns latitude and longitude of the best match for query
func (g *Geocoder) Geocode(ctx context.Context, query string) (lat, lng float64, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return 0, 0, ErrNotFound
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")

	var places []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := g.getJSON(ctx, g.baseURL+"/search?"+params.Encode(), &places); err != nil {
		return 0, 0, err
	}
	if len(places) == 0 {
		return 0, 0, ErrNotFound
	}

	lat, err = strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q from %s: %w", places[0].Lat, g.source, err)
	}
	lng, err = strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q from %s: %w", places[0].Lon, g.source, err)
	}
	return lat, lng, nil
}
