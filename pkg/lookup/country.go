package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	SourceRestCountries = "restcountries"
	countryFields       = "region,capital,cca3,currencies,latlng"
)

// CountryMetadata is what the country source knows about one country
type CountryMetadata struct {
	Continent string
	Capital   string
	ISO3      string
	Currency  string
	Latitude  float64
	Longitude float64
	HasLatLng bool
}

// CountryClient queries the restcountries name endpoint
type CountryClient struct {
	client
}

// NewCountryClient builds a client against baseURL (e.g. https://restcountries.com/v3.1)
func NewCountryClient(baseURL string, opts ...Option) *CountryClient {
	return &CountryClient{client: newClient(SourceRestCountries, baseURL, opts)}
}

type countryPayload struct {
	Region     string          `json:"region"`
	Capital    []string        `json:"capital"`
	CCA3       string          `json:"cca3"`
	Currencies json.RawMessage `json:"currencies"`
	LatLng     []float64       `json:"latlng"`
}

// Country returns the metadata of the first match for name
func (c *CountryClient) Country(ctx context.Context, name string) (*CountryMetadata, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNotFound
	}

	endpoint := fmt.Sprintf("%s/name/%s?%s", c.baseURL, url.PathEscape(name),
		url.Values{"fields": {countryFields}}.Encode())

	var payload []countryPayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, ErrNotFound
	}

	first := payload[0]
	meta := &CountryMetadata{
		Continent: first.Region,
		ISO3:      first.CCA3,
		Currency:  firstKey(first.Currencies),
	}
	if len(first.Capital) > 0 {
		meta.Capital = first.Capital[0]
	}
	if len(first.LatLng) >= 2 {
		meta.Latitude, meta.Longitude, meta.HasLatLng = first.LatLng[0], first.LatLng[1], true
	}
	return meta, nil
}

// firstKey returns the first key of a JSON object in document order
func firstKey(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return ""
	}
	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	key, _ := tok.(string)
	return key
}
