// Package geocode implements the primary/fallback geocoder cascade and the
// single-slot rate-paced queue that funnels every normalization request
// through it.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/models"
)

// AddressInput is the request shape passed to a Provider.
type AddressInput struct {
	Street string
	Number string
	Postal string
	City   string
}

// Result is the response shape a Provider returns on a match.
type Result struct {
	FormattedAddress string
	Street           string
	Number           string
	City             string
	Postal           string
	Latitude         float64
	Longitude        float64
	Country          string
}

// Provider represents a single geocoding backend.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, addr AddressInput) (*Result, error)
	Available() bool
}

// HTTPProvider geocodes against a Nominatim-shaped HTTP search endpoint.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProvider builds an HTTPProvider bound to baseURL with the given
// per-request timeout.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (p *HTTPProvider) Name() string    { return "primary" }
func (p *HTTPProvider) Available() bool { return p.baseURL != "" }

type nominatimResult struct {
	DisplayName string            `json:"display_name"`
	Lat         string            `json:"lat"`
	Lon         string            `json:"lon"`
	Address     map[string]string `json:"address"`
	Class       string            `json:"class"`
	Type        string            `json:"type"`
}

// Geocode queries the provider for a single-line address built from addr's
// street/number/postal/city plus "Deutschland". It takes the first result
// and accepts it when its country code is "de" or absent and it carries a
// road; the result's class/type is not checked, and its road is not compared
// with the requested street.
func (p *HTTPProvider) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	if !p.Available() {
		return nil, eris.New("geocode: primary provider not configured")
	}

	query := formatQuery(addr)
	if query == "" {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json&addressdetails=1&countrycodes=de",
		p.baseURL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("geocode: provider returned status %d", resp.StatusCode)
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, eris.Wrap(err, "geocode: decode response")
	}
	if len(results) == 0 {
		return nil, nil
	}

	best := results[0]
	if best.Address["country_code"] != "" && best.Address["country_code"] != "de" {
		p.logger.Debug("geocode: rejected non-German result", zap.String("country", best.Address["country_code"]))
		return nil, nil
	}

	road := best.Address["road"]
	if road == "" {
		return nil, nil
	}

	var lat, lon float64
	fmt.Sscanf(best.Lat, "%f", &lat)
	fmt.Sscanf(best.Lon, "%f", &lon)

	return &Result{
		FormattedAddress: best.DisplayName,
		Street:           road,
		Number:           best.Address["house_number"],
		City:             best.Address["city"],
		Postal:           best.Address["postcode"],
		Latitude:         lat,
		Longitude:        lon,
		Country:          best.Address["country_code"],
	}, nil
}

func formatQuery(addr AddressInput) string {
	var parts []string
	if addr.Street != "" {
		street := addr.Street
		if addr.Number != "" {
			street = street + " " + addr.Number
		}
		parts = append(parts, street)
	}
	if addr.Postal != "" {
		parts = append(parts, addr.Postal)
	}
	if addr.City != "" {
		parts = append(parts, addr.City)
	}
	parts = append(parts, "Deutschland")
	return strings.Join(parts, ", ")
}

// TrivialFallback builds the unvalidated "street number, postal city"
// concatenation used when no geocoder is available or returns no road, so
// upstream address comparisons still have something byte-comparable to key
// on.
func TrivialFallback(addr models.Address) models.NormalizedAddress {
	canonical := strings.TrimSpace(fmt.Sprintf("%s %s, %s %s", addr.Street, addr.Number, addr.Postal, addr.City))
	return models.NormalizedAddress{
		Canonical:   canonical,
		Street:      addr.Street,
		Number:      addr.Number,
		City:        addr.City,
		Postal:      addr.Postal,
		Unvalidated: true,
	}
}
