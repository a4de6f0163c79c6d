package datasetengine

import (
	"sort"
	"strings"

	"github.com/canvassops/coordinator-service/internal/housenumber"
	"github.com/canvassops/coordinator-service/internal/models"
)

// CanEdit reports whether user may mutate d under the engine's configured
// ownership window, for HTTP handlers that need to annotate a response with
// canEdit without duplicating the window duration.
func (e *Engine) CanEdit(d *models.AddressDataset, user string) bool {
	return d.CanEdit(user, e.editWindow)
}

// SearchLocal implements the unnormalized dataset lookup: a direct cache
// scan against the raw street/postal/number fields as stored, bypassing
// the geocode queue entirely. Callers are responsible for the route's own
// validation (5-digit postal, non-empty number) before calling this.
func (e *Engine) SearchLocal(street, number, postal, city string) []*models.AddressDataset {
	street = strings.TrimSpace(strings.ToLower(street))
	postal = strings.TrimSpace(postal)

	var out []*models.AddressDataset
	for _, d := range e.cache.all() {
		if strings.TrimSpace(strings.ToLower(d.Street)) != street {
			continue
		}
		if strings.TrimSpace(d.Postal) != postal {
			continue
		}
		if !housenumber.Matches(d.HouseNumber, number) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// DatasetsByStreetName returns the most recent dataset for each distinct
// house number on streetName, newest-created-first across house numbers.
func (e *Engine) DatasetsByStreetName(streetName string) []*models.AddressDataset {
	target := strings.TrimSpace(strings.ToLower(streetName))

	latestByNumber := make(map[string]*models.AddressDataset)
	for _, d := range e.cache.all() {
		if strings.TrimSpace(strings.ToLower(d.Street)) != target {
			continue
		}
		existing, ok := latestByNumber[d.HouseNumber]
		if !ok || d.CreatedAt.After(existing.CreatedAt) {
			latestByNumber[d.HouseNumber] = d
		}
	}

	out := make([]*models.AddressDataset, 0, len(latestByNumber))
	for _, d := range latestByNumber {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// StreetSuggestions returns up to limit distinct street names in the cache
// whose lowercase form starts with query, sorted alphabetically.
func (e *Engine) StreetSuggestions(query string, limit int) []string {
	query = strings.TrimSpace(strings.ToLower(query))
	if query == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var matches []string
	for _, d := range e.cache.all() {
		if _, ok := seen[d.Street]; ok {
			continue
		}
		if strings.HasPrefix(strings.ToLower(d.Street), query) {
			seen[d.Street] = struct{}{}
			matches = append(matches, d.Street)
		}
	}
	sort.Strings(matches)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
