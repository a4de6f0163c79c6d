// Package models defines the core data shapes shared by the dataset engine,
// the geocode queue, the tracking ingest path, and the customer cache.
package models

import "strings"

// Address is the raw input to a dataset creation request, before normalization.
type Address struct {
	Street string `json:"street"`
	Number string `json:"number"`
	Postal string `json:"postal"`
	City   string `json:"city,omitempty"`
}

// MissingFields reports which required components of the address are absent.
// Street, Number, and Postal are required for dataset writes; City is optional.
func (a Address) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(a.Street) == "" {
		missing = append(missing, "street")
	}
	if strings.TrimSpace(a.Number) == "" {
		missing = append(missing, "number")
	}
	if strings.TrimSpace(a.Postal) == "" {
		missing = append(missing, "postal")
	}
	return missing
}

// IsComplete reports whether all required fields are present.
func (a Address) IsComplete() bool {
	return len(a.MissingFields()) == 0
}

// NormalizedAddress is the canonical, geocoder-produced form of an Address.
// Two normalized addresses are considered the same address iff their
// Canonical strings are byte-equal.
type NormalizedAddress struct {
	Canonical string `json:"canonical"`
	Street    string `json:"street"`
	Number    string `json:"number"`
	City      string `json:"city"`
	Postal    string `json:"postal"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	// Unvalidated marks results produced by the trivial-concatenation
	// fallback rather than an actual geocoder match.
	Unvalidated bool `json:"unvalidated"`
}

// Equal compares two normalized addresses by canonical string identity.
func (n NormalizedAddress) Equal(other NormalizedAddress) bool {
	return n.Canonical == other.Canonical
}
