package models

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// NewDatasetID generates an opaque unique id: a monotonic millisecond
// timestamp followed by a random suffix, so ids sort roughly by creation
// order without requiring a central counter.
func NewDatasetID() string {
	return fmt.Sprintf("%d-%06d", time.Now().UnixMilli(), rand.Intn(1_000_000))
}

// AddressDataset is the authoritative record of residents scanned at one
// address. Fields are guarded by mu because the cache allows concurrent
// readers while a single writer mutates resident lists; callers use the
// accessor methods rather than touching fields directly once a dataset has
// been handed to the cache.
type AddressDataset struct {
	mu sync.RWMutex

	ID                string            `json:"id"`
	NormalizedAddress NormalizedAddress `json:"normalizedAddress"`
	Street            string            `json:"street"`
	HouseNumber       string            `json:"houseNumber"`
	Postal            string            `json:"postal"`
	City              string            `json:"city"`
	CreatedBy         string            `json:"createdBy"`
	CreatedAt         time.Time         `json:"createdAt"`
	RawResidentData   []byte            `json:"-"`

	editableResidents []Resident
	fixedCustomers    []Resident
}

// NewAddressDataset constructs a dataset in its just-created state: the
// editable residents normalized per the category/status invariant, and a
// freshly generated id.
func NewAddressDataset(createdBy string, addr NormalizedAddress, editable []Resident, raw []byte) *AddressDataset {
	normalized := make([]Resident, len(editable))
	for i, r := range editable {
		r.Normalize()
		normalized[i] = r
	}
	return &AddressDataset{
		ID:                NewDatasetID(),
		NormalizedAddress: addr,
		Street:            addr.Street,
		HouseNumber:       addr.Number,
		Postal:            addr.Postal,
		City:              addr.City,
		CreatedBy:         createdBy,
		CreatedAt:         time.Now().UTC(),
		RawResidentData:   raw,
		editableResidents: normalized,
	}
}

// EditableResidents returns a snapshot copy of the editable resident list.
func (d *AddressDataset) EditableResidents() []Resident {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Resident, len(d.editableResidents))
	copy(out, d.editableResidents)
	return out
}

// FixedCustomers returns a snapshot copy of the fixed (master-list-mirrored) residents.
func (d *AddressDataset) FixedCustomers() []Resident {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Resident, len(d.fixedCustomers))
	copy(out, d.fixedCustomers)
	return out
}

// SetFixedCustomers replaces the fixed resident mirror, e.g. after a
// customer-cache refresh surfaces new master-list entries for this address.
func (d *AddressDataset) SetFixedCustomers(residents []Resident) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fixedCustomers = residents
}

// UpdateResident upserts or deletes a single editable resident by index.
// A nil resident deletes the entry at index if present; otherwise the
// resident replaces the entry at index, or is appended if index is out of
// range.
// Applying a delete at an already-absent index is a no-op, matching the
// idempotence requirement for repeated UpdateResident(d, i, nil) calls.
func (d *AddressDataset) UpdateResident(index int, resident *Resident) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if resident == nil {
		if index < 0 || index >= len(d.editableResidents) {
			return
		}
		d.editableResidents = append(d.editableResidents[:index], d.editableResidents[index+1:]...)
		return
	}

	r := *resident
	r.Normalize()
	if index < 0 || index >= len(d.editableResidents) {
		d.editableResidents = append(d.editableResidents, r)
		return
	}
	d.editableResidents[index] = r
}

// BulkUpdateResidents atomically replaces the entire editable resident list.
func (d *AddressDataset) BulkUpdateResidents(residents []Resident) {
	normalized := make([]Resident, len(residents))
	for i, r := range residents {
		r.Normalize()
		normalized[i] = r
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.editableResidents = normalized
}

// CanEdit implements the two-sided 30-day ownership window: the window is
// symmetric around CreatedAt to tolerate legacy future-skewed timestamps.
func (d *AddressDataset) CanEdit(user string, window time.Duration) bool {
	d.mu.RLock()
	createdBy, createdAt := d.CreatedBy, d.CreatedAt
	d.mu.RUnlock()
	if createdBy != user {
		return false
	}
	age := time.Since(createdAt)
	if age < 0 {
		age = -age
	}
	return age <= window
}

// datasetJSON mirrors AddressDataset's exported shape for JSON round-trips,
// since the embedded mutex must not participate in marshaling.
type datasetJSON struct {
	ID                string            `json:"id"`
	NormalizedAddress NormalizedAddress `json:"normalizedAddress"`
	Street            string            `json:"street"`
	HouseNumber       string            `json:"houseNumber"`
	Postal            string            `json:"postal"`
	City              string            `json:"city"`
	CreatedBy         string            `json:"createdBy"`
	CreatedAt         time.Time         `json:"createdAt"`
	EditableResidents []Resident        `json:"editableResidents"`
	FixedCustomers    []Resident        `json:"fixedCustomers"`
}

// MarshalJSON snapshots the guarded fields under lock before encoding.
func (d *AddressDataset) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(datasetJSON{
		ID:                d.ID,
		NormalizedAddress: d.NormalizedAddress,
		Street:            d.Street,
		HouseNumber:       d.HouseNumber,
		Postal:            d.Postal,
		City:              d.City,
		CreatedBy:         d.CreatedBy,
		CreatedAt:         d.CreatedAt,
		EditableResidents: d.editableResidents,
		FixedCustomers:    d.fixedCustomers,
	})
}
