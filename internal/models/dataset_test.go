package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResidentNormalize_ClearsStatusOutsideProspectCategory(t *testing.T) {
	r := Resident{Name: "Schmidt", Category: CategoryExistingCustomer, Status: StatusInterested}
	r.Normalize()
	assert.Equal(t, StatusNone, r.Status)

	r = Resident{Name: "Meier", Category: CategoryPotentialNewCustomer, Status: StatusAppointmentScheduled}
	r.Normalize()
	assert.Equal(t, StatusAppointmentScheduled, r.Status)

	r = Resident{Name: "Weber", Category: CategoryClarificationNeeded, Status: StatusWritten}
	r.Normalize()
	assert.Equal(t, StatusNone, r.Status)
}

func TestNewAddressDataset_NormalizesResidentsOnConstruction(t *testing.T) {
	d := NewAddressDataset("agent1", NormalizedAddress{Canonical: "x"}, []Resident{
		{Name: "A", Category: CategoryExistingCustomer, Status: StatusInterested},
	}, nil)
	assert.Equal(t, StatusNone, d.EditableResidents()[0].Status)
}

func TestUpdateResident_DeleteIsIdempotent(t *testing.T) {
	d := NewAddressDataset("agent1", NormalizedAddress{Canonical: "x"}, []Resident{
		{Name: "A"}, {Name: "B"},
	}, nil)

	d.UpdateResident(0, nil)
	require.Len(t, d.EditableResidents(), 1)
	assert.Equal(t, "B", d.EditableResidents()[0].Name)

	// Deleting past the end again is a no-op.
	d.UpdateResident(1, nil)
	assert.Len(t, d.EditableResidents(), 1)
}

func TestUpdateResident_InsertPastEndAppends(t *testing.T) {
	d := NewAddressDataset("agent1", NormalizedAddress{Canonical: "x"}, nil, nil)
	d.UpdateResident(5, &Resident{Name: "A"})
	require.Len(t, d.EditableResidents(), 1)
	assert.Equal(t, "A", d.EditableResidents()[0].Name)
}

func TestBulkUpdateResidents_RoundTrips(t *testing.T) {
	d := NewAddressDataset("agent1", NormalizedAddress{Canonical: "x"}, []Resident{{Name: "Old"}}, nil)
	replacement := []Resident{{Name: "N1"}, {Name: "N2", Category: CategoryPotentialNewCustomer, Status: StatusInterested}}
	d.BulkUpdateResidents(replacement)

	got := d.EditableResidents()
	require.Len(t, got, 2)
	assert.Equal(t, "N1", got[0].Name)
	assert.Equal(t, StatusInterested, got[1].Status)
}

func TestCanEdit_WindowBoundaries(t *testing.T) {
	window := 30 * 24 * time.Hour
	d := NewAddressDataset("agent1", NormalizedAddress{Canonical: "x"}, nil, nil)

	d.CreatedAt = time.Now().Add(-window + time.Millisecond)
	assert.True(t, d.CanEdit("agent1", window))

	d.CreatedAt = time.Now().Add(-window - 100*time.Millisecond)
	assert.False(t, d.CanEdit("agent1", window))

	// Two-sided: a future-skewed timestamp within the window still edits.
	d.CreatedAt = time.Now().Add(window - time.Second)
	assert.True(t, d.CanEdit("agent1", window))

	d.CreatedAt = time.Now()
	assert.False(t, d.CanEdit("someone-else", window))
}

func TestMarshalJSON_IncludesResidentListsAndSkipsRawBlob(t *testing.T) {
	d := NewAddressDataset("agent1", NormalizedAddress{Canonical: "x"}, []Resident{{Name: "A"}}, []byte(`raw-frame`))
	d.SetFixedCustomers([]Resident{{Name: "F", IsFixed: true}})

	raw, err := json.Marshal(d)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "editableResidents")
	assert.Contains(t, decoded, "fixedCustomers")
	assert.NotContains(t, string(raw), "raw-frame")
}

func TestLocationPoint_GPSNotReadySentinels(t *testing.T) {
	assert.True(t, LocationPoint{Latitude: 0, Longitude: 13.4}.IsGPSNotReadySentinel())
	assert.True(t, LocationPoint{Latitude: 52.5, Longitude: 0.0005}.IsGPSNotReadySentinel())
	assert.True(t, LocationPoint{Latitude: 0, Longitude: 0}.IsGPSNotReadySentinel())
	assert.False(t, LocationPoint{Latitude: 52.5, Longitude: 13.4}.IsGPSNotReadySentinel())
}
