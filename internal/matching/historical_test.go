package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvassops/coordinator-service/internal/models"
)

func newHistoricalDataset(t *testing.T, createdAt time.Time, fixed, editable []models.Resident) *models.AddressDataset {
	t.Helper()
	d := models.NewAddressDataset("agent1", models.NormalizedAddress{Canonical: "x"}, editable, nil)
	d.CreatedAt = createdAt
	d.SetFixedCustomers(fixed)
	return d
}

func TestClassifyScan_AllFiveBuckets(t *testing.T) {
	createdAt := time.Now().Add(-10 * 24 * time.Hour)
	fixed := []models.Resident{{Name: "Anna Mueller", IsFixed: true}, {Name: "Otto Bauer", IsFixed: true}}
	editable := []models.Resident{
		{Name: "Lisa Klein", Category: models.CategoryPotentialNewCustomer, Status: models.StatusInterested},
		{Name: "Jan Fischer", Category: models.CategoryPotentialNewCustomer, Status: models.StatusNotInterested},
	}
	dataset := newHistoricalDataset(t, createdAt, fixed, editable)

	scan := []string{"Anna Mueller", "Lisa Klein", "Otto Bauer", "Someone New", "Jan Fischer"}
	currentList := []string{"Anna Mueller", "Jan Fischer"}

	classified, _ := ClassifyScan(scan, currentList, dataset)
	byName := make(map[string]ClassifiedName)
	for _, c := range classified {
		byName[c.Name] = c
	}

	assert.Equal(t, ConfirmedExisting, byName["Anna Mueller"].Classification)
	assert.Equal(t, ListVsDatasetConflict, byName["Jan Fischer"].Classification)
	assert.Equal(t, DatasetOnlyExisting, byName["Otto Bauer"].Classification)
	assert.Equal(t, HistoricalProspect, byName["Lisa Klein"].Classification)
	assert.Equal(t, NoHistoricalData, byName["Someone New"].Classification)
}

func TestClassifyScan_DatasetOnlyExistingAndHistoricalProspect(t *testing.T) {
	createdAt := time.Now().Add(-10 * 24 * time.Hour)
	fixed := []models.Resident{{Name: "Otto Bauer", IsFixed: true}}
	editable := []models.Resident{{Name: "Lisa Klein", Category: models.CategoryPotentialNewCustomer, Status: models.StatusInterested}}
	dataset := newHistoricalDataset(t, createdAt, fixed, editable)

	scan := []string{"Otto Bauer", "Lisa Klein"}
	classified, _ := ClassifyScan(scan, nil, dataset)

	byName := make(map[string]ClassifiedName)
	for _, c := range classified {
		byName[c.Name] = c
	}
	assert.Equal(t, DatasetOnlyExisting, byName["Otto Bauer"].Classification)
	assert.Equal(t, HistoricalProspect, byName["Lisa Klein"].Classification)
	assert.Equal(t, models.StatusInterested, byName["Lisa Klein"].HistoricalStatus)
}

func TestClassifyScan_NoHistoricalDataset(t *testing.T) {
	classified, winback := ClassifyScan([]string{"Anyone"}, nil, nil)
	require.Len(t, classified, 1)
	assert.Equal(t, NoHistoricalData, classified[0].Classification)
	assert.Empty(t, winback)
}

func TestClassifyScan_ConflictingSurnameDroppedFromBothBuckets(t *testing.T) {
	fixed := []models.Resident{{Name: "Jonas Schulz", IsFixed: true}}
	editable := []models.Resident{{Name: "Mara Schulz", Category: models.CategoryPotentialNewCustomer}}
	dataset := newHistoricalDataset(t, time.Now(), fixed, editable)

	classified, _ := ClassifyScan([]string{"Jonas Schulz"}, nil, dataset)
	require.Len(t, classified, 1)
	assert.Equal(t, NoHistoricalData, classified[0].Classification)
}

func TestClassifyScan_PreviousTenantDetection(t *testing.T) {
	createdAt := time.Now().Add(-20 * 24 * time.Hour)
	fixed := []models.Resident{{Name: "Erik Weber", IsFixed: true}}
	dataset := newHistoricalDataset(t, createdAt, fixed, nil)

	scan := []string{"Nina Kaiser"}
	classified, _ := ClassifyScan(scan, nil, dataset)

	require.Len(t, classified, 1)
	assert.Equal(t, "Weber", classified[0].PreviousTenant)
	require.NotNil(t, classified[0].MovedInAfter)
}

func TestClassifyScan_WinbackCandidates(t *testing.T) {
	fixed := []models.Resident{{Name: "Erik Weber", IsFixed: true}}
	dataset := newHistoricalDataset(t, time.Now(), fixed, nil)

	_, winback := ClassifyScan([]string{"Nina Kaiser"}, nil, dataset)
	assert.Contains(t, winback, "weber")
}
