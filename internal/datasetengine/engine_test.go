package datasetengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/errx"
	"github.com/canvassops/coordinator-service/internal/models"
)

type fakeNormalizer struct {
	result models.NormalizedAddress
	err    error
}

func (f *fakeNormalizer) Normalize(ctx context.Context, addr models.Address) (models.NormalizedAddress, error) {
	if f.err != nil {
		return models.NormalizedAddress{}, f.err
	}
	if f.result.Canonical != "" {
		return f.result, nil
	}
	return models.NormalizedAddress{
		Canonical: addr.Street + " " + addr.Number + ", " + addr.Postal,
		Street:    addr.Street,
		Number:    addr.Number,
		Postal:    addr.Postal,
		City:      addr.City,
	}, nil
}

type fakeStore struct {
	backingstore.Store
	appended []backingstore.DatasetRow
	updated  []backingstore.DatasetRow
}

func (f *fakeStore) Append(ctx context.Context, worksheet string, row backingstore.DatasetRow) error {
	f.appended = append(f.appended, row)
	return nil
}

func (f *fakeStore) UpdateRow(ctx context.Context, worksheet string, row backingstore.DatasetRow) error {
	f.updated = append(f.updated, row)
	return nil
}

func (f *fakeStore) LoadAllDatasets(ctx context.Context) ([]backingstore.DatasetRow, error) {
	return nil, nil
}

func newTestEngine() (*Engine, *fakeStore) {
	store := &fakeStore{}
	geo := &fakeNormalizer{}
	e := NewEngine(store, geo, 30*24*time.Hour, time.Hour, 30*time.Second, zap.NewNop())
	return e, store
}

func TestCreateDataset_Success(t *testing.T) {
	e, _ := newTestEngine()
	addr := models.Address{Street: "Hauptstraße", Number: "12", Postal: "10115", City: "Berlin"}
	residents := []models.Resident{{Name: "Schmidt", Category: models.CategoryPotentialNewCustomer}}

	d, err := e.CreateDataset(context.Background(), "agent1", addr, residents, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent1", d.CreatedBy)
	assert.Len(t, d.EditableResidents(), 1)

	got, ok := e.GetDatasetById(d.ID)
	assert.True(t, ok)
	assert.Equal(t, d.ID, got.ID)
}

func TestCreateDataset_MissingFields(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.CreateDataset(context.Background(), "agent1", models.Address{Street: "Only"}, nil, nil)
	require.Error(t, err)
	var domainErr *errx.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, errx.KindValidation, domainErr.Kind)
}

func TestCreateDataset_ConflictWithinWindow(t *testing.T) {
	e, _ := newTestEngine()
	addr := models.Address{Street: "Hauptstraße", Number: "12", Postal: "10115"}

	_, err := e.CreateDataset(context.Background(), "agent1", addr, nil, nil)
	require.NoError(t, err)

	_, err = e.CreateDataset(context.Background(), "agent2", addr, nil, nil)
	require.Error(t, err)
	var domainErr *errx.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, errx.KindConflict, domainErr.Kind)
	assert.Equal(t, "ADDRESS_CONFLICT", domainErr.Code)
}

func TestCreateDataset_OverlappingHouseNumberRangeConflicts(t *testing.T) {
	e, _ := newTestEngine()
	first := models.Address{Street: "Parkweg", Number: "1-3", Postal: "20095"}
	_, err := e.CreateDataset(context.Background(), "agent1", first, nil, nil)
	require.NoError(t, err)

	second := models.Address{Street: "Parkweg", Number: "2", Postal: "20095"}
	_, err = e.CreateDataset(context.Background(), "agent2", second, nil, nil)
	require.Error(t, err)
}

func TestUpdateResident_ForbiddenForNonCreator(t *testing.T) {
	e, _ := newTestEngine()
	addr := models.Address{Street: "Lindenallee", Number: "5", Postal: "80331"}
	d, err := e.CreateDataset(context.Background(), "agent1", addr, []models.Resident{{Name: "Meier"}}, nil)
	require.NoError(t, err)

	err = e.UpdateResident(d.ID, 0, &models.Resident{Name: "Meier-Updated"}, "agent2")
	require.Error(t, err)
	var domainErr *errx.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, errx.KindPermission, domainErr.Kind)
}

func TestUpdateResident_AllowedForCreatorWithinWindow(t *testing.T) {
	e, _ := newTestEngine()
	addr := models.Address{Street: "Lindenallee", Number: "5", Postal: "80331"}
	d, err := e.CreateDataset(context.Background(), "agent1", addr, []models.Resident{{Name: "Meier"}}, nil)
	require.NoError(t, err)

	err = e.UpdateResident(d.ID, 0, &models.Resident{Name: "Meier-Updated", Category: models.CategoryExistingCustomer}, "agent1")
	require.NoError(t, err)

	got, _ := e.GetDatasetById(d.ID)
	assert.Equal(t, "Meier-Updated", got.EditableResidents()[0].Name)
}

func TestFlushDirty_AppendsThenUpdates(t *testing.T) {
	e, store := newTestEngine()
	addr := models.Address{Street: "Feldweg", Number: "9", Postal: "04109"}
	d, err := e.CreateDataset(context.Background(), "agent1", addr, nil, nil)
	require.NoError(t, err)

	e.flushDirty(context.Background())
	require.Len(t, store.appended, 1)
	assert.Equal(t, d.ID, store.appended[0].ID)

	require.NoError(t, e.UpdateResident(d.ID, 0, &models.Resident{Name: "New"}, "agent1"))
	e.flushDirty(context.Background())
	require.Len(t, store.updated, 1)
}

func TestGetDatasetsByAddress_MarksNonExactHouseNumberMatch(t *testing.T) {
	e, _ := newTestEngine()
	addr := models.Address{Street: "Ringstraße", Number: "10-12", Postal: "60311"}
	_, err := e.CreateDataset(context.Background(), "agent1", addr, nil, nil)
	require.NoError(t, err)

	results, err := e.GetDatasetsByAddress(context.Background(), models.Address{Street: "Ringstraße", Number: "11", Postal: "60311"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].NonExact)
}

func TestCreateDataset_RejectsMalformedHouseNumber(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.CreateDataset(context.Background(), "agent1", models.Address{Street: "Hauptstraße", Number: "abc", Postal: "10115"}, nil, nil)
	require.Error(t, err)
	var domainErr *errx.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "INVALID_ADDRESS", domainErr.Code)
}

func TestCreateDataset_RecreationAllowedAfterWindow(t *testing.T) {
	e, _ := newTestEngine()
	addr := models.Address{Street: "Gartenweg", Number: "7", Postal: "50667"}

	first, err := e.CreateDataset(context.Background(), "agent1", addr, nil, nil)
	require.NoError(t, err)

	// Age the first dataset past the 30-day window.
	first.CreatedAt = time.Now().Add(-31 * 24 * time.Hour)

	second, err := e.CreateDataset(context.Background(), "agent1", addr, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.False(t, first.CanEdit("agent1", 30*24*time.Hour))
	assert.True(t, second.CanEdit("agent1", 30*24*time.Hour))
}

func TestConcurrentCreate_ExactlyOneSucceeds(t *testing.T) {
	e, _ := newTestEngine()
	addr := models.Address{Street: "Schnellweider Straße", Number: "12", Postal: "41462"}

	const attempts = 8
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := e.CreateDataset(context.Background(), "damian", addr, nil, nil)
			results <- err
		}()
	}

	succeeded, conflicted := 0, 0
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			var domainErr *errx.Error
			require.ErrorAs(t, err, &domainErr)
			assert.Equal(t, errx.KindConflict, domainErr.Kind)
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicted)
}
