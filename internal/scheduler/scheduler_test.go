package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/customercache"
	"github.com/canvassops/coordinator-service/internal/datasetengine"
	"github.com/canvassops/coordinator-service/internal/logstore"
	"github.com/canvassops/coordinator-service/internal/metrics"
	"github.com/canvassops/coordinator-service/internal/models"
)

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(ctx context.Context, addr models.Address) (models.NormalizedAddress, error) {
	return models.NormalizedAddress{Canonical: addr.Street + addr.Number + addr.Postal, Street: addr.Street, Number: addr.Number, Postal: addr.Postal}, nil
}

type fakeStore struct{ backingstore.Store }

func (fakeStore) Append(ctx context.Context, worksheet string, row backingstore.DatasetRow) error {
	return nil
}
func (fakeStore) UpdateRow(ctx context.Context, worksheet string, row backingstore.DatasetRow) error {
	return nil
}
func (fakeStore) LoadAllDatasets(ctx context.Context) ([]backingstore.DatasetRow, error) {
	return nil, nil
}
func (fakeStore) BatchAppend(ctx context.Context, worksheet string, rows []backingstore.LogRow) error {
	return nil
}

type fakeFetcher struct{}

func (fakeFetcher) FetchAllCustomers(ctx context.Context) ([]models.Customer, error) { return nil, nil }

func TestSampleOnce_PopulatesGauges(t *testing.T) {
	logger := zap.NewNop()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	engine := datasetengine.NewEngine(fakeStore{}, fakeNormalizer{}, 30*24*time.Hour, time.Hour, 30*time.Second, logger)
	_, err = engine.CreateDataset(context.Background(), "agent1", models.Address{Street: "A", Number: "1", Postal: "11111"}, nil, nil)
	require.NoError(t, err)

	fallback, err := backingstore.NewFallbackWriter(t.TempDir() + "/fb.jsonl")
	require.NoError(t, err)
	writer := backingstore.NewBatchedWriter(fakeStore{}, fallback, time.Hour, time.Second, time.Minute, logger)
	writer.Enqueue("agent1", backingstore.LogRow{UserID: "agent1"})

	logs, err := logstore.New(t.TempDir(), loc, logger)
	require.NoError(t, err)
	t.Cleanup(logs.Close)

	customers := customercache.New(fakeFetcher{}, time.Minute, logger)

	reg := prometheus.NewRegistry()
	registry := metrics.New(reg)

	s := New(engine, writer, nil, nil, logs, customers, nil, registry, 7, loc, logger)
	s.sampleOnce()

	assert.Equal(t, float64(1), testutil.ToFloat64(registry.DatasetCacheSize))
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.WriterBacklog.WithLabelValues("agent1")))
	assert.Equal(t, float64(0), testutil.ToFloat64(registry.LogStoreOpenHandles))

	// A second sample with no new cache activity must not double-count the
	// cumulative hit/miss counters.
	s.sampleOnce()
	m := customers.Metrics()
	assert.Equal(t, float64(m.Hits), testutil.ToFloat64(registry.CustomerCacheHits))
	assert.Equal(t, float64(m.Misses), testutil.ToFloat64(registry.CustomerCacheMisses))
}
