package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canvassops/coordinator-service/internal/backingstore"
	"github.com/canvassops/coordinator-service/internal/customercache"
	"github.com/canvassops/coordinator-service/internal/datasetengine"
	"github.com/canvassops/coordinator-service/internal/geocode"
	"github.com/canvassops/coordinator-service/internal/logstore"
	"github.com/canvassops/coordinator-service/internal/matching"
	"github.com/canvassops/coordinator-service/internal/models"
	"github.com/canvassops/coordinator-service/internal/tracking"
)

type memStore struct {
	backingstore.Store
}

func (memStore) Append(ctx context.Context, worksheet string, row backingstore.DatasetRow) error {
	return nil
}
func (memStore) UpdateRow(ctx context.Context, worksheet string, row backingstore.DatasetRow) error {
	return nil
}
func (memStore) LoadAllDatasets(ctx context.Context) ([]backingstore.DatasetRow, error) {
	return nil, nil
}
func (memStore) BatchAppend(ctx context.Context, worksheet string, rows []backingstore.LogRow) error {
	return nil
}

type memFetcher struct{}

func (memFetcher) FetchAllCustomers(ctx context.Context) ([]models.Customer, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	// No provider configured: every normalization takes the trivial
	// fallback path, which is deterministic and needs no network.
	geoQueue := geocode.NewQueue(nil, time.Millisecond, 2, logger)

	engine := datasetengine.NewEngine(memStore{}, geoQueue, 30*24*time.Hour, time.Hour, 30*time.Second, logger)

	logs, err := logstore.New(t.TempDir(), loc, logger)
	require.NoError(t, err)
	t.Cleanup(logs.Close)

	fallback, err := backingstore.NewFallbackWriter(t.TempDir() + "/fb.jsonl")
	require.NoError(t, err)
	writer := backingstore.NewBatchedWriter(memStore{}, fallback, time.Hour, time.Second, time.Minute, logger)

	ingestor := tracking.NewIngestor(logs, writer, tracking.NewStaticDirectory(nil), loc, logger)
	customers := customercache.New(memFetcher{}, time.Minute, logger)
	overlay := matching.NewOverlay(engine, customers)

	srv := New(engine, ingestor, geoQueue, logs, writer, overlay, loc, prometheus.NewRegistry(), logger)
	return srv.Routes()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, userID, username string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if username != "" {
		req.Header.Set("X-Username", username)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func createBody(street, number, postal string) map[string]any {
	return map[string]any{
		"address":           map[string]string{"street": street, "number": number, "postal": postal},
		"editableResidents": []map[string]string{},
	}
}

func TestCreateDataset_ReturnsCanEditTrue(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/datasets", createBody("Schnellweider Straße", "12", "41462"), "damian", "damian")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["canEdit"])
	assert.NotEmpty(t, resp["id"])
}

func TestCreateDataset_SecondCreateConflictsWithOwnershipFields(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/datasets", createBody("Schnellweider Straße", "12", "41462"), "damian", "damian")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/datasets", createBody("Schnellweider Straße", "12", "41462"), "damian", "damian")
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ADDRESS_CONFLICT", resp["error"])
	assert.Equal(t, true, resp["isOwnDataset"])
	assert.Equal(t, "damian", resp["existingCreator"])
	assert.Equal(t, float64(0), resp["daysSinceCreation"])
	assert.Equal(t, float64(30), resp["daysUntilNewAllowed"])
}

func TestCreateDataset_OtherUserConflictIsNotOwn(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/datasets", createBody("Hauptstraße", "1-3", "50667"), "damian", "damian")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/datasets", createBody("Hauptstraße", "2", "50667"), "petra", "petra")
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["isOwnDataset"])
	assert.Equal(t, "damian", resp["existingCreator"])
}

func TestCreateDataset_MissingFieldsRejected(t *testing.T) {
	router := newTestServer(t)
	rec := doJSON(t, router, http.MethodPost, "/datasets", createBody("Hauptstraße", "", ""), "damian", "damian")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_ADDRESS", resp["error"])
	assert.ElementsMatch(t, []any{"number", "postal"}, resp["missingFields"])
}

func TestGetDatasets_FlexibleHouseNumberMatchIsFlagged(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/datasets", createBody("Hauptstraße", "1-3", "50667"), "damian", "damian")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/datasets?street=Hauptstra%C3%9Fe&number=2&postal=50667", nil, "petra", "petra")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Datasets []map[string]any `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Datasets, 1)
	assert.Equal(t, true, resp.Datasets[0]["isNonExactMatch"])
	assert.Equal(t, false, resp.Datasets[0]["canEdit"])
}

func TestDatasetHistory_SelfOnly(t *testing.T) {
	router := newTestServer(t)
	today := time.Now().Format("2006-01-02")

	rec := doJSON(t, router, http.MethodGet, "/datasets/history/petra/"+today, nil, "damian", "damian")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/datasets/history/damian/"+today, nil, "damian", "damian")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdateResident_RequiresOwnership(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/datasets", createBody("Lindenallee", "5", "80331"), "damian", "damian")
	require.Equal(t, http.StatusOK, rec.Code)
	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created["id"].(string)

	body := map[string]any{"datasetId": id, "index": 0, "resident": map[string]any{"name": "Huber"}}
	rec = doJSON(t, router, http.MethodPut, "/datasets/residents", body, "petra", "petra")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/datasets/residents", body, "damian", "damian")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPushLocation_DiscardsSentinelPoints(t *testing.T) {
	router := newTestServer(t)

	body := map[string]any{"points": []map[string]any{
		{"timestampMs": time.Now().UnixMilli(), "lat": 0, "lon": 0},
		{"timestampMs": time.Now().UnixMilli(), "lat": 52.52, "lon": 13.405},
	}}
	rec := doJSON(t, router, http.MethodPost, "/tracking/location", body, "damian", "damian")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["accepted"])
}

func TestSearchLocal_RequiresPostalAndNumber(t *testing.T) {
	router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/datasets/search-local?street=X&number=&postal=50667", nil, "damian", "damian")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Datasets []any `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Datasets)
}

func TestRequireAuth_RejectsMissingUserHeader(t *testing.T) {
	router := newTestServer(t)
	rec := doJSON(t, router, http.MethodGet, "/datasets/streets/suggestions?query=Haupt", nil, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
