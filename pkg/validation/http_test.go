package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
	"github.com/synaptica-ai/patient-sync/pkg/store"
)

func newTestRouter(t *testing.T, withCache bool) *mux.Router {
	t.Helper()
	mem := store.NewMemory()
	usa := patient("123457", "USA", models.StatusActive)
	ind := patient("123457", "IND", models.StatusActive)
	mem.Seed([]models.PatientRecord{usa, ind}, []models.PartitionRecord{projected(usa, 36), projected(ind, 36)})

	var cache *ReportCache
	if withCache {
		_, cache = setupTestCache(t, time.Minute)
	}
	router := mux.NewRouter()
	NewHTTPHandler(NewEngine(mem, WithClock(clock)), cache).Register(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHTTPValidateStagingAndLatest(t *testing.T) {
	router := newTestRouter(t, true)

	rec := get(router, "/api/v1/validation/staging/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(router, "/api/v1/validation/staging")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report models.ViolationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Len(t, report.Check(CheckMultipleActive), 1)

	rec = get(router, "/api/v1/validation/staging/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var cached models.ViolationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cached))
	assert.Equal(t, report.Check(CheckMultipleActive), cached.Check(CheckMultipleActive))
}

func TestHTTPValidatePartition(t *testing.T) {
	router := newTestRouter(t, true)

	rec := get(router, "/api/v1/validation/partitions/ind")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report models.ViolationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "partition:IND", report.Scope)

	assert.Equal(t, http.StatusOK, get(router, "/api/v1/validation/partitions/IND/latest").Code)
	assert.Equal(t, http.StatusNotFound, get(router, "/api/v1/validation/partitions/AUS").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/validation/partitions/Table_IND").Code)
	assert.Equal(t, http.StatusBadRequest, get(router, "/api/v1/validation/partitions/I/latest").Code)
}

func TestHTTPValidateAll(t *testing.T) {
	router := newTestRouter(t, false)

	rec := get(router, "/api/v1/validation")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Reports []models.ViolationReport `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Reports, 3)
	assert.Equal(t, ScopeStaging, body.Reports[0].Scope)

	assert.Equal(t, http.StatusNotFound, get(router, "/api/v1/validation/staging/latest").Code)
}
