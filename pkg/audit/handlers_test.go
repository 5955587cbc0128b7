package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// searchOnly hides the Stats method of the wrapped store
type searchOnly struct {
	err error
}

func (s searchOnly) Search(ctx context.Context, filter SearchFilter) ([]*Record, error) {
	return nil, s.err
}

func newTestRouter(t *testing.T, searcher Searcher) *mux.Router {
	t.Helper()
	logger, _ := test.NewNullLogger()
	router := mux.NewRouter()
	NewHandlers(searcher, logger).RegisterRoutes(router)
	return router
}

func seededStore() *MemoryStore {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(nil)
	store.Seed(Record{Operation: OperationCreate, Collection: CollectionAppointments, DocumentID: "a1", ActorID: "doc1", SubjectID: "p1"}, now.Add(-2*time.Hour))
	store.Seed(Record{Operation: OperationUpdate, Collection: CollectionAppointments, DocumentID: "a1", ActorID: "p1", SubjectID: "p1", ChangedFields: []string{"status"}}, now.Add(-time.Hour))
	store.Seed(Record{Operation: OperationBackupStarted, Collection: CollectionSystem, DocumentID: "2026-05-01", ActorID: ActorSystem}, now)
	return store
}

func doGet(router http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestListRecords_JSON(t *testing.T) {
	router := newTestRouter(t, seededStore())

	rec := doGet(router, "/audit/records?document_id=a1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Records []*Record `json:"records"`
		Count   int       `json:"count"`
		Limit   int       `json:"limit"`
		Offset  int       `json:"offset"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, defaultSearchLimit, body.Limit)
	require.Len(t, body.Records, 2)
	assert.Equal(t, OperationUpdate, body.Records[0].Operation)
}

func TestListRecords_Filters(t *testing.T) {
	router := newTestRouter(t, seededStore())

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"by actor", "actor_id=p1", 1},
		{"by subject", "subject_id=p1", 2},
		{"by collection", "collection=system", 1},
		{"by operation", "operation=create", 1},
		{"time range", "start_time=2026-05-01T10:30:00Z&end_time=2026-05-01T11:30:00Z", 1},
		{"limit", "limit=1", 1},
		{"offset", "offset=2", 1},
		{"limit clamped", "limit=5000", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doGet(router, "/audit/records?"+tt.query)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var body struct {
				Count int `json:"count"`
				Limit int `json:"limit"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.want, body.Count)
			assert.LessOrEqual(t, body.Limit, maxSearchLimit)
		})
	}
}

func TestListRecords_BadRequest(t *testing.T) {
	router := newTestRouter(t, seededStore())

	for _, query := range []string{
		"operation=read",
		"start_time=yesterday",
		"end_time=2026-13-01T00:00:00Z",
		"start_time=2026-05-02T00:00:00Z&end_time=2026-05-01T00:00:00Z",
		"limit=0",
		"limit=abc",
		"offset=-1",
		"format=xml",
	} {
		t.Run(query, func(t *testing.T) {
			rec := doGet(router, "/audit/records?"+query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestListRecords_Formats(t *testing.T) {
	router := newTestRouter(t, seededStore())

	rec := doGet(router, "/audit/records?format=csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=audit-records.csv", rec.Header().Get("Content-Disposition"))
	assert.Len(t, strings.Split(strings.TrimSpace(rec.Body.String()), "\n"), 4)

	rec = doGet(router, "/audit/records?format=ndjson")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Len(t, strings.Split(strings.TrimSpace(rec.Body.String()), "\n"), 3)
}

func TestListRecords_SearchError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	router := mux.NewRouter()
	NewHandlers(searchOnly{err: errors.New("connection reset")}, logger).RegisterRoutes(router)

	rec := doGet(router, "/audit/records")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestGetStats(t *testing.T) {
	router := newTestRouter(t, seededStore())

	rec := doGet(router, "/audit/stats?collection=appointments")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(2), stats.UniqueActors)
	assert.Equal(t, int64(1), stats.ByOperation[OperationUpdate])
}

func TestGetStats_NotSupported(t *testing.T) {
	router := newTestRouter(t, searchOnly{})

	rec := doGet(router, "/audit/stats")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestGetStats_BadRequest(t *testing.T) {
	router := newTestRouter(t, seededStore())

	rec := doGet(router, "/audit/stats?start_time=nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordsRouteIsReadOnly(t *testing.T) {
	router := newTestRouter(t, seededStore())

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch} {
		req := httptest.NewRequest(method, "/audit/records", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
}
