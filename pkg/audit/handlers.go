package audit

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mediconnect/auditd/pkg/httputil"
	"github.com/sirupsen/logrus"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// Handlers provides the read-only compliance query API
type Handlers struct {
	searcher Searcher
	logger   logrus.FieldLogger
}

// NewHandlers creates new audit handlers
func NewHandlers(searcher Searcher, logger logrus.FieldLogger) *Handlers {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{
		searcher: searcher,
		logger:   logger,
	}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/records", h.listRecords).Methods("GET")
	router.HandleFunc("/audit/stats", h.getStats).Methods("GET")
}

// listRecords handles GET /audit/records
func (h *Handlers) listRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}

	records, err := h.searcher.Search(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("audit search failed")
		httputil.WriteInternalError(w, "audit search failed")
		return
	}

	if format == ExportFormatJSON {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"records": records,
			"count":   len(records),
			"limit":   filter.Limit,
			"offset":  filter.Offset,
		})
		return
	}

	data, contentType, err := Export(format, records)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-records.%s", format))
	w.Write(data)
}

// getStats handles GET /audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.searcher.(StatsProvider)
	if !ok {
		httputil.WriteNotImplemented(w, "statistics not supported by this store")
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	stats, err := provider.Stats(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("audit stats failed")
		httputil.WriteInternalError(w, "audit stats failed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// parseFilter parses the search filter from query parameters
func parseFilter(r *http.Request) (SearchFilter, error) {
	query := r.URL.Query()
	filter := SearchFilter{
		Collection: Collection(query.Get("collection")),
		Operation:  Operation(query.Get("operation")),
		DocumentID: query.Get("document_id"),
		ActorID:    query.Get("actor_id"),
		SubjectID:  query.Get("subject_id"),
		Limit:      defaultSearchLimit,
	}

	if filter.Operation != "" && !filter.Operation.Valid() {
		return filter, fmt.Errorf("invalid operation %q", filter.Operation)
	}

	var err error
	if filter.StartTime, err = httputil.ParseQueryTime(r, "start_time"); err != nil {
		return filter, err
	}
	if filter.EndTime, err = httputil.ParseQueryTime(r, "end_time"); err != nil {
		return filter, err
	}
	if filter.StartTime != nil && filter.EndTime != nil && filter.EndTime.Before(*filter.StartTime) {
		return filter, fmt.Errorf("end_time is before start_time")
	}

	limit, err := httputil.ParseQueryInt(r, "limit", defaultSearchLimit)
	if err != nil || limit < 1 {
		return filter, fmt.Errorf("invalid limit %q", query.Get("limit"))
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	filter.Limit = limit

	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		return filter, fmt.Errorf("invalid offset %q", query.Get("offset"))
	}
	filter.Offset = offset

	return filter, nil
}
