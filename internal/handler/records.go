package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"visionsurvey/internal/dto"
	"visionsurvey/internal/logger"
	"visionsurvey/internal/repository"
	"visionsurvey/internal/service"
)

// GetRecordsHandler returns one page of records, newest first.
// Query: start_date, end_date, product, limit, cursor_id (exclusive upper bound on id).
func GetRecordsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := atoiDefault(q.Get("limit"), repository.DefaultPageLimit)

		var cursor *int64
		if id, ok := parseID(q.Get("cursor_id")); ok {
			cursor = &id
		}

		records, err := manager.GetQueryService().List(r.Context(), parseFilters(r), limit, cursor)
		if err != nil {
			logger.Error("Error querying records: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, dto.NewRecordInfos(records))
	}
}

// GetNewerRecordsHandler returns records with id > last_id, oldest first.
func GetNewerRecordsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lastID, _ := parseID(q.Get("last_id"))
		limit := atoiDefault(q.Get("limit"), repository.DefaultNewerLimit)

		records, err := manager.GetQueryService().Newer(r.Context(), parseFilters(r), lastID, limit)
		if err != nil {
			logger.Error("Error querying newer records: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, dto.NewRecordInfos(records))
	}
}

// GetStatsHandler returns per-label counts (top_k, default 30).
func GetStatsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topK := atoiDefault(r.URL.Query().Get("top_k"), 0)

		stats, err := manager.GetQueryService().Stats(r.Context(), parseFilters(r), topK)
		if err != nil {
			logger.Error("Error computing stats: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, stats)
	}
}

// GetCountHandler returns the number of records matching the filters.
func GetCountHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := manager.GetQueryService().Count(r.Context(), parseFilters(r))
		if err != nil {
			logger.Error("Error counting records: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, map[string]int{"total": n})
	}
}

// GetCountAllHandler returns the number of stored records.
func GetCountAllHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := manager.GetQueryService().CountAll(r.Context())
		if err != nil {
			logger.Error("Error counting records: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, map[string]int{"total": n})
	}
}

// GetTrendHandler returns per-day counts.
func GetTrendHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := manager.GetQueryService().Trend(r.Context(), parseFilters(r))
		if err != nil {
			logger.Error("Error computing trend: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, days)
	}
}

// GetCompareHandler compares the counts of products a and b.
func GetCompareHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		a, b := q.Get("a"), q.Get("b")
		if strings.TrimSpace(a) == "" || strings.TrimSpace(b) == "" {
			http.Error(w, "Parameters a and b are required", http.StatusBadRequest)
			return
		}

		data, err := manager.GetQueryService().Compare(r.Context(), parseFilters(r), a, b)
		if err != nil {
			logger.Error("Error comparing products: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, logger, data)
	}
}

// ViewOutputHandler serves a processed image by its relative name: /uploads/{name}.
func ViewOutputHandler(manager *service.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, dto.UploadsPrefix)
		filePath, err := manager.GetOutputStore().Resolve(name)
		if err != nil {
			http.Error(w, "Invalid image name", http.StatusBadRequest)
			return
		}
		http.ServeFile(w, r, filePath)
	}
}

// parseFilters reads start_date, end_date and product from the query string.
func parseFilters(r *http.Request) dto.RecordFilters {
	q := r.URL.Query()
	return dto.RecordFilters{
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
		Product:   q.Get("product"),
	}
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// parseID accepts non-negative decimal ids only.
func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, logger *logger.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}
