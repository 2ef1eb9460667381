package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"tracelog/internal/config"
	"tracelog/internal/logstore"
	"tracelog/internal/metrics"
	"tracelog/internal/reconstruct"
	"tracelog/internal/retention"
	"tracelog/pkg/tracelog"
)

const (
	defaultPropertyLimit = 100
	maxPropertyLimit     = 1000
	listStatisticsDays   = 7
)

// cachedTrace is a rendered trace detail response.
type cachedTrace struct {
	body []byte
	etag string
}

// Handler holds the server dependencies
type Handler struct {
	cfg     *config.Config
	store   *logstore.Store
	cleaner *retention.Cleaner
	metrics *metrics.Metrics
	logger  *zap.Logger
	traces  otter.Cache[string, cachedTrace]
	now     func() time.Time
}

// NewHandler creates a new handler
func NewHandler(cfg *config.Config, store *logstore.Store, cleaner *retention.Cleaner, m *metrics.Metrics, logger *zap.Logger) (*Handler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	size := cfg.Viewer.CacheSize
	if size < 1 {
		size = 1000
	}
	traces, err := otter.MustBuilder[string, cachedTrace](size).
		WithTTL(cfg.Viewer.GetCacheTTLDuration()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create trace cache: %w", err)
	}

	return &Handler{
		cfg:     cfg,
		store:   store,
		cleaner: cleaner,
		metrics: m,
		logger:  logger,
		traces:  traces,
		now:     time.Now,
	}, nil
}

// Close releases the trace cache.
func (h *Handler) Close() {
	h.traces.Close()
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/"+h.cfg.Viewer.Prefix()+"/api", func(r chi.Router) {
		if h.cfg.Viewer.Token != "" {
			r.Use(authMiddleware(h.cfg.Viewer.Token))
		}
		r.Get("/traces", h.HandleListTraces)
		r.Get("/traces/{requestID}", h.HandleTraceDetail)
		r.Get("/logs", h.HandleListLogs)
		r.Delete("/logs", h.HandleDeleteLogs)
		r.Get("/logs/{id}", h.HandleGetLog)
		r.Get("/requests/{requestID}/logs", h.HandleRequestLogs)
		r.Get("/properties/{key}/{value}", h.HandleLogsByProperty)
		r.Get("/property-keys", h.HandlePropertyKeys)
		r.Get("/property-values", h.HandlePropertyValues)
		r.Get("/types", h.HandleTypes)
		r.Get("/statistics", h.HandleStatistics)
		r.Get("/export", h.HandleExport)
	})
}

// HandleHealth returns the health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

// HandleReady reports whether the database is reachable.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Pagination describes one page of a listing.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	PerPage     int  `json:"per_page"`
	Total       int  `json:"total"`
	LastPage    int  `json:"last_page"`
	HasMore     bool `json:"has_more"`
}

func newPagination(p logstore.Page, total int) Pagination {
	last := p.LastPage(total)
	return Pagination{
		CurrentPage: p.Page,
		PerPage:     p.PerPage,
		Total:       total,
		LastPage:    last,
		HasMore:     p.Page < last,
	}
}

// Counters are the headline numbers of the trace list.
type Counters struct {
	TotalRequests int `json:"total_requests"`
	ErrorCount    int `json:"error_count"`
	WarningCount  int `json:"warning_count"`
	InfoCount     int `json:"info_count"`
	DebugCount    int `json:"debug_count"`
}

// TraceListResponse is the body of the trace list.
type TraceListResponse struct {
	Traces     []reconstruct.Summary `json:"traces"`
	Pagination Pagination            `json:"pagination"`
	Statistics Counters              `json:"statistics"`
}

// HandleListTraces lists traces grouped by request id, most recent first.
func (h *Handler) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}
	page, err := parsePage(r, h.cfg.Viewer.PerPage)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	ctx := r.Context()
	result, err := h.store.ListTraces(ctx, filter, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	ids := make([]string, len(result.Traces))
	for i, ref := range result.Traces {
		ids[i] = ref.RequestID
	}
	rowsByID, err := h.store.RowsForRequests(ctx, ids)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	summaries := make([]reconstruct.Summary, 0, len(ids))
	for _, id := range ids {
		s, err := reconstruct.Summarize(rowsByID[id])
		if err != nil {
			continue
		}
		summaries = append(summaries, *s)
	}

	stats, err := h.store.Statistics(ctx, listStatisticsDays, h.now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, TraceListResponse{
		Traces:     summaries,
		Pagination: newPagination(page, result.Total),
		Statistics: Counters{
			TotalRequests: stats.TotalTraces,
			ErrorCount:    stats.ByLevel[string(tracelog.LevelError)],
			WarningCount:  stats.ByLevel[string(tracelog.LevelWarning)],
			InfoCount:     stats.ByLevel[string(tracelog.LevelInfo)],
			DebugCount:    stats.ByLevel[string(tracelog.LevelDebug)],
		},
	})
}

// TraceDetailResponse is the body of a trace detail.
type TraceDetailResponse struct {
	*reconstruct.Trace
	StepsCount int  `json:"steps_count"`
	HasSteps   bool `json:"has_steps"`
}

// HandleTraceDetail returns the reconstructed trace of one request.
func (h *Handler) HandleTraceDetail(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	if strings.TrimSpace(requestID) == "" {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, "request id is required")
		return
	}

	entry, hit := h.traces.Get(requestID)
	h.metrics.ObserveCacheLookup(hit)
	if !hit {
		rows, err := h.store.RowsForRequest(r.Context(), requestID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		trace, err := reconstruct.Reconstruct(rows)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		body, err := json.Marshal(TraceDetailResponse{
			Trace:      trace,
			StepsCount: len(trace.Steps),
			HasSteps:   len(trace.Steps) > 0,
		})
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		entry = cachedTrace{body: body, etag: etag(body)}
		// In-flight traces still receive rows.
		if trace.Status != reconstruct.StatusInfo {
			h.traces.Set(requestID, entry)
		}
	}

	w.Header().Set("ETag", entry.etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == entry.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.body)
}

func etag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxh3.Hash(body))
}

// LogListResponse is the body of the flat row listing.
type LogListResponse struct {
	Logs       []tracelog.LogRow `json:"logs"`
	Pagination Pagination        `json:"pagination"`
}

// HandleListLogs lists rows matching the filters, newest first.
func (h *Handler) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	if parseBool(r.URL.Query().Get("count_only")) {
		n, err := h.store.CountRows(r.Context(), filter)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"count": n})
		return
	}

	page, err := parsePage(r, h.cfg.Viewer.PerPage)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}
	rows, total, err := h.store.ListRows(r.Context(), filter, page)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []tracelog.LogRow{}
	}
	WriteJSON(w, http.StatusOK, LogListResponse{Logs: rows, Pagination: newPagination(page, total)})
}

// HandleGetLog returns one row.
func (h *Handler) HandleGetLog(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, "id must be a positive integer")
		return
	}
	row, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	formatted := ""
	if row.Context != nil {
		if b, err := json.MarshalIndent(row.Context, "", "  "); err == nil {
			formatted = string(b)
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"log":               row,
		"formatted_context": formatted,
		"level_with_emoji":  row.Level.Emoji() + " " + strings.ToUpper(string(row.Level)),
	})
}

// HandleDeleteLogs deletes rows older than ?days=, defaulting to the retention window.
func (h *Handler) HandleDeleteLogs(w http.ResponseWriter, r *http.Request) {
	days, err := retention.ParseDays(r.URL.Query().Get("days"), h.cfg.Retention.CleanupOldLogsDays)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}
	res, err := h.cleaner.Cleanup(r.Context(), days)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.traces.Clear()

	WriteJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Cleared %d old log entries", res.Deleted),
		"deleted_count": res.Deleted,
		"cutoff":        res.Cutoff,
	})
}

// HandleRequestLogs returns the raw rows of one request in recorded order.
func (h *Handler) HandleRequestLogs(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	rows, err := h.store.RowsForRequest(r.Context(), requestID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []tracelog.LogRow{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": requestID,
		"logs":       rows,
		"count":      len(rows),
	})
}

// HandleLogsByProperty returns rows whose properties hold value under key.
func (h *Handler) HandleLogsByProperty(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value := chi.URLParam(r, "value")
	limit, err := parseLimit(r, defaultPropertyLimit, maxPropertyLimit)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}

	rows, err := h.store.ByProperty(r.Context(), key, value, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []tracelog.LogRow{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"property_key":   key,
		"property_value": value,
		"logs":           rows,
		"count":          len(rows),
	})
}

// HandlePropertyKeys lists the property keys of recent rows.
func (h *Handler) HandlePropertyKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.PropertyKeys(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, keys)
}

// HandlePropertyValues lists the values of ?key= in recent rows.
func (h *Handler) HandlePropertyValues(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		WriteJSON(w, http.StatusOK, []any{})
		return
	}
	values, err := h.store.PropertyValues(r.Context(), key)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, values)
}

// HandleTypes lists the distinct context types.
func (h *Handler) HandleTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.store.Types(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, types)
}

// HandleStatistics aggregates the traces of the last ?days= days (default 7).
func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	days, err := retention.ParseDays(r.URL.Query().Get("days"), listStatisticsDays)
	if err != nil {
		WriteError(w, http.StatusBadRequest, CodeInvalidArgument, err.Error())
		return
	}
	stats, err := h.store.Statistics(r.Context(), days, h.now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
